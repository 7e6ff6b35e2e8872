// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single socket frame.
const MaxFrameSize = 10 * 1024 * 1024

const frameHeaderSize = 4

// appendFrame appends env to b as [4 length][envelope].
func appendFrame(b []byte, env Envelope) []byte {
	start := len(b)
	b = append(b, 0, 0, 0, 0)
	b = env.AppendMarshal(b)
	binary.BigEndian.PutUint32(b[start:], uint32(len(b)-start-frameHeaderSize))
	return b
}

// readFrame reads one frame body from r. An oversized length prefix is
// fatal to the stream since the rest of the frame cannot be skipped safely.
func readFrame(r io.Reader, header []byte) ([]byte, error) {
	if _, err := io.ReadFull(r, header[:frameHeaderSize]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:frameHeaderSize])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// decodeFrame maps a frame body to an Envelope.
func decodeFrame(body []byte) (Envelope, error) {
	env, err := UnmarshalEnvelope(body)
	if err != nil {
		return Envelope{}, &ConversionError{Message: body, Err: err}
	}
	return env, nil
}
