// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers. The layout is that of:
//
//	message Envelope {
//	  int64 request_id = 1;
//	  string service = 2;
//	  string method = 3;
//	  bytes payload = 4;
//	  Control control = 5;
//	}
//	message Control {
//	  bool cancel = 1;
//	  string error = 2;
//	}
const (
	fieldRequestID protowire.Number = 1
	fieldService   protowire.Number = 2
	fieldMethod    protowire.Number = 3
	fieldPayload   protowire.Number = 4
	fieldControl   protowire.Number = 5

	fieldControlCancel protowire.Number = 1
	fieldControlError  protowire.Number = 2
)

// Control is the out-of-band part of an Envelope.
type Control struct {
	Cancel bool
	Error  string
}

// Envelope is the unit exchanged on every transport. Envelopes are built with
// the New* constructors and are not modified once handed to a transport.
type Envelope struct {
	RequestID int64
	Service   string
	Method    string
	Payload   []byte
	Control   *Control
}

// Kind classifies an Envelope.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindRequest
	KindCancelRequest
	KindCancelAck
	KindSuccess
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindCancelRequest:
		return "cancel-request"
	case KindCancelAck:
		return "cancel-ack"
	case KindSuccess:
		return "success"
	case KindError:
		return "error"
	default:
		return "invalid"
	}
}

// NewRequest builds a request for service/method carrying payload.
func NewRequest(requestID int64, service, method string, payload []byte) Envelope {
	return Envelope{RequestID: requestID, Service: service, Method: method, Payload: payload}
}

// NewCancelRequest asks the receiver to abort requestID.
func NewCancelRequest(requestID int64) Envelope {
	return Envelope{RequestID: requestID, Control: &Control{Cancel: true}}
}

// NewCancelAck reports whether cancelling requestID took effect.
func NewCancelAck(requestID int64, cancelled bool) Envelope {
	return Envelope{RequestID: requestID, Control: &Control{Cancel: cancelled}}
}

// NewSuccess carries the serialized result of requestID.
func NewSuccess(requestID int64, payload []byte) Envelope {
	return Envelope{RequestID: requestID, Payload: payload}
}

// NewError reports the failure of requestID.
func NewError(requestID int64, message string) Envelope {
	return Envelope{RequestID: requestID, Control: &Control{Error: message}}
}

// RequestKind classifies an Envelope read by a server.
func (e Envelope) RequestKind() Kind {
	switch {
	case e.Control != nil && e.Control.Cancel && e.Control.Error == "":
		return KindCancelRequest
	case e.Control == nil && e.Service != "" && e.Method != "":
		return KindRequest
	default:
		return KindInvalid
	}
}

// ResponseKind classifies an Envelope read by a client.
func (e Envelope) ResponseKind() Kind {
	switch {
	case e.Control == nil:
		return KindSuccess
	case e.Control.Error != "":
		return KindError
	default:
		return KindCancelAck
	}
}

// Equal reports whether both envelopes carry the same fields.
func (e Envelope) Equal(o Envelope) bool {
	if e.RequestID != o.RequestID || e.Service != o.Service || e.Method != o.Method {
		return false
	}
	if !bytes.Equal(e.Payload, o.Payload) {
		return false
	}
	if (e.Control == nil) != (o.Control == nil) {
		return false
	}
	return e.Control == nil || *e.Control == *o.Control
}

func (e Envelope) String() string {
	return fmt.Sprintf("envelope{id=%d service=%q method=%q payload=%dB control=%v}",
		e.RequestID, e.Service, e.Method, len(e.Payload), e.Control)
}

// Marshal encodes the envelope in protobuf wire format.
func (e Envelope) Marshal() []byte {
	return e.AppendMarshal(nil)
}

// AppendMarshal appends the encoded envelope to b.
func (e Envelope) AppendMarshal(b []byte) []byte {
	if e.RequestID != 0 {
		b = protowire.AppendTag(b, fieldRequestID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.RequestID))
	}
	if e.Service != "" {
		b = protowire.AppendTag(b, fieldService, protowire.BytesType)
		b = protowire.AppendString(b, e.Service)
	}
	if e.Method != "" {
		b = protowire.AppendTag(b, fieldMethod, protowire.BytesType)
		b = protowire.AppendString(b, e.Method)
	}
	if e.Payload != nil {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	if e.Control != nil {
		var c []byte
		if e.Control.Cancel {
			c = protowire.AppendTag(c, fieldControlCancel, protowire.VarintType)
			c = protowire.AppendVarint(c, protowire.EncodeBool(true))
		}
		if e.Control.Error != "" {
			c = protowire.AppendTag(c, fieldControlError, protowire.BytesType)
			c = protowire.AppendString(c, e.Control.Error)
		}
		b = protowire.AppendTag(b, fieldControl, protowire.BytesType)
		b = protowire.AppendBytes(b, c)
	}
	return b
}

var errInvalidUTF8 = errors.New("string field contains invalid UTF-8")

// UnmarshalEnvelope decodes b. Unknown fields are skipped.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Envelope{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldRequestID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			e.RequestID = int64(v)
			b = b[n:]
		case (num == fieldService || num == fieldMethod) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			if !utf8.ValidString(v) {
				return Envelope{}, errInvalidUTF8
			}
			if num == fieldService {
				e.Service = v
			} else {
				e.Method = v
			}
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			e.Payload = append([]byte{}, v...)
			b = b[n:]
		case num == fieldControl && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			c, err := unmarshalControl(v)
			if err != nil {
				return Envelope{}, err
			}
			e.Control = c
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Envelope{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return e, nil
}

func unmarshalControl(b []byte) (*Control, error) {
	c := &Control{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldControlCancel && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			c.Cancel = protowire.DecodeBool(v)
			b = b[n:]
		case num == fieldControlError && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if !utf8.ValidString(v) {
				return nil, errInvalidUTF8
			}
			c.Error = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return c, nil
}
