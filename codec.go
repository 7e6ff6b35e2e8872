// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Codec serializes the messages carried in an Envelope payload.
type Codec interface {
	Name() string
	Marshal(m proto.Message) ([]byte, error)
	Unmarshal(data []byte, m proto.Message) error
}

// BinaryCodec uses the protobuf binary encoding.
type BinaryCodec struct{}

func (BinaryCodec) Name() string { return "proto" }

func (BinaryCodec) Marshal(m proto.Message) ([]byte, error) {
	return proto.Marshal(m)
}

func (BinaryCodec) Unmarshal(data []byte, m proto.Message) error {
	return proto.Unmarshal(data, m)
}

// JSONCodec uses the canonical protobuf JSON mapping. Unknown fields are
// rejected on input.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(m proto.Message) ([]byte, error) {
	return protojson.Marshal(m)
}

func (JSONCodec) Unmarshal(data []byte, m proto.Message) error {
	return protojson.Unmarshal(data, m)
}

var (
	// Binary is used by the socket, Quartz and gRPC transports.
	Binary Codec = BinaryCodec{}
	// JSON is used by the JSON-RPC transport.
	JSON Codec = JSONCodec{}
)
