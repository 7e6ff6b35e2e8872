// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ClientMethod describes a remote method from the caller's side.
type ClientMethod interface {
	ServiceName() string
	MethodName() string
	// NewResponse allocates an empty message the response payload is
	// decoded into.
	NewResponse() proto.Message
}

type clientMethod struct {
	service   string
	method    string
	prototype proto.Message
}

// NewClientMethod describes service/method, whose responses have the type of
// prototype. The prototype itself is never written to.
func NewClientMethod(service, method string, prototype proto.Message) ClientMethod {
	return clientMethod{service: service, method: method, prototype: prototype}
}

func (m clientMethod) ServiceName() string { return m.service }
func (m clientMethod) MethodName() string  { return m.method }

func (m clientMethod) NewResponse() proto.Message {
	return m.prototype.ProtoReflect().New().Interface()
}

func (m clientMethod) String() string {
	return m.service + "/" + m.method
}

// ServerMethod is one entry of a Service method table.
type ServerMethod interface {
	Name() string
	// NewRequest allocates an empty message the request payload is decoded
	// into.
	NewRequest() proto.Message
	// Invoke runs the method. ctx is cancelled when the caller cancels the
	// call or the connection goes away.
	Invoke(ctx context.Context, request proto.Message) (proto.Message, error)
}

type serverMethod[I, O proto.Message] struct {
	name      string
	prototype I
	handler   func(context.Context, I) (O, error)
}

// NewServerMethod builds a method table entry from a typed handler. prototype
// determines the request type.
func NewServerMethod[I, O proto.Message](name string, prototype I, handler func(context.Context, I) (O, error)) ServerMethod {
	return &serverMethod[I, O]{name: name, prototype: prototype, handler: handler}
}

func (m *serverMethod[I, O]) Name() string { return m.name }

func (m *serverMethod[I, O]) NewRequest() proto.Message {
	return m.prototype.ProtoReflect().New().Interface()
}

func (m *serverMethod[I, O]) Invoke(ctx context.Context, request proto.Message) (proto.Message, error) {
	in, ok := request.(I)
	if !ok {
		return nil, fmt.Errorf("method %s expects %T, got %T", m.name, m.prototype, request)
	}
	out, err := m.handler(ctx, in)
	if err != nil {
		return nil, err
	}
	return out, nil
}
