// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"google.golang.org/protobuf/proto"
)

// Sender writes an Envelope to the connection a Correlator is attached to.
// It must not block on the response.
type Sender func(Envelope) error

// Correlator tracks the in-flight calls of one connection by request id.
// Whoever removes an entry from the table owns its resolution, so a response,
// a cancellation, a write failure and connection closure never resolve the
// same call twice.
type Correlator struct {
	send    Sender
	codec   Codec
	ids     func() int64
	logger  *slog.Logger
	monitor ClientMonitor

	mu       sync.Mutex
	inFlight map[int64]*Call
	closed   error
}

// CorrelatorOption configures a Correlator.
type CorrelatorOption func(*Correlator)

// WithCorrelatorLogger sets the logger used for dropped responses and
// failed cancel requests.
func WithCorrelatorLogger(l *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCorrelatorMonitor sets the monitor notified of calls and failures.
func WithCorrelatorMonitor(m ClientMonitor) CorrelatorOption {
	return func(c *Correlator) {
		if m != nil {
			c.monitor = m
		}
	}
}

// WithRequestIDs replaces the random request id source.
func WithRequestIDs(next func() int64) CorrelatorOption {
	return func(c *Correlator) {
		if next != nil {
			c.ids = next
		}
	}
}

// NewCorrelator returns a Correlator writing through send and decoding
// response payloads with codec.
func NewCorrelator(send Sender, codec Codec, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		send:     send,
		codec:    codec,
		ids:      rand.Int64,
		logger:   slog.Default(),
		monitor:  NopClientMonitor,
		inFlight: make(map[int64]*Call),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call registers a pending call, sends the request and returns its handle.
// Failures to encode or write the request resolve the handle; they are never
// returned directly.
func (c *Correlator) Call(method ClientMethod, request proto.Message) *Call {
	c.monitor.MethodCall(method)

	call, err := c.register(method)
	if err != nil {
		c.monitor.ClientError(method, err)
		return failedCall(method, err)
	}

	payload, err := c.codec.Marshal(request)
	if err != nil {
		c.Fail(call.requestID, fmt.Errorf("piezo: encode %s/%s request: %w",
			method.ServiceName(), method.MethodName(), err))
		return call
	}

	env := NewRequest(call.requestID, method.ServiceName(), method.MethodName(), payload)
	if err := c.send(env); err != nil {
		c.monitor.LinkError(err)
		c.Fail(call.requestID, err)
	}
	return call
}

func (c *Correlator) register(method ClientMethod) (*Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return nil, c.closed
	}

	id := c.ids()
	for _, taken := c.inFlight[id]; taken; _, taken = c.inFlight[id] {
		id = c.ids()
	}

	call := newCall(id, method)
	call.cancel = func() bool { return c.cancel(id) }
	c.inFlight[id] = call
	return call, nil
}

func (c *Correlator) remove(id int64) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.inFlight[id]
	if !ok {
		return nil
	}
	delete(c.inFlight, id)
	return call
}

// Deliver routes a response Envelope to its call. Responses for ids that are
// no longer in flight are dropped.
func (c *Correlator) Deliver(env Envelope) {
	kind := env.ResponseKind()
	if kind == KindCancelAck {
		c.logger.Debug("ignoring cancel ack",
			LabelRequestID.L(env.RequestID), "cancelled", env.Control.Cancel)
		return
	}

	call := c.remove(env.RequestID)
	if call == nil {
		c.logger.Debug("dropping response for unknown request",
			LabelRequestID.L(env.RequestID), LabelKind.L(kind.String()))
		return
	}

	if kind == KindError {
		err := &RemoteError{Message: env.Control.Error}
		c.monitor.ServerError(call.method, err)
		call.resolve(nil, err)
		return
	}

	response := call.method.NewResponse()
	if err := c.codec.Unmarshal(env.Payload, response); err != nil {
		err = fmt.Errorf("piezo: decode %s/%s response: %w",
			call.method.ServiceName(), call.method.MethodName(), err)
		c.monitor.ClientError(call.method, err)
		call.resolve(nil, err)
		return
	}
	call.resolve(response, nil)
}

// Fail resolves the call for id with err. It reports false when id was not
// in flight.
func (c *Correlator) Fail(id int64, err error) bool {
	call := c.remove(id)
	if call == nil {
		return false
	}
	c.monitor.ClientError(call.method, err)
	call.resolve(nil, err)
	return true
}

// Reject resolves the call for id with a failure reported by the server.
func (c *Correlator) Reject(id int64, err error) bool {
	call := c.remove(id)
	if call == nil {
		return false
	}
	c.monitor.ServerError(call.method, err)
	call.resolve(nil, err)
	return true
}

// Close fails every call in flight with err. Calls started afterwards fail
// immediately with err.
func (c *Correlator) Close(err error) {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	pending := c.inFlight
	c.inFlight = make(map[int64]*Call)
	c.mu.Unlock()

	for _, call := range pending {
		call.resolve(nil, err)
	}
}

// Len is the number of calls in flight.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight)
}

func (c *Correlator) cancel(id int64) bool {
	call := c.remove(id)
	if call == nil {
		return false
	}
	call.resolve(nil, ErrCancelled)

	if err := c.send(NewCancelRequest(id)); err != nil {
		c.logger.Warn("failed to send cancel request",
			LabelRequestID.L(id), "error", err)
		c.monitor.LinkError(err)
	}
	return true
}
