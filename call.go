// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/protobuf/proto"
)

// Call is the pending result of one method call. It resolves exactly once.
type Call struct {
	requestID int64
	method    ClientMethod

	once     sync.Once
	done     chan struct{}
	response proto.Message
	err      error

	// cancel releases the correlator entry and reports whether it was still
	// pending.
	cancel func() bool
}

func newCall(requestID int64, method ClientMethod) *Call {
	return &Call{
		requestID: requestID,
		method:    method,
		done:      make(chan struct{}),
	}
}

// failedCall returns a Call that has already failed with err.
func failedCall(method ClientMethod, err error) *Call {
	c := newCall(0, method)
	c.resolve(nil, err)
	return c
}

func (c *Call) resolve(response proto.Message, err error) bool {
	resolved := false
	c.once.Do(func() {
		c.response, c.err = response, err
		close(c.done)
		resolved = true
	})
	return resolved
}

// RequestID is the id the request went out with.
func (c *Call) RequestID() int64 { return c.requestID }

func (c *Call) Method() ClientMethod { return c.method }

// Done is closed once the call resolved.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the outcome. It must only be called after Done is closed.
func (c *Call) Result() (proto.Message, error) {
	return c.response, c.err
}

// Cancel abandons the call. It reports true when the call was still pending,
// in which case a cancel request is sent to the server and the call fails
// with ErrCancelled.
func (c *Call) Cancel() bool {
	if c.cancel == nil {
		return false
	}
	return c.cancel()
}

// Wait blocks until the call resolves or ctx ends. When ctx ends first the
// call is cancelled.
func (c *Call) Wait(ctx context.Context) (proto.Message, error) {
	select {
	case <-c.done:
		return c.response, c.err
	case <-ctx.Done():
		if c.Cancel() {
			return nil, ctx.Err()
		}
		// Lost the race against the response.
		<-c.done
		return c.response, c.err
	}
}

// Invoke calls method on client and waits for the typed response.
func Invoke[O proto.Message](ctx context.Context, client Client, method ClientMethod, request proto.Message) (O, error) {
	var zero O
	response, err := client.EncodeMethodCall(ctx, method, request).Wait(ctx)
	if err != nil {
		return zero, err
	}
	out, ok := response.(O)
	if !ok {
		return zero, fmt.Errorf("piezo: %s/%s returned %T, want %T",
			method.ServiceName(), method.MethodName(), response, zero)
	}
	return out, nil
}
