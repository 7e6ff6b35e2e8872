// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"errors"
	"fmt"
)

var (
	ErrClientClosed      = errors.New("piezo: client is closed")
	ErrClosedByRemote    = errors.New("piezo: channel was closed by the remote end")
	ErrNoClientAvailable = errors.New("piezo: no client available")
	ErrCancelled         = errors.New("piezo: call cancelled")
	ErrFrameTooLarge     = errors.New("piezo: frame exceeds maximum size")
	ErrUnknownTransport  = errors.New("piezo: unknown transport")
	ErrRateLimited       = errors.New("piezo: rate limit exceeded")
	ErrServerBusy        = errors.New("piezo: server at capacity")
	ErrServerClosed      = errors.New("piezo: server closed")
)

// ConversionError reports a native transport message that could not be
// mapped to or from an Envelope. The connection it arrived on stays usable.
type ConversionError struct {
	Message any
	Err     error
}

func (e *ConversionError) Error() string {
	if e.Err == nil {
		return "piezo: could not convert message"
	}
	return fmt.Sprintf("piezo: could not convert message: %v", e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// RemoteError is the failure carried by an error Envelope.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// UnknownServiceError reports a request for a service that is not
// registered.
type UnknownServiceError struct {
	Service string
}

func (e *UnknownServiceError) Error() string {
	return "Unknown service " + e.Service
}

// UnknownMethodError reports a request for a method the service does not
// have.
type UnknownMethodError struct {
	Service string
	Method  string
}

func (e *UnknownMethodError) Error() string {
	return "Unknown method " + e.Service + "/" + e.Method
}
