// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package discovery publishes piezo servers in a service registry and keeps
// client pools in sync with it.
package discovery

import (
	"context"
	"time"
)

// Instance is one registered server of a service.
type Instance struct {
	Addr      string `json:"addr"`
	Transport string `json:"transport,omitempty"`
	Weight    int    `json:"weight,omitempty"`
	Version   string `json:"version,omitempty"`
}

// Registry stores the live instances of services.
type Registry interface {
	// Register publishes instance under service. The entry expires ttl after
	// the registering process stops renewing it.
	Register(ctx context.Context, service string, instance Instance, ttl time.Duration) error

	// Deregister removes the instance at addr.
	Deregister(ctx context.Context, service, addr string) error

	// Discover returns the instances currently registered under service.
	Discover(ctx context.Context, service string) ([]Instance, error)

	// Watch emits the full instance list of service whenever it changes. The
	// channel is closed when ctx ends.
	Watch(ctx context.Context, service string) <-chan []Instance
}
