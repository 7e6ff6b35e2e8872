// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"context"
	"slices"
	"sync"
)

// Transport types
const (
	TransportSocket = "socket" // Length-prefixed envelopes over TCP, default
	TransportQuartz = "quartz" // Envelopes over persistent HTTP/1.1
	TransportJSON   = "json"   // JSON-RPC over HTTP
	TransportGRPC   = "grpc"   // Google RPC, requires build tag
)

// DefaultTransport is the default transport type (socket)
const DefaultTransport = TransportSocket

type dialFunc func(ctx context.Context, addr string, o *dialOptions) (Client, error)
type listenFunc func(addr string, o *serverOptions) (Server, error)

type transport struct {
	dial   dialFunc
	listen listenFunc
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]transport{
		TransportSocket: {
			dial: func(ctx context.Context, addr string, o *dialOptions) (Client, error) {
				return dialSocket(ctx, addr, o)
			},
			listen: func(addr string, o *serverOptions) (Server, error) {
				return listenSocket(addr, o)
			},
		},
		TransportQuartz: {
			dial: func(ctx context.Context, addr string, o *dialOptions) (Client, error) {
				return dialQuartz(ctx, addr, o)
			},
			listen: func(addr string, o *serverOptions) (Server, error) {
				return listenQuartz(addr, o)
			},
		},
		TransportJSON: {
			dial: func(ctx context.Context, addr string, o *dialOptions) (Client, error) {
				return dialJSONRPC(ctx, addr, o)
			},
			listen: func(addr string, o *serverOptions) (Server, error) {
				return listenJSONRPC(addr, o)
			},
		},
	}
)

// registerTransport registers a new transport (used by build tags)
func registerTransport(name string, dial dialFunc, listen listenFunc) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = transport{dial: dial, listen: listen}
}

func lookupTransport(name string) (transport, bool) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	return t, ok
}

// AvailableTransports returns the sorted list of available transport types
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	slices.Sort(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	_, ok := lookupTransport(name)
	return ok
}
