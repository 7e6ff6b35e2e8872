// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"math/rand/v2"
	"sync/atomic"
)

// SelectionPolicy picks the client of a pool that serves the next call.
// Select is called on every call and must be safe for concurrent use. It
// returns nil when clients is empty.
type SelectionPolicy interface {
	Select(clients []Client) Client
}

// RoundRobin cycles through the pool in order.
//
// The index is advanced with a compare-and-swap against the size of the
// snapshot the caller holds. When the pool changes concurrently the snapshot
// may be stale, so fairness is approximate.
type RoundRobin struct {
	index atomic.Int64
}

// NewRoundRobin returns a RoundRobin policy starting at the first client.
func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (p *RoundRobin) Select(clients []Client) Client {
	size := int64(len(clients))
	if size == 0 {
		return nil
	}
	for {
		current := p.index.Load()
		if p.index.CompareAndSwap(current, (current+1)%size) {
			return clients[current%size]
		}
	}
}

// Random picks a client uniformly at random.
type Random struct{}

func (Random) Select(clients []Client) Client {
	if len(clients) == 0 {
		return nil
	}
	return clients[rand.IntN(len(clients))]
}
