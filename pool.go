// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"google.golang.org/protobuf/proto"
)

// ClientPool presents a set of interchangeable clients as one Client. Each
// call goes to the client its SelectionPolicy picks.
//
// Membership changes copy the member list, so selection never blocks on
// them and always sees a consistent snapshot.
type ClientPool struct {
	policy SelectionPolicy

	mu      sync.Mutex // serializes writers
	clients atomic.Pointer[[]Client]
	closed  atomic.Bool
}

// NewClientPool returns a pool of clients using policy. A nil policy means
// round-robin.
func NewClientPool(policy SelectionPolicy, clients ...Client) *ClientPool {
	if policy == nil {
		policy = NewRoundRobin()
	}
	p := &ClientPool{policy: policy}
	initial := slices.Clone(clients)
	p.clients.Store(&initial)
	return p
}

// Add appends c to the pool.
func (p *ClientPool) Add(c Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := append(slices.Clone(*p.clients.Load()), c)
	p.clients.Store(&next)
}

// Remove drops c from the pool without closing it. It reports whether c was
// a member.
func (p *ClientPool) Remove(c Client) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	current := *p.clients.Load()
	i := slices.Index(current, c)
	if i < 0 {
		return false
	}
	next := slices.Delete(slices.Clone(current), i, i+1)
	p.clients.Store(&next)
	return true
}

// Len is the number of member clients.
func (p *ClientPool) Len() int { return len(*p.clients.Load()) }

// Clients returns a snapshot of the members.
func (p *ClientPool) Clients() []Client { return slices.Clone(*p.clients.Load()) }

// NextClient returns the client the policy selects, or nil if the pool is
// empty.
func (p *ClientPool) NextClient() Client {
	return p.policy.Select(*p.clients.Load())
}

func (p *ClientPool) EncodeMethodCall(ctx context.Context, method ClientMethod, request proto.Message) *Call {
	if p.closed.Load() {
		return failedCall(method, ErrClientClosed)
	}
	c := p.NextClient()
	if c == nil {
		return failedCall(method, ErrNoClientAvailable)
	}
	return c.EncodeMethodCall(ctx, method, request)
}

// Close empties the pool and closes every member.
func (p *ClientPool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.mu.Lock()
	members := *p.clients.Load()
	empty := []Client{}
	p.clients.Store(&empty)
	p.mu.Unlock()

	var errs []error
	for _, c := range members {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
