// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// workerPool runs method invocations off the connection's read loop. It is
// owned by a single Dispatcher and drained when that Dispatcher closes.
type workerPool struct {
	mu     sync.Mutex
	closed bool
	group  errgroup.Group
}

// newWorkerPool bounds concurrency to limit goroutines. A limit <= 0 means
// unbounded.
func newWorkerPool(limit int) *workerPool {
	p := &workerPool{}
	if limit > 0 {
		p.group.SetLimit(limit)
	}
	return p
}

// TryGo runs fn on the pool unless it is saturated or closed. It never
// blocks, so it is safe to call from a connection's read loop.
func (p *workerPool) TryGo(fn func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrServerClosed
	}
	if !p.group.TryGo(func() error {
		fn()
		return nil
	}) {
		return ErrServerBusy
	}
	return nil
}

// Close rejects new work and waits for running work to finish.
func (p *workerPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	_ = p.group.Wait()
}
