// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

// countingClient answers every call with its own name.
type countingClient struct {
	name   string
	calls  atomic.Int64
	closed atomic.Bool
}

func (c *countingClient) EncodeMethodCall(_ context.Context, method ClientMethod, _ proto.Message) *Call {
	c.calls.Add(1)
	call := newCall(c.calls.Load(), method)
	call.resolve(newTimeResponse(int64(len(c.name))), nil)
	return call
}

func (c *countingClient) Close() error {
	c.closed.Store(true)
	return nil
}

func TestRoundRobinOrder(t *testing.T) {
	require := require.New(t)

	c1, c2 := &countingClient{name: "c1"}, &countingClient{name: "c2"}
	pool := NewClientPool(NewRoundRobin(), c1, c2)

	require.Same(c1, pool.NextClient())
	require.Same(c2, pool.NextClient())
	require.Same(c1, pool.NextClient())
}

func TestSelectionPoliciesOnEmptyPool(t *testing.T) {
	require.Nil(t, NewRoundRobin().Select(nil))
	require.Nil(t, Random{}.Select([]Client{}))
}

func TestRandomStaysInPool(t *testing.T) {
	c1, c2, c3 := &countingClient{name: "c1"}, &countingClient{name: "c2"}, &countingClient{name: "c3"}
	clients := []Client{c1, c2, c3}
	for range 100 {
		require.Contains(t, clients, Random{}.Select(clients))
	}
}

func TestRoundRobinConcurrentFairness(t *testing.T) {
	require := require.New(t)

	c1, c2 := &countingClient{name: "c1"}, &countingClient{name: "c2"}
	pool := NewClientPool(NewRoundRobin(), c1, c2)

	const n = 1000
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-pool.EncodeMethodCall(context.Background(), getTimeMethod, newTimeRequest("UTC")).Done()
		}()
	}
	wg.Wait()
	require.Equal(int64(n/2), c1.calls.Load())
	require.Equal(int64(n/2), c2.calls.Load())
}

func TestClientPoolMembership(t *testing.T) {
	require := require.New(t)

	c1, c2 := &countingClient{name: "c1"}, &countingClient{name: "c2"}
	pool := NewClientPool(nil, c1)
	require.Equal(1, pool.Len())

	pool.Add(c2)
	require.Equal([]Client{c1, c2}, pool.Clients())

	require.True(pool.Remove(c1))
	require.False(pool.Remove(c1))
	require.Equal([]Client{c2}, pool.Clients())
	require.False(c1.closed.Load())

	snapshot := pool.Clients()
	pool.Add(c1)
	require.Len(snapshot, 1)
}

func TestClientPoolNoClientAvailable(t *testing.T) {
	pool := NewClientPool(NewRoundRobin())

	call := pool.EncodeMethodCall(context.Background(), getTimeMethod, newTimeRequest("UTC"))
	<-call.Done()
	_, err := call.Result()
	require.ErrorIs(t, err, ErrNoClientAvailable)
}

func TestClientPoolForwards(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c1 := &countingClient{name: "c1"}
	pool := NewClientPool(Random{}, c1)

	resp, err := pool.EncodeMethodCall(ctx, getTimeMethod, newTimeRequest("UTC")).Wait(ctx)
	require.NoError(err)
	require.Equal(int64(2), timeOf(resp))
	require.Equal(int64(1), c1.calls.Load())
}

type failingCloser struct {
	countingClient
	err error
}

func (c *failingCloser) Close() error { return c.err }

func TestClientPoolClose(t *testing.T) {
	require := require.New(t)

	errStuck := errors.New("stuck")
	c1 := &countingClient{name: "c1"}
	c2 := &failingCloser{err: errStuck}
	pool := NewClientPool(nil, c1, c2)

	require.ErrorIs(pool.Close(), errStuck)
	require.True(c1.closed.Load())
	require.Zero(pool.Len())
	require.NoError(pool.Close())

	call := pool.EncodeMethodCall(context.Background(), getTimeMethod, newTimeRequest("UTC"))
	_, err := call.Result()
	require.ErrorIs(err, ErrClientClosed)
}

func TestInvokeTypeMismatch(t *testing.T) {
	ctx := context.Background()
	pool := NewClientPool(nil, &countingClient{name: "c1"})

	_, err := Invoke[*failingResponse](ctx, pool, getTimeMethod, newTimeRequest("UTC"))
	require.ErrorContains(t, err, "returned")
}

// failingResponse is a message type no client ever returns.
type failingResponse struct{ proto.Message }
