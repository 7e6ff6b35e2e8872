// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/protobuf/proto"
)

// ChannelState is the lifecycle state of a reconnecting client.
type ChannelState int32

const (
	StateOpen ChannelState = iota
	// StateServerClosed means the remote end closed the connection. The next
	// call opens a new one.
	StateServerClosed
	StateReopening
	// StateFailed means the last reopen attempt failed. The next call tries
	// again.
	StateFailed
	// StateClosedByClient is terminal.
	StateClosedByClient
)

func (s ChannelState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateServerClosed:
		return "server-closed"
	case StateReopening:
		return "reopening"
	case StateFailed:
		return "failed"
	case StateClosedByClient:
		return "closed-by-client"
	default:
		return fmt.Sprintf("ChannelState(%d)", int32(s))
	}
}

// channel is one physical connection with its own Correlator. When the
// connection goes away the channel fails its in-flight calls and closes Done.
type channel interface {
	Call(method ClientMethod, request proto.Message) *Call
	Done() <-chan struct{}
	Close() error
}

type channelOpener func(ctx context.Context) (channel, error)

// channelManager keeps a client usable across connections closed by the
// server. Reopening happens on the path of the first call that needs it and
// is serialized, so concurrent callers share one new connection.
type channelManager struct {
	open   channelOpener
	logger *slog.Logger

	mu      sync.Mutex
	state   ChannelState
	current channel
}

// newChannelManager opens the first connection. Its failure is returned
// synchronously.
func newChannelManager(ctx context.Context, open channelOpener, logger *slog.Logger) (*channelManager, error) {
	ch, err := open(ctx)
	if err != nil {
		return nil, err
	}
	m := &channelManager{open: open, logger: logger, state: StateOpen, current: ch}
	go m.watch(ch)
	return m, nil
}

func (m *channelManager) watch(ch channel) {
	<-ch.Done()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != ch || m.state != StateOpen {
		return
	}
	m.state = StateServerClosed
	m.logger.Info("channel closed by remote end, reopening on next call")
}

// acquire returns an open channel, reopening one if the server closed the
// last.
func (m *channelManager) acquire(ctx context.Context) (channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateClosedByClient:
		return nil, ErrClientClosed
	case StateOpen:
		select {
		case <-m.current.Done():
			// The watcher has not caught up yet.
		default:
			return m.current, nil
		}
	}

	m.state = StateReopening
	m.logger.Info("detected server-side channel closure, reopening")
	ch, err := m.open(ctx)
	if err != nil {
		m.state = StateFailed
		return nil, fmt.Errorf("piezo: reopen channel: %w", err)
	}
	m.current = ch
	m.state = StateOpen
	go m.watch(ch)
	return ch, nil
}

// State reports the current lifecycle state.
func (m *channelManager) State() ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *channelManager) close() error {
	m.mu.Lock()
	if m.state == StateClosedByClient {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosedByClient
	ch := m.current
	m.mu.Unlock()
	return ch.Close()
}

// managedClient is the Client half shared by connection oriented transports.
type managedClient struct {
	addr     string
	monitor  ClientMonitor
	channels *channelManager
}

func newManagedClient(ctx context.Context, addr string, o *dialOptions, open channelOpener) (managedClient, error) {
	channels, err := newChannelManager(ctx, open, o.logger.With(LabelRemote.L(addr)))
	if err != nil {
		return managedClient{}, err
	}
	return managedClient{addr: addr, monitor: o.monitor, channels: channels}, nil
}

func (c *managedClient) EncodeMethodCall(ctx context.Context, method ClientMethod, request proto.Message) *Call {
	ch, err := c.channels.acquire(ctx)
	if err != nil {
		c.monitor.ClientError(method, err)
		return failedCall(method, err)
	}
	return ch.Call(method, request)
}

// State reports the connection lifecycle state.
func (c *managedClient) State() ChannelState { return c.channels.State() }

// Addr is the remote address the client dials.
func (c *managedClient) Addr() string { return c.addr }

// Close closes the connection. Calls in flight fail with ErrClientClosed and
// later calls fail immediately.
func (c *managedClient) Close() error { return c.channels.close() }
