// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/proto"
)

const socketWriteTimeout = 30 * time.Second

// socketChannel is one client connection speaking length-prefixed Envelopes.
type socketChannel struct {
	conn    net.Conn
	writeMu sync.Mutex
	corr    *Correlator
	logger  *slog.Logger
	monitor ClientMonitor
	closing atomic.Bool
	done    chan struct{}
}

// ignoreClosed drops the error of closing a connection the read loop already
// closed after the remote end went away.
func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func dialConn(ctx context.Context, addr string, timeout time.Duration, cfg *tls.Config) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	if cfg != nil {
		td := &tls.Dialer{NetDialer: d, Config: cfg}
		return td.DialContext(ctx, "tcp", addr)
	}
	return d.DialContext(ctx, "tcp", addr)
}

func dialSocketChannel(ctx context.Context, addr string, o *dialOptions) (*socketChannel, error) {
	conn, err := dialConn(ctx, addr, o.connectTimeout, o.tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("piezo: socket dial: %w", err)
	}

	logger := o.logger.With(LabelRemote.L(conn.RemoteAddr().String()), LabelTransport.L(TransportSocket))
	ch := &socketChannel{
		conn:    conn,
		logger:  logger,
		monitor: o.monitor,
		done:    make(chan struct{}),
	}
	ch.corr = NewCorrelator(ch.write, Binary, o.correlatorOptions(logger)...)
	go ch.readLoop()
	return ch, nil
}

func (ch *socketChannel) write(env Envelope) error {
	buf := appendFrame(nil, env)

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	_ = ch.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if _, err := ch.conn.Write(buf); err != nil {
		return fmt.Errorf("piezo: socket write: %w", err)
	}
	return nil
}

func (ch *socketChannel) readLoop() {
	defer close(ch.done)

	r := bufio.NewReader(ch.conn)
	header := make([]byte, frameHeaderSize)
	var readErr error
	for {
		body, err := readFrame(r, header)
		if err != nil {
			readErr = err
			break
		}
		env, err := decodeFrame(body)
		if err != nil {
			ch.logger.Warn("dropping undecodable response", "error", err)
			ch.monitor.LinkError(err)
			continue
		}
		ch.corr.Deliver(env)
	}

	cause := ErrClientClosed
	if !ch.closing.Load() {
		cause = ErrClosedByRemote
		if !errors.Is(readErr, io.EOF) {
			ch.logger.Warn("connection lost", "error", readErr)
			ch.monitor.LinkError(readErr)
		}
	}
	_ = ch.conn.Close()
	ch.corr.Close(cause)
}

func (ch *socketChannel) Call(method ClientMethod, request proto.Message) *Call {
	return ch.corr.Call(method, request)
}

func (ch *socketChannel) Done() <-chan struct{} { return ch.done }

func (ch *socketChannel) Close() error {
	if ch.closing.Swap(true) {
		return nil
	}
	err := ch.conn.Close()
	<-ch.done
	return ignoreClosed(err)
}

// SocketClient speaks length-prefixed Envelopes over one TCP connection,
// multiplexing concurrent calls. A connection closed by the server is
// replaced on the next call.
type SocketClient struct {
	managedClient
}

// DialSocket connects to a socket server.
func DialSocket(ctx context.Context, addr string, opts ...DialOption) (*SocketClient, error) {
	return dialSocket(ctx, addr, newDialOptions(opts))
}

func dialSocket(ctx context.Context, addr string, o *dialOptions) (*SocketClient, error) {
	open := func(ctx context.Context) (channel, error) {
		return dialSocketChannel(ctx, addr, o)
	}
	mc, err := newManagedClient(ctx, addr, o, open)
	if err != nil {
		return nil, err
	}
	return &SocketClient{managedClient: mc}, nil
}

// SocketServer serves a ServiceGroup to SocketClients. Each connection gets
// its own Dispatcher.
type SocketServer struct {
	connServer
}

// ListenSocket binds addr.
func ListenSocket(addr string, opts ...ServerOption) (*SocketServer, error) {
	return listenSocket(addr, newServerOptions(opts))
}

func listenSocket(addr string, o *serverOptions) (*SocketServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("piezo: socket listen: %w", err)
	}
	if o.tlsConfig != nil {
		listener = tls.NewListener(listener, o.tlsConfig)
	}
	return newSocketServer(listener, o), nil
}

// NewSocketServer serves on an existing listener.
func NewSocketServer(listener net.Listener, opts ...ServerOption) *SocketServer {
	return newSocketServer(listener, newServerOptions(opts))
}

func newSocketServer(listener net.Listener, o *serverOptions) *SocketServer {
	return &SocketServer{connServer: newConnServer(listener, o, TransportSocket)}
}

// Serve starts serving requests
func (s *SocketServer) Serve(ctx context.Context) error {
	return s.serve(ctx, s.handleConn)
}

func (s *SocketServer) handleConn(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcher := NewDispatcher(s.opts.services, Binary, s.opts.dispatcherOptions(logger)...)
	defer dispatcher.Close()

	var writeMu sync.Mutex
	respond := func(env Envelope) error {
		buf := appendFrame(nil, env)
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
		_, err := conn.Write(buf)
		return err
	}

	r := bufio.NewReader(conn)
	header := make([]byte, frameHeaderSize)
	for {
		body, err := readFrame(r, header)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				logger.Debug("connection ended", "error", err)
			}
			return
		}
		env, err := decodeFrame(body)
		if err != nil {
			logger.Warn("undecodable request frame", "error", err)
			s.opts.monitor.LinkError(err)
			if werr := respond(NewError(0, err.Error())); werr != nil {
				logger.Warn("failed to write response", "error", werr)
			}
			continue
		}
		dispatcher.Dispatch(connCtx, env, respond)
	}
}
