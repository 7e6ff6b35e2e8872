// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// connServer is the accept loop and connection bookkeeping shared by the
// servers that own their connections. Each connection is served by its own
// goroutine with its own Dispatcher.
type connServer struct {
	listener net.Listener
	opts     *serverOptions
	logger   *slog.Logger
	conns    sync.Map
	closed   atomic.Bool
	wg       sync.WaitGroup
}

func newConnServer(listener net.Listener, o *serverOptions, transport string) connServer {
	return connServer{
		listener: listener,
		opts:     o,
		logger:   o.logger.With(LabelTransport.L(transport)),
	}
}

func (s *connServer) Register(svc Service) { s.opts.services.Add(svc) }

// Services returns the registry requests are resolved against.
func (s *connServer) Services() ServiceGroup { return s.opts.services }

// serve accepts connections until ctx is done or the server is closed, and
// waits for every connection handler to return.
func (s *connServer) serve(ctx context.Context, handle func(ctx context.Context, conn net.Conn, logger *slog.Logger)) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	defer s.wg.Wait()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Warn("accept failed", "error", err, "retry_in", backoff)
			s.opts.monitor.LinkError(err)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.conns.Store(conn, struct{}{})
			defer s.conns.Delete(conn)
			if s.closed.Load() {
				return
			}
			handle(ctx, conn, s.logger.With(LabelRemote.L(conn.RemoteAddr().String())))
		}()
	}
}

// Close stops accepting and closes every open connection.
func (s *connServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.listener.Close()
	s.conns.Range(func(key, _ any) bool {
		_ = key.(net.Conn).Close()
		return true
	})
	return err
}

// Addr returns the listener address
func (s *connServer) Addr() string {
	return s.listener.Addr().String()
}
