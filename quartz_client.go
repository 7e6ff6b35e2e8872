// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/proto"
)

// quartzChannel pipelines HTTP/1.1 requests over one connection. The server
// answers them as they complete, so responses are matched to calls by the
// Envelope request id. The list of outstanding ids only attributes responses
// that cannot be decoded, to the oldest one.
type quartzChannel struct {
	conn     net.Conn
	host     string
	basePath string
	corr     *Correlator
	logger   *slog.Logger
	monitor  ClientMonitor

	writeMu sync.Mutex
	bw      *bufio.Writer

	sentMu sync.Mutex
	sent   []int64

	closing atomic.Bool
	done    chan struct{}
}

func dialQuartzChannel(ctx context.Context, addr string, o *dialOptions) (*quartzChannel, error) {
	conn, err := dialConn(ctx, addr, o.connectTimeout, o.tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("piezo: quartz dial: %w", err)
	}

	basePath := o.path
	if basePath == "" {
		basePath = DefaultQuartzPath
	}
	logger := o.logger.With(LabelRemote.L(conn.RemoteAddr().String()), LabelTransport.L(TransportQuartz))
	ch := &quartzChannel{
		conn:     conn,
		host:     addr,
		basePath: basePath,
		logger:   logger,
		monitor:  o.monitor,
		bw:       bufio.NewWriter(conn),
		done:     make(chan struct{}),
	}
	ch.corr = NewCorrelator(ch.write, Binary, o.correlatorOptions(logger)...)
	go ch.readLoop()
	return ch, nil
}

func (ch *quartzChannel) write(env Envelope) error {
	req := encodeQuartzRequest(env, ch.host, ch.basePath)

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	ch.sentMu.Lock()
	ch.sent = append(ch.sent, env.RequestID)
	ch.sentMu.Unlock()

	_ = ch.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	err := req.Write(ch.bw)
	if err == nil {
		err = ch.bw.Flush()
	}
	if err != nil {
		// The connection is unusable past a partial request.
		_ = ch.conn.Close()
		return fmt.Errorf("piezo: quartz write: %w", err)
	}
	return nil
}

// settle forgets the written request id a decoded response answers.
func (ch *quartzChannel) settle(id int64) {
	ch.sentMu.Lock()
	defer ch.sentMu.Unlock()
	if i := slices.Index(ch.sent, id); i >= 0 {
		ch.sent = slices.Delete(ch.sent, i, i+1)
	}
}

// oldestSent pops the longest outstanding request id.
func (ch *quartzChannel) oldestSent() (int64, bool) {
	ch.sentMu.Lock()
	defer ch.sentMu.Unlock()
	if len(ch.sent) == 0 {
		return 0, false
	}
	id := ch.sent[0]
	ch.sent = ch.sent[1:]
	return id, true
}

func (ch *quartzChannel) readLoop() {
	defer close(ch.done)

	br := bufio.NewReader(ch.conn)
	var readErr error
	for {
		resp, err := http.ReadResponse(br, nil)
		if err != nil {
			readErr = err
			break
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFrameSize))
		_ = CleanlyCloseBody(resp.Body)
		if err != nil {
			readErr = err
			break
		}

		env, err := decodeQuartzResponse(resp, body)
		if err != nil {
			ch.logger.Warn("undecodable response", "error", err)
			ch.monitor.LinkError(err)
			if id, tracked := ch.oldestSent(); tracked {
				ch.corr.Fail(id, err)
			}
			continue
		}
		ch.settle(env.RequestID)
		ch.corr.Deliver(env)
	}

	cause := ErrClientClosed
	if !ch.closing.Load() {
		cause = ErrClosedByRemote
		if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			ch.logger.Warn("connection lost", "error", readErr)
			ch.monitor.LinkError(readErr)
		}
	}
	_ = ch.conn.Close()
	ch.corr.Close(cause)
}

func (ch *quartzChannel) Call(method ClientMethod, request proto.Message) *Call {
	return ch.corr.Call(method, request)
}

func (ch *quartzChannel) Done() <-chan struct{} { return ch.done }

func (ch *quartzChannel) Close() error {
	if ch.closing.Swap(true) {
		return nil
	}
	err := ch.conn.Close()
	<-ch.done
	return ignoreClosed(err)
}

// QuartzClient calls a QuartzServer over one pipelined HTTP/1.1 connection.
// When the server closes the connection, the calls in flight fail with
// ErrClosedByRemote and the next call opens a new connection.
type QuartzClient struct {
	managedClient
}

// DialQuartz connects to a Quartz server.
func DialQuartz(ctx context.Context, addr string, opts ...DialOption) (*QuartzClient, error) {
	return dialQuartz(ctx, addr, newDialOptions(opts))
}

func dialQuartz(ctx context.Context, addr string, o *dialOptions) (*QuartzClient, error) {
	open := func(ctx context.Context) (channel, error) {
		return dialQuartzChannel(ctx, addr, o)
	}
	mc, err := newManagedClient(ctx, addr, o, open)
	if err != nil {
		return nil, err
	}
	return &QuartzClient{managedClient: mc}, nil
}
