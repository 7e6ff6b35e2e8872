// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultQuartzPath is the URL path prefix Quartz servers answer on.
	DefaultQuartzPath = "/quartz"
	// QuartzContentType is the media type of Quartz request and response
	// bodies.
	QuartzContentType = "application/x-protobuf"
)

// quartzPath joins basePath and the target of env.
func quartzPath(basePath string, env Envelope) string {
	if !strings.HasSuffix(basePath, "/") {
		basePath += "/"
	}
	return basePath + env.Service + "/" + env.Method
}

// encodeQuartzRequest maps env to the HTTP request that carries it.
func encodeQuartzRequest(env Envelope, host, basePath string) *http.Request {
	body := env.Marshal()
	return &http.Request{
		Method:     http.MethodPost,
		URL:        &url.URL{Path: quartzPath(basePath, env)},
		Host:       host,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": {QuartzContentType},
		},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// decodeQuartzBody extracts the Envelope from the body of r.
func decodeQuartzBody(r *http.Request, body []byte) (Envelope, error) {
	env, err := UnmarshalEnvelope(body)
	if err != nil {
		return Envelope{}, &ConversionError{Message: r, Err: err}
	}
	return env, nil
}

// decodeQuartzResponse extracts the Envelope from a response read off a
// Quartz channel.
func decodeQuartzResponse(resp *http.Response, body []byte) (Envelope, error) {
	if resp.StatusCode != http.StatusOK {
		return Envelope{}, &ConversionError{
			Message: resp,
			Err:     fmt.Errorf("unexpected HTTP status %s", resp.Status),
		}
	}
	env, err := UnmarshalEnvelope(body)
	if err != nil {
		return Envelope{}, &ConversionError{Message: resp, Err: err}
	}
	return env, nil
}

// quartzReply is the HTTP response to one Quartz request. Rejections that
// happen before an Envelope is read carry no Envelope.
type quartzReply struct {
	status int
	env    *Envelope
}

func (rep quartzReply) render() (http.Header, []byte) {
	header := http.Header{}
	var body []byte
	if rep.env != nil {
		body = rep.env.Marshal()
		header.Set("Content-Type", QuartzContentType)
	} else {
		body = []byte(http.StatusText(rep.status) + "\n")
		header.Set("Content-Type", "text/plain; charset=utf-8")
		header.Set("X-Content-Type-Options", "nosniff")
	}
	if rep.status == http.StatusMethodNotAllowed {
		header.Set("Allow", http.MethodPost)
	}
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return header, body
}

// quartzRouter validates Quartz requests and hands their Envelopes to a
// Dispatcher.
type quartzRouter struct {
	base    string
	logger  *slog.Logger
	monitor ServerMonitor
}

func newQuartzRouter(o *serverOptions) quartzRouter {
	path := o.path
	if path == "" {
		path = DefaultQuartzPath
	}
	return quartzRouter{
		base:    strings.TrimSuffix(path, "/"),
		logger:  o.logger.With(LabelTransport.L(TransportQuartz)),
		monitor: o.monitor,
	}
}

// matches reports whether path is the base path or below it.
func (q quartzRouter) matches(path string) bool {
	return path == q.base || strings.HasPrefix(path, q.base+"/")
}

// serve answers r, whose body has already been read into body. reply is
// called exactly once, from the Dispatcher's worker pool for dispatched
// requests.
func (q quartzRouter) serve(ctx context.Context, d *Dispatcher, r *http.Request, body []byte, reply func(quartzReply) error) {
	if !q.matches(r.URL.Path) {
		q.reply(reply, quartzReply{status: http.StatusNotFound})
		return
	}
	if r.Method != http.MethodPost {
		q.reply(reply, quartzReply{status: http.StatusMethodNotAllowed})
		return
	}

	env, err := decodeQuartzBody(r, body)
	if err != nil {
		q.logger.Warn("undecodable request", "error", err)
		q.monitor.LinkError(err)
		rejection := NewError(0, err.Error())
		q.reply(reply, quartzReply{status: http.StatusBadRequest, env: &rejection})
		return
	}

	d.Dispatch(ctx, env, func(resp Envelope) error {
		return reply(quartzReply{status: http.StatusOK, env: &resp})
	})
}

func (q quartzRouter) reply(reply func(quartzReply) error, rep quartzReply) {
	if err := reply(rep); err != nil {
		q.logger.Warn("failed to write response", "status", rep.status, "error", err)
		q.monitor.LinkError(err)
	}
}

// QuartzHandler serves Envelopes POSTed under a path prefix, for mounting on
// an existing http.Server. net/http answers the requests of one connection
// in order, so a pipelining client waits behind a running call; QuartzServer
// owns its connections and answers them as they complete.
type QuartzHandler struct {
	router     quartzRouter
	dispatcher *Dispatcher
}

// NewQuartzHandler returns a handler dispatching to the WithServiceGroup
// registry.
func NewQuartzHandler(opts ...ServerOption) *QuartzHandler {
	o := newServerOptions(opts)
	router := newQuartzRouter(o)
	return &QuartzHandler{
		router:     router,
		dispatcher: NewDispatcher(o.services, Binary, o.dispatcherOptions(router.logger)...),
	}
}

func (h *QuartzHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxFrameSize))
	if err != nil {
		err = &ConversionError{Message: r, Err: err}
		h.router.logger.Warn("unreadable request", "error", err)
		h.router.monitor.LinkError(err)
		rejection := NewError(0, err.Error())
		h.write(w, quartzReply{status: http.StatusBadRequest, env: &rejection})
		return
	}

	replies := make(chan quartzReply, 1)
	h.router.serve(r.Context(), h.dispatcher, r, body, func(rep quartzReply) error {
		replies <- rep
		return nil
	})

	select {
	case rep := <-replies:
		h.write(w, rep)
	case <-r.Context().Done():
		h.router.logger.Debug("requester went away", "path", r.URL.Path)
	}
}

func (h *QuartzHandler) write(w http.ResponseWriter, rep quartzReply) {
	header, body := rep.render()
	for k, v := range header {
		w.Header()[k] = v
	}
	w.WriteHeader(rep.status)
	if _, err := w.Write(body); err != nil {
		h.router.logger.Warn("failed to write response", "error", err)
		h.router.monitor.LinkError(err)
	}
}

// Close cancels invocations in flight and waits for them.
func (h *QuartzHandler) Close() {
	h.dispatcher.Close()
}

// QuartzServer serves Envelopes over HTTP/1.1, optionally with TLS. It reads
// the requests pipelined on a connection continuously and writes each
// response as its invocation completes, so calls on one connection run
// concurrently and a cancel request reaches a running invocation.
type QuartzServer struct {
	connServer
	router quartzRouter
}

// ListenQuartz binds addr.
func ListenQuartz(addr string, opts ...ServerOption) (*QuartzServer, error) {
	return listenQuartz(addr, newServerOptions(opts))
}

func listenQuartz(addr string, o *serverOptions) (*QuartzServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("piezo: quartz listen: %w", err)
	}
	return newQuartzServer(listener, o), nil
}

// NewQuartzServer serves on an existing listener.
func NewQuartzServer(listener net.Listener, opts ...ServerOption) *QuartzServer {
	return newQuartzServer(listener, newServerOptions(opts))
}

func newQuartzServer(listener net.Listener, o *serverOptions) *QuartzServer {
	if o.tlsConfig != nil {
		listener = tls.NewListener(listener, o.tlsConfig)
	}
	return &QuartzServer{
		connServer: newConnServer(listener, o, TransportQuartz),
		router:     newQuartzRouter(o),
	}
}

func (s *QuartzServer) Serve(ctx context.Context) error {
	return s.serve(ctx, s.handleConn)
}

func (s *QuartzServer) handleConn(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dispatcher := NewDispatcher(s.opts.services, Binary, s.opts.dispatcherOptions(logger)...)
	defer dispatcher.Close()

	bw := bufio.NewWriter(conn)
	var writeMu sync.Mutex
	reply := func(rep quartzReply) error {
		header, body := rep.render()
		resp := &http.Response{
			StatusCode:    rep.status,
			ProtoMajor:    1,
			ProtoMinor:    1,
			Header:        header,
			Body:          io.NopCloser(bytes.NewReader(body)),
			ContentLength: int64(len(body)),
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
		if err := resp.Write(bw); err != nil {
			return err
		}
		return bw.Flush()
	}

	br := bufio.NewReader(conn)
	for {
		// The idle timeout only applies while nothing is in flight.
		if idle := s.opts.idleTimeout; idle > 0 && dispatcher.Pending() == 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}

		req, err := http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				logger.Debug("connection ended", "error", err)
			}
			return
		}
		body, err := io.ReadAll(io.LimitReader(req.Body, MaxFrameSize+1))
		_ = req.Body.Close()
		if err == nil && len(body) > MaxFrameSize {
			err = ErrFrameTooLarge
		}
		if err != nil {
			// The rest of the stream cannot be framed.
			err = &ConversionError{Message: req, Err: err}
			logger.Warn("unreadable request", "error", err)
			s.opts.monitor.LinkError(err)
			rejection := NewError(0, err.Error())
			_ = reply(quartzReply{status: http.StatusBadRequest, env: &rejection})
			return
		}

		s.router.serve(connCtx, dispatcher, req, body, reply)
	}
}
