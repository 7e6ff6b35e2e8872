// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/gorilla/rpc/v2/json2"
)

// JSONRPCHandler answers JSON-RPC requests POSTed to a single path. Errors
// are reported in the response body with HTTP status 200, the error code
// carrying the HTTP status of the failure.
type JSONRPCHandler struct {
	path       string
	dispatcher *Dispatcher
	logger     *slog.Logger
	monitor    ServerMonitor

	// Requests from different clients may reuse ids, so the Dispatcher
	// tracks them by a local sequence instead.
	seq atomic.Int64
}

// NewJSONRPCHandler returns a handler dispatching to the WithServiceGroup
// registry.
func NewJSONRPCHandler(opts ...ServerOption) *JSONRPCHandler {
	return newJSONRPCHandler(newServerOptions(opts))
}

func newJSONRPCHandler(o *serverOptions) *JSONRPCHandler {
	path := o.path
	if path == "" {
		path = DefaultJSONRPCPath
	}
	logger := o.logger.With(LabelTransport.L(TransportJSON))
	return &JSONRPCHandler{
		path:       path,
		dispatcher: NewDispatcher(o.services, JSON, o.dispatcherOptions(logger)...),
		logger:     logger,
		monitor:    o.monitor,
	}
}

func (h *JSONRPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pretty := prettyPrint(r.URL.Query())

	if r.URL.Path != h.path {
		h.write(w, encodeJSONError(nil, jsonError(CodeNotFound, "Not found: %s", r.URL.Path), pretty))
		return
	}
	if r.Method != http.MethodPost {
		h.write(w, encodeJSONError(nil, jsonError(CodeMethodNotAllowed, "Method not allowed: %s", r.Method), pretty))
		return
	}
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != JSONContentType {
		h.write(w, encodeJSONError(nil,
			jsonError(CodeUnsupportedMedia, "Unsupported content type: %q", r.Header.Get("Content-Type")), pretty))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxFrameSize))
	if err != nil {
		h.write(w, encodeJSONError(nil, jsonError(CodeBadRequest, "Could not read request: %v", err), pretty))
		return
	}

	call, err := decodeJSONRequest(body)
	if err != nil {
		h.logger.Warn("malformed request", "error", err)
		h.write(w, h.conversionFailure(err, pretty))
		return
	}

	env := call.Envelope
	if _, err := h.dispatcher.Resolve(env.Service, env.Method); err != nil {
		h.dispatcher.reportUnknown(err)
		h.write(w, encodeJSONError(call.ID, jsonError(CodeBadRequest, "%v", err), pretty))
		return
	}

	env.RequestID = h.seq.Add(1)
	responses := make(chan Envelope, 1)
	h.dispatcher.Dispatch(r.Context(), env, func(resp Envelope) error {
		responses <- resp
		return nil
	})

	select {
	case resp := <-responses:
		h.write(w, encodeJSONResponse(call.ID, resp, pretty))
	case <-r.Context().Done():
		h.logger.Debug("requester went away", "id", string(call.ID))
	}
}

func (h *JSONRPCHandler) conversionFailure(err error, pretty bool) []byte {
	var id json.RawMessage
	var conv *ConversionError
	if errors.As(err, &conv) {
		if c, ok := conv.Message.(jsonCall); ok {
			id = c.ID
		}
	}
	var jerr *json2.Error
	if !errors.As(err, &jerr) {
		jerr = jsonError(CodeBadRequest, "%v", err)
	}
	return encodeJSONError(id, jerr, pretty)
}

func (h *JSONRPCHandler) write(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", JSONContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("failed to write response", "error", err)
		h.monitor.LinkError(err)
	}
}

// Close cancels invocations in flight and waits for them.
func (h *JSONRPCHandler) Close() {
	h.dispatcher.Close()
}

// JSONRPCServer serves JSON-RPC over HTTP, optionally with TLS.
type JSONRPCServer struct {
	listener net.Listener
	opts     *serverOptions
	handler  *JSONRPCHandler
	server   *http.Server
	closed   atomic.Bool
}

// ListenJSONRPC binds addr.
func ListenJSONRPC(addr string, opts ...ServerOption) (*JSONRPCServer, error) {
	return listenJSONRPC(addr, newServerOptions(opts))
}

func listenJSONRPC(addr string, o *serverOptions) (*JSONRPCServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("piezo: json-rpc listen: %w", err)
	}
	if o.tlsConfig != nil {
		listener = tls.NewListener(listener, o.tlsConfig)
	}
	handler := newJSONRPCHandler(o)
	return &JSONRPCServer{
		listener: listener,
		opts:     o,
		handler:  handler,
		server:   newHTTPServer(handler, o, handler.logger),
	}, nil
}

func (s *JSONRPCServer) Register(svc Service) { s.opts.services.Add(svc) }

// Services returns the registry requests are resolved against.
func (s *JSONRPCServer) Services() ServiceGroup { return s.opts.services }

// Handler exposes the HTTP handler, for mounting into another mux.
func (s *JSONRPCServer) Handler() *JSONRPCHandler { return s.handler }

func (s *JSONRPCServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) || s.closed.Load() {
		return nil
	}
	return fmt.Errorf("piezo: json-rpc serve: %w", err)
}

func (s *JSONRPCServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.server.Close()
	s.handler.Close()
	return err
}

func (s *JSONRPCServer) Addr() string {
	return s.listener.Addr().String()
}

func newHTTPServer(handler http.Handler, o *serverOptions, logger *slog.Logger) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: DefaultConnectTimeout,
		IdleTimeout:       o.idleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}
