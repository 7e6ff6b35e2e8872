// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"
)

// DefaultConnectTimeout bounds connection establishment.
const DefaultConnectTimeout = 10 * time.Second

// Client is the transport-agnostic RPC client interface.
type Client interface {
	// EncodeMethodCall sends request to method and returns the pending
	// result. It does not wait for the response; failures that happen before
	// the request reaches the server resolve the returned Call.
	EncodeMethodCall(ctx context.Context, method ClientMethod, request proto.Message) *Call

	// Close releases the connection. Calls still in flight fail.
	Close() error
}

// Server is the transport-agnostic RPC server interface.
type Server interface {
	// Register adds a service to the server's ServiceGroup.
	Register(s Service)

	// Serve handles connections until ctx is done or Close is called.
	Serve(ctx context.Context) error

	// Close stops the server and cancels invocations in flight.
	Close() error

	// Addr returns the server's listen address
	Addr() string
}

// DialOption configures client connections
type DialOption func(*dialOptions)

type dialOptions struct {
	transport      string
	connectTimeout time.Duration
	path           string
	tlsConfig      *tls.Config
	logger         *slog.Logger
	monitor        ClientMonitor
	httpClient     *http.Client
	requestIDs     func() int64
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{
		transport:      DefaultTransport,
		connectTimeout: DefaultConnectTimeout,
		logger:         slog.Default(),
		monitor:        NopClientMonitor,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *dialOptions) correlatorOptions(logger *slog.Logger) []CorrelatorOption {
	return []CorrelatorOption{
		WithCorrelatorLogger(logger),
		WithCorrelatorMonitor(o.monitor),
		WithRequestIDs(o.requestIDs),
	}
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

// WithConnectTimeout bounds how long opening a connection may take.
func WithConnectTimeout(d time.Duration) DialOption {
	return func(o *dialOptions) { o.connectTimeout = d }
}

// WithPath sets the URL path of HTTP based transports.
func WithPath(p string) DialOption {
	return func(o *dialOptions) { o.path = p }
}

// WithTLSConfig secures the connection.
func WithTLSConfig(cfg *tls.Config) DialOption {
	return func(o *dialOptions) { o.tlsConfig = cfg }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) DialOption {
	return func(o *dialOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClientMonitor sets the monitoring hook.
func WithClientMonitor(m ClientMonitor) DialOption {
	return func(o *dialOptions) {
		if m != nil {
			o.monitor = m
		}
	}
}

// WithHTTPClient replaces the HTTP client of the JSON-RPC transport.
func WithHTTPClient(c *http.Client) DialOption {
	return func(o *dialOptions) { o.httpClient = c }
}

// WithRequestIDGenerator replaces the random request id source.
func WithRequestIDGenerator(next func() int64) DialOption {
	return func(o *dialOptions) { o.requestIDs = next }
}

// ServerOption configures servers
type ServerOption func(*serverOptions)

type serverOptions struct {
	transport      string
	services       ServiceGroup
	path           string
	tlsConfig      *tls.Config
	logger         *slog.Logger
	monitor        ServerMonitor
	maxConcurrency int
	limiter        *rate.Limiter
	idleTimeout    time.Duration
}

func newServerOptions(opts []ServerOption) *serverOptions {
	o := &serverOptions{
		transport: DefaultTransport,
		logger:    slog.Default(),
		monitor:   NopServerMonitor,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.services == nil {
		o.services = NewServiceGroup()
	}
	return o
}

func (o *serverOptions) dispatcherOptions(logger *slog.Logger) []DispatcherOption {
	return []DispatcherOption{
		WithDispatcherLogger(logger),
		WithDispatcherMonitor(o.monitor),
		WithDispatcherLimiter(o.limiter),
		WithDispatcherConcurrency(o.maxConcurrency),
	}
}

// WithServerTransport explicitly sets the transport type for the server
func WithServerTransport(t string) ServerOption {
	return func(o *serverOptions) { o.transport = t }
}

// WithServiceGroup sets the registry requests are resolved against.
func WithServiceGroup(g ServiceGroup) ServerOption {
	return func(o *serverOptions) { o.services = g }
}

// WithServerPath sets the URL path HTTP based transports are served on.
func WithServerPath(p string) ServerOption {
	return func(o *serverOptions) { o.path = p }
}

// WithServerTLSConfig serves over TLS.
func WithServerTLSConfig(cfg *tls.Config) ServerOption {
	return func(o *serverOptions) { o.tlsConfig = cfg }
}

// WithServerLogger sets the server logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithServerMonitor sets the monitoring hook.
func WithServerMonitor(m ServerMonitor) ServerOption {
	return func(o *serverOptions) {
		if m != nil {
			o.monitor = m
		}
	}
}

// WithMaxConcurrency bounds concurrent invocations. For the socket and Quartz
// servers the bound applies per connection. Requests beyond it are answered
// with an ErrServerBusy error Envelope.
func WithMaxConcurrency(n int) ServerOption {
	return func(o *serverOptions) { o.maxConcurrency = n }
}

// WithRateLimit rejects requests above perSecond, allowing bursts of burst.
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(o *serverOptions) {
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithIdleTimeout closes idle keep-alive connections of HTTP based
// transports. A Quartz connection is idle when no call is in flight on it.
func WithIdleTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) { o.idleTimeout = d }
}
