//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

func init() {
	// Register gRPC transport when build tag is enabled
	registerTransport(TransportGRPC,
		func(ctx context.Context, addr string, o *dialOptions) (Client, error) {
			return dialGRPC(ctx, addr, o)
		},
		func(addr string, o *serverOptions) (Server, error) {
			return listenGRPC(addr, o)
		},
	)
}

// rawFrame carries an already encoded protobuf message through gRPC.
type rawFrame []byte

// rawCodec passes payloads through untouched. It is named "proto" so the
// wire content subtype matches any protobuf gRPC peer.
type rawCodec struct{}

func (rawCodec) Name() string { return "proto" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, fmt.Errorf("piezo: grpc codec cannot marshal %T", v)
	}
	return *f, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("piezo: grpc codec cannot unmarshal into %T", v)
	}
	*f = append((*f)[:0], data...)
	return nil
}

func grpcMethodName(service, method string) string {
	return "/" + service + "/" + method
}

func splitGRPCMethodName(fullMethod string) (service, method string, ok bool) {
	name := strings.TrimPrefix(fullMethod, "/")
	i := strings.LastIndexByte(name, '/')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

// GRPCClient sends calls as unary gRPC invocations on one ClientConn.
type GRPCClient struct {
	conn   *grpc.ClientConn
	corr   *Correlator
	logger *slog.Logger

	base   context.Context
	stop   context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	invocations sync.Map // request id -> context.CancelFunc
}

// DialGRPC returns a client for the gRPC server at addr.
func DialGRPC(ctx context.Context, addr string, opts ...DialOption) (*GRPCClient, error) {
	return dialGRPC(ctx, addr, newDialOptions(opts))
}

func dialGRPC(_ context.Context, addr string, o *dialOptions, extra ...grpc.DialOption) (*GRPCClient, error) {
	creds := insecure.NewCredentials()
	if o.tlsConfig != nil {
		creds = credentials.NewTLS(o.tlsConfig)
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, extra...)
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial: %w", err)
	}

	logger := o.logger.With(LabelRemote.L(addr), LabelTransport.L(TransportGRPC))
	base, stop := context.WithCancel(context.Background())
	c := &GRPCClient{conn: conn, logger: logger, base: base, stop: stop}
	c.corr = NewCorrelator(c.send, Binary, o.correlatorOptions(logger)...)
	return c, nil
}

func (c *GRPCClient) EncodeMethodCall(ctx context.Context, method ClientMethod, request proto.Message) *Call {
	if c.closed.Load() {
		return failedCall(method, ErrClientClosed)
	}
	if err := ctx.Err(); err != nil {
		return failedCall(method, err)
	}
	return c.corr.Call(method, request)
}

func (c *GRPCClient) send(env Envelope) error {
	if env.RequestKind() == KindCancelRequest {
		if cancel, ok := c.invocations.LoadAndDelete(env.RequestID); ok {
			cancel.(context.CancelFunc)()
		}
		return nil
	}

	ctx, cancel := context.WithCancel(c.base)
	c.invocations.Store(env.RequestID, cancel)
	c.wg.Add(1)
	go c.invoke(ctx, cancel, env)
	return nil
}

func (c *GRPCClient) invoke(ctx context.Context, cancel context.CancelFunc, env Envelope) {
	defer c.wg.Done()
	defer cancel()
	defer c.invocations.Delete(env.RequestID)

	request := rawFrame(env.Payload)
	var response rawFrame
	err := c.conn.Invoke(ctx, grpcMethodName(env.Service, env.Method), &request, &response,
		grpc.ForceCodec(rawCodec{}))
	if err == nil {
		c.corr.Deliver(NewSuccess(env.RequestID, response))
		return
	}
	if c.closed.Load() {
		c.corr.Fail(env.RequestID, ErrClientClosed)
		return
	}

	st := status.Convert(err)
	switch st.Code() {
	case codes.Unknown, codes.Unimplemented, codes.ResourceExhausted:
		c.corr.Reject(env.RequestID, &RemoteError{Message: st.Message()})
	default:
		c.corr.Fail(env.RequestID, err)
	}
}

// Close aborts invocations in flight and closes the ClientConn.
func (c *GRPCClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.stop()
	c.wg.Wait()
	c.corr.Close(ErrClientClosed)
	return c.conn.Close()
}

// GRPCServer exports a ServiceGroup over gRPC. Methods are resolved per
// call, so services registered after Serve are reachable.
type GRPCServer struct {
	listener   net.Listener
	opts       *serverOptions
	logger     *slog.Logger
	server     *grpc.Server
	dispatcher *Dispatcher
	seq        atomic.Int64
	closed     atomic.Bool
}

// ListenGRPC binds addr.
func ListenGRPC(addr string, opts ...ServerOption) (*GRPCServer, error) {
	return listenGRPC(addr, newServerOptions(opts))
}

func listenGRPC(addr string, o *serverOptions) (*GRPCServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("piezo: grpc listen: %w", err)
	}
	return newGRPCServer(listener, o), nil
}

// NewGRPCServer serves on an existing listener.
func NewGRPCServer(listener net.Listener, opts ...ServerOption) *GRPCServer {
	return newGRPCServer(listener, newServerOptions(opts))
}

func newGRPCServer(listener net.Listener, o *serverOptions) *GRPCServer {
	logger := o.logger.With(LabelTransport.L(TransportGRPC))
	s := &GRPCServer{
		listener:   listener,
		opts:       o,
		logger:     logger,
		dispatcher: NewDispatcher(o.services, Binary, o.dispatcherOptions(logger)...),
	}
	serverOpts := []grpc.ServerOption{
		grpc.ForceServerCodec(rawCodec{}),
		grpc.UnknownServiceHandler(s.handle),
	}
	if o.tlsConfig != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(o.tlsConfig)))
	}
	s.server = grpc.NewServer(serverOpts...)
	return s
}

// handle serves every unary call through the Dispatcher.
func (s *GRPCServer) handle(_ any, stream grpc.ServerStream) error {
	fullMethod, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "no method in stream")
	}
	service, method, ok := splitGRPCMethodName(fullMethod)
	if !ok {
		return status.Errorf(codes.InvalidArgument, "malformed method name %q", fullMethod)
	}
	if _, err := s.dispatcher.Resolve(service, method); err != nil {
		s.dispatcher.reportUnknown(err)
		return status.Error(codes.Unimplemented, err.Error())
	}

	var request rawFrame
	if err := stream.RecvMsg(&request); err != nil {
		return err
	}

	responses := make(chan Envelope, 1)
	s.dispatcher.Dispatch(stream.Context(),
		NewRequest(s.seq.Add(1), service, method, request),
		func(env Envelope) error {
			responses <- env
			return nil
		})

	var resp Envelope
	select {
	case resp = <-responses:
	case <-stream.Context().Done():
		return status.FromContextError(stream.Context().Err()).Err()
	}
	if resp.ResponseKind() == KindError {
		if msg := resp.Control.Error; msg == ErrRateLimited.Error() || msg == ErrServerBusy.Error() {
			return status.Error(codes.ResourceExhausted, resp.Control.Error)
		}
		return status.Error(codes.Unknown, resp.Control.Error)
	}
	payload := rawFrame(resp.Payload)
	return stream.SendMsg(&payload)
}

func (s *GRPCServer) Register(svc Service) { s.opts.services.Add(svc) }

// Services returns the registry requests are resolved against.
func (s *GRPCServer) Services() ServiceGroup { return s.opts.services }

func (s *GRPCServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	err := s.server.Serve(s.listener)
	if errors.Is(err, grpc.ErrServerStopped) || s.closed.Load() {
		return nil
	}
	return fmt.Errorf("piezo: grpc serve: %w", err)
}

func (s *GRPCServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.server.Stop()
	s.dispatcher.Close()
	return nil
}

func (s *GRPCServer) Addr() string {
	return s.listener.Addr().String()
}
