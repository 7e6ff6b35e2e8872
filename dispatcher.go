// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
	"google.golang.org/protobuf/proto"
)

// Responder writes a response Envelope back to the requester.
type Responder func(Envelope) error

const (
	invocationPending int32 = iota
	invocationDone
	invocationCancelled
)

type invocation struct {
	state  atomic.Int32
	cancel context.CancelFunc
}

// Dispatcher resolves request Envelopes against a ServiceGroup and runs the
// target methods on an owned worker pool. Every request Envelope handed to
// Dispatch gets exactly one response through its Responder.
type Dispatcher struct {
	services ServiceGroup
	codec    Codec
	logger   *slog.Logger
	monitor  ServerMonitor
	limiter  *rate.Limiter
	workers  *workerPool

	ctx  context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	pending map[int64]*invocation
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*dispatcherConfig)

type dispatcherConfig struct {
	logger         *slog.Logger
	monitor        ServerMonitor
	limiter        *rate.Limiter
	maxConcurrency int
}

// WithDispatcherLogger sets the logger for dispatch failures.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(c *dispatcherConfig) { c.logger = l }
}

// WithDispatcherMonitor sets the monitor notified of every outcome.
func WithDispatcherMonitor(m ServerMonitor) DispatcherOption {
	return func(c *dispatcherConfig) { c.monitor = m }
}

// WithDispatcherLimiter rejects requests the limiter does not allow.
func WithDispatcherLimiter(l *rate.Limiter) DispatcherOption {
	return func(c *dispatcherConfig) { c.limiter = l }
}

// WithDispatcherConcurrency bounds the number of concurrent invocations.
func WithDispatcherConcurrency(n int) DispatcherOption {
	return func(c *dispatcherConfig) { c.maxConcurrency = n }
}

// NewDispatcher returns a Dispatcher for services whose payloads are encoded
// with codec.
func NewDispatcher(services ServiceGroup, codec Codec, opts ...DispatcherOption) *Dispatcher {
	cfg := dispatcherConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.monitor == nil {
		cfg.monitor = NopServerMonitor
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Dispatcher{
		services: services,
		codec:    codec,
		logger:   cfg.logger,
		monitor:  cfg.monitor,
		limiter:  cfg.limiter,
		workers:  newWorkerPool(cfg.maxConcurrency),
		ctx:      ctx,
		stop:     stop,
		pending:  make(map[int64]*invocation),
	}
}

// Dispatch handles one request Envelope. It returns once the invocation is
// scheduled; the response is written later from the worker pool. ctx bounds
// the invocation in addition to the Dispatcher's own lifetime.
func (d *Dispatcher) Dispatch(ctx context.Context, req Envelope, respond Responder) {
	switch req.RequestKind() {
	case KindCancelRequest:
		cancelled := d.Cancel(req.RequestID)
		d.reply(respond, NewCancelAck(req.RequestID, cancelled))
		return
	case KindInvalid:
		d.logger.Warn("malformed request envelope", LabelRequestID.L(req.RequestID))
		d.reply(respond, NewError(req.RequestID, "malformed request envelope"))
		return
	}

	if d.limiter != nil && !d.limiter.Allow() {
		d.reply(respond, NewError(req.RequestID, ErrRateLimited.Error()))
		return
	}

	method, err := d.Resolve(req.Service, req.Method)
	if err != nil {
		d.reportUnknown(err)
		d.reply(respond, NewError(req.RequestID, err.Error()))
		return
	}

	input := method.NewRequest()
	if err := d.codec.Unmarshal(req.Payload, input); err != nil {
		d.monitor.ServerError(req.Service, req.Method, err)
		d.reply(respond, NewError(req.RequestID,
			fmt.Sprintf("could not decode %s/%s request: %v", req.Service, req.Method, err)))
		return
	}

	ictx, cancel := context.WithCancel(ctx)
	inv := &invocation{cancel: cancel}

	d.mu.Lock()
	if _, dup := d.pending[req.RequestID]; dup {
		d.mu.Unlock()
		cancel()
		d.reply(respond, NewError(req.RequestID,
			fmt.Sprintf("request %d is already in flight", req.RequestID)))
		return
	}
	d.pending[req.RequestID] = inv
	d.mu.Unlock()

	stopOnClose := context.AfterFunc(d.ctx, cancel)
	err = d.workers.TryGo(func() {
		defer stopOnClose()
		defer cancel()
		output, err := d.invoke(ictx, method, input)
		d.complete(req, inv, output, err, respond)
	})
	if err != nil {
		stopOnClose()
		cancel()
		d.remove(req.RequestID, inv)
		if errors.Is(err, ErrServerBusy) {
			d.logger.Warn("worker pool saturated", LabelService.L(req.Service), LabelMethod.L(req.Method))
			d.monitor.ServerError(req.Service, req.Method, err)
		}
		d.reply(respond, NewError(req.RequestID, err.Error()))
	}
}

// Resolve finds the method a request for service/method targets. It fails
// with *UnknownServiceError or *UnknownMethodError.
func (d *Dispatcher) Resolve(service, method string) (ServerMethod, error) {
	svc, ok := d.services.Lookup(service)
	if !ok {
		return nil, &UnknownServiceError{Service: service}
	}
	m, ok := svc.Method(method)
	if !ok {
		return nil, &UnknownMethodError{Service: service, Method: method}
	}
	return m, nil
}

func (d *Dispatcher) reportUnknown(err error) {
	var (
		unknownService *UnknownServiceError
		unknownMethod  *UnknownMethodError
	)
	switch {
	case errors.As(err, &unknownService):
		d.logger.Warn("unknown service", LabelService.L(unknownService.Service))
		d.monitor.UnknownService(unknownService.Service)
	case errors.As(err, &unknownMethod):
		d.logger.Warn("unknown method",
			LabelService.L(unknownMethod.Service), LabelMethod.L(unknownMethod.Method))
		d.monitor.UnknownMethod(unknownMethod.Service, unknownMethod.Method)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, method ServerMethod, input proto.Message) (output proto.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("method %s panicked: %v", method.Name(), r)
		}
	}()
	return method.Invoke(ctx, input)
}

func (d *Dispatcher) complete(req Envelope, inv *invocation, output proto.Message, err error, respond Responder) {
	if !inv.state.CompareAndSwap(invocationPending, invocationDone) {
		d.reply(respond, NewError(req.RequestID, "invocation cancelled"))
		return
	}
	d.remove(req.RequestID, inv)

	if err != nil {
		d.monitor.ServerError(req.Service, req.Method, err)
		d.reply(respond, NewError(req.RequestID, err.Error()))
		return
	}

	payload, err := d.codec.Marshal(output)
	if err != nil {
		d.monitor.ServerError(req.Service, req.Method, err)
		d.reply(respond, NewError(req.RequestID,
			fmt.Sprintf("could not encode %s/%s response: %v", req.Service, req.Method, err)))
		return
	}
	d.monitor.ServerSuccess(req.Service, req.Method)
	d.reply(respond, NewSuccess(req.RequestID, payload))
}

func (d *Dispatcher) remove(id int64, inv *invocation) {
	d.mu.Lock()
	if d.pending[id] == inv {
		delete(d.pending, id)
	}
	d.mu.Unlock()
}

// Cancel aborts the invocation for id. It reports whether the invocation was
// still running.
func (d *Dispatcher) Cancel(id int64) bool {
	d.mu.Lock()
	inv, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	if !inv.state.CompareAndSwap(invocationPending, invocationCancelled) {
		return false
	}
	inv.cancel()
	return true
}

// Pending is the number of invocations in flight.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close cancels every invocation in flight and waits for the worker pool to
// drain. Requests dispatched afterwards are answered with ErrServerClosed.
func (d *Dispatcher) Close() {
	d.stop()
	d.workers.Close()
}

func (d *Dispatcher) reply(respond Responder, env Envelope) {
	if err := respond(env); err != nil {
		d.logger.Warn("failed to write response",
			LabelRequestID.L(env.RequestID), "error", err)
		d.monitor.LinkError(err)
	}
}
