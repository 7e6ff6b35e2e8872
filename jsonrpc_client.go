// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	rpc "github.com/gorilla/rpc/v2/json2"
	"google.golang.org/protobuf/proto"
)

const (
	maxRetries    = 3
	retryBaseWait = 100 * time.Millisecond
)

// newHTTPClient builds the client used when WithHTTPClient is not given.
// Connection establishment is bounded by the connect timeout; the exchange
// itself is bounded by the caller.
func newHTTPClient(o *dialOptions) *http.Client {
	dialer := &net.Dialer{Timeout: o.connectTimeout}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSClientConfig:     o.tlsConfig,
			TLSHandshakeTimeout: o.connectTimeout,
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// CleanlyCloseBody drains and closes an HTTP response body to prevent
// HTTP/2 GOAWAY errors caused by closing bodies with unread data.
// See: https://github.com/golang/go/issues/46071
func CleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	// Drain any remaining data to allow connection reuse
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}

// isRetryableError reports failures that guarantee the request never reached
// the server. Anything else may have been delivered and is not retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.ECONNREFUSED)
}

// JSONRPCClient calls a JSON-RPC server, one HTTP exchange per call.
// Cancelling a call aborts its exchange.
type JSONRPCClient struct {
	endpoint string
	http     *http.Client
	corr     *Correlator
	logger   *slog.Logger
	monitor  ClientMonitor

	base   context.Context
	stop   context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	exchanges sync.Map // request id -> context.CancelFunc
}

// DialJSONRPC returns a client for the JSON-RPC server at addr. No
// connection is opened until the first call.
func DialJSONRPC(ctx context.Context, addr string, opts ...DialOption) (*JSONRPCClient, error) {
	return dialJSONRPC(ctx, addr, newDialOptions(opts))
}

func dialJSONRPC(_ context.Context, addr string, o *dialOptions) (*JSONRPCClient, error) {
	path := o.path
	if path == "" {
		path = DefaultJSONRPCPath
	}
	scheme := "http"
	if o.tlsConfig != nil {
		scheme = "https"
	}
	endpoint := &url.URL{
		Scheme:   scheme,
		Host:     addr,
		Path:     path,
		RawQuery: url.Values{"pp": {"0"}}.Encode(),
	}
	if _, err := url.Parse(endpoint.String()); err != nil {
		return nil, fmt.Errorf("piezo: json-rpc endpoint: %w", err)
	}

	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = newHTTPClient(o)
	}

	logger := o.logger.With(LabelRemote.L(addr), LabelTransport.L(TransportJSON))
	base, stop := context.WithCancel(context.Background())
	c := &JSONRPCClient{
		endpoint: endpoint.String(),
		http:     httpClient,
		logger:   logger,
		monitor:  o.monitor,
		base:     base,
		stop:     stop,
	}
	c.corr = NewCorrelator(c.send, JSON, o.correlatorOptions(logger)...)
	return c, nil
}

// Endpoint is the URL requests are POSTed to.
func (c *JSONRPCClient) Endpoint() string { return c.endpoint }

func (c *JSONRPCClient) EncodeMethodCall(ctx context.Context, method ClientMethod, request proto.Message) *Call {
	if c.closed.Load() {
		c.monitor.ClientError(method, ErrClientClosed)
		return failedCall(method, ErrClientClosed)
	}
	if err := ctx.Err(); err != nil {
		c.monitor.ClientError(method, err)
		return failedCall(method, err)
	}
	return c.corr.Call(method, request)
}

// send starts the exchange carrying a request, or aborts the one a cancel
// request refers to.
func (c *JSONRPCClient) send(env Envelope) error {
	if env.RequestKind() == KindCancelRequest {
		if cancel, ok := c.exchanges.LoadAndDelete(env.RequestID); ok {
			cancel.(context.CancelFunc)()
		}
		return nil
	}

	body := encodeJSONRequest(env)
	ctx, cancel := context.WithCancel(c.base)
	c.exchanges.Store(env.RequestID, cancel)
	c.wg.Add(1)
	go c.exchange(ctx, cancel, env.RequestID, body)
	return nil
}

func (c *JSONRPCClient) exchange(ctx context.Context, cancel context.CancelFunc, id int64, body []byte) {
	defer c.wg.Done()
	defer cancel()
	defer c.exchanges.Delete(id)

	resp, err := c.post(ctx, body)
	if err != nil {
		if c.closed.Load() {
			err = ErrClientClosed
		} else {
			c.monitor.LinkError(err)
		}
		c.corr.Fail(id, err)
		return
	}
	defer CleanlyCloseBody(resp.Body)

	// Return an error for any non successful status code
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.corr.Fail(id, &ConversionError{
			Message: resp,
			Err:     fmt.Errorf("received status code: %d", resp.StatusCode),
		})
		return
	}
	if mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err != nil || mediaType != JSONContentType {
		c.corr.Fail(id, &ConversionError{
			Message: resp,
			Err:     fmt.Errorf("incorrect Content-Type: %q", resp.Header.Get("Content-Type")),
		})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, MaxFrameSize))
	if err != nil {
		c.corr.Fail(id, fmt.Errorf("piezo: read json-rpc response: %w", err))
		return
	}
	c.deliver(id, payload)
}

// deliver decodes a JSON-RPC response body and resolves the call it answers.
func (c *JSONRPCClient) deliver(id int64, payload []byte) {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		c.corr.Fail(id, &ConversionError{Message: payload, Err: err})
		return
	}
	if got, want := string(bytes.TrimSpace(head.ID)), fmt.Sprint(id); got != want {
		c.corr.Fail(id, &ConversionError{
			Message: payload,
			Err:     fmt.Errorf("response id %s does not match request %s", got, want),
		})
		return
	}

	var result json.RawMessage
	err := rpc.DecodeClientResponse(bytes.NewReader(payload), &result)
	var remote *rpc.Error
	switch {
	case errors.As(err, &remote):
		c.corr.Reject(id, remote)
	case err != nil:
		c.corr.Fail(id, &ConversionError{Message: payload, Err: err})
	default:
		c.corr.Deliver(NewSuccess(id, result))
	}
}

func (c *JSONRPCClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 100ms, 200ms
			waitTime := retryBaseWait * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(waitTime):
			}
		}

		// Create fresh request for each attempt (body buffer is consumed)
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		request.Header.Set("Content-Type", JSONContentType)

		resp, err := c.http.Do(request)
		if err == nil {
			if attempt > 0 {
				c.logger.Debug("request succeeded after retry", "attempt", attempt+1)
			}
			return resp, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return nil, fmt.Errorf("failed to issue request: %w", err)
		}
		c.logger.Debug("request attempt failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("failed to issue request after %d retries: %w", maxRetries, lastErr)
}

// Close aborts the exchanges in flight. Their calls fail with
// ErrClientClosed.
func (c *JSONRPCClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.stop()
	c.wg.Wait()
	c.corr.Close(ErrClientClosed)
	c.http.CloseIdleConnections()
	return nil
}
