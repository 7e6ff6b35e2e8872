// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/stretchr/testify/require"
)

type jsonReply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *json2.Error    `json:"error"`
}

func newTestJSONRPCHandler(t *testing.T, ts *timeService) *JSONRPCHandler {
	h := NewJSONRPCHandler(WithServiceGroup(NewServiceGroup(ts.service())))
	t.Cleanup(h.Close)
	return h
}

func doJSON(t *testing.T, h http.Handler, method, target, contentType, body string) (*httptest.ResponseRecorder, jsonReply) {
	t.Helper()
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, JSONContentType, w.Header().Get("Content-Type"))
	require.Equal(t, strconv.Itoa(w.Body.Len()), w.Header().Get("Content-Length"))

	var reply jsonReply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	return w, reply
}

func TestJSONRPCHandlerErrorCodes(t *testing.T) {
	h := newTestJSONRPCHandler(t, newTimeService())

	tests := []struct {
		name        string
		method      string
		target      string
		contentType string
		body        string
		code        json2.ErrorCode
		message     string
	}{
		{"unknown path", http.MethodPost, "/elsewhere", JSONContentType, `{}`, CodeNotFound, "/elsewhere"},
		{"wrong method", http.MethodGet, "/rpc", JSONContentType, ``, CodeMethodNotAllowed, "GET"},
		{"wrong content type", http.MethodPost, "/rpc", "text/plain", `{}`, CodeUnsupportedMedia, "text/plain"},
		{"missing content type", http.MethodPost, "/rpc", "", `{}`, CodeUnsupportedMedia, "content type"},
		{"malformed body", http.MethodPost, "/rpc", JSONContentType, `{`, CodeBadRequest, "Malformed request"},
		{"missing id", http.MethodPost, "/rpc", JSONContentType,
			`{"method":"piezo.test.TimeService.GetTime","params":[{}]}`, CodeBadRequest, "'id'"},
		{"malformed method name", http.MethodPost, "/rpc", JSONContentType,
			`{"id":1,"method":"GetTime","params":[{}]}`, CodeBadRequest, "method name"},
		{"unknown service", http.MethodPost, "/rpc", JSONContentType,
			`{"id":1,"method":"piezo.test.Missing.GetTime","params":[{}]}`, CodeBadRequest, "service"},
		{"unknown method", http.MethodPost, "/rpc", JSONContentType,
			`{"id":1,"method":"piezo.test.TimeService.Missing","params":[{}]}`, CodeBadRequest, "method"},
		{"undecodable params", http.MethodPost, "/rpc", JSONContentType,
			`{"id":1,"method":"piezo.test.TimeService.GetTime","params":[{"bogus":1}]}`, CodeInternal, "could not decode"},
		{"application failure", http.MethodPost, "/rpc", JSONContentType,
			`{"id":1,"method":"piezo.test.TimeService.Fail","params":[{}]}`, CodeInternal, errTimeFailed.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, reply := doJSON(t, h, tt.method, tt.target, tt.contentType, tt.body)
			require.NotNil(t, reply.Error)
			require.Equal(t, tt.code, reply.Error.Code)
			require.Contains(t, reply.Error.Message, tt.message)
			require.Nil(t, reply.Result)
		})
	}
}

func TestJSONRPCHandlerSuccess(t *testing.T) {
	require := require.New(t)
	h := newTestJSONRPCHandler(t, newTimeService())

	w, reply := doJSON(t, h, http.MethodPost, "/rpc", "application/json; charset=utf-8",
		`{"id":"req-1","method":"piezo.test.TimeService.GetTime","params":[{"timezone":"UTC"}]}`)
	require.Nil(reply.Error)
	require.JSONEq(`"req-1"`, string(reply.ID))

	response := getTimeMethod.NewResponse()
	require.NoError(JSON.Unmarshal(reply.Result, response))
	require.Positive(timeOf(response))

	// Pretty by default.
	require.Contains(w.Body.String(), "\n  \"id\": \"req-1\"")
}

func TestJSONRPCHandlerCompactOutput(t *testing.T) {
	h := newTestJSONRPCHandler(t, newTimeService())

	w, reply := doJSON(t, h, http.MethodPost, "/rpc?pp=0", JSONContentType,
		`{"id":7,"method":"piezo.test.TimeService.GetTime","params":[{}]}`)
	require.Nil(t, reply.Error)
	require.JSONEq(t, `7`, string(reply.ID))
	require.Equal(t, 1, strings.Count(w.Body.String(), "\n"))
}

func TestJSONRPCHandlerRepeatedIDs(t *testing.T) {
	h := newTestJSONRPCHandler(t, newTimeService())

	// Requesters pick ids independently.
	for range 3 {
		_, reply := doJSON(t, h, http.MethodPost, "/rpc", JSONContentType,
			`{"id":1,"method":"piezo.test.TimeService.GetTime","params":[{}]}`)
		require.Nil(t, reply.Error)
	}
}

func startJSONRPCServer(t *testing.T, ts *timeService) *JSONRPCServer {
	s, err := ListenJSONRPC("127.0.0.1:0", WithServiceGroup(NewServiceGroup(ts.service())))
	require.NoError(t, err)
	serve(t, s)
	return s
}

func dialJSONRPCClient(t *testing.T, addr string, opts ...DialOption) *JSONRPCClient {
	c, err := DialJSONRPC(context.Background(), addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestJSONRPCClientRoundTrip(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := startJSONRPCServer(t, newTimeService())
	client := dialJSONRPCClient(t, s.Addr())
	require.Equal("http://"+s.Addr()+"/rpc?pp=0", client.Endpoint())

	resp, err := client.EncodeMethodCall(ctx, getTimeMethod, newTimeRequest("UTC")).Wait(ctx)
	require.NoError(err)
	require.Positive(timeOf(resp))
}

func TestJSONRPCClientErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := startJSONRPCServer(t, newTimeService())
	client := dialJSONRPCClient(t, s.Addr())

	tests := []struct {
		name   string
		method ClientMethod
		code   json2.ErrorCode
		want   string
	}{
		{"unknown service", NewClientMethod("piezo.test.Missing", "GetTime", getTimeMethod.NewResponse()), CodeBadRequest, "service"},
		{"unknown method", NewClientMethod(timeServiceName, "Missing", getTimeMethod.NewResponse()), CodeBadRequest, "method"},
		{"application failure", failMethod, CodeInternal, errTimeFailed.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.EncodeMethodCall(ctx, tt.method, newTimeRequest("UTC")).Wait(ctx)
			var jerr *json2.Error
			require.True(t, errors.As(err, &jerr), "got %v", err)
			require.Equal(t, tt.code, jerr.Code)
			require.Contains(t, jerr.Message, tt.want)
		})
	}
}

func TestJSONRPCClientCancel(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := newTimeService()
	s := startJSONRPCServer(t, ts)
	client := dialJSONRPCClient(t, s.Addr())

	call := client.EncodeMethodCall(ctx, sleepMethod, newTimeRequest("UTC"))
	waitSignal(t, ts.sleeping, "invocation start")

	require.True(call.Cancel())
	_, err := call.Result()
	require.ErrorIs(err, ErrCancelled)

	// Aborting the exchange cancels the invocation.
	waitSignal(t, ts.cancelled, "server-side cancellation")
}

func TestJSONRPCClientClose(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ts := newTimeService()
	s := startJSONRPCServer(t, ts)
	client := dialJSONRPCClient(t, s.Addr())

	pending := client.EncodeMethodCall(ctx, sleepMethod, newTimeRequest("UTC"))
	waitSignal(t, ts.sleeping, "invocation start")

	require.NoError(client.Close())
	_, err := pending.Wait(ctx)
	require.ErrorIs(err, ErrClientClosed)

	_, err = client.EncodeMethodCall(ctx, getTimeMethod, newTimeRequest("UTC")).Wait(ctx)
	require.ErrorIs(err, ErrClientClosed)
}

func TestJSONRPCClientRejectsMismatchedID(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", JSONContentType)
		_, _ = w.Write([]byte(`{"id":999,"result":{"time":"1"}}`))
	}))
	t.Cleanup(srv.Close)

	client := dialJSONRPCClient(t, strings.TrimPrefix(srv.URL, "http://"),
		WithRequestIDGenerator(func() int64 { return 1 }))
	_, err := client.EncodeMethodCall(ctx, getTimeMethod, newTimeRequest("UTC")).Wait(ctx)
	var conv *ConversionError
	require.True(errors.As(err, &conv), "got %v", err)
	require.ErrorContains(err, "does not match")
}

func TestJSONRPCClientRejectsStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gateway on fire", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	client := dialJSONRPCClient(t, strings.TrimPrefix(srv.URL, "http://"))
	_, err := client.EncodeMethodCall(ctx, getTimeMethod, newTimeRequest("UTC")).Wait(ctx)
	require.ErrorContains(t, err, "received status code: 502")
}
