//go:build grpc

// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/dynamicpb"
)

func startGRPC(t *testing.T, ts *timeService) *GRPCClient {
	lis := bufconn.Listen(1 << 20)
	server := NewGRPCServer(lis)
	server.Register(ts.service())
	serve(t, server)

	client, err := dialGRPC(context.Background(), "passthrough:///bufnet", newDialOptions(nil),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestGRPCMethodNames(t *testing.T) {
	require := require.New(t)

	require.Equal("/piezo.test.TimeService/GetTime", grpcMethodName(timeServiceName, "GetTime"))

	service, method, ok := splitGRPCMethodName("/piezo.test.TimeService/GetTime")
	require.True(ok)
	require.Equal(timeServiceName, service)
	require.Equal("GetTime", method)

	for _, bad := range []string{"", "/", "/GetTime", "/svc/"} {
		_, _, ok := splitGRPCMethodName(bad)
		require.False(ok, bad)
	}
}

func TestGRPCRoundTrip(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	client := startGRPC(t, newTimeService())
	resp, err := Invoke[*dynamicpb.Message](ctx, client, getTimeMethod, newTimeRequest("UTC"))
	require.NoError(err)
	require.Positive(timeOf(resp))
}

func TestGRPCErrors(t *testing.T) {
	ctx := context.Background()
	client := startGRPC(t, newTimeService())

	missing := NewClientMethod(timeServiceName, "Missing", getTimeMethod.NewResponse())
	tests := []struct {
		name   string
		method ClientMethod
		want   string
	}{
		{"application error", failMethod, errTimeFailed.Error()},
		{"unknown method", missing, "Unknown method piezo.test.TimeService/Missing"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := client.EncodeMethodCall(ctx, test.method, newTimeRequest("UTC")).Wait(ctx)
			var remote *RemoteError
			require.ErrorAs(t, err, &remote)
			require.Contains(t, remote.Message, test.want)
		})
	}
}

func TestGRPCCancel(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	ts := newTimeService()
	client := startGRPC(t, ts)

	call := client.EncodeMethodCall(ctx, sleepMethod, newTimeRequest("UTC"))
	waitSignal(t, ts.sleeping, "sleep to start")
	require.True(call.Cancel())
	waitSignal(t, ts.cancelled, "sleep to observe cancellation")

	_, err := call.Result()
	require.ErrorIs(err, ErrCancelled)
}

func TestGRPCClientClose(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	ts := newTimeService()
	client := startGRPC(t, ts)

	call := client.EncodeMethodCall(ctx, sleepMethod, newTimeRequest("UTC"))
	waitSignal(t, ts.sleeping, "sleep to start")
	require.NoError(client.Close())

	<-call.Done()
	_, err := call.Result()
	require.ErrorIs(err, ErrClientClosed)

	_, err = client.EncodeMethodCall(ctx, getTimeMethod, newTimeRequest("UTC")).Wait(ctx)
	require.ErrorIs(err, ErrClientClosed)
}
