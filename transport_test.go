// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAvailableTransports(t *testing.T) {
	require := require.New(t)

	names := AvailableTransports()
	require.Subset(names, []string{TransportSocket, TransportQuartz, TransportJSON})
	require.IsIncreasing(names)
	require.True(HasTransport(DefaultTransport))
	require.False(HasTransport("carrier-pigeon"))
}

func TestUnknownTransport(t *testing.T) {
	_, err := Dial(context.Background(), "127.0.0.1:1", WithTransport("carrier-pigeon"))
	require.ErrorIs(t, err, ErrUnknownTransport)

	_, err = Listen("127.0.0.1:0", WithServerTransport("carrier-pigeon"))
	require.ErrorIs(t, err, ErrUnknownTransport)
}

func TestDialListenEveryTransport(t *testing.T) {
	for _, transport := range []string{TransportSocket, TransportQuartz, TransportJSON} {
		t.Run(transport, func(t *testing.T) {
			require := require.New(t)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			server, err := Listen("127.0.0.1:0", WithServerTransport(transport))
			require.NoError(err)
			server.Register(newTimeService().service())
			serve(t, server)

			client, err := Dial(ctx, server.Addr(), WithTransport(transport))
			require.NoError(err)
			defer client.Close()

			resp, err := client.EncodeMethodCall(ctx, getTimeMethod, newTimeRequest("UTC")).Wait(ctx)
			require.NoError(err)
			require.Positive(timeOf(resp))
		})
	}
}

// Every transport carries a request Envelope without changing its
// identifying fields.
func TestRequestEncodingPreservesEnvelope(t *testing.T) {
	payload := []byte(`{"timezone":"UTC"}`)
	want := NewRequest(31, "a.b.TimeService", "GetTime", payload)

	t.Run("socket", func(t *testing.T) {
		got, err := decodeFrame(appendFrame(nil, want)[frameHeaderSize:])
		require.NoError(t, err)
		require.True(t, want.Equal(got))
	})

	t.Run("quartz", func(t *testing.T) {
		require := require.New(t)
		req := encodeQuartzRequest(want, "example.com", DefaultQuartzPath)
		require.Equal("/quartz/a.b.TimeService/GetTime", req.URL.Path)
		body, err := io.ReadAll(req.Body)
		require.NoError(err)

		r := httptest.NewRequest(req.Method, req.URL.Path, bytes.NewReader(body))
		got, err := decodeQuartzBody(r, body)
		require.NoError(err)
		require.True(want.Equal(got))
	})

	t.Run("json", func(t *testing.T) {
		require := require.New(t)
		call, err := decodeJSONRequest(encodeJSONRequest(want))
		require.NoError(err)
		require.True(want.Equal(call.Envelope), "got %v", call.Envelope)
	})
}
