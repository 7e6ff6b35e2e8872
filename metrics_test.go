// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

// counted sums the counter named by key across every retained interval,
// restricted to samples carrying all of labels.
func counted(sink *metrics.InmemSink, key []string, labels ...metrics.Label) int {
	name := strings.Join(key, ".")
	total := 0
	for _, interval := range sink.Data() {
		for _, sample := range interval.Counters {
			if sample.Name == name && hasLabels(sample.Labels, labels) {
				total += sample.Count
			}
		}
	}
	return total
}

func hasLabels(have, want []metrics.Label) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestTelemetryLabel(t *testing.T) {
	require := require.New(t)

	require.Equal(metrics.Label{Name: "service", Value: "a.B"}, LabelService.M("a.B"))
	attr := LabelRequestID.L(int64(7))
	require.Equal("request_id", attr.Key)
	require.Equal(int64(7), attr.Value.Int64())
}

func TestMetricsClientMonitor(t *testing.T) {
	require := require.New(t)

	sink := metrics.NewInmemSink(time.Minute, time.Hour)
	node := metrics.Label{Name: "node", Value: "n1"}
	m := NewMetricsClientMonitor(sink, node)

	m.MethodCall(getTimeMethod)
	m.MethodCall(getTimeMethod)
	m.ClientError(failMethod, ErrCancelled)
	m.ServerError(failMethod, &RemoteError{Message: "boom"})
	m.LinkError(errors.New("reset"))

	require.Equal(2, counted(sink, MetricClientCallCount, node,
		LabelService.M(timeServiceName), LabelMethod.M("GetTime")))
	require.Equal(1, counted(sink, MetricClientErrorCount, LabelMethod.M("Fail")))
	require.Equal(1, counted(sink, MetricClientRemoteErrorCount, LabelMethod.M("Fail")))
	require.Equal(1, counted(sink, MetricClientLinkErrorCount, node))
}

func TestMetricsServerMonitorThroughDispatcher(t *testing.T) {
	require := require.New(t)

	sink := metrics.NewInmemSink(time.Minute, time.Hour)
	d := newTestDispatcher(t, newTimeService(),
		WithDispatcherMonitor(NewMetricsServerMonitor(sink)))
	out := make(responses, 8)

	ctx := context.Background()
	d.Dispatch(ctx, timeRequestEnvelope(t, 1, "GetTime"), out.respond)
	d.Dispatch(ctx, timeRequestEnvelope(t, 2, "Fail"), out.respond)
	d.Dispatch(ctx, NewRequest(3, "piezo.test.Missing", "GetTime", nil), out.respond)
	d.Dispatch(ctx, NewRequest(4, timeServiceName, "Missing", nil), out.respond)
	for range 4 {
		out.next(t)
	}

	require.Eventually(func() bool {
		return counted(sink, MetricServerSuccessCount, LabelMethod.M("GetTime")) == 1 &&
			counted(sink, MetricServerErrorCount, LabelMethod.M("Fail")) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(1, counted(sink, MetricServerUnknownCount, LabelKind.M("service")))
	require.Equal(1, counted(sink, MetricServerUnknownCount, LabelKind.M("method"),
		LabelMethod.M("Missing")))
}

func TestNilSinkDiscards(t *testing.T) {
	NewMetricsClientMonitor(nil).MethodCall(getTimeMethod)
	NewMetricsServerMonitor(nil).LinkError(errors.New("reset"))
}
