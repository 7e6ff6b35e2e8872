// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package piezo

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricClientCallCount        = []string{"piezo", "client", "call", "count"}
	MetricClientErrorCount       = []string{"piezo", "client", "error", "count"}
	MetricClientRemoteErrorCount = []string{"piezo", "client", "remote", "error", "count"}
	MetricClientLinkErrorCount   = []string{"piezo", "client", "link", "error", "count"}
	MetricServerSuccessCount     = []string{"piezo", "server", "success", "count"}
	MetricServerErrorCount       = []string{"piezo", "server", "error", "count"}
	MetricServerUnknownCount     = []string{"piezo", "server", "unknown", "count"}
	MetricServerLinkErrorCount   = []string{"piezo", "server", "link", "error", "count"}
)

type TelemetryLabel string

var (
	LabelService   TelemetryLabel = "service"
	LabelMethod    TelemetryLabel = "method"
	LabelKind      TelemetryLabel = "kind"
	LabelRemote    TelemetryLabel = "remote"
	LabelRequestID TelemetryLabel = "request_id"
	LabelTransport TelemetryLabel = "transport"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

type metricsClientMonitor struct {
	sink   metrics.MetricSink
	labels []metrics.Label
}

// NewMetricsClientMonitor counts client activity into sink. labels are added
// to every sample. A nil sink discards everything.
func NewMetricsClientMonitor(sink metrics.MetricSink, labels ...metrics.Label) ClientMonitor {
	if sink == nil {
		sink = &metrics.BlackholeSink{}
	}
	return &metricsClientMonitor{sink: sink, labels: labels}
}

func (m *metricsClientMonitor) methodLabels(method ClientMethod) []metrics.Label {
	return append(append([]metrics.Label{}, m.labels...),
		LabelService.M(method.ServiceName()),
		LabelMethod.M(method.MethodName()),
	)
}

func (m *metricsClientMonitor) MethodCall(method ClientMethod) {
	m.sink.IncrCounterWithLabels(MetricClientCallCount, 1, m.methodLabels(method))
}

func (m *metricsClientMonitor) ClientError(method ClientMethod, _ error) {
	m.sink.IncrCounterWithLabels(MetricClientErrorCount, 1, m.methodLabels(method))
}

func (m *metricsClientMonitor) ServerError(method ClientMethod, _ error) {
	m.sink.IncrCounterWithLabels(MetricClientRemoteErrorCount, 1, m.methodLabels(method))
}

func (m *metricsClientMonitor) LinkError(error) {
	m.sink.IncrCounterWithLabels(MetricClientLinkErrorCount, 1, m.labels)
}

type metricsServerMonitor struct {
	sink   metrics.MetricSink
	labels []metrics.Label
}

// NewMetricsServerMonitor counts server activity into sink.
func NewMetricsServerMonitor(sink metrics.MetricSink, labels ...metrics.Label) ServerMonitor {
	if sink == nil {
		sink = &metrics.BlackholeSink{}
	}
	return &metricsServerMonitor{sink: sink, labels: labels}
}

func (m *metricsServerMonitor) with(extra ...metrics.Label) []metrics.Label {
	return append(append([]metrics.Label{}, m.labels...), extra...)
}

func (m *metricsServerMonitor) ServerSuccess(service, method string) {
	m.sink.IncrCounterWithLabels(MetricServerSuccessCount, 1,
		m.with(LabelService.M(service), LabelMethod.M(method)))
}

func (m *metricsServerMonitor) ServerError(service, method string, _ error) {
	m.sink.IncrCounterWithLabels(MetricServerErrorCount, 1,
		m.with(LabelService.M(service), LabelMethod.M(method)))
}

func (m *metricsServerMonitor) UnknownService(service string) {
	m.sink.IncrCounterWithLabels(MetricServerUnknownCount, 1,
		m.with(LabelKind.M("service"), LabelService.M(service)))
}

func (m *metricsServerMonitor) UnknownMethod(service, method string) {
	m.sink.IncrCounterWithLabels(MetricServerUnknownCount, 1,
		m.with(LabelKind.M("method"), LabelService.M(service), LabelMethod.M(method)))
}

func (m *metricsServerMonitor) LinkError(error) {
	m.sink.IncrCounterWithLabels(MetricServerLinkErrorCount, 1, m.labels)
}
