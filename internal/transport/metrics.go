package transport

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricPublishOutBytes      = []string{"ignite", "publish", "out", "bytes"}
	MetricPublishOutErrorCount = []string{"ignite", "publish", "out", "error", "count"}
	MetricPublishInCount       = []string{"ignite", "publish", "in", "count"}
	MetricSubConnEstCount      = []string{"ignite", "subscriber", "connection", "established", "count"}
	MetricSubConnErrorCount    = []string{"ignite", "subscriber", "connection", "error", "count"}
	MetricRequestOutCount      = []string{"ignite", "request", "out", "count"}
	MetricRequestOutErrorCount = []string{"ignite", "request", "out", "error", "count"}
	MetricRequestInCount       = []string{"ignite", "request", "in", "count"}
)

type TelemetryLabel string

var (
	LabelTopic TelemetryLabel = "topic"
	LabelError TelemetryLabel = "error"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{Key: string(lab), Value: slog.AnyValue(val)}
}
