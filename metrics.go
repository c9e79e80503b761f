package ignite

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricPublishCount        = []string{"ignite", "node", "publish", "count"}
	MetricPublishErrorCount   = []string{"ignite", "node", "publish", "error", "count"}
	MetricSubscribeCount      = []string{"ignite", "node", "subscribe", "count"}
	MetricRequestCount        = []string{"ignite", "node", "request", "count"}
	MetricRequestTimeoutCount = []string{"ignite", "node", "request", "timeout", "count"}
	MetricShortcutCount       = []string{"ignite", "node", "shortcut", "count"}
)

type TelemetryLabel string

var (
	LabelTopic   TelemetryLabel = "topic"
	LabelService TelemetryLabel = "service"
	LabelError   TelemetryLabel = "error"
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
