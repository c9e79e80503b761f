// Package transport implements the TCP data plane: the publish socket a
// subscriber dials to receive a topic's samples, and the request socket a
// client dials to place one service call, per spec §4.1/§4.4.
package transport

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/go-metrics"
)

const DefaultDialTimeout = 5 * time.Second

// Config is shared by every listener and dialer in this package.
type Config struct {
	Logger       *slog.Logger
	MetricSink   metrics.MetricSink
	MetricLabels []metrics.Label
	DialTimeout  time.Duration
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MetricSink == nil {
		c.MetricSink = &metrics.BlackholeSink{}
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
}

func listen(bindAddr string) (net.Listener, error) {
	if bindAddr == "" {
		bindAddr = "0.0.0.0:0"
	}
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to listen on %q: %w", bindAddr, err)
	}
	return ln, nil
}
