package ignite

import (
	"log/slog"
	"net"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/ignite-fabric/ignite/internal/discovery"
)

type config struct {
	partition      string
	discoveryGroup string
	msgPort        int
	srvPort        int
	heartbeat      time.Duration
	verbose        bool
	advertiseIP    net.IP

	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
}

func defaultConfig() *config {
	c := &config{
		partition:      defaultPartition(),
		discoveryGroup: envOr("DISCOVERY_GROUP", discovery.DefaultGroup),
		msgPort:        discovery.DefaultMsgPort,
		srvPort:        discovery.DefaultSrvPort,
		heartbeat:      discovery.DefaultAnnouncePeriod,
		verbose:        os.Getenv("VERBOSE") != "",
	}
	if port, err := strconv.Atoi(os.Getenv("DISCOVERY_MSG_PORT")); err == nil && port > 0 {
		c.msgPort = port
	}
	if port, err := strconv.Atoi(os.Getenv("DISCOVERY_SRV_PORT")); err == nil && port > 0 {
		c.srvPort = port
	}
	if ip := net.ParseIP(os.Getenv("IP")); ip != nil {
		c.advertiseIP = ip
	}
	return c
}

func defaultPartition() string {
	if p := os.Getenv("PARTITION"); p != "" {
		return p
	}
	hostname, _ := os.Hostname()
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return hostname + ":" + username
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Option configures a Node at construction time.
type Option func(*config) error

// WithPartition overrides the PARTITION environment setting.
func WithPartition(partition string) Option {
	return func(c *config) error {
		c.partition = partition
		return nil
	}
}

// WithDiscoveryAddr overrides DISCOVERY_GROUP/DISCOVERY_MSG_PORT/
// DISCOVERY_SRV_PORT.
func WithDiscoveryAddr(group string, msgPort, srvPort int) Option {
	return func(c *config) error {
		if group != "" {
			c.discoveryGroup = group
		}
		if msgPort != 0 {
			c.msgPort = msgPort
		}
		if srvPort != 0 {
			c.srvPort = srvPort
		}
		return nil
	}
}

// WithVerbose overrides the VERBOSE environment setting.
func WithVerbose(verbose bool) Option {
	return func(c *config) error {
		c.verbose = verbose
		return nil
	}
}

// WithAdvertiseIP overrides the IP environment setting, i.e. the address
// advertised to peers for dialing back.
func WithAdvertiseIP(ip net.IP) Option {
	return func(c *config) error {
		c.advertiseIP = ip
		return nil
	}
}

// WithLog specifies which slog.Handler to use for diagnostic logging.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink stores sink in the process-wide configuration, which
// hands it to the transport and discovery configs. The counters this module
// emits go through go-metrics' package-level functions, so they reach
// go-metrics' global sink, not this one.
func WithMetricSink(sink metrics.MetricSink) Option {
	return func(c *config) error {
		if sink == nil {
			sink = &metrics.BlackholeSink{}
		}
		c.metricSink = sink
		return nil
	}
}

// WithMetricLabels adds static labels to the metrics emitted by the
// transport layer (publish socket, subscriber connections, requests). The
// node-level counters (MetricPublishCount and the rest of metrics.go) are
// emitted without them.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithHeartbeatPeriod overrides the discovery re-announce period (default
// 1s, TTL 3x). Exposed mainly so tests don't have to wait a full second.
func WithHeartbeatPeriod(period time.Duration) Option {
	return func(c *config) error {
		if period <= 0 {
			return ErrInvalidConfig
		}
		c.heartbeat = period
		return nil
	}
}
