package dronenet

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/dronenet/pkg/link"
)

type config struct {
	logHandler    slog.Handler
	msink         metrics.MetricSink
	metricLabels  []metrics.Label
	fragmentSize  int
	inboundBuffer int
	seed          uint64

	// QUIC links, disabled when tlsConf is nil.
	tlsConf     *tls.Config
	bindAddr    string
	dialTimeout time.Duration
}

// Option to pass to `NewEndpoint`, `NewRelay` and `NewNetwork`.
type Option func(*config) error

func newConfig(opts []Option) (config, error) {
	cfg := config{
		inboundBuffer: 1024,
		bindAddr:      "127.0.0.1",
		dialTimeout:   10 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return cfg, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	return cfg, nil
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your nodes.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the nodes.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithFragmentSize sets the maximum payload of a fragment.
func WithFragmentSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			return fmt.Errorf("fragment size must be positive, got %d", size)
		}
		c.fragmentSize = size
		return nil
	}
}

// WithInboundBuffer sets the capacity of the inbound packet queue of
// each node.
func WithInboundBuffer(size int) Option {
	return func(c *config) error {
		if size < 0 {
			return fmt.Errorf("inbound buffer cannot be negative, got %d", size)
		}
		c.inboundBuffer = size
		return nil
	}
}

// WithRandSeed makes packet drops reproducible.
func WithRandSeed(seed uint64) Option {
	return func(c *config) error {
		c.seed = seed
		return nil
	}
}

// WithQUIC makes nodes listen for QUIC links and connect to their
// neighbours through them instead of in-memory queues.
func WithQUIC(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return link.ErrNoTLSConfig
		}
		c.tlsConf = tlsConf.Clone()
		return nil
	}
}

// WithListenOn specifies which IP the QUIC transports bind to. Ports
// are always picked by the system.
func WithListenOn(addr string) Option {
	return func(c *config) error {
		c.bindAddr = addr
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// QUIC link to be established.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		c.dialTimeout = timeout
		return nil
	}
}
