package fabric

import (
	"context"
	"net"
	"time"
)

// DialFunc matches net.Dialer.DialContext's signature, letting tests
// substitute an in-memory pipe without changing any other code path.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type config struct {
	dialFn          DialFunc
	dialTimeout     time.Duration
	requestTimeout  time.Duration
	connIdleTimeout time.Duration
	maxFrameBytes   uint32
	logger          Logger
}

// Opt configures a Cluster transport.
type Opt func(*config)

func defaultConfig() config {
	d := &net.Dialer{}
	return config{
		dialFn:          d.DialContext,
		dialTimeout:     5 * time.Second,
		requestTimeout:  10 * time.Second,
		connIdleTimeout: 2 * time.Minute,
		maxFrameBytes:   64 << 20,
		logger:          NopLogger(),
	}
}

// WithDialFunc overrides how TCP connections are established.
func WithDialFunc(fn DialFunc) Opt { return func(c *config) { c.dialFn = fn } }

// WithDialTimeout bounds how long a single dial may take.
func WithDialTimeout(d time.Duration) Opt { return func(c *config) { c.dialTimeout = d } }

// WithRequestTimeout bounds how long a single write may take.
func WithRequestTimeout(d time.Duration) Opt { return func(c *config) { c.requestTimeout = d } }

// WithConnIdleTimeout controls how long an idle connection survives
// before the reaper closes it.
func WithConnIdleTimeout(d time.Duration) Opt { return func(c *config) { c.connIdleTimeout = d } }

// WithLogger installs a structured logging sink.
func WithLogger(l Logger) Opt { return func(c *config) { c.logger = l } }

// WithMaxFrameBytes bounds the size of any single inbound frame.
func WithMaxFrameBytes(n uint32) Opt { return func(c *config) { c.maxFrameBytes = n } }
