package shardnode

import (
	"time"

	"github.com/shardkv/shardnode/pkg/fabric"
)

// cfg holds every migration/replication tunable plus the ambient
// transport tunables layered on top. Construction follows pkg/kgo's
// functional-options pattern (Opt/cfg).
type cfg struct {
	// migration/replication tunables
	nMigrateThreads             int
	migrateRetransmit           time.Duration
	migrateRetransmitStartDone  time.Duration
	migrateSleep                time.Duration
	migrateRxLifetime           time.Duration
	transactionRetryInterval    time.Duration
	transactionMaxDeadline      time.Duration
	bytesInFlightCap            int64

	// ambient additions
	compressMinSize int
	numPartitions   uint32

	logger Logger
	hooks  []Hook

	fabricOpts []fabric.Opt
}

// Opt configures a Node.
type Opt func(*cfg)

func defaultConfig() cfg {
	return cfg{
		nMigrateThreads:            4,
		migrateRetransmit:          1 * time.Second,
		migrateRetransmitStartDone: 1 * time.Second,
		migrateSleep:               0,
		migrateRxLifetime:          30 * time.Second,
		transactionRetryInterval:   100 * time.Millisecond,
		transactionMaxDeadline:     1 * time.Second,
		bytesInFlightCap:           32 << 20,
		compressMinSize:            256,
		numPartitions:              4096,
		logger:                     NopLogger(),
	}
}

func (c *cfg) validate() error {
	if c.nMigrateThreads < 1 {
		c.nMigrateThreads = 1
	}
	if c.numPartitions == 0 {
		c.numPartitions = 4096
	}
	if c.bytesInFlightCap <= 0 {
		c.bytesInFlightCap = 32 << 20
	}
	return nil
}

// WithMigrateThreads sets n_migrate_threads; it may also be changed
// live via Node.SetMigrateThreads.
func WithMigrateThreads(n int) Opt { return func(c *cfg) { c.nMigrateThreads = n } }

// WithMigrateRetransmit sets migrate_retransmit_ms.
func WithMigrateRetransmit(d time.Duration) Opt { return func(c *cfg) { c.migrateRetransmit = d } }

// WithMigrateRetransmitStartDone sets migrate_retransmit_startdone_ms.
func WithMigrateRetransmitStartDone(d time.Duration) Opt {
	return func(c *cfg) { c.migrateRetransmitStartDone = d }
}

// WithMigrateSleep sets migrate_sleep_us, the inter-record throttle.
func WithMigrateSleep(d time.Duration) Opt { return func(c *cfg) { c.migrateSleep = d } }

// WithMigrateRxLifetime sets migrate_rx_lifetime_ms; 0 means evict
// completed immigration sessions immediately.
func WithMigrateRxLifetime(d time.Duration) Opt { return func(c *cfg) { c.migrateRxLifetime = d } }

// WithTransactionRetryInterval sets transaction_retry_ms, the initial
// repl-write retry interval (doubled on each retransmit).
func WithTransactionRetryInterval(d time.Duration) Opt {
	return func(c *cfg) { c.transactionRetryInterval = d }
}

// WithTransactionMaxDeadline sets transaction_max_ns, the default
// deadline used when a client did not set one.
func WithTransactionMaxDeadline(d time.Duration) Opt {
	return func(c *cfg) { c.transactionMaxDeadline = d }
}

// WithBytesInFlightCap overrides the 32MiB emigration backpressure
// valve (exposed mainly for tests).
func WithBytesInFlightCap(n int64) Opt { return func(c *cfg) { c.bytesInFlightCap = n } }

// WithCompressMinSize sets the minSize the emigrator passes to
// EncodePickle. The emigrator encodes with PickleCodecNone, so its
// INSERT pickles are never compressed whatever this value is.
func WithCompressMinSize(n int) Opt { return func(c *cfg) { c.compressMinSize = n } }

// WithNumPartitions overrides the namespace-fixed partition count P.
func WithNumPartitions(n uint32) Opt { return func(c *cfg) { c.numPartitions = n } }

// WithLogger installs a structured logging sink shared by the node
// and its fabric transport.
func WithLogger(l Logger) Opt {
	return func(c *cfg) {
		c.logger = l
		c.fabricOpts = append(c.fabricOpts, fabric.WithLogger(l))
	}
}

// WithHook registers a Hook observing lifecycle events, feeding the
// ambient metrics layer.
func WithHook(h Hook) Opt { return func(c *cfg) { c.hooks = append(c.hooks, h) } }

// WithFabricOpt passes an option straight through to the underlying
// fabric.Cluster transport.
func WithFabricOpt(o fabric.Opt) Opt { return func(c *cfg) { c.fabricOpts = append(c.fabricOpts, o) } }
