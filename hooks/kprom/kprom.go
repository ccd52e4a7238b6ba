// Package kprom implements a shardnode.Hook backed by Prometheus
// client_golang, the way twmb/franz-go's own kprom plugin observes a
// kgo.Client: one small set of counters/histograms/gauges, registered
// into a caller-supplied registerer instead of the global default so
// more than one Node can coexist in a process.
package kprom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardkv/shardnode/pkg/shardnode"
)

// Metrics is a shardnode.Hook exposing migration and replication
// activity as Prometheus metrics.
type Metrics struct {
	emigrationsStarted  *prometheus.CounterVec
	emigrationsDone     *prometheus.CounterVec
	emigrationsAborted  *prometheus.CounterVec
	emigrationDuration  *prometheus.HistogramVec
	emigrationRecords   *prometheus.CounterVec
	immigrationsStarted *prometheus.CounterVec
	immigrationsDone    *prometheus.CounterVec
	immigrationsReaped  *prometheus.CounterVec
	immigrationRecords  *prometheus.CounterVec
	rwComplete          prometheus.Counter
	rwTimeout           prometheus.Counter
	rwAcksReceived      prometheus.Histogram
	rwDuration          prometheus.Histogram
}

// Opt configures a Metrics instance.
type Opt func(*config)

type config struct {
	namespace string
	subsystem string
	reg       prometheus.Registerer
}

// WithNamespace sets the Prometheus metric namespace (default "shardnode").
func WithNamespace(ns string) Opt { return func(c *config) { c.namespace = ns } }

// WithSubsystem sets the Prometheus metric subsystem (default "").
func WithSubsystem(ss string) Opt { return func(c *config) { c.subsystem = ss } }

// WithRegisterer installs the registerer metrics are registered into,
// default prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Opt { return func(c *config) { c.reg = reg } }

// NewMetrics constructs and registers a Metrics hook. It panics on a
// duplicate registration the way promauto's helpers do, since a
// registration collision during startup is a programming error, not a
// runtime condition callers should be expected to handle.
func NewMetrics(opts ...Opt) *Metrics {
	c := config{namespace: "shardnode", reg: prometheus.DefaultRegisterer}
	for _, o := range opts {
		o(&c)
	}

	m := &Metrics{
		emigrationsStarted: mustRegisterCounterVec(c, "emigrations_started_total",
			"Number of emigration sessions started.", []string{"dst"}),
		emigrationsDone: mustRegisterCounterVec(c, "emigrations_done_total",
			"Number of emigration sessions that completed normally.", []string{"dst"}),
		emigrationsAborted: mustRegisterCounterVec(c, "emigrations_aborted_total",
			"Number of emigration sessions that aborted.", []string{"dst"}),
		emigrationDuration: mustRegisterHistogramVec(c, "emigration_duration_seconds",
			"Time from an emigration session's creation to its acked DONE.", []string{"dst"},
			prometheus.DefBuckets),
		emigrationRecords: mustRegisterCounterVec(c, "emigration_records_sent_total",
			"Number of records streamed by completed emigration sessions.", []string{"dst"}),
		immigrationsStarted: mustRegisterCounterVec(c, "immigrations_started_total",
			"Number of immigration sessions accepted.", []string{"src"}),
		immigrationsDone: mustRegisterCounterVec(c, "immigrations_done_total",
			"Number of immigration sessions that received DONE.", []string{"src"}),
		immigrationsReaped: mustRegisterCounterVec(c, "immigrations_reaped_total",
			"Number of immigration sessions evicted by the reaper.", []string{"src"}),
		immigrationRecords: mustRegisterCounterVec(c, "immigration_records_applied_total",
			"Number of records applied by completed immigration sessions.", []string{"src"}),
		rwComplete: mustRegisterCounter(c, "replicated_writes_complete_total",
			"Number of replicated writes whose completion callback fired successfully."),
		rwTimeout: mustRegisterCounter(c, "replicated_writes_timeout_total",
			"Number of replicated writes that exhausted their deadline."),
		rwAcksReceived: mustRegisterHistogram(c, "replicated_write_acks_received",
			"Acks received per replicated write at completion or timeout.",
			[]float64{1, 2, 3, 4, 5, 8, 16}),
		rwDuration: mustRegisterHistogram(c, "replicated_write_duration_seconds",
			"Time from fan-out to completion for a replicated write.",
			prometheus.DefBuckets),
	}
	return m
}

func mustRegisterCounterVec(c config, name, help string, labels []string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	}, labels)
	c.reg.MustRegister(v)
	return v
}

func mustRegisterHistogramVec(c config, name, help string, labels []string, buckets []float64) *prometheus.HistogramVec {
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	c.reg.MustRegister(v)
	return v
}

func mustRegisterCounter(c config, name, help string) prometheus.Counter {
	v := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
	})
	c.reg.MustRegister(v)
	return v
}

func mustRegisterHistogram(c config, name, help string, buckets []float64) prometheus.Histogram {
	v := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Subsystem: c.subsystem,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	})
	c.reg.MustRegister(v)
	return v
}

// nodeLabel renders a NodeID as a label value without pulling in fmt
// for every metric observation.
func nodeLabel(id shardnode.NodeID) string {
	const hex = "0123456789abcdef"
	if id == 0 {
		return "0"
	}
	var buf [16]byte
	i := len(buf)
	for id > 0 {
		i--
		buf[i] = hex[id&0xf]
		id >>= 4
	}
	return string(buf[i:])
}

func (m *Metrics) OnEmigrationStart(partition shardnode.PartitionID, dst shardnode.NodeID, emigrationID uint64) {
	m.emigrationsStarted.WithLabelValues(nodeLabel(dst)).Inc()
}

func (m *Metrics) OnEmigrationDone(partition shardnode.PartitionID, dst shardnode.NodeID, emigrationID uint64, recordsSent int64, elapsed time.Duration) {
	label := nodeLabel(dst)
	m.emigrationsDone.WithLabelValues(label).Inc()
	m.emigrationRecords.WithLabelValues(label).Add(float64(recordsSent))
	m.emigrationDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

func (m *Metrics) OnEmigrationAbort(partition shardnode.PartitionID, dst shardnode.NodeID, emigrationID uint64, reason error) {
	m.emigrationsAborted.WithLabelValues(nodeLabel(dst)).Inc()
}

func (m *Metrics) OnImmigrationStart(partition shardnode.PartitionID, src shardnode.NodeID, emigrationID uint64) {
	m.immigrationsStarted.WithLabelValues(nodeLabel(src)).Inc()
}

func (m *Metrics) OnImmigrationDone(partition shardnode.PartitionID, src shardnode.NodeID, emigrationID uint64, recordsApplied int64) {
	label := nodeLabel(src)
	m.immigrationsDone.WithLabelValues(label).Inc()
	m.immigrationRecords.WithLabelValues(label).Add(float64(recordsApplied))
}

func (m *Metrics) OnImmigrationReap(partition shardnode.PartitionID, src shardnode.NodeID, emigrationID uint64) {
	m.immigrationsReaped.WithLabelValues(nodeLabel(src)).Inc()
}

func (m *Metrics) OnReplicaWriteComplete(tid uint64, partition shardnode.PartitionID, acksReceived int, elapsed time.Duration) {
	m.rwComplete.Inc()
	m.rwAcksReceived.Observe(float64(acksReceived))
	m.rwDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) OnReplicaWriteTimeout(tid uint64, partition shardnode.PartitionID, acksReceived, acksRequired int) {
	m.rwTimeout.Inc()
	m.rwAcksReceived.Observe(float64(acksReceived))
}

var (
	_ shardnode.HookEmigrationStart      = (*Metrics)(nil)
	_ shardnode.HookEmigrationDone       = (*Metrics)(nil)
	_ shardnode.HookEmigrationAbort      = (*Metrics)(nil)
	_ shardnode.HookImmigrationStart     = (*Metrics)(nil)
	_ shardnode.HookImmigrationDone      = (*Metrics)(nil)
	_ shardnode.HookImmigrationReap      = (*Metrics)(nil)
	_ shardnode.HookReplicaWriteComplete = (*Metrics)(nil)
	_ shardnode.HookReplicaWriteTimeout  = (*Metrics)(nil)
)
