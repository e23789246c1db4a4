package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "statesync"

// Metrics contains the core sync metrics
type Metrics struct {
	// Document store
	StoreOperations *prometheus.CounterVec
	StoreDuration   *prometheus.HistogramVec
	StoreConnected  prometheus.Gauge
	StoreReconnects prometheus.Counter

	// Chunking
	RecordsWritten *prometheus.CounterVec
	ShardsWritten  prometheus.Counter
	ShardsDeleted  prometheus.Counter

	// Subscription
	Emissions        prometheus.Counter
	StaleEmissions   prometheus.Counter
	DroppedKeys      *prometheus.CounterVec
	EmissionDuration prometheus.Histogram

	// Bindings
	BindingState   *prometheus.GaugeVec
	BindingWrites  *prometheus.CounterVec
	EchoSuppressed *prometheus.CounterVec

	// Seeding
	SeedDocuments *prometheus.CounterVec
	SeedLevel     prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all sync metrics
func NewMetrics() *Metrics {
	return &Metrics{
		StoreOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Document store operations by backend, operation and status",
			},
			[]string{"backend", "operation", "status"},
		),

		StoreDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Document store operation latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend", "operation"},
		),

		StoreConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "connected",
				Help:      "Remote store connection status (0=disconnected, 1=connected)",
			},
		),

		StoreReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "reconnects_total",
				Help:      "Total number of remote store reconnections",
			},
		),

		RecordsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "records_written_total",
				Help:      "Records written by representation (single, chunked)",
			},
			[]string{"type"},
		),

		ShardsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "shards_written_total",
				Help:      "Shard documents written",
			},
		),

		ShardsDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "shards_collected_total",
				Help:      "Orphaned shard documents removed by garbage collection",
			},
		),

		Emissions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "emissions_total",
				Help:      "Aggregated collection snapshots delivered",
			},
		),

		StaleEmissions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "stale_emissions_total",
				Help:      "Reconstructions discarded because a newer one was delivered",
			},
		),

		DroppedKeys: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "dropped_keys_total",
				Help:      "Keys left out of a snapshot because shard reconstruction failed",
			},
			[]string{"key"},
		),

		EmissionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "reconstruction_duration_seconds",
				Help:      "Time to reconstruct one aggregated snapshot",
				Buckets:   prometheus.DefBuckets,
			},
		),

		BindingState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "binding",
				Name:      "state",
				Help:      "Binding state (0=uninitialized, 1=hydrating, 2=hydrated, 3=closed)",
			},
			[]string{"key"},
		),

		BindingWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "binding",
				Name:      "writes_total",
				Help:      "Outbound binding writes by status",
			},
			[]string{"key", "status"},
		),

		EchoSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "binding",
				Name:      "echo_suppressed_total",
				Help:      "Updates skipped by echo suppression, by reason",
			},
			[]string{"key", "reason"},
		),

		SeedDocuments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "seed",
				Name:      "documents_total",
				Help:      "Documents added by the seeder",
			},
			[]string{"collection"},
		),

		SeedLevel: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "seed",
				Name:      "level",
				Help:      "Seed level currently running (-1 when idle)",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.StoreOperations, c.StoreDuration, c.StoreConnected, c.StoreReconnects,
		c.RecordsWritten, c.ShardsWritten, c.ShardsDeleted,
		c.Emissions, c.StaleEmissions, c.DroppedKeys, c.EmissionDuration,
		c.BindingState, c.BindingWrites, c.EchoSuppressed,
		c.SeedDocuments, c.SeedLevel,
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordStoreOp records one document store operation
func (c *Metrics) RecordStoreOp(backend, operation string, start time.Time, err error) {
	if c == nil {
		return
	}
	c.StoreOperations.WithLabelValues(backend, operation, status(err)).Inc()
	c.StoreDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}

// RecordStoreConnected updates remote store connection status
func (c *Metrics) RecordStoreConnected(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.StoreConnected.Set(value)
}

// RecordStoreReconnect increments the reconnection counter
func (c *Metrics) RecordStoreReconnect() {
	if c == nil {
		return
	}
	c.StoreReconnects.Inc()
}

// RecordWrite records a record write and the number of shards it produced
func (c *Metrics) RecordWrite(recordType string, shards int) {
	if c == nil {
		return
	}
	c.RecordsWritten.WithLabelValues(recordType).Inc()
	c.ShardsWritten.Add(float64(shards))
}

// RecordShardsCollected records shards removed by garbage collection
func (c *Metrics) RecordShardsCollected(n int) {
	if c == nil {
		return
	}
	c.ShardsDeleted.Add(float64(n))
}

// RecordEmission records a delivered snapshot
func (c *Metrics) RecordEmission(duration time.Duration) {
	if c == nil {
		return
	}
	c.Emissions.Inc()
	c.EmissionDuration.Observe(duration.Seconds())
}

// RecordStaleEmission records a discarded reconstruction
func (c *Metrics) RecordStaleEmission() {
	if c == nil {
		return
	}
	c.StaleEmissions.Inc()
}

// RecordDroppedKey records a key left out of a snapshot
func (c *Metrics) RecordDroppedKey(key string) {
	if c == nil {
		return
	}
	c.DroppedKeys.WithLabelValues(key).Inc()
}

// RecordBindingState updates the state gauge of a binding
func (c *Metrics) RecordBindingState(key string, state int) {
	if c == nil {
		return
	}
	c.BindingState.WithLabelValues(key).Set(float64(state))
}

// RecordBindingWrite records an outbound binding write
func (c *Metrics) RecordBindingWrite(key string, err error) {
	if c == nil {
		return
	}
	c.BindingWrites.WithLabelValues(key, status(err)).Inc()
}

// RecordEchoSuppressed records an update skipped by echo suppression
func (c *Metrics) RecordEchoSuppressed(key, reason string) {
	if c == nil {
		return
	}
	c.EchoSuppressed.WithLabelValues(key, reason).Inc()
}

// RecordSeedDocument records a document added by the seeder
func (c *Metrics) RecordSeedDocument(collection string) {
	if c == nil {
		return
	}
	c.SeedDocuments.WithLabelValues(collection).Inc()
}

// RecordSeedLevel records the level being seeded
func (c *Metrics) RecordSeedLevel(level int) {
	if c == nil {
		return
	}
	c.SeedLevel.Set(float64(level))
}
