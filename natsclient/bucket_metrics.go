package natsclient

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/statesync/metric"
)

// bucketMetrics tracks the size of KV buckets opened through this client.
type bucketMetrics struct {
	values *prometheus.GaugeVec
	bytes  *prometheus.GaugeVec
	errors *prometheus.CounterVec

	mu      sync.RWMutex
	buckets map[string]jetstream.KeyValue
}

func newBucketMetrics(registry *metric.MetricsRegistry) (*bucketMetrics, error) {
	m := &bucketMetrics{
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "statesync",
			Subsystem: "kv",
			Name:      "bucket_values",
			Help:      "Current number of values in KV bucket",
		}, []string{"bucket"}),

		bytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "statesync",
			Subsystem: "kv",
			Name:      "bucket_bytes",
			Help:      "Storage bytes used by KV bucket",
		}, []string{"bucket"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statesync",
			Subsystem: "kv",
			Name:      "status_errors_total",
			Help:      "Failed bucket status polls",
		}, []string{"bucket"}),

		buckets: make(map[string]jetstream.KeyValue),
	}

	if err := registry.RegisterGaugeVec("kv", "bucket_values", m.values); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("kv", "bucket_bytes", m.bytes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("kv", "status_errors", m.errors); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *bucketMetrics) track(name string, kv jetstream.KeyValue) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[name] = kv
}

func (m *bucketMetrics) untrack(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, name)
	m.values.DeleteLabelValues(name)
	m.bytes.DeleteLabelValues(name)
}

func (m *bucketMetrics) updateStats(ctx context.Context) {
	m.mu.RLock()
	buckets := make(map[string]jetstream.KeyValue, len(m.buckets))
	for k, v := range m.buckets {
		buckets[k] = v
	}
	m.mu.RUnlock()

	for name, kv := range buckets {
		status, err := kv.Status(ctx)
		if err != nil {
			m.errors.WithLabelValues(name).Inc()
			continue
		}
		m.values.WithLabelValues(name).Set(float64(status.Values()))
		m.bytes.WithLabelValues(name).Set(float64(status.Bytes()))
	}
}

// startPoller polls bucket status until the returned cancel is called.
func (m *bucketMetrics) startPoller(ctx context.Context, interval time.Duration) context.CancelFunc {
	if m == nil {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.updateStats(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	return cancel
}
