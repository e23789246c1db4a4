// Package metric exposes Prometheus metrics for the sync stack and serves
// them over HTTP.
//
// MetricsRegistry owns an isolated prometheus.Registry with the Go and
// process collectors plus the core Metrics. Packages that add their own
// collectors register them by service and metric name so duplicates are
// rejected:
//
//	registry := metric.NewMetricsRegistry()
//	core := registry.CoreMetrics()
//	core.RecordWrite(syncstore.TypeChunked, 3)
//
// All Record methods are safe on a nil *Metrics, so components take a
// *Metrics option and never check it.
//
// # Core metrics
//
// Metrics are namespaced "statesync" and grouped by layer:
//
//   - store: operation counts and latency per backend, connection state
//   - records: single and chunked writes, shards written and collected
//   - subscriptions: emission latency, stale emissions, dropped keys
//   - bindings: state per key, write results, suppressed echoes by reason
//   - seeding: documents per collection, current level
//
// # Serving
//
// Server serves the registry at a path (default /metrics) and, with
// WithHealthHandler, a /health endpoint on the same port.
package metric
