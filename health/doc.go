// Package health tracks the status of stores, bindings and background jobs
// and aggregates them into one report.
//
// A Status is healthy, degraded or unhealthy. Monitor keeps the latest
// status per component name and is safe for concurrent use:
//
//	monitor := health.NewMonitor()
//	monitor.UpdateHealthy("store", "connected")
//	monitor.UpdateDegraded("binding.jobs", "hydrating")
//
//	report := monitor.AggregateHealth("statesync")
//
// The aggregate is unhealthy when any component is unhealthy, degraded when
// any is degraded, and healthy otherwise. Monitor.Handler serves it as JSON
// and answers 503 only when it is unhealthy.
//
// Error messages recorded with RecordError are sanitized: URLs, paths, IP
// addresses and credentials are redacted before they reach a report.
package health
