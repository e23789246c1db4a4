// Package worker provides a bounded generic worker pool.
//
// Bindings use it to run store writes off the caller's goroutine. Work is
// queued in a buffered channel and processed by a fixed number of
// goroutines.
//
// # Lifecycle
//
//	pool := worker.NewPool(4, 256, persist,
//	    worker.WithMetricsRegistry[writeJob](registry, "binding_writes"),
//	    worker.WithErrorHandler(func(job writeJob, err error) { ... }),
//	)
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// # Submitting
//
// Submit never blocks and returns ErrQueueFull when the queue is at
// capacity. SubmitWait blocks until there is room, ctx is done or the pool
// stops. Both return ErrPoolNotStarted before Start and ErrPoolStopped after
// Stop.
//
// Stop closes the queue, lets the workers drain what was already accepted
// and returns ErrStopTimeout if they do not finish in time.
//
// # Metrics
//
// With a registry the pool exports <prefix>_queue_depth,
// <prefix>_submitted_total, <prefix>_failed_total, <prefix>_dropped_total and
// <prefix>_processing_duration_seconds{status}.
package worker
