// Package binding keeps local values converged with keys in a
// syncstore.Store. Each write is tagged with its own revision id, and
// updates carrying a revision the binding issued are recognized as echoes
// and not applied or written again.
package binding

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/health"
	"github.com/c360/statesync/metric"
	"github.com/c360/statesync/pkg/retry"
	"github.com/c360/statesync/pkg/worker"
	"github.com/c360/statesync/syncstore"
)

// Binding errors
var (
	ErrBindingExists = errors.New("key is already bound")
	ErrUnknownKey    = errors.New("key is not bound")
	ErrNotHydrated   = errors.New("binding is not hydrated")
)

const (
	managerComponent   = "bindings"
	defaultEventBuffer = 128
)

// Manager owns the bindings of one process: it feeds them from a shared
// subscription and runs their writes on a worker pool.
type Manager struct {
	store    *syncstore.Store
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	monitor  *health.Monitor

	workers      int
	queueSize    int
	hydrateRetry retry.Config

	mu       sync.RWMutex
	bindings map[string]binder
	started  bool
	stopped  bool

	pool        *worker.Pool[writeJob]
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	events    chan Event
	leaseLost atomic.Bool
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records binding and pool metrics into registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(m *Manager) {
		m.registry = registry
		m.metrics = registry.CoreMetrics()
	}
}

// WithHealthMonitor reports binding health to monitor
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(m *Manager) {
		m.monitor = monitor
	}
}

// WithWorkers sizes the write pool
func WithWorkers(workers, queueSize int) Option {
	return func(m *Manager) {
		m.workers = workers
		m.queueSize = queueSize
	}
}

// WithEventBuffer sizes the status channel
func WithEventBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.events = make(chan Event, n)
		}
	}
}

// WithHydrateRetry sets the backoff for scalar hydration reads
func WithHydrateRetry(cfg retry.Config) Option {
	return func(m *Manager) {
		m.hydrateRetry = cfg
	}
}

// NewManager creates a Manager on store
func NewManager(store *syncstore.Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "New", "sync store is required")
	}

	m := &Manager{
		store:        store,
		logger:       slog.Default(),
		hydrateRetry: retry.DefaultConfig(),
		bindings:     make(map[string]binder),
		events:       make(chan Event, defaultEventBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "binding")
	m.hydrateRetry.RetryIf = errors.IsTransient
	return m, nil
}

// Bind registers a binding for key. Bindings must be registered before
// Start, and a key can be bound only once.
func Bind[T any](m *Manager, key string, kind Kind, def T) (*Binding[T], error) {
	if err := syncstore.ValidateKey(key); err != nil {
		return nil, err
	}
	if kind != KindCollection && kind != KindScalar {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, kind), "Manager", "Bind", "check kind")
	}

	b, err := newBinding(m, key, kind, def)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil, errors.ErrAlreadyStarted
	}
	if _, ok := m.bindings[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrBindingExists, key)
	}
	m.bindings[key] = b
	m.metrics.RecordBindingState(key, int(StateUninitialized))
	return b, nil
}

// Start hydrates every binding and begins streaming remote changes. Scalar
// keys are read first; a scalar whose read fails hydrates from the first
// snapshot instead.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	m.started = true
	bindings := m.sortedLocked()
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	poolOpts := []worker.Option[writeJob]{worker.WithErrorHandler(m.writeFailed)}
	if m.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[writeJob](m.registry, "statesync_binding_pool"))
	}
	pool := worker.NewPool(m.workers, m.queueSize, m.process, poolOpts...)
	if err := pool.Start(runCtx); err != nil {
		cancel()
		return errors.WrapFatal(err, "Manager", "Start", "start write pool")
	}

	m.mu.Lock()
	m.ctx, m.cancel, m.pool = runCtx, cancel, pool
	m.mu.Unlock()

	for _, b := range bindings {
		b.beginHydration()
		m.monitor.UpdateDegraded(healthName(b.Key()), "hydrating")
	}

	for _, b := range bindings {
		if b.Kind() == KindScalar {
			m.hydrateScalar(ctx, b)
		}
	}

	unsubscribe, err := m.store.Subscribe(runCtx, m.onSnapshot)
	if err != nil {
		_ = pool.Stop(time.Second)
		cancel()
		return errors.Wrap(err, "Manager", "Start", "subscribe")
	}

	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	m.monitor.UpdateHealthy(managerComponent, fmt.Sprintf("%d bindings", len(bindings)))
	m.logger.Info("Binding manager started", "bindings", len(bindings))
	return nil
}

func (m *Manager) hydrateScalar(ctx context.Context, b binder) {
	entry, err := retry.DoWithResult(ctx, m.hydrateRetry, func() (*syncstore.Entry, error) {
		return m.store.GetEntry(ctx, b.Key())
	})
	if err == nil {
		_, err = b.hydrate(entry)
	}
	if err != nil {
		m.hydrateFailed(b, err)
		return
	}
	m.hydrated(b)
}

func (m *Manager) onSnapshot(snap syncstore.Snapshot) {
	m.mu.RLock()
	bindings := m.sortedLocked()
	m.mu.RUnlock()

	for _, b := range bindings {
		var entry *syncstore.Entry
		if e, ok := snap[b.Key()]; ok {
			entry = &e
		}

		switch b.State() {
		case StateHydrating:
			ok, err := b.hydrate(entry)
			if err != nil {
				m.hydrateFailed(b, err)
				continue
			}
			if ok {
				m.hydrated(b)
			}
		case StateHydrated:
			b.applyRemote(entry)
		}
	}
}

func (m *Manager) hydrated(b binder) {
	m.logger.Debug("Binding hydrated", "key", b.Key(), "kind", b.Kind())
	m.monitor.UpdateHealthy(healthName(b.Key()), "hydrated")
	m.emit(Event{Type: EventHydrated, Key: b.Key()})
}

func (m *Manager) hydrateFailed(b binder, err error) {
	m.logger.Error("Binding hydration failed", "key", b.Key(), "error", err)
	m.monitor.RecordError(healthName(b.Key()), err)
	m.emit(Event{Type: EventHydrateFailed, Key: b.Key(), Err: err})
}

func (m *Manager) enqueue(job writeJob) error {
	m.mu.RLock()
	pool, ctx, stopped := m.pool, m.ctx, m.stopped
	m.mu.RUnlock()

	if pool == nil || stopped {
		return errors.ErrNotStarted
	}
	return pool.SubmitWait(ctx, job)
}

func (m *Manager) process(ctx context.Context, job writeJob) error {
	return job.b.persist(ctx, job)
}

func (m *Manager) written(job writeJob) {
	m.monitor.UpdateHealthy(healthName(job.b.Key()), "hydrated")
	m.emit(Event{Type: EventWritten, Key: job.b.Key(), Rev: job.rev})
}

func (m *Manager) writeFailed(job writeJob, err error) {
	m.logger.Error("Binding write failed", "key", job.b.Key(), "rev", job.rev, "error", err)
	m.monitor.RecordError(healthName(job.b.Key()), err)
	m.emit(Event{Type: EventWriteFailed, Key: job.b.Key(), Rev: job.rev, Err: err})
}

// emit never blocks; events are dropped when nobody drains the channel
func (m *Manager) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Debug("Status channel full, dropping event", "type", ev.Type, "key", ev.Key)
	}
}

// Events returns the status channel. It is never closed.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// LeaseLost marks this process read-mostly after the store reported that
// another writer took over. It is advisory: writes still proceed.
func (m *Manager) LeaseLost(reason string) {
	m.leaseLost.Store(true)
	m.logger.Warn("Lease lost, degrading to read-mostly", "reason", reason)
	m.monitor.UpdateDegraded(managerComponent, "lease lost: "+reason)
	m.emit(Event{Type: EventLeaseLost, Err: fmt.Errorf("lease lost: %s", reason)})
}

// ReadMostly reports whether LeaseLost was signalled
func (m *Manager) ReadMostly() bool {
	return m.leaseLost.Load()
}

// Keys returns the bound keys, sorted
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.bindings))
	for k := range m.bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// State returns the state of the binding for key
func (m *Manager) State(key string) (State, error) {
	b, err := m.lookup(key)
	if err != nil {
		return 0, err
	}
	return b.State(), nil
}

// Snapshot returns the hydrated value of key as JSON
func (m *Manager) Snapshot(key string) ([]byte, error) {
	b, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	return b.Snapshot()
}

func (m *Manager) lookup(key string) (binder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return b, nil
}

// Stop ends the subscription, waits up to timeout for queued writes and
// closes every binding.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	unsubscribe, pool, cancel := m.unsubscribe, m.pool, m.cancel
	bindings := m.sortedLocked()
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	var err error
	if pool != nil {
		err = pool.Stop(timeout)
	}
	if cancel != nil {
		cancel()
	}

	for _, b := range bindings {
		b.close()
	}
	m.monitor.UpdateUnhealthy(managerComponent, "stopped")
	m.logger.Info("Binding manager stopped")

	if err != nil {
		return errors.WrapTransient(err, "Manager", "Stop", "drain writes")
	}
	return nil
}

func (m *Manager) sortedLocked() []binder {
	keys := make([]string, 0, len(m.bindings))
	for k := range m.bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]binder, len(keys))
	for i, k := range keys {
		out[i] = m.bindings[k]
	}
	return out
}

func healthName(key string) string {
	return "binding." + key
}
