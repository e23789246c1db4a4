package binding

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/syncstore"
)

// Suppression reasons reported in metrics
const (
	reasonEcho      = "echo"
	reasonUnchanged = "unchanged"
	reasonLocalNoop = "local_noop"
	reasonSupersede = "superseded"
)

// binder is the type-erased view of a Binding the manager works with
type binder interface {
	Key() string
	Kind() Kind
	State() State
	Snapshot() (json.RawMessage, error)

	beginHydration()
	hydrate(entry *syncstore.Entry) (bool, error)
	applyRemote(entry *syncstore.Entry)
	persist(ctx context.Context, job writeJob) error
	close()
}

type writeJob struct {
	b    binder
	seq  uint64
	rev  string
	data json.RawMessage
}

// Binding mirrors one stored key as a local value of type T. Local changes
// are written back asynchronously once the binding is hydrated; remote
// changes are applied without being written again.
type Binding[T any] struct {
	m       *Manager
	key     string
	kind    Kind
	def     T
	defData json.RawMessage

	mu     sync.Mutex
	state  State
	value  T
	data   json.RawMessage
	digest uint64
	// bumped on every change of value
	version uint64
	seq     uint64
	// seq assigned when a remote value was last adopted
	remoteSeq uint64
	// revisions written by this binding whose echo has not arrived
	pending map[string]uint64

	// serializes writes of this key
	writeMu sync.Mutex

	obsMu     sync.Mutex
	observers map[uint64]func(T)
	nextObs   uint64
}

var _ binder = (*Binding[int])(nil)

func newBinding[T any](m *Manager, key string, kind Kind, def T) (*Binding[T], error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "Binding", "New", "encode default")
	}
	return &Binding[T]{
		m:         m,
		key:       key,
		kind:      kind,
		def:       def,
		defData:   data,
		value:     def,
		data:      data,
		digest:    xxh3.Hash(data),
		pending:   make(map[string]uint64),
		observers: make(map[uint64]func(T)),
	}, nil
}

// Key returns the bound storage key
func (b *Binding[T]) Key() string { return b.key }

// Kind returns the declared kind
func (b *Binding[T]) Kind() Kind { return b.kind }

// State returns the lifecycle state
func (b *Binding[T]) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Get returns the current local value
func (b *Binding[T]) Get() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Snapshot returns the JSON encoding of the hydrated value
func (b *Binding[T]) Snapshot() (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateHydrated {
		return nil, fmt.Errorf("%w: %q is %s", ErrNotHydrated, b.key, b.state)
	}
	out := make(json.RawMessage, len(b.data))
	copy(out, b.data)
	return out, nil
}

// Subscribe registers fn to be called with every new local value, whether
// it came from Set, Update or the store. The returned func unregisters it.
func (b *Binding[T]) Subscribe(fn func(T)) func() {
	b.obsMu.Lock()
	id := b.nextObs
	b.nextObs++
	b.observers[id] = fn
	b.obsMu.Unlock()

	return func() {
		b.obsMu.Lock()
		delete(b.observers, id)
		b.obsMu.Unlock()
	}
}

func (b *Binding[T]) notify(v T) {
	b.obsMu.Lock()
	fns := make([]func(T), 0, len(b.observers))
	for _, fn := range b.observers {
		fns = append(fns, fn)
	}
	b.obsMu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Set replaces the local value. Before hydration only the local mirror
// changes; hydration then replaces it.
func (b *Binding[T]) Set(v T) error {
	b.mu.Lock()
	job, changed, err := b.commitLocked(v)
	b.mu.Unlock()
	return b.afterLocal(v, job, changed, err)
}

// Update replaces the local value with fn applied to the current one. fn
// runs without the binding's lock held and may be called again when another
// change lands while it runs, so it should not have side effects.
func (b *Binding[T]) Update(fn func(T) T) error {
	for {
		b.mu.Lock()
		current, version := b.value, b.version
		b.mu.Unlock()

		v := fn(current)

		b.mu.Lock()
		if b.version != version {
			b.mu.Unlock()
			continue
		}
		job, changed, err := b.commitLocked(v)
		b.mu.Unlock()
		return b.afterLocal(v, job, changed, err)
	}
}

func (b *Binding[T]) setLocked(v T, data json.RawMessage, digest uint64) {
	b.value, b.data, b.digest = v, data, digest
	b.version++
}

// commitLocked stores v locally and prepares its write when one is due
func (b *Binding[T]) commitLocked(v T) (*writeJob, bool, error) {
	if b.state == StateClosed {
		return nil, false, errors.ErrClosed
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, false, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "Binding", "Set", "encode value")
	}
	digest := xxh3.Hash(data)

	if b.state != StateHydrated {
		b.setLocked(v, data, digest)
		return nil, true, nil
	}
	if digest == b.digest {
		b.m.metrics.RecordEchoSuppressed(b.key, reasonLocalNoop)
		return nil, false, nil
	}

	b.setLocked(v, data, digest)
	b.seq++
	job := &writeJob{b: b, seq: b.seq, rev: syncstore.NewRevision(), data: data}
	b.pending[job.rev] = job.seq
	return job, true, nil
}

func (b *Binding[T]) afterLocal(v T, job *writeJob, changed bool, err error) error {
	if err != nil {
		return err
	}
	if changed {
		b.notify(v)
	}
	if job == nil {
		return nil
	}

	if err := b.m.enqueue(*job); err != nil {
		b.forget(job.rev)
		b.m.writeFailed(*job, err)
		return err
	}
	return nil
}

func (b *Binding[T]) forget(rev string) {
	b.mu.Lock()
	delete(b.pending, rev)
	b.mu.Unlock()
}

// decode turns a stored entry into a value and its canonical encoding. A
// nil entry yields the default.
func (b *Binding[T]) decode(entry *syncstore.Entry) (T, json.RawMessage, error) {
	if entry == nil {
		return b.def, b.defData, nil
	}

	var v T
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return v, nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err), "Binding", "decode", "decode stored value")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v, nil, errors.WrapInvalid(err, "Binding", "decode", "encode stored value")
	}
	return v, data, nil
}

func (b *Binding[T]) beginHydration() {
	b.mu.Lock()
	if b.state == StateUninitialized {
		b.state = StateHydrating
	}
	b.mu.Unlock()
	b.m.metrics.RecordBindingState(b.key, int(StateHydrating))
}

// hydrate adopts entry as the authoritative value. It reports false when
// the binding was not waiting for hydration.
func (b *Binding[T]) hydrate(entry *syncstore.Entry) (bool, error) {
	b.mu.Lock()
	if b.state != StateHydrating {
		b.mu.Unlock()
		return false, nil
	}

	v, data, err := b.decode(entry)
	if err != nil {
		b.mu.Unlock()
		return false, err
	}
	b.setLocked(v, data, xxh3.Hash(data))
	b.state = StateHydrated
	b.mu.Unlock()

	b.m.metrics.RecordBindingState(b.key, int(StateHydrated))
	b.notify(v)
	return true, nil
}

// applyRemote adopts a change delivered after hydration
func (b *Binding[T]) applyRemote(entry *syncstore.Entry) {
	b.mu.Lock()
	if b.state != StateHydrated {
		b.mu.Unlock()
		return
	}

	if entry != nil && entry.Rev != "" {
		if seq, ok := b.pending[entry.Rev]; ok {
			for rev, s := range b.pending {
				if s <= seq {
					delete(b.pending, rev)
				}
			}
			// A write that landed after a remote value was adopted is
			// what the store holds now, so it is applied like any other.
			if seq >= b.remoteSeq {
				b.mu.Unlock()
				b.m.metrics.RecordEchoSuppressed(b.key, reasonEcho)
				return
			}
		}
	}

	v, data, err := b.decode(entry)
	if err != nil {
		b.mu.Unlock()
		b.m.logger.Warn("Ignoring undecodable remote value", "key", b.key, "error", err)
		return
	}
	digest := xxh3.Hash(data)
	if digest == b.digest {
		b.mu.Unlock()
		b.m.metrics.RecordEchoSuppressed(b.key, reasonUnchanged)
		return
	}

	b.setLocked(v, data, digest)
	// queued local writes are older than this value
	b.seq++
	b.remoteSeq = b.seq
	rev := ""
	if entry != nil {
		rev = entry.Rev
	}
	b.mu.Unlock()

	b.notify(v)
	b.m.emit(Event{Type: EventRemoteApplied, Key: b.key, Rev: rev})
}

// persist writes a queued local change unless a newer one replaced it
func (b *Binding[T]) persist(ctx context.Context, job writeJob) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.Lock()
	superseded := job.seq < b.seq
	if superseded {
		delete(b.pending, job.rev)
	}
	b.mu.Unlock()

	if superseded {
		b.m.metrics.RecordEchoSuppressed(b.key, reasonSupersede)
		return nil
	}

	err := b.m.store.SetWithRevision(ctx, b.key, job.data, job.rev)
	b.m.metrics.RecordBindingWrite(b.key, err)
	if err != nil {
		b.forget(job.rev)
		return err
	}
	b.m.written(job)
	return nil
}

func (b *Binding[T]) close() {
	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()
	b.m.metrics.RecordBindingState(b.key, int(StateClosed))
}
