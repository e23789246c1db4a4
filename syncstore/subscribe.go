package syncstore

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/statesync/docstore"
	"github.com/c360/statesync/errors"
)

// maxParallelRebuilds bounds concurrent chunked-value rebuilds per emission
const maxParallelRebuilds = 8

// Snapshot is the complete key to entry map of the record collection.
// Snapshots are shared with other subscribers and must not be modified.
type Snapshot map[string]Entry

// SubscribeFunc receives every snapshot. Calls are serialized and never
// deliver an older snapshot after a newer one.
type SubscribeFunc func(Snapshot)

// Subscribe watches the record collection and calls fn with a complete
// snapshot after the initial replay and after every change. A chunked value
// whose shards cannot be read is left out of the snapshot it would belong
// to. The returned func stops delivery; shard reads already issued finish
// in the background and their results are dropped.
func (s *Store) Subscribe(ctx context.Context, fn SubscribeFunc) (func(), error) {
	if fn == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "SyncStore", "Subscribe", "callback is required")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	watcher, err := s.docs.Watch(loopCtx, s.collection)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "SyncStore", "Subscribe", "watch records")
	}

	sub := &subscription{
		store:    s,
		fn:       fn,
		watcher:  watcher,
		fetchCtx: context.WithoutCancel(ctx),
		cancel:   cancel,
		cache:    make(map[string]cachedValue),
	}
	go sub.run(loopCtx)

	return sub.stop, nil
}

type cachedValue struct {
	generation string
	value      json.RawMessage
}

type subscription struct {
	store    *Store
	fn       SubscribeFunc
	watcher  docstore.Watcher
	fetchCtx context.Context
	cancel   context.CancelFunc

	// generation is owned by run
	generation uint64
	stopped    atomic.Bool
	stopOnce   sync.Once

	deliverMu sync.Mutex
	delivered uint64

	cacheMu sync.Mutex
	cache   map[string]cachedValue
}

func (sub *subscription) stop() {
	sub.stopOnce.Do(func() {
		sub.stopped.Store(true)
		sub.cancel()
		_ = sub.watcher.Stop()
	})
}

func (sub *subscription) run(ctx context.Context) {
	records := make(map[string][]byte)
	replayed := false
	changes := sub.watcher.Changes()

	apply := func(c *docstore.Change) {
		switch {
		case c == nil:
			replayed = true
		case c.Deleted:
			delete(records, c.ID)
		default:
			records[c.ID] = c.Data
		}
	}

	for {
		var c *docstore.Change
		var ok bool
		select {
		case <-ctx.Done():
			return
		case c, ok = <-changes:
		}
		if !ok {
			sub.feedClosed()
			return
		}
		apply(c)

		// Fold changes that are already waiting into one emission
		closed := false
	drain:
		for {
			select {
			case c, ok = <-changes:
				if !ok {
					closed = true
					break drain
				}
				apply(c)
			default:
				break drain
			}
		}

		if replayed {
			sub.emit(records)
		}
		if closed {
			sub.feedClosed()
			return
		}
	}
}

func (sub *subscription) feedClosed() {
	if !sub.stopped.Load() {
		sub.store.logger.Warn("Record feed closed", "collection", sub.store.collection)
	}
}

func (sub *subscription) emit(records map[string][]byte) {
	sub.generation++
	gen := sub.generation

	batch := make(map[string][]byte, len(records))
	for k, v := range records {
		batch[k] = v
	}
	go sub.build(gen, batch)
}

type pendingFetch struct {
	key string
	rec *record
}

// build resolves a batch of raw records into a snapshot and delivers it
// unless a newer one got there first
func (sub *subscription) build(gen uint64, batch map[string][]byte) {
	start := time.Now()
	s := sub.store

	snapshot := make(Snapshot, len(batch))
	generations := make(map[string]string)

	// Single and cached values are resolved before any fetch starts, so
	// only the fetches below write snapshot concurrently
	var fetches []pendingFetch
	for key, data := range batch {
		rec, err := decodeRecord(key, data)
		if err != nil {
			s.logger.Warn("Dropping undecodable record", "key", key, "error", err)
			s.metrics.RecordDroppedKey(key)
			continue
		}
		if rec.Type == TypeSingle {
			snapshot[key] = Entry{Value: rec.Value, Rev: rec.Rev}
			continue
		}

		generations[key] = rec.Generation
		if value, ok := sub.cached(key, rec.Generation); ok {
			snapshot[key] = Entry{Value: value, Rev: rec.Rev}
			continue
		}
		fetches = append(fetches, pendingFetch{key: key, rec: rec})
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(maxParallelRebuilds)

	for _, f := range fetches {
		g.Go(func() error {
			value, err := s.fetchShards(sub.fetchCtx, f.key, f.rec)
			if err != nil {
				s.logger.Warn("Dropping key with unreadable shards", "key", f.key, "error", err)
				s.metrics.RecordDroppedKey(f.key)
				return nil
			}
			sub.remember(f.key, f.rec.Generation, value)

			mu.Lock()
			snapshot[f.key] = Entry{Value: value, Rev: f.rec.Rev}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sub.deliver(gen, snapshot, generations, start)
}

func (sub *subscription) deliver(gen uint64, snapshot Snapshot, generations map[string]string, start time.Time) {
	sub.deliverMu.Lock()
	defer sub.deliverMu.Unlock()

	if sub.stopped.Load() {
		return
	}
	if gen <= sub.delivered {
		sub.store.metrics.RecordStaleEmission()
		sub.store.logger.Debug("Discarding stale snapshot", "generation", gen, "delivered", sub.delivered)
		return
	}
	sub.delivered = gen
	sub.prune(generations)

	sub.fn(snapshot)
	sub.store.metrics.RecordEmission(time.Since(start))
}

func (sub *subscription) cached(key, generation string) (json.RawMessage, bool) {
	sub.cacheMu.Lock()
	defer sub.cacheMu.Unlock()
	c, ok := sub.cache[key]
	if !ok || c.generation != generation {
		return nil, false
	}
	return c.value, true
}

func (sub *subscription) remember(key, generation string, value json.RawMessage) {
	sub.cacheMu.Lock()
	defer sub.cacheMu.Unlock()
	sub.cache[key] = cachedValue{generation: generation, value: value}
}

// prune drops cached values that the delivered snapshot no longer names
func (sub *subscription) prune(generations map[string]string) {
	sub.cacheMu.Lock()
	defer sub.cacheMu.Unlock()
	for key, c := range sub.cache {
		if generations[key] != c.generation {
			delete(sub.cache, key)
		}
	}
}
