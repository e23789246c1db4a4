package docstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/natsclient"
)

const backendNATS = "nats"

// NATSStore keeps each collection in its own JetStream KV bucket named
// "<prefix>_<collection>". Buckets are created on first use.
type NATSStore struct {
	opts   Options
	client *natsclient.Client
	prefix string

	mu       sync.Mutex
	buckets  map[string]*natsclient.KVStore
	watchers map[*natsWatcher]struct{}
	closed   bool
}

var _ Store = (*NATSStore)(nil)

// NewNATSStore builds a store on a connected client. Close does not close
// the client.
func NewNATSStore(client *natsclient.Client, prefix string, opts ...Option) (*NATSStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSStore", "New", "nats client is required")
	}
	if err := ValidateCollection(prefix); err != nil {
		return nil, errors.WrapInvalid(err, "NATSStore", "New", "validate bucket prefix")
	}

	return &NATSStore{
		opts:     buildOptions(backendNATS, opts),
		client:   client,
		prefix:   prefix,
		buckets:  make(map[string]*natsclient.KVStore),
		watchers: make(map[*natsWatcher]struct{}),
	}, nil
}

// MaxDocumentSize returns the largest accepted document
func (s *NATSStore) MaxDocumentSize() int {
	return s.opts.MaxDocumentSize
}

// BucketName returns the KV bucket backing a collection
func (s *NATSStore) BucketName(collection string) string {
	return s.prefix + "_" + collection
}

func (s *NATSStore) bucket(ctx context.Context, collection string) (*natsclient.KVStore, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.ErrClosed
	}
	if kv, ok := s.buckets[collection]; ok {
		return kv, nil
	}

	name := s.BucketName(collection)
	bucket, err := s.client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:       name,
		Description:  "statesync collection " + collection,
		History:      1,
		MaxValueSize: int32(s.opts.MaxDocumentSize),
	})
	if err != nil {
		return nil, err
	}

	kv := s.client.NewKVStore(bucket, func(o *natsclient.KVOptions) {
		o.MaxValueSize = s.opts.MaxDocumentSize
	})
	s.buckets[collection] = kv
	return kv, nil
}

func wrapNATS(err error, method, action string) error {
	if err == nil {
		return nil
	}
	if errors.IsOversize(err) || errors.IsInvalid(err) {
		return err
	}
	return errors.WrapTransient(err, "NATSStore", method, action)
}

// Get returns one document
func (s *NATSStore) Get(ctx context.Context, collection, id string) (doc *Document, err error) {
	done := s.opts.observe(backendNATS, "get")
	defer func() { done(err) }()

	if err := ValidateID(id); err != nil {
		return nil, err
	}
	kv, err := s.bucket(ctx, collection)
	if err != nil {
		return nil, err
	}

	entry, err := kv.Get(ctx, id)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, errors.ErrNotFound
		}
		return nil, wrapNATS(err, "Get", "read document")
	}
	return &Document{ID: id, Data: entry.Value, Revision: entry.Revision}, nil
}

// Put creates or overwrites a document
func (s *NATSStore) Put(ctx context.Context, collection, id string, data []byte) (err error) {
	done := s.opts.observe(backendNATS, "put")
	defer func() { done(err) }()

	return s.apply(ctx, PutOp(collection, id, data))
}

// Add creates a document under a new id
func (s *NATSStore) Add(ctx context.Context, collection string, data []byte) (id string, err error) {
	done := s.opts.observe(backendNATS, "add")
	defer func() { done(err) }()

	id = NewID()
	if err := s.opts.validateWrite(PutOp(collection, id, data)); err != nil {
		return "", err
	}
	kv, err := s.bucket(ctx, collection)
	if err != nil {
		return "", err
	}
	if _, err := kv.Create(ctx, id, data); err != nil {
		return "", wrapNATS(err, "Add", "create document")
	}
	return id, nil
}

// Update applies fn with CAS, retrying on concurrent writes
func (s *NATSStore) Update(ctx context.Context, collection, id string, fn UpdateFunc) (err error) {
	done := s.opts.observe(backendNATS, "update")
	defer func() { done(err) }()

	if err := ValidateID(id); err != nil {
		return err
	}
	kv, err := s.bucket(ctx, collection)
	if err != nil {
		return err
	}

	err = kv.UpdateWithRetry(ctx, id, func(current []byte) ([]byte, error) {
		next, err := fn(current)
		if err != nil {
			return nil, err
		}
		if err := s.opts.checkSize(collection, id, next); err != nil {
			return nil, err
		}
		return next, nil
	})
	return wrapNATS(err, "Update", "update document")
}

// Delete removes a document
func (s *NATSStore) Delete(ctx context.Context, collection, id string) (err error) {
	done := s.opts.observe(backendNATS, "delete")
	defer func() { done(err) }()

	return s.apply(ctx, DeleteOp(collection, id))
}

// List returns sorted document ids
func (s *NATSStore) List(ctx context.Context, collection string) (ids []string, err error) {
	done := s.opts.observe(backendNATS, "list")
	defer func() { done(err) }()

	kv, err := s.bucket(ctx, collection)
	if err != nil {
		return nil, err
	}
	ids, err = kv.Keys(ctx)
	if err != nil {
		return nil, wrapNATS(err, "List", "list keys")
	}
	return ids, nil
}

// Count returns the number of documents in a collection
func (s *NATSStore) Count(ctx context.Context, collection string) (int, error) {
	ids, err := s.List(ctx, collection)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Commit applies writes one at a time and stops at the first failure.
// Writes before the failure stay applied.
func (s *NATSStore) Commit(ctx context.Context, writes []Write) (err error) {
	done := s.opts.observe(backendNATS, "commit")
	defer func() { done(err) }()

	for _, w := range writes {
		if err := s.opts.validateWrite(w); err != nil {
			return err
		}
	}
	for i, w := range writes {
		if err := s.apply(ctx, w); err != nil {
			return fmt.Errorf("write %d of %d (%s/%s): %w", i+1, len(writes), w.Collection, w.ID, err)
		}
	}
	return nil
}

func (s *NATSStore) apply(ctx context.Context, w Write) error {
	if err := s.opts.validateWrite(w); err != nil {
		return err
	}
	kv, err := s.bucket(ctx, w.Collection)
	if err != nil {
		return err
	}

	if w.Delete {
		return wrapNATS(kv.Delete(ctx, w.ID), "Commit", "delete document")
	}
	_, err = kv.Put(ctx, w.ID, w.Data)
	return wrapNATS(err, "Commit", "put document")
}

// Watch streams a collection's changes from a KV watcher
func (s *NATSStore) Watch(ctx context.Context, collection string) (Watcher, error) {
	kv, err := s.bucket(ctx, collection)
	if err != nil {
		return nil, err
	}

	kw, err := kv.WatchAll(ctx)
	if err != nil {
		return nil, wrapNATS(err, "Watch", "start watcher")
	}

	w := &natsWatcher{
		store: s,
		kw:    kw,
		out:   make(chan *Change),
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		kw.Stop() //nolint:errcheck
		return nil, errors.ErrClosed
	}
	s.watchers[w] = struct{}{}
	s.mu.Unlock()

	go w.run(ctx)
	return w, nil
}

// Close stops all watchers. The client stays open.
func (s *NATSStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watchers := make([]*natsWatcher, 0, len(s.watchers))
	for w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		w.Stop() //nolint:errcheck
	}
	return nil
}

type natsWatcher struct {
	store    *NATSStore
	kw       jetstream.KeyWatcher
	out      chan *Change
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func (w *natsWatcher) Changes() <-chan *Change {
	return w.out
}

func (w *natsWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
		w.stopErr = w.kw.Stop()

		w.store.mu.Lock()
		delete(w.store.watchers, w)
		w.store.mu.Unlock()
	})
	return w.stopErr
}

func (w *natsWatcher) run(ctx context.Context) {
	defer close(w.out)

	for {
		var entry jetstream.KeyValueEntry
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case e, ok := <-w.kw.Updates():
			if !ok {
				return
			}
			entry = e
		}

		var change *Change
		if entry != nil {
			change = &Change{ID: entry.Key(), Revision: entry.Revision()}
			switch entry.Operation() {
			case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
				change.Deleted = true
			default:
				change.Data = entry.Value()
			}
		}

		select {
		case w.out <- change:
		case <-ctx.Done():
			return
		case <-w.done:
			return
		}
	}
}
