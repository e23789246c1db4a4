package docstore

import (
	"context"
	"sort"
	"sync"

	"github.com/c360/statesync/errors"
)

const backendMemory = "memory"

// MemoryStore keeps collections in process memory. Batches are atomic.
type MemoryStore struct {
	opts Options
	hub  *hub

	mu          sync.RWMutex
	collections map[string]map[string]Document
	revision    uint64
	closed      bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:        buildOptions(backendMemory, opts),
		hub:         newHub(),
		collections: make(map[string]map[string]Document),
	}
}

// MaxDocumentSize returns the largest accepted document
func (s *MemoryStore) MaxDocumentSize() int {
	return s.opts.MaxDocumentSize
}

func (s *MemoryStore) checkOpen() error {
	if s.closed {
		return errors.ErrClosed
	}
	return nil
}

// Get returns one document
func (s *MemoryStore) Get(_ context.Context, collection, id string) (doc *Document, err error) {
	done := s.opts.observe(backendMemory, "get")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	d, ok := s.collections[collection][id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return &Document{ID: d.ID, Data: cloneBytes(d.Data), Revision: d.Revision}, nil
}

// Put creates or overwrites a document
func (s *MemoryStore) Put(ctx context.Context, collection, id string, data []byte) error {
	return s.Commit(ctx, []Write{PutOp(collection, id, data)})
}

// Add creates a document under a new id
func (s *MemoryStore) Add(ctx context.Context, collection string, data []byte) (string, error) {
	id := NewID()
	if err := s.Commit(ctx, []Write{PutOp(collection, id, data)}); err != nil {
		return "", err
	}
	return id, nil
}

// Update applies fn under the store lock
func (s *MemoryStore) Update(_ context.Context, collection, id string, fn UpdateFunc) (err error) {
	done := s.opts.observe(backendMemory, "update")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	var current []byte
	if d, ok := s.collections[collection][id]; ok {
		current = cloneBytes(d.Data)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	w := PutOp(collection, id, next)
	if err := s.opts.validateWrite(w); err != nil {
		return err
	}
	s.applyLocked([]Write{w})
	return nil
}

// Delete removes a document
func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	return s.Commit(ctx, []Write{DeleteOp(collection, id)})
}

// List returns sorted document ids
func (s *MemoryStore) List(_ context.Context, collection string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(s.collections[collection]))
	for id := range s.collections[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Count returns the number of documents in a collection
func (s *MemoryStore) Count(_ context.Context, collection string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return len(s.collections[collection]), nil
}

// Commit validates every write, then applies them all
func (s *MemoryStore) Commit(_ context.Context, writes []Write) (err error) {
	done := s.opts.observe(backendMemory, "commit")
	defer func() { done(err) }()

	for _, w := range writes {
		if err := s.opts.validateWrite(w); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	s.applyLocked(writes)
	return nil
}

func (s *MemoryStore) applyLocked(writes []Write) {
	changes := make(map[string][]*Change)
	for _, w := range writes {
		docs := s.collections[w.Collection]
		if w.Delete {
			if _, ok := docs[w.ID]; !ok {
				continue
			}
			delete(docs, w.ID)
			s.revision++
			changes[w.Collection] = append(changes[w.Collection], &Change{ID: w.ID, Revision: s.revision, Deleted: true})
			continue
		}
		if docs == nil {
			docs = make(map[string]Document)
			s.collections[w.Collection] = docs
		}
		s.revision++
		data := cloneBytes(w.Data)
		docs[w.ID] = Document{ID: w.ID, Data: data, Revision: s.revision}
		changes[w.Collection] = append(changes[w.Collection], &Change{ID: w.ID, Data: data, Revision: s.revision})
	}
	for collection, cs := range changes {
		s.hub.publish(collection, cs...)
	}
}

// Watch streams a collection's changes
func (s *MemoryStore) Watch(ctx context.Context, collection string) (Watcher, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(s.collections[collection]))
	for id := range s.collections[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	initial := make([]*Change, 0, len(ids))
	for _, id := range ids {
		d := s.collections[collection][id]
		initial = append(initial, &Change{ID: id, Data: d.Data, Revision: d.Revision})
	}
	return s.hub.subscribe(ctx, collection, initial), nil
}

// Close stops all watchers; later operations fail
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.hub.closeAll()
	return nil
}
