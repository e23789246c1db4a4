// Package docstore defines the remote document store the sync layer runs
// against and provides NATS JetStream KV, SQLite and in-memory backends.
//
// A store holds named collections of JSON documents addressed by id. Every
// backend enforces the same maximum document size and replays a collection
// to new watchers before streaming live changes.
package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/metric"
)

// DefaultMaxDocumentSize matches the NATS server's default max payload
const DefaultMaxDocumentSize = 1024 * 1024

// Document is one stored document
type Document struct {
	ID       string
	Data     []byte
	Revision uint64
}

// Write is one operation of a Commit batch
type Write struct {
	Collection string
	ID         string
	Data       []byte
	Delete     bool
}

// PutOp builds a create-or-overwrite write
func PutOp(collection, id string, data []byte) Write {
	return Write{Collection: collection, ID: id, Data: data}
}

// DeleteOp builds a delete write
func DeleteOp(collection, id string) Write {
	return Write{Collection: collection, ID: id, Delete: true}
}

// Change is a document event delivered by a Watcher
type Change struct {
	ID       string
	Data     []byte
	Revision uint64
	Deleted  bool
}

// Watcher streams the changes of one collection. Changes first carries
// every existing document, then a nil entry marking the end of the initial
// replay, then live changes. The channel is closed after Stop.
type Watcher interface {
	Changes() <-chan *Change
	Stop() error
}

// UpdateFunc computes the next content of a document from its current
// content, which is nil when the document does not exist.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is the document store contract shared by all backends
type Store interface {
	// Get returns errors.ErrNotFound when the document does not exist.
	Get(ctx context.Context, collection, id string) (*Document, error)
	Put(ctx context.Context, collection, id string, data []byte) error
	// Add creates a document under a new time-ordered id.
	Add(ctx context.Context, collection string, data []byte) (string, error)
	// Update applies fn atomically with respect to other writers.
	Update(ctx context.Context, collection, id string, fn UpdateFunc) error
	// Delete succeeds when the document is already absent.
	Delete(ctx context.Context, collection, id string) error
	// List returns the sorted ids of a collection.
	List(ctx context.Context, collection string) ([]string, error)
	Count(ctx context.Context, collection string) (int, error)
	// Commit applies writes in order. SQLite and memory apply the batch
	// atomically; NATS stops at the first failure, so callers write their
	// commit point last.
	Commit(ctx context.Context, writes []Write) error
	Watch(ctx context.Context, collection string) (Watcher, error)
	MaxDocumentSize() int
	Close() error
}

var (
	collectionPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	idPattern         = regexp.MustCompile(`^[-_=.A-Za-z0-9]+$`)
)

// ValidateCollection checks that a collection name is usable by every backend
func ValidateCollection(name string) error {
	if !collectionPattern.MatchString(name) {
		return fmt.Errorf("%w: collection %q", errors.ErrInvalidKey, name)
	}
	return nil
}

// ValidateID checks that a document id is usable by every backend
func ValidateID(id string) error {
	if !idPattern.MatchString(id) || id[0] == '.' || id[len(id)-1] == '.' {
		return fmt.Errorf("%w: document id %q", errors.ErrInvalidKey, id)
	}
	return nil
}

// NewID returns a new UUIDv7 document id
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Options holds settings shared by the backends
type Options struct {
	MaxDocumentSize int
	Logger          *slog.Logger
	Metrics         *metric.Metrics
}

// Option configures a backend
type Option func(*Options)

// WithMaxDocumentSize sets the largest accepted document in bytes
func WithMaxDocumentSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxDocumentSize = n
		}
	}
}

// WithLogger sets the backend logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithMetrics records store operations into m
func WithMetrics(m *metric.Metrics) Option {
	return func(o *Options) {
		o.Metrics = m
	}
}

func buildOptions(backend string, opts []Option) Options {
	o := Options{
		MaxDocumentSize: DefaultMaxDocumentSize,
		Logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.Logger = o.Logger.With("component", "docstore", "backend", backend)
	return o
}

func (o Options) checkSize(collection, id string, data []byte) error {
	if len(data) > o.MaxDocumentSize {
		return &errors.OversizeError{Key: collection + "/" + id, Size: len(data), Limit: o.MaxDocumentSize}
	}
	return nil
}

func (o Options) validateWrite(w Write) error {
	if err := ValidateCollection(w.Collection); err != nil {
		return err
	}
	if err := ValidateID(w.ID); err != nil {
		return err
	}
	if w.Delete {
		return nil
	}
	return o.checkSize(w.Collection, w.ID, w.Data)
}

// observe returns a completion func recording one operation's outcome
func (o Options) observe(backend, op string) func(error) {
	start := time.Now()
	return func(err error) {
		o.Metrics.RecordStoreOp(backend, op, start, err)
	}
}
