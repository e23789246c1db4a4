// Package syncstore stores JSON values under string keys in a
// size-limited document store. Arrays too large for one document are split
// into shards that are written before their parent record; other values
// that cannot fit are rejected.
package syncstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/c360/statesync/docstore"
	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/metric"
)

// Defaults for collections and size thresholds
const (
	DefaultCollection      = "sync_state"
	DefaultShardCollection = "sync_shards"
	DefaultSingleThreshold = 500_000
	DefaultShardLimit      = 800_000

	// ShardOverhead is the room a shard document needs beyond its items for
	// the index, key, generation and timestamp
	ShardOverhead = 320
	// MaxKeyLength bounds a storage key
	MaxKeyLength = 128

	// room for a single record's type and rev
	recordOverhead = 128

	gcDeleteBatch = 500
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateKey checks that key can name a stored value
func ValidateKey(key string) error {
	if len(key) > MaxKeyLength || !keyPattern.MatchString(key) {
		return fmt.Errorf("%w: storage key %q", errors.ErrInvalidKey, key)
	}
	return nil
}

// Entry is a stored value with the revision id of the write that produced it
type Entry struct {
	Value json.RawMessage
	Rev   string
}

// Store maps keys to JSON values on a docstore.Store
type Store struct {
	docs docstore.Store

	collection      string
	shardCollection string
	singleThreshold int
	shardLimit      int

	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithCollections sets the record and shard collections
func WithCollections(records, shards string) Option {
	return func(s *Store) {
		if records != "" {
			s.collection = records
		}
		if shards != "" {
			s.shardCollection = shards
		}
	}
}

// WithThresholds sets the serialized size above which values are chunked and
// the size limit of one shard's items
func WithThresholds(single, shard int) Option {
	return func(s *Store) {
		if single > 0 {
			s.singleThreshold = single
		}
		if shard > 0 {
			s.shardLimit = shard
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records writes, emissions and garbage collection into m
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// New creates a Store on docs
func New(docs docstore.Store, opts ...Option) (*Store, error) {
	if docs == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "SyncStore", "New", "document store is required")
	}

	s := &Store{
		docs:            docs,
		collection:      DefaultCollection,
		shardCollection: DefaultShardCollection,
		singleThreshold: DefaultSingleThreshold,
		shardLimit:      DefaultShardLimit,
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "syncstore")

	for _, c := range []string{s.collection, s.shardCollection} {
		if err := docstore.ValidateCollection(c); err != nil {
			return nil, errors.WrapInvalid(err, "SyncStore", "New", "validate collection")
		}
	}
	if s.collection == s.shardCollection {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "SyncStore", "New",
			"record and shard collections must differ")
	}
	if s.singleThreshold > docs.MaxDocumentSize() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: single threshold %d exceeds document limit %d",
				errors.ErrInvalidConfig, s.singleThreshold, docs.MaxDocumentSize()),
			"SyncStore", "New", "validate thresholds")
	}
	if s.shardLimit+ShardOverhead > docs.MaxDocumentSize() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: shard limit %d plus %d bytes of shard header exceeds document limit %d",
				errors.ErrInvalidConfig, s.shardLimit, ShardOverhead, docs.MaxDocumentSize()),
			"SyncStore", "New", "validate thresholds")
	}
	return s, nil
}

// Collection returns the record collection
func (s *Store) Collection() string { return s.collection }

// ShardCollection returns the shard collection
func (s *Store) ShardCollection() string { return s.shardCollection }

// Get returns the value stored under key. found is false when the key is
// absent.
func (s *Store) Get(ctx context.Context, key string) (value json.RawMessage, found bool, err error) {
	entry, err := s.GetEntry(ctx, key)
	if err != nil || entry == nil {
		return nil, false, err
	}
	return entry.Value, true, nil
}

// GetEntry returns the value and revision stored under key, or nil when the
// key is absent. A chunked value whose shards cannot all be read returns a
// *errors.ShardReconstructionError.
func (s *Store) GetEntry(ctx context.Context, key string) (*Entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	doc, err := s.docs.Get(ctx, s.collection, key)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "SyncStore", "Get", "read record")
	}

	rec, err := decodeRecord(key, doc.Data)
	if err != nil {
		return nil, errors.WrapInvalid(err, "SyncStore", "Get", "decode record")
	}
	return s.resolve(ctx, key, rec)
}

func (s *Store) resolve(ctx context.Context, key string, rec *record) (*Entry, error) {
	if rec.Type == TypeSingle {
		return &Entry{Value: rec.Value, Rev: rec.Rev}, nil
	}
	value, err := s.fetchShards(ctx, key, rec)
	if err != nil {
		return nil, err
	}
	return &Entry{Value: value, Rev: rec.Rev}, nil
}

// fetchShards reads every shard of a chunked record in parallel and joins
// their items in index order
func (s *Store) fetchShards(ctx context.Context, key string, rec *record) (json.RawMessage, error) {
	shards := make([][]json.RawMessage, rec.ShardCount)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < rec.ShardCount; i++ {
		g.Go(func() error {
			doc, err := s.docs.Get(gctx, s.shardCollection, shardID(key, rec.Generation, i))
			if err != nil {
				return &errors.ShardReconstructionError{Key: key, Index: i, Err: err}
			}

			var sd shardDoc
			if err := json.Unmarshal(doc.Data, &sd); err != nil {
				return &errors.ShardReconstructionError{Key: key, Index: i,
					Err: fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err)}
			}
			if sd.Index != i || sd.Generation != rec.Generation {
				return &errors.ShardReconstructionError{Key: key, Index: i,
					Err: fmt.Errorf("%w: shard header mismatch", errors.ErrDataCorrupted)}
			}
			shards[i] = sd.Items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return joinItems(shards), nil
}

// Set stores value under key with a new revision id
func (s *Store) Set(ctx context.Context, key string, value any) error {
	return s.SetWithRevision(ctx, key, value, NewRevision())
}

// SetWithRevision stores value under key tagged with rev. When an error is
// returned the write did not take effect: shards may have been written, but
// the parent record still names the previous value.
func (s *Store) SetWithRevision(ctx context.Context, key string, value any, rev string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "SyncStore", "Set", "encode value")
	}

	if len(data) < s.singleThreshold {
		return s.writeSingle(ctx, key, data, rev)
	}
	if !isArray(data) {
		return s.writeOversizedSingle(ctx, key, data, rev)
	}
	return s.writeChunked(ctx, key, data, rev)
}

func (s *Store) writeSingle(ctx context.Context, key string, data json.RawMessage, rev string) error {
	body, err := json.Marshal(record{Type: TypeSingle, Value: data, Rev: rev})
	if err != nil {
		return errors.WrapInvalid(err, "SyncStore", "Set", "encode record")
	}
	if err := s.docs.Put(ctx, s.collection, key, body); err != nil {
		return errors.Wrap(err, "SyncStore", "Set", "write record")
	}
	s.metrics.RecordWrite(TypeSingle, 0)
	return nil
}

// writeOversizedSingle stores a non-array value above the chunk threshold
// when it still fits one document
func (s *Store) writeOversizedSingle(ctx context.Context, key string, data json.RawMessage, rev string) error {
	limit := s.docs.MaxDocumentSize()
	if len(data)+recordOverhead > limit {
		return &errors.OversizeError{Key: key, Size: len(data), Limit: limit - recordOverhead}
	}

	s.logger.Warn("Value above chunk threshold cannot be sharded, storing as one document",
		"key", key, "bytes", len(data), "threshold", s.singleThreshold)
	return s.writeSingle(ctx, key, data, rev)
}

func (s *Store) writeChunked(ctx context.Context, key string, data json.RawMessage, rev string) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "SyncStore", "Set", "split array")
	}

	generation := NewRevision()
	now := s.now().UTC()
	groups := partition(items, s.shardLimit)
	limit := s.docs.MaxDocumentSize()
	if len(groups) > MaxShardCount {
		return &errors.OversizeError{Key: key, Size: len(data), Limit: MaxShardCount * s.shardLimit}
	}

	writes := make([]docstore.Write, 0, len(groups)+1)
	for i, group := range groups {
		body, err := encodeShard(shardDoc{
			Index:      i,
			Items:      group,
			Key:        key,
			Generation: generation,
			WrittenAt:  now,
		})
		if err != nil {
			return errors.WrapInvalid(err, "SyncStore", "Set", "encode shard")
		}
		if len(body) > limit {
			return &errors.OversizeError{Key: key, Size: len(body), Limit: limit}
		}
		writes = append(writes, docstore.PutOp(s.shardCollection, shardID(key, generation, i), body))
	}

	parent, err := json.Marshal(record{
		Type:       TypeChunked,
		ShardCount: len(groups),
		Generation: generation,
		Rev:        rev,
	})
	if err != nil {
		return errors.WrapInvalid(err, "SyncStore", "Set", "encode record")
	}
	// The parent goes last so readers never see a partial shard set
	writes = append(writes, docstore.PutOp(s.collection, key, parent))

	if err := s.docs.Commit(ctx, writes); err != nil {
		return errors.Wrap(err, "SyncStore", "Set", "write shards")
	}

	s.metrics.RecordWrite(TypeChunked, len(groups))
	s.logger.Debug("Stored chunked value", "key", key, "bytes", len(data),
		"items", len(items), "shards", len(groups), "generation", generation)
	return nil
}

// Remove deletes the record under key. Its shards are left for
// CollectGarbage.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.docs.Delete(ctx, s.collection, key); err != nil {
		return errors.Wrap(err, "SyncStore", "Remove", "delete record")
	}
	return nil
}

// Keys returns the stored keys, sorted
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.docs.List(ctx, s.collection)
	if err != nil {
		return nil, errors.Wrap(err, "SyncStore", "Keys", "list records")
	}
	return keys, nil
}

// CollectGarbage deletes shards that no current record references and that
// were written more than grace ago. The grace period covers writers whose
// parent record is not committed yet. It returns the number of shards
// removed.
func (s *Store) CollectGarbage(ctx context.Context, grace time.Duration) (int, error) {
	current, err := s.currentGenerations(ctx)
	if err != nil {
		return 0, err
	}

	ids, err := s.docs.List(ctx, s.shardCollection)
	if err != nil {
		return 0, errors.Wrap(err, "SyncStore", "CollectGarbage", "list shards")
	}

	cutoff := s.now().Add(-grace)
	var doomed []string
	for _, id := range ids {
		key, generation, ok := parseShardID(id)
		if ok && current[key] == generation {
			continue
		}

		doc, err := s.docs.Get(ctx, s.shardCollection, id)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			return 0, errors.Wrap(err, "SyncStore", "CollectGarbage", "read shard")
		}
		var hdr shardHeader
		if err := json.Unmarshal(doc.Data, &hdr); err != nil {
			s.logger.Warn("Removing undecodable shard", "id", id, "error", err)
			doomed = append(doomed, id)
			continue
		}
		if hdr.WrittenAt.Before(cutoff) {
			doomed = append(doomed, id)
		}
	}
	sort.Strings(doomed)

	removed := 0
	for start := 0; start < len(doomed); start += gcDeleteBatch {
		end := min(start+gcDeleteBatch, len(doomed))
		writes := make([]docstore.Write, 0, end-start)
		for _, id := range doomed[start:end] {
			writes = append(writes, docstore.DeleteOp(s.shardCollection, id))
		}
		if err := s.docs.Commit(ctx, writes); err != nil {
			s.metrics.RecordShardsCollected(removed)
			return removed, errors.Wrap(err, "SyncStore", "CollectGarbage", "delete shards")
		}
		removed += len(writes)
	}

	s.metrics.RecordShardsCollected(removed)
	if removed > 0 {
		s.logger.Info("Collected orphaned shards", "removed", removed, "scanned", len(ids))
	}
	return removed, nil
}

// currentGenerations maps each chunked key to the generation its record names
func (s *Store) currentGenerations(ctx context.Context) (map[string]string, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}

	current := make(map[string]string, len(keys))
	for _, key := range keys {
		doc, err := s.docs.Get(ctx, s.collection, key)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			return nil, errors.Wrap(err, "SyncStore", "CollectGarbage", "read record")
		}
		rec, err := decodeRecord(key, doc.Data)
		if err != nil {
			// Keep the shards of a record we cannot read
			return nil, errors.WrapInvalid(err, "SyncStore", "CollectGarbage", "decode record")
		}
		if rec.Type == TypeChunked {
			current[key] = rec.Generation
		}
	}
	return current, nil
}

// NewRevision returns a new time-ordered revision id
func NewRevision() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
