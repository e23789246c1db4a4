// Package seed populates collections level by level and wipes them again.
// A level may reference the ids minted by every level before it, so a
// level starts only after the previous one has finished. Progress is
// persisted after every collection so an interrupted run resumes at the
// level it stopped in.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c360/statesync/docstore"
	"github.com/c360/statesync/errors"
	"github.com/c360/statesync/metric"
)

const (
	// DefaultMetaCollection holds the completion flag and the state document
	DefaultMetaCollection = "sync_meta"
	DefaultSchemaVersion  = 1

	deleteBatch = 500
)

// Refs maps a collection to the ids of its documents
type Refs map[string][]string

// Generator produces the records of one collection. refs holds the ids of
// every collection in earlier levels.
type Generator func(refs Refs) ([]any, error)

// Collection is one entry of a level
type Collection struct {
	Name     string
	Generate Generator
	// Forceable collections are wiped and reseeded by a forced run, and
	// when a run resumes their interrupted level. Other collections are
	// never cleared: they are seeded only while empty.
	Forceable bool
}

// Level is a group of collections seeded concurrently
type Level []Collection

// Plan is the ordered list of levels
type Plan []Level

// EventType names a seeding step reported to an observer
type EventType string

const (
	EventCollectionStarted  EventType = "collection_started"
	EventDocumentWritten    EventType = "document_written"
	EventCollectionFinished EventType = "collection_finished"
)

// Event describes one seeding step
type Event struct {
	Type       EventType
	Level      int
	Collection string
	ID         string
	Err        error
	Time       time.Time
}

// Seeder seeds and clears the collections of a plan
type Seeder struct {
	docs           docstore.Store
	plan           Plan
	metaCollection string
	schemaVersion  int
	limiter        *rate.Limiter
	observer       func(Event)
	logger         *slog.Logger
	metrics        *metric.Metrics

	// guards state writes from concurrent collections
	stateMu sync.Mutex
}

// Option configures a Seeder
type Option func(*Seeder)

// WithMetaCollection sets where the flag and state documents live
func WithMetaCollection(name string) Option {
	return func(s *Seeder) {
		if name != "" {
			s.metaCollection = name
		}
	}
}

// WithSchemaVersion sets the version embedded in the flag and state ids
func WithSchemaVersion(v int) Option {
	return func(s *Seeder) {
		if v > 0 {
			s.schemaVersion = v
		}
	}
}

// WithRateLimit caps document adds per second. Zero disables the limit.
func WithRateLimit(perSecond float64) Option {
	return func(s *Seeder) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithObserver receives every seeding step
func WithObserver(fn func(Event)) Option {
	return func(s *Seeder) { s.observer = fn }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Seeder) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records seeding progress into m
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Seeder) { s.metrics = m }
}

// New creates a Seeder for plan
func New(docs docstore.Store, plan Plan, opts ...Option) (*Seeder, error) {
	if docs == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Seeder", "New", "document store is required")
	}

	s := &Seeder{
		docs:           docs,
		plan:           plan,
		metaCollection: DefaultMetaCollection,
		schemaVersion:  DefaultSchemaVersion,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "seed")

	seen := make(map[string]bool)
	for i, level := range plan {
		for _, c := range level {
			if err := docstore.ValidateCollection(c.Name); err != nil {
				return nil, errors.WrapInvalid(err, "Seeder", "New", fmt.Sprintf("level %d", i))
			}
			if c.Generate == nil {
				return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Seeder", "New", "generator for "+c.Name)
			}
			if seen[c.Name] || c.Name == s.metaCollection {
				return nil, errors.WrapInvalid(
					fmt.Errorf("%w: collection %s listed twice", errors.ErrInvalidConfig, c.Name),
					"Seeder", "New", "validate plan")
			}
			seen[c.Name] = true
		}
	}
	return s, nil
}

// FlagID is the id of the completion flag for the schema version
func (s *Seeder) FlagID() string {
	return fmt.Sprintf("hasSeededInitialData_v%d", s.schemaVersion)
}

// StateID is the id of the state document for the schema version
func (s *Seeder) StateID() string {
	return fmt.Sprintf("seed_state_v%d", s.schemaVersion)
}

func (s *Seeder) notify(ev Event) {
	if s.observer == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	s.observer(ev)
}

// SeedCollection fills name with gen's records. An already populated
// collection is left alone unless force is set, in which case every
// existing document is deleted first. It returns the collection's ids.
func (s *Seeder) SeedCollection(ctx context.Context, name string, gen Generator, force bool, refs Refs) ([]string, error) {
	return s.seedCollection(ctx, -1, name, gen, force, refs)
}

func (s *Seeder) seedCollection(ctx context.Context, level int, name string, gen Generator, force bool, refs Refs) ([]string, error) {
	n, err := s.docs.Count(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "Seeder", "SeedCollection", "count "+name)
	}

	if n > 0 {
		if !force {
			s.logger.Debug("Collection already seeded", "collection", name, "documents", n)
			ids, err := s.docs.List(ctx, name)
			return ids, errors.Wrap(err, "Seeder", "SeedCollection", "list "+name)
		}
		if err := s.deleteAll(ctx, name); err != nil {
			return nil, err
		}
	}

	records, err := gen(refs)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Seeder", "SeedCollection", "generate "+name)
	}

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return ids, errors.WrapTransient(err, "Seeder", "SeedCollection", "wait for rate limit")
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return ids, errors.WrapInvalid(err, "Seeder", "SeedCollection", "encode record")
		}
		id, err := s.docs.Add(ctx, name, data)
		if err != nil {
			return ids, errors.Wrap(err, "Seeder", "SeedCollection", "add to "+name)
		}
		ids = append(ids, id)
		s.metrics.RecordSeedDocument(name)
		s.notify(Event{Type: EventDocumentWritten, Level: level, Collection: name, ID: id})
	}

	s.logger.Info("Seeded collection", "collection", name, "documents", len(ids), "forced", force)
	return ids, nil
}

// deleteAll removes every document of a collection in batches
func (s *Seeder) deleteAll(ctx context.Context, name string) error {
	ids, err := s.docs.List(ctx, name)
	if err != nil {
		return errors.Wrap(err, "Seeder", "deleteAll", "list "+name)
	}

	for start := 0; start < len(ids); start += deleteBatch {
		end := min(start+deleteBatch, len(ids))
		writes := make([]docstore.Write, 0, end-start)
		for _, id := range ids[start:end] {
			writes = append(writes, docstore.DeleteOp(name, id))
		}
		if err := s.docs.Commit(ctx, writes); err != nil {
			return errors.Wrap(err, "Seeder", "deleteAll", "delete from "+name)
		}
	}

	s.logger.Debug("Cleared collection", "collection", name, "deleted", len(ids))
	return nil
}

// SeedAll seeds every level in order. Levels already recorded as done are
// skipped unless force is set. Collections of a level that was interrupted
// or failed are cleared and seeded again. The completion flag is set once
// every level is done.
func (s *Seeder) SeedAll(ctx context.Context, force bool) error {
	st, err := s.loadState(ctx)
	if err != nil {
		return err
	}
	if force {
		st = newState(s.schemaVersion, s.plan)
		if err := s.clearFlag(ctx); err != nil {
			return err
		}
	}

	refs := make(Refs)
	for i, level := range s.plan {
		ls := &st.Levels[i]

		if ls.Status == StatusDone {
			if err := s.loadRefs(ctx, level, refs); err != nil {
				return err
			}
			s.logger.Debug("Level already seeded", "level", i)
			continue
		}

		resumed := ls.Status == StatusInProgress || ls.Status == StatusFailed
		if resumed {
			s.logger.Warn("Resuming interrupted level", "level", i, "status", ls.Status)
		}
		ls.Status = StatusInProgress
		ls.Error = ""
		if err := s.saveState(ctx, st); err != nil {
			return err
		}
		s.metrics.RecordSeedLevel(i)

		minted, err := s.seedLevel(ctx, st, i, level, force, resumed, refs)
		if err != nil {
			ls.Status = StatusFailed
			ls.Error = err.Error()
			if saveErr := s.saveState(context.WithoutCancel(ctx), st); saveErr != nil {
				s.logger.Error("Failed to record level failure", "level", i, "error", saveErr)
			}
			return fmt.Errorf("seed level %d: %w", i, err)
		}

		for name, ids := range minted {
			refs[name] = ids
		}
		ls.Status = StatusDone
		if err := s.saveState(ctx, st); err != nil {
			return err
		}
	}

	flag, _ := json.Marshal(map[string]any{"seeded": true, "at": time.Now().UTC()})
	if err := s.docs.Put(ctx, s.metaCollection, s.FlagID(), flag); err != nil {
		return errors.Wrap(err, "Seeder", "SeedAll", "set completion flag")
	}
	s.logger.Info("Seeding complete", "levels", len(s.plan), "flag", s.FlagID())
	return nil
}

// seedLevel runs the collections of one level concurrently. refs is only
// read while the level runs.
func (s *Seeder) seedLevel(ctx context.Context, st *State, index int, level Level, force, resumed bool, refs Refs) (Refs, error) {
	minted := make(Refs, len(level))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range level {
		g.Go(func() error {
			status := s.collectionStatus(st, index, c.Name)
			if status == StatusDone && !force {
				ids, err := s.docs.List(gctx, c.Name)
				if err != nil {
					return errors.Wrap(err, "Seeder", "SeedAll", "list "+c.Name)
				}
				mu.Lock()
				minted[c.Name] = ids
				mu.Unlock()
				return nil
			}

			forced := c.Forceable && (force || resumed)
			if err := s.setCollectionStatus(gctx, st, index, c.Name, StatusInProgress); err != nil {
				return err
			}
			s.notify(Event{Type: EventCollectionStarted, Level: index, Collection: c.Name})

			ids, err := s.seedCollection(gctx, index, c.Name, c.Generate, forced, refs)
			s.notify(Event{Type: EventCollectionFinished, Level: index, Collection: c.Name, Err: err})
			if err != nil {
				_ = s.setCollectionStatus(context.WithoutCancel(gctx), st, index, c.Name, StatusFailed)
				return err
			}

			mu.Lock()
			minted[c.Name] = ids
			mu.Unlock()
			return s.setCollectionStatus(gctx, st, index, c.Name, StatusDone)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return minted, nil
}

func (s *Seeder) loadRefs(ctx context.Context, level Level, refs Refs) error {
	for _, c := range level {
		ids, err := s.docs.List(ctx, c.Name)
		if err != nil {
			return errors.Wrap(err, "Seeder", "SeedAll", "list "+c.Name)
		}
		refs[c.Name] = ids
	}
	return nil
}

func (s *Seeder) collectionStatus(st *State, level int, name string) Status {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return st.Levels[level].Collections[name]
}

func (s *Seeder) setCollectionStatus(ctx context.Context, st *State, level int, name string, status Status) error {
	s.stateMu.Lock()
	st.Levels[level].Collections[name] = status
	s.stateMu.Unlock()
	return s.saveState(ctx, st)
}

// State returns the persisted progress, or a fresh state when none exists
// for the current plan
func (s *Seeder) State(ctx context.Context) (*State, error) {
	return s.loadState(ctx)
}

func (s *Seeder) loadState(ctx context.Context) (*State, error) {
	doc, err := s.docs.Get(ctx, s.metaCollection, s.StateID())
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return newState(s.schemaVersion, s.plan), nil
		}
		return nil, errors.Wrap(err, "Seeder", "loadState", "read state")
	}

	st, err := decodeState(doc.Data)
	if err != nil {
		s.logger.Warn("Discarding unreadable seed state", "error", err)
		return newState(s.schemaVersion, s.plan), nil
	}
	if !st.matches(s.schemaVersion, s.plan) {
		s.logger.Warn("Seed state does not match plan, starting over", "state_id", s.StateID())
		return newState(s.schemaVersion, s.plan), nil
	}
	return st, nil
}

func (s *Seeder) saveState(ctx context.Context, st *State) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	now := time.Now().UTC()
	err := s.docs.Update(ctx, s.metaCollection, s.StateID(), func([]byte) ([]byte, error) {
		for i := range st.Levels {
			st.Levels[i].UpdatedAt = now
		}
		return st.encode()
	})
	return errors.Wrap(err, "Seeder", "saveState", "write state")
}

// Seeded reports whether the completion flag is set
func (s *Seeder) Seeded(ctx context.Context) (bool, error) {
	_, err := s.docs.Get(ctx, s.metaCollection, s.FlagID())
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return false, nil
		}
		return false, errors.Wrap(err, "Seeder", "Seeded", "read flag")
	}
	return true, nil
}

func (s *Seeder) clearFlag(ctx context.Context) error {
	err := s.docs.Commit(ctx, []docstore.Write{
		docstore.DeleteOp(s.metaCollection, s.FlagID()),
	})
	return errors.Wrap(err, "Seeder", "clearFlag", "delete flag")
}

// ClearAllData deletes every document of every collection in the plan and
// clears the completion flag and the state document
func (s *Seeder) ClearAllData(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, level := range s.plan {
		for _, c := range level {
			g.Go(func() error { return s.deleteAll(gctx, c.Name) })
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	err := s.docs.Commit(ctx, []docstore.Write{
		docstore.DeleteOp(s.metaCollection, s.FlagID()),
		docstore.DeleteOp(s.metaCollection, s.StateID()),
	})
	if err != nil {
		return errors.Wrap(err, "Seeder", "ClearAllData", "delete flag and state")
	}
	s.logger.Info("Cleared all seeded data")
	return nil
}
