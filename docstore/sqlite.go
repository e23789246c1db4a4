package docstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/c360/statesync/errors"
)

const backendSQLite = "sqlite"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       BLOB NOT NULL,
	revision   INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS documents_revision ON documents (revision);
`

// SQLiteStore persists collections in one SQLite table. Every write runs in
// a transaction, so a Commit batch is atomic. Watches are served in-process
// and only see writes made through this store.
type SQLiteStore struct {
	opts Options
	hub  *hub
	db   *sql.DB

	// mu serializes writers and watch registration
	mu              sync.Mutex
	revision        uint64
	pendingRevision uint64
	closed          bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at path. Use ":memory:" for a
// private in-memory database.
func OpenSQLite(path string, opts ...Option) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.WrapFatal(err, "SQLiteStore", "Open", "create data directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.WrapFatal(err, "SQLiteStore", "Open", "open database")
	}
	// A single connection keeps ":memory:" databases shared and writes ordered
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, errors.WrapFatal(err, "SQLiteStore", "Open", "initialize schema")
		}
	}

	var maxRev sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(revision) FROM documents`).Scan(&maxRev); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "SQLiteStore", "Open", "read revision")
	}

	s := &SQLiteStore{
		opts: buildOptions(backendSQLite, opts),
		hub:  newHub(),
		db:   db,
	}
	if maxRev.Valid {
		s.revision = uint64(maxRev.Int64)
	}
	s.opts.Logger.Debug("SQLite store opened", "path", path, "revision", s.revision)
	return s, nil
}

// MaxDocumentSize returns the largest accepted document
func (s *SQLiteStore) MaxDocumentSize() int {
	return s.opts.MaxDocumentSize
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed {
		return errors.ErrClosed
	}
	return nil
}

func wrapSQL(err error, method, action string) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.WrapTransient(err, "SQLiteStore", method, action)
	}
	return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrStorageUnavailable, err), "SQLiteStore", method, action)
}

// Get returns one document
func (s *SQLiteStore) Get(ctx context.Context, collection, id string) (doc *Document, err error) {
	done := s.opts.observe(backendSQLite, "get")
	defer func() { done(err) }()

	if s.closedUnlocked() {
		return nil, errors.ErrClosed
	}

	var d Document
	row := s.db.QueryRowContext(ctx,
		`SELECT id, data, revision FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err := row.Scan(&d.ID, &d.Data, &d.Revision); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrNotFound
		}
		return nil, wrapSQL(err, "Get", "query document")
	}
	return &d, nil
}

func (s *SQLiteStore) closedUnlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Put creates or overwrites a document
func (s *SQLiteStore) Put(ctx context.Context, collection, id string, data []byte) error {
	return s.Commit(ctx, []Write{PutOp(collection, id, data)})
}

// Add creates a document under a new id
func (s *SQLiteStore) Add(ctx context.Context, collection string, data []byte) (string, error) {
	id := NewID()
	if err := s.Commit(ctx, []Write{PutOp(collection, id, data)}); err != nil {
		return "", err
	}
	return id, nil
}

// Update reads, transforms and writes a document in one transaction
func (s *SQLiteStore) Update(ctx context.Context, collection, id string, fn UpdateFunc) (err error) {
	done := s.opts.observe(backendSQLite, "update")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQL(err, "Update", "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	var current []byte
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`, collection, id).Scan(&current)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return wrapSQL(err, "Update", "read document")
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	w := PutOp(collection, id, next)
	if err := s.opts.validateWrite(w); err != nil {
		return err
	}

	changes, err := s.applyTx(ctx, tx, []Write{w})
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapSQL(err, "Update", "commit")
	}
	s.publish(changes)
	return nil
}

// Delete removes a document
func (s *SQLiteStore) Delete(ctx context.Context, collection, id string) error {
	return s.Commit(ctx, []Write{DeleteOp(collection, id)})
}

// List returns sorted document ids
func (s *SQLiteStore) List(ctx context.Context, collection string) (ids []string, err error) {
	done := s.opts.observe(backendSQLite, "list")
	defer func() { done(err) }()

	if s.closedUnlocked() {
		return nil, errors.ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM documents WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, wrapSQL(err, "List", "query ids")
	}
	defer rows.Close()

	ids = []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapSQL(err, "List", "scan id")
		}
		ids = append(ids, id)
	}
	return ids, wrapSQL(rows.Err(), "List", "iterate ids")
}

// Count returns the number of documents in a collection
func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	if s.closedUnlocked() {
		return 0, errors.ErrClosed
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, wrapSQL(err, "Count", "count documents")
	}
	return n, nil
}

// Commit applies the writes in one transaction
func (s *SQLiteStore) Commit(ctx context.Context, writes []Write) (err error) {
	done := s.opts.observe(backendSQLite, "commit")
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapSQL(err, "Commit", "begin transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	changes, err := s.applyTx(ctx, tx, writes)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapSQL(err, "Commit", "commit")
	}
	s.publish(changes)
	return nil
}

type collectionChange struct {
	collection string
	change     *Change
}

// applyTx runs the writes inside tx. The revision counter only advances
// for the caller to keep once the transaction commits.
func (s *SQLiteStore) applyTx(ctx context.Context, tx *sql.Tx, writes []Write) ([]collectionChange, error) {
	rev := s.revision
	now := time.Now().UTC().Format(time.RFC3339Nano)
	changes := make([]collectionChange, 0, len(writes))

	for _, w := range writes {
		if w.Delete {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM documents WHERE collection = ? AND id = ?`, w.Collection, w.ID)
			if err != nil {
				return nil, wrapSQL(err, "Commit", "delete document")
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			rev++
			changes = append(changes, collectionChange{w.Collection, &Change{ID: w.ID, Revision: rev, Deleted: true}})
			continue
		}

		rev++
		_, err := tx.ExecContext(ctx,
			`INSERT INTO documents (collection, id, data, revision, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, revision = excluded.revision, updated_at = excluded.updated_at`,
			w.Collection, w.ID, w.Data, rev, now)
		if err != nil {
			return nil, wrapSQL(err, "Commit", "upsert document")
		}
		changes = append(changes, collectionChange{w.Collection, &Change{ID: w.ID, Data: cloneBytes(w.Data), Revision: rev}})
	}

	s.pendingRevision = rev
	return changes, nil
}

func (s *SQLiteStore) publish(changes []collectionChange) {
	s.revision = s.pendingRevision
	for _, c := range changes {
		s.hub.publish(c.collection, c.change)
	}
}

// Watch streams a collection's changes
func (s *SQLiteStore) Watch(ctx context.Context, collection string) (Watcher, error) {
	if err := ValidateCollection(collection); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, data, revision FROM documents WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, wrapSQL(err, "Watch", "query collection")
	}
	defer rows.Close()

	var initial []*Change
	for rows.Next() {
		c := &Change{}
		if err := rows.Scan(&c.ID, &c.Data, &c.Revision); err != nil {
			return nil, wrapSQL(err, "Watch", "scan document")
		}
		initial = append(initial, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQL(err, "Watch", "iterate collection")
	}

	return s.hub.subscribe(ctx, collection, initial), nil
}

// Close stops all watchers and closes the database
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.closeAll()
	if err := s.db.Close(); err != nil {
		return errors.WrapTransient(err, "SQLiteStore", "Close", "close database")
	}
	return nil
}
