package docstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/statesync/errors"
)

func newTestSQLite(t *testing.T, path string, opts ...Option) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return newTestSQLite(t, filepath.Join(t.TempDir(), "state.db"))
	})
}

func TestSQLiteStore_InMemory(t *testing.T) {
	s := newTestSQLite(t, ":memory:")
	require.NoError(t, s.Put(context.Background(), "docs", "a", []byte(`1`)))

	n, err := s.Count(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteStore_ReopenKeepsDataAndRevision(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "docs", "a", []byte(`1`)))
	doc, err := s.Get(ctx, "docs", "a")
	require.NoError(t, err)
	before := doc.Revision
	require.NoError(t, s.Close())

	s = newTestSQLite(t, path)
	doc, err = s.Get(ctx, "docs", "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(doc.Data))

	require.NoError(t, s.Put(ctx, "docs", "b", []byte(`2`)))
	doc, err = s.Get(ctx, "docs", "b")
	require.NoError(t, err)
	assert.Greater(t, doc.Revision, before)
}

func TestSQLiteStore_CommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t, filepath.Join(t.TempDir(), "state.db"), WithMaxDocumentSize(8))

	err := s.Commit(ctx, []Write{
		PutOp("docs", "ok", []byte(`1`)),
		PutOp("docs", "big", []byte(`"too large"`)),
	})
	assert.True(t, errors.IsOversize(err))

	n, err := s.Count(ctx, "docs")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteStore_Closed(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get(context.Background(), "docs", "a")
	assert.ErrorIs(t, err, errors.ErrClosed)
	_, err = s.Watch(context.Background(), "docs")
	assert.ErrorIs(t, err, errors.ErrClosed)
}
