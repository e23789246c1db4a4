package syncstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/statesync/docstore"
	"github.com/c360/statesync/errors"
)

type item struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Payload string `json:"payload,omitempty"`
}

func makeItems(n, payload int) []item {
	items := make([]item, n)
	for i := range items {
		items[i] = item{ID: i, Name: fmt.Sprintf("item-%d", i), Payload: strings.Repeat("p", payload)}
	}
	return items
}

func newTestStore(t *testing.T, docOpts []docstore.Option, opts ...Option) (*Store, *docstore.MemoryStore) {
	t.Helper()
	docs := docstore.NewMemoryStore(docOpts...)
	t.Cleanup(func() { _ = docs.Close() })

	s, err := New(docs, opts...)
	require.NoError(t, err)
	return s, docs
}

func readRecord(t *testing.T, docs docstore.Store, key string) *record {
	t.Helper()
	doc, err := docs.Get(context.Background(), DefaultCollection, key)
	require.NoError(t, err)
	rec, err := decodeRecord(key, doc.Data)
	require.NoError(t, err)
	return rec
}

func TestNew_Validation(t *testing.T) {
	docs := docstore.NewMemoryStore(docstore.WithMaxDocumentSize(1000))

	_, err := New(nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(docs, WithCollections("same", "same"))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = New(docs, WithCollections("bad.name", ""))
	assert.ErrorIs(t, err, errors.ErrInvalidKey)

	_, err = New(docs)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig, "default threshold exceeds a 1000 byte document limit")

	_, err = New(docs, WithThresholds(500, 400))
	assert.NoError(t, err)

	_, err = New(docs, WithThresholds(500, 1000-ShardOverhead+1))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig, "a full shard and its header must fit one document")
}

func TestStore_ChunkedAtLargestShardLimit(t *testing.T) {
	ctx := context.Background()
	const docLimit = 2000
	s, docs := newTestStore(t, []docstore.Option{docstore.WithMaxDocumentSize(docLimit)},
		WithThresholds(1000, docLimit-ShardOverhead))

	key := strings.Repeat("k", MaxKeyLength)
	items := makeItems(100, 0)
	for i := range items {
		items[i].Name = fmt.Sprintf("<item-%d>", i)
	}
	require.NoError(t, s.Set(ctx, key, items))

	rec := readRecord(t, docs, key)
	assert.Equal(t, TypeChunked, rec.Type)
	assert.Greater(t, rec.ShardCount, 1)

	raw, _, err := s.Get(ctx, key)
	require.NoError(t, err)
	var got []item
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, items, got)
}

func TestStore_KeyTooLong(t *testing.T) {
	s, _ := newTestStore(t, nil)
	err := s.Set(context.Background(), strings.Repeat("k", MaxKeyLength+1), 1)
	assert.ErrorIs(t, err, errors.ErrInvalidKey)
}

func TestStore_RejectsImplausibleShardCount(t *testing.T) {
	ctx := context.Background()
	s, docs := newTestStore(t, nil)

	body, err := json.Marshal(record{Type: TypeChunked, ShardCount: MaxShardCount + 1, Generation: "g", Rev: "r"})
	require.NoError(t, err)
	require.NoError(t, docs.Put(ctx, DefaultCollection, "jobs", body))

	_, _, err = s.Get(ctx, "jobs")
	assert.ErrorIs(t, err, errors.ErrDataCorrupted)
	assert.True(t, errors.IsInvalid(err))
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := newTestStore(t, nil)

	value, found, err := s.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, value)
}

func TestStore_InvalidKey(t *testing.T) {
	s, _ := newTestStore(t, nil)

	err := s.Set(context.Background(), "bad key", 1)
	assert.ErrorIs(t, err, errors.ErrInvalidKey)
	_, _, err = s.Get(context.Background(), "a.b")
	assert.ErrorIs(t, err, errors.ErrInvalidKey)
}

func TestStore_RoundTripSmall(t *testing.T) {
	ctx := context.Background()
	s, docs := newTestStore(t, nil)

	want := makeItems(10, 0)
	require.NoError(t, s.Set(ctx, "jobs", want))

	raw, found, err := s.Get(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, found)

	var got []item
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, want, got)
	assert.Equal(t, TypeSingle, readRecord(t, docs, "jobs").Type)
}

func TestStore_RoundTripScalar(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)

	require.NoError(t, s.Set(ctx, "theme", "dark"))
	raw, found, err := s.Get(ctx, "theme")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `"dark"`, string(raw))

	require.NoError(t, s.Set(ctx, "cleared", nil))
	raw, found, err = s.Get(ctx, "cleared")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `null`, string(raw))
}

func TestStore_RoundTripChunked(t *testing.T) {
	ctx := context.Background()
	s, docs := newTestStore(t, nil)

	want := makeItems(50_000, 0)
	require.NoError(t, s.Set(ctx, "jobs", want))

	rec := readRecord(t, docs, "jobs")
	assert.Equal(t, TypeChunked, rec.Type)
	assert.Greater(t, rec.ShardCount, 1)

	raw, found, err := s.Get(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, found)

	var got []item
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, want, got)
}

func TestStore_ChunkedOneThousandRecords(t *testing.T) {
	ctx := context.Background()
	s, docs := newTestStore(t, nil)

	items := makeItems(1000, 580)
	data, err := json.Marshal(items)
	require.NoError(t, err)
	require.Greater(t, len(data), DefaultSingleThreshold)
	require.Less(t, len(data), DefaultShardLimit)

	require.NoError(t, s.Set(ctx, "jobs", items))

	rec := readRecord(t, docs, "jobs")
	assert.Equal(t, TypeChunked, rec.Type)
	assert.Equal(t, 1, rec.ShardCount)
}

func TestStore_ShardBound(t *testing.T) {
	ctx := context.Background()
	const limit = 400
	s, docs := newTestStore(t, nil, WithThresholds(1000, limit))

	items := makeItems(60, 20)
	items[17].Payload = strings.Repeat("x", 900) // larger than a shard on its own
	require.NoError(t, s.Set(ctx, "jobs", items))

	ids, err := docs.List(ctx, DefaultShardCollection)
	require.NoError(t, err)
	require.NotEmpty(t, ids)

	singletons := 0
	for _, id := range ids {
		doc, err := docs.Get(ctx, DefaultShardCollection, id)
		require.NoError(t, err)

		var sd shardDoc
		require.NoError(t, json.Unmarshal(doc.Data, &sd))
		size := encodedSize(sd.Items)
		if size > limit {
			assert.Len(t, sd.Items, 1, "only a lone item may exceed the shard limit")
			singletons++
		}
	}
	assert.Equal(t, 1, singletons)

	raw, _, err := s.Get(ctx, "jobs")
	require.NoError(t, err)
	var got []item
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, items, got)
}

func TestStore_LargeObjectWithinLimit(t *testing.T) {
	ctx := context.Background()
	s, docs := newTestStore(t, []docstore.Option{docstore.WithMaxDocumentSize(10_000)}, WithThresholds(1000, 800))

	value := map[string]string{"blob": strings.Repeat("a", 5000)}
	require.NoError(t, s.Set(ctx, "settings", value))
	assert.Equal(t, TypeSingle, readRecord(t, docs, "settings").Type)
}

func TestStore_OversizeObjectRejected(t *testing.T) {
	ctx := context.Background()
	s, docs := newTestStore(t, []docstore.Option{docstore.WithMaxDocumentSize(10_000)}, WithThresholds(1000, 800))

	value := map[string]string{"blob": strings.Repeat("a", 20_000)}
	err := s.Set(ctx, "settings", value)
	require.Error(t, err)

	var oe *errors.OversizeError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, "settings", oe.Key)
	assert.True(t, errors.IsInvalid(err))

	n, err := docs.Count(ctx, DefaultCollection)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_OversizeItemRejected(t *testing.T) {
	ctx := context.Background()
	s, docs := newTestStore(t, []docstore.Option{docstore.WithMaxDocumentSize(4000)}, WithThresholds(1000, 800))

	items := makeItems(10, 10)
	items[3].Payload = strings.Repeat("z", 5000)
	err := s.Set(ctx, "jobs", items)
	assert.True(t, errors.IsOversize(err))

	n, err := docs.Count(ctx, DefaultShardCollection)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_RewriteChunkedAsSingle(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil, WithThresholds(1000, 500))

	require.NoError(t, s.Set(ctx, "jobs", makeItems(100, 10)))
	require.NoError(t, s.Set(ctx, "jobs", makeItems(2, 0)))

	raw, _, err := s.Get(ctx, "jobs")
	require.NoError(t, err)
	var got []item
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Len(t, got, 2)
}

func TestStore_SetWithRevision(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil, WithThresholds(1000, 500))

	require.NoError(t, s.SetWithRevision(ctx, "small", 1, "rev-small"))
	require.NoError(t, s.SetWithRevision(ctx, "big", makeItems(100, 10), "rev-big"))

	entry, err := s.GetEntry(ctx, "small")
	require.NoError(t, err)
	assert.Equal(t, "rev-small", entry.Rev)

	entry, err = s.GetEntry(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, "rev-big", entry.Rev)
}

func TestStore_MissingShard(t *testing.T) {
	ctx := context.Background()
	s, docs := newTestStore(t, nil, WithThresholds(1000, 500))

	require.NoError(t, s.Set(ctx, "jobs", makeItems(100, 10)))
	rec := readRecord(t, docs, "jobs")
	require.NoError(t, docs.Delete(ctx, DefaultShardCollection, shardID("jobs", rec.Generation, 1)))

	_, _, err := s.Get(ctx, "jobs")
	var se *errors.ShardReconstructionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "jobs", se.Key)
	assert.Equal(t, 1, se.Index)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.True(t, errors.IsTransient(err))
}

func TestStore_RemoveAndKeys(t *testing.T) {
	ctx := context.Background()
	s, docs := newTestStore(t, nil, WithThresholds(1000, 500))

	require.NoError(t, s.Set(ctx, "b", 1))
	require.NoError(t, s.Set(ctx, "a", makeItems(100, 10)))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, s.Remove(ctx, "a"))
	require.NoError(t, s.Remove(ctx, "a"))

	_, found, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	shards, err := docs.Count(ctx, DefaultShardCollection)
	require.NoError(t, err)
	assert.Positive(t, shards, "shards stay until collected")
}

func TestStore_CollectGarbage(t *testing.T) {
	ctx := context.Background()
	s, docs := newTestStore(t, nil, WithThresholds(1000, 500))

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "jobs", makeItems(100, 10)))
	first := readRecord(t, docs, "jobs")
	require.NoError(t, s.Set(ctx, "jobs", makeItems(120, 10)))
	second := readRecord(t, docs, "jobs")
	require.NoError(t, s.Set(ctx, "gone", makeItems(50, 10)))
	gone := readRecord(t, docs, "gone")
	require.NoError(t, s.Remove(ctx, "gone"))

	// nothing is old enough yet
	removed, err := s.CollectGarbage(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)

	now = now.Add(2 * time.Hour)
	removed, err = s.CollectGarbage(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, first.ShardCount+gone.ShardCount, removed)

	n, err := docs.Count(ctx, DefaultShardCollection)
	require.NoError(t, err)
	assert.Equal(t, second.ShardCount, n)

	raw, _, err := s.Get(ctx, "jobs")
	require.NoError(t, err)
	var got []item
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Len(t, got, 120)
}

func TestPartition(t *testing.T) {
	raw := func(s ...string) []json.RawMessage {
		out := make([]json.RawMessage, len(s))
		for i := range s {
			out[i] = json.RawMessage(s[i])
		}
		return out
	}

	// [1111,2222] is 11 bytes
	groups := partition(raw("1111", "2222", "3333", "99999999999999", "5"), 11)
	require.Len(t, groups, 4)
	assert.Equal(t, raw("1111", "2222"), groups[0])
	assert.Equal(t, raw("3333"), groups[1])
	assert.Equal(t, raw("99999999999999"), groups[2])
	assert.Equal(t, raw("5"), groups[3])

	assert.Empty(t, partition(nil, 10))
	assert.Equal(t, `[1111,2222,3333]`, string(joinItems(groups[:2])))
}

func TestParseShardID(t *testing.T) {
	key, gen, ok := parseShardID(shardID("jobs", "0195-abc", 3))
	require.True(t, ok)
	assert.Equal(t, "jobs", key)
	assert.Equal(t, "0195-abc", gen)

	_, _, ok = parseShardID("jobs.gen")
	assert.False(t, ok)
	_, _, ok = parseShardID("jobs.gen.x")
	assert.False(t, ok)
}
