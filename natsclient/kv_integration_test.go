//go:build integration

package natsclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserrors "github.com/c360/statesync/errors"
)

func newTestKV(t *testing.T, bucket string) *KVStore {
	t.Helper()
	tc := NewTestClient(t)

	ctx := context.Background()
	kv, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	require.NoError(t, err)
	return tc.Client.NewKVStore(kv)
}

func TestKVStore_CRUD(t *testing.T) {
	kv := newTestKV(t, "crud")
	ctx := context.Background()

	_, err := kv.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	rev, err := kv.Put(ctx, "a", []byte(`1`))
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, rev, entry.Revision)

	_, err = kv.Create(ctx, "a", []byte(`2`))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	_, err = kv.Update(ctx, "a", []byte(`3`), rev+100)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	require.NoError(t, kv.Delete(ctx, "a"))
	require.NoError(t, kv.Delete(ctx, "a"), "deleting twice is fine")

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestKVStore_MaxValueSize(t *testing.T) {
	kv := newTestKV(t, "size")
	kv.options.MaxValueSize = 10

	_, err := kv.Put(context.Background(), "big", make([]byte, 11))
	assert.True(t, sserrors.IsOversize(err))
}

func TestKVStore_UpdateWithRetryConcurrent(t *testing.T) {
	kv := newTestKV(t, "cas")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := kv.UpdateWithRetry(ctx, "counter", func(current []byte) ([]byte, error) {
				var n int
				if current != nil {
					_ = json.Unmarshal(current, &n)
				}
				return json.Marshal(n + 1)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := kv.Get(ctx, "counter")
	require.NoError(t, err)
	assert.JSONEq(t, `8`, string(entry.Value))
}

func TestKVStore_WatchAll(t *testing.T) {
	kv := newTestKV(t, "watch")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := kv.Put(ctx, "initial", []byte(`0`))
	require.NoError(t, err)

	w, err := kv.WatchAll(ctx)
	require.NoError(t, err)
	defer w.Stop()

	first := <-w.Updates()
	require.NotNil(t, first)
	assert.Equal(t, "initial", first.Key())
	assert.Nil(t, <-w.Updates(), "initial replay ends with nil")

	_, err = kv.Put(ctx, "later", []byte(`1`))
	require.NoError(t, err)
	next := <-w.Updates()
	require.NotNil(t, next)
	assert.Equal(t, "later", next.Key())
}

func TestClient_ListKeyValueBuckets(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	for _, name := range []string{"b_two", "b_one"} {
		_, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: name})
		require.NoError(t, err)
	}
	// Creating again returns the existing bucket
	_, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "b_one"})
	require.NoError(t, err)

	names, err := tc.Client.ListKeyValueBuckets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b_one", "b_two"}, names)

	require.NoError(t, tc.Client.DeleteKeyValueBucket(ctx, "b_two"))
	_, err = tc.Client.GetKeyValueBucket(ctx, "b_two")
	assert.ErrorIs(t, err, sserrors.ErrNotFound)
}
