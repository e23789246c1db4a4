//go:build integration

package docstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/statesync/natsclient"
)

func TestNATSStore_Contract(t *testing.T) {
	tc := natsclient.NewTestClient(t)

	n := 0
	runStoreContract(t, func(t *testing.T) Store {
		n++
		s, err := NewNATSStore(tc.Client, fmt.Sprintf("contract%d", n))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestNATSStore_BucketPerCollection(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	ctx := context.Background()

	s, err := NewNATSStore(tc.Client, "app")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "sync_state", "a", []byte(`1`)))
	require.NoError(t, s.Put(ctx, "sync_shards", "a.g.0", []byte(`2`)))

	buckets, err := tc.Client.ListKeyValueBuckets(ctx)
	require.NoError(t, err)
	assert.Contains(t, buckets, "app_sync_state")
	assert.Contains(t, buckets, "app_sync_shards")
}

func TestNATSStore_CloseKeepsClient(t *testing.T) {
	tc := natsclient.NewTestClient(t)

	s, err := NewNATSStore(tc.Client, "app")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.True(t, tc.Client.IsHealthy())
}
