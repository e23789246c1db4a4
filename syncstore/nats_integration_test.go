//go:build integration

package syncstore

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/c360/statesync/docstore"
	"github.com/c360/statesync/natsclient"
)

type NATSStoreSuite struct {
	suite.Suite
	testClient *natsclient.TestClient
	docs       *docstore.NATSStore
	store      *Store
	n          int
}

func (s *NATSStoreSuite) SetupSuite() {
	s.testClient = natsclient.NewTestClient(s.T())
}

func (s *NATSStoreSuite) SetupTest() {
	s.n++
	docs, err := docstore.NewNATSStore(s.testClient.Client, fmt.Sprintf("sync%d", s.n))
	s.Require().NoError(err)
	s.docs = docs

	s.store, err = New(docs)
	s.Require().NoError(err)
}

func (s *NATSStoreSuite) TearDownTest() {
	_ = s.docs.Close()
}

func (s *NATSStoreSuite) TestChunkedRoundTrip() {
	ctx := context.Background()
	items := makeItems(20000, 100)

	s.Require().NoError(s.store.Set(ctx, "big", items))

	raw, found, err := s.store.Get(ctx, "big")
	s.Require().NoError(err)
	s.Require().True(found)

	var got []item
	s.Require().NoError(json.Unmarshal(raw, &got))
	s.Equal(items, got)

	shards, err := s.docs.List(ctx, DefaultShardCollection)
	s.Require().NoError(err)
	s.Greater(len(shards), 1)
}

func (s *NATSStoreSuite) TestSubscribeSeesRemoteWriter() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snapshots := make(chan Snapshot, 8)
	stop, err := s.store.Subscribe(ctx, func(snap Snapshot) { snapshots <- snap })
	s.Require().NoError(err)
	defer stop()

	select {
	case snap := <-snapshots:
		s.Empty(snap)
	case <-ctx.Done():
		s.FailNow("no initial snapshot")
	}

	// a second store on the same buckets stands in for another process
	other, err := New(s.docs)
	s.Require().NoError(err)
	s.Require().NoError(other.Set(ctx, "tasks", makeItems(3000, 200)))

	for {
		select {
		case snap := <-snapshots:
			entry, ok := snap["tasks"]
			if !ok {
				continue
			}
			var got []item
			s.Require().NoError(json.Unmarshal(entry.Value, &got))
			s.Len(got, 3000)
			return
		case <-ctx.Done():
			s.FailNow("remote write not delivered")
		}
	}
}

func (s *NATSStoreSuite) TestGarbageCollectionAfterRewrite() {
	ctx := context.Background()

	s.Require().NoError(s.store.Set(ctx, "big", makeItems(20000, 100)))
	s.Require().NoError(s.store.Set(ctx, "big", makeItems(10, 10)))

	removed, err := s.store.CollectGarbage(ctx, 0)
	s.Require().NoError(err)
	s.Positive(removed)

	n, err := s.docs.Count(ctx, DefaultShardCollection)
	s.Require().NoError(err)
	s.Zero(n)
}

func TestNATSStoreSuite(t *testing.T) {
	suite.Run(t, new(NATSStoreSuite))
}
