// Package statesync keeps named application values in sync with a remote
// document store, including values far larger than one document can hold.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│   binding.Manager / Binding[T]      │  Local mirrors, echo
//	│   backup.Service   seed.Seeder      │  suppression, snapshots,
//	└─────────────────────────────────────┘  ordered seeding
//	           ↓ reads and writes
//	┌─────────────────────────────────────┐
//	│          syncstore.Store            │  single or chunked records,
//	│   (Get, Set, Subscribe, GC)         │  generation-scoped shards
//	└─────────────────────────────────────┘
//	           ↓ persists through
//	┌─────────────────────────────────────┐
//	│          docstore.Store             │  NATS KV, SQLite, memory
//	│  (Get, Put, Commit, Watch)          │
//	└─────────────────────────────────────┘
//
// # Records
//
// A value whose JSON encoding fits under the single-document threshold is
// stored inline as {"type":"single","value":V,"rev":R}. A larger array is
// split greedily into shard documents named <key>.<generation>.<index> and
// the parent {"type":"chunked","shardCount":N,"generation":G,"rev":R} is
// written last. Readers follow the generation named by the parent, so a
// half-written shard set is never observed. Shards left behind by a newer
// generation are removed by syncstore.Store.CollectGarbage.
//
// # Echo Suppression
//
// Every local write is tagged with a fresh revision id. When the store
// delivers a record carrying a revision this process issued and has not yet
// superseded, the update is its own echo and is not applied again. Local
// mutations that leave the content digest unchanged are never written.
//
// # Command Line
//
//	statesync config init
//	statesync serve --config statesync.yaml
//	statesync seed [--force]
//	statesync export --out snapshot.json
//	statesync import --in snapshot.json
//
// Configuration is read from YAML, overridden by STATESYNC_* environment
// variables and then by flags. See package config.
package statesync
