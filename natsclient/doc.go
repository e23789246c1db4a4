// Package natsclient manages the NATS connection used as the remote
// document store.
//
// # Connection
//
// Client wraps a nats.Conn with a circuit breaker. Failed connection
// attempts count toward a threshold; once it is reached the circuit opens and
// Connect returns ErrCircuitOpen without dialing. Reconnects are left to
// nats.go and reported through OnHealthChange:
//
//	client, err := natsclient.NewClient(url,
//	    natsclient.WithName("statesync"),
//	    natsclient.WithMaxReconnects(-1),
//	    natsclient.WithMetrics(registry),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.ConnectWithRetry(ctx, retry.Connect()); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	client.OnHealthChange(func(healthy bool) { ... })
//
// # Key-value buckets
//
// Each document collection is one JetStream KV bucket. CreateKeyValueBucket
// is idempotent and returns the existing bucket when one is already there.
// KVStore adds per-call timeouts, a value size check and revision-aware
// helpers on top of a bucket:
//
//	kv := client.NewKVStore(bucket)
//	rev, err := kv.Create(ctx, "jobs", data)   // fails if the key exists
//	rev, err = kv.Update(ctx, "jobs", data, rev) // fails if rev is stale
//
// UpdateWithRetry runs a read-modify-write loop using retry.Conflict.
// WatchAll returns a watcher that replays every key, then sends a nil
// entry, then streams live changes.
//
// # Testing
//
// NewTestClient starts a NATS server with JetStream in a container through
// testcontainers and returns a TestClient holding a connected Client. Tests using it carry the
// integration build tag.
package natsclient
