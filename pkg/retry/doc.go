// Package retry provides exponential backoff for store connection setup and
// compare-and-swap loops.
//
// # Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Connect(): 10 attempts, 50ms-1s delay, used when dialing NATS
//   - Conflict(): 5 attempts, 10ms-200ms delay, used by KV update loops
//
// # Usage
//
//	err := client.ConnectWithRetry(ctx, retry.Connect())
//
//	entry, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (*syncstore.Entry, error) {
//	    return store.GetEntry(ctx, key)
//	})
//
// Only the caller decides what is retryable: wrap an error with NonRetryable
// or set Config.RetryIf. The sync layer itself never retries failed writes.
package retry
