// Package errors classifies failures across statesync.
//
// # Classification
//
//   - Transient: timeouts, lost connections, unavailable storage. A transient
//     store error means the write was not applied.
//   - Invalid: malformed input, oversize values, bad snapshots. Never retried.
//   - Fatal: broken configuration or corrupt data.
//
// # Wrapping
//
// Wrap errors with the component and method that observed them:
//
//	if err := kv.Put(ctx, id, data); err != nil {
//	    return errors.WrapTransient(err, "NATSStore", "Put", "kv put")
//	}
//
// which renders as "NATSStore.Put: kv put failed: <cause>".
//
// # Sync error types
//
// OversizeError, ShardReconstructionError and SnapshotValidationError carry
// structured fields and classify themselves, so callers use errors.As to
// inspect them and IsTransient/IsInvalid to decide what to do.
package errors
