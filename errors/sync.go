package errors

import "fmt"

// OversizeError reports a value that cannot be stored in one document.
// Nothing is written when it is returned.
type OversizeError struct {
	Key   string
	Size  int
	Limit int
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("value for %q is %d bytes, exceeds document limit of %d bytes", e.Key, e.Size, e.Limit)
}

// ErrorClass implements classification.
func (e *OversizeError) ErrorClass() ErrorClass { return ErrorInvalid }

// ShardReconstructionError reports a shard that could not be fetched or
// decoded while rebuilding a chunked value.
type ShardReconstructionError struct {
	Key   string
	Index int
	Err   error
}

func (e *ShardReconstructionError) Error() string {
	return fmt.Sprintf("reconstruct %q: shard %d: %v", e.Key, e.Index, e.Err)
}

func (e *ShardReconstructionError) Unwrap() error { return e.Err }

// ErrorClass implements classification. A missing shard is usually a
// concurrent rewrite in progress, so it is transient.
func (e *ShardReconstructionError) ErrorClass() ErrorClass { return ErrorTransient }

// SnapshotValidationError reports an import payload missing required
// structure. No writes are performed when it is returned.
type SnapshotValidationError struct {
	Reason string
}

func (e *SnapshotValidationError) Error() string {
	return "invalid snapshot: " + e.Reason
}

// ErrorClass implements classification.
func (e *SnapshotValidationError) ErrorClass() ErrorClass { return ErrorInvalid }

// IsOversize reports whether err is an OversizeError.
func IsOversize(err error) bool {
	var oe *OversizeError
	return As(err, &oe)
}
