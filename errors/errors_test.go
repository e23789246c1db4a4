package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if result := test.class.String(); result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"invalid data", ErrInvalidData, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
		{"shard error", &ShardReconstructionError{Key: "jobs", Index: 2, Err: ErrNotFound}, true},
		{"oversize", &OversizeError{Key: "jobs", Size: 10, Limit: 5}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsTransient(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid key", ErrInvalidKey, true},
		{"oversize", &OversizeError{Key: "k", Size: 2, Limit: 1}, true},
		{"wrapped oversize", fmt.Errorf("set: %w", &OversizeError{Key: "k"}), true},
		{"snapshot", &SnapshotValidationError{Reason: "missing data"}, true},
		{"transient", ErrConnectionLost, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsInvalid(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(ErrInvalidConfig) {
		t.Error("invalid config should be fatal")
	}
	if IsFatal(ErrConnectionTimeout) {
		t.Error("connection timeout should not be fatal")
	}
	if !IsFatal(WrapFatal(errors.New("boom"), "Store", "Open", "open database")) {
		t.Error("WrapFatal should produce a fatal error")
	}
}

func TestWrapHelpers(t *testing.T) {
	base := errors.New("base")

	err := WrapTransient(base, "SyncStore", "Set", "write record")
	if !errors.Is(err, base) {
		t.Fatal("wrapped error should unwrap to base")
	}
	if !strings.HasPrefix(err.Error(), "SyncStore.Set: write record failed: ") {
		t.Errorf("unexpected message: %s", err.Error())
	}

	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Component != "SyncStore" || ce.Operation != "Set" {
		t.Errorf("unexpected component/operation: %s/%s", ce.Component, ce.Operation)
	}

	if WrapTransient(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil should return nil")
	}
	if WrapInvalid(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestClassify(t *testing.T) {
	if Classify(WrapInvalid(errors.New("x"), "a", "b", "c")) != ErrorInvalid {
		t.Error("expected invalid")
	}
	if Classify(errors.New("something odd")) != ErrorTransient {
		t.Error("unknown errors default to transient")
	}
	if Classify(&SnapshotValidationError{Reason: "r"}) != ErrorInvalid {
		t.Error("snapshot validation is invalid")
	}
}

func TestShardReconstructionError_Unwrap(t *testing.T) {
	err := &ShardReconstructionError{Key: "jobs", Index: 1, Err: ErrNotFound}
	if !errors.Is(err, ErrNotFound) {
		t.Error("expected shard error to unwrap to ErrNotFound")
	}
	if !strings.Contains(err.Error(), `"jobs"`) {
		t.Errorf("message should name the key: %s", err.Error())
	}
}

func TestIsOversize(t *testing.T) {
	if !IsOversize(fmt.Errorf("wrap: %w", &OversizeError{Key: "k", Size: 3, Limit: 2})) {
		t.Error("expected oversize through wrap")
	}
	if IsOversize(ErrNotFound) {
		t.Error("not found is not oversize")
	}
}
