package binding

import (
	"fmt"
	"strings"
	"time"
)

// Kind declares how a key is hydrated
type Kind int

const (
	// KindCollection keys hydrate from the first snapshot of the shared
	// subscription.
	KindCollection Kind = iota + 1
	// KindScalar keys hydrate from one direct read.
	KindScalar
)

func (k Kind) String() string {
	switch k {
	case KindCollection:
		return "collection"
	case KindScalar:
		return "scalar"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind converts a configured kind name
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "collection":
		return KindCollection, nil
	case "scalar":
		return KindScalar, nil
	default:
		return 0, fmt.Errorf("unknown binding kind %q", s)
	}
}

// State is the lifecycle of a binding's local mirror
type State int32

const (
	StateUninitialized State = iota
	StateHydrating
	StateHydrated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHydrating:
		return "hydrating"
	case StateHydrated:
		return "hydrated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventType classifies manager status events
type EventType string

const (
	EventHydrated      EventType = "hydrated"
	EventHydrateFailed EventType = "hydrate_failed"
	EventWritten       EventType = "written"
	EventWriteFailed   EventType = "write_failed"
	EventRemoteApplied EventType = "remote_applied"
	EventLeaseLost     EventType = "lease_lost"
)

// Event reports the outcome of a binding action on the status channel
type Event struct {
	Type EventType
	Key  string
	Rev  string
	Err  error
	Time time.Time
}
