package seed

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the progress of a level or collection
type Status string

const (
	StatusNotStarted Status = "NotStarted"
	StatusInProgress Status = "InProgress"
	StatusDone       Status = "Done"
	StatusFailed     Status = "Failed"
)

// LevelState records the progress of one level and its collections
type LevelState struct {
	Status      Status            `json:"status"`
	Collections map[string]Status `json:"collections"`
	Error       string            `json:"error,omitempty"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// State is the persisted progress of a seeding run
type State struct {
	SchemaVersion int          `json:"schemaVersion"`
	Levels        []LevelState `json:"levels"`
}

func newState(version int, plan Plan) *State {
	st := &State{SchemaVersion: version, Levels: make([]LevelState, len(plan))}
	for i, level := range plan {
		st.Levels[i] = LevelState{Status: StatusNotStarted, Collections: make(map[string]Status, len(level))}
		for _, c := range level {
			st.Levels[i].Collections[c.Name] = StatusNotStarted
		}
	}
	return st
}

// matches reports whether st was recorded for the same plan
func (st *State) matches(version int, plan Plan) bool {
	if st.SchemaVersion != version || len(st.Levels) != len(plan) {
		return false
	}
	for i, level := range plan {
		if len(st.Levels[i].Collections) != len(level) {
			return false
		}
		for _, c := range level {
			if _, ok := st.Levels[i].Collections[c.Name]; !ok {
				return false
			}
		}
	}
	return true
}

// Done reports whether every level finished
func (st *State) Done() bool {
	for _, l := range st.Levels {
		if l.Status != StatusDone {
			return false
		}
	}
	return len(st.Levels) > 0
}

func (st *State) encode() ([]byte, error) {
	return json.Marshal(st)
}

func decodeState(data []byte) (*State, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode seed state: %w", err)
	}
	for i := range st.Levels {
		if st.Levels[i].Collections == nil {
			st.Levels[i].Collections = make(map[string]Status)
		}
	}
	return &st, nil
}
