// Package state defines the opaque state value threaded through a
// runner's operation chain (§3 of the spec) and the dataclip snapshots
// produced at job boundaries.
package state

import (
	"encoding/json"
	"fmt"
)

// State is the mapping threaded between operations. It carries the
// well-known slots configuration/data/references/index but is otherwise
// an opaque bag of JSON-serialisable values, exactly as the spec
// describes it.
type State map[string]any

// Well-known slot names.
const (
	SlotConfiguration = "configuration"
	SlotData          = "data"
	SlotReferences    = "references"
	SlotIndex         = "index"
)

// Clone performs the JSON round-trip deep clone described in §3/§9:
// lossy for functions and non-enumerable fields by design. The runner's
// immutable mode does not call it: that clone is done inside the VM by
// the default reducer (internal/sandbox/harness.go).
func (s State) Clone() (State, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("clone state: marshal: %w", err)
	}

	var out State
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("clone state: unmarshal: %w", err)
	}
	return out, nil
}

// Project returns a new State containing only the keys in keep, used by
// the runner's "strict" final-state filtering (§4.2 step 5).
func (s State) Project(keep ...string) State {
	out := make(State, len(keep))
	for _, k := range keep {
		if v, ok := s[k]; ok {
			out[k] = v
		}
	}
	return out
}

// RemoveProps deletes the given top-level keys in place, used to honour
// WORKER_STATE_PROPS_TO_REMOVE before a state is pushed back as a
// dataclip.
func (s State) RemoveProps(props []string) {
	for _, p := range props {
		delete(s, p)
	}
}

// Marshal renders the state as the UTF-8 JSON bytes sent as an
// output_dataclip string (§4.3/§6).
func (s State) Marshal() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	return string(raw), nil
}

// Parse decodes the UTF-8 JSON bytes returned by a GET_DATACLIP reply
// (§4.3) into a State value.
func Parse(raw []byte) (State, error) {
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return s, nil
}
