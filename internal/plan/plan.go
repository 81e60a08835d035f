// Package plan defines the raw ExecutionPlan decoded from the
// coordinator's GET_ATTEMPT reply and the canonical CompiledExecutionPlan
// the engine actually dispatches, plus the compiler between them (§3,
// §4.4 of the spec).
package plan

import (
	"encoding/json"

	"github.com/attemptengine/worker/internal/state"
)

// ExecutionPlan is the raw, uncompiled form received from the
// coordinator.
type ExecutionPlan struct {
	ID           string     `json:"id"`
	InitialState any        `json:"initialState"`
	Jobs         []JobSpec  `json:"jobs"`
	Start        string     `json:"start,omitempty"`
}

// InitialStateDataclipID returns the dataclip id and true when
// InitialState is a string reference rather than an inline state value,
// per §4.3's dataclip-by-reference rule.
func (p ExecutionPlan) InitialStateDataclipID() (string, bool) {
	id, ok := p.InitialState.(string)
	return id, ok
}

// InlineState decodes InitialState as an inline state.State value. Only
// valid when InitialStateDataclipID reports false.
func (p ExecutionPlan) InlineState() (state.State, error) {
	raw, err := json.Marshal(p.InitialState)
	if err != nil {
		return nil, err
	}
	return state.Parse(raw)
}

// JobSpec is one raw job entry in an ExecutionPlan.
type JobSpec struct {
	ID            string `json:"id,omitempty"`
	Expression    any    `json:"expression"`
	State         any    `json:"state,omitempty"`
	Configuration any    `json:"configuration,omitempty"`
	Adaptor       string `json:"adaptor,omitempty"`
	Next          any    `json:"next,omitempty"`
}

// CompiledExecutionPlan is the canonical directed form produced by
// Compile: every job keyed by its assigned id, edges resolved to
// compiled predicates.
type CompiledExecutionPlan struct {
	Start string
	Jobs  map[string]*CompiledJob
}

// CompiledJob is one node of a CompiledExecutionPlan.
type CompiledJob struct {
	ID            string
	Expression    any
	State         any
	Configuration any
	Next          map[string]*Edge
	Previous      string
}

// Edge is one compiled outgoing edge of a CompiledJob.
type Edge struct {
	// Always true when Condition is nil: an unconditional edge.
	Condition Predicate
}

// Predicate evaluates an edge condition against the state flowing out
// of the upstream job. A nil Predicate means the edge is unconditional.
type Predicate func(s state.State) (bool, error)
