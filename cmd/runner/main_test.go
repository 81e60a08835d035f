package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attemptengine/worker/internal/plan"
	"github.com/attemptengine/worker/internal/state"
	"github.com/attemptengine/worker/internal/workererr"
)

func TestMergeJobConfigurationOverlaysWithoutMutatingCaller(t *testing.T) {
	original := state.State{"data": map[string]any{"x": 1}}

	merged := mergeJobConfiguration(original, map[string]any{"baseUrl": "https://example.test"})

	assert.Equal(t, map[string]any{"baseUrl": "https://example.test"}, merged[state.SlotConfiguration])
	assert.NotContains(t, original, state.SlotConfiguration)
}

func TestMergeJobConfigurationNilConfigurationReturnsSameState(t *testing.T) {
	original := state.State{"data": 1}

	merged := mergeJobConfiguration(original, nil)

	assert.Equal(t, original, merged)
}

func TestWalkerNextTakesFirstUnconditionalEdge(t *testing.T) {
	w := &walker{}

	compiled := &plan.CompiledExecutionPlan{
		Jobs: map[string]*plan.CompiledJob{
			"b": {ID: "b"},
		},
	}
	job := &plan.CompiledJob{
		ID: "a",
		Next: map[string]*plan.Edge{
			"b": {Condition: nil},
		},
	}

	next := w.next(compiled, job, state.State{})
	require.NotNil(t, next)
	assert.Equal(t, "b", next.ID)
}

func TestWalkerNextSkipsUnsatisfiedConditionInFavourOfNextEdge(t *testing.T) {
	w := &walker{}

	compiled := &plan.CompiledExecutionPlan{
		Jobs: map[string]*plan.CompiledJob{
			"reject": {ID: "reject"},
			"take":   {ID: "take"},
		},
	}
	// "reject" sorts before "take", so its unsatisfied condition is
	// evaluated first and must be skipped.
	job := &plan.CompiledJob{
		ID: "a",
		Next: map[string]*plan.Edge{
			"reject": {Condition: func(state.State) (bool, error) { return false, nil }},
			"take":   {Condition: nil},
		},
	}

	next := w.next(compiled, job, state.State{})
	require.NotNil(t, next)
	assert.Equal(t, "take", next.ID)
}

func TestWalkerNextReturnsNilWhenNoEdgeQualifies(t *testing.T) {
	w := &walker{}

	compiled := &plan.CompiledExecutionPlan{
		Jobs: map[string]*plan.CompiledJob{
			"b": {ID: "b"},
		},
	}
	job := &plan.CompiledJob{
		ID: "a",
		Next: map[string]*plan.Edge{
			"b": {Condition: func(state.State) (bool, error) { return false, nil }},
		},
	}

	assert.Nil(t, w.next(compiled, job, state.State{}))
}

func TestEmitFailureCarriesErrorKindAcrossTheWire(t *testing.T) {
	var buf bytes.Buffer
	bw := bufio.NewWriter(&buf)
	w := &walker{out: &encoder{enc: json.NewEncoder(bw), bw: bw}}

	failure := workererr.NewFailure(workererr.ErrTimeout, "run exceeded wall-clock budget", nil)
	require.NoError(t, w.emitFailure(failure))

	dec := json.NewDecoder(&buf)

	var logEv wireEvent
	require.NoError(t, dec.Decode(&logEv))
	assert.Equal(t, kindLog, logEv.Kind)
	assert.Equal(t, "error", logEv.Level)

	var failedEv wireEvent
	require.NoError(t, dec.Decode(&failedEv))
	assert.Equal(t, kindAttemptFailed, failedEv.Kind)
	assert.Equal(t, "run exceeded wall-clock budget", failedEv.Message)
	assert.Equal(t, "ERR_TIMEOUT", failedEv.ErrorKind)
}

func TestClassifyRunErrorRecoversExistingClassification(t *testing.T) {
	original := workererr.NewFailure(workererr.ErrRuntime, "operation chain failed", errors.New("boom"))

	got := classifyRunError(original)

	assert.Same(t, original, got)
}

func TestClassifyRunErrorFallsBackToRuntimeForUnclassifiedError(t *testing.T) {
	got := classifyRunError(errors.New("unexpected"))

	require.NotNil(t, got)
	assert.Equal(t, workererr.ErrRuntime, got.Kind)
	assert.Contains(t, got.Error(), "unexpected")
}
