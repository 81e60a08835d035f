package sandbox_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attemptengine/worker/internal/sandbox"
	"github.com/attemptengine/worker/internal/state"
)

func TestCompileConditionEvaluatesOverProjection(t *testing.T) {
	pred, err := sandbox.CompileCondition("state.data.n > 5")
	require.NoError(t, err)

	ok, err := pred(state.State{"data": map[string]any{"n": 10}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pred(state.State{"data": map[string]any{"n": 1}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompileConditionRejectsInvalidSyntax(t *testing.T) {
	_, err := sandbox.CompileCondition("!!!not valid")
	require.Error(t, err)
}

func TestCompileConditionReportsEvaluationError(t *testing.T) {
	// A condition that compiles but throws at evaluation time surfaces
	// the throw as the predicate's error.
	pred, err := sandbox.CompileCondition("state.data.missing.deeper")
	require.NoError(t, err)

	_, err = pred(state.State{"data": map[string]any{}})
	require.Error(t, err)
}
