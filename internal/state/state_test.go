package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attemptengine/worker/internal/state"
)

func TestCloneIsNotReferenceEqual(t *testing.T) {
	s := state.State{"data": map[string]any{"n": float64(21)}}

	clone, err := s.Clone()
	require.NoError(t, err)

	assert.Equal(t, s["data"], clone["data"])

	clone["data"].(map[string]any)["n"] = float64(99)
	assert.Equal(t, float64(21), s["data"].(map[string]any)["n"])
}

func TestProjectKeepsOnlyRequestedKeys(t *testing.T) {
	s := state.State{"data": 1, "error": "boom", "configuration": "secret"}

	projected := s.Project(state.SlotData, "error", state.SlotReferences)

	assert.Equal(t, state.State{"data": 1, "error": "boom"}, projected)
}

func TestRemovePropsDeletesInPlace(t *testing.T) {
	s := state.State{"configuration": "secret", "response": "x", "data": 1}

	s.RemoveProps([]string{"configuration", "response"})

	assert.Equal(t, state.State{"data": 1}, s)
}

func TestMarshalParseRoundTrip(t *testing.T) {
	s := state.State{"data": map[string]any{"n": float64(7)}}

	raw, err := s.Marshal()
	require.NoError(t, err)

	parsed, err := state.Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, s, parsed)
}
