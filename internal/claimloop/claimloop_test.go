package claimloop_test

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attemptengine/worker/internal/channel"
	"github.com/attemptengine/worker/internal/channel/fake"
	"github.com/attemptengine/worker/internal/claimloop"
	"github.com/attemptengine/worker/internal/config"
	"github.com/attemptengine/worker/internal/engine"
	"github.com/attemptengine/worker/internal/execctx"
	"github.com/attemptengine/worker/internal/plan"
	"github.com/attemptengine/worker/internal/state"
)

func testLogger() *util.LogEntry {
	return util.NewLogger(context.Background())
}

func TestRunClaimsJoinsAndExecutes(t *testing.T) {
	tr := fake.New()

	claimCount := 0
	tr.OnReply(func(_ context.Context, _, eventName string, _ any) (any, error) {
		switch eventName {
		case "claim":
			claimCount++
			if claimCount == 1 {
				return []map[string]any{{"token": "tok-1", "attemptId": "attempt-1"}}, nil
			}
			return []map[string]any{}, nil
		case "get_attempt":
			return map[string]any{
				"id":    "attempt-1",
				"start": "job-1",
				"jobs":  []map[string]any{{"id": "job-1", "expression": "export default [s => s];"}},
			}, nil
		default:
			return map[string]any{}, nil
		}
	})

	tr.OnJoin(func(_ context.Context, _, _ string) (channel.JoinResult, error) {
		return channel.JoinResult{OK: true}, nil
	})

	events := []execctx.RunnerEvent{
		{Kind: execctx.KindWorkflowStart},
		{Kind: execctx.KindWorkflowComplete},
	}
	worker := func(ctx context.Context, attemptID string, raw plan.ExecutionPlan, initial state.State) (<-chan execctx.RunnerEvent, error) {
		ch := make(chan execctx.RunnerEvent, len(events))
		for _, ev := range events {
			ch <- ev
		}
		close(ch)
		return ch, nil
	}

	eng, err := engine.New(1, tr, worker)
	require.NoError(t, err)
	defer eng.Close()

	cfg := config.Configuration{Capacity: 1, Backoff: "0/1"}
	loop, err := claimloop.New(cfg, tr, eng, testLogger())
	require.NoError(t, err)
	loop.NoLoop = true
	loop.ShutdownGrace = 2 * time.Second

	require.NoError(t, loop.Run(context.Background()))

	require.Eventually(t, func() bool {
		_, ok := eng.GetWorkflowState("attempt-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, claimCount, 1)
}

func TestRunRejectsInvalidJoinWithoutExecuting(t *testing.T) {
	tr := fake.New()

	tr.OnReply(func(_ context.Context, _, eventName string, _ any) (any, error) {
		if eventName == "claim" {
			return []map[string]any{{"token": "tok-1", "attemptId": "attempt-1"}}, nil
		}
		return map[string]any{}, nil
	})
	tr.OnJoin(func(_ context.Context, _, _ string) (channel.JoinResult, error) {
		return channel.JoinResult{OK: false, Response: "invalid-token"}, nil
	})

	executed := false
	worker := func(ctx context.Context, attemptID string, raw plan.ExecutionPlan, initial state.State) (<-chan execctx.RunnerEvent, error) {
		executed = true
		ch := make(chan execctx.RunnerEvent)
		close(ch)
		return ch, nil
	}

	eng, err := engine.New(1, tr, worker)
	require.NoError(t, err)
	defer eng.Close()

	cfg := config.Configuration{Capacity: 1, Backoff: "0/1"}
	loop, err := claimloop.New(cfg, tr, eng, testLogger())
	require.NoError(t, err)
	loop.NoLoop = true
	loop.ShutdownGrace = 0

	require.NoError(t, loop.Run(context.Background()))
	assert.False(t, executed, "an invalid-token join must abort the claim without ever calling the engine")
}
