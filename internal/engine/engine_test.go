package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attemptengine/worker/internal/channel/fake"
	"github.com/attemptengine/worker/internal/engine"
	"github.com/attemptengine/worker/internal/execctx"
	"github.com/attemptengine/worker/internal/plan"
	"github.com/attemptengine/worker/internal/protocol"
	"github.com/attemptengine/worker/internal/state"
	"github.com/attemptengine/worker/internal/workererr"
)

func scriptedWorker(events []execctx.RunnerEvent) engine.CallWorker {
	return func(ctx context.Context, attemptID string, raw plan.ExecutionPlan, initial state.State) (<-chan execctx.RunnerEvent, error) {
		ch := make(chan execctx.RunnerEvent, len(events))
		for _, ev := range events {
			ch <- ev
		}
		close(ch)
		return ch, nil
	}
}

func TestExecuteHappyPathCompletes(t *testing.T) {
	tr := fake.New()
	tr.OnReply(func(_ context.Context, _, eventName string, _ any) (any, error) {
		return map[string]any{}, nil
	})

	events := []execctx.RunnerEvent{
		{Kind: execctx.KindWorkflowStart},
		{Kind: execctx.KindJobStart, JobID: "job-1"},
		{Kind: execctx.KindJobComplete, JobID: "job-1", State: state.State{"data": float64(9)}},
		{Kind: execctx.KindWorkflowComplete},
	}

	e, err := engine.New(2, tr, scriptedWorker(events))
	require.NoError(t, err)
	defer e.Close()

	raw := plan.ExecutionPlan{Start: "job-1", Jobs: []plan.JobSpec{{ID: "job-1", Expression: "export default [s => s];"}}}
	sub, err := e.Execute(context.Background(), "attempt-1", raw)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	seenComplete := false
	for !seenComplete {
		select {
		case ev, ok := <-sub.Recv():
			if !ok {
				t.Fatal("subscription closed before workflow-complete event observed")
			}
			if ev.Kind == execctx.KindWorkflowComplete {
				seenComplete = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for workflow-complete event")
		}
	}

	require.Eventually(t, func() bool {
		_, ok := e.GetWorkflowState("attempt-1")
		return !ok
	}, time.Second, 10*time.Millisecond, "workflow registry entry should be torn down on completion")
}

func TestActiveCountReflectsQueuedAndRunning(t *testing.T) {
	tr := fake.New()
	tr.OnReply(func(_ context.Context, _, _ string, _ any) (any, error) { return map[string]any{}, nil })

	block := make(chan struct{})
	worker := func(ctx context.Context, attemptID string, raw plan.ExecutionPlan, initial state.State) (<-chan execctx.RunnerEvent, error) {
		ch := make(chan execctx.RunnerEvent)
		go func() {
			<-block
			close(ch)
		}()
		return ch, nil
	}

	e, err := engine.New(1, tr, worker)
	require.NoError(t, err)
	defer e.Close()

	rawPlan := plan.ExecutionPlan{Start: "job-1", Jobs: []plan.JobSpec{{ID: "job-1"}}}
	_, err = e.Execute(context.Background(), "attempt-1", rawPlan)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return e.ActiveCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, e.Capacity())

	close(block)

	require.Eventually(t, func() bool { return e.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)
}

// TestExecuteAttemptFailedReconstructsTypedFailure exercises the
// runner-reported classification path: a runner process that emits
// attempt-failed then exits (no workflow-complete) must still push a
// coordinator ATTEMPT_COMPLETE carrying the runner's ErrorKind, not a
// bare "runner exited without completing the workflow" string.
func TestExecuteAttemptFailedReconstructsTypedFailure(t *testing.T) {
	tr := fake.New()

	events := []execctx.RunnerEvent{
		{Kind: execctx.KindWorkflowStart},
		{Kind: execctx.KindAttemptFailed, Message: "run exceeded wall-clock budget", ErrorKind: workererr.ErrTimeout.Error()},
	}

	e, err := engine.New(1, tr, scriptedWorker(events))
	require.NoError(t, err)
	defer e.Close()

	raw := plan.ExecutionPlan{Start: "job-1", Jobs: []plan.JobSpec{{ID: "job-1", Expression: "export default [s => s];"}}}
	_, err = e.Execute(context.Background(), "attempt-1", raw)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := e.GetWorkflowState("attempt-1")
		return !ok
	}, time.Second, 10*time.Millisecond)

	var complete protocol.AttemptComplete
	for _, p := range tr.Pushes() {
		if p.EventName == "attempt_complete" {
			complete = p.Payload.(protocol.AttemptComplete)
		}
	}

	assert.Equal(t, "ERR_TIMEOUT", complete.ErrorType)
	assert.Contains(t, complete.ErrorMessage, "run exceeded wall-clock budget")
}

// TestDriveCancelsCallWorkerContextOnEarlyReturn guards against the
// runner-process/goroutine leak that a bare ctx (never cancelled on
// ec.Handle erroring) caused: drive() must cancel the context it
// passes to callWorker on every return path, not just the happy one,
// so a CallWorker using exec.CommandContext actually tears its child
// process down instead of leaving it (and its event-forwarding
// goroutine) running unsupervised.
func TestDriveCancelsCallWorkerContextOnEarlyReturn(t *testing.T) {
	tr := fake.New()

	var gotCtx context.Context
	worker := func(ctx context.Context, attemptID string, raw plan.ExecutionPlan, initial state.State) (<-chan execctx.RunnerEvent, error) {
		gotCtx = ctx
		ch := make(chan execctx.RunnerEvent, 1)
		// An event kind execctx.Context.Handle has no case for forces
		// drive() down its early-return path (ec.Fail + return)
		// instead of reaching workflow-complete.
		ch <- execctx.RunnerEvent{Kind: "not-a-real-kind"}
		close(ch)
		return ch, nil
	}

	e, err := engine.New(1, tr, worker)
	require.NoError(t, err)
	defer e.Close()

	raw := plan.ExecutionPlan{Start: "job-1", Jobs: []plan.JobSpec{{ID: "job-1", Expression: "export default [s => s];"}}}
	_, err = e.Execute(context.Background(), "attempt-1", raw)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return gotCtx != nil && gotCtx.Err() != nil
	}, time.Second, 10*time.Millisecond, "drive must cancel callWorker's context once it returns early")
}
