// Package engine implements the Concurrency Controller of §4.5: the
// worker-pool-bounded registry of in-flight attempts, dispatching each
// to a fresh isolated runner process and proxying lifecycle events to
// the coordinator.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/panjf2000/ants/v2"

	"github.com/attemptengine/worker/internal/channel"
	"github.com/attemptengine/worker/internal/execctx"
	"github.com/attemptengine/worker/internal/plan"
	"github.com/attemptengine/worker/internal/state"
	"github.com/attemptengine/worker/internal/workererr"
)

// Status is a WorkflowState's lifecycle stage.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// WorkflowState is the engine's registry entry for one attempt (§3's
// Engine registries).
type WorkflowState struct {
	WorkflowID string
	Status     Status
}

// Event is a RunnerEvent re-emitted on the engine-wide stream with the
// originating workflow id attached (§4.5's "proxy re-emits context
// events with workflowId added").
type Event struct {
	WorkflowID string
	execctx.RunnerEvent
}

// CallWorker spawns or dispatches one attempt's isolated runner,
// streaming its lifecycle events on the returned channel until the
// channel is closed (signalling the runner process exited). Overridable
// for testing (§4.5: "callWorker ... overridable for testing").
//
// raw carries the *uncompiled* plan.ExecutionPlan rather than a
// CompiledExecutionPlan: a compiled plan's edge predicates are goja
// closures bound to a VM, which cannot cross the process boundary to
// the runner child process. The runner owns its own goja VM to execute
// job operations, so it compiles the plan itself (internal/plan.Compile
// plus internal/sandbox.CompileCondition) once it has a runtime to bind
// conditions to.
type CallWorker func(ctx context.Context, attemptID string, raw plan.ExecutionPlan, initial state.State) (<-chan execctx.RunnerEvent, error)

// Engine holds the worker pool and the states/contexts registries.
// Registries are guarded maps behind a mutex, following the teacher's
// mutex-guarded registry pattern (internal/framequeue/manager.go).
type Engine struct {
	mu       sync.Mutex
	states   map[string]*WorkflowState
	contexts map[string]*execctx.Context

	pool       *ants.Pool
	callWorker CallWorker
	transport  channel.Transport

	subsMu sync.Mutex
	subs   map[string][]*Subscription
}

// New builds an Engine whose worker pool is bounded by capacity — the
// same bound the claim loop's availableCapacity() reads (§4.5/§4.6
// share one pool).
func New(capacity int, transport channel.Transport, callWorker CallWorker) (*Engine, error) {
	pool, err := ants.NewPool(capacity)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Engine{
		states:     make(map[string]*WorkflowState),
		contexts:   make(map[string]*execctx.Context),
		pool:       pool,
		callWorker: callWorker,
		transport:  transport,
		subs:       make(map[string][]*Subscription),
	}, nil
}

// Close releases the worker pool.
func (e *Engine) Close() {
	e.pool.Release()
}

// ActiveCount returns the number of attempts with status queued or
// running, the capacity invariant of §3 ("capacity = count of entries
// with status in {queued, running}").
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, s := range e.states {
		if s.Status == StatusQueued || s.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Capacity returns the worker pool's configured bound.
func (e *Engine) Capacity() int {
	return e.pool.Cap()
}

// registerWorkflow creates a WorkflowState (status=queued) and inserts
// it into the registry.
func (e *Engine) registerWorkflow(workflowID string) *WorkflowState {
	e.mu.Lock()
	defer e.mu.Unlock()

	ws := &WorkflowState{WorkflowID: workflowID, Status: StatusQueued}
	e.states[workflowID] = ws
	return ws
}

// Execute registers plan execution for workflowID, constructs an
// ExecutionContext, and submits the driving goroutine (the one that
// owns the runner process and relays its events) to the worker pool.
// Returns a Subscription exposing only Recv — external observers
// cannot push events in (§4.5's design note), and cannot detach before
// the engine closes the stream at teardown.
func (e *Engine) Execute(ctx context.Context, workflowID string, raw plan.ExecutionPlan) (*Subscription, error) {
	ws := e.registerWorkflow(workflowID)

	ec := execctx.New(workflowID, e.transport)

	e.mu.Lock()
	e.contexts[workflowID] = ec
	e.mu.Unlock()

	sub := e.subscribe(workflowID)

	err := e.pool.Submit(func() {
		e.drive(ctx, workflowID, ws, ec, raw)
	})
	if err != nil {
		e.teardown(workflowID)
		return nil, fmt.Errorf("submit attempt %s to worker pool: %w", workflowID, err)
	}

	return sub, nil
}

// drive runs on a pool worker goroutine: it resolves the plan's initial
// state (inline, or by dataclip reference via GET_DATACLIP — §4.3),
// spawns the isolated runner via callWorker, relays its events to the
// ExecutionContext and to any subscribers, and tears down the
// registries on completion.
func (e *Engine) drive(ctx context.Context, workflowID string, ws *WorkflowState, ec *execctx.Context, raw plan.ExecutionPlan) {
	e.mu.Lock()
	ws.Status = StatusRunning
	e.mu.Unlock()

	// runCtx bounds the runner process's lifetime to this drive call: if
	// drive returns early (ec.Handle erroring, initial-state resolution
	// failing), cancelling it propagates through exec.CommandContext to
	// kill the still-running child instead of leaving it to run
	// unsupervised, and unblocks worker.go's event-forwarding goroutine
	// if it is parked on a full events channel nobody is draining
	// anymore.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	dataclipID, isRef := raw.InitialStateDataclipID()

	var inline state.State
	if !isRef {
		var err error
		inline, err = raw.InlineState()
		if err != nil {
			ec.Fail(ctx, fmt.Errorf("decode inline initial state: %w", err))
			e.finish(workflowID, ws, StatusFailed)
			return
		}
	}

	initial, err := ec.InitialState(ctx, inline, dataclipID, isRef)
	if err != nil {
		ec.Fail(ctx, fmt.Errorf("resolve initial state: %w", err))
		e.finish(workflowID, ws, StatusFailed)
		return
	}

	events, err := e.callWorker(runCtx, workflowID, raw, initial)
	if err != nil {
		ec.Fail(ctx, fmt.Errorf("spawn runner: %w", err))
		e.finish(workflowID, ws, StatusFailed)
		return
	}

	var failure *workererr.AttemptFailure

	for ev := range events {
		if ev.Kind == execctx.KindCredentialRequest {
			// Answered directly against the channel transport via ec and
			// replied to the runner process over its own stdin; never
			// published or handed to ec.Handle, which has no case for it.
			cred, cerr := ec.Credential(ctx, ev.CredentialID)
			if ev.Reply != nil {
				_ = ev.Reply(cred, cerr)
			}
			continue
		}

		if ev.Kind == execctx.KindAttemptFailed {
			// The runner classified its own failure (compile error,
			// ERR_TIMEOUT, ERR_RUNTIME_EXCEPTION, ...) but cannot itself
			// push ATTEMPT_COMPLETE — it has no channel transport access
			// (§9's process-isolation note). Recorded here and
			// reconstructed into a typed failure below rather than
			// handed to ec.Handle, which has no case for this kind.
			e.publish(workflowID, ev)
			kind := workererr.KindFromString(ev.ErrorKind)
			if kind == nil {
				kind = workererr.ErrResource
			}
			failure = workererr.NewFailure(kind, ev.Message, nil)
			continue
		}

		e.publish(workflowID, ev)
		if herr := ec.Handle(ctx, ev); herr != nil {
			ec.Fail(ctx, herr)
			e.finish(workflowID, ws, StatusFailed)
			return
		}
	}

	select {
	case <-ec.Done:
		e.finish(workflowID, ws, StatusCompleted)
	default:
		// The runner process exited before emitting workflow-complete:
		// a resource/timeout failure per §7, classified from the
		// attempt-failed event above when the runner reported one, or a
		// bare resource error when the process just vanished.
		err := error(workererr.NewFailure(workererr.ErrResource, "runner exited without completing the workflow", nil))
		if failure != nil {
			err = failure
		}
		ec.Fail(ctx, err)
		e.finish(workflowID, ws, StatusFailed)
	}
}

func (e *Engine) finish(workflowID string, ws *WorkflowState, status Status) {
	e.mu.Lock()
	ws.Status = status
	e.mu.Unlock()
	e.teardown(workflowID)
}

// teardown removes workflowID's registry entries and closes its
// subscriptions, per §3's "removed on workflow completion".
func (e *Engine) teardown(workflowID string) {
	e.mu.Lock()
	delete(e.states, workflowID)
	delete(e.contexts, workflowID)
	e.mu.Unlock()

	e.subsMu.Lock()
	for _, s := range e.subs[workflowID] {
		s.close()
	}
	delete(e.subs, workflowID)
	e.subsMu.Unlock()
}

// GetWorkflowState is a read-only accessor over the states registry.
func (e *Engine) GetWorkflowState(workflowID string) (*WorkflowState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ws, ok := e.states[workflowID]
	return ws, ok
}

// GetWorkflowStatus is sugar over GetWorkflowState returning just the
// status.
func (e *Engine) GetWorkflowStatus(workflowID string) (Status, bool) {
	ws, ok := e.GetWorkflowState(workflowID)
	if !ok {
		return "", false
	}
	return ws.Status, true
}
