// Package execctx implements the per-attempt Execution Context of
// §4.3: it owns one attempt's mutable AttemptState, translates runner
// lifecycle events into coordinator protocol pushes, and resolves the
// dataclip-by-reference initial state and lazy credential lookups.
package execctx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/attemptengine/worker/internal/channel"
	"github.com/attemptengine/worker/internal/protocol"
	"github.com/attemptengine/worker/internal/state"
	"github.com/attemptengine/worker/internal/workererr"
)

// AttemptState is the spec's per-attempt mutable record (§3): active
// run/job ids, the dataclip table, and the dataclip id of the latest
// job-complete event.
type AttemptState struct {
	mu sync.RWMutex

	ActiveRun string
	ActiveJob string
	Dataclips map[string]state.State
	Result    string
}

func newAttemptState() *AttemptState {
	return &AttemptState{Dataclips: make(map[string]state.State)}
}

// Snapshot returns a copy of the current run/job/result pointers,
// useful for status reporting without exposing the mutex.
func (a *AttemptState) Snapshot() (activeRun, activeJob, result string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ActiveRun, a.ActiveJob, a.Result
}

// Context owns one attempt's lifecycle: translating RunnerEvent values
// into channel pushes and tracking AttemptState, per §4.3's event
// table. Created fresh per attempt by the engine (§4.5) and discarded
// on completion.
type Context struct {
	attemptID string
	topic     string
	transport channel.Transport

	state *AttemptState

	// Done is closed once workflow-complete's ATTEMPT_COMPLETE push has
	// been acknowledged, per §4.3's "only the final ATTEMPT_COMPLETE ack
	// gates the completion callback".
	Done chan struct{}

	completeOnce sync.Once
	finalState   state.State
	finalErr     error
}

// New builds a Context for attemptID, pushing over topic via
// transport.
func New(attemptID string, transport channel.Transport) *Context {
	return &Context{
		attemptID: attemptID,
		topic:     channel.AttemptTopic(attemptID),
		transport: transport,
		state:     newAttemptState(),
		Done:      make(chan struct{}),
	}
}

// State exposes the attempt's mutable state for status reporting.
func (c *Context) State() *AttemptState { return c.state }

// Wait blocks until the attempt completes, returning the resolved final
// dataclip (or an error if the attempt failed before reaching
// workflow-complete).
func (c *Context) Wait(ctx context.Context) (state.State, error) {
	select {
	case <-c.Done:
		return c.finalState, c.finalErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fail resolves the attempt's completion promise with an error without
// a workflow-complete event ever having arrived — used for
// ProtocolError/CompileError/TimeoutError/ResourceError paths (§7)
// where the runner never got to report a normal lifecycle. Per §7's
// "fail the attempt with a synthetic ATTEMPT_COMPLETE carrying no
// dataclip and a failure reason", it still pushes one ATTEMPT_COMPLETE
// (best-effort, ack not awaited — unlike the normal workflow-complete
// path, there is no dataclip state to gate on) so the coordinator sees
// the attempt close out rather than hang waiting on RUN_* events that
// will never arrive.
func (c *Context) Fail(ctx context.Context, err error) {
	c.completeOnce.Do(func() {
		c.finalErr = err

		payload := protocol.AttemptComplete{Reason: err.Error()}
		var af *workererr.AttemptFailure
		if errors.As(err, &af) {
			payload.ErrorType = af.Kind.Error()
			payload.ErrorMessage = af.Error()
		}
		_ = c.transport.Push(ctx, c.topic, protocol.EventAttemptComplete, payload)

		close(c.Done)
	})
}

// InitialState resolves plan.initialState per §4.3: if it is a
// dataclip id, fetch it with GET_DATACLIP; otherwise inline is used
// as-is.
func (c *Context) InitialState(ctx context.Context, inline state.State, dataclipID string, isReference bool) (state.State, error) {
	if !isReference {
		return inline, nil
	}

	var raw []byte
	if err := c.transport.GetWithReply(ctx, c.topic, protocol.EventGetDataclip,
		protocol.GetDataclipRequest{ID: dataclipID}, &raw); err != nil {
		return nil, fmt.Errorf("fetch initial dataclip %s: %w", dataclipID, err)
	}

	return state.Parse(raw)
}

// Credential resolves a credential by id on demand, per §4.3's lazy
// resolver exposed to user code.
func (c *Context) Credential(ctx context.Context, id string) (map[string]any, error) {
	var cred map[string]any
	if err := c.transport.GetWithReply(ctx, c.topic, protocol.EventGetCredential,
		protocol.GetCredentialRequest{ID: id}, &cred); err != nil {
		return nil, fmt.Errorf("resolve credential %s: %w", id, err)
	}
	return cred, nil
}

// Handle processes one RunnerEvent per §4.3's table, in delivery
// order. It does not await a push ack before returning, except for
// workflow-complete's ATTEMPT_COMPLETE, which is the only push that
// gates Wait's return.
func (c *Context) Handle(ctx context.Context, ev RunnerEvent) error {
	switch ev.Kind {
	case KindWorkflowStart:
		return c.transport.Push(ctx, c.topic, protocol.EventAttemptStart, struct{}{})

	case KindJobStart:
		// xid rather than uuid: this id never crosses the wire (the
		// RunStart push below carries ev.JobID, not runID), it only
		// tracks which job is "active" internally, so the pack's
		// shorter, naturally-sortable id fits.
		runID := xid.New().String()
		c.state.mu.Lock()
		c.state.ActiveRun = runID
		c.state.ActiveJob = ev.JobID
		c.state.mu.Unlock()

		// Per the Open Question resolution in internal/protocol/protocol.go,
		// both wire fields carry the compiled job's id, not runID.
		return c.transport.Push(ctx, c.topic, protocol.EventRunStart,
			protocol.RunStart{RunID: ev.JobID, JobID: ev.JobID})

	case KindJobComplete:
		dataclipID := uuid.NewString()
		output, err := ev.State.Marshal()
		if err != nil {
			return fmt.Errorf("marshal job-complete state: %w", err)
		}

		c.state.mu.Lock()
		c.state.Dataclips[dataclipID] = ev.State
		// The last job-complete to arrive wins, regardless of graph
		// branch — resolving spec.md §9's second Open Question the way
		// the source does (see DESIGN.md).
		c.state.Result = dataclipID
		runID := c.state.ActiveRun
		jobID := c.state.ActiveJob
		c.state.ActiveRun = ""
		c.state.ActiveJob = ""
		c.state.mu.Unlock()

		return c.transport.Push(ctx, c.topic, protocol.EventRunComplete, protocol.RunComplete{
			RunID:            jobID,
			JobID:            jobID,
			OutputDataclipID: dataclipID,
			OutputDataclip:   output,
		})

	case KindLog:
		_, activeJob, _ := c.state.Snapshot()
		log := protocol.JSONLog{
			Level:     ev.Level,
			Message:   ev.Message,
			Source:    ev.Source,
			AttemptID: c.attemptID,
		}
		if activeJob != "" {
			log.RunID = activeJob
		}
		return c.transport.Push(ctx, c.topic, protocol.EventAttemptLog, log)

	case KindWorkflowComplete:
		_, _, result := c.state.Snapshot()

		var ack struct{}
		err := c.transport.GetWithReply(ctx, c.topic, protocol.EventAttemptComplete,
			protocol.AttemptComplete{FinalDataclipID: result}, &ack)

		c.completeOnce.Do(func() {
			if err != nil {
				c.finalErr = fmt.Errorf("attempt_complete ack: %w", err)
			} else {
				c.state.mu.RLock()
				c.finalState = c.state.Dataclips[result]
				c.state.mu.RUnlock()
			}
			close(c.Done)
		})
		return err

	default:
		return fmt.Errorf("unknown runner event kind %q", ev.Kind)
	}
}
