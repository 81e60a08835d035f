// Command runner is the isolated child process the engine spawns once
// per attempt (§4.2/§9's process-isolation design note): it reads a
// single JSON request on stdin (the raw plan plus the already-resolved
// initial state), compiles the plan itself (internal/plan +
// internal/sandbox's condition context — a compiled plan's edge
// predicates are goja closures bound to a VM and cannot cross the
// process boundary, per internal/engine/worker.go's CallWorker doc
// comment), walks the resulting job graph through a fresh
// internal/sandbox.Runner per job, and streams lifecycle events as
// newline-delimited JSON on stdout.
//
// Fan-out is reduced to single-path traversal: AttemptState (§3) only
// ever tracks one activeRun/activeJob, so at most one job is "current"
// at a time regardless of how many outgoing edges a job has. On a
// job's outgoing edges, the first one whose condition is satisfied (or
// the first unconditional one) is taken; the rest are not visited.
//
// Exit code 0 covers a run that reported its outcome: workflow-complete,
// or an attempt-failed event when the plan did not compile or a job
// failed (a reported lifecycle event, not a process crash; no
// workflow-complete follows it). Non-zero means this process
// was killed or crashed before it could report anything — the parent
// then synthesises a resource/timeout failure (§7).
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attemptengine/worker/internal/config"
	"github.com/attemptengine/worker/internal/plan"
	"github.com/attemptengine/worker/internal/sandbox"
	"github.com/attemptengine/worker/internal/state"
	"github.com/attemptengine/worker/internal/workererr"
)

// wireRequest mirrors internal/engine/worker.go's wireRequest exactly;
// duplicated rather than imported so this binary's public surface
// stays independent of the parent's internal engine package.
type wireRequest struct {
	AttemptID string             `json:"attemptId"`
	Plan      plan.ExecutionPlan `json:"plan"`
	Initial   state.State        `json:"initial"`
}

// wireEvent mirrors internal/engine/worker.go's wireEvent: one NDJSON
// line on stdout (or, for a credential-request, a line answered by a
// wireCredentialReply line read back off stdin).
type wireEvent struct {
	Kind    string      `json:"kind"`
	JobID   string      `json:"jobId,omitempty"`
	State   state.State `json:"state,omitempty"`
	Level   string      `json:"level,omitempty"`
	Message string      `json:"message,omitempty"`
	Source  string      `json:"source,omitempty"`

	CredentialID string `json:"credentialId,omitempty"`
	RequestID    string `json:"requestId,omitempty"`

	// ErrorKind populates an "attempt-failed" event: the wire-format
	// string of the workererr sentinel this process classified its
	// failure as (see internal/execctx.RunnerEvent.ErrorKind).
	ErrorKind string `json:"errorKind,omitempty"`
}

type wireCredentialReply struct {
	RequestID  string         `json:"requestId"`
	Credential map[string]any `json:"credential,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Event kinds, matching internal/execctx's constants.
const (
	kindWorkflowStart     = "workflow-start"
	kindJobStart          = "job-start"
	kindJobComplete       = "job-complete"
	kindLog               = "log"
	kindWorkflowComplete  = "workflow-complete"
	kindCredentialRequest = "credential-request"
	kindAttemptFailed     = "attempt-failed"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "runner:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := applyMemoryLimit(cfg.MaxRunMemoryMb); err != nil {
		return fmt.Errorf("apply memory limit: %w", err)
	}

	stdinDec := json.NewDecoder(os.Stdin)

	var req wireRequest
	if err := stdinDec.Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	bw := bufio.NewWriter(os.Stdout)
	out := &encoder{enc: json.NewEncoder(bw), bw: bw}
	defer out.flush()

	timeout := time.Duration(cfg.MaxRunDurationSecs) * time.Second

	w := &walker{
		req:        req,
		out:        out,
		resolver:   newCredentialResolver(out, stdinDec),
		stateProps: cfg.StateProps(),
		timeout:    timeout,
	}

	return w.walk()
}

// encoder serialises one NDJSON line per emit call, flushing
// immediately so the parent's bufio.Scanner sees each event as it
// happens rather than batched until process exit.
type encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
	bw  *bufio.Writer
}

func (e *encoder) emit(ev wireEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.enc.Encode(ev); err != nil {
		return err
	}
	return e.bw.Flush()
}

func (e *encoder) flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	_ = e.bw.Flush()
}

// walker drives the compiled plan graph one job at a time.
type walker struct {
	req        wireRequest
	out        *encoder
	resolver   sandbox.CredentialFunc
	stateProps []string
	timeout    time.Duration
}

func (w *walker) walk() error {
	compiled, err := plan.Compile(w.req.Plan, sandbox.CompileCondition)
	if err != nil {
		failure := workererr.NewFailure(workererr.ErrCompile, "plan compilation failed", err)
		// No ATTEMPT_START is pushed for a compile failure (§4.4 step
		// 6/§7): this process exits having reported the classified
		// reason but never reached workflow-complete, so the engine's
		// fallback path (internal/engine/engine.go's drive()) recovers
		// failure.Kind from the attempt-failed event below and
		// synthesises the failed ATTEMPT_COMPLETE once this process
		// exits and the event channel closes.
		return w.emitFailure(failure)
	}

	if err := w.out.emit(wireEvent{Kind: kindWorkflowStart}); err != nil {
		return err
	}

	runner := sandbox.New()
	runningState := w.req.Initial

	current := compiled.Jobs[compiled.Start]
	visited := make(map[string]bool)

	for current != nil && !visited[current.ID] {
		visited[current.ID] = true

		if err := w.out.emit(wireEvent{Kind: kindJobStart, JobID: current.ID}); err != nil {
			return err
		}

		expr, ok := current.Expression.(string)
		if !ok {
			failure := workererr.NewFailure(workererr.ErrRuntime,
				fmt.Sprintf("job %q: pre-compiled operation lists cannot cross the process boundary, only source expressions can", current.ID), nil)
			// Reported as attempt-failed, then the process exits without
			// workflow-complete — the same fallback-failure path as a
			// compile error.
			return w.emitFailure(failure)
		}

		seeded := mergeJobConfiguration(runningState, current.Configuration)

		result, runErr := runner.Run(context.Background(), expr, seeded, sandbox.Options{
			Timeout:    w.timeout,
			Log:        w.logFunc(current.ID),
			Credential: w.resolver,
		})
		if runErr != nil {
			return w.emitFailure(classifyRunError(runErr))
		}

		result.RemoveProps(w.stateProps)
		runningState = result

		if err := w.out.emit(wireEvent{Kind: kindJobComplete, JobID: current.ID, State: result}); err != nil {
			return err
		}

		current = w.next(compiled, current, result)
	}

	return w.out.emit(wireEvent{Kind: kindWorkflowComplete})
}

// next picks the first outgoing edge of job whose condition is
// satisfied by the job's own output state (unconditional edges always
// qualify), or nil when none qualify or none exist. job.Next is a Go
// map (the wire format's edge order is not preserved through JSON
// object decoding), so targets are visited in sorted-id order rather
// than map iteration order — without this, the "first" edge picked
// would vary nondeterministically run to run for a job with more than
// one qualifying edge.
func (w *walker) next(compiled *plan.CompiledExecutionPlan, job *plan.CompiledJob, out state.State) *plan.CompiledJob {
	targetIDs := make([]string, 0, len(job.Next))
	for targetID := range job.Next {
		targetIDs = append(targetIDs, targetID)
	}
	sort.Strings(targetIDs)

	for _, targetID := range targetIDs {
		edge := job.Next[targetID]
		target, ok := compiled.Jobs[targetID]
		if !ok {
			continue
		}
		if edge.Condition == nil {
			return target
		}
		matched, err := edge.Condition(out)
		if err != nil {
			_ = w.emitLog("error", fmt.Sprintf("edge condition %s->%s failed: %v", job.ID, targetID, err))
			continue
		}
		if matched {
			return target
		}
	}
	return nil
}

func (w *walker) logFunc(jobID string) sandbox.LogFunc {
	return func(level, message string) {
		_ = w.out.emit(wireEvent{Kind: kindLog, JobID: jobID, Level: level, Message: message, Source: "runner"})
	}
}

func (w *walker) emitLog(level, message string) error {
	return w.out.emit(wireEvent{Kind: kindLog, Level: level, Message: message, Source: "runner"})
}

// emitFailure reports a classified failure as an attempt-failed event
// (carrying ErrorKind so engine.go's fallback path can reconstruct a
// typed workererr.AttemptFailure instead of a bare error) and, for
// operator visibility, as a matching log line. It returns the error of
// writing the attempt-failed event, nil once it is written: the
// process then exits 0 having reported why, never having reached
// workflow-complete — see this package's doc comment on exit codes.
func (w *walker) emitFailure(failure *workererr.AttemptFailure) error {
	_ = w.emitLog("error", failure.Error())
	return w.out.emit(wireEvent{
		Kind:      kindAttemptFailed,
		Message:   failure.Error(),
		ErrorKind: failure.Kind.Error(),
	})
}

// classifyRunError recovers the *workererr.AttemptFailure
// sandbox.Runner.Run already constructs internally (every return path
// in internal/sandbox/sandbox.go wraps one of the workererr sentinels),
// falling back to ErrRuntime for the unexpected case of an
// unclassified error reaching here.
func classifyRunError(err error) *workererr.AttemptFailure {
	var af *workererr.AttemptFailure
	if errors.As(err, &af) {
		return af
	}
	return workererr.NewFailure(workererr.ErrRuntime, err.Error(), err)
}

// mergeJobConfiguration overlays a compiled job's own Configuration onto
// the evolving state's configuration slot before the job runs, so a
// job's adaptor credentials/config (§3's JobSpec.configuration) are
// visible to its operation chain without mutating the caller's map.
func mergeJobConfiguration(s state.State, configuration any) state.State {
	if configuration == nil {
		return s
	}

	merged := make(state.State, len(s)+1)
	for k, v := range s {
		merged[k] = v
	}
	merged[state.SlotConfiguration] = configuration
	return merged
}

// newCredentialResolver builds the credential(id) hook exposed to user
// code: it writes a credential-request event on stdout and blocks
// reading the matching reply line off stdin (§4.3's lazy resolver,
// bridged across the process boundary since this process has no
// direct channel transport access).
func newCredentialResolver(out *encoder, dec *json.Decoder) sandbox.CredentialFunc {
	return func(id string) (map[string]any, error) {
		reqID := uuid.NewString()

		if err := out.emit(wireEvent{Kind: kindCredentialRequest, CredentialID: id, RequestID: reqID}); err != nil {
			return nil, fmt.Errorf("request credential %s: %w", id, err)
		}

		var reply wireCredentialReply
		if err := dec.Decode(&reply); err != nil {
			return nil, fmt.Errorf("read credential reply for %s: %w", id, err)
		}
		if reply.RequestID != reqID {
			return nil, fmt.Errorf("credential reply id mismatch: got %s want %s", reply.RequestID, reqID)
		}
		if reply.Error != "" {
			return nil, errors.New(reply.Error)
		}
		return reply.Credential, nil
	}
}
