package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/attemptengine/worker/internal/execctx"
	"github.com/attemptengine/worker/internal/plan"
	"github.com/attemptengine/worker/internal/state"
	"github.com/attemptengine/worker/internal/workererr"
)

// WorkerOptions configures DefaultCallWorker. Grounded on the Vortex
// runner's ProcessRunnerConfig (other_examples'
// vortex-api-internal-runner-process_runner.go): a resolved binary
// path and a per-run deadline, both overridable so tests never spawn a
// real child process.
type WorkerOptions struct {
	// RunnerPath is the path to the cmd/runner binary. Empty resolves
	// to a "runner" binary alongside the current executable, per
	// §4.5's "resolved worker entry path (overridable for testing)".
	RunnerPath string

	// MaxRunDuration bounds how long the child process may run before
	// it is killed (§6's WORKER_MAX_RUN_DURATION_SECONDS). Zero means
	// no additional deadline beyond ctx's own.
	MaxRunDuration time.Duration
}

// wireRequest is what DefaultCallWorker writes to the runner's stdin:
// the raw, uncompiled plan plus the initial state to seed the first
// job. The runner compiles the plan itself once it has a goja VM to
// bind edge conditions to (see CallWorker's doc comment in engine.go).
type wireRequest struct {
	AttemptID string             `json:"attemptId"`
	Plan      plan.ExecutionPlan `json:"plan"`
	Initial   state.State        `json:"initial"`
}

// wireEvent is one NDJSON line on the runner's stdout, mirroring
// execctx.RunnerEvent's shape (§4.3/§6) so cmd/runner's encoder and
// this decoder agree on the wire format without sharing a package that
// would otherwise pull internal/execctx into the child binary's public
// surface.
type wireEvent struct {
	Kind    string      `json:"kind"`
	JobID   string      `json:"jobId,omitempty"`
	State   state.State `json:"state,omitempty"`
	Level   string      `json:"level,omitempty"`
	Message string      `json:"message,omitempty"`
	Source  string      `json:"source,omitempty"`

	// CredentialID/RequestID populate a "credential-request" wireEvent;
	// see wireCredentialReply for the reply line written back to stdin.
	CredentialID string `json:"credentialId,omitempty"`
	RequestID    string `json:"requestId,omitempty"`

	// ErrorKind populates an "attempt-failed" wireEvent: the wire-format
	// string of the workererr sentinel the runner classified its
	// failure as (see execctx.RunnerEvent.ErrorKind).
	ErrorKind string `json:"errorKind,omitempty"`
}

// wireCredentialReply is the NDJSON line DefaultCallWorker writes back
// onto the child's stdin in answer to a "credential-request" event.
type wireCredentialReply struct {
	RequestID  string         `json:"requestId"`
	Credential map[string]any `json:"credential,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// resolveRunnerPath finds the sibling "runner" binary next to the
// currently running executable when opts.RunnerPath is unset.
func resolveRunnerPath(opts WorkerOptions) (string, error) {
	if opts.RunnerPath != "" {
		return opts.RunnerPath, nil
	}

	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve own executable path: %w", err)
	}

	return filepath.Join(filepath.Dir(self), "runner"), nil
}

// NewDefaultCallWorker builds the production CallWorker: one OS child
// process per attempt, fed the raw plan and initial state on stdin,
// its lifecycle events decoded line-by-line from stdout. Grounded
// on the Vortex ProcessRunner's exec.CommandContext/context-timeout
// zombie-prevention pattern, adapted from a single request/response
// call into a streaming one since a job graph emits many lifecycle
// events rather than one result.
func NewDefaultCallWorker(opts WorkerOptions) CallWorker {
	return func(ctx context.Context, attemptID string, raw plan.ExecutionPlan, initial state.State) (<-chan execctx.RunnerEvent, error) {
		runnerPath, err := resolveRunnerPath(opts)
		if err != nil {
			return nil, err
		}

		runCtx := ctx
		var cancel context.CancelFunc
		if opts.MaxRunDuration > 0 {
			runCtx, cancel = context.WithTimeout(ctx, opts.MaxRunDuration)
		}

		cmd := exec.CommandContext(runCtx, runnerPath)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			if cancel != nil {
				cancel()
			}
			return nil, fmt.Errorf("open runner stdin: %w", err)
		}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			if cancel != nil {
				cancel()
			}
			return nil, fmt.Errorf("open runner stdout: %w", err)
		}

		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			if cancel != nil {
				cancel()
			}
			return nil, fmt.Errorf("start runner process for attempt %s: %w", attemptID, err)
		}

		req := wireRequest{AttemptID: attemptID, Plan: raw, Initial: initial}
		reqData, err := json.Marshal(req)
		if err != nil {
			_ = cmd.Process.Kill()
			if cancel != nil {
				cancel()
			}
			return nil, fmt.Errorf("marshal runner request: %w", err)
		}

		events := make(chan execctx.RunnerEvent, 16)

		go func() {
			defer close(events)
			if cancel != nil {
				defer cancel()
			}
			// stdin stays open for the process lifetime (not closed right
			// after the initial write): a credential-request event needs a
			// reply written back onto this same pipe before the runner's
			// operation chain can resume (§4.3's lazy credential resolver,
			// bridged across the process boundary — see
			// execctx.KindCredentialRequest's doc comment).
			defer func() { _ = stdin.Close() }()

			var stdinMu sync.Mutex
			stdinEnc := json.NewEncoder(stdin)

			if _, err := stdin.Write(append(reqData, '\n')); err != nil {
				return
			}

			scanner := bufio.NewScanner(stdout)
			scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

			// send parks on the events channel with an escape hatch on
			// runCtx: if drive() returned early and stopped draining
			// events (e.g. ec.Handle errored), runCtx is cancelled by
			// engine.go's deferred cancel, which both kills this
			// process via exec.CommandContext and — via this select —
			// unblocks an already-parked send instead of leaking this
			// goroutine forever against a full, undrained buffer.
			send := func(ev execctx.RunnerEvent) bool {
				select {
				case events <- ev:
					return true
				case <-runCtx.Done():
					return false
				}
			}

		scanLoop:
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}

				var we wireEvent
				if err := json.Unmarshal(line, &we); err != nil {
					if !send(execctx.RunnerEvent{
						Kind: execctx.KindLog, Level: "error",
						Message: fmt.Sprintf("malformed runner event: %v", err), Source: "runner",
					}) {
						break scanLoop
					}
					continue
				}

				if we.Kind == execctx.KindCredentialRequest {
					requestID := we.RequestID
					if !send(execctx.RunnerEvent{
						Kind: we.Kind, CredentialID: we.CredentialID, RequestID: requestID,
						Reply: func(cred map[string]any, cerr error) error {
							reply := wireCredentialReply{RequestID: requestID, Credential: cred}
							if cerr != nil {
								reply.Error = cerr.Error()
							}
							stdinMu.Lock()
							defer stdinMu.Unlock()
							return stdinEnc.Encode(reply)
						},
					}) {
						break scanLoop
					}
					continue
				}

				if !send(execctx.RunnerEvent{
					Kind: we.Kind, JobID: we.JobID, State: we.State,
					Level: we.Level, Message: we.Message, Source: we.Source,
					ErrorKind: we.ErrorKind,
				}) {
					break scanLoop
				}
			}

			_ = cmd.Wait()

			// A child killed at the MaxRunDuration deadline cannot report
			// its own failure, so it is reported here as ERR_TIMEOUT.
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				select {
				case events <- execctx.RunnerEvent{
					Kind:      execctx.KindAttemptFailed,
					Message:   "run exceeded wall-clock budget",
					ErrorKind: workererr.ErrTimeout.Error(),
				}:
				case <-ctx.Done():
				}
			}
		}()

		return events, nil
	}
}
