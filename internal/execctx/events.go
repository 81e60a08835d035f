package execctx

import "github.com/attemptengine/worker/internal/state"

// RunnerEvent is one lifecycle event emitted by a runner child process
// over its stdout NDJSON stream (§4.2/§4.3). Exactly one of the typed
// fields is populated, selected by Kind.
type RunnerEvent struct {
	Kind string `json:"kind"`

	JobID string      `json:"job_id,omitempty"`
	State state.State `json:"state,omitempty"`

	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
	Source  string `json:"source,omitempty"`

	// CredentialID/RequestID/Reply are only populated for
	// KindCredentialRequest: the runner child process cannot reach the
	// channel transport directly (§9's process-isolation note), so a
	// credential(id) call made by user code inside the sandbox crosses
	// back over the same stdio pipe as a request/reply pair rather than
	// the in-process lazy resolver spec.md describes. Reply is not
	// serialised; it is wired by the CallWorker implementation that
	// decoded this event off the child's stdout, and answers it by
	// writing one NDJSON line back to the child's stdin.
	CredentialID string                                      `json:"-"`
	RequestID    string                                      `json:"-"`
	Reply        func(cred map[string]any, err error) error `json:"-"`

	// ErrorKind is only populated for KindAttemptFailed: the wire-format
	// string of the workererr sentinel (e.g. "ERR_TIMEOUT") the runner
	// classified its failure as, carried across the process boundary as
	// plain text since a goja/context error value cannot itself cross
	// it. engine.drive reconstructs a typed *workererr.AttemptFailure
	// from it via workererr.KindFromString before calling ec.Fail.
	ErrorKind string `json:"-"`
}

// Runner event kinds, mirroring §4.3's event table.
const (
	KindWorkflowStart     = "workflow-start"
	KindJobStart          = "job-start"
	KindJobComplete       = "job-complete"
	KindLog               = "log"
	KindWorkflowComplete  = "workflow-complete"
	KindCredentialRequest = "credential-request"

	// KindAttemptFailed is emitted by the runner in place of
	// workflow-complete when it cannot continue (compile failure, a
	// non-expression job, or sandbox.Runner.Run returning a classified
	// error): it carries Message/ErrorKind and is never forwarded to
	// Context.Handle, which has no case for it — engine.drive intercepts
	// it to build the ATTEMPT_COMPLETE failure reason/error type (§7).
	KindAttemptFailed = "attempt-failed"
)
