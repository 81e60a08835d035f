// Package sandbox implements the Runner of §4.2: a disposable goja VM
// that loads a user expression as a CommonJS-style module, composes its
// default export's operation list over an evolving state.State, and
// enforces a wall-clock timeout spanning the whole run.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"

	"github.com/attemptengine/worker/internal/state"
	"github.com/attemptengine/worker/internal/workererr"
)

// DefaultTimeout is applied when Options.Timeout is zero (§4.2 step 4).
const DefaultTimeout = 5 * time.Minute

// LogFunc receives one structured line emitted by the operation wrapper
// or the sandboxed console (§4.2 step 1/3).
type LogFunc func(level, message string)

// Options bundles a single Run invocation's configuration.
type Options struct {
	Timeout      time.Duration
	Immutable    bool
	Strict       bool
	ForceSandbox bool
	Log          LogFunc

	// Credential, when set, is exposed to user code as the sandbox
	// global `credential(id)` (§4.3's lazy resolver).
	Credential CredentialFunc
}

// Runner executes a user expression's default export over an evolving
// State inside an isolated goja VM.
type Runner struct{}

// New builds a Runner.
func New() *Runner {
	return &Runner{}
}

type outcome struct {
	state state.State
	err   error
}

// Run loads expressionSource and drives its operation chain to
// completion or failure. ForceSandbox is honoured by construction: this
// Runner never accepts a pre-compiled operation list, only source text,
// since process isolation (§9's design note) replaces the in-process
// "accept a pre-compiled OperationList" path entirely; an empty
// expressionSource with ForceSandbox set fails synchronously as the
// spec requires.
func (r *Runner) Run(ctx context.Context, expressionSource string, initial state.State, opts Options) (state.State, error) {
	if expressionSource == "" {
		return nil, workererr.NewFailure(workererr.ErrRuntime, "no expression source supplied", nil)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	logFn := opts.Log
	if logFn == nil {
		logFn = func(string, string) {}
	}

	resultCh := make(chan outcome, 1)

	loop := eventloop.NewEventLoop()
	loop.Start()
	defer loop.Terminate()

	scheduled := loop.RunOnLoop(func(vm *goja.Runtime) {
		// Never blocks: it either sends a synchronous failure directly,
		// or attaches a continuation that sends once the operation
		// chain's promise settles on a later loop turn.
		r.runOnLoop(vm, expressionSource, initial, opts, logFn, resultCh)
	})
	if !scheduled {
		return nil, workererr.NewFailure(workererr.ErrInvariant, "event loop rejected the run", nil)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, workererr.NewFailure(workererr.ErrTimeout, "run cancelled", ctx.Err())
	case <-timer.C:
		return nil, workererr.NewFailure(workererr.ErrTimeout, "run exceeded wall-clock budget", nil)
	case o := <-resultCh:
		if o.err != nil {
			return nil, workererr.NewFailure(workererr.ErrRuntime, "operation chain failed", o.err)
		}
		return o.state, nil
	}
}

// runOnLoop does all VM-touching work; it must only ever run on the
// event loop's own goroutine (guaranteed by RunOnLoop) and must never
// block that goroutine, since settling the operation chain's promise
// requires the loop to keep draining its job queue.
func (r *Runner) runOnLoop(vm *goja.Runtime, expressionSource string, initial state.State, opts Options, logFn LogFunc, resultCh chan<- outcome) {
	send := func(o outcome) { resultCh <- o }

	if err := buildEnvironment(vm, logFn, opts.Credential); err != nil {
		send(outcome{nil, fmt.Errorf("build sandbox environment: %w", err)})
		return
	}

	exportsObj, err := loadModule(vm, expressionSource)
	if err != nil {
		send(outcome{nil, err})
		return
	}

	exports, err := extractExports(exportsObj)
	if err != nil {
		send(outcome{nil, err})
		return
	}

	initialVal := vm.ToValue(map[string]any(initial))

	var resultVal goja.Value
	if exports.Execute != nil {
		resultVal, err = exports.Execute(goja.Undefined(), exports.Default, initialVal)
	} else {
		harness, cErr := compileHarness(vm)
		if cErr != nil {
			send(outcome{nil, cErr})
			return
		}
		logCallback := vm.ToValue(func(level, message string) { logFn(level, message) })
		resultVal, err = harness(goja.Undefined(), exports.Default, initialVal, vm.ToValue(opts.Immutable), logCallback)
	}
	if err != nil {
		send(outcome{nil, fmt.Errorf("invoke operation chain: %w", err)})
		return
	}

	r.settle(vm, resultVal, opts, resultCh)
}

// settle attaches a then/catch continuation to resultVal (expected to
// be a native Promise) that finishes the run asynchronously on a later
// loop turn, applying the final-state filtering of §4.2 step 5 with the
// VM's own JSON object so the round trip strips exactly what
// JSON.stringify would strip in the original runtime.
func (r *Runner) settle(vm *goja.Runtime, resultVal goja.Value, opts Options, resultCh chan<- outcome) {
	finish := func(value goja.Value, rejectErr error) {
		if rejectErr != nil {
			resultCh <- outcome{nil, rejectErr}
			return
		}

		jsonObj := vm.Get("JSON").ToObject(vm)
		stringify, ok := goja.AssertFunction(jsonObj.Get("stringify"))
		if !ok {
			resultCh <- outcome{nil, fmt.Errorf("JSON.stringify unavailable")}
			return
		}

		raw, err := stringify(goja.Undefined(), value)
		if err != nil {
			resultCh <- outcome{nil, fmt.Errorf("serialise final state: %w", err)}
			return
		}

		final, err := state.Parse([]byte(raw.String()))
		if err != nil {
			resultCh <- outcome{nil, fmt.Errorf("parse final state: %w", err)}
			return
		}

		if opts.Strict {
			final = final.Project(state.SlotData, "error", state.SlotReferences)
		}

		resultCh <- outcome{final, nil}
	}

	thenFn, ok := goja.AssertFunction(resultVal.ToObject(vm).Get("then"))
	if !ok {
		finish(resultVal, nil)
		return
	}

	resolve := func(call goja.FunctionCall) goja.Value {
		finish(call.Argument(0), nil)
		return goja.Undefined()
	}
	reject := func(call goja.FunctionCall) goja.Value {
		finish(nil, fmt.Errorf("%s", call.Argument(0).String()))
		return goja.Undefined()
	}

	if _, err := thenFn(resultVal, vm.ToValue(resolve), vm.ToValue(reject)); err != nil {
		resultCh <- outcome{nil, fmt.Errorf("await operation chain: %w", err)}
	}
}
