package sandbox

import (
	"fmt"

	"github.com/dop251/goja"
)

// evalDisabledError is thrown in place of eval/Function so user code
// cannot compile further code at runtime (§4.2 step 1).
type evalDisabledError struct{}

func (evalDisabledError) Error() string { return "dynamic code generation is disabled" }

// CredentialFunc resolves a credential by id on demand for user code
// (§4.3's lazy resolver), invoked synchronously from the VM's own
// goroutine. Errors are raised as a JS exception in the caller.
type CredentialFunc func(id string) (map[string]any, error)

// buildEnvironment shadows eval/Function with throwing stand-ins and
// installs the scoped console logger plus, when resolveCredential is
// non-nil, a `credential(id)` global. setTimeout/setInterval are
// already installed on vm by the caller's eventloop.EventLoop before
// buildEnvironment runs.
func buildEnvironment(vm *goja.Runtime, emit func(level, message string), resolveCredential CredentialFunc) error {
	disabled := func(goja.FunctionCall) goja.Value {
		panic(vm.NewGoError(evalDisabledError{}))
	}

	if err := vm.Set("eval", disabled); err != nil {
		return fmt.Errorf("shadow eval: %w", err)
	}
	if err := vm.Set("Function", disabled); err != nil {
		return fmt.Errorf("shadow Function: %w", err)
	}

	console := vm.NewObject()
	logAt := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			msg := ""
			if len(call.Arguments) > 0 {
				msg = call.Argument(0).String()
			}
			emit(level, msg)
			return goja.Undefined()
		}
	}
	if err := console.Set("log", logAt("info")); err != nil {
		return fmt.Errorf("build console: %w", err)
	}
	if err := console.Set("info", logAt("info")); err != nil {
		return fmt.Errorf("build console: %w", err)
	}
	if err := console.Set("warn", logAt("warn")); err != nil {
		return fmt.Errorf("build console: %w", err)
	}
	if err := console.Set("error", logAt("error")); err != nil {
		return fmt.Errorf("build console: %w", err)
	}
	if err := vm.Set("console", console); err != nil {
		return fmt.Errorf("set console: %w", err)
	}

	if resolveCredential != nil {
		credentialFn := func(call goja.FunctionCall) goja.Value {
			id := call.Argument(0).String()
			cred, err := resolveCredential(id)
			if err != nil {
				panic(vm.NewGoError(fmt.Errorf("resolve credential %q: %w", id, err)))
			}
			return vm.ToValue(map[string]any(cred))
		}
		if err := vm.Set("credential", credentialFn); err != nil {
			return fmt.Errorf("set credential: %w", err)
		}
	}

	return nil
}
