package sandbox

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/attemptengine/worker/internal/plan"
	"github.com/attemptengine/worker/internal/state"
)

// CompileCondition implements plan.ConditionCompiler (§4.4 step 4): it
// compiles source into a plan.Predicate evaluated inside a restricted
// condition context exposing only a read-only projection of
// state.data/state.references — no timers, no console, no credential
// resolver, unlike the full operation sandbox in sandbox.go.
func CompileCondition(source string) (plan.Predicate, error) {
	vm := goja.New()

	wrapped := fmt.Sprintf("(function(state) { return (%s); })", source)
	val, err := vm.RunString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", source, err)
	}

	fn, ok := goja.AssertFunction(val)
	if !ok {
		return nil, fmt.Errorf("compile condition %q: expression is not callable", source)
	}

	freeze, ok := goja.AssertFunction(vm.Get("Object").ToObject(vm).Get("freeze"))
	if !ok {
		return nil, fmt.Errorf("compile condition %q: Object.freeze unavailable", source)
	}

	return func(s state.State) (bool, error) {
		projection := vm.NewObject()
		if err := projection.Set("data", s[state.SlotData]); err != nil {
			return false, fmt.Errorf("evaluate condition %q: %w", source, err)
		}
		if err := projection.Set("references", s[state.SlotReferences]); err != nil {
			return false, fmt.Errorf("evaluate condition %q: %w", source, err)
		}
		if _, err := freeze(goja.Undefined(), projection); err != nil {
			return false, fmt.Errorf("evaluate condition %q: %w", source, err)
		}

		result, err := fn(goja.Undefined(), projection)
		if err != nil {
			return false, fmt.Errorf("evaluate condition %q: %w", source, err)
		}
		return result.ToBoolean(), nil
	}, nil
}
