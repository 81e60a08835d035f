package sandbox

import (
	"fmt"

	"github.com/dop251/goja"
)

// moduleWrapperTemplate mirrors a CommonJS module body: the user's
// expression source runs inside a function receiving exports/module,
// matching §4.2 step 2's "resolve it through the module loader" without
// a real filesystem-backed require.
const moduleWrapperTemplate = `(function(exports, module) {
%s
})`

// loadModule execs src as a CommonJS-style module body and returns its
// module.exports object.
func loadModule(vm *goja.Runtime, src string) (*goja.Object, error) {
	wrapped := fmt.Sprintf(moduleWrapperTemplate, src)

	wrapperVal, err := vm.RunString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("load module: %w", err)
	}

	wrapperFn, ok := goja.AssertFunction(wrapperVal)
	if !ok {
		return nil, fmt.Errorf("load module: expression did not produce a callable module body")
	}

	exportsObj := vm.NewObject()
	moduleObj := vm.NewObject()
	if err := moduleObj.Set("exports", exportsObj); err != nil {
		return nil, fmt.Errorf("load module: %w", err)
	}

	if _, err := wrapperFn(goja.Undefined(), exportsObj, moduleObj); err != nil {
		return nil, fmt.Errorf("load module: %w", err)
	}

	exportsVal := moduleObj.Get("exports")
	if exportsVal == nil || goja.IsUndefined(exportsVal) {
		return exportsObj, nil
	}
	return exportsVal.ToObject(vm), nil
}

// moduleExports is the default operation list plus an optional reducer
// override, per §4.2 step 2 ("exports must include a default... optional
// execute overrides the reducer").
type moduleExports struct {
	Default goja.Value
	Execute goja.Callable
}

func extractExports(exportsObj *goja.Object) (moduleExports, error) {
	var out moduleExports

	defaultVal := exportsObj.Get("default")
	if defaultVal == nil || goja.IsUndefined(defaultVal) {
		return out, fmt.Errorf("module has no default export")
	}
	out.Default = defaultVal

	if execVal := exportsObj.Get("execute"); execVal != nil && !goja.IsUndefined(execVal) {
		fn, ok := goja.AssertFunction(execVal)
		if !ok {
			return out, fmt.Errorf("module's execute export is not callable")
		}
		out.Execute = fn
	}

	return out, nil
}
