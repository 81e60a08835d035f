package sandbox

import (
	"fmt"

	"github.com/dop251/goja"
)

// harnessSource is the default reducer of §4.2 step 3, expressed in JS
// so promise chaining and await semantics fall out of the language
// itself rather than being bridged call-by-call from Go. It threads
// operations sequentially — op_n(await op_{n-1}(...)) — wrapping each
// with a log/clone/invoke/log sequence.
const harnessSource = `(function(ops, initialState, immutable, log) {
	function cloneIfImmutable(s) {
		if (!immutable) return s;
		return JSON.parse(JSON.stringify(s));
	}
	return ops.reduce(function(accP, op, idx) {
		return accP.then(function(acc) {
			log('debug', 'operation ' + idx + ' start');
			var input = cloneIfImmutable(acc);
			return Promise.resolve(op(input)).then(function(result) {
				log('debug', 'operation ' + idx + ' complete');
				return result;
			});
		});
	}, Promise.resolve(initialState));
})`

// compileHarness compiles harnessSource once per VM and returns it as a
// callable.
func compileHarness(vm *goja.Runtime) (goja.Callable, error) {
	val, err := vm.RunString(harnessSource)
	if err != nil {
		return nil, fmt.Errorf("compile default reducer: %w", err)
	}
	fn, ok := goja.AssertFunction(val)
	if !ok {
		return nil, fmt.Errorf("compile default reducer: not callable")
	}
	return fn, nil
}
