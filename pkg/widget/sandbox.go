package widget

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// strippedGlobals are host-environment globals a widget must not reach.
var strippedGlobals = []string{
	"require",
	"module",
	"exports",
	"process",
	"global",
	"__dirname",
	"__filename",
	"Buffer",
	"setImmediate",
	"clearImmediate",
	"XMLHttpRequest",
	"fetch",
	"WebSocket",
	"importScripts",
}

var frozenBuiltins = []string{
	"Object",
	"Array",
	"Function",
	"String",
	"Number",
	"Boolean",
	"Date",
	"RegExp",
	"Error",
	"Math",
	"JSON",
}

const freezeScript = `
(function() {
	return function(obj) {
		if (obj && (typeof obj === 'object' || typeof obj === 'function')) {
			Object.freeze(obj);
			if (obj.prototype) {
				Object.freeze(obj.prototype);
			}
		}
	};
})()
`

// applySandbox strips dangerous globals and freezes the builtins so one
// widget cannot patch them for another sharing the runtime.
func applySandbox(vm *goja.Runtime) error {
	for _, name := range strippedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}

	val, err := vm.RunString(freezeScript)
	if err != nil {
		return fmt.Errorf("failed to create freeze function: %w", err)
	}
	freeze, ok := goja.AssertFunction(val)
	if !ok {
		return fmt.Errorf("freeze function is not a function")
	}
	for _, name := range frozenBuiltins {
		obj := vm.Get(name)
		if obj == nil || goja.IsUndefined(obj) {
			continue
		}
		// non-fatal
		_, _ = freeze(goja.Undefined(), obj)
	}
	return nil
}

// installConsole bridges console.* to the logger.
func installConsole(vm *goja.Runtime, logger *zap.Logger) error {
	console := vm.NewObject()
	write := func(warn bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			msg := strings.Join(parts, " ")
			if warn {
				logger.Warn("Widget console", zap.String("message", msg))
			} else {
				logger.Debug("Widget console", zap.String("message", msg))
			}
			return goja.Undefined()
		}
	}
	for name, warn := range map[string]bool{"log": false, "info": false, "debug": false, "warn": true, "error": true} {
		if err := console.Set(name, write(warn)); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}
	return vm.Set("console", console)
}
