// Package widget runs third-party widget scripts against slot containers.
//
// A Host owns one JavaScript runtime for a page. A widget script registers
// itself once with adorn.define(function(slot) {...}); every activation then
// calls that definition with a fresh slot object:
//
//	slot.id        placement id
//	slot.identity  resource identity
//	slot.params    per-placement parameters
//	slot.render(h) replace the slot's content with HTML h
//	slot.append(h) append HTML h
//	slot.clear()   empty the slot
//
// A Host is not safe for concurrent use. It is driven from the page's
// scheduler like every other per-page component.
package widget

import (
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wehubfusion/Adorn/pkg/dom"
	adornerrors "github.com/wehubfusion/Adorn/pkg/errors"
	"github.com/wehubfusion/Adorn/pkg/registry"
)

// DefaultTimeout bounds one script evaluation or activation.
const DefaultTimeout = 2 * time.Second

var errTimeout = errors.New("script timeout")

// Option configures a Host.
type Option func(*Host)

// WithTimeout sets the per-call script timeout.
func WithTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.timeout = d
		}
	}
}

type definition struct {
	fn  goja.Callable
	err error
}

// Host executes widget scripts for one page.
type Host struct {
	vm      *goja.Runtime
	logger  *zap.Logger
	timeout time.Duration

	// evaluating is the identity whose script is running, so adorn.define
	// can bind the definition to it.
	evaluating  string
	definitions map[string]*definition
	activations int
}

// NewHost creates a host with a sandboxed runtime.
func NewHost(logger *zap.Logger, opts ...Option) (*Host, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Host{
		vm:          goja.New(),
		logger:      logger,
		timeout:     DefaultTimeout,
		definitions: make(map[string]*definition),
	}
	for _, opt := range opts {
		opt(h)
	}

	if err := applySandbox(h.vm); err != nil {
		return nil, fmt.Errorf("failed to apply sandbox: %w", err)
	}
	if err := installConsole(h.vm, logger); err != nil {
		return nil, fmt.Errorf("failed to install console: %w", err)
	}
	if err := h.installAPI(); err != nil {
		return nil, fmt.Errorf("failed to install adorn API: %w", err)
	}
	return h, nil
}

func (h *Host) installAPI() error {
	api := h.vm.NewObject()
	if err := api.Set("define", func(call goja.FunctionCall) goja.Value {
		if h.evaluating == "" {
			panic(h.vm.NewTypeError("adorn.define called outside script evaluation"))
		}
		fn, ok := goja.AssertFunction(call.Argument(0))
		if !ok {
			panic(h.vm.NewTypeError("adorn.define expects a function"))
		}
		h.definitions[h.evaluating] = &definition{fn: fn}
		return goja.Undefined()
	}); err != nil {
		return err
	}
	return h.vm.Set("adorn", api)
}

// Defined reports whether identity's script evaluated and registered a
// definition.
func (h *Host) Defined(identity string) bool {
	d, ok := h.definitions[identity]
	return ok && d.err == nil && d.fn != nil
}

// Activations returns how many times a definition was invoked.
func (h *Host) Activations() int {
	return h.activations
}

// Activate runs res against container. The script body is evaluated once
// per identity; later activations only call the registered definition.
// Every failure is a SCRIPT_ERROR.
func (h *Host) Activate(res *registry.Resource, container *dom.Container, params map[string]string) error {
	if res == nil {
		return adornerrors.ScriptFailure("", errors.New("no resource"))
	}
	def, err := h.load(res)
	if err != nil {
		return err
	}

	slot, err := h.newSlot(res.Identity, container, params)
	if err != nil {
		return adornerrors.ScriptFailure(res.Identity, err)
	}

	h.activations++
	_, err = h.run(func() (goja.Value, error) {
		return def.fn(goja.Undefined(), slot)
	})
	if err != nil {
		h.logger.Debug("Widget activation failed",
			zap.String("identity", res.Identity),
			zap.String("placement_id", container.PlacementID()),
			zap.Error(err))
		return adornerrors.ScriptFailure(res.Identity, err)
	}
	return nil
}

func (h *Host) load(res *registry.Resource) (*definition, error) {
	if def, ok := h.definitions[res.Identity]; ok {
		if def.err != nil {
			return nil, def.err
		}
		return def, nil
	}

	h.evaluating = res.Identity
	_, err := h.run(func() (goja.Value, error) {
		return h.vm.RunScript(res.Identity, string(res.Body))
	})
	h.evaluating = ""

	def, ok := h.definitions[res.Identity]
	switch {
	case err != nil:
		def = &definition{err: adornerrors.ScriptFailure(res.Identity, err)}
	case !ok:
		def = &definition{err: adornerrors.ScriptFailure(res.Identity, errors.New("script did not call adorn.define"))}
	}
	h.definitions[res.Identity] = def

	if def.err != nil {
		h.logger.Warn("Widget script failed to load",
			zap.String("identity", res.Identity),
			zap.Error(def.err))
		return nil, def.err
	}
	h.logger.Debug("Widget script loaded", zap.String("identity", res.Identity))
	return def, nil
}

func (h *Host) newSlot(identity string, container *dom.Container, params map[string]string) (*goja.Object, error) {
	vm := h.vm
	slot := vm.NewObject()

	p := vm.NewObject()
	for k, v := range params {
		if err := p.Set(k, v); err != nil {
			return nil, err
		}
	}

	fields := map[string]any{
		"id":       container.PlacementID(),
		"identity": identity,
		"params":   p,
		"render": func(call goja.FunctionCall) goja.Value {
			container.Clear()
			if err := container.AppendHTML(call.Argument(0).String()); err != nil {
				panic(vm.NewGoError(err))
			}
			return goja.Undefined()
		},
		"append": func(call goja.FunctionCall) goja.Value {
			if err := container.AppendHTML(call.Argument(0).String()); err != nil {
				panic(vm.NewGoError(err))
			}
			return goja.Undefined()
		},
		"clear": func(goja.FunctionCall) goja.Value {
			container.Clear()
			return goja.Undefined()
		},
	}
	for k, v := range fields {
		if err := slot.Set(k, v); err != nil {
			return nil, err
		}
	}
	return slot, nil
}

// run executes fn with the interrupt timeout armed.
func (h *Host) run(fn func() (goja.Value, error)) (v goja.Value, err error) {
	fired := make(chan struct{})
	timer := time.AfterFunc(h.timeout, func() {
		h.vm.Interrupt(errTimeout)
		close(fired)
	})
	defer func() {
		if !timer.Stop() {
			<-fired
		}
		h.vm.ClearInterrupt()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during execution: %v", r)
		}
	}()

	v, err = fn()
	if err == nil {
		return v, nil
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return nil, fmt.Errorf("%w after %s", errTimeout, h.timeout)
	}
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return nil, fmt.Errorf("uncaught exception: %s", exc.Value().String())
	}
	return nil, err
}
