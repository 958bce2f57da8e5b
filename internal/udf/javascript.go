package udf

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"

	"github.com/tinytelemetry/sluice/internal/model"
)

// jsFunction is a compiled program plus a pool of runtimes that have already
// evaluated it. Runtimes are single-threaded, so each call borrows one.
type jsFunction struct {
	name    string
	program *goja.Program
	pool    sync.Pool
}

type jsRuntime struct {
	vm        *goja.Runtime
	fn        goja.Callable
	stringify goja.Callable
}

func compileJavaScript(_ context.Context, cfg Config, source []byte) (Function, error) {
	program, err := goja.Compile(cfg.Location, string(source), false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", cfg.Location, err)
	}
	f := &jsFunction{name: cfg.FunctionName, program: program}

	// Evaluate once up front so a missing function is a compile error.
	rt, err := f.newRuntime()
	if err != nil {
		return nil, err
	}
	f.pool.Put(rt)
	return f, nil
}

func (f *jsFunction) newRuntime() (*jsRuntime, error) {
	vm := goja.New()
	installConsole(vm, f.name)

	if _, err := vm.RunProgram(f.program); err != nil {
		return nil, fmt.Errorf("evaluate script: %w", err)
	}
	v := vm.Get(f.name)
	if v == nil || goja.IsUndefined(v) {
		return nil, fmt.Errorf("function %q is not defined", f.name)
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, fmt.Errorf("%q is not a function", f.name)
	}
	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return nil, errors.New("JSON.stringify is unavailable")
	}
	return &jsRuntime{vm: vm, fn: fn, stringify: stringify}, nil
}

func (f *jsFunction) Call(ctx context.Context, in model.Envelope) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", callErrorf("", "udf %s: %v", f.name, err)
	}

	rt, _ := f.pool.Get().(*jsRuntime)
	if rt == nil {
		var err error
		if rt, err = f.newRuntime(); err != nil {
			return "", callErrorf("", "udf %s: %v", f.name, err)
		}
	}

	stop := context.AfterFunc(ctx, func() { rt.vm.Interrupt(ctx.Err()) })
	out, err := rt.call(f.name, in.Working)
	if !stop() {
		// The interrupt fired (or is firing); this runtime cannot be reused.
		return "", callErrorf("", "udf %s interrupted: %v", f.name, ctx.Err())
	}
	f.pool.Put(rt)
	return out, err
}

func (rt *jsRuntime) call(name, payload string) (string, error) {
	res, err := rt.fn(goja.Undefined(), rt.vm.ToValue(payload))
	if err != nil {
		return "", jsCallError(name, err)
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return "", callErrorf("", "udf %s returned an invalid type: expected a string or object, got %v", name, res)
	}

	if obj, ok := res.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); isFn {
			return "", callErrorf("", "udf %s returned an invalid type: function", name)
		}
		js, err := rt.stringify(goja.Undefined(), obj)
		if err != nil {
			return "", jsCallError(name, err)
		}
		return js.String(), nil
	}
	return res.String(), nil
}

func jsCallError(name string, err error) error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if ex.Value() == nil {
			return callErrorf(ex.String(), "udf %s raised: %s", name, ex.Error())
		}
		msg := ex.Value().String()
		if errObj, ok := ex.Value().(*goja.Object); ok {
			if m := errObj.Get("message"); m != nil && !goja.IsUndefined(m) {
				msg = m.String()
			}
		}
		return callErrorf(ex.String(), "udf %s raised: %s", name, msg)
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return callErrorf(interrupted.String(), "udf %s interrupted: %v", name, interrupted.Value())
	}
	return callErrorf("", "udf %s: %v", name, err)
}

func (f *jsFunction) Close() error { return nil }

func installConsole(vm *goja.Runtime, fnName string) {
	console := vm.NewObject()
	logf := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			entry := log.WithField("function", fnName)
			msg := strings.Join(parts, " ")
			switch level {
			case "error":
				entry.Error(msg)
			case "warn":
				entry.Warn(msg)
			default:
				entry.Debug(msg)
			}
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logf("debug"))
	_ = console.Set("info", logf("debug"))
	_ = console.Set("warn", logf("warn"))
	_ = console.Set("error", logf("error"))
	_ = vm.Set("console", console)
}
