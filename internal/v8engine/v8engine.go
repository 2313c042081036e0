//go:build v8

// Package v8engine implements internal/engine.Engine on top of
// github.com/tommie/v8go, using V8's real ES module API (CompileModule,
// InstantiateModule, Evaluate, GetModuleNamespace) rather than the
// teacher's Eval-string approach.
package v8engine

import (
	"encoding/json"
	"fmt"

	v8 "github.com/tommie/v8go"

	"github.com/cryguy/esmgraph/internal/engine"
)

// Engine wraps one V8 isolate+context pair. Module graphs loaded
// through the same Engine share the isolate's compilation cache.
type Engine struct {
	iso *v8.Isolate
	ctx *v8.Context

	// modules tracks every *v8.Module this engine has compiled, keyed by
	// the opaque engine.ModuleHandle value handed back to callers, so
	// Instantiate/Evaluate/Namespace can recover the real *v8.Module.
	modules map[engine.ModuleHandle]*v8.Module
	// activeResolve remembers the Go ResolveCallback supplied to
	// Instantiate for the duration of that call, since v8go's C callback
	// has no closure slot of its own.
	activeResolve engine.ResolveCallback
}

var _ engine.Engine = (*Engine)(nil)

// New creates a fresh V8 isolate and context.
func New() (*Engine, error) {
	iso := v8.NewIsolate()
	ctx := v8.NewContext(iso)
	return &Engine{iso: iso, ctx: ctx, modules: make(map[engine.ModuleHandle]*v8.Module)}, nil
}

// Close releases the isolate's native resources.
func (e *Engine) Close() {
	e.ctx.Close()
	e.iso.Dispose()
}

func (e *Engine) CompileModule(name string, source []byte, isMain bool) (engine.Compiled, error) {
	mod, err := e.iso.CompileModule(string(source), v8.CompileOptions{})
	if err != nil {
		return engine.Compiled{}, fmt.Errorf("v8engine: compiling %s: %w", name, err)
	}

	requests := make([]engine.CompiledRequest, 0, mod.RequestsLen())
	for i := 0; i < mod.RequestsLen(); i++ {
		req := mod.RequestAt(i)
		requests = append(requests, engine.CompiledRequest{
			Specifier:  req.Specifier(),
			Assertions: req.ImportAssertions(),
		})
	}

	handle := engine.ModuleHandle(mod)
	e.modules[handle] = mod
	return engine.Compiled{Handle: handle, Requests: requests}, nil
}

func (e *Engine) NewSyntheticModule(name string, exportNames []string, steps engine.EvaluationSteps) (engine.ModuleHandle, error) {
	var selfHandle engine.ModuleHandle
	mod := e.iso.NewSyntheticModule(name, exportNames, func(ctx *v8.Context, mod *v8.Module) error {
		return steps(selfHandle, &v8ExportSetter{ctx: ctx, mod: mod})
	})
	selfHandle = engine.ModuleHandle(mod)
	e.modules[selfHandle] = mod
	return selfHandle, nil
}

func (e *Engine) ParseJSON(source []byte) (engine.ValueHandle, error) {
	var v any
	if err := json.Unmarshal(source, &v); err != nil {
		return nil, fmt.Errorf("v8engine: parsing JSON: %w", err)
	}
	val, err := v8.JSONParse(e.ctx, string(source))
	if err != nil {
		return nil, fmt.Errorf("v8engine: JSON.parse: %w", err)
	}
	return engine.ValueHandle(val), nil
}

func (e *Engine) Instantiate(h engine.ModuleHandle, resolve engine.ResolveCallback) error {
	mod, ok := e.modules[h]
	if !ok {
		return engine.ProgrammingError("v8engine: Instantiate given an unregistered handle")
	}

	e.activeResolve = resolve
	defer func() { e.activeResolve = nil }()

	return mod.InstantiateModule(e.ctx, e.resolveModuleCallback)
}

// resolveModuleCallback adapts v8go's C-shaped module resolver to the
// engine-agnostic engine.ResolveCallback, looking the referrer module
// back up to its string name isn't possible from a bare *v8.Module, so
// callers thread identity through the ResolveCallback's closure instead
// (it already captures the registry and loader it needs).
func (e *Engine) resolveModuleCallback(ctx *v8.Context, specifier string, assertions []string, referrer *v8.Module) *v8.Module {
	referrerName := ""
	for handle, mod := range e.modules {
		if mod == referrer {
			referrerName = fmt.Sprintf("%v", handle)
			break
		}
	}
	handle, ok := e.activeResolve(specifier, referrerName, assertions)
	if !ok {
		return nil
	}
	mod, ok := handle.(*v8.Module)
	if !ok {
		return nil
	}
	return mod
}

func (e *Engine) Evaluate(h engine.ModuleHandle) error {
	mod, ok := e.modules[h]
	if !ok {
		return engine.ProgrammingError("v8engine: Evaluate given an unregistered handle")
	}
	_, err := mod.Evaluate(e.ctx)
	return err
}

func (e *Engine) Namespace(h engine.ModuleHandle) (engine.ValueHandle, error) {
	mod, ok := e.modules[h]
	if !ok {
		return nil, engine.ProgrammingError("v8engine: Namespace given an unregistered handle")
	}
	ns := mod.Namespace(e.ctx)
	return engine.ValueHandle(ns), nil
}

func (e *Engine) NewPromiseResolver() (engine.PromiseResolver, engine.ValueHandle, error) {
	resolver, err := v8.NewPromiseResolver(e.ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("v8engine: creating promise resolver: %w", err)
	}
	return engine.PromiseResolver(resolver), engine.ValueHandle(resolver.GetPromise()), nil
}

func (e *Engine) ResolvePromise(r engine.PromiseResolver, value engine.ValueHandle) {
	resolver := r.(*v8.PromiseResolver)
	val, _ := value.(*v8.Value)
	resolver.Resolve(val)
}

func (e *Engine) RejectPromise(r engine.PromiseResolver, value engine.ValueHandle) {
	resolver := r.(*v8.PromiseResolver)
	var val *v8.Value
	switch v := value.(type) {
	case *v8.Value:
		val = v
	case error:
		val, _ = v8.NewValue(e.iso, v.Error())
	}
	resolver.Reject(val)
}

func (e *Engine) RunMicrotasks() {
	e.iso.PerformMicrotaskCheckpoint()
}

// v8ExportSetter adapts engine.ExportSetter to v8.Module's synthetic
// export setter.
type v8ExportSetter struct {
	ctx *v8.Context
	mod *v8.Module
}

func (s *v8ExportSetter) SetExport(name string, value engine.ValueHandle) error {
	val, ok := value.(*v8.Value)
	if !ok {
		return fmt.Errorf("v8engine: SetExport(%s): value is not a *v8.Value", name)
	}
	return s.mod.SetSyntheticModuleExport(name, val)
}
