// Package engine defines the module-capable subset of the embedding
// JavaScript engine that the loader/registry depends on (spec §6,
// "Engine requirements"). The concrete engine is an external collaborator;
// this package only names the contract. internal/v8engine and
// internal/quickjs provide real adapters behind build tags, selected the
// same way the teacher repo picks a JS backend.
package engine

import "errors"

// ModuleHandle is an opaque, comparable engine-side module handle. Real
// adapters back it with a pointer or small integer; the core registry
// never inspects it beyond storing, comparing, and returning it.
type ModuleHandle any

// ValueHandle is an opaque engine-side value handle (a parsed JSON value,
// a captured exception, a namespace object, ...).
type ValueHandle any

// PromiseResolver is an opaque engine-side promise resolver handle.
type PromiseResolver any

// CompiledRequest is one entry of a compiled module's import list, in
// source order, before assertion parsing and specifier resolution.
type CompiledRequest struct {
	Specifier string
	// Assertions is the flat triple layout the engine delivers for a
	// static import: [key0, value0, offset0, key1, value1, offset1, ...].
	Assertions []string
}

// Compiled is the result of compiling JS source into an engine module.
type Compiled struct {
	Handle   ModuleHandle
	Requests []CompiledRequest
}

// ExportSetter is handed to a synthetic module's evaluation steps so it
// can set the module's (single) named export.
type ExportSetter interface {
	SetExport(name string, value ValueHandle) error
}

// EvaluationSteps is invoked by the engine when a synthetic module is
// evaluated. self is the handle of the module being evaluated, passed
// back in because the callback is registered before the handle exists.
type EvaluationSteps func(self ModuleHandle, setter ExportSetter) error

// ResolveCallback is invoked synchronously by the engine during
// instantiation, once per static import, to map a (specifier, referrer,
// assertions) back onto an already-registered module. It must not
// trigger new fetches (§4.7) — returning false aborts instantiation.
type ResolveCallback func(specifier, referrer string, assertions []string) (ModuleHandle, bool)

// Exception wraps an engine-side exception captured into a ValueHandle,
// e.g. a parse/compile error or a thrown TypeError.
type Exception struct {
	Value ValueHandle
}

func (e *Exception) Error() string { return "engine exception" }

// ErrProgrammingError is returned by Instantiate when ResolveCallback
// returned false for a module the loader should already have registered
// (§4.7, §9 Open Question — this repo resolves it as a non-panicking
// instantiation failure in production builds; see DESIGN.md).
var ErrProgrammingError = errors.New("engine: resolve callback invoked for an unregistered module")

// Engine is the module-capable surface the loader/registry drives.
type Engine interface {
	// CompileModule compiles JS source into a module and returns its
	// ordered, unresolved import requests. isMain flags import.meta.main.
	CompileModule(name string, source []byte, isMain bool) (Compiled, error)

	// NewSyntheticModule creates a module whose exports are set by steps
	// rather than derived from source.
	NewSyntheticModule(name string, exportNames []string, steps EvaluationSteps) (ModuleHandle, error)

	// ParseJSON parses bytes with the engine's own JSON parser, returning
	// an opaque value usable as a synthetic module's default export.
	ParseJSON(source []byte) (ValueHandle, error)

	// Instantiate links a module's dependencies via resolve, which the
	// engine calls once per entry in the module's request list. The V8
	// backend also walks the dependencies' request lists from this one
	// call; the QuickJS backend does not, which is why
	// registry.InstantiateAll calls Instantiate on every module.
	Instantiate(h ModuleHandle, resolve ResolveCallback) error

	// Evaluate runs a module's top-level code (or synthetic evaluation
	// steps). Must be called after a successful Instantiate.
	Evaluate(h ModuleHandle) error

	// Namespace returns a module's namespace object after evaluation.
	Namespace(h ModuleHandle) (ValueHandle, error)

	// NewPromiseResolver allocates an engine promise/resolver pair, used
	// to back a dynamic import() call.
	NewPromiseResolver() (PromiseResolver, ValueHandle, error)
	ResolvePromise(r PromiseResolver, value ValueHandle)
	RejectPromise(r PromiseResolver, value ValueHandle)

	// RunMicrotasks pumps the engine's microtask queue.
	RunMicrotasks()
}
