// Package dynamicimport implements the DynamicImportDispatcher (spec
// §4.6): it turns a running module's dynamic import() into a promise,
// runs a RecursiveLoad for it, and settles the promise from the
// embedding event loop's drain tick.
package dynamicimport

import (
	"context"
	"fmt"
	"sync"

	"github.com/cryguy/esmgraph/internal/assertions"
	"github.com/cryguy/esmgraph/internal/engine"
	"github.com/cryguy/esmgraph/internal/recursiveload"
	"github.com/cryguy/esmgraph/internal/registry"
	"github.com/cryguy/esmgraph/internal/specifier"
	"github.com/cryguy/esmgraph/loader"
)

// ResolveCallback builds the engine's resolve_callback (§4.7): resolve
// specifier against referrer, parse its raw assertions, and look up the
// already-registered module. It performs no I/O and triggers no new
// fetch — the preceding RecursiveLoad is responsible for registration;
// absence here is the §9 Open Question case, left to the caller.
func ResolveCallback(reg *registry.Registry, ld loader.ModuleLoader) engine.ResolveCallback {
	return func(spec, referrer string, rawAssertions []string) (engine.ModuleHandle, bool) {
		parsed, err := assertions.Parse(rawAssertions, assertions.StaticImport)
		if err != nil {
			return nil, false
		}
		amt := registry.AssertedModuleTypeJavaScriptOrWasm
		if parsed.IsJSON {
			amt = registry.AssertedModuleTypeJSON
		}
		resolved, err := ld.Resolve(spec, referrer, specifier.Import)
		if err != nil {
			return nil, false
		}
		id, ok := reg.GetID(resolved, amt)
		if !ok {
			return nil, false
		}
		return reg.GetHandle(id)
	}
}

type prepareOutcome struct {
	load *recursiveload.Load
	err  error
}

type runOutcome struct {
	rootID registry.ModuleId
	err    error
}

// Dispatcher is the DynamicImportDispatcher. Zero value is not usable;
// construct with New.
type Dispatcher struct {
	reg *registry.Registry
	ld  loader.ModuleLoader
	eng engine.Engine

	resolveCallback engine.ResolveCallback

	loadConfig recursiveload.LoadConfig

	mu        sync.Mutex
	preparing map[int32]chan prepareOutcome
	pending   map[int32]chan runOutcome
}

// WithLoadConfig applies cfg to every RecursiveLoad this Dispatcher
// starts for a dynamic import from here on. The zero value (the default
// if this is never called) leaves fetch dispatch unbounded, matching
// recursiveload.LoadConfig's own zero value.
func (d *Dispatcher) WithLoadConfig(cfg recursiveload.LoadConfig) *Dispatcher {
	d.loadConfig = cfg
	return d
}

// New constructs a Dispatcher over reg, driving loads via ld against eng.
func New(reg *registry.Registry, ld loader.ModuleLoader, eng engine.Engine) *Dispatcher {
	return &Dispatcher{
		reg:             reg,
		ld:              ld,
		eng:             eng,
		resolveCallback: ResolveCallback(reg, ld),
		preparing:       make(map[int32]chan prepareOutcome),
		pending:         make(map[int32]chan runOutcome),
	}
}

// Import starts a dynamic import() (§4.6 steps 1-5). It allocates a
// promise synchronously and returns it immediately; every later step —
// including resolution failure — settles the promise asynchronously via
// Drain, preserving JS's microtask-consistent ordering.
func (d *Dispatcher) Import(ctx context.Context, rawSpecifier, referrer string, rawAssertions []string) (engine.ValueHandle, error) {
	parsed, err := assertions.Parse(rawAssertions, assertions.DynamicImport)
	if err != nil {
		return nil, err
	}
	amt := registry.AssertedModuleTypeJavaScriptOrWasm
	if parsed.IsJSON {
		amt = registry.AssertedModuleTypeJSON
	}

	resolver, promise, err := d.eng.NewPromiseResolver()
	if err != nil {
		return nil, err
	}

	loadID := d.reg.NextLoadID()
	d.reg.StashResolver(loadID, resolver)

	prepCh := make(chan prepareOutcome, 1)
	d.mu.Lock()
	d.preparing[loadID] = prepCh
	d.mu.Unlock()

	go d.prepare(ctx, loadID, rawSpecifier, referrer, amt, prepCh)

	return promise, nil
}

func (d *Dispatcher) prepare(ctx context.Context, loadID int32, rawSpecifier, referrer string, amt registry.AssertedModuleType, out chan<- prepareOutcome) {
	resolved, err := d.ld.Resolve(rawSpecifier, referrer, specifier.DynamicImport)
	if err != nil {
		out <- prepareOutcome{err: err}
		return
	}

	if !d.reg.IsRegistered(resolved, amt) {
		if err := d.ld.PrepareLoad(ctx, resolved, referrer, true); err != nil {
			out <- prepareOutcome{err: err}
			return
		}
	}

	load := recursiveload.New(loadID, recursiveload.Init{
		Kind:               recursiveload.InitDynamicImport,
		Specifier:          rawSpecifier,
		Referrer:           referrer,
		AssertedModuleType: amt,
	}, d.reg, d.ld).WithConfig(d.loadConfig)
	out <- prepareOutcome{load: load}
}

// DrainPreparing moves every completed preparing_dynamic_imports entry
// into pending_dynamic_imports, starting its RecursiveLoad. Call once
// per event loop tick.
func (d *Dispatcher) DrainPreparing(ctx context.Context) {
	d.mu.Lock()
	completed := make(map[int32]prepareOutcome)
	for id, ch := range d.preparing {
		select {
		case outcome := <-ch:
			completed[id] = outcome
			delete(d.preparing, id)
		default:
		}
	}
	d.mu.Unlock()

	for id, outcome := range completed {
		if outcome.err != nil {
			d.settle(id, nil, outcome.err)
			continue
		}
		runCh := make(chan runOutcome, 1)
		d.mu.Lock()
		d.pending[id] = runCh
		d.mu.Unlock()
		go func(loadID int32, load *recursiveload.Load) {
			rootID, err := load.Run(ctx)
			runCh <- runOutcome{rootID: rootID, err: err}
		}(id, outcome.load)
	}
}

// DrainPending instantiates, evaluates, and settles every completed
// pending_dynamic_imports entry. Call once per event loop tick, after
// DrainPreparing.
func (d *Dispatcher) DrainPending() {
	d.mu.Lock()
	completed := make(map[int32]runOutcome)
	for id, ch := range d.pending {
		select {
		case outcome := <-ch:
			completed[id] = outcome
			delete(d.pending, id)
		default:
		}
	}
	d.mu.Unlock()

	for id, outcome := range completed {
		d.finish(id, outcome)
	}
}

func (d *Dispatcher) finish(loadID int32, outcome runOutcome) {
	if outcome.err != nil {
		d.settle(loadID, nil, outcome.err)
		return
	}

	handle, ok := d.reg.GetHandle(outcome.rootID)
	if !ok {
		d.settle(loadID, nil, fmt.Errorf("dynamicimport: root module %d has no engine handle", outcome.rootID))
		return
	}
	if err := d.reg.InstantiateAll(d.resolveCallback); err != nil {
		d.settle(loadID, nil, err)
		return
	}
	if err := d.eng.Evaluate(handle); err != nil {
		d.settle(loadID, nil, err)
		return
	}
	ns, err := d.eng.Namespace(handle)
	if err != nil {
		d.settle(loadID, nil, err)
		return
	}
	d.settle(loadID, ns, nil)
}

func (d *Dispatcher) settle(loadID int32, ns engine.ValueHandle, err error) {
	resolver, ok := d.reg.TakeResolver(loadID)
	if !ok {
		return
	}
	if err != nil {
		d.eng.RejectPromise(resolver, err)
		return
	}
	d.eng.ResolvePromise(resolver, ns)
}

// HasPending reports whether any preparing or running load remains, so
// the event loop knows whether to keep ticking for dynamic imports.
func (d *Dispatcher) HasPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.preparing) > 0 || len(d.pending) > 0
}
