// Package esmgraph loads, links, and evaluates graphs of ECMAScript
// modules against a pluggable engine backend (QuickJS by default, V8
// with -tags v8) and a pluggable loader (disk, HTTP, or a caller's
// own). It is the library's root facade: thin delegation to
// internal/registry, internal/recursiveload, internal/dynamicimport,
// and internal/eventloop, the same shape the teacher's worker.go uses
// to delegate to a core.EngineBackend.
package esmgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/cryguy/esmgraph/internal/dynamicimport"
	"github.com/cryguy/esmgraph/internal/engine"
	"github.com/cryguy/esmgraph/internal/eventloop"
	"github.com/cryguy/esmgraph/internal/recursiveload"
	"github.com/cryguy/esmgraph/internal/registry"
	"github.com/cryguy/esmgraph/internal/specifier"
	"github.com/cryguy/esmgraph/loader"
)

// Graph owns one engine instance, one registry, and the dynamic-import
// machinery needed to keep evaluating import() calls a running module
// makes after its initial load. It is not safe for concurrent use from
// multiple goroutines beyond what Run's own event loop does internally.
type Graph struct {
	eng        engine.Engine
	reg        *registry.Registry
	loader     loader.ModuleLoader
	dispatcher *dynamicimport.Dispatcher
	loop       *eventloop.Loop

	resolveCallback engine.ResolveCallback
	loadConfig      recursiveload.LoadConfig
}

// NewGraph constructs a Graph using the backend selected at build time
// (newBackend, chosen by the v8/quickjs build tag) and an HTTPLoader
// rooted at cfg.HTTPCacheDir.
func NewGraph(cfg Config) (*Graph, error) {
	if cfg.HTTPCacheDir == "" {
		return nil, fmt.Errorf("esmgraph: Config.HTTPCacheDir must be set, or use NewGraphWithLoader")
	}
	ld, err := loader.NewHTTPLoader(cfg.HTTPCacheDir)
	if err != nil {
		return nil, fmt.Errorf("esmgraph: creating HTTP loader: %w", err)
	}
	return NewGraphWithLoader(cfg, ld)
}

// NewGraphWithLoader constructs a Graph over a caller-supplied loader —
// loader.NewFsLoader for disk-rooted graphs, loader.NewNoopLoader for a
// graph built entirely from pre-registered/synthetic modules, or a
// loader.ModuleLoader the caller implements itself.
func NewGraphWithLoader(cfg Config, ld loader.ModuleLoader) (*Graph, error) {
	eng, err := newBackend()
	if err != nil {
		return nil, fmt.Errorf("esmgraph: creating engine: %w", err)
	}
	reg := registry.New(eng)
	ld = loader.NewGuarded(ld, reg.SnapshotLoaded)
	loadCfg := cfg.loadConfig()
	dispatcher := dynamicimport.New(reg, ld, eng).WithLoadConfig(loadCfg)
	loop := eventloop.New(dispatcher, eng)
	if cfg.EventLoopPollInterval > 0 {
		loop.PollInterval = cfg.EventLoopPollInterval
	}

	return &Graph{
		eng:             eng,
		reg:             reg,
		loader:          ld,
		dispatcher:      dispatcher,
		loop:            loop,
		resolveCallback: dynamicimport.ResolveCallback(reg, ld),
		loadConfig:      loadCfg,
	}, nil
}

// LoadMain resolves and recursively loads a main module graph (§4.5,
// InitMain) rooted at specifier, then instantiates and evaluates the
// whole graph. The returned ValueHandle is the root module's namespace
// object.
func (g *Graph) LoadMain(ctx context.Context, specifier string) (engine.ValueHandle, error) {
	return g.runStaticLoad(ctx, recursiveload.Init{Kind: recursiveload.InitMain, Specifier: specifier})
}

// LoadSide behaves like LoadMain but registers the root as a non-main
// side module (§4.5, InitSide) — for loading a module the caller wants
// in the registry without import.meta.main being true.
func (g *Graph) LoadSide(ctx context.Context, specifier string) (engine.ValueHandle, error) {
	return g.runStaticLoad(ctx, recursiveload.Init{Kind: recursiveload.InitSide, Specifier: specifier})
}

func (g *Graph) runStaticLoad(ctx context.Context, init recursiveload.Init) (engine.ValueHandle, error) {
	kind := specifier.MainModule
	if init.Kind == recursiveload.InitSide {
		kind = specifier.Import
	}
	resolved, err := g.loader.Resolve(init.Specifier, "", kind)
	if err != nil {
		return nil, err
	}
	if err := g.loader.PrepareLoad(ctx, resolved, "", false); err != nil {
		return nil, err
	}

	loadID := g.reg.NextLoadID()
	load := recursiveload.New(loadID, init, g.reg, g.loader).WithConfig(g.loadConfig)
	rootID, err := load.Run(ctx)
	if err != nil {
		return nil, err
	}

	if err := g.reg.InstantiateAll(g.resolveCallback); err != nil {
		return nil, err
	}

	handle, ok := g.reg.GetHandle(rootID)
	if !ok {
		return nil, fmt.Errorf("esmgraph: root module %d has no engine handle", rootID)
	}
	if err := g.eng.Evaluate(handle); err != nil {
		return nil, err
	}
	return g.eng.Namespace(handle)
}

// Import starts a dynamic import() on behalf of a running module —
// this is the Go-side half of the §4.6 dynamic-import dispatcher; the
// promise it returns only settles once Run (or repeated Tick calls)
// drains the event loop.
func (g *Graph) Import(ctx context.Context, specifier, referrer string, assertions []string) (engine.ValueHandle, error) {
	return g.dispatcher.Import(ctx, specifier, referrer, assertions)
}

// Run drains pending dynamic imports and microtasks until none remain,
// ctx is cancelled, or deadline elapses (a zero time.Time means no
// deadline). Call this after LoadMain/LoadSide/Import whenever the
// evaluated module may have scheduled dynamic imports or promise
// continuations.
func (g *Graph) Run(ctx context.Context, deadline time.Time) {
	g.loop.Run(ctx, deadline)
}

// Tick drains exactly one round of pending dynamic imports and runs a
// microtask checkpoint — for callers embedding their own event loop
// instead of using Run.
func (g *Graph) Tick(ctx context.Context) {
	g.loop.Tick(ctx)
}

// HasPending reports whether any dynamic import is still in flight.
func (g *Graph) HasPending() bool {
	return g.loop.HasPending()
}

// Registry exposes the underlying registry, e.g. for Serialize/Restore
// via internal/snapstore.
func (g *Graph) Registry() *registry.Registry { return g.reg }

// Engine exposes the underlying engine backend for advanced callers
// that need direct access (e.g. binding host functions before loading).
func (g *Graph) Engine() engine.Engine { return g.eng }

// Close releases engine resources. Safe to call once; the backend may
// not need explicit teardown (quickjs), in which case this is a no-op.
func (g *Graph) Close() {
	if closer, ok := g.eng.(interface{ Close() }); ok {
		closer.Close()
	}
}
