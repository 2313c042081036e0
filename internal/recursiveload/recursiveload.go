// Package recursiveload implements the RecursiveLoad state machine
// (spec §4.5): it drives one graph load — static (main/side) or dynamic
// — to completion against a ModuleLoader and a Registry.
package recursiveload

import (
	"context"
	"fmt"
	"time"

	"github.com/cryguy/esmgraph/internal/registry"
	"github.com/cryguy/esmgraph/internal/specifier"
	"github.com/cryguy/esmgraph/loader"
)

// LoadConfig carries the ambient loader-side limits named in §3's data
// model: ModuleLoader.Load itself takes no such settings, so a
// RecursiveLoad applies them around every fetch it dispatches instead.
// The zero value means unlimited concurrency and no per-fetch timeout.
type LoadConfig struct {
	MaxConcurrentFetches int
	FetchTimeout         time.Duration
}

// InitKind selects which of the three root-load shapes this Load drives.
type InitKind int

const (
	InitMain InitKind = iota
	InitSide
	InitDynamicImport
)

// Init describes the root of a graph load. Referrer and AssertedModuleType
// are only meaningful for InitDynamicImport — a static main/side load has
// no referrer and always targets AssertedModuleTypeJavaScriptOrWasm.
type Init struct {
	Kind               InitKind
	Specifier          string
	Referrer           string
	AssertedModuleType registry.AssertedModuleType
}

// TypeMismatchError is §7's TypeMismatchError: the fetched module_type is
// incompatible with the importer's asserted type.
type TypeMismatchError struct {
	Specifier string
	Got       registry.ModuleType
	Want      registry.AssertedModuleType
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("recursiveload: %s: module type %s is incompatible with asserted type %s",
		e.Specifier, e.Got, e.Want)
}

type visitKey struct {
	Specifier          string
	AssertedModuleType registry.AssertedModuleType
}

type pendingItem struct {
	request registry.ModuleRequest
	source  registry.ModuleSource
}

type fetchResult struct {
	request registry.ModuleRequest
	source  registry.ModuleSource
	err     error
}

// Load is one in-flight graph-loading job (spec §4.5). It is single-use:
// construct with New and call Run exactly once.
type Load struct {
	ID int32

	init   Init
	reg    *registry.Registry
	loader loader.ModuleLoader
	ctx    context.Context

	visited map[visitKey]bool
	results chan fetchResult

	cfg LoadConfig
	sem chan struct{}

	syncQueue   []pendingItem
	outstanding int

	rootModuleID    registry.ModuleId
	rootHasModuleID bool
	rootModuleType  registry.ModuleType
}

// New constructs a Load with the given LoadId (allocated by the caller
// from registry.NextLoadID), driving init against reg via ld.
func New(id int32, init Init, reg *registry.Registry, ld loader.ModuleLoader) *Load {
	return &Load{
		ID:      id,
		init:    init,
		reg:     reg,
		loader:  ld,
		visited: make(map[visitKey]bool),
		results: make(chan fetchResult),
	}
}

// WithConfig applies cfg's limits to every fetch this Load dispatches.
// Call before Run; the zero value (the default if WithConfig is never
// called) leaves fetch dispatch exactly as before — unbounded goroutines,
// no per-fetch deadline.
func (l *Load) WithConfig(cfg LoadConfig) *Load {
	l.cfg = cfg
	if cfg.MaxConcurrentFetches > 0 {
		l.sem = make(chan struct{}, cfg.MaxConcurrentFetches)
	}
	return l
}

// RootModuleID returns the root's module id once Run has completed.
func (l *Load) RootModuleID() (registry.ModuleId, bool) { return l.rootModuleID, l.rootHasModuleID }

func (l *Load) isDynamic() bool { return l.init.Kind == InitDynamicImport }

func (l *Load) rootParams() (specifier.Kind, registry.AssertedModuleType, string, string) {
	switch l.init.Kind {
	case InitMain:
		return specifier.MainModule, registry.AssertedModuleTypeJavaScriptOrWasm, l.init.Specifier, ""
	case InitSide:
		return specifier.Import, registry.AssertedModuleTypeJavaScriptOrWasm, l.init.Specifier, ""
	case InitDynamicImport:
		return specifier.DynamicImport, l.init.AssertedModuleType, l.init.Specifier, l.init.Referrer
	default:
		panic(fmt.Sprintf("recursiveload: unknown init kind %d", l.init.Kind))
	}
}

// Run drives the load to completion: Init -> LoadingRoot -> LoadingImports
// -> Done (§4.5). It blocks until every reachable module is registered, a
// fetch/register error occurs, or ctx is cancelled. Registry state from
// partial progress is kept on failure (§4.5 Failure, §7 propagation
// policy) — this method never rolls anything back.
func (l *Load) Run(ctx context.Context) (registry.ModuleId, error) {
	l.ctx = ctx

	kind, amt, rootSpec, rootReferrer := l.rootParams()
	resolved, err := l.loader.Resolve(rootSpec, rootReferrer, kind)
	if err != nil {
		return 0, err
	}

	if id, ok := l.reg.GetID(resolved, amt); ok {
		info, _ := l.reg.GetInfoByID(id)
		l.visited[visitKey{resolved, amt}] = true
		l.syncQueue = append(l.syncQueue, pendingItem{
			request: registry.ModuleRequest{Specifier: resolved, AssertedModuleType: amt},
			source: registry.ModuleSource{
				ModuleType:   info.ModuleType,
				UrlSpecified: resolved,
				UrlFound:     resolved,
			},
		})
	} else {
		l.visited[visitKey{resolved, amt}] = true
		l.outstanding++
		go l.fetch(registry.ModuleRequest{Specifier: resolved, AssertedModuleType: amt}, rootReferrer)
	}

	for {
		for len(l.syncQueue) > 0 {
			item := l.syncQueue[0]
			l.syncQueue = l.syncQueue[1:]
			if _, err := l.registerAndRecurse(item.request, item.source); err != nil {
				return 0, err
			}
		}
		if l.outstanding == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case res := <-l.results:
			l.outstanding--
			if res.err != nil {
				return 0, res.err
			}
			if _, err := l.registerAndRecurse(res.request, res.source); err != nil {
				return 0, err
			}
		}
	}

	return l.rootModuleID, nil
}

func (l *Load) fetch(request registry.ModuleRequest, referrer string) {
	if l.sem != nil {
		select {
		case l.sem <- struct{}{}:
			defer func() { <-l.sem }()
		case <-l.ctx.Done():
			select {
			case l.results <- fetchResult{request: request, err: l.ctx.Err()}:
			case <-l.ctx.Done():
			}
			return
		}
	}

	ctx := l.ctx
	if l.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.FetchTimeout)
		defer cancel()
	}

	source, err := l.loader.Load(ctx, request.Specifier, referrer, l.isDynamic())
	select {
	case l.results <- fetchResult{request: request, source: source, err: err}:
	case <-l.ctx.Done():
	}
}

func (l *Load) resolveAgainst(spec, referrer string) (string, error) {
	return l.loader.Resolve(spec, referrer, specifier.Import)
}

// registerAndRecurse is §4.5 step 3: validate the fetched source against
// the request, alias a redirect, register (or reuse) the module, and
// enqueue its own unvisited requests — synchronously if already
// registered, as a real fetch otherwise.
func (l *Load) registerAndRecurse(request registry.ModuleRequest, source registry.ModuleSource) (registry.ModuleId, error) {
	wasRoot := !l.rootHasModuleID

	if registry.AssertedFromModuleType(source.ModuleType) != request.AssertedModuleType {
		return 0, &TypeMismatchError{Specifier: request.Specifier, Got: source.ModuleType, Want: request.AssertedModuleType}
	}

	if source.UrlSpecified != "" && source.UrlFound != "" && source.UrlSpecified != source.UrlFound {
		l.reg.Alias(source.UrlSpecified, request.AssertedModuleType, source.UrlFound)
	}

	canonical := source.UrlFound
	if canonical == "" {
		canonical = request.Specifier
	}

	id, ok := l.reg.GetID(canonical, request.AssertedModuleType)
	if !ok {
		var err error
		if source.ModuleType == registry.ModuleTypeJSON {
			id, err = l.reg.NewJSONModule(canonical, source.Bytes)
		} else {
			isMain := wasRoot && l.init.Kind == InitMain
			id, err = l.reg.NewJSModule(canonical, source.Bytes, isMain, l.resolveAgainst)
		}
		if err != nil {
			return 0, err
		}
	}

	if wasRoot {
		l.rootModuleID = id
		l.rootHasModuleID = true
		l.rootModuleType = source.ModuleType
	}

	info, ok := l.reg.GetInfoByID(id)
	if !ok {
		return id, nil
	}
	for _, req := range info.Requests {
		key := visitKey{req.Specifier, req.AssertedModuleType}
		if l.visited[key] {
			continue
		}
		l.visited[key] = true

		if existingID, ok := l.reg.GetID(req.Specifier, req.AssertedModuleType); ok {
			existingInfo, _ := l.reg.GetInfoByID(existingID)
			l.syncQueue = append(l.syncQueue, pendingItem{
				request: req,
				source: registry.ModuleSource{
					ModuleType:   existingInfo.ModuleType,
					UrlSpecified: req.Specifier,
					UrlFound:     req.Specifier,
				},
			})
			continue
		}
		l.outstanding++
		go l.fetch(req, canonical)
	}

	return id, nil
}
