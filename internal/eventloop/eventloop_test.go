package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/cryguy/esmgraph/internal/dynamicimport"
	"github.com/cryguy/esmgraph/internal/engine"
	"github.com/cryguy/esmgraph/internal/registry"
	"github.com/cryguy/esmgraph/internal/specifier"
	"github.com/cryguy/esmgraph/loader"
)

type fakeEngine struct {
	microtaskRuns int
	resolved      map[engine.PromiseResolver]engine.ValueHandle
	rejected      map[engine.PromiseResolver]engine.ValueHandle
	nextResolver  int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{resolved: map[engine.PromiseResolver]engine.ValueHandle{}, rejected: map[engine.PromiseResolver]engine.ValueHandle{}}
}

func (e *fakeEngine) CompileModule(name string, source []byte, isMain bool) (engine.Compiled, error) {
	return engine.Compiled{Handle: name}, nil
}
func (e *fakeEngine) NewSyntheticModule(name string, exportNames []string, steps engine.EvaluationSteps) (engine.ModuleHandle, error) {
	return name, nil
}
func (e *fakeEngine) ParseJSON(source []byte) (engine.ValueHandle, error) { return string(source), nil }
func (e *fakeEngine) Instantiate(h engine.ModuleHandle, resolve engine.ResolveCallback) error {
	return nil
}
func (e *fakeEngine) Evaluate(h engine.ModuleHandle) error               { return nil }
func (e *fakeEngine) Namespace(h engine.ModuleHandle) (engine.ValueHandle, error) { return h, nil }
func (e *fakeEngine) NewPromiseResolver() (engine.PromiseResolver, engine.ValueHandle, error) {
	e.nextResolver++
	return e.nextResolver, nil, nil
}
func (e *fakeEngine) ResolvePromise(r engine.PromiseResolver, value engine.ValueHandle) {
	e.resolved[r] = value
}
func (e *fakeEngine) RejectPromise(r engine.PromiseResolver, value engine.ValueHandle) {
	e.rejected[r] = value
}
func (e *fakeEngine) RunMicrotasks() { e.microtaskRuns++ }

type fakeLoader struct {
	loader.PrepareLoad
	resolver *specifier.Resolver
	source   string
}

func (l *fakeLoader) Resolve(spec, referrer string, kind specifier.Kind) (string, error) {
	return l.resolver.Resolve(spec, referrer, kind)
}
func (l *fakeLoader) Load(ctx context.Context, spec, referrer string, isDynamic bool) (registry.ModuleSource, error) {
	return registry.ModuleSource{Bytes: []byte(l.source), ModuleType: registry.ModuleTypeJavaScript, UrlSpecified: spec, UrlFound: spec}, nil
}

func TestRunDrainsUntilNoLongerPending(t *testing.T) {
	eng := newFakeEngine()
	reg := registry.New(eng)
	ld := &fakeLoader{resolver: specifier.NewResolver(), source: "export const x = 1;"}
	dispatcher := dynamicimport.New(reg, ld, eng)

	loop := New(dispatcher, eng)
	loop.PollInterval = time.Millisecond

	if _, err := dispatcher.Import(context.Background(), "file:///root.js", "file:///entry.js", nil); err != nil {
		t.Fatalf("Import: %v", err)
	}

	loop.Run(context.Background(), time.Now().Add(time.Second))

	if loop.HasPending() {
		t.Error("loop should have drained all pending dynamic imports")
	}
	if eng.microtaskRuns == 0 {
		t.Error("expected at least one microtask checkpoint")
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	eng := newFakeEngine()
	reg := registry.New(eng)
	ld := &fakeLoader{resolver: specifier.NewResolver(), source: "export const x = 1;"}
	dispatcher := dynamicimport.New(reg, ld, eng)
	loop := New(dispatcher, eng)
	loop.PollInterval = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		loop.Run(ctx, time.Time{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return promptly after context cancellation")
	}
}
