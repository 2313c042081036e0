package registry

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/cryguy/esmgraph/internal/engine"
)

// fakeEngine is a minimal engine.Engine double for registry tests: it
// compiles by returning the requests a test registered for the module's
// name in compiled, never touches real JS, and hands out incrementing integer handles so equality works as a
// map key the way a real pointer-backed handle would.
type fakeEngine struct {
	nextHandle       int
	compiled         map[string][]engine.CompiledRequest
	instantiateCalls map[engine.ModuleHandle]int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		compiled:         make(map[string][]engine.CompiledRequest),
		instantiateCalls: make(map[engine.ModuleHandle]int),
	}
}

func (e *fakeEngine) handle() int {
	e.nextHandle++
	return e.nextHandle
}

func (e *fakeEngine) CompileModule(name string, source []byte, isMain bool) (engine.Compiled, error) {
	if string(source) == "bad" {
		return engine.Compiled{}, errors.New("syntax error")
	}
	return engine.Compiled{Handle: e.handle(), Requests: e.compiled[name]}, nil
}

func (e *fakeEngine) NewSyntheticModule(name string, exportNames []string, steps engine.EvaluationSteps) (engine.ModuleHandle, error) {
	return e.handle(), nil
}

func (e *fakeEngine) ParseJSON(source []byte) (engine.ValueHandle, error) {
	var v any
	if err := json.Unmarshal(source, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (e *fakeEngine) Instantiate(h engine.ModuleHandle, resolve engine.ResolveCallback) error {
	e.instantiateCalls[h]++
	return nil
}
func (e *fakeEngine) Evaluate(h engine.ModuleHandle) error                                    { return nil }
func (e *fakeEngine) Namespace(h engine.ModuleHandle) (engine.ValueHandle, error)              { return h, nil }
func (e *fakeEngine) NewPromiseResolver() (engine.PromiseResolver, engine.ValueHandle, error) {
	return e.handle(), nil, nil
}
func (e *fakeEngine) ResolvePromise(r engine.PromiseResolver, value engine.ValueHandle) {}
func (e *fakeEngine) RejectPromise(r engine.PromiseResolver, value engine.ValueHandle)  {}
func (e *fakeEngine) RunMicrotasks()                                                   {}

func identityResolve(specifier, referrer string) (string, error) { return specifier, nil }

func TestNewJSModule_AssignsOrderedRequests(t *testing.T) {
	eng := newFakeEngine()
	eng.compiled["file:///a.js"] = []engine.CompiledRequest{
		{Specifier: "file:///b.js"},
		{Specifier: "file:///c.js", Assertions: []string{"type", "json", "0"}},
	}
	r := New(eng)

	id, err := r.NewJSModule("file:///a.js", []byte("export {}"), true, identityResolve)
	if err != nil {
		t.Fatalf("NewJSModule: %v", err)
	}
	info, ok := r.GetInfoByID(id)
	if !ok {
		t.Fatalf("GetInfoByID(%d): not found", id)
	}
	if !info.Main {
		t.Error("expected Main = true")
	}
	if len(info.Requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(info.Requests))
	}
	if info.Requests[0].Specifier != "file:///b.js" || info.Requests[0].AssertedModuleType != AssertedModuleTypeJavaScriptOrWasm {
		t.Errorf("request[0] = %+v", info.Requests[0])
	}
	if info.Requests[1].Specifier != "file:///c.js" || info.Requests[1].AssertedModuleType != AssertedModuleTypeJSON {
		t.Errorf("request[1] = %+v", info.Requests[1])
	}
}

func TestNewJSModule_DuplicateMainFails(t *testing.T) {
	eng := newFakeEngine()
	r := New(eng)

	if _, err := r.NewJSModule("file:///a.js", []byte("export {}"), true, identityResolve); err != nil {
		t.Fatalf("first main: %v", err)
	}
	_, err := r.NewJSModule("file:///b.js", []byte("export {}"), true, identityResolve)
	if !errors.Is(err, ErrDuplicateMain) {
		t.Fatalf("expected ErrDuplicateMain, got %v", err)
	}
}

func TestNewJSModule_InvalidAssertionRejected(t *testing.T) {
	eng := newFakeEngine()
	eng.compiled["file:///a.js"] = []engine.CompiledRequest{
		{Specifier: "file:///b.txt", Assertions: []string{"type", "yaml", "0"}},
	}
	r := New(eng)
	_, err := r.NewJSModule("file:///a.js", []byte("export {}"), false, identityResolve)
	if err == nil {
		t.Fatal("expected an error for an unrecognized type assertion")
	}
}

func TestNewJSONModule_DefaultExportEvaluatesOnce(t *testing.T) {
	eng := newFakeEngine()
	r := New(eng)

	id, err := r.NewJSONModule("file:///b.json", []byte("\xEF\xBB\xBF{\"a\":\"b\"}"))
	if err != nil {
		t.Fatalf("NewJSONModule: %v", err)
	}
	info, _ := r.GetInfoByID(id)
	if info.ModuleType != ModuleTypeJSON {
		t.Errorf("expected ModuleTypeJSON, got %v", info.ModuleType)
	}
	if len(r.jsonValueStore) != 1 {
		t.Fatalf("expected one staged value before evaluation, got %d", len(r.jsonValueStore))
	}

	handle, _ := r.GetHandle(id)
	var captured map[string]engine.ValueHandle
	setter := recordingSetter{dst: &captured}
	if err := r.jsonEvaluationSteps(handle, setter); err != nil {
		t.Fatalf("evaluation steps: %v", err)
	}
	if captured["default"] == nil {
		t.Error("expected default export to be set")
	}
	if len(r.jsonValueStore) != 0 {
		t.Errorf("expected json_value_store to be empty after evaluation, got %d entries", len(r.jsonValueStore))
	}

	if err := r.jsonEvaluationSteps(handle, setter); err == nil {
		t.Error("expected second evaluation of the same handle to fail")
	}
}

type recordingSetter struct {
	dst *map[string]engine.ValueHandle
}

func (s recordingSetter) SetExport(name string, value engine.ValueHandle) error {
	if *s.dst == nil {
		*s.dst = make(map[string]engine.ValueHandle)
	}
	(*s.dst)[name] = value
	return nil
}

func TestAliasResolvesToSameID(t *testing.T) {
	eng := newFakeEngine()
	r := New(eng)

	id, err := r.NewJSModule("file:///dir/redirect3.js", []byte("export {}"), false, identityResolve)
	if err != nil {
		t.Fatalf("NewJSModule: %v", err)
	}
	r.Alias("file:///redirect3.js", AssertedModuleTypeJavaScriptOrWasm, "file:///dir/redirect3.js")

	aliasID, ok := r.GetID("file:///redirect3.js", AssertedModuleTypeJavaScriptOrWasm)
	if !ok || aliasID != id {
		t.Fatalf("expected alias to resolve to %d, got %d (ok=%v)", id, aliasID, ok)
	}
	if !r.IsAlias("file:///redirect3.js", AssertedModuleTypeJavaScriptOrWasm) {
		t.Error("expected redirect3.js to be registered as an alias")
	}
	if r.IsAlias("file:///dir/redirect3.js", AssertedModuleTypeJavaScriptOrWasm) {
		t.Error("the canonical name must not itself be an alias")
	}
}

func TestIsRegisteredRejectsIncompatibleAssertedType(t *testing.T) {
	eng := newFakeEngine()
	r := New(eng)
	if _, err := r.NewJSONModule("file:///b.json", []byte(`{}`)); err != nil {
		t.Fatalf("NewJSONModule: %v", err)
	}
	if r.IsRegistered("file:///b.json", AssertedModuleTypeJavaScriptOrWasm) {
		t.Error("a JSON module must not satisfy a JavaScriptOrWasm assertion")
	}
	if !r.IsRegistered("file:///b.json", AssertedModuleTypeJSON) {
		t.Error("a JSON module must satisfy a Json assertion")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	eng := newFakeEngine()
	r := New(eng)

	eng.compiled["file:///a.js"] = []engine.CompiledRequest{{Specifier: "file:///b.js"}}
	aID, err := r.NewJSModule("file:///a.js", []byte("export {}"), true, identityResolve)
	if err != nil {
		t.Fatalf("NewJSModule a: %v", err)
	}
	bID, err := r.NewJSModule("file:///b.js", []byte("export {}"), false, identityResolve)
	if err != nil {
		t.Fatalf("NewJSModule b: %v", err)
	}
	r.Alias("file:///b-alias.js", AssertedModuleTypeJavaScriptOrWasm, "file:///b.js")

	snap := r.Serialize()
	encoded, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}

	var decoded Snapshot
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if decoded.NextLoadID != snap.NextLoadID {
		t.Errorf("next_load_id mismatch: got %d, want %d", decoded.NextLoadID, snap.NextLoadID)
	}

	handles := make([]engine.ModuleHandle, len(decoded.Info))
	for i := range handles {
		h, ok := r.GetHandle(ModuleId(i))
		if !ok {
			t.Fatalf("no handle for restored id %d", i)
		}
		handles[i] = h
	}

	restored, err := Restore(eng, decoded, handles)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	gotA, ok := restored.GetID("file:///a.js", AssertedModuleTypeJavaScriptOrWasm)
	if !ok || gotA != aID {
		t.Errorf("restored a.js id = %d (ok=%v), want %d", gotA, ok, aID)
	}
	gotB, ok := restored.GetID("file:///b-alias.js", AssertedModuleTypeJavaScriptOrWasm)
	if !ok || gotB != bID {
		t.Errorf("restored alias id = %d (ok=%v), want %d", gotB, ok, bID)
	}
	if !restored.IsAlias("file:///b-alias.js", AssertedModuleTypeJavaScriptOrWasm) {
		t.Error("restored registry should still treat b-alias.js as an alias")
	}
}

func TestInstantiateAllCallsEveryModuleExactlyOnce(t *testing.T) {
	eng := newFakeEngine()
	r := New(eng)

	eng.compiled["file:///a.js"] = []engine.CompiledRequest{{Specifier: "file:///b.js"}}
	aID, err := r.NewJSModule("file:///a.js", []byte("export {}"), true, identityResolve)
	if err != nil {
		t.Fatalf("NewJSModule a: %v", err)
	}
	bID, err := r.NewJSModule("file:///b.js", []byte("export {}"), false, identityResolve)
	if err != nil {
		t.Fatalf("NewJSModule b: %v", err)
	}

	resolve := func(spec, referrer string, assertions []string) (engine.ModuleHandle, bool) {
		id, ok := r.GetID(spec, AssertedModuleTypeJavaScriptOrWasm)
		if !ok {
			return nil, false
		}
		return r.GetHandle(id)
	}

	if err := r.InstantiateAll(resolve); err != nil {
		t.Fatalf("InstantiateAll: %v", err)
	}

	aHandle, _ := r.GetHandle(aID)
	bHandle, _ := r.GetHandle(bID)
	if eng.instantiateCalls[aHandle] != 1 {
		t.Errorf("a.js Instantiate calls = %d, want 1", eng.instantiateCalls[aHandle])
	}
	if eng.instantiateCalls[bHandle] != 1 {
		t.Errorf("b.js Instantiate calls = %d, want 1", eng.instantiateCalls[bHandle])
	}

	// A second call, and registering a third module, should only
	// Instantiate the module that hasn't been instantiated yet.
	cID, err := r.NewJSModule("file:///c.js", []byte("export {}"), false, identityResolve)
	if err != nil {
		t.Fatalf("NewJSModule c: %v", err)
	}
	if err := r.InstantiateAll(resolve); err != nil {
		t.Fatalf("second InstantiateAll: %v", err)
	}
	cHandle, _ := r.GetHandle(cID)
	if eng.instantiateCalls[aHandle] != 1 || eng.instantiateCalls[bHandle] != 1 {
		t.Error("InstantiateAll re-instantiated an already-instantiated module")
	}
	if eng.instantiateCalls[cHandle] != 1 {
		t.Errorf("c.js Instantiate calls = %d, want 1", eng.instantiateCalls[cHandle])
	}
}
