package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cryguy/esmgraph/internal/assertions"
	"github.com/cryguy/esmgraph/internal/engine"
)

// ErrDuplicateMain is returned by NewJSModule when a second main module
// is registered against the same registry (§3 invariant: at most one
// main).
var ErrDuplicateMain = errors.New("registry: a main module is already registered")

// RegisterError wraps a failure from one of the registry's registration
// operations with the step that failed.
type RegisterError struct {
	Op  string
	Err error
}

func (e *RegisterError) Error() string { return fmt.Sprintf("registry: %s: %v", e.Op, e.Err) }
func (e *RegisterError) Unwrap() error { return e.Err }

// ResolveFunc resolves one module's raw, engine-delivered import
// specifier against the registering module's own name. It is supplied by
// the caller (the facade, ultimately backed by a SpecifierResolver) so
// this package carries no dependency on specifier resolution policy.
type ResolveFunc func(specifier, referrer string) (string, error)

// Registry is the authoritative module registry (spec §3, §4.4): the
// handle table, info table, name-to-symbolic-module map, and the
// transient JSON evaluation and dynamic-import bookkeeping that ride
// along with it.
//
// All mutation happens under mu. Per §5, no caller may hold mu across a
// suspension point (a channel receive or blocking I/O call) — every
// method here returns before its caller continues any such wait.
type Registry struct {
	mu sync.Mutex

	handles []engine.ModuleHandle
	info    []ModuleInfo
	byName  map[byNameKey]SymbolicModule

	nextLoadID int32

	jsonValueStore   map[engine.ModuleHandle]engine.ValueHandle
	dynamicImportMap map[int32]engine.PromiseResolver
	instantiated     map[engine.ModuleHandle]bool

	snapshotLoaded bool

	eng engine.Engine
}

// New creates an empty registry bound to eng, with next_load_id = 1 per
// the lifecycle rule in §3.
func New(eng engine.Engine) *Registry {
	return &Registry{
		byName:           make(map[byNameKey]SymbolicModule),
		jsonValueStore:   make(map[engine.ModuleHandle]engine.ValueHandle),
		dynamicImportMap: make(map[int32]engine.PromiseResolver),
		instantiated:     make(map[engine.ModuleHandle]bool),
		nextLoadID:       1,
		eng:              eng,
	}
}

// InstantiateAll calls the engine's Instantiate on every module registered
// so far that has not already been instantiated, using resolve to look up
// each module's dependencies. The v8go backend's Module.Instantiate walks
// an entire subgraph from one call given a resolve callback, so calling
// this after every module in the graph is already registered is a no-op
// for most of them there; the quickjs backend's Instantiate only resolves
// one module's own requests, so every module genuinely needs its own
// call. Calling this uniformly after each graph load keeps both backends
// behind the same contract: Instantiate every module once, then Evaluate
// the root once.
func (r *Registry) InstantiateAll(resolve engine.ResolveCallback) error {
	r.mu.Lock()
	handles := make([]engine.ModuleHandle, 0, len(r.handles))
	for _, h := range r.handles {
		if !r.instantiated[h] {
			handles = append(handles, h)
		}
	}
	r.mu.Unlock()

	for _, h := range handles {
		if err := r.eng.Instantiate(h, resolve); err != nil {
			return err
		}
		r.mu.Lock()
		r.instantiated[h] = true
		r.mu.Unlock()
	}
	return nil
}

// NextLoadID allocates and returns the next monotonic LoadId.
func (r *Registry) NextLoadID() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextLoadID
	r.nextLoadID++
	return id
}

// SnapshotLoaded reports whether this registry was produced by Restore
// rather than New — the "once a snapshot has been loaded" condition
// gating specifier.InternalSchemeGuard (§6, §8 property 9).
func (r *Registry) SnapshotLoaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLoaded
}

// GetID follows Alias chains until a Bound entry is reached, per §4.4.
// Alias does not check its target, so a chain may end at an unknown
// name or loop back on itself; the visited set makes GetID report
// either case as not found instead of looping.
func (r *Registry) GetID(name string, amt AssertedModuleType) (ModuleId, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getIDLocked(name, amt)
}

func (r *Registry) getIDLocked(name string, amt AssertedModuleType) (ModuleId, bool) {
	key := byNameKey{Specifier: name, AssertedModuleType: amt}
	visited := make(map[byNameKey]bool)
	for {
		if visited[key] {
			return 0, false
		}
		visited[key] = true
		sym, ok := r.byName[key]
		if !ok {
			return 0, false
		}
		if sym.IsAlias() {
			key = byNameKey{Specifier: sym.Alias, AssertedModuleType: amt}
			continue
		}
		return sym.Bound, true
	}
}

// IsRegistered reports whether name is bound (through any number of
// aliases) to a module whose concrete type is compatible with amt.
func (r *Registry) IsRegistered(name string, amt AssertedModuleType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.getIDLocked(name, amt)
	if !ok {
		return false
	}
	return AssertedFromModuleType(r.info[id].ModuleType) == amt
}

// IsAlias is a test-only introspection hook mirroring the original's
// #[cfg(test)] is_alias.
func (r *Registry) IsAlias(name string, amt AssertedModuleType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sym, ok := r.byName[byNameKey{Specifier: name, AssertedModuleType: amt}]
	return ok && sym.IsAlias()
}

// Alias inserts a forwarding entry in by_name. target need not yet be
// registered (used to alias url_specified before url_found itself lands).
func (r *Registry) Alias(name string, amt AssertedModuleType, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[byNameKey{Specifier: name, AssertedModuleType: amt}] = NewAlias(target)
}

// NewJSModule compiles source via the engine, resolves its import list
// in order, and stores its info record. resolve is called once per
// request in source order — that order is load-bearing (§3 ModuleInfo
// invariant).
func (r *Registry) NewJSModule(name string, source []byte, isMain bool, resolve ResolveFunc) (ModuleId, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if isMain {
		for _, inf := range r.info {
			if inf.Main {
				return 0, &RegisterError{Op: "new_js_module", Err: ErrDuplicateMain}
			}
		}
	}

	compiled, err := r.eng.CompileModule(name, source, isMain)
	if err != nil {
		return 0, &RegisterError{Op: "compile", Err: err}
	}

	requests := make([]ModuleRequest, 0, len(compiled.Requests))
	for _, cr := range compiled.Requests {
		parsed, err := assertions.Parse(cr.Assertions, assertions.StaticImport)
		if err != nil {
			return 0, &RegisterError{Op: "assertion", Err: err}
		}
		amt := AssertedModuleTypeJavaScriptOrWasm
		if parsed.IsJSON {
			amt = AssertedModuleTypeJSON
		}
		resolved, err := resolve(cr.Specifier, name)
		if err != nil {
			return 0, &RegisterError{Op: "resolve", Err: err}
		}
		requests = append(requests, ModuleRequest{Specifier: resolved, AssertedModuleType: amt})
	}

	id := ModuleId(len(r.handles))
	r.handles = append(r.handles, compiled.Handle)
	r.info = append(r.info, ModuleInfo{
		Id:         id,
		Main:       isMain,
		Name:       name,
		Requests:   requests,
		ModuleType: ModuleTypeJavaScript,
	})
	r.byName[byNameKey{Specifier: name, AssertedModuleType: AssertedModuleTypeJavaScriptOrWasm}] = NewBound(id)
	return id, nil
}

// NewJSONModule parses a JSON source into a synthetic single-export
// module per §4.3. The parsed value is stashed in json_value_store keyed
// by the new handle, and popped exactly once when the engine later
// invokes the evaluation steps.
func (r *Registry) NewJSONModule(name string, source []byte) (ModuleId, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	value, err := r.eng.ParseJSON(stripBOM(source))
	if err != nil {
		return 0, &RegisterError{Op: "parse_json", Err: err}
	}

	handle, err := r.eng.NewSyntheticModule(name, []string{"default"}, r.jsonEvaluationSteps)
	if err != nil {
		return 0, &RegisterError{Op: "synthesize", Err: err}
	}
	r.jsonValueStore[handle] = value

	id := ModuleId(len(r.handles))
	r.handles = append(r.handles, handle)
	r.info = append(r.info, ModuleInfo{
		Id:         id,
		Name:       name,
		ModuleType: ModuleTypeJSON,
	})
	r.byName[byNameKey{Specifier: name, AssertedModuleType: AssertedModuleTypeJSON}] = NewBound(id)
	return id, nil
}

// jsonEvaluationSteps is the evaluation callback handed to every
// synthetic JSON module. It retrieves and removes the staged value for
// self, then sets it as the module's default export.
func (r *Registry) jsonEvaluationSteps(self engine.ModuleHandle, setter engine.ExportSetter) error {
	r.mu.Lock()
	value, ok := r.jsonValueStore[self]
	if ok {
		delete(r.jsonValueStore, self)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("registry: json module evaluated with no staged value (double evaluation?)")
	}
	return setter.SetExport("default", value)
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

// GetInfoByID returns the info record for id.
func (r *Registry) GetInfoByID(id ModuleId) (ModuleInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) < 0 || int(id) >= len(r.info) {
		return ModuleInfo{}, false
	}
	return r.info[id], true
}

// GetInfo returns the info record for the module backed by handle.
func (r *Registry) GetInfo(handle engine.ModuleHandle) (ModuleInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, h := range r.handles {
		if h == handle {
			return r.info[i], true
		}
	}
	return ModuleInfo{}, false
}

// GetHandle returns the engine handle bound to id.
func (r *Registry) GetHandle(id ModuleId) (engine.ModuleHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(id) < 0 || int(id) >= len(r.handles) {
		return nil, false
	}
	return r.handles[id], true
}

// StashResolver records a dynamic import's promise resolver under loadID.
func (r *Registry) StashResolver(loadID int32, resolver engine.PromiseResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dynamicImportMap[loadID] = resolver
}

// TakeResolver removes and returns the resolver stashed under loadID.
func (r *Registry) TakeResolver(loadID int32) (engine.PromiseResolver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	resolver, ok := r.dynamicImportMap[loadID]
	if ok {
		delete(r.dynamicImportMap, loadID)
	}
	return resolver, ok
}

// Snapshot is the §4.8 wire format: conceptually the 3-element array
// [next_load_id, info_array, by_name_array]. Its MarshalJSON/UnmarshalJSON
// produce and consume that exact array shape.
type Snapshot struct {
	NextLoadID int32
	Info       []InfoRecord
	ByName     []ByNameRecord
}

// InfoRecord is one info_array entry: [id, main, name, requests_flat, module_type_int].
type InfoRecord struct {
	Id           ModuleId
	Main         bool
	Name         string
	RequestsFlat []any
	ModuleType   int32
}

// ByNameRecord is one by_name_array entry: [specifier, amt_int, symbolic].
// Symbolic is a string (alias target) or an integer (bound id); the
// distinction is by runtime type, not a tag field.
type ByNameRecord struct {
	Specifier          string
	AssertedModuleType int32
	Symbolic           any
}

// Serialize captures the registry's current state as a Snapshot.
// by_name_array is sorted for deterministic output.
func (r *Registry) Serialize() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	infoArr := make([]InfoRecord, len(r.info))
	for i, inf := range r.info {
		flat := make([]any, 0, len(inf.Requests)*2)
		for _, req := range inf.Requests {
			flat = append(flat, req.Specifier, int32(req.AssertedModuleType))
		}
		infoArr[i] = InfoRecord{
			Id:           inf.Id,
			Main:         inf.Main,
			Name:         inf.Name,
			RequestsFlat: flat,
			ModuleType:   int32(inf.ModuleType),
		}
	}

	byNameArr := make([]ByNameRecord, 0, len(r.byName))
	for key, sym := range r.byName {
		var symbolic any
		if sym.IsAlias() {
			symbolic = sym.Alias
		} else {
			symbolic = int32(sym.Bound)
		}
		byNameArr = append(byNameArr, ByNameRecord{
			Specifier:          key.Specifier,
			AssertedModuleType: int32(key.AssertedModuleType),
			Symbolic:           symbolic,
		})
	}
	sort.Slice(byNameArr, func(i, j int) bool {
		if byNameArr[i].Specifier != byNameArr[j].Specifier {
			return byNameArr[i].Specifier < byNameArr[j].Specifier
		}
		return byNameArr[i].AssertedModuleType < byNameArr[j].AssertedModuleType
	})

	return Snapshot{NextLoadID: r.nextLoadID, Info: infoArr, ByName: byNameArr}
}

// Restore rebuilds a registry from a Snapshot. handles must be the
// module handles the engine's own snapshot machinery reattached, in the
// same order as snap.Info — the registry never serializes handles
// itself (§4.8).
func Restore(eng engine.Engine, snap Snapshot, handles []engine.ModuleHandle) (*Registry, error) {
	if len(handles) != len(snap.Info) {
		return nil, fmt.Errorf("registry: snapshot has %d info records but %d handles were supplied", len(snap.Info), len(handles))
	}

	r := New(eng)
	r.nextLoadID = snap.NextLoadID
	r.snapshotLoaded = true
	r.handles = append(r.handles, handles...)
	r.info = make([]ModuleInfo, len(snap.Info))

	for i, rec := range snap.Info {
		reqs := make([]ModuleRequest, 0, len(rec.RequestsFlat)/2)
		for j := 0; j+1 < len(rec.RequestsFlat); j += 2 {
			spec, ok := rec.RequestsFlat[j].(string)
			if !ok {
				return nil, fmt.Errorf("registry: info_array[%d].requests_flat[%d] is not a specifier string", i, j)
			}
			amt, err := toInt32(rec.RequestsFlat[j+1])
			if err != nil {
				return nil, fmt.Errorf("registry: info_array[%d].requests_flat[%d]: %w", i, j+1, err)
			}
			reqs = append(reqs, ModuleRequest{Specifier: spec, AssertedModuleType: AssertedModuleType(amt)})
		}
		r.info[i] = ModuleInfo{
			Id:         ModuleId(rec.Id),
			Main:       rec.Main,
			Name:       rec.Name,
			Requests:   reqs,
			ModuleType: ModuleType(rec.ModuleType),
		}
	}

	for i, rec := range snap.ByName {
		key := byNameKey{Specifier: rec.Specifier, AssertedModuleType: AssertedModuleType(rec.AssertedModuleType)}
		switch v := rec.Symbolic.(type) {
		case string:
			r.byName[key] = NewAlias(v)
		default:
			id, err := toInt32(v)
			if err != nil {
				return nil, fmt.Errorf("registry: by_name_array[%d].symbolic: %w", i, err)
			}
			r.byName[key] = NewBound(ModuleId(id))
		}
	}

	return r, nil
}

func toInt32(v any) (int32, error) {
	switch n := v.(type) {
	case int32:
		return n, nil
	case int:
		return int32(n), nil
	case float64:
		return int32(n), nil
	default:
		return 0, fmt.Errorf("unexpected numeric wire type %T", v)
	}
}

// MarshalJSON encodes the Snapshot as the literal §4.8 three-element array.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	infoArr := make([]any, len(s.Info))
	for i, rec := range s.Info {
		infoArr[i] = []any{rec.Id, rec.Main, rec.Name, rec.RequestsFlat, rec.ModuleType}
	}
	byNameArr := make([]any, len(s.ByName))
	for i, rec := range s.ByName {
		byNameArr[i] = []any{rec.Specifier, rec.AssertedModuleType, rec.Symbolic}
	}
	return json.Marshal([]any{s.NextLoadID, infoArr, byNameArr})
}

// UnmarshalJSON decodes the literal §4.8 three-element array back into a Snapshot.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("registry: snapshot: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("registry: snapshot must be a 3-element array, got %d", len(raw))
	}

	var nextLoadID float64
	if err := json.Unmarshal(raw[0], &nextLoadID); err != nil {
		return fmt.Errorf("registry: snapshot.next_load_id: %w", err)
	}

	var infoRaw [][]json.RawMessage
	if err := json.Unmarshal(raw[1], &infoRaw); err != nil {
		return fmt.Errorf("registry: snapshot.info_array: %w", err)
	}
	info := make([]InfoRecord, len(infoRaw))
	for i, rec := range infoRaw {
		if len(rec) < 5 {
			return fmt.Errorf("registry: info_array[%d] has %d fields, want >= 5", i, len(rec))
		}
		var id, moduleType float64
		var main bool
		var name string
		var flat []any
		if err := json.Unmarshal(rec[0], &id); err != nil {
			return err
		}
		if err := json.Unmarshal(rec[1], &main); err != nil {
			return err
		}
		if err := json.Unmarshal(rec[2], &name); err != nil {
			return err
		}
		if err := json.Unmarshal(rec[3], &flat); err != nil {
			return err
		}
		if err := json.Unmarshal(rec[4], &moduleType); err != nil {
			return err
		}
		info[i] = InfoRecord{Id: ModuleId(id), Main: main, Name: name, RequestsFlat: flat, ModuleType: int32(moduleType)}
	}

	var byNameRaw [][]json.RawMessage
	if err := json.Unmarshal(raw[2], &byNameRaw); err != nil {
		return fmt.Errorf("registry: snapshot.by_name_array: %w", err)
	}
	byName := make([]ByNameRecord, len(byNameRaw))
	for i, rec := range byNameRaw {
		if len(rec) < 3 {
			return fmt.Errorf("registry: by_name_array[%d] has %d fields, want >= 3", i, len(rec))
		}
		var specifier string
		var amt float64
		var symbolic any
		if err := json.Unmarshal(rec[0], &specifier); err != nil {
			return err
		}
		if err := json.Unmarshal(rec[1], &amt); err != nil {
			return err
		}
		if err := json.Unmarshal(rec[2], &symbolic); err != nil {
			return err
		}
		byName[i] = ByNameRecord{Specifier: specifier, AssertedModuleType: int32(amt), Symbolic: symbolic}
	}

	s.NextLoadID = int32(nextLoadID)
	s.Info = info
	s.ByName = byName
	return nil
}
