// Package registry implements the module registry: the authoritative
// handle table, info table, name-to-symbolic-module map, and snapshot
// serialization for an EcmaScript module graph.
package registry

import "fmt"

// ModuleType is what the loader reports a fetched module actually is.
// The int values are part of the snapshot wire format (§4.8) and must
// not be renumbered.
type ModuleType int32

const (
	ModuleTypeJavaScript ModuleType = 0
	ModuleTypeJSON       ModuleType = 1
)

func (t ModuleType) String() string {
	switch t {
	case ModuleTypeJavaScript:
		return "JavaScript"
	case ModuleTypeJSON:
		return "JSON"
	default:
		return fmt.Sprintf("ModuleType(%d)", int32(t))
	}
}

// AssertedModuleType is what an importer asserts a module to be, via
// `import ... assert { type: "..." }`. Distinct from ModuleType because
// a static import with no assertion only constrains "JavaScript or Wasm",
// a broader set than the concrete type the loader eventually reports.
type AssertedModuleType int32

const (
	AssertedModuleTypeJavaScriptOrWasm AssertedModuleType = 0
	AssertedModuleTypeJSON             AssertedModuleType = 1
)

func (t AssertedModuleType) String() string {
	switch t {
	case AssertedModuleTypeJavaScriptOrWasm:
		return "JavaScriptOrWasm"
	case AssertedModuleTypeJSON:
		return "JSON"
	default:
		return fmt.Sprintf("AssertedModuleType(%d)", int32(t))
	}
}

// AssertedFromModuleType derives the AssertedModuleType a module of the
// given concrete type satisfies, per the §4.2 derivation rule.
func AssertedFromModuleType(t ModuleType) AssertedModuleType {
	if t == ModuleTypeJSON {
		return AssertedModuleTypeJSON
	}
	return AssertedModuleTypeJavaScriptOrWasm
}

// ModuleId is a small non-negative integer, unique per registry and
// stable for the registry's lifetime.
type ModuleId int32

// ModuleRequest identifies one edge in the dependency graph: an import
// as seen by the importer, with the type it asserts.
type ModuleRequest struct {
	Specifier           string
	AssertedModuleType AssertedModuleType
}

// ModuleInfo records everything the registry knows about a bound module.
// Requests is ordered exactly as the engine enumerated the module's
// imports.
type ModuleInfo struct {
	Id         ModuleId
	Main       bool
	Name       string
	Requests   []ModuleRequest
	ModuleType ModuleType
}

// SymbolicModule is either a bound module id or a forwarding alias,
// keyed in the registry's by_name map.
type SymbolicModule struct {
	// Alias is non-empty when this entry forwards to another specifier.
	Alias string
	// Bound is valid when Alias == "".
	Bound ModuleId
	isSet bool
}

// NewAlias constructs a SymbolicModule that forwards to target.
func NewAlias(target string) SymbolicModule {
	return SymbolicModule{Alias: target, isSet: true}
}

// NewBound constructs a SymbolicModule bound to id.
func NewBound(id ModuleId) SymbolicModule {
	return SymbolicModule{Bound: id, isSet: true}
}

// IsAlias reports whether this entry forwards to another specifier.
func (s SymbolicModule) IsAlias() bool { return s.isSet && s.Alias != "" }

// ModuleSource is the transient result of fetching one module's bytes.
// UrlFound may differ from UrlSpecified when the loader followed a
// redirect; the registry aliases the two in that case.
type ModuleSource struct {
	Bytes         []byte
	ModuleType    ModuleType
	UrlSpecified string
	UrlFound     string
}

// byNameKey is the composite key of the by_name map.
type byNameKey struct {
	Specifier          string
	AssertedModuleType AssertedModuleType
}
