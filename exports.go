package esmgraph

import (
	"github.com/cryguy/esmgraph/internal/registry"
)

// Type aliases re-exporting internal/registry types so downstream code
// can write esmgraph.ModuleId, esmgraph.Snapshot, etc. without importing
// the internal package directly — the same re-export shape the
// teacher's own exports.go uses for internal/core.

type ModuleId = registry.ModuleId
type ModuleType = registry.ModuleType
type AssertedModuleType = registry.AssertedModuleType
type ModuleInfo = registry.ModuleInfo
type ModuleRequest = registry.ModuleRequest
type ModuleSource = registry.ModuleSource
type Snapshot = registry.Snapshot

// Constants re-exported from registry.
const (
	ModuleTypeJavaScript               = registry.ModuleTypeJavaScript
	ModuleTypeJSON                     = registry.ModuleTypeJSON
	AssertedModuleTypeJavaScriptOrWasm = registry.AssertedModuleTypeJavaScriptOrWasm
	AssertedModuleTypeJSON             = registry.AssertedModuleTypeJSON
)

// Serialize captures g's current registry state as a Snapshot (§4.8),
// suitable for handing to internal/snapstore.Store.Save.
func (g *Graph) Serialize() Snapshot {
	return g.reg.Serialize()
}
