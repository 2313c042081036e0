package loader

import "github.com/cryguy/esmgraph/internal/specifier"

// Guarded wraps a ModuleLoader so its Resolve enforces the internal:
// scheme isolation rule (§6, §8 property 9): once snapshotLoaded
// reports true, resolving an internal: specifier from a non-internal
// referrer fails. Load and PrepareLoad pass through unchanged — the
// guard only ever needs to see what Resolve already computed.
type Guarded struct {
	ModuleLoader
	resolve specifier.ResolveFunc
}

// NewGuarded wraps ld, consulting snapshotLoaded on every Resolve call.
// Use this to compose the guard into any of the three reference loaders
// (or a caller's own ModuleLoader) without changing their own Resolve.
func NewGuarded(ld ModuleLoader, snapshotLoaded func() bool) *Guarded {
	return &Guarded{
		ModuleLoader: ld,
		resolve:      specifier.InternalSchemeGuard(ld.Resolve, snapshotLoaded),
	}
}

func (g *Guarded) Resolve(spec, referrer string, kind specifier.Kind) (string, error) {
	return g.resolve(spec, referrer, kind)
}
