// Package loader defines the ModuleLoader contract (spec §6) and ships
// three reference implementations: NoopLoader (the safe default),
// FsLoader (disk), and HTTPLoader (network, with redirect tracking and
// an on-disk response cache).
package loader

import (
	"context"

	"github.com/cryguy/esmgraph/internal/registry"
	"github.com/cryguy/esmgraph/internal/specifier"
)

// ModuleLoader is the external contract a concrete transport satisfies.
// Resolve must be pure (§8 property 1); Load performs I/O and may report
// a redirected specifier via ModuleSource.UrlFound; PrepareLoad runs
// once per load before any Load call and defaults to a no-op success.
type ModuleLoader interface {
	Resolve(spec, referrer string, kind specifier.Kind) (string, error)
	Load(ctx context.Context, spec, referrer string, isDynamic bool) (registry.ModuleSource, error)
	PrepareLoad(ctx context.Context, spec, referrer string, isDynamic bool) error
}

// PrepareLoad is embeddable by loaders with no setup step; it satisfies
// the "optional; default is a ready success" clause of §6 without every
// loader repeating a no-op method.
type PrepareLoad struct{}

func (PrepareLoad) PrepareLoad(ctx context.Context, spec, referrer string, isDynamic bool) error {
	return nil
}
