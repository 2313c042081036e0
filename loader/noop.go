package loader

import (
	"context"
	"errors"

	"github.com/cryguy/esmgraph/internal/registry"
	"github.com/cryguy/esmgraph/internal/specifier"
)

// ErrNoopLoad is returned by every NoopLoader.Load call.
var ErrNoopLoad = errors.New("loader: NoopLoader cannot load any module")

// NoopLoader resolves specifiers (so a resolve_callback on an
// unconfigured registry still behaves sensibly) but refuses every Load —
// the safe default when no transport has been wired up, mirroring
// original_source's NoopModuleLoader.
type NoopLoader struct {
	PrepareLoad
	resolver *specifier.Resolver
}

// NewNoopLoader constructs a NoopLoader.
func NewNoopLoader() *NoopLoader {
	return &NoopLoader{resolver: specifier.NewResolver()}
}

func (l *NoopLoader) Resolve(spec, referrer string, kind specifier.Kind) (string, error) {
	return l.resolver.Resolve(spec, referrer, kind)
}

func (l *NoopLoader) Load(ctx context.Context, spec, referrer string, isDynamic bool) (registry.ModuleSource, error) {
	return registry.ModuleSource{}, ErrNoopLoad
}
