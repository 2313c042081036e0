package loader

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/cryguy/esmgraph/internal/bundle"
	"github.com/cryguy/esmgraph/internal/registry"
	"github.com/cryguy/esmgraph/internal/specifier"
)

// FsLoader reads file:// specifiers off local disk, sniffing ModuleType
// from the extension. When Bundle is set, the root (referrer-less) load
// is run through internal/bundle first so a multi-file entry point
// reaches the registry as one ES module, mirroring the teacher's
// BundleWorkerScript.
type FsLoader struct {
	PrepareLoad
	resolver *specifier.Resolver
	Bundle   bool
}

// NewFsLoader constructs an FsLoader.
func NewFsLoader() *FsLoader {
	return &FsLoader{resolver: specifier.NewResolver()}
}

func (l *FsLoader) Resolve(spec, referrer string, kind specifier.Kind) (string, error) {
	return l.resolver.Resolve(spec, referrer, kind)
}

func (l *FsLoader) Load(ctx context.Context, spec, referrer string, isDynamic bool) (registry.ModuleSource, error) {
	path, err := pathFromFileURL(spec)
	if err != nil {
		return registry.ModuleSource{}, err
	}

	moduleType := moduleTypeFromExtension(path)

	var bytes []byte
	if l.Bundle && referrer == "" && moduleType == registry.ModuleTypeJavaScript {
		src, err := bundle.Entry(path)
		if err != nil {
			return registry.ModuleSource{}, err
		}
		bytes = []byte(src)
	} else {
		bytes, err = os.ReadFile(path)
		if err != nil {
			return registry.ModuleSource{}, fmt.Errorf("loader: reading %s: %w", path, err)
		}
	}

	return registry.ModuleSource{
		Bytes:        bytes,
		ModuleType:   moduleType,
		UrlSpecified: spec,
		UrlFound:     spec,
	}, nil
}

func moduleTypeFromExtension(path string) registry.ModuleType {
	if strings.HasSuffix(path, ".json") {
		return registry.ModuleTypeJSON
	}
	return registry.ModuleTypeJavaScript
}

func pathFromFileURL(spec string) (string, error) {
	const scheme = "file://"
	if !strings.HasPrefix(spec, scheme) {
		return "", fmt.Errorf("loader: FsLoader only handles file:// specifiers, got %q", spec)
	}
	unescaped, err := url.PathUnescape(strings.TrimPrefix(spec, scheme))
	if err != nil {
		return "", fmt.Errorf("loader: %s: %w", spec, err)
	}
	return unescaped, nil
}
