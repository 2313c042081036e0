// Package specifier resolves import specifiers against a referrer per
// spec §4.1, and guards the `internal:` scheme per §6.
package specifier

import (
	"errors"
	"fmt"
	"strings"

	whatwgurl "github.com/nlnwa/whatwg-url/url"
)

// Kind selects the resolution policy branch (§4.1). MainModule is used
// exactly once per graph so a loader can apply main-only policy.
type Kind int

const (
	MainModule Kind = iota
	Import
	DynamicImport
)

func (k Kind) String() string {
	switch k {
	case MainModule:
		return "MainModule"
	case Import:
		return "Import"
	case DynamicImport:
		return "DynamicImport"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ResolveError wraps a specifier resolution failure with its inputs.
type ResolveError struct {
	Specifier string
	Referrer  string
	Err       error
}

func (e *ResolveError) Error() string {
	if e.Referrer == "" {
		return fmt.Sprintf("specifier: resolving %q: %v", e.Specifier, e.Err)
	}
	return fmt.Sprintf("specifier: resolving %q against %q: %v", e.Specifier, e.Referrer, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// ErrInternalFromExternal is the §6 error for resolving an internal:
// specifier from a non-internal referrer once a snapshot has been
// loaded.
var ErrInternalFromExternal = errors.New("cannot load internal module from external code")

const degenerateSuffix = ".d.ts.d.ts"

// Resolver resolves specifiers against a referrer using WHATWG URL
// parsing. It is pure — no I/O — matching §8 property 1 (resolution
// determinism).
type Resolver struct {
	parser *whatwgurl.Parser
}

// NewResolver constructs a Resolver with WHATWG-URL-default parsing options.
func NewResolver() *Resolver {
	return &Resolver{parser: whatwgurl.NewParser(nil)}
}

// Resolve normalizes specifier and resolves it against referrer (empty
// for a root/main specifier with no importer). kind only affects the
// degenerate-suffix normalization, which is skipped for MainModule since
// real fetch paths must not be mangled (§4.1).
func (r *Resolver) Resolve(specifier, referrer string, kind Kind) (string, error) {
	normalized := specifier
	if kind != MainModule && strings.HasSuffix(normalized, degenerateSuffix) {
		normalized = strings.TrimSuffix(normalized, degenerateSuffix) + ".d.ts"
	}

	var (
		u   *whatwgurl.Url
		err error
	)
	if referrer == "" {
		u, err = r.parser.Parse(normalized)
	} else {
		u, err = r.parser.ParseRef(referrer, normalized)
	}
	if err != nil {
		return "", &ResolveError{Specifier: specifier, Referrer: referrer, Err: err}
	}
	return u.Href(false), nil
}

// ResolveFunc is the resolve half of the ModuleLoader contract (§6).
type ResolveFunc func(specifier, referrer string, kind Kind) (string, error)

// InternalSchemeGuard wraps resolve so that, once snapshotLoaded reports
// true, resolving an internal: specifier from a non-internal referrer
// fails (§6, §8 property 9). It is a decorator over any ResolveFunc
// rather than a special case baked into Resolver, mirroring
// original_source's InternalModuleLoader wrapper over a user loader.
func InternalSchemeGuard(resolve ResolveFunc, snapshotLoaded func() bool) ResolveFunc {
	return func(spec, referrer string, kind Kind) (string, error) {
		resolved, err := resolve(spec, referrer, kind)
		if err != nil {
			return "", err
		}
		if kind == MainModule || !snapshotLoaded() {
			return resolved, nil
		}
		if strings.HasPrefix(resolved, "internal:") && !strings.HasPrefix(referrer, "internal:") {
			return "", &ResolveError{Specifier: spec, Referrer: referrer, Err: ErrInternalFromExternal}
		}
		return resolved, nil
	}
}
