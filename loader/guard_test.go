package loader

import (
	"context"
	"errors"
	"testing"

	"github.com/cryguy/esmgraph/internal/specifier"
)

func TestGuardedBlocksInternalFromExternalOnceSnapshotLoaded(t *testing.T) {
	loaded := true
	g := NewGuarded(NewFsLoader(), func() bool { return loaded })

	_, err := g.Resolve("internal:core.js", "file:///app.js", specifier.Import)
	if !errors.Is(err, specifier.ErrInternalFromExternal) {
		t.Fatalf("expected ErrInternalFromExternal, got %v", err)
	}

	got, err := g.Resolve("internal:other.js", "internal:core.js", specifier.Import)
	if err != nil {
		t.Fatalf("internal-from-internal should succeed: %v", err)
	}
	if got != "internal:other.js" {
		t.Errorf("got %q", got)
	}
}

func TestGuardedAllowsInternalBeforeSnapshotLoaded(t *testing.T) {
	loaded := false
	g := NewGuarded(NewFsLoader(), func() bool { return loaded })

	if _, err := g.Resolve("internal:core.js", "file:///app.js", specifier.Import); err != nil {
		t.Fatalf("resolve should succeed before any snapshot is loaded: %v", err)
	}
}

func TestGuardedDelegatesLoadUnchanged(t *testing.T) {
	loaded := true
	inner := NewNoopLoader()
	g := NewGuarded(inner, func() bool { return loaded })

	_, err := g.Load(context.Background(), "file:///x.js", "", false)
	if !errors.Is(err, ErrNoopLoad) {
		t.Fatalf("Guarded.Load should delegate to the wrapped loader, got %v", err)
	}
}
