package esmgraph

import (
	"time"

	"github.com/cryguy/esmgraph/internal/recursiveload"
)

// Config holds construction-time settings for a Graph. This replaces
// the teacher's EngineConfig (pool sizing, per-request execution
// limits) with the settings a module-graph loader actually needs: where
// the HTTP loader may cache fetched sources, and how the embedding
// event loop paces itself while draining dynamic imports.
type Config struct {
	// HTTPCacheDir is the on-disk cache directory for loader.HTTPLoader.
	// Empty disables the HTTP loader entirely (NewGraph then requires an
	// explicit loader.ModuleLoader via NewGraphWithLoader).
	HTTPCacheDir string

	// EventLoopPollInterval is how long the event loop sleeps between
	// ticks while dynamic imports are still pending. Defaults to one
	// millisecond if zero.
	EventLoopPollInterval time.Duration

	// MaxConcurrentFetches caps how many loader.Load calls a single graph
	// or dynamic-import load runs at once (§3's LoadConfig). Zero means
	// unlimited, matching recursiveload.LoadConfig's own zero value.
	MaxConcurrentFetches int

	// FetchTimeout bounds a single loader.Load call (§3's LoadConfig).
	// Zero means no timeout beyond the caller's own context.
	FetchTimeout time.Duration
}

func (c Config) loadConfig() recursiveload.LoadConfig {
	return recursiveload.LoadConfig{
		MaxConcurrentFetches: c.MaxConcurrentFetches,
		FetchTimeout:         c.FetchTimeout,
	}
}
