//go:build v8

package esmgraph

import (
	"github.com/cryguy/esmgraph/internal/engine"
	"github.com/cryguy/esmgraph/internal/v8engine"
)

func newBackend() (engine.Engine, error) {
	return v8engine.New()
}
