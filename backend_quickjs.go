//go:build !v8

package esmgraph

import (
	"github.com/cryguy/esmgraph/internal/engine"
	"github.com/cryguy/esmgraph/internal/quickjs"
)

func newBackend() (engine.Engine, error) {
	return quickjs.New()
}
