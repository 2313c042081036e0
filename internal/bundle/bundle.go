// Package bundle pre-bundles a multi-file ESM entry point into a single
// source before it is handed to the registry's NewJSModule. It is not a
// transpiler: esbuild runs in Bundle+FormatESModule mode only, reshaping
// the local import graph into one file without lowering syntax.
package bundle

import (
	"fmt"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// Entry bundles the ESM module at entryPath (and everything it imports
// from disk) into a single ES module source. The result is always
// esbuild's reprinted output, also for an entry point with no local
// imports; its exports keep their names.
func Entry(entryPath string) (string, error) {
	opts := esbuild.BuildOptions{
		EntryPoints: []string{entryPath},
		Bundle:      true,
		Format:      esbuild.FormatESModule,
		Write:       false,
		Platform:    esbuild.PlatformNeutral,
		Target:      esbuild.ESNext,
		TreeShaking: esbuild.TreeShakingFalse,
	}

	result := esbuild.Build(opts)
	if len(result.Errors) > 0 {
		msgs := make([]string, len(result.Errors))
		for i, e := range result.Errors {
			msgs[i] = e.Text
		}
		return "", fmt.Errorf("bundle: %s: %s", entryPath, strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundle: %s: esbuild produced no output", entryPath)
	}
	return string(result.OutputFiles[0].Contents), nil
}
