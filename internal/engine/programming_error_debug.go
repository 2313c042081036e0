//go:build esmgraph_debug

package engine

import "fmt"

// ProgrammingError panics instead of returning ErrProgrammingError — this
// build exists so a resolve_callback miss surfaces at the call site with a
// stack trace instead of propagating as an ordinary Instantiate error.
func ProgrammingError(context string) error {
	panic(fmt.Sprintf("%s: %v", context, ErrProgrammingError))
}
