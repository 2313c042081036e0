//go:build !esmgraph_debug

package engine

import "fmt"

// ProgrammingError reports a resolve_callback miss (§4.7, §9 Open
// Question) as an ordinary instantiation error. Build with
// -tags esmgraph_debug to panic instead, for catching the bug that
// produced the miss at its call site during development.
func ProgrammingError(context string) error {
	return fmt.Errorf("%s: %w", context, ErrProgrammingError)
}
