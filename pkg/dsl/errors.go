package dsl

import "fmt"

// StructuralError reports a malformed declaration: a construct that cannot be
// extracted into a well-formed graph (empty loop body, single-path fork,
// duplicate step name in one scope). Malformed declarations are never
// silently coerced.
type StructuralError struct {
	Construct string // id of the offending construct
	Reason    string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural error in %q: %s", e.Construct, e.Reason)
}

func structural(construct, format string, args ...any) *StructuralError {
	return &StructuralError{Construct: construct, Reason: fmt.Sprintf(format, args...)}
}
