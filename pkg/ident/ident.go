// Package ident provides syntactic validation for workflow identifiers and
// dotted property paths. All checks are pure and side-effect free.
package ident

import (
	"fmt"
	"strings"
)

// InvalidIdentifierError reports a parameter whose value is not a bare
// identifier (letter or underscore followed by letters, digits or
// underscores).
type InvalidIdentifierError struct {
	Param string
	Value string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("parameter %q is not a valid identifier: %q", e.Param, e.Value)
}

// InvalidPropertyPathError reports a parameter whose value is not a valid
// dotted property path.
type InvalidPropertyPathError struct {
	Param   string
	Value   string
	Segment string
}

func (e *InvalidPropertyPathError) Error() string {
	return fmt.Sprintf("parameter %q is not a valid property path: %q (segment %q)", e.Param, e.Value, e.Segment)
}

// IsValidIdentifier reports whether s is a non-empty bare name.
func IsValidIdentifier(s string) bool {
	if s == "" {
		return false
	}

	for i, r := range s {
		switch {
		case r == '_':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}

	return true
}

// ValidateIdentifier fails with *InvalidIdentifierError when s is empty or
// not a valid bare name. param names the offending argument for diagnostics.
func ValidateIdentifier(s, param string) error {
	if !IsValidIdentifier(s) {
		return &InvalidIdentifierError{Param: param, Value: s}
	}

	return nil
}

// ValidatePropertyPath fails with *InvalidPropertyPathError when any
// dot-separated segment of s is not a valid identifier.
func ValidatePropertyPath(s, param string) error {
	if s == "" {
		return &InvalidPropertyPathError{Param: param, Value: s}
	}

	for _, segment := range strings.Split(s, ".") {
		if !IsValidIdentifier(segment) {
			return &InvalidPropertyPathError{Param: param, Value: s, Segment: segment}
		}
	}

	return nil
}
