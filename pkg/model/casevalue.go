package model

import (
	"fmt"
	"strconv"

	"github.com/phasor-io/phasor/pkg/dsl"
)

// CaseValue is the tagged-union representation of a branch case literal. The
// discriminator's declared kind is resolved once at build time and Matches
// performs the kind-specific equality check, never runtime type reflection.
type CaseValue struct {
	Kind dsl.DiscriminatorKind `json:"kind"`
	Raw  string                `json:"raw"`
	Bool bool                  `json:"bool,omitempty"` // valid only for DiscriminatorBool
}

// NewCaseValue parses a declared case literal under the discriminator kind.
func NewCaseValue(kind dsl.DiscriminatorKind, raw string) (CaseValue, error) {
	v := CaseValue{Kind: kind, Raw: raw}

	if kind == dsl.DiscriminatorBool {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return CaseValue{}, fmt.Errorf("case value %q is not a bool: %w", raw, err)
		}

		v.Bool = parsed
	}

	return v, nil
}

// Matches reports whether the discriminator value selects this case.
func (v CaseValue) Matches(actual any) bool {
	switch v.Kind {
	case dsl.DiscriminatorBool:
		b, ok := actual.(bool)

		return ok && b == v.Bool
	case dsl.DiscriminatorEnum, dsl.DiscriminatorString:
		s, ok := actual.(string)

		return ok && s == v.Raw
	case dsl.DiscriminatorComputed:
		// computed discriminators may evaluate to any scalar; compare the
		// canonical string form
		return fmt.Sprint(actual) == v.Raw
	default:
		return false
	}
}
