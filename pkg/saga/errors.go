package saga

import (
	"fmt"
)

// UnmatchedBranchError reports a discriminator value that selected no case
// and had no fallback. Routing never defaults silently; the instance fails.
type UnmatchedBranchError struct {
	BranchID      string
	Discriminator string
	Value         any
}

func (e *UnmatchedBranchError) Error() string {
	return fmt.Sprintf(
		"branch %s: discriminator %s value %v matched no case and no otherwise is declared",
		e.BranchID, e.Discriminator, e.Value,
	)
}
