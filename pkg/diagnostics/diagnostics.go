// Package diagnostics runs structural rules over an extracted workflow graph
// before any artifact is emitted. Errors block emission, warnings do not.
// Rules are independent, order-insensitive and idempotent.
package diagnostics

import (
	"fmt"

	"github.com/phasor-io/phasor/pkg/dsl"
	"github.com/phasor-io/phasor/pkg/ident"
)

// Severity classifies a finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Stable finding codes, consumed by build pipelines.
const (
	CodeEmptyName         = "PHA001"
	CodeEmptyNamespace    = "PHA002"
	CodeNoSteps           = "PHA003"
	CodeDuplicateStep     = "PHA004"
	CodeForkWithoutJoin   = "PHA005"
	CodeEmptyLoopBody     = "PHA006"
	CodeNoEntryStep       = "PHA007"
	CodeNoExitStep        = "PHA008"
	CodeInvalidName       = "PHA009"
	CodeDanglingRef       = "PHA010"
	CodeBranchNoOtherwise = "PHA011"
	CodeStepOutsidePath   = "PHA012"
)

// Finding is one diagnostic produced by a rule.
type Finding struct {
	Code      string   `json:"code"`
	Severity  Severity `json:"severity"`
	Construct string   `json:"construct"`
	Message   string   `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s [%s] %s: %s", f.Code, f.Severity, f.Construct, f.Message)
}

// Result is the full set of findings for one graph.
type Result struct {
	Findings []Finding `json:"findings"`
}

// OK reports whether emission may proceed: no error-severity findings.
func (r Result) OK() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return false
		}
	}

	return true
}

// Errors returns the error-severity findings.
func (r Result) Errors() []Finding {
	return r.filter(SeverityError)
}

// Warnings returns the warning-severity findings.
func (r Result) Warnings() []Finding {
	return r.filter(SeverityWarning)
}

func (r Result) filter(severity Severity) []Finding {
	var out []Finding

	for _, f := range r.Findings {
		if f.Severity == severity {
			out = append(out, f)
		}
	}

	return out
}

type rule func(*dsl.Graph) []Finding

var rules = []rule{
	checkName,
	checkNamespace,
	checkHasSteps,
	checkDuplicates,
	checkForkJoins,
	checkLoopBodies,
	checkEntryStep,
	checkExitStep,
	checkIdentifiers,
	checkReferences,
	checkBranchFallbacks,
	checkPathFlatness,
}

// Run executes the full rule battery. Running it twice on the same graph
// yields the same result.
func Run(graph *dsl.Graph) Result {
	var result Result

	for _, r := range rules {
		result.Findings = append(result.Findings, r(graph)...)
	}

	return result
}

func checkName(g *dsl.Graph) []Finding {
	if g.Name == "" {
		return []Finding{{
			Code:      CodeEmptyName,
			Severity:  SeverityError,
			Construct: "workflow",
			Message:   "workflow has no name",
		}}
	}

	return nil
}

func checkNamespace(g *dsl.Graph) []Finding {
	if g.Namespace == "" {
		return []Finding{{
			Code:      CodeEmptyNamespace,
			Severity:  SeverityError,
			Construct: g.Name,
			Message:   "workflow is not declared in a namespace",
		}}
	}

	return nil
}

func checkHasSteps(g *dsl.Graph) []Finding {
	if len(g.Steps) == 0 {
		return []Finding{{
			Code:      CodeNoSteps,
			Severity:  SeverityError,
			Construct: g.Name,
			Message:   "workflow declares no steps",
		}}
	}

	return nil
}

// scopeKey identifies a structural scope for duplicate detection. Steps in
// different branch cases are mutually exclusive at runtime and may share a
// name; steps in the same linear scope or in sibling fork paths may not.
type scopeKey struct {
	loop      string
	branchID  string
	caseValue string
}

func checkDuplicates(g *dsl.Graph) []Finding {
	var findings []Finding

	seen := make(map[scopeKey]map[string]bool)
	forkSeen := make(map[string]map[string]bool)

	for _, step := range g.Steps {
		key := scopeKey{loop: step.LoopName, branchID: step.BranchID, caseValue: step.CaseValue}

		if seen[key] == nil {
			seen[key] = make(map[string]bool)
		}

		if seen[key][step.Name] {
			findings = append(findings, Finding{
				Code:      CodeDuplicateStep,
				Severity:  SeverityError,
				Construct: step.Name,
				Message:   "duplicate step name in one structural scope",
			})
		}

		seen[key][step.Name] = true

		if step.ForkID != "" {
			if forkSeen[step.ForkID] == nil {
				forkSeen[step.ForkID] = make(map[string]bool)
			}

			if forkSeen[step.ForkID][step.Name] {
				findings = append(findings, Finding{
					Code:      CodeDuplicateStep,
					Severity:  SeverityError,
					Construct: step.ForkID,
					Message:   fmt.Sprintf("step %q appears in more than one path of the fork", step.Name),
				})
			}

			forkSeen[step.ForkID][step.Name] = true
		}
	}

	return findings
}

func checkForkJoins(g *dsl.Graph) []Finding {
	var findings []Finding

	for _, fork := range g.Forks {
		if fork.JoinStep == "" {
			findings = append(findings, Finding{
				Code:      CodeForkWithoutJoin,
				Severity:  SeverityError,
				Construct: fork.ID,
				Message:   "no matching join for fork",
			})
		}

		if len(fork.Paths) < 2 {
			findings = append(findings, Finding{
				Code:      CodeForkWithoutJoin,
				Severity:  SeverityError,
				Construct: fork.ID,
				Message:   fmt.Sprintf("fork has %d path(s), need at least 2", len(fork.Paths)),
			})
		}
	}

	return findings
}

func checkLoopBodies(g *dsl.Graph) []Finding {
	var findings []Finding

	for _, loop := range g.Loops {
		if loop.FirstBodyStep == "" || loop.LastBodyStep == "" {
			findings = append(findings, Finding{
				Code:      CodeEmptyLoopBody,
				Severity:  SeverityError,
				Construct: loop.Name,
				Message:   "empty loop body",
			})
		}
	}

	return findings
}

func checkEntryStep(g *dsl.Graph) []Finding {
	if g.EntryStep == "" {
		return []Finding{{
			Code:      CodeNoEntryStep,
			Severity:  SeverityError,
			Construct: g.Name,
			Message:   "no entry step declared",
		}}
	}

	return nil
}

// A missing exit step is only a warning: a branch may legitimately
// short-circuit every path through a terminal case.
func checkExitStep(g *dsl.Graph) []Finding {
	if g.ExitStep == "" {
		return []Finding{{
			Code:      CodeNoExitStep,
			Severity:  SeverityWarning,
			Construct: g.Name,
			Message:   "no exit step declared",
		}}
	}

	return nil
}

func checkIdentifiers(g *dsl.Graph) []Finding {
	var findings []Finding

	flag := func(name, what string) {
		if !ident.IsValidIdentifier(name) {
			findings = append(findings, Finding{
				Code:      CodeInvalidName,
				Severity:  SeverityError,
				Construct: name,
				Message:   what + " is not a valid identifier",
			})
		}
	}

	for _, step := range g.Steps {
		flag(step.Name, "step name")
		flag(step.Implementation, "step implementation")
	}

	for _, loop := range g.Loops {
		flag(loop.Name, "loop name")
	}

	for _, fork := range g.Forks {
		flag(fork.ID, "fork id")
	}

	for _, branch := range g.Branches {
		flag(branch.ID, "branch id")
	}

	for _, approval := range g.Approvals {
		flag(approval.Name, "approval name")
	}

	return findings
}

// checkReferences verifies every step name referenced by a structural record
// resolves to a declared step.
func checkReferences(g *dsl.Graph) []Finding {
	var findings []Finding

	exists := func(name string) bool {
		_, ok := g.StepByName(name)

		return ok
	}

	missing := func(construct, ref, role string) {
		findings = append(findings, Finding{
			Code:      CodeDanglingRef,
			Severity:  SeverityError,
			Construct: construct,
			Message:   fmt.Sprintf("%s references undeclared step %q", role, ref),
		})
	}

	for _, loop := range g.Loops {
		refs := []struct{ role, ref string }{
			{"loop first body step", loop.FirstBodyStep},
			{"loop last body step", loop.LastBodyStep},
			{"loop continuation step", loop.ContinuationStep},
		}
		for _, r := range refs {
			if r.ref != "" && !exists(r.ref) {
				missing(loop.Name, r.ref, r.role)
			}
		}
	}

	for _, branch := range g.Branches {
		if branch.RejoinStep != "" && !exists(branch.RejoinStep) {
			missing(branch.ID, branch.RejoinStep, "branch rejoin step")
		}

		for _, c := range branch.Cases {
			for _, ref := range c.Steps {
				if !exists(ref) {
					missing(branch.ID, ref, "branch case step")
				}
			}
		}
	}

	for _, fork := range g.Forks {
		if fork.JoinStep != "" && !exists(fork.JoinStep) {
			missing(fork.ID, fork.JoinStep, "fork join step")
		}

		for _, path := range fork.Paths {
			for _, ref := range path.Steps {
				if !exists(ref) {
					missing(fork.ID, ref, "fork path step")
				}
			}
		}
	}

	for _, approval := range g.Approvals {
		if approval.PrecedingStep != "" && !exists(approval.PrecedingStep) {
			missing(approval.Name, approval.PrecedingStep, "approval preceding step")
		}
	}

	for _, handler := range g.Handlers {
		if handler.TriggerStep != "" && !exists(handler.TriggerStep) {
			missing(handler.ID, handler.TriggerStep, "failure handler trigger step")
		}
	}

	return findings
}

// checkPathFlatness flags steps tagged to a fork path but missing from the
// path's step list. A fork path runs a flat step sequence; a step swallowed
// by a nested construct would never be dispatched.
func checkPathFlatness(g *dsl.Graph) []Finding {
	var findings []Finding

	forks := make(map[string]*dsl.Fork, len(g.Forks))
	for _, fork := range g.Forks {
		forks[fork.ID] = fork
	}

	for _, step := range g.Steps {
		if step.ForkID == "" {
			continue
		}

		fork, ok := forks[step.ForkID]
		if !ok || step.PathIndex < 0 || step.PathIndex >= len(fork.Paths) {
			continue
		}

		listed := false

		for _, name := range fork.Paths[step.PathIndex].Steps {
			if name == step.Name {
				listed = true

				break
			}
		}

		if !listed {
			findings = append(findings, Finding{
				Code:      CodeStepOutsidePath,
				Severity:  SeverityError,
				Construct: step.ForkID,
				Message:   fmt.Sprintf("step %q is tagged to path %d but absent from its step list, so it is unreachable", step.Name, step.PathIndex),
			})
		}
	}

	return findings
}

// checkBranchFallbacks warns on branches without an Otherwise case: an
// unmatched discriminator value is fatal at run time.
func checkBranchFallbacks(g *dsl.Graph) []Finding {
	var findings []Finding

	for _, branch := range g.Branches {
		hasOtherwise := false

		for _, c := range branch.Cases {
			if c.IsOtherwise {
				hasOtherwise = true

				break
			}
		}

		if !hasOtherwise {
			findings = append(findings, Finding{
				Code:      CodeBranchNoOtherwise,
				Severity:  SeverityWarning,
				Construct: branch.ID,
				Message:   "branch has no Otherwise case; unmatched discriminator values fail the instance",
			})
		}
	}

	return findings
}
