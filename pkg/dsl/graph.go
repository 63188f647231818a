// Package dsl provides the fluent workflow declaration builder and the graph
// extractor that turns a declaration's call sequence into a raw structural
// graph. The graph is the input to diagnostics and to the IR builder; it
// carries structural tags (enclosing loop, branch case, fork path) but no
// derived naming.
package dsl

// DiscriminatorKind identifies how a branch discriminator value is produced
// and compared.
type DiscriminatorKind string

const (
	DiscriminatorEnum     DiscriminatorKind = "enum"
	DiscriminatorString   DiscriminatorKind = "string"
	DiscriminatorBool     DiscriminatorKind = "bool"
	DiscriminatorComputed DiscriminatorKind = "computed" // expression over state
)

// HandlerScope distinguishes workflow-wide failure handlers from handlers
// triggered by a single step.
type HandlerScope string

const (
	HandlerScopeWorkflow HandlerScope = "workflow"
	HandlerScopeStep     HandlerScope = "step"
)

// OtherwiseValue is the reserved case value for a branch's fallback case.
const OtherwiseValue = "otherwise"

// Graph is the raw extraction of a workflow declaration: declaration-ordered
// steps plus separately indexed structural records.
type Graph struct {
	Name      string
	Namespace string
	Version   string

	Steps     []*Step
	Loops     []*Loop
	Branches  []*Branch
	Forks     []*Fork
	Approvals []*Approval
	Handlers  []*FailureHandler

	EntryStep string
	ExitStep  string
}

// Step is a single declared step with its structural context.
type Step struct {
	Name           string
	Implementation string
	InstanceName   string

	LoopName  string // innermost enclosing loop, empty at root
	BranchID  string // enclosing branch, empty outside branches
	CaseValue string // enclosing case value (OtherwiseValue for the fallback)
	ForkID    string // enclosing fork, empty outside forks
	PathIndex int    // fork path index, -1 outside forks

	ValidationExpr    string
	ValidationMessage string
	Compensation      string // rollback implementation, empty when not compensable
}

// SubStep is a step declared inside an approval or failure-handler sub-graph.
type SubStep struct {
	Name           string
	Implementation string
}

// Loop is a bounded repetition region.
type Loop struct {
	Name             string
	ExitCondition    string
	MaxIterations    int
	FirstBodyStep    string
	LastBodyStep     string
	ContinuationStep string // empty when the workflow ends at loop exit
	ParentLoop       string // empty for top-level loops
	BranchOnExit     string // branch id evaluated immediately after exit
}

// Branch is a conditional routing point.
type Branch struct {
	ID                string
	PreviousStep      string
	Discriminator     string
	DiscriminatorKind DiscriminatorKind
	Cases             []*BranchCase
	RejoinStep        string // empty when every case is terminal
}

// BranchCase is one declared alternative of a branch.
type BranchCase struct {
	Value       string
	IsOtherwise bool
	Steps       []string
	Terminal    bool
}

// Fork is a parallel split into at least two paths.
type Fork struct {
	ID           string
	PreviousStep string
	Paths        []*ForkPath
	JoinStep     string
}

// ForkPath is one parallel path of a fork.
type ForkPath struct {
	Index              int
	Steps              []string
	FailureHandlerStep string // per-path handler implementation, optional
	TerminalOnFailure  bool
}

// Approval is a human decision point. Escalation may recurse through a
// nested approval at the next approver level.
type Approval struct {
	Name               string
	ApproverType       string
	PrecedingStep      string
	Instructions       string
	EscalationSteps    []SubStep
	NestedEscalation   *Approval
	RejectionSteps     []SubStep
	EscalationTerminal bool
	RejectionTerminal  bool
}

// FailureHandler is a fixed recovery sequence, either workflow-wide or
// attached to a single trigger step.
type FailureHandler struct {
	ID          string
	Scope       HandlerScope
	TriggerStep string // set only for step-scoped handlers
	ErrorType   string // optional error-type match for step-scoped handlers
	Steps       []SubStep
	Terminal    bool
}

// StepByName returns the declared step with the given name, scanning in
// declaration order. Branch cases may reuse a name; the first occurrence
// wins, which is unambiguous for every non-branch lookup.
func (g *Graph) StepByName(name string) (*Step, bool) {
	for _, s := range g.Steps {
		if s.Name == name {
			return s, true
		}
	}

	return nil, false
}

// LoopByName returns the loop record with the given name.
func (g *Graph) LoopByName(name string) (*Loop, bool) {
	for _, l := range g.Loops {
		if l.Name == name {
			return l, true
		}
	}

	return nil, false
}
