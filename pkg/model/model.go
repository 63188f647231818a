// Package model defines the normalized workflow intermediate model: immutable
// value aggregates built once per workflow by the IR builder and consumed by
// every emitter and by the saga runtime. Derived names (phase names, handler
// names, prefixes) are computed exactly once at construction and never
// recomputed downstream.
package model

import (
	"github.com/phasor-io/phasor/pkg/dsl"
)

// Reserved phase names present in every workflow's phase set.
const (
	PhaseNotStarted = "NotStarted"
	PhaseCompleted  = "Completed"
	PhaseFailed     = "Failed"
)

// StepModel is one normalized step.
type StepModel struct {
	Name           string `json:"name"            validate:"required"`
	Implementation string `json:"implementation"  validate:"required"`
	InstanceName   string `json:"instance_name,omitempty"`

	LoopName  string `json:"loop_name,omitempty"` // innermost enclosing loop
	BranchID  string `json:"branch_id,omitempty"`
	CaseValue string `json:"case_value,omitempty"`
	ForkID    string `json:"fork_id,omitempty"`
	PathIndex int    `json:"path_index"`

	ValidationExpr    string `json:"validation_expr,omitempty"`
	ValidationMessage string `json:"validation_message,omitempty"`
	Compensation      string `json:"compensation,omitempty"`

	// PhaseName is the derived, structurally qualified phase for this step.
	PhaseName string `json:"phase_name" validate:"required"`
}

// Compensable reports whether the step carries a paired rollback.
func (s StepModel) Compensable() bool {
	return s.Compensation != ""
}

// LoopModel is one normalized bounded loop.
type LoopModel struct {
	Name             string `json:"name"           validate:"required"`
	ExitCondition    string `json:"exit_condition" validate:"required"`
	MaxIterations    int    `json:"max_iterations" validate:"required,gt=0"`
	FirstBodyStep    string `json:"first_body_step" validate:"required"`
	LastBodyStep     string `json:"last_body_step"  validate:"required"`
	ContinuationStep string `json:"continuation_step,omitempty"`
	ParentLoop       string `json:"parent_loop,omitempty"`
	BranchOnExit     string `json:"branch_on_exit,omitempty"`

	// FullPrefix is the underscore-joined ancestor chain including this
	// loop, computed bottom-up from the parent index.
	FullPrefix string `json:"full_prefix" validate:"required"`
}

// BranchCaseModel is one alternative of a branch.
type BranchCaseModel struct {
	Value       CaseValue `json:"value"`
	IsOtherwise bool      `json:"is_otherwise"`
	PathPrefix  string    `json:"path_prefix"` // qualifies phases of the case's steps
	Steps       []string  `json:"steps"`
	Terminal    bool      `json:"terminal"`
}

// BranchModel is one normalized conditional routing point.
type BranchModel struct {
	ID                string                `json:"id" validate:"required"`
	PreviousStep      string                `json:"previous_step,omitempty"`
	Discriminator     string                `json:"discriminator" validate:"required"`
	DiscriminatorKind dsl.DiscriminatorKind `json:"discriminator_kind" validate:"required"`
	Cases             []BranchCaseModel     `json:"cases" validate:"required,min=1"`
	RejoinStep        string                `json:"rejoin_step,omitempty"`

	// HandlerName is the derived routing method name, e.g. path
	// "Order.Status" becomes RouteByOrderStatus.
	HandlerName string `json:"handler_name" validate:"required"`

	AllCasesTerminal bool `json:"all_cases_terminal"`
}

// HasOtherwise reports whether the branch declares a fallback case.
func (b BranchModel) HasOtherwise() bool {
	for _, c := range b.Cases {
		if c.IsOtherwise {
			return true
		}
	}

	return false
}

// ForkPathModel is one parallel path of a fork.
type ForkPathModel struct {
	Index              int      `json:"index"`
	Steps              []string `json:"steps" validate:"required,min=1"`
	FailureHandlerStep string   `json:"failure_handler_step,omitempty"`
	TerminalOnFailure  bool     `json:"terminal_on_failure"`
}

// ForkModel is one normalized parallel split with its synchronized join.
type ForkModel struct {
	ID           string          `json:"id" validate:"required"`
	PreviousStep string          `json:"previous_step,omitempty"`
	Paths        []ForkPathModel `json:"paths" validate:"required,min=2"`
	JoinStep     string          `json:"join_step" validate:"required"`

	ForkingPhase string `json:"forking_phase" validate:"required"` // Forking_<id>
	JoiningPhase string `json:"joining_phase" validate:"required"` // Joining_<id>
}

// SubStepModel is a step inside an approval or failure-handler sub-graph,
// with its derived phase name.
type SubStepModel struct {
	Name           string `json:"name"           validate:"required"`
	Implementation string `json:"implementation" validate:"required"`
	PhaseName      string `json:"phase_name"     validate:"required"`
}

// ApprovalModel is one normalized human decision point.
type ApprovalModel struct {
	Name          string `json:"name"          validate:"required"`
	ApproverType  string `json:"approver_type" validate:"required"`
	PrecedingStep string `json:"preceding_step,omitempty"`
	Instructions  string `json:"instructions,omitempty"`

	EscalationSteps    []SubStepModel `json:"escalation_steps,omitempty"`
	NestedEscalation   *ApprovalModel `json:"nested_escalation,omitempty"`
	RejectionSteps     []SubStepModel `json:"rejection_steps,omitempty"`
	EscalationTerminal bool           `json:"escalation_terminal"`
	RejectionTerminal  bool           `json:"rejection_terminal"`

	// PhaseName is AwaitApproval_<name>.
	PhaseName string `json:"phase_name" validate:"required"`
}

// FailureHandlerModel is one normalized recovery sequence.
type FailureHandlerModel struct {
	ID          string           `json:"id"    validate:"required"`
	Scope       dsl.HandlerScope `json:"scope" validate:"required"`
	TriggerStep string           `json:"trigger_step,omitempty"`
	ErrorType   string           `json:"error_type,omitempty"`
	Steps       []SubStepModel   `json:"steps" validate:"required,min=1"`
	Terminal    bool             `json:"terminal"`
}

// WorkflowModel is the aggregate root: the sole input to every emitter and
// to the saga runtime. Built once, never mutated.
type WorkflowModel struct {
	Name      string `json:"name"      validate:"required"`
	Namespace string `json:"namespace" validate:"required"`
	Version   string `json:"version"   validate:"required"`

	Steps     []StepModel           `json:"steps" validate:"required,min=1,dive"`
	Loops     []LoopModel           `json:"loops,omitempty"     validate:"dive"`
	Branches  []BranchModel         `json:"branches,omitempty"  validate:"dive"`
	Forks     []ForkModel           `json:"forks,omitempty"     validate:"dive"`
	Approvals []ApprovalModel       `json:"approvals,omitempty" validate:"dive"`
	Handlers  []FailureHandlerModel `json:"handlers,omitempty"  validate:"dive"`

	EntryStep string `json:"entry_step" validate:"required"`
	ExitStep  string `json:"exit_step,omitempty"`

	HasLoops         bool `json:"has_loops"`
	HasBranches      bool `json:"has_branches"`
	HasForks         bool `json:"has_forks"`
	HasApprovals     bool `json:"has_approvals"`
	HasAnyValidation bool `json:"has_any_validation"`
}

// Step returns the step with the given name. Branch cases may reuse a name;
// the first declaration wins.
func (m *WorkflowModel) Step(name string) (StepModel, bool) {
	for _, s := range m.Steps {
		if s.Name == name {
			return s, true
		}
	}

	return StepModel{}, false
}

// StepInCase returns the step with the given name inside a specific branch
// case, falling back to the unqualified lookup when the branch has no such
// step.
func (m *WorkflowModel) StepInCase(name, branchID, caseValue string) (StepModel, bool) {
	for _, s := range m.Steps {
		if s.Name == name && s.BranchID == branchID && s.CaseValue == caseValue {
			return s, true
		}
	}

	return m.Step(name)
}

// Loop returns the loop with the given name.
func (m *WorkflowModel) Loop(name string) (LoopModel, bool) {
	for _, l := range m.Loops {
		if l.Name == name {
			return l, true
		}
	}

	return LoopModel{}, false
}

// Branch returns the branch with the given id.
func (m *WorkflowModel) Branch(id string) (BranchModel, bool) {
	for _, b := range m.Branches {
		if b.ID == id {
			return b, true
		}
	}

	return BranchModel{}, false
}

// Fork returns the fork with the given id.
func (m *WorkflowModel) Fork(id string) (ForkModel, bool) {
	for _, f := range m.Forks {
		if f.ID == id {
			return f, true
		}
	}

	return ForkModel{}, false
}

// Approval returns the approval with the given name, searching nested
// escalation approvals as well.
func (m *WorkflowModel) Approval(name string) (*ApprovalModel, bool) {
	for i := range m.Approvals {
		if found, ok := findApproval(&m.Approvals[i], name); ok {
			return found, true
		}
	}

	return nil, false
}

func findApproval(a *ApprovalModel, name string) (*ApprovalModel, bool) {
	if a.Name == name {
		return a, true
	}

	if a.NestedEscalation != nil {
		return findApproval(a.NestedEscalation, name)
	}

	return nil, false
}

// Handler returns the failure handler with the given id.
func (m *WorkflowModel) Handler(id string) (FailureHandlerModel, bool) {
	for _, h := range m.Handlers {
		if h.ID == id {
			return h, true
		}
	}

	return FailureHandlerModel{}, false
}

// WorkflowHandler returns the workflow-scoped failure handler, if declared.
func (m *WorkflowModel) WorkflowHandler() (FailureHandlerModel, bool) {
	for _, h := range m.Handlers {
		if h.Scope == dsl.HandlerScopeWorkflow {
			return h, true
		}
	}

	return FailureHandlerModel{}, false
}

// StepHandler returns the step-scoped failure handler for the given trigger
// step, if declared.
func (m *WorkflowModel) StepHandler(triggerStep string) (FailureHandlerModel, bool) {
	for _, h := range m.Handlers {
		if h.Scope == dsl.HandlerScopeStep && h.TriggerStep == triggerStep {
			return h, true
		}
	}

	return FailureHandlerModel{}, false
}
