package model

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/phasor-io/phasor/pkg/dsl"
	"github.com/phasor-io/phasor/pkg/ident"
)

var validate = validator.New()

// PreconditionError reports a malformed call to the IR builder: a programmer
// error, always fatal, never retried.
type PreconditionError struct {
	Construct string
	Reason    string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("model precondition violated for %q: %s", e.Construct, e.Reason)
}

func precondition(construct, format string, args ...any) *PreconditionError {
	return &PreconditionError{Construct: construct, Reason: fmt.Sprintf(format, args...)}
}

// Build normalizes an extracted graph into the workflow model, computing
// every derived name exactly once. Identical graphs produce identical
// models; no ambient state is consulted.
func Build(graph *dsl.Graph) (*WorkflowModel, error) {
	if graph == nil {
		return nil, precondition("graph", "nil graph")
	}

	if err := ident.ValidateIdentifier(graph.Name, "workflowName"); err != nil {
		return nil, precondition(graph.Name, "invalid workflow name: %v", err)
	}

	if err := ident.ValidatePropertyPath(graph.Namespace, "namespace"); err != nil {
		return nil, precondition(graph.Name, "invalid namespace: %v", err)
	}

	if graph.Version == "" {
		return nil, precondition(graph.Name, "empty version")
	}

	if len(graph.Steps) == 0 {
		return nil, precondition(graph.Name, "workflow has no steps")
	}

	loopPrefixes, err := loopPrefixArena(graph)
	if err != nil {
		return nil, err
	}

	m := &WorkflowModel{
		Name:      graph.Name,
		Namespace: graph.Namespace,
		Version:   graph.Version,
		EntryStep: graph.EntryStep,
		ExitStep:  graph.ExitStep,
	}

	if err := buildSteps(graph, loopPrefixes, m); err != nil {
		return nil, err
	}

	if err := buildLoops(graph, loopPrefixes, m); err != nil {
		return nil, err
	}

	if err := buildBranches(graph, m); err != nil {
		return nil, err
	}

	if err := buildForks(graph, m); err != nil {
		return nil, err
	}

	if err := buildApprovals(graph, m); err != nil {
		return nil, err
	}

	if err := buildHandlers(graph, m); err != nil {
		return nil, err
	}

	m.HasLoops = len(m.Loops) > 0
	m.HasBranches = len(m.Branches) > 0
	m.HasForks = len(m.Forks) > 0
	m.HasApprovals = len(m.Approvals) > 0

	for _, s := range m.Steps {
		if s.ValidationExpr != "" {
			m.HasAnyValidation = true

			break
		}
	}

	if err := validate.Struct(m); err != nil {
		return nil, precondition(graph.Name, "model validation failed: %v", err)
	}

	return m, nil
}

// loopPrefixArena computes every loop's full prefix with a bottom-up walk
// over the parent index. Loops are arena-indexed by name; prefixes memoize so
// each ancestor chain is walked once.
func loopPrefixArena(graph *dsl.Graph) (map[string]string, error) {
	index := make(map[string]*dsl.Loop, len(graph.Loops))
	for _, l := range graph.Loops {
		if _, dup := index[l.Name]; dup {
			return nil, precondition(l.Name, "duplicate loop name")
		}

		index[l.Name] = l
	}

	prefixes := make(map[string]string, len(graph.Loops))

	var resolve func(name string, depth int) (string, error)

	resolve = func(name string, depth int) (string, error) {
		if depth > len(graph.Loops) {
			return "", precondition(name, "loop parent chain forms a cycle")
		}

		if p, ok := prefixes[name]; ok {
			return p, nil
		}

		l, ok := index[name]
		if !ok {
			return "", precondition(name, "unknown parent loop")
		}

		prefix := l.Name
		if l.ParentLoop != "" {
			parent, err := resolve(l.ParentLoop, depth+1)
			if err != nil {
				return "", err
			}

			prefix = parent + "_" + l.Name
		}

		prefixes[name] = prefix

		return prefix, nil
	}

	for _, l := range graph.Loops {
		if _, err := resolve(l.Name, 0); err != nil {
			return nil, err
		}
	}

	return prefixes, nil
}

func buildSteps(graph *dsl.Graph, loopPrefixes map[string]string, m *WorkflowModel) error {
	m.Steps = make([]StepModel, 0, len(graph.Steps))

	for _, step := range graph.Steps {
		if err := ident.ValidateIdentifier(step.Name, "stepName"); err != nil {
			return precondition(step.Name, "invalid step name: %v", err)
		}

		if err := ident.ValidateIdentifier(step.Implementation, "implementation"); err != nil {
			return precondition(step.Name, "invalid implementation: %v", err)
		}

		m.Steps = append(m.Steps, StepModel{
			Name:              step.Name,
			Implementation:    step.Implementation,
			InstanceName:      step.InstanceName,
			LoopName:          step.LoopName,
			BranchID:          step.BranchID,
			CaseValue:         step.CaseValue,
			ForkID:            step.ForkID,
			PathIndex:         step.PathIndex,
			ValidationExpr:    step.ValidationExpr,
			ValidationMessage: step.ValidationMessage,
			Compensation:      step.Compensation,
			PhaseName:         stepPhaseName(step, loopPrefixes),
		})
	}

	return nil
}

// stepPhaseName derives the structurally qualified phase: loop ancestor
// prefix, then fork path qualifier, then branch case qualifier, then the
// step's own name.
func stepPhaseName(step *dsl.Step, loopPrefixes map[string]string) string {
	var parts []string

	if step.LoopName != "" {
		parts = append(parts, loopPrefixes[step.LoopName])
	}

	if step.ForkID != "" {
		parts = append(parts, step.ForkID, fmt.Sprintf("P%d", step.PathIndex))
	}

	if step.BranchID != "" {
		parts = append(parts, step.BranchID, sanitizeCaseValue(step.CaseValue))
	}

	parts = append(parts, step.Name)

	return strings.Join(parts, "_")
}

// sanitizeCaseValue folds a case literal into identifier-safe form for phase
// naming.
func sanitizeCaseValue(value string) string {
	var sb strings.Builder

	for i, r := range value {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			sb.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				sb.WriteRune('V')
			}

			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}

	if sb.Len() == 0 {
		return "V"
	}

	return sb.String()
}

func buildLoops(graph *dsl.Graph, loopPrefixes map[string]string, m *WorkflowModel) error {
	for _, loop := range graph.Loops {
		if loop.MaxIterations <= 0 {
			return precondition(loop.Name, "maxIterations must be positive, got %d", loop.MaxIterations)
		}

		if loop.ExitCondition == "" {
			return precondition(loop.Name, "loop has no exit condition")
		}

		if loop.FirstBodyStep == "" || loop.LastBodyStep == "" {
			return precondition(loop.Name, "loop body is empty")
		}

		m.Loops = append(m.Loops, LoopModel{
			Name:             loop.Name,
			ExitCondition:    loop.ExitCondition,
			MaxIterations:    loop.MaxIterations,
			FirstBodyStep:    loop.FirstBodyStep,
			LastBodyStep:     loop.LastBodyStep,
			ContinuationStep: loop.ContinuationStep,
			ParentLoop:       loop.ParentLoop,
			BranchOnExit:     loop.BranchOnExit,
			FullPrefix:       loopPrefixes[loop.Name],
		})
	}

	return nil
}

func buildBranches(graph *dsl.Graph, m *WorkflowModel) error {
	for _, branch := range graph.Branches {
		if len(branch.Cases) == 0 {
			return precondition(branch.ID, "branch has no cases")
		}

		cases := make([]BranchCaseModel, 0, len(branch.Cases))
		allTerminal := true

		for _, c := range branch.Cases {
			if len(c.Steps) == 0 && !c.Terminal {
				return precondition(branch.ID, "case %q has no steps and is not terminal", c.Value)
			}

			var (
				value CaseValue
				err   error
			)

			if !c.IsOtherwise {
				value, err = NewCaseValue(branch.DiscriminatorKind, c.Value)
				if err != nil {
					return precondition(branch.ID, "%v", err)
				}
			}

			if !c.Terminal {
				allTerminal = false
			}

			cases = append(cases, BranchCaseModel{
				Value:       value,
				IsOtherwise: c.IsOtherwise,
				PathPrefix:  branch.ID + "_" + sanitizeCaseValue(c.Value),
				Steps:       append([]string(nil), c.Steps...),
				Terminal:    c.Terminal,
			})
		}

		m.Branches = append(m.Branches, BranchModel{
			ID:                branch.ID,
			PreviousStep:      branch.PreviousStep,
			Discriminator:     branch.Discriminator,
			DiscriminatorKind: branch.DiscriminatorKind,
			Cases:             cases,
			RejoinStep:        branch.RejoinStep,
			HandlerName:       routingHandlerName(branch),
			AllCasesTerminal:  allTerminal,
		})
	}

	return nil
}

// routingHandlerName derives the branch routing method name from the
// discriminator path: "Order.Status" becomes RouteByOrderStatus. Computed
// discriminators route by branch id.
func routingHandlerName(branch *dsl.Branch) string {
	if branch.DiscriminatorKind == dsl.DiscriminatorComputed {
		return "RouteBy" + branch.ID
	}

	var sb strings.Builder

	sb.WriteString("RouteBy")

	for _, segment := range strings.Split(branch.Discriminator, ".") {
		if segment == "" {
			continue
		}

		sb.WriteString(strings.ToUpper(segment[:1]))
		sb.WriteString(segment[1:])
	}

	return sb.String()
}

func buildForks(graph *dsl.Graph, m *WorkflowModel) error {
	for _, fork := range graph.Forks {
		if len(fork.Paths) < 2 {
			return precondition(fork.ID, "fork needs at least 2 paths, got %d", len(fork.Paths))
		}

		if fork.JoinStep == "" {
			return precondition(fork.ID, "fork has no join step")
		}

		paths := make([]ForkPathModel, 0, len(fork.Paths))

		for _, p := range fork.Paths {
			if len(p.Steps) == 0 {
				return precondition(fork.ID, "path %d has no steps", p.Index)
			}

			paths = append(paths, ForkPathModel{
				Index:              p.Index,
				Steps:              append([]string(nil), p.Steps...),
				FailureHandlerStep: p.FailureHandlerStep,
				TerminalOnFailure:  p.TerminalOnFailure,
			})
		}

		m.Forks = append(m.Forks, ForkModel{
			ID:           fork.ID,
			PreviousStep: fork.PreviousStep,
			Paths:        paths,
			JoinStep:     fork.JoinStep,
			ForkingPhase: "Forking_" + fork.ID,
			JoiningPhase: "Joining_" + fork.ID,
		})
	}

	return nil
}

func buildApprovals(graph *dsl.Graph, m *WorkflowModel) error {
	for _, approval := range graph.Approvals {
		built, err := buildApproval(approval)
		if err != nil {
			return err
		}

		m.Approvals = append(m.Approvals, *built)
	}

	return nil
}

func buildApproval(a *dsl.Approval) (*ApprovalModel, error) {
	if err := ident.ValidateIdentifier(a.Name, "approvalName"); err != nil {
		return nil, precondition(a.Name, "invalid approval name: %v", err)
	}

	if a.ApproverType == "" {
		return nil, precondition(a.Name, "approval has no approver type")
	}

	built := &ApprovalModel{
		Name:               a.Name,
		ApproverType:       a.ApproverType,
		PrecedingStep:      a.PrecedingStep,
		Instructions:       a.Instructions,
		EscalationTerminal: a.EscalationTerminal,
		RejectionTerminal:  a.RejectionTerminal,
		PhaseName:          "AwaitApproval_" + a.Name,
	}

	for _, sub := range a.EscalationSteps {
		built.EscalationSteps = append(built.EscalationSteps, SubStepModel{
			Name:           sub.Name,
			Implementation: sub.Implementation,
			PhaseName:      a.Name + "_" + sub.Name,
		})
	}

	for _, sub := range a.RejectionSteps {
		built.RejectionSteps = append(built.RejectionSteps, SubStepModel{
			Name:           sub.Name,
			Implementation: sub.Implementation,
			PhaseName:      a.Name + "_" + sub.Name,
		})
	}

	if a.NestedEscalation != nil {
		nested, err := buildApproval(a.NestedEscalation)
		if err != nil {
			return nil, err
		}

		built.NestedEscalation = nested
	}

	return built, nil
}

func buildHandlers(graph *dsl.Graph, m *WorkflowModel) error {
	for _, handler := range graph.Handlers {
		if len(handler.Steps) == 0 {
			return precondition(handler.ID, "failure handler has no steps")
		}

		steps := make([]SubStepModel, 0, len(handler.Steps))

		for _, sub := range handler.Steps {
			steps = append(steps, SubStepModel{
				Name:           sub.Name,
				Implementation: sub.Implementation,
				PhaseName:      "FailureHandler_" + sub.Name,
			})
		}

		m.Handlers = append(m.Handlers, FailureHandlerModel{
			ID:          handler.ID,
			Scope:       handler.Scope,
			TriggerStep: handler.TriggerStep,
			ErrorType:   handler.ErrorType,
			Steps:       steps,
			Terminal:    handler.Terminal,
		})
	}

	return nil
}
