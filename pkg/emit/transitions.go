package emit

import (
	"fmt"
	"slices"
	"strings"

	"github.com/phasor-io/phasor/pkg/dsl"
	"github.com/phasor-io/phasor/pkg/model"
)

// Transitions derives the phase transition table: each phase mapped to the
// phases directly reachable from it, following the same rules the saga
// runtime applies. Every phase of the phase set appears as a key; terminal
// phases map to an empty set.
func Transitions(m *model.WorkflowModel) map[string][]string {
	b := &tableBuilder{m: m, edges: make(map[string][]string)}

	for _, p := range Phases(m) {
		if _, ok := b.edges[p]; !ok {
			b.edges[p] = nil
		}
	}

	for _, to := range b.entryTargets(false) {
		b.add(model.PhaseNotStarted, to)
	}

	joins := make(map[string]bool, len(m.Forks))
	for _, f := range m.Forks {
		joins[f.JoinStep] = true
	}

	for _, s := range m.Steps {
		if joins[s.Name] && s.ForkID == "" {
			continue // handled with the fork below
		}

		if s.ForkID != "" {
			b.pathStepEdges(s)

			continue
		}

		for _, to := range b.afterStepTargets(s, false) {
			b.add(s.PhaseName, to)
		}

		b.failureEdges(s)
	}

	for _, f := range m.Forks {
		b.forkEdges(f)
	}

	for i := range m.Approvals {
		b.approvalEdges(&m.Approvals[i])
	}

	for _, h := range m.Handlers {
		b.handlerEdges(h)
	}

	return b.edges
}

type tableBuilder struct {
	m     *model.WorkflowModel
	edges map[string][]string
}

func (b *tableBuilder) add(from, to string) {
	if !slices.Contains(b.edges[from], to) {
		b.edges[from] = append(b.edges[from], to)
	}
}

// entryTargets mirrors the coordinator's kickoff: an entry approval gate, a
// fork with no preceding step, or the entry step.
func (b *tableBuilder) entryTargets(gatePassed bool) []string {
	if !gatePassed {
		if ap := b.approvalAfter(""); ap != nil {
			return []string{ap.PhaseName}
		}
	}

	if fork, ok := b.forkAfter(""); ok {
		return []string{fork.ForkingPhase}
	}

	if entry, ok := b.m.Step(b.m.EntryStep); ok {
		return []string{entry.PhaseName}
	}

	return nil
}

// afterStepTargets mirrors the coordinator's afterStep transition priority:
// approval gate, fork entry, branch routing, in-case sequencing, loop
// boundary, linear successor.
func (b *tableBuilder) afterStepTargets(step model.StepModel, gatePassed bool) []string {
	if !gatePassed {
		if ap := b.approvalAfter(step.Name); ap != nil {
			return []string{ap.PhaseName}
		}
	}

	if fork, ok := b.forkAfter(step.Name); ok {
		return []string{fork.ForkingPhase}
	}

	if branch, ok := b.branchAfter(step.Name); ok {
		return b.branchTargets(branch)
	}

	if step.BranchID != "" {
		return b.inCaseTargets(step)
	}

	if step.LoopName != "" {
		if loop, ok := b.m.Loop(step.LoopName); ok && loop.LastBodyStep == step.Name {
			return b.loopTargets(loop, step.Name)
		}
	}

	return b.linearTargets(step)
}

func (b *tableBuilder) linearTargets(step model.StepModel) []string {
	position := -1

	for i, s := range b.m.Steps {
		if s.PhaseName == step.PhaseName {
			position = i

			break
		}
	}

	for i := position + 1; position >= 0 && i < len(b.m.Steps); i++ {
		next := b.m.Steps[i]
		if next.BranchID != "" || next.ForkID != "" {
			continue
		}

		return []string{next.PhaseName}
	}

	return []string{model.PhaseCompleted}
}

func (b *tableBuilder) branchTargets(branch model.BranchModel) []string {
	var targets []string

	for _, c := range branch.Cases {
		caseValue := c.Value.Raw
		if c.IsOtherwise {
			caseValue = dsl.OtherwiseValue
		}

		switch {
		case len(c.Steps) > 0:
			if first, ok := b.m.StepInCase(c.Steps[0], branch.ID, caseValue); ok {
				targets = append(targets, first.PhaseName)
			}
		case c.Terminal:
			targets = append(targets, model.PhaseCompleted)
		case branch.RejoinStep != "":
			if rejoin, ok := b.m.Step(branch.RejoinStep); ok {
				targets = append(targets, rejoin.PhaseName)
			}
		default:
			targets = append(targets, model.PhaseCompleted)
		}
	}

	if !branch.HasOtherwise() {
		targets = append(targets, model.PhaseFailed)
	}

	return targets
}

func (b *tableBuilder) inCaseTargets(step model.StepModel) []string {
	branch, ok := b.m.Branch(step.BranchID)
	if !ok {
		return nil
	}

	var branchCase *model.BranchCaseModel

	for i := range branch.Cases {
		c := &branch.Cases[i]

		value := c.Value.Raw
		if c.IsOtherwise {
			value = dsl.OtherwiseValue
		}

		if value == step.CaseValue {
			branchCase = c

			break
		}
	}

	if branchCase == nil {
		return nil
	}

	index := slices.Index(branchCase.Steps, step.Name)
	if index >= 0 && index+1 < len(branchCase.Steps) {
		if next, ok := b.m.StepInCase(branchCase.Steps[index+1], branch.ID, step.CaseValue); ok {
			return []string{next.PhaseName}
		}

		return nil
	}

	if branchCase.Terminal {
		return []string{model.PhaseCompleted}
	}

	if branch.RejoinStep != "" {
		if rejoin, ok := b.m.Step(branch.RejoinStep); ok {
			return []string{rejoin.PhaseName}
		}
	}

	if step.LoopName != "" {
		if loop, ok := b.m.Loop(step.LoopName); ok {
			return b.loopTargets(loop, step.Name)
		}
	}

	return []string{model.PhaseCompleted}
}

// loopTargets is the continue edge plus every exit edge of a loop boundary.
func (b *tableBuilder) loopTargets(loop model.LoopModel, fromStep string) []string {
	var targets []string

	if first, ok := b.m.Step(loop.FirstBodyStep); ok {
		targets = append(targets, first.PhaseName)
	}

	return append(targets, b.loopExitTargets(loop, fromStep)...)
}

func (b *tableBuilder) loopExitTargets(loop model.LoopModel, fromStep string) []string {
	if loop.BranchOnExit != "" {
		if branch, ok := b.m.Branch(loop.BranchOnExit); ok {
			return b.branchTargets(branch)
		}

		return nil
	}

	if loop.ContinuationStep != "" {
		if next, ok := b.m.Step(loop.ContinuationStep); ok {
			return []string{next.PhaseName}
		}

		return nil
	}

	if loop.ParentLoop != "" {
		if parent, ok := b.m.Loop(loop.ParentLoop); ok && parent.LastBodyStep == fromStep {
			return b.loopTargets(parent, fromStep)
		}
	}

	return []string{model.PhaseCompleted}
}

// pathStepEdges covers a step inside a fork path: the next path step or the
// Joining phase, plus the failure route of its path.
func (b *tableBuilder) pathStepEdges(step model.StepModel) {
	fork, ok := b.m.Fork(step.ForkID)
	if !ok || step.PathIndex >= len(fork.Paths) {
		return
	}

	path := fork.Paths[step.PathIndex]

	index := slices.Index(path.Steps, step.Name)
	if index >= 0 && index+1 < len(path.Steps) {
		if next, ok := b.stepInPath(fork.ID, step.PathIndex, path.Steps[index+1]); ok {
			b.add(step.PhaseName, next.PhaseName)
		}
	} else {
		b.add(step.PhaseName, fork.JoiningPhase)
	}

	switch {
	case path.FailureHandlerStep != "":
		b.add(step.PhaseName, recoveryPhase(fork.ForkingPhase, step.PathIndex))
	case path.TerminalOnFailure:
		b.add(step.PhaseName, model.PhaseFailed)
	}
}

func (b *tableBuilder) forkEdges(fork model.ForkModel) {
	for i, path := range fork.Paths {
		if first, ok := b.stepInPath(fork.ID, i, path.Steps[0]); ok {
			b.add(fork.ForkingPhase, first.PhaseName)
		}

		if path.FailureHandlerStep != "" {
			b.add(recoveryPhase(fork.ForkingPhase, i), fork.JoiningPhase)
		}

		if path.TerminalOnFailure {
			b.add(fork.ForkingPhase, model.PhaseFailed)
		}
	}

	if join, ok := b.m.Step(fork.JoinStep); ok {
		for _, to := range b.afterStepTargets(join, false) {
			b.add(fork.JoiningPhase, to)
		}
	}
}

// approvalEdges covers the approve/reject/timeout routes out of an approval
// phase and the chains of its escalation and rejection sub-steps. A timeout
// with nothing configured re-requests the same approval, which is not an
// edge.
func (b *tableBuilder) approvalEdges(a *model.ApprovalModel) {
	resume := b.resumeTargets(a)

	for _, to := range resume {
		b.add(a.PhaseName, to)
	}

	switch {
	case len(a.RejectionSteps) > 0:
		b.add(a.PhaseName, a.RejectionSteps[0].PhaseName)

		for i := 0; i+1 < len(a.RejectionSteps); i++ {
			b.add(a.RejectionSteps[i].PhaseName, a.RejectionSteps[i+1].PhaseName)
		}

		last := a.RejectionSteps[len(a.RejectionSteps)-1].PhaseName
		if a.RejectionTerminal {
			b.add(last, model.PhaseCompleted)
		} else {
			for _, to := range resume {
				b.add(last, to)
			}
		}
	case a.RejectionTerminal:
		b.add(a.PhaseName, model.PhaseCompleted)
	}

	switch {
	case a.NestedEscalation != nil:
		b.add(a.PhaseName, a.NestedEscalation.PhaseName)
		b.approvalEdges(a.NestedEscalation)
	case len(a.EscalationSteps) > 0:
		b.add(a.PhaseName, a.EscalationSteps[0].PhaseName)

		for i := 0; i+1 < len(a.EscalationSteps); i++ {
			b.add(a.EscalationSteps[i].PhaseName, a.EscalationSteps[i+1].PhaseName)
		}

		// escalation steps finish with a fresh request for the same approval
		b.add(a.EscalationSteps[len(a.EscalationSteps)-1].PhaseName, a.PhaseName)
	case a.EscalationTerminal:
		b.add(a.PhaseName, model.PhaseFailed)
	}
}

// resumeTargets is where an approved decision hands control: past the root
// approval's preceding step, with the gate marked passed.
func (b *tableBuilder) resumeTargets(a *model.ApprovalModel) []string {
	root := b.rootApproval(a.Name)
	if root == nil {
		root = a
	}

	if root.PrecedingStep == "" {
		return b.entryTargets(true)
	}

	if step, ok := b.m.Step(root.PrecedingStep); ok {
		return b.afterStepTargets(step, true)
	}

	return nil
}

// failureEdges covers the step-scoped failure handler route out of a main
// step.
func (b *tableBuilder) failureEdges(step model.StepModel) {
	for _, h := range b.m.Handlers {
		if h.Scope == dsl.HandlerScopeStep && h.TriggerStep == step.Name && len(h.Steps) > 0 {
			b.add(step.PhaseName, h.Steps[0].PhaseName)
		}
	}
}

// handlerEdges chains a failure handler's steps and routes its completion:
// terminal handlers fail the instance, workflow handlers absorb the failure,
// step handlers retry the failed step.
func (b *tableBuilder) handlerEdges(h model.FailureHandlerModel) {
	for i := 0; i+1 < len(h.Steps); i++ {
		b.add(h.Steps[i].PhaseName, h.Steps[i+1].PhaseName)
	}

	if len(h.Steps) == 0 {
		return
	}

	last := h.Steps[len(h.Steps)-1].PhaseName

	switch {
	case h.Terminal:
		b.add(last, model.PhaseFailed)
	case h.Scope == dsl.HandlerScopeWorkflow:
		b.add(last, model.PhaseCompleted)
	default:
		if trigger, ok := b.m.Step(h.TriggerStep); ok {
			b.add(last, trigger.PhaseName)
		}
	}
}

func (b *tableBuilder) approvalAfter(stepName string) *model.ApprovalModel {
	for i := range b.m.Approvals {
		if b.m.Approvals[i].PrecedingStep == stepName {
			return &b.m.Approvals[i]
		}
	}

	return nil
}

func (b *tableBuilder) rootApproval(name string) *model.ApprovalModel {
	for i := range b.m.Approvals {
		for a := &b.m.Approvals[i]; a != nil; a = a.NestedEscalation {
			if a.Name == name {
				return &b.m.Approvals[i]
			}
		}
	}

	return nil
}

func (b *tableBuilder) forkAfter(stepName string) (model.ForkModel, bool) {
	for _, f := range b.m.Forks {
		if f.PreviousStep == stepName {
			return f, true
		}
	}

	return model.ForkModel{}, false
}

func (b *tableBuilder) branchAfter(stepName string) (model.BranchModel, bool) {
	for _, br := range b.m.Branches {
		if br.PreviousStep != stepName {
			continue
		}

		if b.isExitBranch(br.ID) {
			continue
		}

		return br, true
	}

	return model.BranchModel{}, false
}

func (b *tableBuilder) isExitBranch(branchID string) bool {
	for _, l := range b.m.Loops {
		if l.BranchOnExit == branchID {
			return true
		}
	}

	return false
}

func (b *tableBuilder) stepInPath(forkID string, pathIndex int, name string) (model.StepModel, bool) {
	for _, s := range b.m.Steps {
		if s.ForkID == forkID && s.PathIndex == pathIndex && s.Name == name {
			return s, true
		}
	}

	return model.StepModel{}, false
}

// TransitionTable emits the transition table as Go source, keyed in phase
// order.
func TransitionTable(m *model.WorkflowModel) Artifact {
	table := Transitions(m)

	var sb strings.Builder

	sb.WriteString(header(m))
	sb.WriteString("\n// Transitions maps each phase to the phases directly reachable from\n")
	sb.WriteString("// it. The saga runtime computes the same transitions from the model;\n")
	sb.WriteString("// this table exists for guard checks and diagram generation.\n")
	sb.WriteString("var Transitions = map[string][]string{\n")

	for _, from := range Phases(m) {
		targets := table[from]
		if len(targets) == 0 {
			fmt.Fprintf(&sb, "\t%q: nil,\n", from)

			continue
		}

		fmt.Fprintf(&sb, "\t%q: {", from)

		for i, to := range targets {
			if i > 0 {
				sb.WriteString(", ")
			}

			fmt.Fprintf(&sb, "%q", to)
		}

		sb.WriteString("},\n")
	}

	sb.WriteString("}\n")

	return Artifact{Name: "transitions.gen.go", Content: sb.String()}
}
