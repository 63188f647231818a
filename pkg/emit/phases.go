package emit

import (
	"fmt"
	"strings"

	"github.com/phasor-io/phasor/pkg/model"
)

// recoveryPhase is the phase a fork path occupies while its failure handler
// step runs. Must match the saga runtime's naming.
func recoveryPhase(forkingPhase string, pathIndex int) string {
	return fmt.Sprintf("%s_P%d_Recovery", forkingPhase, pathIndex)
}

// Phases returns the complete phase set of the workflow, in declaration
// order: NotStarted first, then every step/fork/approval/handler phase as it
// appears in the declaration, Completed and Failed last. The order is stable
// across regenerations so downstream enums and diagrams do not churn.
func Phases(m *model.WorkflowModel) []string {
	phases := make([]string, 0, len(m.Steps)+8)
	phases = append(phases, model.PhaseNotStarted)

	approvalsAfter := make(map[string][]*model.ApprovalModel)
	for i := range m.Approvals {
		a := &m.Approvals[i]
		approvalsAfter[a.PrecedingStep] = append(approvalsAfter[a.PrecedingStep], a)
	}

	var approvalPhases func(a *model.ApprovalModel)

	approvalPhases = func(a *model.ApprovalModel) {
		phases = append(phases, a.PhaseName)

		for _, s := range a.EscalationSteps {
			phases = append(phases, s.PhaseName)
		}

		if a.NestedEscalation != nil {
			approvalPhases(a.NestedEscalation)
		}

		for _, s := range a.RejectionSteps {
			phases = append(phases, s.PhaseName)
		}
	}

	for _, a := range approvalsAfter[""] {
		approvalPhases(a)
	}

	joins := make(map[string]model.ForkModel, len(m.Forks))
	for _, f := range m.Forks {
		joins[f.JoinStep] = f
	}

	seenFork := make(map[string]bool, len(m.Forks))

	for _, s := range m.Steps {
		switch fork, isJoin := joins[s.Name]; {
		case isJoin && s.ForkID == "":
			// the join step executes in the fork's Joining phase, never
			// under its own name
			for i, p := range fork.Paths {
				if p.FailureHandlerStep != "" {
					phases = append(phases, recoveryPhase(fork.ForkingPhase, i))
				}
			}

			phases = append(phases, fork.JoiningPhase)
		default:
			if s.ForkID != "" && !seenFork[s.ForkID] {
				seenFork[s.ForkID] = true

				if fork, ok := m.Fork(s.ForkID); ok {
					phases = append(phases, fork.ForkingPhase)
				}
			}

			phases = append(phases, s.PhaseName)
		}

		for _, a := range approvalsAfter[s.Name] {
			approvalPhases(a)
		}
	}

	for _, h := range m.Handlers {
		for _, s := range h.Steps {
			phases = append(phases, s.PhaseName)
		}
	}

	phases = append(phases, model.PhaseCompleted, model.PhaseFailed)

	return phases
}

// PhaseSet emits the phase enumeration as Go source.
func PhaseSet(m *model.WorkflowModel) Artifact {
	var sb strings.Builder

	sb.WriteString(header(m))
	sb.WriteString("\n// Phases enumerates every phase of the workflow state machine, in\n")
	sb.WriteString("// declaration order.\n")
	sb.WriteString("var Phases = []string{\n")

	for _, p := range Phases(m) {
		fmt.Fprintf(&sb, "\t%q,\n", p)
	}

	sb.WriteString("}\n")

	return Artifact{Name: "phases.gen.go", Content: sb.String()}
}
