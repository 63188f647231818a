package emit

import (
	"fmt"
	"strings"

	"github.com/phasor-io/phasor/pkg/dsl"
	"github.com/phasor-io/phasor/pkg/model"
)

// Diagram emits a Mermaid state diagram derived from the transition table.
// Loop continue/exit edges and branch choice points are annotated from the
// model; the edges themselves come only from the table.
func Diagram(m *model.WorkflowModel) Artifact {
	table := Transitions(m)

	var sb strings.Builder

	fmt.Fprintf(&sb, "---\ntitle: %s %s\n---\nstateDiagram-v2\n", m.Name, m.Version)
	fmt.Fprintf(&sb, "    [*] --> %s\n", model.PhaseNotStarted)

	for _, from := range Phases(m) {
		for _, to := range table[from] {
			if label := edgeLabel(m, from, to); label != "" {
				fmt.Fprintf(&sb, "    %s --> %s: %s\n", from, to, label)
			} else {
				fmt.Fprintf(&sb, "    %s --> %s\n", from, to)
			}
		}
	}

	fmt.Fprintf(&sb, "    %s --> [*]\n", model.PhaseCompleted)
	fmt.Fprintf(&sb, "    %s --> [*]\n", model.PhaseFailed)

	return Artifact{Name: "diagram.mmd", Content: sb.String()}
}

// edgeLabel annotates one transition: loop continue/exit edges and branch
// case choices. Everything else stays unlabeled.
func edgeLabel(m *model.WorkflowModel, from, to string) string {
	for _, l := range m.Loops {
		last, ok := m.Step(l.LastBodyStep)
		if !ok || last.PhaseName != from {
			continue
		}

		if first, ok := m.Step(l.FirstBodyStep); ok && first.PhaseName == to {
			return fmt.Sprintf("continue %s (max %d)", l.Name, l.MaxIterations)
		}

		if label := branchLabel(m, branchByID(m, l.BranchOnExit), to); label != "" {
			return fmt.Sprintf("exit %s, %s", l.Name, label)
		}

		return "exit " + l.Name
	}

	for i := range m.Branches {
		b := &m.Branches[i]
		if isExitBranch(m, b.ID) || b.PreviousStep == "" {
			continue
		}

		prev, ok := m.Step(b.PreviousStep)
		if !ok || prev.PhaseName != from {
			continue
		}

		if label := branchLabel(m, b, to); label != "" {
			return label
		}
	}

	return ""
}

// branchLabel names the case selecting a transition target, or "unmatched"
// for the fatal no-otherwise edge.
func branchLabel(m *model.WorkflowModel, b *model.BranchModel, to string) string {
	if b == nil {
		return ""
	}

	for _, c := range b.Cases {
		caseValue := c.Value.Raw
		if c.IsOtherwise {
			caseValue = dsl.OtherwiseValue
		}

		target := ""

		switch {
		case len(c.Steps) > 0:
			if first, ok := m.StepInCase(c.Steps[0], b.ID, caseValue); ok {
				target = first.PhaseName
			}
		case c.Terminal:
			target = model.PhaseCompleted
		case b.RejoinStep != "":
			if rejoin, ok := m.Step(b.RejoinStep); ok {
				target = rejoin.PhaseName
			}
		default:
			target = model.PhaseCompleted
		}

		if target != to {
			continue
		}

		if c.IsOtherwise {
			return "otherwise"
		}

		return fmt.Sprintf("%s = %s", b.Discriminator, c.Value.Raw)
	}

	if to == model.PhaseFailed && !b.HasOtherwise() {
		return "unmatched"
	}

	return ""
}

func branchByID(m *model.WorkflowModel, id string) *model.BranchModel {
	if id == "" {
		return nil
	}

	for i := range m.Branches {
		if m.Branches[i].ID == id {
			return &m.Branches[i]
		}
	}

	return nil
}

func isExitBranch(m *model.WorkflowModel, branchID string) bool {
	for _, l := range m.Loops {
		if l.BranchOnExit == branchID {
			return true
		}
	}

	return false
}
