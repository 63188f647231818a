package emit

import (
	"fmt"
	"strings"

	"github.com/phasor-io/phasor/pkg/model"
)

type contract struct {
	name    string
	subject string
	comment string
}

// contracts enumerates every message the workflow exchanges: the workflow
// lifecycle pair, a command/completed/failed triple per executing phase, the
// fork dispatch commands, the approval lifecycle messages, and the
// compensation pair of every compensable step.
func contracts(m *model.WorkflowModel) []contract {
	var out []contract

	joins := make(map[string]model.ForkModel, len(m.Forks))
	for _, f := range m.Forks {
		joins[f.JoinStep] = f
	}

	seen := make(map[string]bool)

	add := func(c contract) {
		if seen[c.name] {
			return
		}

		seen[c.name] = true
		out = append(out, c)
	}

	stepTriple := func(phase, stepName string) {
		add(contract{"Execute" + phase, "step.execute:" + phase, "runs step " + stepName})
		add(contract{phase + "Completed", "step.completed:" + phase, ""})
		add(contract{phase + "Failed", "step.failed:" + phase, ""})
	}

	add(contract{"Start" + m.Name, "workflow.start:" + m.Name, "starts a new instance"})
	add(contract{m.Name + "Completed", "workflow.completed:" + m.Name, "terminal success event"})
	add(contract{m.Name + "Failed", "workflow.failed:" + m.Name, "terminal failure event"})

	for _, s := range m.Steps {
		phase := s.PhaseName
		if fork, isJoin := joins[s.Name]; isJoin && s.ForkID == "" {
			phase = fork.JoiningPhase
		}

		stepTriple(phase, s.Name)
	}

	for _, f := range m.Forks {
		for _, p := range f.Paths {
			add(contract{
				fmt.Sprintf("Dispatch%sPath%d", f.ID, p.Index),
				fmt.Sprintf("fork.path.dispatch:%s:%d", f.ID, p.Index),
				fmt.Sprintf("starts path %d of fork %s", p.Index, f.ID),
			})
		}
	}

	var approvalContracts func(a *model.ApprovalModel)

	approvalContracts = func(a *model.ApprovalModel) {
		add(contract{"Request" + a.Name, "approval.request:" + a.Name, "suspends awaiting " + a.ApproverType})
		add(contract{a.Name + "Decided", "approval.decided:" + a.Name, ""})
		add(contract{a.Name + "TimedOut", "approval.timeout:" + a.Name, ""})

		for _, s := range a.EscalationSteps {
			stepTriple(s.PhaseName, s.Name)
		}

		if a.NestedEscalation != nil {
			approvalContracts(a.NestedEscalation)
		}

		for _, s := range a.RejectionSteps {
			stepTriple(s.PhaseName, s.Name)
		}
	}

	for i := range m.Approvals {
		approvalContracts(&m.Approvals[i])
	}

	for _, h := range m.Handlers {
		for _, s := range h.Steps {
			stepTriple(s.PhaseName, s.Name)
		}
	}

	for _, s := range m.Steps {
		if s.Compensable() {
			add(contract{"Compensate" + s.Name, "compensation.execute:" + s.Name, "rolls back " + s.Name})
			add(contract{s.Name + "Compensated", "compensation.completed:" + s.Name, ""})
		}
	}

	return out
}

// MessageContracts emits the message subject constants as Go source.
func MessageContracts(m *model.WorkflowModel) Artifact {
	var sb strings.Builder

	sb.WriteString(header(m))
	sb.WriteString("\n// Message subjects exchanged by workflow " + m.Name + ". Commands carry the\n")
	sb.WriteString("// instance id and the current state snapshot; events echo the phase they\n")
	sb.WriteString("// were produced in.\n")
	sb.WriteString("const (\n")

	for _, c := range contracts(m) {
		if c.comment != "" {
			fmt.Fprintf(&sb, "\t// %s %s.\n", c.name, c.comment)
		}

		fmt.Fprintf(&sb, "\t%s = %q\n", c.name, c.subject)
	}

	sb.WriteString(")\n")

	return Artifact{Name: "messages.gen.go", Content: sb.String()}
}
