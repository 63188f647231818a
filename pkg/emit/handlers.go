package emit

import (
	"fmt"
	"strings"

	"github.com/phasor-io/phasor/pkg/model"
)

// implementations lists every distinct implementation type the workflow
// instantiates, in first-appearance order: step implementations,
// compensations, fork path recovery steps, and the sub-steps of approvals and
// failure handlers. Instance-named reuse of an implementation yields one
// entry.
func implementations(m *model.WorkflowModel) []string {
	var (
		out  []string
		seen = make(map[string]bool)
	)

	add := func(impl string) {
		if impl == "" || seen[impl] {
			return
		}

		seen[impl] = true
		out = append(out, impl)
	}

	for _, s := range m.Steps {
		add(s.Implementation)
		add(s.Compensation)
	}

	for _, f := range m.Forks {
		for _, p := range f.Paths {
			add(p.FailureHandlerStep)
		}
	}

	var approvalImpls func(a *model.ApprovalModel)

	approvalImpls = func(a *model.ApprovalModel) {
		for _, s := range a.EscalationSteps {
			add(s.Implementation)
		}

		if a.NestedEscalation != nil {
			approvalImpls(a.NestedEscalation)
		}

		for _, s := range a.RejectionSteps {
			add(s.Implementation)
		}
	}

	for i := range m.Approvals {
		approvalImpls(&m.Approvals[i])
	}

	for _, h := range m.Handlers {
		for _, s := range h.Steps {
			add(s.Implementation)
		}
	}

	return out
}

// WorkerHandlers emits one handler type per distinct implementation. The
// generated bodies are placeholders that report a typed failure until real
// business logic is bound.
func WorkerHandlers(m *model.WorkflowModel) Artifact {
	var sb strings.Builder

	sb.WriteString(header(m))
	sb.WriteString(`
import (
	"context"

	"github.com/phasor-io/phasor/pkg/registry"
)
`)

	for _, impl := range implementations(m) {
		fmt.Fprintf(&sb, `
// %[1]s handles every step declared with implementation type %[1]s.
type %[1]s struct{}

func (s *%[1]s) Execute(ctx context.Context, state map[string]any) (map[string]any, error) {
	return nil, registry.NewStepError("NotImplemented", "%[1]s is not bound to business logic")
}
`, impl)
	}

	return Artifact{Name: "handlers.gen.go", Content: sb.String()}
}

// RegistrationWiring emits the registry bootstrap: every instantiable
// implementation registered under its declared type, plus the worker
// constructor that consumes the registry.
func RegistrationWiring(m *model.WorkflowModel) Artifact {
	var sb strings.Builder

	sb.WriteString(header(m))
	sb.WriteString(`
import (
	"log/slog"

	"github.com/phasor-io/phasor/pkg/eventbus"
	"github.com/phasor-io/phasor/pkg/registry"
	"github.com/phasor-io/phasor/pkg/worker"
)

// RegisterSteps registers a factory for every implementation type the
// workflow instantiates.
func RegisterSteps(r *registry.Registry) {
`)

	for _, impl := range implementations(m) {
		fmt.Fprintf(&sb, `	r.RegisterStep(registry.FactoryFunc(%[1]q, func(map[string]any) (registry.StepImplementation, error) {
		return &%[1]s{}, nil
	}))
`, impl)
	}

	sb.WriteString(`}

// NewWorker binds the compiled model and the registry to a step worker.
func NewWorker(id string, reg *registry.Registry, bus eventbus.Bus, logger *slog.Logger) (*worker.Worker, error) {
	m, err := Model()
	if err != nil {
		return nil, err
	}

	return worker.NewWorker(id, m, reg, bus, logger), nil
}
`)

	return Artifact{Name: "registration.gen.go", Content: sb.String()}
}
