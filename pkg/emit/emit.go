// Package emit generates the textual artifacts of a compiled workflow. Every
// emitter is a pure function of the workflow model: no ambient state, no
// dependency between emitters, byte-identical output for identical models.
package emit

import (
	"fmt"
	"strings"

	"github.com/phasor-io/phasor/pkg/model"
)

// Artifact is one generated file: a name relative to the output directory and
// its full content.
type Artifact struct {
	Name    string
	Content string
}

// All runs every emitter over the model, in a fixed order. The order is
// cosmetic; no artifact depends on another.
func All(m *model.WorkflowModel) ([]Artifact, error) {
	saga, err := SagaBody(m)
	if err != nil {
		return nil, err
	}

	return []Artifact{
		PhaseSet(m),
		MessageContracts(m),
		TransitionTable(m),
		saga,
		WorkerHandlers(m),
		RegistrationWiring(m),
		Diagram(m),
	}, nil
}

// packageName is the Go package the generated sources belong to.
func packageName(m *model.WorkflowModel) string {
	return strings.ToLower(m.Name)
}

func header(m *model.WorkflowModel) string {
	return fmt.Sprintf("// Code generated for workflow %s %s (namespace %s). DO NOT EDIT.\n\npackage %s\n",
		m.Name, m.Version, m.Namespace, packageName(m))
}
