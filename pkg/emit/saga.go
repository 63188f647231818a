package emit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/phasor-io/phasor/pkg/model"
)

// SagaBody emits the generated saga wiring: the compiled model embedded as
// JSON plus constructors that hand it to the runtime coordinator. The
// behavioral contract lives in the runtime; the generated source only binds
// this workflow's model to it.
func SagaBody(m *model.WorkflowModel) (Artifact, error) {
	encoded, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Artifact{}, fmt.Errorf("encoding workflow model: %w", err)
	}

	var sb strings.Builder

	sb.WriteString(header(m))
	sb.WriteString(`
import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/phasor-io/phasor/pkg/eventbus"
	"github.com/phasor-io/phasor/pkg/model"
	"github.com/phasor-io/phasor/pkg/saga"
	"github.com/phasor-io/phasor/pkg/store"
)

// workflowModel is the compiled model, embedded verbatim.
`)

	if strings.Contains(string(encoded), "`") {
		fmt.Fprintf(&sb, "const workflowModel = %s\n", strconv.Quote(string(encoded)))
	} else {
		fmt.Fprintf(&sb, "const workflowModel = `%s`\n", string(encoded))
	}

	fmt.Fprintf(&sb, `
// Model reconstructs the compiled model of workflow %s.
func Model() (*model.WorkflowModel, error) {
	var m model.WorkflowModel
	if err := json.Unmarshal([]byte(workflowModel), &m); err != nil {
		return nil, fmt.Errorf("decoding workflow model: %%w", err)
	}

	return &m, nil
}

// NewCoordinator binds the compiled model to the saga runtime.
func NewCoordinator(bus eventbus.Bus, instanceStore store.Store, logger *slog.Logger, opts ...saga.Option) (*saga.Coordinator, error) {
	m, err := Model()
	if err != nil {
		return nil, err
	}

	return saga.NewCoordinator(m, bus, instanceStore, logger, opts...), nil
}
`, m.Name)

	return Artifact{Name: "saga.gen.go", Content: sb.String()}, nil
}
