package decl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phasor-io/phasor/pkg/model"
)

const orderDeclaration = `{
  "name": "OrderFlow",
  "namespace": "orders",
  "version": "v1",
  "flow": [
    {"step": {"name": "ReserveStock", "implementation": "ReserveStockStep",
              "validate": {"expression": "state.quantity > 0", "message": "nothing to reserve"},
              "compensate": "ReleaseStockStep"}},
    {"loop": {"name": "Refinement", "exit_condition": "state.score >= 0.9", "max_iterations": 5,
              "body": [
                {"step": {"name": "Critique", "implementation": "CritiqueStep"}},
                {"step": {"name": "Refine", "implementation": "RefineStep"}}
              ]}},
    {"branch": {"id": "ByStatus", "discriminator": "Order.Status", "kind": "enum",
                "cases": [
                  {"value": "settled", "steps": [{"name": "Settle", "implementation": "SettleStep"}]},
                  {"value": "rejected", "terminal": true}
                ],
                "otherwise": {"steps": [{"name": "Review", "implementation": "ReviewStep"}]}}},
    {"step": {"name": "Prepare", "implementation": "PrepareStep"}},
    {"approval": {"name": "ManagerSignOff", "approver_type": "manager",
                  "instructions": "verify totals",
                  "escalation_steps": [{"name": "Nudge", "implementation": "NudgeStep"}]}},
    {"fork": {"id": "FanOut", "paths": [
      {"steps": [{"name": "SendEmail", "implementation": "NotifyStep"}]},
      {"steps": [{"name": "SendSms", "implementation": "NotifyStep"}], "tolerate_failure": true}
    ]}},
    {"step": {"name": "Merge", "implementation": "MergeStep"}}
  ],
  "on_step_failure": [
    {"trigger_step": "Prepare", "error_type": "Timeout",
     "steps": [{"name": "Reset", "implementation": "ResetStep"}]}
  ]
}`

func TestParseLowersFullDeclaration(t *testing.T) {
	graph, err := Parse([]byte(orderDeclaration))
	require.NoError(t, err)

	assert.Equal(t, "OrderFlow", graph.Name)
	assert.Equal(t, "ReserveStock", graph.EntryStep)

	require.Len(t, graph.Loops, 1)
	assert.Equal(t, "Critique", graph.Loops[0].FirstBodyStep)
	assert.Equal(t, 5, graph.Loops[0].MaxIterations)

	require.Len(t, graph.Branches, 1)
	assert.Len(t, graph.Branches[0].Cases, 3)
	assert.Equal(t, "Prepare", graph.Branches[0].RejoinStep)

	require.Len(t, graph.Forks, 1)
	assert.Equal(t, "Merge", graph.Forks[0].JoinStep)
	assert.True(t, graph.Forks[0].Paths[0].TerminalOnFailure)
	assert.False(t, graph.Forks[0].Paths[1].TerminalOnFailure)

	require.Len(t, graph.Approvals, 1)
	assert.Equal(t, "Prepare", graph.Approvals[0].PrecedingStep)
	assert.Len(t, graph.Approvals[0].EscalationSteps, 1)

	require.Len(t, graph.Handlers, 1)
	assert.Equal(t, "Prepare", graph.Handlers[0].TriggerStep)

	// the lowered graph must survive the IR builder
	m, err := model.Build(graph)
	require.NoError(t, err)
	assert.Equal(t, "Refinement_Critique", mustStep(t, m, "Critique").PhaseName)
}

func mustStep(t *testing.T, m *model.WorkflowModel, name string) model.StepModel {
	t.Helper()

	s, ok := m.Step(name)
	require.True(t, ok, "step %s not in model", name)

	return s
}

func TestParseRejectsMissingFields(t *testing.T) {
	_, err := Parse([]byte(`{"namespace": "orders", "version": "v1", "flow": [{"step": {"name": "A", "implementation": "AStep"}}]}`))

	var schemaErr *SchemaError

	require.Error(t, err)
	require.True(t, errors.As(err, &schemaErr))
	assert.NotEmpty(t, schemaErr.Findings)
}

func TestParseRejectsUnknownConstruct(t *testing.T) {
	_, err := Parse([]byte(`{"name": "X", "namespace": "n", "version": "v1", "flow": [{"widget": {}}]}`))
	require.Error(t, err)
}

func TestParseRejectsSinglePathFork(t *testing.T) {
	_, err := Parse([]byte(`{"name": "X", "namespace": "n", "version": "v1", "flow": [
		{"fork": {"id": "F", "paths": [{"steps": [{"name": "A", "implementation": "AStep"}]}]}}
	]}`))
	require.Error(t, err)
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	require.Error(t, err)
}
