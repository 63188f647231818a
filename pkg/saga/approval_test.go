package saga

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phasor-io/phasor/pkg/dsl"
	"github.com/phasor-io/phasor/pkg/instance"
	"github.com/phasor-io/phasor/pkg/messages"
	"github.com/phasor-io/phasor/pkg/model"
)

func decide(t *testing.T, c *Coordinator, bus *busRecorder, instanceID, decision string) {
	t.Helper()

	req, ok := bus.lastApprovalRequest()
	require.True(t, ok, "no approval request published")

	msg := &messages.ApprovalDecided{
		BaseMessage:  messages.NewBaseMessage(messages.ApprovalDecidedMessage, req.Workflow, instanceID),
		ApprovalName: req.ApprovalName,
		RequestID:    req.RequestID,
		Decision:     decision,
		DecidedBy:    "reviewer@example.com",
	}

	require.NoError(t, c.HandleApprovalDecided(context.Background(), msg))
}

func timeOut(t *testing.T, c *Coordinator, bus *busRecorder, instanceID string) {
	t.Helper()

	req, ok := bus.lastApprovalRequest()
	require.True(t, ok, "no approval request published")

	msg := &messages.ApprovalTimedOut{
		BaseMessage:  messages.NewBaseMessage(messages.ApprovalTimedOutMessage, req.Workflow, instanceID),
		ApprovalName: req.ApprovalName,
		RequestID:    req.RequestID,
	}

	require.NoError(t, c.HandleApprovalTimedOut(context.Background(), msg))
}

func approvalModel(t *testing.T, opts ...dsl.ApprovalOption) *model.WorkflowModel {
	return buildModel(t, dsl.NewWorkflow("ExpenseFlow", "finance", "v1").
		Step("SubmitExpense", "SubmitExpenseStep").
		Approval("ManagerSignOff", "manager", opts...).
		Step("PayExpense", "PayExpenseStep"))
}

func TestApprovalSuspendsAndResumes(t *testing.T) {
	ctx := context.Background()
	c, bus, memStore := newHarness(t, approvalModel(t, dsl.WithInstructions("check the receipts")))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "SubmitExpense", nil)

	suspended := getInstance(t, memStore, "wi-1")
	assert.Equal(t, instance.StatusSuspended, suspended.Status)
	assert.Equal(t, "AwaitApproval_ManagerSignOff", suspended.Phase)
	require.NotNil(t, suspended.Pending)

	req, ok := bus.lastApprovalRequest()
	require.True(t, ok)
	assert.Equal(t, "manager", req.ApproverType)
	assert.Equal(t, "check the receipts", req.Instructions)

	decide(t, c, bus, "wi-1", messages.DecisionApproved)

	assert.Equal(t, 1, bus.executeCount("PayExpense"))
	assert.Equal(t, instance.StatusRunning, getInstance(t, memStore, "wi-1").Status)
}

func TestApprovalStaleRequestIDIsDropped(t *testing.T) {
	ctx := context.Background()
	c, bus, memStore := newHarness(t, approvalModel(t))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "SubmitExpense", nil)

	msg := &messages.ApprovalDecided{
		BaseMessage:  messages.NewBaseMessage(messages.ApprovalDecidedMessage, "ExpenseFlow", "wi-1"),
		ApprovalName: "ManagerSignOff",
		RequestID:    "stale-request",
		Decision:     messages.DecisionApproved,
	}

	require.NoError(t, c.HandleApprovalDecided(ctx, msg))
	assert.Equal(t, 0, bus.executeCount("PayExpense"))
	assert.Equal(t, instance.StatusSuspended, getInstance(t, memStore, "wi-1").Status)
}

func TestApprovalRejectionRunsStepsThenTerminates(t *testing.T) {
	ctx := context.Background()
	c, bus, memStore := newHarness(t, approvalModel(t,
		dsl.WithRejectionStep("NotifyRejection", "NotifyRejectionStep"),
		dsl.RejectionTerminal(),
	))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "SubmitExpense", nil)
	decide(t, c, bus, "wi-1", messages.DecisionRejected)

	assert.Equal(t, 1, bus.executeCount("NotifyRejection"))
	assert.Equal(t, 0, bus.executeCount("PayExpense"))

	complete(t, c, bus, "wi-1", "NotifyRejection", nil)

	final := getInstance(t, memStore, "wi-1")
	assert.Equal(t, instance.StatusCompleted, final.Status)
	assert.Equal(t, "rejected", final.State["approval_outcome"])
	assert.Equal(t, 0, bus.executeCount("PayExpense"))
}

func TestApprovalNonTerminalRejectionResumes(t *testing.T) {
	ctx := context.Background()
	c, bus, _ := newHarness(t, approvalModel(t,
		dsl.WithRejectionStep("RecordRejection", "RecordRejectionStep"),
	))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "SubmitExpense", nil)
	decide(t, c, bus, "wi-1", messages.DecisionRejected)
	complete(t, c, bus, "wi-1", "RecordRejection", nil)

	assert.Equal(t, 1, bus.executeCount("PayExpense"))
}

func TestApprovalTimeoutRunsEscalationThenReRequests(t *testing.T) {
	ctx := context.Background()
	c, bus, memStore := newHarness(t, approvalModel(t,
		dsl.WithEscalationStep("NagManager", "NagManagerStep"),
	))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "SubmitExpense", nil)
	assert.Equal(t, 1, bus.count(messages.RequestApprovalMessage))

	timeOut(t, c, bus, "wi-1")
	assert.Equal(t, 1, bus.executeCount("NagManager"))

	complete(t, c, bus, "wi-1", "NagManager", nil)

	// a fresh request goes out after escalation
	assert.Equal(t, 2, bus.count(messages.RequestApprovalMessage))
	assert.Equal(t, instance.StatusSuspended, getInstance(t, memStore, "wi-1").Status)

	decide(t, c, bus, "wi-1", messages.DecisionApproved)
	assert.Equal(t, 1, bus.executeCount("PayExpense"))
}

func TestApprovalNestedEscalation(t *testing.T) {
	ctx := context.Background()
	c, bus, memStore := newHarness(t, approvalModel(t,
		dsl.WithNestedEscalation("DirectorSignOff", "director"),
	))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "SubmitExpense", nil)
	timeOut(t, c, bus, "wi-1")

	// the timeout re-entered the approval lifecycle one level up
	req, ok := bus.lastApprovalRequest()
	require.True(t, ok)
	assert.Equal(t, "DirectorSignOff", req.ApprovalName)
	assert.Equal(t, "director", req.ApproverType)
	assert.Equal(t, "AwaitApproval_DirectorSignOff", getInstance(t, memStore, "wi-1").Phase)

	decide(t, c, bus, "wi-1", messages.DecisionApproved)
	assert.Equal(t, 1, bus.executeCount("PayExpense"))
}

func TestApprovalTimeoutTerminalFailsInstance(t *testing.T) {
	ctx := context.Background()
	c, bus, memStore := newHarness(t, approvalModel(t, dsl.EscalationTerminal()))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "SubmitExpense", nil)
	timeOut(t, c, bus, "wi-1")

	assert.Equal(t, instance.StatusFailed, getInstance(t, memStore, "wi-1").Status)
	assert.Equal(t, 1, bus.count(messages.WorkflowFailedMessage))
}

func TestApprovalStepCompletionWhileSuspendedIsDropped(t *testing.T) {
	ctx := context.Background()
	c, bus, memStore := newHarness(t, approvalModel(t))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	cmd, _ := bus.lastExecuteFor("SubmitExpense")
	done := &messages.StepCompleted{
		BaseMessage: messages.NewBaseMessage(messages.StepCompletedMessage, cmd.Workflow, "wi-1"),
		StepName:    cmd.StepName,
		Phase:       cmd.Phase,
	}

	require.NoError(t, c.HandleStepCompleted(ctx, done))
	assert.Equal(t, instance.StatusSuspended, getInstance(t, memStore, "wi-1").Status)

	// the duplicate must not re-trigger the approval gate
	require.NoError(t, c.HandleStepCompleted(ctx, done))
	assert.Equal(t, 1, bus.count(messages.RequestApprovalMessage))
}
