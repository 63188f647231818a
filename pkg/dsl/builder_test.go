package dsl

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilder_LinearChain(t *testing.T) {
	graph, err := NewWorkflow("OrderFulfillment", "orders", "v1").
		Step("ValidateOrder", "ValidateOrderStep").
		Step("ReserveStock", "ReserveStockStep").
		Step("ShipOrder", "ShipOrderStep").
		Build()
	require.NoError(t, err)

	require.Len(t, graph.Steps, 3)
	assert.Equal(t, "ValidateOrder", graph.EntryStep)
	assert.Equal(t, "ShipOrder", graph.ExitStep)
	assert.Empty(t, graph.Steps[0].LoopName)
	assert.Equal(t, -1, graph.Steps[0].PathIndex)
}

func TestBuilder_LoopWiring(t *testing.T) {
	graph, err := NewWorkflow("DraftReview", "reviews", "v1").
		Step("Prepare", "PrepareStep").
		Loop("Refinement", "state.score >= 0.9", 5).
		Step("Critique", "CritiqueStep").
		Step("Refine", "RefineStep").
		EndLoop().
		Step("Publish", "PublishStep").
		Build()
	require.NoError(t, err)

	require.Len(t, graph.Loops, 1)
	loop := graph.Loops[0]
	assert.Equal(t, "Critique", loop.FirstBodyStep)
	assert.Equal(t, "Refine", loop.LastBodyStep)
	assert.Equal(t, "Publish", loop.ContinuationStep)
	assert.Equal(t, 5, loop.MaxIterations)
	assert.Empty(t, loop.ParentLoop)

	critique, ok := graph.StepByName("Critique")
	require.True(t, ok)
	assert.Equal(t, "Refinement", critique.LoopName)
}

func TestBuilder_NestedLoops(t *testing.T) {
	graph, err := NewWorkflow("Batch", "jobs", "v1").
		Loop("Outer", "state.done", 10).
		Step("LoadChunk", "LoadChunkStep").
		Loop("Inner", "state.chunkDone", 3).
		Step("ProcessItem", "ProcessItemStep").
		EndLoop().
		Step("FlushChunk", "FlushChunkStep").
		EndLoop().
		Step("Report", "ReportStep").
		Build()
	require.NoError(t, err)

	outer, ok := graph.LoopByName("Outer")
	require.True(t, ok)
	inner, ok := graph.LoopByName("Inner")
	require.True(t, ok)

	assert.Equal(t, "Outer", inner.ParentLoop)
	assert.Equal(t, "FlushChunk", inner.ContinuationStep)
	assert.Equal(t, "LoadChunk", outer.FirstBodyStep)
	assert.Equal(t, "FlushChunk", outer.LastBodyStep)
	assert.Equal(t, "Report", outer.ContinuationStep)

	item, ok := graph.StepByName("ProcessItem")
	require.True(t, ok)
	assert.Equal(t, "Inner", item.LoopName)
}

func TestBuilder_LoopStartingWithNestedLoop(t *testing.T) {
	graph, err := NewWorkflow("Batch", "jobs", "v1").
		Loop("Outer", "state.done", 10).
		Loop("Inner", "state.chunkDone", 3).
		Step("ProcessItem", "ProcessItemStep").
		EndLoop().
		Step("FlushChunk", "FlushChunkStep").
		EndLoop().
		Build()
	require.NoError(t, err)

	outer, ok := graph.LoopByName("Outer")
	require.True(t, ok)
	assert.Equal(t, "ProcessItem", outer.FirstBodyStep)
}

func TestBuilder_EmptyLoopBody(t *testing.T) {
	_, err := NewWorkflow("Bad", "jobs", "v1").
		Step("Start", "StartStep").
		Loop("Empty", "state.done", 2).
		EndLoop().
		Build()
	require.Error(t, err)

	var serr *StructuralError

	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "Empty", serr.Construct)
}

func TestBuilder_BranchRouting(t *testing.T) {
	graph, err := NewWorkflow("Payments", "billing", "v1").
		Step("Charge", "ChargeStep").
		Branch("ByStatus", "Payment.Status", DiscriminatorEnum).
		Case("settled").
		Step("RecordSettlement", "RecordSettlementStep").
		Case("declined").
		Step("NotifyDecline", "NotifyDeclineStep").
		Terminal().
		Otherwise().
		Step("FlagForReview", "FlagForReviewStep").
		EndBranch().
		Step("Archive", "ArchiveStep").
		Build()
	require.NoError(t, err)

	require.Len(t, graph.Branches, 1)
	branch := graph.Branches[0]
	assert.Equal(t, "Charge", branch.PreviousStep)
	assert.Equal(t, "Archive", branch.RejoinStep)
	require.Len(t, branch.Cases, 3)
	assert.False(t, branch.Cases[0].Terminal)
	assert.True(t, branch.Cases[1].Terminal)
	assert.True(t, branch.Cases[2].IsOtherwise)

	flag, ok := graph.StepByName("FlagForReview")
	require.True(t, ok)
	assert.Equal(t, "ByStatus", flag.BranchID)
	assert.Equal(t, OtherwiseValue, flag.CaseValue)
}

func TestBuilder_SameStepNameAcrossCasesAllowed(t *testing.T) {
	_, err := NewWorkflow("Payments", "billing", "v1").
		Step("Charge", "ChargeStep").
		Branch("ByStatus", "Payment.Status", DiscriminatorString).
		Case("settled").
		Step("Notify", "NotifySuccessStep").
		Case("declined").
		Step("Notify", "NotifyFailureStep").
		EndBranch().
		Build()
	require.NoError(t, err)
}

func TestBuilder_DuplicateNameInOneScope(t *testing.T) {
	_, err := NewWorkflow("Bad", "jobs", "v1").
		Step("Work", "WorkStep").
		Step("Work", "WorkStep").
		Build()
	require.Error(t, err)

	var serr *StructuralError

	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "Work", serr.Construct)
}

func TestBuilder_ForkWiring(t *testing.T) {
	graph, err := NewWorkflow("Notifications", "alerts", "v1").
		Step("Start", "StartStep").
		Fork("FanOut").
		Path().
		Step("SendEmail", "SendEmailStep").
		Path().
		Step("SendSMS", "SendSMSStep").
		TolerateFailure().
		OnPathFailure("LogSMSFailureStep").
		EndFork().
		Step("Finish", "FinishStep").
		Build()
	require.NoError(t, err)

	require.Len(t, graph.Forks, 1)
	fork := graph.Forks[0]
	assert.Equal(t, "Start", fork.PreviousStep)
	assert.Equal(t, "Finish", fork.JoinStep)
	require.Len(t, fork.Paths, 2)
	assert.True(t, fork.Paths[0].TerminalOnFailure)
	assert.False(t, fork.Paths[1].TerminalOnFailure)
	assert.Equal(t, "LogSMSFailureStep", fork.Paths[1].FailureHandlerStep)

	sms, ok := graph.StepByName("SendSMS")
	require.True(t, ok)
	assert.Equal(t, "FanOut", sms.ForkID)
	assert.Equal(t, 1, sms.PathIndex)
}

func TestBuilder_LoopInsideForkPathRejected(t *testing.T) {
	_, err := NewWorkflow("Settlement", "payments", "v1").
		Step("Init", "InitStep").
		Fork("Par").
		Path().
		Loop("Retry", "state.ok", 3).
		Step("Attempt", "AttemptStep").
		EndLoop().
		Path().
		Step("Audit", "AuditStep").
		EndFork().
		Step("Settle", "SettleStep").
		Build()
	require.Error(t, err)

	var serr *StructuralError

	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "Retry", serr.Construct)
}

func TestBuilder_BranchInsideForkPathRejected(t *testing.T) {
	_, err := NewWorkflow("Settlement", "payments", "v1").
		Fork("Par").
		Path().
		Branch("ByStatus", "Payment.Status", DiscriminatorEnum).
		Case("ok").
		Step("Record", "RecordStep").
		EndBranch().
		EndFork().
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fork path")
}

func TestBuilder_NestedForkRejected(t *testing.T) {
	_, err := NewWorkflow("Settlement", "payments", "v1").
		Fork("Outer").
		Path().
		Fork("Inner").
		Path().
		Step("A", "AStep").
		Path().
		Step("B", "BStep").
		EndFork().
		EndFork().
		Build()
	require.Error(t, err)

	var serr *StructuralError

	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "Inner", serr.Construct)
}

func TestBuilder_ApprovalInsideForkPathRejected(t *testing.T) {
	_, err := NewWorkflow("Settlement", "payments", "v1").
		Fork("Par").
		Path().
		Step("Raise", "RaiseStep").
		Approval("SignOff", "manager").
		EndFork().
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fork path")
}

func TestBuilder_SinglePathFork(t *testing.T) {
	_, err := NewWorkflow("Bad", "alerts", "v1").
		Step("Start", "StartStep").
		Fork("FanOut").
		Path().
		Step("SendEmail", "SendEmailStep").
		EndFork().
		Build()
	require.Error(t, err)

	var serr *StructuralError

	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "FanOut", serr.Construct)
}

func TestBuilder_DuplicateNameAcrossForkPaths(t *testing.T) {
	_, err := NewWorkflow("Bad", "alerts", "v1").
		Fork("FanOut").
		Path().
		Step("Send", "SendEmailStep").
		Path().
		Step("Send", "SendSMSStep").
		EndFork().
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "two paths")
}

func TestBuilder_BranchOnLoopExit(t *testing.T) {
	graph, err := NewWorkflow("Scoring", "ml", "v1").
		Loop("Train", "state.converged", 20).
		Step("Iterate", "IterateStep").
		EndLoop().
		Branch("ByOutcome", "Model.Quality", DiscriminatorEnum).
		Case("good").
		Step("Deploy", "DeployStep").
		Case("bad").
		Step("Discard", "DiscardStep").
		Terminal().
		EndBranch().
		Build()
	require.NoError(t, err)

	loop, ok := graph.LoopByName("Train")
	require.True(t, ok)
	assert.Equal(t, "ByOutcome", loop.BranchOnExit)
	assert.Empty(t, loop.ContinuationStep)
}

func TestBuilder_ApprovalDeclaration(t *testing.T) {
	graph, err := NewWorkflow("Procurement", "purchasing", "v1").
		Step("RaisePO", "RaisePOStep").
		Approval("ManagerSignOff", "manager",
			WithInstructions("Approve purchase orders above the limit"),
			WithRejectionStep("CancelPO", "CancelPOStep"),
			RejectionTerminal(),
			WithNestedEscalation("DirectorSignOff", "director",
				WithEscalationStep("AutoReject", "AutoRejectStep"),
				EscalationTerminal(),
			),
		).
		Step("PlaceOrder", "PlaceOrderStep").
		Build()
	require.NoError(t, err)

	require.Len(t, graph.Approvals, 1)
	approval := graph.Approvals[0]
	assert.Equal(t, "RaisePO", approval.PrecedingStep)
	assert.True(t, approval.RejectionTerminal)
	require.NotNil(t, approval.NestedEscalation)
	assert.Equal(t, "director", approval.NestedEscalation.ApproverType)
	assert.True(t, approval.NestedEscalation.EscalationTerminal)
}

func TestBuilder_TerminalEscalationCannotCarrySteps(t *testing.T) {
	_, err := NewWorkflow("Procurement", "purchasing", "v1").
		Step("RaisePO", "RaisePOStep").
		Approval("ManagerSignOff", "manager",
			WithEscalationStep("Nag", "NagStep"),
			EscalationTerminal(),
		).
		Build()
	require.Error(t, err)
}

func TestBuilder_FailureHandlers(t *testing.T) {
	graph, err := NewWorkflow("Fulfillment", "orders", "v1").
		Step("Reserve", "ReserveStep").
		Step("Charge", "ChargeStep").
		OnStepFailure("Charge", "PaymentDeclined").
		Step("ReleaseStock", "ReleaseStockStep").
		EndOnFailure().
		OnFailure().
		Step("AlertOps", "AlertOpsStep").
		Terminal().
		EndOnFailure().
		Build()
	require.NoError(t, err)

	require.Len(t, graph.Handlers, 2)
	stepScoped := graph.Handlers[0]
	assert.Equal(t, HandlerScopeStep, stepScoped.Scope)
	assert.Equal(t, "Charge", stepScoped.TriggerStep)
	assert.Equal(t, "PaymentDeclined", stepScoped.ErrorType)
	assert.False(t, stepScoped.Terminal)

	workflowScoped := graph.Handlers[1]
	assert.Equal(t, HandlerScopeWorkflow, workflowScoped.Scope)
	assert.True(t, workflowScoped.Terminal)
	require.Len(t, workflowScoped.Steps, 1)
}

func TestBuilder_TypedAndCatchAllHandlersCoexist(t *testing.T) {
	graph, err := NewWorkflow("Fulfillment", "orders", "v1").
		Step("Charge", "ChargeStep").
		OnStepFailure("Charge", "PaymentDeclined").
		Step("NotifyDecline", "NotifyDeclineStep").
		EndOnFailure().
		OnStepFailure("Charge", "").
		Step("ReleaseStock", "ReleaseStockStep").
		EndOnFailure().
		Build()
	require.NoError(t, err)

	require.Len(t, graph.Handlers, 2)
	assert.NotEqual(t, graph.Handlers[0].ID, graph.Handlers[1].ID)
	assert.Equal(t, "Charge", graph.Handlers[0].TriggerStep)
	assert.Equal(t, "Charge", graph.Handlers[1].TriggerStep)
}

func TestBuilder_DuplicateHandlerForSameErrorType(t *testing.T) {
	_, err := NewWorkflow("Fulfillment", "orders", "v1").
		Step("Charge", "ChargeStep").
		OnStepFailure("Charge", "PaymentDeclined").
		Step("NotifyDecline", "NotifyDeclineStep").
		EndOnFailure().
		OnStepFailure("Charge", "PaymentDeclined").
		Step("NotifyAgain", "NotifyAgainStep").
		EndOnFailure().
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a failure handler")
}

func TestBuilder_ValidateAndCompensate(t *testing.T) {
	graph, err := NewWorkflow("Fulfillment", "orders", "v1").
		Step("Charge", "ChargeStep").
		Validate("state.amount > 0", "charge amount must be positive").
		Compensate("RefundStep").
		Build()
	require.NoError(t, err)

	charge, ok := graph.StepByName("Charge")
	require.True(t, ok)
	assert.Equal(t, "state.amount > 0", charge.ValidationExpr)
	assert.Equal(t, "RefundStep", charge.Compensation)
}

func TestBuilder_UnclosedLoop(t *testing.T) {
	_, err := NewWorkflow("Bad", "jobs", "v1").
		Loop("Forever", "state.done", 2).
		Step("Spin", "SpinStep").
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never closed")
}

func TestBuilder_InvalidStepName(t *testing.T) {
	_, err := NewWorkflow("Bad", "jobs", "v1").
		Step("not valid", "SomeStep").
		Build()
	require.Error(t, err)
}

func TestBuilder_FirstErrorWins(t *testing.T) {
	_, err := NewWorkflow("Bad", "jobs", "v1").
		Step("2fast", "SomeStep").
		Loop("", "", 0). // would also fail, but the step error is first
		Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2fast")
}
