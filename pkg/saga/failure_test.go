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

func compensate(t *testing.T, c *Coordinator, instanceID, stepName string) {
	t.Helper()

	msg := &messages.CompensationCompleted{
		BaseMessage: messages.NewBaseMessage(messages.CompensationCompletedMessage, "", instanceID),
		StepName:    stepName,
	}

	require.NoError(t, c.HandleCompensationCompleted(context.Background(), msg))
}

func compensableModel(t *testing.T) *model.WorkflowModel {
	return buildModel(t, dsl.NewWorkflow("BookingFlow", "travel", "v1").
		Step("BookFlight", "BookFlightStep").Compensate("CancelFlight").
		Step("BookHotel", "BookHotelStep").Compensate("CancelHotel").
		Step("BookCar", "BookCarStep").Compensate("CancelCar").
		Step("ConfirmTrip", "ConfirmTripStep"))
}

func TestCompensationRunsInReverseOrder(t *testing.T) {
	ctx := context.Background()
	c, bus, memStore := newHarness(t, compensableModel(t))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "BookFlight", nil)
	complete(t, c, bus, "wi-1", "BookHotel", nil)
	complete(t, c, bus, "wi-1", "BookCar", nil)
	failStep(t, c, bus, "wi-1", "ConfirmTrip", "ConfirmationError", "vendor unreachable")

	assert.Equal(t, instance.StatusCompensating, getInstance(t, memStore, "wi-1").Status)
	assert.Equal(t, []string{"BookCar"}, bus.compensationOrder())

	compensate(t, c, "wi-1", "BookCar")
	compensate(t, c, "wi-1", "BookHotel")
	compensate(t, c, "wi-1", "BookFlight")

	// strict reverse of the original completion order
	assert.Equal(t, []string{"BookCar", "BookHotel", "BookFlight"}, bus.compensationOrder())

	final := getInstance(t, memStore, "wi-1")
	assert.Equal(t, instance.StatusFailed, final.Status)
	assert.Equal(t, "ConfirmTrip", final.FailureStep)
	assert.Equal(t, 1, bus.count(messages.WorkflowFailedMessage))
}

func TestCompensationOutOfOrderCompletionIsDropped(t *testing.T) {
	ctx := context.Background()
	c, bus, _ := newHarness(t, compensableModel(t))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "BookFlight", nil)
	complete(t, c, bus, "wi-1", "BookHotel", nil)
	complete(t, c, bus, "wi-1", "BookCar", nil)
	failStep(t, c, bus, "wi-1", "ConfirmTrip", "ConfirmationError", "vendor unreachable")

	// only the rollback at the top of the stack may complete next
	compensate(t, c, "wi-1", "BookFlight")
	assert.Equal(t, []string{"BookCar"}, bus.compensationOrder())

	compensate(t, c, "wi-1", "BookCar")
	assert.Equal(t, []string{"BookCar", "BookHotel"}, bus.compensationOrder())
}

func TestFailureWithoutCompensationsFailsDirectly(t *testing.T) {
	ctx := context.Background()
	c, bus, memStore := newHarness(t, linearModel(t))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	failStep(t, c, bus, "wi-1", "ReserveStock", "StockError", "out of stock")

	final := getInstance(t, memStore, "wi-1")
	assert.Equal(t, instance.StatusFailed, final.Status)
	assert.Equal(t, model.PhaseFailed, final.Phase)
	assert.Equal(t, 0, bus.count(messages.ExecuteCompensationMessage))
	assert.Equal(t, 1, bus.count(messages.WorkflowFailedMessage))
}

func TestStaleFailureIsDropped(t *testing.T) {
	ctx := context.Background()
	c, bus, memStore := newHarness(t, linearModel(t))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	cmd, _ := bus.lastExecuteFor("ReserveStock")
	complete(t, c, bus, "wi-1", "ReserveStock", nil)

	// the step already completed; a late failure report must not fail the saga
	stale := &messages.StepFailed{
		BaseMessage:  messages.NewBaseMessage(messages.StepFailedMessage, cmd.Workflow, "wi-1"),
		StepName:     cmd.StepName,
		Phase:        cmd.Phase,
		ErrorType:    "Timeout",
		ErrorMessage: "too slow",
	}

	require.NoError(t, c.HandleStepFailed(ctx, stale))
	assert.Equal(t, instance.StatusRunning, getInstance(t, memStore, "wi-1").Status)
}

func handlerModel(t *testing.T, terminal bool) *model.WorkflowModel {
	b := dsl.NewWorkflow("SyncFlow", "sync", "v1").
		Step("FetchData", "FetchDataStep").
		Step("PushData", "PushDataStep").
		Step("Finalize", "FinalizeStep").
		OnStepFailure("PushData", "Timeout").
		Step("ResetConnection", "ResetConnectionStep")

	if terminal {
		b = b.Terminal()
	}

	return buildModel(t, b.EndOnFailure())
}

func TestStepScopedHandlerRetriesFailedStep(t *testing.T) {
	ctx := context.Background()
	c, bus, memStore := newHarness(t, handlerModel(t, false))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "FetchData", nil)
	failStep(t, c, bus, "wi-1", "PushData", "Timeout", "deadline exceeded")

	assert.Equal(t, 1, bus.executeCount("ResetConnection"))
	assert.Equal(t, "FailureHandler_ResetConnection", getInstance(t, memStore, "wi-1").Phase)

	complete(t, c, bus, "wi-1", "ResetConnection", nil)

	// default policy re-dispatches the failed step
	assert.Equal(t, 2, bus.executeCount("PushData"))

	complete(t, c, bus, "wi-1", "PushData", nil)
	assert.Equal(t, 1, bus.executeCount("Finalize"))
}

func TestStepScopedHandlerContinuePolicy(t *testing.T) {
	ctx := context.Background()
	c, bus, _ := newHarness(t, handlerModel(t, false), WithResumePolicy(ResumeContinue))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "FetchData", nil)
	failStep(t, c, bus, "wi-1", "PushData", "Timeout", "deadline exceeded")
	complete(t, c, bus, "wi-1", "ResetConnection", nil)

	// continue policy skips the failed step
	assert.Equal(t, 1, bus.executeCount("PushData"))
	assert.Equal(t, 1, bus.executeCount("Finalize"))
}

func TestStepScopedHandlerTerminal(t *testing.T) {
	ctx := context.Background()
	c, bus, memStore := newHarness(t, handlerModel(t, true))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "FetchData", nil)
	failStep(t, c, bus, "wi-1", "PushData", "Timeout", "deadline exceeded")
	complete(t, c, bus, "wi-1", "ResetConnection", nil)

	assert.Equal(t, instance.StatusFailed, getInstance(t, memStore, "wi-1").Status)
	assert.Equal(t, 1, bus.executeCount("PushData"))
}

func TestStepScopedHandlerErrorTypeMismatch(t *testing.T) {
	ctx := context.Background()
	c, bus, memStore := newHarness(t, handlerModel(t, false))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "FetchData", nil)
	failStep(t, c, bus, "wi-1", "PushData", "AuthError", "credentials rejected")

	// the handler only catches Timeout failures
	assert.Equal(t, 0, bus.executeCount("ResetConnection"))
	assert.Equal(t, instance.StatusFailed, getInstance(t, memStore, "wi-1").Status)
}

func layeredHandlerModel(t *testing.T) *model.WorkflowModel {
	return buildModel(t, dsl.NewWorkflow("SyncFlow", "sync", "v1").
		Step("FetchData", "FetchDataStep").
		Step("PushData", "PushDataStep").
		Step("Finalize", "FinalizeStep").
		OnStepFailure("PushData", "Timeout").
		Step("ResetConnection", "ResetConnectionStep").
		EndOnFailure().
		OnStepFailure("PushData", "").
		Step("LogFailure", "LogFailureStep").
		EndOnFailure())
}

func TestTypedHandlerBeatsCatchAll(t *testing.T) {
	ctx := context.Background()
	c, bus, _ := newHarness(t, layeredHandlerModel(t))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "FetchData", nil)
	failStep(t, c, bus, "wi-1", "PushData", "Timeout", "deadline exceeded")

	assert.Equal(t, 1, bus.executeCount("ResetConnection"))
	assert.Equal(t, 0, bus.executeCount("LogFailure"))
}

func TestCatchAllHandlerCoversOtherErrorTypes(t *testing.T) {
	ctx := context.Background()
	c, bus, _ := newHarness(t, layeredHandlerModel(t))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "FetchData", nil)
	failStep(t, c, bus, "wi-1", "PushData", "AuthError", "credentials rejected")

	assert.Equal(t, 0, bus.executeCount("ResetConnection"))
	assert.Equal(t, 1, bus.executeCount("LogFailure"))
}

func TestWorkflowHandlerRunsAfterCompensation(t *testing.T) {
	ctx := context.Background()

	m := buildModel(t, dsl.NewWorkflow("BookingFlow", "travel", "v1").
		Step("BookFlight", "BookFlightStep").Compensate("CancelFlight").
		Step("ConfirmTrip", "ConfirmTripStep").
		OnFailure().
		Step("NotifyOps", "NotifyOpsStep").
		EndOnFailure())

	c, bus, memStore := newHarness(t, m)

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "BookFlight", nil)
	failStep(t, c, bus, "wi-1", "ConfirmTrip", "ConfirmationError", "vendor unreachable")

	// rollback first, then the workflow handler
	assert.Equal(t, 0, bus.executeCount("NotifyOps"))
	compensate(t, c, "wi-1", "BookFlight")
	assert.Equal(t, 1, bus.executeCount("NotifyOps"))

	complete(t, c, bus, "wi-1", "NotifyOps", nil)

	// a non-terminal workflow handler absorbs the failure
	assert.Equal(t, instance.StatusCompleted, getInstance(t, memStore, "wi-1").Status)
}

func TestWorkflowHandlerTerminalFails(t *testing.T) {
	ctx := context.Background()

	m := buildModel(t, dsl.NewWorkflow("BookingFlow", "travel", "v1").
		Step("BookFlight", "BookFlightStep").
		Step("ConfirmTrip", "ConfirmTripStep").
		OnFailure().
		Step("NotifyOps", "NotifyOpsStep").
		Terminal().
		EndOnFailure())

	c, bus, memStore := newHarness(t, m)

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "BookFlight", nil)
	failStep(t, c, bus, "wi-1", "ConfirmTrip", "ConfirmationError", "vendor unreachable")

	assert.Equal(t, 1, bus.executeCount("NotifyOps"))
	complete(t, c, bus, "wi-1", "NotifyOps", nil)

	final := getInstance(t, memStore, "wi-1")
	assert.Equal(t, instance.StatusFailed, final.Status)
	assert.Equal(t, "ConfirmTrip", final.FailureStep)
}

func TestHandlerStepFailureFailsInstance(t *testing.T) {
	ctx := context.Background()
	c, bus, memStore := newHarness(t, handlerModel(t, false))

	_, err := c.Start(ctx, "wi-1", nil)
	require.NoError(t, err)

	complete(t, c, bus, "wi-1", "FetchData", nil)
	failStep(t, c, bus, "wi-1", "PushData", "Timeout", "deadline exceeded")
	failStep(t, c, bus, "wi-1", "ResetConnection", "ResetError", "cannot reset")

	assert.Equal(t, instance.StatusFailed, getInstance(t, memStore, "wi-1").Status)
}
