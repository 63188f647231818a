// Package worker executes step and compensation commands. Workers are
// stateless: every command carries the state snapshot the implementation
// sees, and the result goes back to the coordinator as an event.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/phasor-io/phasor/pkg/condition"
	"github.com/phasor-io/phasor/pkg/eventbus"
	"github.com/phasor-io/phasor/pkg/messages"
	"github.com/phasor-io/phasor/pkg/model"
	"github.com/phasor-io/phasor/pkg/otelhelper"
	"github.com/phasor-io/phasor/pkg/registry"
)

// ErrorTypeValidation is reported when a step's validation predicate
// rejects the state before execution.
const ErrorTypeValidation = "ValidationError"

// ErrorTypeExecution is reported for untyped implementation failures.
const ErrorTypeExecution = "ExecutionError"

// Worker consumes ExecuteStep and ExecuteCompensation commands for one
// workflow and publishes the completion or failure events.
type Worker struct {
	id       string
	model    *model.WorkflowModel
	registry *registry.Registry
	bus      eventbus.Bus
	eval     *condition.Evaluator
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures a Worker.
type Option func(*Worker)

// WithTracer enables a span per executed step.
func WithTracer(tracer trace.Tracer) Option {
	return func(w *Worker) {
		w.tracer = tracer
	}
}

func NewWorker(id string, workflowModel *model.WorkflowModel, reg *registry.Registry, bus eventbus.Bus, logger *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		id:       id,
		model:    workflowModel,
		registry: reg,
		bus:      bus,
		eval:     condition.NewEvaluator(),
		logger:   logger.With("module", "worker", "worker_id", id, "workflow", workflowModel.Name),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// RegisterHandlers subscribes the worker to its command types. Call before
// Bus.Subscribe.
func (w *Worker) RegisterHandlers() error {
	if err := w.bus.Handle(messages.ExecuteStepMessage, func(ctx context.Context, raw any) error {
		msg, ok := raw.(*messages.ExecuteStep)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", raw, messages.ExecuteStepMessage)
		}

		return w.HandleExecuteStep(ctx, msg)
	}); err != nil {
		return err
	}

	return w.bus.Handle(messages.ExecuteCompensationMessage, func(ctx context.Context, raw any) error {
		msg, ok := raw.(*messages.ExecuteCompensation)
		if !ok {
			return fmt.Errorf("unexpected payload %T for %s", raw, messages.ExecuteCompensationMessage)
		}

		return w.HandleExecuteCompensation(ctx, msg)
	})
}

// HandleExecuteStep runs one step: validation predicate first, then the
// implementation. Failures become StepFailed events, never handler errors;
// returning an error would only make the bus redeliver a command that will
// fail the same way again.
func (w *Worker) HandleExecuteStep(ctx context.Context, msg *messages.ExecuteStep) error {
	logger := w.logger.With("instance_id", msg.InstanceID, "step", msg.StepName, "phase", msg.Phase)

	if w.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, w.tracer, "worker.execute_step",
			attribute.String(otelhelper.WorkflowNameKey, msg.Workflow),
			attribute.String(otelhelper.InstanceIDKey, msg.InstanceID),
			attribute.String(otelhelper.PhaseKey, msg.Phase),
			attribute.String(otelhelper.StepNameKey, msg.StepName),
			attribute.String(otelhelper.ImplementationKey, msg.Implementation),
			attribute.String(otelhelper.WorkerIDKey, w.id),
		)
		defer span.End()
	}

	if step, ok := w.stepForPhase(msg.Phase); ok && step.ValidationExpr != "" {
		valid, err := w.eval.EvalBool(step.ValidationExpr, msg.State)
		if err != nil {
			return w.publishFailure(ctx, msg, ErrorTypeValidation, err.Error())
		}

		if !valid {
			reason := step.ValidationMessage
			if reason == "" {
				reason = fmt.Sprintf("validation %q rejected the state", step.ValidationExpr)
			}

			logger.WarnContext(ctx, "Step validation rejected", "reason", reason)

			return w.publishFailure(ctx, msg, ErrorTypeValidation, reason)
		}
	}

	implementation, err := w.registry.CreateStep(msg.Implementation, nil)
	if err != nil {
		return w.publishFailure(ctx, msg, ErrorTypeExecution, err.Error())
	}

	started := time.Now()

	output, err := implementation.Execute(ctx, msg.State)
	if err != nil {
		errorType := ErrorTypeExecution

		var stepErr *registry.StepError
		if errors.As(err, &stepErr) {
			errorType = stepErr.Type
		}

		logger.WarnContext(ctx, "Step execution failed", "error_type", errorType, "error", err)

		return w.publishFailure(ctx, msg, errorType, err.Error())
	}

	logger.DebugContext(ctx, "Step executed", "duration_ms", time.Since(started).Milliseconds())

	completed := messages.StepCompleted{
		BaseMessage: messages.NewBaseMessage(messages.StepCompletedMessage, msg.Workflow, msg.InstanceID),
		StepName:    msg.StepName,
		Phase:       msg.Phase,
		Output:      output,
		DurationMs:  time.Since(started).Milliseconds(),
	}

	return w.bus.Publish(ctx, msg.InstanceID, completed)
}

// HandleExecuteCompensation runs one rollback. A failing rollback returns an
// error so the bus redelivers it: compensations must eventually run.
func (w *Worker) HandleExecuteCompensation(ctx context.Context, msg *messages.ExecuteCompensation) error {
	implementation, err := w.registry.CreateStep(msg.Implementation, nil)
	if err != nil {
		return fmt.Errorf("compensation %s: %w", msg.StepName, err)
	}

	if _, err := implementation.Execute(ctx, msg.State); err != nil {
		w.logger.ErrorContext(ctx, "Compensation failed, will retry",
			"instance_id", msg.InstanceID, "step", msg.StepName, "error", err)

		return fmt.Errorf("compensation %s: %w", msg.StepName, err)
	}

	completed := messages.CompensationCompleted{
		BaseMessage: messages.NewBaseMessage(messages.CompensationCompletedMessage, msg.Workflow, msg.InstanceID),
		StepName:    msg.StepName,
	}

	return w.bus.Publish(ctx, msg.InstanceID, completed)
}

func (w *Worker) publishFailure(ctx context.Context, msg *messages.ExecuteStep, errorType, errorMessage string) error {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		otelhelper.SetError(span, errors.New(errorMessage),
			attribute.String(otelhelper.StepNameKey, msg.StepName),
			attribute.String(otelhelper.PhaseKey, msg.Phase),
		)
	}

	failed := messages.StepFailed{
		BaseMessage:  messages.NewBaseMessage(messages.StepFailedMessage, msg.Workflow, msg.InstanceID),
		StepName:     msg.StepName,
		Phase:        msg.Phase,
		ErrorType:    errorType,
		ErrorMessage: errorMessage,
	}

	return w.bus.Publish(ctx, msg.InstanceID, failed)
}

// stepForPhase finds the main-flow step executing in a phase; sub-steps of
// approvals and failure handlers carry no validation predicate and resolve
// to nothing here.
func (w *Worker) stepForPhase(phase string) (model.StepModel, bool) {
	for _, s := range w.model.Steps {
		if s.PhaseName == phase {
			return s, true
		}
	}

	return model.StepModel{}, false
}
