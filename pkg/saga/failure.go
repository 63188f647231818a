package saga

import (
	"context"
	"fmt"

	"github.com/phasor-io/phasor/pkg/dsl"
	"github.com/phasor-io/phasor/pkg/instance"
	"github.com/phasor-io/phasor/pkg/messages"
	"github.com/phasor-io/phasor/pkg/model"
)

// HandleStepFailed applies a typed step failure: per-path handling inside a
// fork, a matching step-scoped handler, or the compensation path.
func (c *Coordinator) HandleStepFailed(ctx context.Context, msg *messages.StepFailed) error {
	return c.withInstance(ctx, msg.InstanceID, func(inst *instance.Instance) error {
		if inst.Sequence != nil {
			// no nested recovery: a failing handler step fails the instance
			if msg.Phase != inst.Phase {
				return nil
			}

			return c.terminateFailed(ctx, inst, msg.StepName, msg.ErrorType, msg.ErrorMessage)
		}

		if handled, err := c.failForkPath(ctx, inst, msg); handled || err != nil {
			return err
		}

		if inst.Status != instance.StatusRunning || msg.Phase != inst.Phase {
			return nil
		}

		return c.fail(ctx, inst, msg.StepName, msg.Phase, msg.ErrorType, msg.ErrorMessage)
	})
}

// failForkPath applies a failure inside an in-flight fork path. Returns true
// when the message belonged to a fork path.
func (c *Coordinator) failForkPath(ctx context.Context, inst *instance.Instance, msg *messages.StepFailed) (bool, error) {
	fork, progress, pathIndex := c.matchForkPhase(inst, msg.Phase)
	if progress == nil {
		return false, nil
	}

	path := fork.Paths[pathIndex]

	if !progress.Recovering[pathIndex] && path.FailureHandlerStep != "" {
		// run the per-path recovery step before settling the path
		recoveryPhase := fmt.Sprintf("%s_P%d_Recovery", fork.ForkingPhase, pathIndex)
		progress.Recovering[pathIndex] = true
		progress.CurrentPhases[pathIndex] = recoveryPhase

		c.logger.InfoContext(ctx, "Fork path recovering",
			"instance_id", inst.ID, "fork", fork.ID, "path", pathIndex, "failed_step", msg.StepName)

		return true, c.publishExecuteStep(ctx, inst,
			path.FailureHandlerStep, path.FailureHandlerStep, recoveryPhase,
			c.pathSnapshot(inst, progress, pathIndex))
	}

	progress.Statuses[pathIndex] = instance.PathFailed
	progress.Tolerated[pathIndex] = !path.TerminalOnFailure
	progress.Recovering[pathIndex] = false
	progress.CurrentPhases[pathIndex] = ""

	if path.TerminalOnFailure {
		progress.JoinFired = true

		return true, c.fail(ctx, inst, msg.StepName, msg.Phase, msg.ErrorType, msg.ErrorMessage)
	}

	return true, c.maybeJoin(ctx, inst, fork, progress)
}

// fail routes an uncaught main-flow failure: a matching step-scoped handler
// first, then reverse-order compensation, then the workflow-scoped handler
// or the Failed phase.
func (c *Coordinator) fail(ctx context.Context, inst *instance.Instance, failedStep, phase, errorType, errorMessage string) error {
	inst.FailureStep = failedStep
	inst.FailurePhase = phase
	inst.FailureType = errorType
	inst.FailureError = errorMessage

	c.logger.WarnContext(ctx, "Step failed",
		"instance_id", inst.ID, "step", failedStep, "phase", phase, "error_type", errorType)

	if handler, ok := c.findStepHandler(failedStep, errorType); ok {
		return c.startSequence(ctx, inst, instance.SequenceFailureHandler, handler.ID,
			failedStep, errorType, handler.Terminal, handler.Steps)
	}

	if len(inst.Compensations) > 0 {
		inst.Status = instance.StatusCompensating
		inst.CompensationIndex = len(inst.Compensations) - 1

		return c.publishCompensation(ctx, inst)
	}

	return c.afterCompensation(ctx, inst)
}

// publishCompensation dispatches the rollback at the current compensation
// index.
func (c *Coordinator) publishCompensation(ctx context.Context, inst *instance.Instance) error {
	entry := inst.Compensations[inst.CompensationIndex]

	c.logger.InfoContext(ctx, "Dispatching compensation",
		"instance_id", inst.ID, "step", entry.StepName, "remaining", inst.CompensationIndex+1)

	msg := messages.ExecuteCompensation{
		BaseMessage:    messages.NewBaseMessage(messages.ExecuteCompensationMessage, inst.WorkflowName, inst.ID),
		StepName:       entry.StepName,
		Implementation: entry.Implementation,
		State:          inst.State,
	}

	return c.bus.Publish(ctx, inst.ID, msg)
}

// HandleCompensationCompleted advances the reverse-order rollback walk.
func (c *Coordinator) HandleCompensationCompleted(ctx context.Context, msg *messages.CompensationCompleted) error {
	return c.withInstance(ctx, msg.InstanceID, func(inst *instance.Instance) error {
		if inst.Status != instance.StatusCompensating || inst.CompensationIndex < 0 {
			return nil
		}

		if msg.StepName != inst.Compensations[inst.CompensationIndex].StepName {
			return nil
		}

		inst.CompensationIndex--

		if inst.CompensationIndex >= 0 {
			return c.publishCompensation(ctx, inst)
		}

		return c.afterCompensation(ctx, inst)
	})
}

// afterCompensation runs once every rollback finished (or none were
// recorded): the workflow-scoped handler takes over, otherwise the instance
// fails.
func (c *Coordinator) afterCompensation(ctx context.Context, inst *instance.Instance) error {
	if handler, ok := c.model.WorkflowHandler(); ok {
		if handler.ErrorType == "" || handler.ErrorType == inst.FailureType {
			return c.startSequence(ctx, inst, instance.SequenceFailureHandler, handler.ID,
				inst.FailureStep, inst.FailureType, handler.Terminal, handler.Steps)
		}
	}

	return c.terminateFailed(ctx, inst, inst.FailureStep, inst.FailureType, inst.FailureError)
}

// startSequence begins a failure-handler, escalation or rejection step
// sequence and dispatches its first step.
func (c *Coordinator) startSequence(ctx context.Context, inst *instance.Instance, kind instance.SequenceKind, owner, failedStep, errorType string, terminal bool, steps []model.SubStepModel) error {
	if len(steps) == 0 {
		return fmt.Errorf("instance %s: %s sequence %s has no steps", inst.ID, kind, owner)
	}

	inst.Status = instance.StatusRunning
	inst.Sequence = &instance.ActiveSequence{
		Kind:       kind,
		Owner:      owner,
		StepIndex:  0,
		Terminal:   terminal,
		FailedStep: failedStep,
		ErrorType:  errorType,
	}

	first := steps[0]
	inst.Phase = first.PhaseName

	return c.publishExecuteStep(ctx, inst, first.Name, first.Implementation, first.PhaseName, inst.State)
}

// sequenceSteps resolves the sub-steps of the active sequence from the
// model.
func (c *Coordinator) sequenceSteps(seq *instance.ActiveSequence) []model.SubStepModel {
	switch seq.Kind {
	case instance.SequenceFailureHandler:
		if handler, ok := c.model.Handler(seq.Owner); ok {
			return handler.Steps
		}
	case instance.SequenceEscalation:
		if ap, ok := c.model.Approval(seq.Owner); ok {
			return ap.EscalationSteps
		}
	case instance.SequenceRejection:
		if ap, ok := c.model.Approval(seq.Owner); ok {
			return ap.RejectionSteps
		}
	}

	return nil
}

// advanceSequence applies a completion to the active auxiliary sequence.
func (c *Coordinator) advanceSequence(ctx context.Context, inst *instance.Instance, msg *messages.StepCompleted) error {
	seq := inst.Sequence

	steps := c.sequenceSteps(seq)
	if seq.StepIndex >= len(steps) {
		return nil
	}

	if msg.Phase != steps[seq.StepIndex].PhaseName || msg.Phase != inst.Phase {
		return nil
	}

	inst.MergeState(msg.Output)
	seq.StepIndex++

	if seq.StepIndex < len(steps) {
		next := steps[seq.StepIndex]
		inst.Phase = next.PhaseName

		return c.publishExecuteStep(ctx, inst, next.Name, next.Implementation, next.PhaseName, inst.State)
	}

	return c.finishSequence(ctx, inst)
}

// finishSequence decides what follows a completed auxiliary sequence.
func (c *Coordinator) finishSequence(ctx context.Context, inst *instance.Instance) error {
	seq := inst.Sequence
	inst.Sequence = nil

	switch seq.Kind {
	case instance.SequenceFailureHandler:
		handler, ok := c.model.Handler(seq.Owner)
		if !ok {
			return fmt.Errorf("instance %s: unknown failure handler %s", inst.ID, seq.Owner)
		}

		if handler.Terminal {
			return c.terminateFailed(ctx, inst, seq.FailedStep, seq.ErrorType, inst.FailureError)
		}

		if handler.Scope == dsl.HandlerScopeWorkflow {
			// the failure was absorbed after full rollback
			return c.complete(ctx, inst)
		}

		return c.resumeAfterFailure(ctx, inst)

	case instance.SequenceEscalation:
		ap, ok := c.model.Approval(seq.Owner)
		if !ok {
			return fmt.Errorf("instance %s: unknown approval %s", inst.ID, seq.Owner)
		}

		// escalation steps ran; ask again with a fresh request
		return c.requestApproval(ctx, inst, ap)

	case instance.SequenceRejection:
		ap, ok := c.model.Approval(seq.Owner)
		if !ok {
			return fmt.Errorf("instance %s: unknown approval %s", inst.ID, seq.Owner)
		}

		if ap.RejectionTerminal {
			inst.State["approval_outcome"] = "rejected"

			return c.complete(ctx, inst)
		}

		return c.passApproval(ctx, inst, ap.Name)

	default:
		return fmt.Errorf("instance %s: unknown sequence kind %s", inst.ID, seq.Kind)
	}
}

// resumeAfterFailure applies the configured resume policy once a
// non-terminal step-scoped handler finished.
func (c *Coordinator) resumeAfterFailure(ctx context.Context, inst *instance.Instance) error {
	step, ok := c.stepForPhase(inst.FailurePhase)
	if !ok {
		return fmt.Errorf("instance %s: failure phase %s resolves to no step", inst.ID, inst.FailurePhase)
	}

	if c.resumePolicy == ResumeContinue {
		return c.afterStep(ctx, inst, step)
	}

	inst.Phase = inst.FailurePhase

	return c.publishExecuteStep(ctx, inst, step.Name, step.Implementation, inst.FailurePhase, inst.State)
}

// passApproval marks the approval chain satisfied and resumes the main flow.
func (c *Coordinator) passApproval(ctx context.Context, inst *instance.Instance, approvalName string) error {
	root := c.rootApproval(approvalName)
	if root == nil {
		return fmt.Errorf("instance %s: unknown approval %s", inst.ID, approvalName)
	}

	inst.ApprovalsPassed[approvalName] = true
	inst.ApprovalsPassed[root.Name] = true

	return c.resumeAfterApproval(ctx, inst, root)
}

// HandleApprovalDecided applies a human decision. Decisions carrying a stale
// or foreign request id are dropped.
func (c *Coordinator) HandleApprovalDecided(ctx context.Context, msg *messages.ApprovalDecided) error {
	return c.withInstance(ctx, msg.InstanceID, func(inst *instance.Instance) error {
		if inst.Pending == nil || inst.Pending.Name != msg.ApprovalName || inst.Pending.RequestID != msg.RequestID {
			return nil
		}

		ap, ok := c.model.Approval(msg.ApprovalName)
		if !ok {
			return nil
		}

		inst.Pending = nil

		c.logger.InfoContext(ctx, "Approval decided",
			"instance_id", inst.ID, "approval", ap.Name, "decision", msg.Decision, "decided_by", msg.DecidedBy)

		if msg.Decision == messages.DecisionApproved {
			return c.passApproval(ctx, inst, ap.Name)
		}

		if len(ap.RejectionSteps) > 0 {
			return c.startSequence(ctx, inst, instance.SequenceRejection, ap.Name, "", "",
				ap.RejectionTerminal, ap.RejectionSteps)
		}

		if ap.RejectionTerminal {
			inst.State["approval_outcome"] = "rejected"

			return c.complete(ctx, inst)
		}

		return c.passApproval(ctx, inst, ap.Name)
	})
}

// HandleApprovalTimedOut escalates an unanswered approval: a nested
// escalation approval, escalation steps, a terminal failure, or simply a
// fresh request when nothing is configured.
func (c *Coordinator) HandleApprovalTimedOut(ctx context.Context, msg *messages.ApprovalTimedOut) error {
	return c.withInstance(ctx, msg.InstanceID, func(inst *instance.Instance) error {
		if inst.Pending == nil || inst.Pending.Name != msg.ApprovalName || inst.Pending.RequestID != msg.RequestID {
			return nil
		}

		ap, ok := c.model.Approval(msg.ApprovalName)
		if !ok {
			return nil
		}

		inst.Pending = nil

		c.logger.WarnContext(ctx, "Approval timed out",
			"instance_id", inst.ID, "approval", ap.Name)

		if ap.NestedEscalation != nil {
			return c.requestApproval(ctx, inst, ap.NestedEscalation)
		}

		if len(ap.EscalationSteps) > 0 {
			return c.startSequence(ctx, inst, instance.SequenceEscalation, ap.Name, "", "",
				ap.EscalationTerminal, ap.EscalationSteps)
		}

		if ap.EscalationTerminal {
			return c.terminateFailed(ctx, inst, ap.Name, "ApprovalTimeout",
				fmt.Sprintf("approval %s timed out with terminal escalation", ap.Name))
		}

		return c.requestApproval(ctx, inst, ap)
	})
}
