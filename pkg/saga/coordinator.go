// Package saga is the workflow execution runtime: a coordinator that owns
// saga instances and applies bus messages to them one at a time. The next
// phase is always computed from the workflow model and the instance's
// current phase, never taken from the message, so duplicate delivery of any
// message is a no-op once the instance has moved on.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phasor-io/phasor/pkg/condition"
	"github.com/phasor-io/phasor/pkg/dsl"
	"github.com/phasor-io/phasor/pkg/eventbus"
	"github.com/phasor-io/phasor/pkg/instance"
	"github.com/phasor-io/phasor/pkg/messages"
	"github.com/phasor-io/phasor/pkg/model"
	"github.com/phasor-io/phasor/pkg/store"
)

// ResumePolicy decides where a step-scoped failure handler resumes the main
// flow after its steps complete.
type ResumePolicy string

const (
	// ResumeRetryStep re-dispatches the step that failed.
	ResumeRetryStep ResumePolicy = "retry_step"
	// ResumeContinue advances past the failed step as if it had completed.
	ResumeContinue ResumePolicy = "continue"
)

const defaultApprovalTimeout = 24 * time.Hour

// Coordinator drives every instance of one workflow. All message handling is
// serialized behind a single mutex: one writer per saga, per the contract.
type Coordinator struct {
	model  *model.WorkflowModel
	bus    eventbus.Bus
	store  store.Store
	eval   *condition.Evaluator
	logger *slog.Logger

	resumePolicy    ResumePolicy
	approvalTimeout time.Duration

	mu sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithResumePolicy overrides where non-terminal step-scoped failure handlers
// resume.
func WithResumePolicy(policy ResumePolicy) Option {
	return func(c *Coordinator) {
		c.resumePolicy = policy
	}
}

// WithApprovalTimeout overrides the deadline attached to approval requests.
func WithApprovalTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.approvalTimeout = timeout
	}
}

func NewCoordinator(
	workflowModel *model.WorkflowModel,
	bus eventbus.Bus,
	instanceStore store.Store,
	logger *slog.Logger,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		model:           workflowModel,
		bus:             bus,
		store:           instanceStore,
		eval:            condition.NewEvaluator(),
		logger:          logger.With("module", "saga", "workflow", workflowModel.Name),
		resumePolicy:    ResumeRetryStep,
		approvalTimeout: defaultApprovalTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// RegisterHandlers subscribes the coordinator to every message type it
// consumes. Call before Bus.Subscribe.
func (c *Coordinator) RegisterHandlers() error {
	handlers := map[messages.MessageType]eventbus.Handler{
		messages.StartWorkflowMessage: func(ctx context.Context, raw any) error {
			msg, ok := raw.(*messages.StartWorkflow)
			if !ok {
				return fmt.Errorf("unexpected payload %T for %s", raw, messages.StartWorkflowMessage)
			}

			_, err := c.Start(ctx, msg.InstanceID, msg.Input)

			return err
		},
		messages.DispatchForkPathMessage: func(ctx context.Context, raw any) error {
			msg, ok := raw.(*messages.DispatchForkPath)
			if !ok {
				return fmt.Errorf("unexpected payload %T for %s", raw, messages.DispatchForkPathMessage)
			}

			return c.HandleDispatchForkPath(ctx, msg)
		},
		messages.StepCompletedMessage: func(ctx context.Context, raw any) error {
			msg, ok := raw.(*messages.StepCompleted)
			if !ok {
				return fmt.Errorf("unexpected payload %T for %s", raw, messages.StepCompletedMessage)
			}

			return c.HandleStepCompleted(ctx, msg)
		},
		messages.StepFailedMessage: func(ctx context.Context, raw any) error {
			msg, ok := raw.(*messages.StepFailed)
			if !ok {
				return fmt.Errorf("unexpected payload %T for %s", raw, messages.StepFailedMessage)
			}

			return c.HandleStepFailed(ctx, msg)
		},
		messages.ApprovalDecidedMessage: func(ctx context.Context, raw any) error {
			msg, ok := raw.(*messages.ApprovalDecided)
			if !ok {
				return fmt.Errorf("unexpected payload %T for %s", raw, messages.ApprovalDecidedMessage)
			}

			return c.HandleApprovalDecided(ctx, msg)
		},
		messages.ApprovalTimedOutMessage: func(ctx context.Context, raw any) error {
			msg, ok := raw.(*messages.ApprovalTimedOut)
			if !ok {
				return fmt.Errorf("unexpected payload %T for %s", raw, messages.ApprovalTimedOutMessage)
			}

			return c.HandleApprovalTimedOut(ctx, msg)
		},
		messages.CompensationCompletedMessage: func(ctx context.Context, raw any) error {
			msg, ok := raw.(*messages.CompensationCompleted)
			if !ok {
				return fmt.Errorf("unexpected payload %T for %s", raw, messages.CompensationCompletedMessage)
			}

			return c.HandleCompensationCompleted(ctx, msg)
		},
	}

	for messageType, handler := range handlers {
		if err := c.bus.Handle(messageType, handler); err != nil {
			return fmt.Errorf("failed to register handler for %s: %w", messageType, err)
		}
	}

	return nil
}

// Start creates an instance and dispatches the entry of the workflow. An
// existing instance with the same id is returned unchanged, making duplicate
// start messages harmless.
func (c *Coordinator) Start(ctx context.Context, instanceID string, input map[string]any) (*instance.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if instanceID == "" {
		instanceID = c.bus.GenerateID()
	}

	existing, err := c.store.Get(ctx, instanceID)
	if err == nil {
		return existing, nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	inst := instance.New(instanceID, c.model.Name, model.PhaseNotStarted, input)

	c.logger.InfoContext(ctx, "Starting workflow instance", "instance_id", inst.ID)

	if err := c.kickoff(ctx, inst); err != nil {
		return nil, err
	}

	inst.Touch()

	if err := c.store.Save(ctx, inst); err != nil {
		return nil, err
	}

	return inst, nil
}

// kickoff performs the initial dispatch: an approval gate before the entry
// step, a fork with no preceding step, or the entry step itself.
func (c *Coordinator) kickoff(ctx context.Context, inst *instance.Instance) error {
	if ap := c.approvalAfter(""); ap != nil && !inst.ApprovalsPassed[ap.Name] {
		return c.requestApproval(ctx, inst, ap)
	}

	if fork, ok := c.forkAfter(""); ok {
		return c.enterFork(ctx, inst, fork)
	}

	entry, ok := c.model.Step(c.model.EntryStep)
	if !ok {
		return fmt.Errorf("workflow %s: entry step %s not found", c.model.Name, c.model.EntryStep)
	}

	return c.dispatchMain(ctx, inst, entry)
}

// withInstance loads, mutates and saves one instance under the coordinator
// lock. Unknown instances and terminal instances are no-ops: the message is
// stale and must be acked, not redelivered.
func (c *Coordinator) withInstance(ctx context.Context, instanceID string, apply func(*instance.Instance) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, err := c.store.Get(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.logger.WarnContext(ctx, "Message for unknown instance dropped", "instance_id", instanceID)

			return nil
		}

		return err
	}

	if inst.Terminal() {
		return nil
	}

	if err := apply(inst); err != nil {
		return err
	}

	inst.Touch()

	return c.store.Save(ctx, inst)
}

// publishExecuteStep sends the command that makes a worker run one step.
// The phase travels with the command and is echoed back in the completion
// event, which is what makes duplicate completions detectable.
func (c *Coordinator) publishExecuteStep(ctx context.Context, inst *instance.Instance, stepName, implementation, phase string, state map[string]any) error {
	msg := messages.ExecuteStep{
		BaseMessage:    messages.NewBaseMessage(messages.ExecuteStepMessage, inst.WorkflowName, inst.ID),
		StepName:       stepName,
		Implementation: implementation,
		Phase:          phase,
		State:          state,
	}

	return c.bus.Publish(ctx, inst.ID, msg)
}

// dispatchMain moves the instance into a step's phase and dispatches it.
func (c *Coordinator) dispatchMain(ctx context.Context, inst *instance.Instance, step model.StepModel) error {
	inst.Phase = step.PhaseName

	c.logger.DebugContext(ctx, "Dispatching step",
		"instance_id", inst.ID, "step", step.Name, "phase", step.PhaseName)

	return c.publishExecuteStep(ctx, inst, step.Name, step.Implementation, step.PhaseName, inst.State)
}

// complete finishes the instance successfully.
func (c *Coordinator) complete(ctx context.Context, inst *instance.Instance) error {
	inst.Status = instance.StatusCompleted
	inst.Phase = model.PhaseCompleted

	c.logger.InfoContext(ctx, "Workflow instance completed", "instance_id", inst.ID)

	msg := messages.WorkflowCompleted{
		BaseMessage: messages.NewBaseMessage(messages.WorkflowCompletedMessage, inst.WorkflowName, inst.ID),
		FinalState:  inst.State,
		DurationMs:  time.Since(inst.CreatedAt).Milliseconds(),
	}

	return c.bus.Publish(ctx, inst.ID, msg)
}

// terminateFailed finishes the instance in the Failed phase.
func (c *Coordinator) terminateFailed(ctx context.Context, inst *instance.Instance, failedStep, errorType, errorMessage string) error {
	inst.Status = instance.StatusFailed
	inst.Phase = model.PhaseFailed

	c.logger.WarnContext(ctx, "Workflow instance failed",
		"instance_id", inst.ID, "failed_step", failedStep, "error_type", errorType)

	msg := messages.WorkflowFailed{
		BaseMessage:  messages.NewBaseMessage(messages.WorkflowFailedMessage, inst.WorkflowName, inst.ID),
		FailedStep:   failedStep,
		ErrorType:    errorType,
		ErrorMessage: errorMessage,
		DurationMs:   time.Since(inst.CreatedAt).Milliseconds(),
	}

	return c.bus.Publish(ctx, inst.ID, msg)
}

// stepForPhase resolves the step executing in a given phase. Join steps run
// in their fork's Joining phase rather than a phase of their own name.
func (c *Coordinator) stepForPhase(phase string) (model.StepModel, bool) {
	for _, f := range c.model.Forks {
		if f.JoiningPhase == phase {
			return c.model.Step(f.JoinStep)
		}
	}

	for _, s := range c.model.Steps {
		if s.PhaseName == phase {
			return s, true
		}
	}

	return model.StepModel{}, false
}

// approvalAfter returns the top-level approval gated on the given step, or
// nil. The empty step name matches an approval guarding the workflow entry.
func (c *Coordinator) approvalAfter(stepName string) *model.ApprovalModel {
	for i := range c.model.Approvals {
		if c.model.Approvals[i].PrecedingStep == stepName {
			return &c.model.Approvals[i]
		}
	}

	return nil
}

// rootApproval returns the top-level approval whose escalation chain
// contains the named approval.
func (c *Coordinator) rootApproval(name string) *model.ApprovalModel {
	for i := range c.model.Approvals {
		for a := &c.model.Approvals[i]; a != nil; a = a.NestedEscalation {
			if a.Name == name {
				return &c.model.Approvals[i]
			}
		}
	}

	return nil
}

// forkAfter returns the fork entered when the given step completes.
func (c *Coordinator) forkAfter(stepName string) (model.ForkModel, bool) {
	for _, f := range c.model.Forks {
		if f.PreviousStep == stepName {
			return f, true
		}
	}

	return model.ForkModel{}, false
}

// branchAfter returns the branch evaluated when the given step completes.
// Branches attached to a loop exit are excluded: those are evaluated by the
// loop boundary, not by the completion of the step before the loop.
func (c *Coordinator) branchAfter(stepName string) (model.BranchModel, bool) {
	for _, b := range c.model.Branches {
		if b.PreviousStep != stepName {
			continue
		}

		if c.isExitBranch(b.ID) {
			continue
		}

		return b, true
	}

	return model.BranchModel{}, false
}

func (c *Coordinator) isExitBranch(branchID string) bool {
	for _, l := range c.model.Loops {
		if l.BranchOnExit == branchID {
			return true
		}
	}

	return false
}

// stepInPath resolves a step by name inside one fork path.
func (c *Coordinator) stepInPath(forkID string, pathIndex int, name string) (model.StepModel, bool) {
	for _, s := range c.model.Steps {
		if s.ForkID == forkID && s.PathIndex == pathIndex && s.Name == name {
			return s, true
		}
	}

	return model.StepModel{}, false
}

// findStepHandler returns the step-scoped failure handler matching the
// failed step and error type. A handler with an empty error type catches
// everything; a typed handler wins over a catch-all.
func (c *Coordinator) findStepHandler(stepName, errorType string) (model.FailureHandlerModel, bool) {
	var (
		catchAll model.FailureHandlerModel
		found    bool
	)

	for _, h := range c.model.Handlers {
		if h.Scope != dsl.HandlerScopeStep || h.TriggerStep != stepName {
			continue
		}

		if h.ErrorType == errorType && errorType != "" {
			return h, true
		}

		if h.ErrorType == "" {
			catchAll = h
			found = true
		}
	}

	return catchAll, found
}
