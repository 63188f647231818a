package saga

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/phasor-io/phasor/pkg/condition"
	"github.com/phasor-io/phasor/pkg/dsl"
	"github.com/phasor-io/phasor/pkg/instance"
	"github.com/phasor-io/phasor/pkg/messages"
	"github.com/phasor-io/phasor/pkg/model"
)

// HandleStepCompleted applies a step completion. A completion whose phase
// does not match what the saga currently expects is a duplicate or a stale
// redelivery and is dropped without effect.
func (c *Coordinator) HandleStepCompleted(ctx context.Context, msg *messages.StepCompleted) error {
	return c.withInstance(ctx, msg.InstanceID, func(inst *instance.Instance) error {
		if inst.Sequence != nil {
			return c.advanceSequence(ctx, inst, msg)
		}

		if handled, err := c.advanceForkPath(ctx, inst, msg); handled || err != nil {
			return err
		}

		if inst.Status != instance.StatusRunning || msg.Phase != inst.Phase {
			c.logger.DebugContext(ctx, "Dropping non-matching step completion",
				"instance_id", inst.ID, "message_phase", msg.Phase, "current_phase", inst.Phase)

			return nil
		}

		step, ok := c.stepForPhase(msg.Phase)
		if !ok {
			return nil
		}

		inst.MergeState(msg.Output)

		if step.Compensable() {
			inst.Compensations = append(inst.Compensations, instance.CompensationEntry{
				StepName:       step.Name,
				Implementation: step.Compensation,
			})
		}

		return c.afterStep(ctx, inst, step)
	})
}

// afterStep computes and performs the transition out of a completed step.
// Order matters: approval gates and structural entries attached to the step
// come before in-construct sequencing.
func (c *Coordinator) afterStep(ctx context.Context, inst *instance.Instance, step model.StepModel) error {
	if ap := c.approvalAfter(step.Name); ap != nil && !inst.ApprovalsPassed[ap.Name] {
		return c.requestApproval(ctx, inst, ap)
	}

	if fork, ok := c.forkAfter(step.Name); ok {
		return c.enterFork(ctx, inst, fork)
	}

	if branch, ok := c.branchAfter(step.Name); ok {
		return c.routeBranch(ctx, inst, branch)
	}

	if step.BranchID != "" {
		return c.advanceInCase(ctx, inst, step)
	}

	if step.LoopName != "" {
		if loop, ok := c.model.Loop(step.LoopName); ok && loop.LastBodyStep == step.Name {
			return c.loopBoundary(ctx, inst, loop, step.Name)
		}
	}

	return c.advanceLinear(ctx, inst, step)
}

// advanceLinear dispatches the next step in declaration order. Branch-case
// and fork-path steps are skipped: those regions are only entered through
// routing or a fork split.
func (c *Coordinator) advanceLinear(ctx context.Context, inst *instance.Instance, step model.StepModel) error {
	position := -1

	for i, s := range c.model.Steps {
		if s.PhaseName == step.PhaseName {
			position = i

			break
		}
	}

	for i := position + 1; position >= 0 && i < len(c.model.Steps); i++ {
		next := c.model.Steps[i]
		if next.BranchID != "" || next.ForkID != "" {
			continue
		}

		return c.dispatchMain(ctx, inst, next)
	}

	return c.complete(ctx, inst)
}

// advanceInCase sequences steps inside a branch case and handles the case
// tail: terminal cases finish the instance, otherwise control rejoins the
// main flow or falls out to an enclosing loop boundary.
func (c *Coordinator) advanceInCase(ctx context.Context, inst *instance.Instance, step model.StepModel) error {
	branch, ok := c.model.Branch(step.BranchID)
	if !ok {
		return fmt.Errorf("instance %s: step %s references unknown branch %s", inst.ID, step.Name, step.BranchID)
	}

	branchCase, ok := caseForValue(branch, step.CaseValue)
	if !ok {
		return fmt.Errorf("instance %s: step %s references unknown case %s of branch %s",
			inst.ID, step.Name, step.CaseValue, step.BranchID)
	}

	index := slices.Index(branchCase.Steps, step.Name)
	if index >= 0 && index+1 < len(branchCase.Steps) {
		next, ok := c.model.StepInCase(branchCase.Steps[index+1], branch.ID, step.CaseValue)
		if !ok {
			return fmt.Errorf("instance %s: case step %s not found", inst.ID, branchCase.Steps[index+1])
		}

		return c.dispatchMain(ctx, inst, next)
	}

	return c.leaveCase(ctx, inst, branch, *branchCase, step)
}

// leaveCase handles the end of a branch case.
func (c *Coordinator) leaveCase(ctx context.Context, inst *instance.Instance, branch model.BranchModel, branchCase model.BranchCaseModel, step model.StepModel) error {
	if branchCase.Terminal {
		return c.complete(ctx, inst)
	}

	if branch.RejoinStep != "" {
		rejoin, ok := c.model.Step(branch.RejoinStep)
		if !ok {
			return fmt.Errorf("instance %s: rejoin step %s not found", inst.ID, branch.RejoinStep)
		}

		return c.dispatchMain(ctx, inst, rejoin)
	}

	if step.LoopName != "" {
		if loop, ok := c.model.Loop(step.LoopName); ok {
			return c.loopBoundary(ctx, inst, loop, step.Name)
		}
	}

	return c.complete(ctx, inst)
}

func caseForValue(branch model.BranchModel, caseValue string) (*model.BranchCaseModel, bool) {
	for i, branchCase := range branch.Cases {
		if branchCase.IsOtherwise {
			if caseValue == dsl.OtherwiseValue {
				return &branch.Cases[i], true
			}

			continue
		}

		if branchCase.Value.Raw == caseValue {
			return &branch.Cases[i], true
		}
	}

	return nil, false
}

// loopBoundary is reached when the last body step of a loop completes. The
// exit condition is evaluated against the current state; the iteration
// ceiling forces an exit regardless of the condition.
func (c *Coordinator) loopBoundary(ctx context.Context, inst *instance.Instance, loop model.LoopModel, fromStep string) error {
	completed := inst.LoopCounters[loop.Name] + 1
	inst.LoopCounters[loop.Name] = completed

	exit := completed >= loop.MaxIterations

	if !exit {
		conditionMet, err := c.eval.EvalBool(loop.ExitCondition, inst.State)
		if err != nil {
			return c.fail(ctx, inst, fromStep, inst.Phase, "ConditionError", err.Error())
		}

		exit = conditionMet
	}

	c.logger.DebugContext(ctx, "Loop boundary",
		"instance_id", inst.ID, "loop", loop.Name, "iteration", completed, "exit", exit)

	if !exit {
		c.resetNestedCounters(inst, loop.Name)

		first, ok := c.model.Step(loop.FirstBodyStep)
		if !ok {
			return fmt.Errorf("instance %s: loop %s first body step %s not found", inst.ID, loop.Name, loop.FirstBodyStep)
		}

		return c.dispatchMain(ctx, inst, first)
	}

	if loop.BranchOnExit != "" {
		branch, ok := c.model.Branch(loop.BranchOnExit)
		if !ok {
			return fmt.Errorf("instance %s: loop %s exit branch %s not found", inst.ID, loop.Name, loop.BranchOnExit)
		}

		return c.routeBranch(ctx, inst, branch)
	}

	if loop.ContinuationStep != "" {
		next, ok := c.model.Step(loop.ContinuationStep)
		if !ok {
			return fmt.Errorf("instance %s: loop %s continuation step %s not found", inst.ID, loop.Name, loop.ContinuationStep)
		}

		return c.dispatchMain(ctx, inst, next)
	}

	// a loop ending at its parent's tail cascades the boundary outward
	if loop.ParentLoop != "" {
		if parent, ok := c.model.Loop(loop.ParentLoop); ok && parent.LastBodyStep == fromStep {
			return c.loopBoundary(ctx, inst, parent, fromStep)
		}
	}

	return c.complete(ctx, inst)
}

// resetNestedCounters zeroes the counters of loops nested inside the given
// loop so each outer iteration gets a fresh inner budget.
func (c *Coordinator) resetNestedCounters(inst *instance.Instance, loopName string) {
	for _, l := range c.model.Loops {
		for parent := l.ParentLoop; parent != ""; {
			if parent == loopName {
				inst.LoopCounters[l.Name] = 0

				break
			}

			p, ok := c.model.Loop(parent)
			if !ok {
				break
			}

			parent = p.ParentLoop
		}
	}
}

// routeBranch resolves the discriminator exactly once and dispatches the
// selected case. A value matching no case with no otherwise declared is
// always fatal.
func (c *Coordinator) routeBranch(ctx context.Context, inst *instance.Instance, branch model.BranchModel) error {
	value, err := c.discriminate(branch, inst.State)
	if err != nil {
		return c.fail(ctx, inst, branch.ID, inst.Phase, "DiscriminatorError", err.Error())
	}

	var selected *model.BranchCaseModel

	for i := range branch.Cases {
		if !branch.Cases[i].IsOtherwise && branch.Cases[i].Value.Matches(value) {
			selected = &branch.Cases[i]

			break
		}
	}

	if selected == nil {
		for i := range branch.Cases {
			if branch.Cases[i].IsOtherwise {
				selected = &branch.Cases[i]

				break
			}
		}
	}

	if selected == nil {
		unmatched := &UnmatchedBranchError{
			BranchID:      branch.ID,
			Discriminator: branch.Discriminator,
			Value:         value,
		}

		return c.fail(ctx, inst, branch.ID, inst.Phase, "UnmatchedBranch", unmatched.Error())
	}

	c.logger.DebugContext(ctx, "Branch routed",
		"instance_id", inst.ID, "branch", branch.ID, "value", value, "otherwise", selected.IsOtherwise)

	caseValue := selected.Value.Raw
	if selected.IsOtherwise {
		caseValue = dsl.OtherwiseValue
	}

	if len(selected.Steps) == 0 {
		if selected.Terminal {
			return c.complete(ctx, inst)
		}

		if branch.RejoinStep != "" {
			rejoin, ok := c.model.Step(branch.RejoinStep)
			if !ok {
				return fmt.Errorf("instance %s: rejoin step %s not found", inst.ID, branch.RejoinStep)
			}

			return c.dispatchMain(ctx, inst, rejoin)
		}

		return c.complete(ctx, inst)
	}

	first, ok := c.model.StepInCase(selected.Steps[0], branch.ID, caseValue)
	if !ok {
		return fmt.Errorf("instance %s: case step %s not found", inst.ID, selected.Steps[0])
	}

	return c.dispatchMain(ctx, inst, first)
}

// discriminate produces the branch's routing value: a dotted path lookup for
// declared discriminators, an expression for computed ones. A missing path
// is an error so routing never defaults silently.
func (c *Coordinator) discriminate(branch model.BranchModel, state map[string]any) (any, error) {
	if branch.DiscriminatorKind == dsl.DiscriminatorComputed {
		return c.eval.Eval(branch.Discriminator, state)
	}

	value, ok := condition.ResolvePath(state, branch.Discriminator)
	if !ok {
		return nil, fmt.Errorf("discriminator path %s not present in state", branch.Discriminator)
	}

	return value, nil
}

// enterFork initializes per-path bookkeeping and dispatches every path. The
// instance stays in the Forking phase until all paths reach a terminal
// status.
func (c *Coordinator) enterFork(ctx context.Context, inst *instance.Instance, fork model.ForkModel) error {
	pathCount := len(fork.Paths)

	progress := &instance.ForkProgress{
		ForkID:        fork.ID,
		Statuses:      make([]instance.PathStatus, pathCount),
		CurrentPhases: make([]string, pathCount),
		PathStates:    make([]map[string]any, pathCount),
		Tolerated:     make([]bool, pathCount),
		Recovering:    make([]bool, pathCount),
	}

	for i, path := range fork.Paths {
		first, ok := c.stepInPath(fork.ID, i, path.Steps[0])
		if !ok {
			return fmt.Errorf("instance %s: fork %s path %d first step %s not found",
				inst.ID, fork.ID, i, path.Steps[0])
		}

		progress.Statuses[i] = instance.PathRunning
		progress.CurrentPhases[i] = first.PhaseName
		progress.PathStates[i] = make(map[string]any)
	}

	inst.Forks[fork.ID] = progress
	inst.Phase = fork.ForkingPhase

	c.logger.InfoContext(ctx, "Entering fork",
		"instance_id", inst.ID, "fork", fork.ID, "paths", pathCount)

	for i, path := range fork.Paths {
		msg := messages.DispatchForkPath{
			BaseMessage: messages.NewBaseMessage(messages.DispatchForkPathMessage, inst.WorkflowName, inst.ID),
			ForkID:      fork.ID,
			PathIndex:   i,
			FirstStep:   path.Steps[0],
			State:       inst.State,
		}

		if err := c.bus.Publish(ctx, inst.ID, msg); err != nil {
			return err
		}
	}

	return nil
}

// HandleDispatchForkPath turns a path dispatch into the execute command for
// the path's first step. Redeliveries for a path that already advanced are
// dropped.
func (c *Coordinator) HandleDispatchForkPath(ctx context.Context, msg *messages.DispatchForkPath) error {
	return c.withInstance(ctx, msg.InstanceID, func(inst *instance.Instance) error {
		progress, exists := inst.Forks[msg.ForkID]
		if !exists || progress.JoinFired {
			return nil
		}

		if msg.PathIndex < 0 || msg.PathIndex >= len(progress.Statuses) {
			return nil
		}

		if progress.Statuses[msg.PathIndex] != instance.PathRunning {
			return nil
		}

		first, ok := c.stepInPath(msg.ForkID, msg.PathIndex, msg.FirstStep)
		if !ok || progress.CurrentPhases[msg.PathIndex] != first.PhaseName {
			return nil
		}

		return c.publishExecuteStep(ctx, inst, first.Name, first.Implementation, first.PhaseName,
			c.pathSnapshot(inst, progress, msg.PathIndex))
	})
}

// pathSnapshot is the state a fork path step sees: the shared snapshot taken
// at the split overlaid with the path's own accumulated output.
func (c *Coordinator) pathSnapshot(inst *instance.Instance, progress *instance.ForkProgress, pathIndex int) map[string]any {
	snapshot := make(map[string]any, len(inst.State)+len(progress.PathStates[pathIndex]))

	for k, v := range inst.State {
		snapshot[k] = v
	}

	for k, v := range progress.PathStates[pathIndex] {
		snapshot[k] = v
	}

	return snapshot
}

// advanceForkPath applies a completion to an in-flight fork path. Returns
// true when the message belonged to a fork path, matched or not.
func (c *Coordinator) advanceForkPath(ctx context.Context, inst *instance.Instance, msg *messages.StepCompleted) (bool, error) {
	fork, progress, pathIndex := c.matchForkPhase(inst, msg.Phase)
	if progress == nil {
		return false, nil
	}

	// path output stays in the path's slot until the join merges it
	for k, v := range msg.Output {
		progress.PathStates[pathIndex][k] = v
	}

	if progress.Recovering[pathIndex] {
		progress.Statuses[pathIndex] = instance.PathFailed
		progress.Tolerated[pathIndex] = true
		progress.Recovering[pathIndex] = false
		progress.CurrentPhases[pathIndex] = ""

		return true, c.maybeJoin(ctx, inst, fork, progress)
	}

	step, ok := c.stepInPath(fork.ID, pathIndex, msg.StepName)
	if ok && step.Compensable() {
		inst.Compensations = append(inst.Compensations, instance.CompensationEntry{
			StepName:       step.Name,
			Implementation: step.Compensation,
		})
	}

	path := fork.Paths[pathIndex]

	index := slices.Index(path.Steps, msg.StepName)
	if index >= 0 && index+1 < len(path.Steps) {
		next, ok := c.stepInPath(fork.ID, pathIndex, path.Steps[index+1])
		if !ok {
			return true, fmt.Errorf("instance %s: fork %s path %d step %s not found",
				inst.ID, fork.ID, pathIndex, path.Steps[index+1])
		}

		progress.CurrentPhases[pathIndex] = next.PhaseName

		return true, c.publishExecuteStep(ctx, inst, next.Name, next.Implementation, next.PhaseName,
			c.pathSnapshot(inst, progress, pathIndex))
	}

	progress.Statuses[pathIndex] = instance.PathCompleted
	progress.CurrentPhases[pathIndex] = ""

	return true, c.maybeJoin(ctx, inst, fork, progress)
}

// matchForkPhase finds the in-flight fork path expecting the given phase.
func (c *Coordinator) matchForkPhase(inst *instance.Instance, phase string) (model.ForkModel, *instance.ForkProgress, int) {
	for forkID, progress := range inst.Forks {
		if progress.JoinFired {
			continue
		}

		fork, ok := c.model.Fork(forkID)
		if !ok {
			continue
		}

		for i, current := range progress.CurrentPhases {
			if progress.Statuses[i] == instance.PathRunning && current != "" && current == phase {
				return fork, progress, i
			}
		}
	}

	return model.ForkModel{}, nil, -1
}

// maybeJoin fires the join exactly once, when every path has reached a
// terminal status. Readiness is a pure function of the recorded statuses, so
// any completion order - including duplicates - produces a single firing.
func (c *Coordinator) maybeJoin(ctx context.Context, inst *instance.Instance, fork model.ForkModel, progress *instance.ForkProgress) error {
	if progress.JoinFired || !progress.Done() {
		return nil
	}

	if progress.FatalFailure() {
		progress.JoinFired = true

		return c.fail(ctx, inst, fork.ID, fork.ForkingPhase, "ForkPathFailed",
			fmt.Sprintf("fork %s: a path failed without tolerance", fork.ID))
	}

	progress.JoinFired = true

	// merge path slots in path order; later paths win on key collisions
	for _, pathState := range progress.PathStates {
		inst.MergeState(pathState)
	}

	join, ok := c.model.Step(fork.JoinStep)
	if !ok {
		return fmt.Errorf("instance %s: fork %s join step %s not found", inst.ID, fork.ID, fork.JoinStep)
	}

	inst.Phase = fork.JoiningPhase

	c.logger.InfoContext(ctx, "Fork join firing",
		"instance_id", inst.ID, "fork", fork.ID, "join_step", join.Name)

	return c.publishExecuteStep(ctx, inst, join.Name, join.Implementation, fork.JoiningPhase, inst.State)
}

// requestApproval suspends the instance on a fresh approval request.
func (c *Coordinator) requestApproval(ctx context.Context, inst *instance.Instance, ap *model.ApprovalModel) error {
	requestID := c.bus.GenerateID()
	deadline := time.Now().UTC().Add(c.approvalTimeout)

	inst.Status = instance.StatusSuspended
	inst.Phase = ap.PhaseName
	inst.Pending = &instance.PendingApproval{
		Name:      ap.Name,
		RequestID: requestID,
		Deadline:  deadline,
	}

	c.logger.InfoContext(ctx, "Requesting approval",
		"instance_id", inst.ID, "approval", ap.Name, "request_id", requestID)

	msg := messages.RequestApproval{
		BaseMessage:  messages.NewBaseMessage(messages.RequestApprovalMessage, inst.WorkflowName, inst.ID),
		ApprovalName: ap.Name,
		ApproverType: ap.ApproverType,
		Instructions: ap.Instructions,
		RequestID:    requestID,
		Deadline:     deadline,
	}

	return c.bus.Publish(ctx, inst.ID, msg)
}

// resumeAfterApproval continues the main flow past an approval gate. The
// gate is keyed by the root approval's preceding step; nested escalation
// approvals resume the same point.
func (c *Coordinator) resumeAfterApproval(ctx context.Context, inst *instance.Instance, root *model.ApprovalModel) error {
	inst.Status = instance.StatusRunning

	if root.PrecedingStep == "" {
		return c.kickoff(ctx, inst)
	}

	step, ok := c.model.Step(root.PrecedingStep)
	if !ok {
		return fmt.Errorf("instance %s: approval %s preceding step %s not found",
			inst.ID, root.Name, root.PrecedingStep)
	}

	return c.afterStep(ctx, inst, step)
}
