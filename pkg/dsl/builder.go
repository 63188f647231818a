package dsl

import (
	"github.com/phasor-io/phasor/pkg/ident"
)

type scopeKind int

const (
	scopeRoot scopeKind = iota
	scopeLoop
	scopeBranch // container only, accepts no direct steps
	scopeCase
	scopeFork // container only, accepts no direct steps
	scopePath
	scopeHandler
)

// scope is one level of the structural context stack. Nested constructs
// inherit their enclosing loop/branch/fork tags from the stack.
type scope struct {
	kind scopeKind

	loop       *Loop
	branch     *Branch
	branchCase *BranchCase
	fork       *Fork
	path       *ForkPath
	handler    *FailureHandler

	names     map[string]struct{}
	lastStep  string
	lastInner string // last step declared anywhere inside this scope

	// constructs closed in this scope that still await their follow-up step
	pendingLoops    []*Loop
	pendingBranches []*Branch
	pendingForks    []*Fork
}

// Builder records a workflow declaration as a linear call sequence and
// extracts the structural graph in a single walk. The first malformed call
// poisons the builder; every later call is a no-op and Build returns the
// recorded error.
type Builder struct {
	graph *Graph
	stack []*scope
	last  *Step // most recently declared main-flow step, for Validate/Compensate
	err   error
}

// NewWorkflow starts a declaration for the named workflow.
func NewWorkflow(name, namespace, version string) *Builder {
	b := &Builder{
		graph: &Graph{Name: name, Namespace: namespace, Version: version},
		stack: []*scope{{kind: scopeRoot, names: make(map[string]struct{})}},
	}

	if err := ident.ValidateIdentifier(name, "workflowName"); err != nil {
		b.fail(err)
	}

	return b
}

func (b *Builder) fail(err error) *Builder {
	if b.err == nil {
		b.err = err
	}

	return b
}

func (b *Builder) top() *scope {
	return b.stack[len(b.stack)-1]
}

func (b *Builder) push(s *scope) {
	s.names = make(map[string]struct{})
	b.stack = append(b.stack, s)
}

func (b *Builder) pop() *scope {
	s := b.top()
	b.stack = b.stack[:len(b.stack)-1]

	return s
}

// insideForkPath reports whether any enclosing scope is a fork path. A path
// carries a flat step list, so nothing structured can run inside one.
func (b *Builder) insideForkPath() bool {
	for i := len(b.stack) - 1; i >= 0; i-- {
		if b.stack[i].kind == scopePath {
			return true
		}
	}

	return false
}

// innermostLoop walks the stack for the nearest enclosing loop name.
func (b *Builder) innermostLoop() string {
	for i := len(b.stack) - 1; i >= 0; i-- {
		if b.stack[i].kind == scopeLoop {
			return b.stack[i].loop.Name
		}
	}

	return ""
}

// enclosing returns the innermost enclosing branch-case and fork-path tags.
func (b *Builder) enclosing() (branchID, caseValue, forkID string, pathIndex int) {
	pathIndex = -1

	for i := len(b.stack) - 1; i >= 0; i-- {
		s := b.stack[i]
		switch s.kind {
		case scopeCase:
			if branchID == "" {
				branchID = s.branch.ID
				caseValue = s.branchCase.Value
			}
		case scopePath:
			if forkID == "" {
				forkID = s.fork.ID
				pathIndex = s.path.Index
			}
		}
	}

	return branchID, caseValue, forkID, pathIndex
}

// resolvePending wires constructs closed in the current scope to the step
// that follows them: loop continuation, branch rejoin, fork join.
func (b *Builder) resolvePending(stepName string) {
	s := b.top()

	for _, l := range s.pendingLoops {
		l.ContinuationStep = stepName
	}

	for _, br := range s.pendingBranches {
		br.RejoinStep = stepName
	}

	for _, f := range s.pendingForks {
		f.JoinStep = stepName
	}

	s.pendingLoops = nil
	s.pendingBranches = nil
	s.pendingForks = nil
}

// Step declares the next step of the current scope.
func (b *Builder) Step(name, implementation string) *Builder {
	return b.StepAs(name, implementation, "")
}

// StepAs declares a step with an explicit instance name, disambiguating
// repeated use of the same implementation type.
func (b *Builder) StepAs(name, implementation, instanceName string) *Builder {
	if b.err != nil {
		return b
	}

	if err := ident.ValidateIdentifier(name, "stepName"); err != nil {
		return b.fail(err)
	}

	if err := ident.ValidateIdentifier(implementation, "implementation"); err != nil {
		return b.fail(err)
	}

	s := b.top()

	switch s.kind {
	case scopeBranch:
		return b.fail(structural(s.branch.ID, "step %q declared in branch %q outside any case", name, s.branch.ID))
	case scopeFork:
		return b.fail(structural(s.fork.ID, "step %q declared in fork %q outside any path", name, s.fork.ID))
	case scopeHandler:
		s.handler.Steps = append(s.handler.Steps, SubStep{Name: name, Implementation: implementation})

		return b
	}

	if _, dup := s.names[name]; dup {
		return b.fail(structural(name, "duplicate step name in one scope"))
	}

	if s.kind == scopePath {
		// the same name in two sibling paths would collide at the join
		for _, sibling := range s.fork.Paths {
			for _, existing := range sibling.Steps {
				if existing == name {
					return b.fail(structural(s.fork.ID, "step %q appears in two paths of fork %q", name, s.fork.ID))
				}
			}
		}
	}

	s.names[name] = struct{}{}

	branchID, caseValue, forkID, pathIndex := b.enclosing()
	step := &Step{
		Name:           name,
		Implementation: implementation,
		InstanceName:   instanceName,
		LoopName:       b.innermostLoop(),
		BranchID:       branchID,
		CaseValue:      caseValue,
		ForkID:         forkID,
		PathIndex:      pathIndex,
	}

	b.graph.Steps = append(b.graph.Steps, step)
	b.last = step

	// a loop's first body step may live inside a nested construct, so every
	// enclosing loop that has not seen a step yet claims this one
	for _, enclosingScope := range b.stack {
		if enclosingScope.kind == scopeLoop && enclosingScope.loop.FirstBodyStep == "" {
			enclosingScope.loop.FirstBodyStep = name
		}

		enclosingScope.lastInner = name
	}

	b.resolvePending(name)
	s.lastStep = name

	switch s.kind {
	case scopeCase:
		s.branchCase.Steps = append(s.branchCase.Steps, name)
	case scopePath:
		s.path.Steps = append(s.path.Steps, name)
	}

	if b.graph.EntryStep == "" {
		b.graph.EntryStep = name
	}

	return b
}

// Validate attaches a guard predicate to the most recently declared step.
// The expression is evaluated against the state before the step executes.
func (b *Builder) Validate(expression, message string) *Builder {
	if b.err != nil {
		return b
	}

	if b.last == nil {
		return b.fail(structural(b.graph.Name, "Validate called before any step"))
	}

	if expression == "" {
		return b.fail(structural(b.last.Name, "empty validation expression"))
	}

	b.last.ValidationExpr = expression
	b.last.ValidationMessage = message

	return b
}

// Compensate pairs a rollback implementation with the most recently declared
// step, making it compensable on downstream failure.
func (b *Builder) Compensate(implementation string) *Builder {
	if b.err != nil {
		return b
	}

	if b.last == nil {
		return b.fail(structural(b.graph.Name, "Compensate called before any step"))
	}

	if err := ident.ValidateIdentifier(implementation, "compensation"); err != nil {
		return b.fail(err)
	}

	b.last.Compensation = implementation

	return b
}

// Loop opens a bounded repetition region. maxIterations is a hard ceiling;
// the exit condition is evaluated after the last body step of each pass.
func (b *Builder) Loop(name, exitCondition string, maxIterations int) *Builder {
	if b.err != nil {
		return b
	}

	if err := ident.ValidateIdentifier(name, "loopName"); err != nil {
		return b.fail(err)
	}

	if exitCondition == "" {
		return b.fail(structural(name, "loop has no exit condition"))
	}

	if b.insideForkPath() {
		return b.fail(structural(name, "loop %q cannot be declared inside a fork path", name))
	}

	loop := &Loop{
		Name:          name,
		ExitCondition: exitCondition,
		MaxIterations: maxIterations,
		ParentLoop:    b.innermostLoop(),
	}

	b.graph.Loops = append(b.graph.Loops, loop)
	b.push(&scope{kind: scopeLoop, loop: loop})

	return b
}

// EndLoop closes the innermost open loop.
func (b *Builder) EndLoop() *Builder {
	if b.err != nil {
		return b
	}

	if b.top().kind != scopeLoop {
		return b.fail(structural(b.graph.Name, "EndLoop without an open loop"))
	}

	s := b.pop()
	loop := s.loop

	if loop.FirstBodyStep == "" {
		return b.fail(structural(loop.Name, "loop body is empty"))
	}

	loop.LastBodyStep = s.lastStep
	if loop.LastBodyStep == "" {
		loop.LastBodyStep = s.lastInner
	}

	// constructs still pending inside the body exit into the loop boundary,
	// where the exit condition takes over
	b.top().pendingLoops = append(b.top().pendingLoops, loop)

	return b
}

// Branch opens a conditional routing point. The discriminator is a dotted
// property path into the state (or an expression for DiscriminatorComputed),
// evaluated exactly once against the preceding step's output.
func (b *Builder) Branch(id, discriminator string, kind DiscriminatorKind) *Builder {
	if b.err != nil {
		return b
	}

	if err := ident.ValidateIdentifier(id, "branchId"); err != nil {
		return b.fail(err)
	}

	if kind != DiscriminatorComputed {
		if err := ident.ValidatePropertyPath(discriminator, "discriminator"); err != nil {
			return b.fail(err)
		}
	} else if discriminator == "" {
		return b.fail(structural(id, "computed discriminator has no expression"))
	}

	if b.insideForkPath() {
		return b.fail(structural(id, "branch %q cannot be declared inside a fork path", id))
	}

	branch := &Branch{
		ID:                id,
		PreviousStep:      b.top().lastStep,
		Discriminator:     discriminator,
		DiscriminatorKind: kind,
	}

	// a branch declared immediately after a loop closes consumes the loop
	// exit: routing happens on the discriminator instead of a continuation
	// step
	if pending := b.top().pendingLoops; len(pending) > 0 {
		pending[len(pending)-1].BranchOnExit = id
		b.top().pendingLoops = nil
	}

	b.graph.Branches = append(b.graph.Branches, branch)
	b.push(&scope{kind: scopeBranch, branch: branch})

	return b
}

// Case opens the next alternative of the open branch.
func (b *Builder) Case(value string) *Builder {
	return b.caseScope(value, false)
}

// Otherwise opens the branch's fallback case, matched when no declared case
// value matches the discriminator.
func (b *Builder) Otherwise() *Builder {
	return b.caseScope(OtherwiseValue, true)
}

func (b *Builder) caseScope(value string, otherwise bool) *Builder {
	if b.err != nil {
		return b
	}

	if b.top().kind == scopeCase {
		b.pop()
	}

	s := b.top()
	if s.kind != scopeBranch {
		return b.fail(structural(b.graph.Name, "Case outside a branch"))
	}

	if !otherwise && value == "" {
		return b.fail(structural(s.branch.ID, "branch case has empty value"))
	}

	for _, c := range s.branch.Cases {
		if c.Value == value {
			return b.fail(structural(s.branch.ID, "duplicate case value %q", value))
		}
	}

	branchCase := &BranchCase{Value: value, IsOtherwise: otherwise}
	s.branch.Cases = append(s.branch.Cases, branchCase)
	b.push(&scope{kind: scopeCase, branch: s.branch, branchCase: branchCase})

	return b
}

// Terminal marks the current branch case or failure handler as ending the
// workflow instance.
func (b *Builder) Terminal() *Builder {
	if b.err != nil {
		return b
	}

	switch s := b.top(); s.kind {
	case scopeCase:
		s.branchCase.Terminal = true
	case scopeHandler:
		s.handler.Terminal = true
	default:
		return b.fail(structural(b.graph.Name, "Terminal outside a branch case or failure handler"))
	}

	return b
}

// EndBranch closes the open branch. The next step declared in the enclosing
// scope becomes the rejoin step for every non-terminal case.
func (b *Builder) EndBranch() *Builder {
	if b.err != nil {
		return b
	}

	if b.top().kind == scopeCase {
		b.pop()
	}

	if b.top().kind != scopeBranch {
		return b.fail(structural(b.graph.Name, "EndBranch without an open branch"))
	}

	s := b.pop()
	if len(s.branch.Cases) == 0 {
		return b.fail(structural(s.branch.ID, "branch has no cases"))
	}

	b.top().pendingBranches = append(b.top().pendingBranches, s.branch)

	return b
}

// Fork opens a parallel split. At least two paths must be declared.
func (b *Builder) Fork(id string) *Builder {
	if b.err != nil {
		return b
	}

	if err := ident.ValidateIdentifier(id, "forkId"); err != nil {
		return b.fail(err)
	}

	if b.insideForkPath() {
		return b.fail(structural(id, "fork %q cannot be nested inside a fork path", id))
	}

	fork := &Fork{ID: id, PreviousStep: b.top().lastStep}
	b.graph.Forks = append(b.graph.Forks, fork)
	b.push(&scope{kind: scopeFork, fork: fork})

	return b
}

// Path opens the next parallel path of the open fork.
func (b *Builder) Path() *Builder {
	if b.err != nil {
		return b
	}

	if b.top().kind == scopePath {
		b.popPath()
	}

	s := b.top()
	if s.kind != scopeFork {
		return b.fail(structural(b.graph.Name, "Path outside a fork"))
	}

	path := &ForkPath{Index: len(s.fork.Paths), TerminalOnFailure: true}
	s.fork.Paths = append(s.fork.Paths, path)
	b.push(&scope{kind: scopePath, fork: s.fork, path: path})

	return b
}

func (b *Builder) popPath() {
	s := b.pop()
	if len(s.path.Steps) == 0 {
		b.fail(structural(s.fork.ID, "fork path %d has no steps", s.path.Index))
	}
}

// TolerateFailure marks the current fork path as non-fatal: its failure is
// recorded but does not fail the whole fork.
func (b *Builder) TolerateFailure() *Builder {
	if b.err != nil {
		return b
	}

	s := b.top()
	if s.kind != scopePath {
		return b.fail(structural(b.graph.Name, "TolerateFailure outside a fork path"))
	}

	s.path.TerminalOnFailure = false

	return b
}

// OnPathFailure attaches a per-path failure handler implementation to the
// current fork path.
func (b *Builder) OnPathFailure(implementation string) *Builder {
	if b.err != nil {
		return b
	}

	s := b.top()
	if s.kind != scopePath {
		return b.fail(structural(b.graph.Name, "OnPathFailure outside a fork path"))
	}

	if err := ident.ValidateIdentifier(implementation, "pathFailureHandler"); err != nil {
		return b.fail(err)
	}

	s.path.FailureHandlerStep = implementation

	return b
}

// EndFork closes the open fork. The next step declared in the enclosing
// scope becomes the join step.
func (b *Builder) EndFork() *Builder {
	if b.err != nil {
		return b
	}

	if b.top().kind == scopePath {
		b.popPath()
	}

	if b.err != nil {
		return b
	}

	if b.top().kind != scopeFork {
		return b.fail(structural(b.graph.Name, "EndFork without an open fork"))
	}

	s := b.pop()
	if len(s.fork.Paths) < 2 {
		return b.fail(structural(s.fork.ID, "fork has %d path(s), need at least 2", len(s.fork.Paths)))
	}

	b.top().pendingForks = append(b.top().pendingForks, s.fork)

	return b
}

// ApprovalOption configures an approval point.
type ApprovalOption func(*Approval)

// WithInstructions sets the human-readable instructions surfaced with the
// approval request.
func WithInstructions(instructions string) ApprovalOption {
	return func(a *Approval) { a.Instructions = instructions }
}

// WithEscalationStep appends a step run when the approval times out.
func WithEscalationStep(name, implementation string) ApprovalOption {
	return func(a *Approval) {
		a.EscalationSteps = append(a.EscalationSteps, SubStep{Name: name, Implementation: implementation})
	}
}

// WithRejectionStep appends a step run when the approval is rejected.
func WithRejectionStep(name, implementation string) ApprovalOption {
	return func(a *Approval) {
		a.RejectionSteps = append(a.RejectionSteps, SubStep{Name: name, Implementation: implementation})
	}
}

// WithNestedEscalation routes a timed-out approval into a re-approval at the
// next approver level, recursively re-entering the approval lifecycle.
func WithNestedEscalation(name, approverType string, opts ...ApprovalOption) ApprovalOption {
	return func(a *Approval) {
		nested := &Approval{Name: name, ApproverType: approverType}
		for _, opt := range opts {
			opt(nested)
		}

		a.NestedEscalation = nested
	}
}

// EscalationTerminal ends the instance when the approval times out.
func EscalationTerminal() ApprovalOption {
	return func(a *Approval) { a.EscalationTerminal = true }
}

// RejectionTerminal ends the instance when the approval is rejected.
func RejectionTerminal() ApprovalOption {
	return func(a *Approval) { a.RejectionTerminal = true }
}

// Approval declares a human decision point after the most recently declared
// step. The instance suspends until an external decision arrives.
func (b *Builder) Approval(name, approverType string, opts ...ApprovalOption) *Builder {
	if b.err != nil {
		return b
	}

	if err := ident.ValidateIdentifier(name, "approvalName"); err != nil {
		return b.fail(err)
	}

	if err := ident.ValidateIdentifier(approverType, "approverType"); err != nil {
		return b.fail(err)
	}

	if b.insideForkPath() {
		return b.fail(structural(name, "approval %q cannot be declared inside a fork path", name))
	}

	approval := &Approval{
		Name:          name,
		ApproverType:  approverType,
		PrecedingStep: b.top().lastStep,
	}

	for _, opt := range opts {
		opt(approval)
	}

	if approval.EscalationTerminal && (len(approval.EscalationSteps) > 0 || approval.NestedEscalation != nil) {
		return b.fail(structural(name, "terminal escalation cannot carry escalation steps"))
	}

	b.graph.Approvals = append(b.graph.Approvals, approval)

	return b
}

// OnFailure opens the workflow-scoped failure handler. Steps declared until
// EndOnFailure form the handler sequence.
func (b *Builder) OnFailure() *Builder {
	if b.err != nil {
		return b
	}

	if b.top().kind != scopeRoot {
		return b.fail(structural(b.graph.Name, "OnFailure must be declared at workflow scope"))
	}

	for _, h := range b.graph.Handlers {
		if h.Scope == HandlerScopeWorkflow {
			return b.fail(structural(b.graph.Name, "workflow already has a failure handler"))
		}
	}

	handler := &FailureHandler{ID: "workflow", Scope: HandlerScopeWorkflow}
	b.graph.Handlers = append(b.graph.Handlers, handler)
	b.push(&scope{kind: scopeHandler, handler: handler})

	return b
}

// OnStepFailure opens a failure handler triggered only by the named step.
// errorType optionally restricts the handler to failures of that type.
func (b *Builder) OnStepFailure(triggerStep, errorType string) *Builder {
	if b.err != nil {
		return b
	}

	if b.top().kind != scopeRoot {
		return b.fail(structural(b.graph.Name, "OnStepFailure must be declared at workflow scope"))
	}

	if err := ident.ValidateIdentifier(triggerStep, "triggerStep"); err != nil {
		return b.fail(err)
	}

	// typed and catch-all handlers for the same step coexist; the ID keys
	// on both so only a true duplicate collides
	id := "on_" + triggerStep
	if errorType != "" {
		id += "_" + errorType
	}

	handler := &FailureHandler{
		ID:          id,
		Scope:       HandlerScopeStep,
		TriggerStep: triggerStep,
		ErrorType:   errorType,
	}

	for _, h := range b.graph.Handlers {
		if h.ID == handler.ID {
			return b.fail(structural(triggerStep, "step already has a failure handler for this error type"))
		}
	}

	b.graph.Handlers = append(b.graph.Handlers, handler)
	b.push(&scope{kind: scopeHandler, handler: handler})

	return b
}

// EndOnFailure closes the open failure handler.
func (b *Builder) EndOnFailure() *Builder {
	if b.err != nil {
		return b
	}

	if b.top().kind != scopeHandler {
		return b.fail(structural(b.graph.Name, "EndOnFailure without an open failure handler"))
	}

	s := b.pop()
	if len(s.handler.Steps) == 0 {
		return b.fail(structural(s.handler.ID, "failure handler has no steps"))
	}

	return b
}

// Build finishes extraction and returns the graph, or the first structural
// error recorded during declaration.
func (b *Builder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}

	if len(b.stack) != 1 {
		s := b.top()
		switch s.kind {
		case scopeLoop:
			return nil, structural(s.loop.Name, "loop is never closed")
		case scopeBranch, scopeCase:
			return nil, structural(s.branch.ID, "branch is never closed")
		case scopeFork, scopePath:
			return nil, structural(s.fork.ID, "fork is never closed")
		case scopeHandler:
			return nil, structural(s.handler.ID, "failure handler is never closed")
		default:
			return nil, structural(b.graph.Name, "unclosed construct at end of declaration")
		}
	}

	b.graph.ExitStep = b.top().lastStep

	return b.graph, nil
}
