// Package instance holds the persistent bookkeeping for one running
// workflow: current phase, state snapshot, loop counters, fork progress,
// approval status and the compensation stack. The saga coordinator mutates
// instances; stores persist them.
package instance

import (
	"time"
)

// Status is the lifecycle of a workflow instance. Completed and Failed are
// terminal.
type Status string

const (
	StatusRunning      Status = "running"
	StatusSuspended    Status = "suspended"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// PathStatus tracks one fork path.
type PathStatus string

const (
	PathRunning   PathStatus = "running"
	PathCompleted PathStatus = "completed"
	PathFailed    PathStatus = "failed"
)

// ForkProgress records per-path progress while a fork is in flight. Each
// path accumulates output in its own slot; slots are merged into the main
// state only when the join fires.
type ForkProgress struct {
	ForkID        string           `json:"fork_id"`
	Statuses      []PathStatus     `json:"statuses"`
	CurrentPhases []string         `json:"current_phases"`
	PathStates    []map[string]any `json:"path_states"`
	Tolerated     []bool           `json:"tolerated"`
	Recovering    []bool           `json:"recovering"`
	JoinFired     bool             `json:"join_fired"`
}

// Done reports whether every path reached a terminal status.
func (f *ForkProgress) Done() bool {
	for _, status := range f.Statuses {
		if status == PathRunning {
			return false
		}
	}

	return true
}

// FatalFailure reports whether any path failed without tolerance.
func (f *ForkProgress) FatalFailure() bool {
	for i, status := range f.Statuses {
		if status == PathFailed && !f.Tolerated[i] {
			return true
		}
	}

	return false
}

// PendingApproval identifies the approval request the instance is suspended
// on. Decisions and timeouts must carry the matching request ID.
type PendingApproval struct {
	Name      string    `json:"name"`
	RequestID string    `json:"request_id"`
	Deadline  time.Time `json:"deadline"`
}

// SequenceKind distinguishes the auxiliary step sequences an instance can be
// running instead of its main flow.
type SequenceKind string

const (
	SequenceFailureHandler SequenceKind = "failure_handler"
	SequenceEscalation     SequenceKind = "escalation"
	SequenceRejection      SequenceKind = "rejection"
)

// ActiveSequence tracks progress through failure-handler, escalation or
// rejection steps. Owner is the handler ID or approval name; StepIndex is
// the next sub-step to dispatch.
type ActiveSequence struct {
	Kind      SequenceKind `json:"kind"`
	Owner     string       `json:"owner"`
	StepIndex int          `json:"step_index"`
	Terminal  bool         `json:"terminal"`

	// failure handlers only
	FailedStep string `json:"failed_step,omitempty"`
	ErrorType  string `json:"error_type,omitempty"`
}

// CompensationEntry is one completed compensable step. Entries are appended
// in completion order and executed in reverse.
type CompensationEntry struct {
	StepName       string `json:"step_name"`
	Implementation string `json:"implementation"`
}

// Instance is the full persistent record of one workflow run.
type Instance struct {
	ID           string         `json:"id"`
	WorkflowName string         `json:"workflow_name"`
	Status       Status         `json:"status"`
	Phase        string         `json:"phase"`
	State        map[string]any `json:"state"`

	LoopCounters    map[string]int           `json:"loop_counters,omitempty"`
	Forks           map[string]*ForkProgress `json:"forks,omitempty"`
	ApprovalsPassed map[string]bool          `json:"approvals_passed,omitempty"`
	Pending         *PendingApproval         `json:"pending_approval,omitempty"`
	Sequence        *ActiveSequence          `json:"active_sequence,omitempty"`

	Compensations     []CompensationEntry `json:"compensations,omitempty"`
	CompensationIndex int                 `json:"compensation_index"`

	FailureStep  string `json:"failure_step,omitempty"`
	FailurePhase string `json:"failure_phase,omitempty"`
	FailureType  string `json:"failure_type,omitempty"`
	FailureError string `json:"failure_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a running instance in the NotStarted phase with a copy of the
// input as the initial state.
func New(id, workflowName, initialPhase string, input map[string]any) *Instance {
	state := make(map[string]any, len(input))
	for k, v := range input {
		state[k] = v
	}

	now := time.Now().UTC()

	return &Instance{
		ID:                id,
		WorkflowName:      workflowName,
		Status:            StatusRunning,
		Phase:             initialPhase,
		State:             state,
		LoopCounters:      make(map[string]int),
		Forks:             make(map[string]*ForkProgress),
		ApprovalsPassed:   make(map[string]bool),
		CompensationIndex: -1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// EnsureTracking allocates the loop, fork and approval maps when they are
// nil. The maps are tagged omitempty, so an instance that never entered a
// loop or fork round-trips through JSON without them; stores call this
// after unmarshalling so the coordinator can always write into them.
func (i *Instance) EnsureTracking() {
	if i.LoopCounters == nil {
		i.LoopCounters = make(map[string]int)
	}

	if i.Forks == nil {
		i.Forks = make(map[string]*ForkProgress)
	}

	if i.ApprovalsPassed == nil {
		i.ApprovalsPassed = make(map[string]bool)
	}
}

// Terminal reports whether the instance reached a final status.
func (i *Instance) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusFailed
}

// MergeState applies a step's output to the state snapshot, overwriting on
// key collisions.
func (i *Instance) MergeState(output map[string]any) {
	if i.State == nil {
		i.State = make(map[string]any, len(output))
	}

	for k, v := range output {
		i.State[k] = v
	}
}

// Touch bumps the update timestamp.
func (i *Instance) Touch() {
	i.UpdatedAt = time.Now().UTC()
}
