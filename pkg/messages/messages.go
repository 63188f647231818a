// Package messages defines the typed commands and events that drive a saga
// instance. Every message carries the owning workflow instance id; the saga
// applies one message at a time and tolerates duplicate delivery.
package messages

import (
	"time"

	"github.com/google/uuid"
)

type MessageType string

// Topic is the bus topic carrying all workflow commands and events.
const Topic = "phasor.workflow.messages"

// Bus metadata keys.
const (
	KeyMetadataKey  = "key"
	TypeMetadataKey = "message_type"
)

const (
	// Commands.
	StartWorkflowMessage       MessageType = "workflow.start"
	ExecuteStepMessage         MessageType = "step.execute"
	DispatchForkPathMessage    MessageType = "fork.path.dispatch"
	RequestApprovalMessage     MessageType = "approval.request"
	ExecuteCompensationMessage MessageType = "compensation.execute"

	// Events.
	StepCompletedMessage         MessageType = "step.completed"
	StepFailedMessage            MessageType = "step.failed"
	ApprovalDecidedMessage       MessageType = "approval.decided"
	ApprovalTimedOutMessage      MessageType = "approval.timeout"
	CompensationCompletedMessage MessageType = "compensation.completed"
	WorkflowCompletedMessage     MessageType = "workflow.completed"
	WorkflowFailedMessage        MessageType = "workflow.failed"
)

// Approval decisions.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

type BaseMessage struct {
	ID         string         `json:"id"`
	Type       MessageType    `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Workflow   string         `json:"workflow"`
	InstanceID string         `json:"instance_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseMessage(messageType MessageType, workflow, instanceID string) BaseMessage {
	return BaseMessage{
		ID:         uuid.New().String(),
		Type:       messageType,
		Timestamp:  time.Now().UTC(),
		Workflow:   workflow,
		InstanceID: instanceID,
		Metadata:   make(map[string]any),
	}
}

// StartWorkflow creates a new instance and dispatches the entry step.
type StartWorkflow struct {
	BaseMessage

	Input map[string]any `json:"input,omitempty"`
}

func (m StartWorkflow) GetType() MessageType { return StartWorkflowMessage }

// ExecuteStep instructs a worker to run one step against the given state
// snapshot.
type ExecuteStep struct {
	BaseMessage

	StepName       string         `json:"step_name"`
	Implementation string         `json:"implementation"`
	Phase          string         `json:"phase"`
	State          map[string]any `json:"state,omitempty"`
}

func (m ExecuteStep) GetType() MessageType { return ExecuteStepMessage }

// DispatchForkPath starts one parallel path of a fork.
type DispatchForkPath struct {
	BaseMessage

	ForkID    string         `json:"fork_id"`
	PathIndex int            `json:"path_index"`
	FirstStep string         `json:"first_step"`
	State     map[string]any `json:"state,omitempty"`
}

func (m DispatchForkPath) GetType() MessageType { return DispatchForkPathMessage }

// RequestApproval suspends the instance pending a human decision.
type RequestApproval struct {
	BaseMessage

	ApprovalName string    `json:"approval_name"`
	ApproverType string    `json:"approver_type"`
	Instructions string    `json:"instructions,omitempty"`
	RequestID    string    `json:"request_id"`
	Deadline     time.Time `json:"deadline"`
}

func (m RequestApproval) GetType() MessageType { return RequestApprovalMessage }

// ExecuteCompensation instructs a worker to run one rollback step.
type ExecuteCompensation struct {
	BaseMessage

	StepName       string         `json:"step_name"`
	Implementation string         `json:"implementation"`
	State          map[string]any `json:"state,omitempty"`
}

func (m ExecuteCompensation) GetType() MessageType { return ExecuteCompensationMessage }

// StepCompleted reports a step's successful execution and its state update.
type StepCompleted struct {
	BaseMessage

	StepName   string         `json:"step_name"`
	Phase      string         `json:"phase"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

func (m StepCompleted) GetType() MessageType { return StepCompletedMessage }

// StepFailed reports a typed step failure.
type StepFailed struct {
	BaseMessage

	StepName     string `json:"step_name"`
	Phase        string `json:"phase"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message"`
}

func (m StepFailed) GetType() MessageType { return StepFailedMessage }

// ApprovalDecided carries an external human decision.
type ApprovalDecided struct {
	BaseMessage

	ApprovalName string `json:"approval_name"`
	RequestID    string `json:"request_id"`
	Decision     string `json:"decision"`
	DecidedBy    string `json:"decided_by,omitempty"`
	Comment      string `json:"comment,omitempty"`
}

func (m ApprovalDecided) GetType() MessageType { return ApprovalDecidedMessage }

// ApprovalTimedOut reports an unanswered approval past its deadline.
type ApprovalTimedOut struct {
	BaseMessage

	ApprovalName string `json:"approval_name"`
	RequestID    string `json:"request_id"`
}

func (m ApprovalTimedOut) GetType() MessageType { return ApprovalTimedOutMessage }

// CompensationCompleted reports one finished rollback step.
type CompensationCompleted struct {
	BaseMessage

	StepName string `json:"step_name"`
}

func (m CompensationCompleted) GetType() MessageType { return CompensationCompletedMessage }

// WorkflowCompleted reports a terminal successful instance.
type WorkflowCompleted struct {
	BaseMessage

	FinalState map[string]any `json:"final_state,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

func (m WorkflowCompleted) GetType() MessageType { return WorkflowCompletedMessage }

// WorkflowFailed reports a terminal failed instance with the originating
// step and error description.
type WorkflowFailed struct {
	BaseMessage

	FailedStep   string `json:"failed_step"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message"`
	DurationMs   int64  `json:"duration_ms"`
}

func (m WorkflowFailed) GetType() MessageType { return WorkflowFailedMessage }
