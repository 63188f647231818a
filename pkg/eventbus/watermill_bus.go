package eventbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/phasor-io/phasor/pkg/messages"
)

// WatermillBus routes typed workflow messages over a watermill
// publisher/subscriber pair. Payloads are JSON; the message type travels in
// metadata so subscribers can decode before dispatch.
type WatermillBus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	subscriptions map[messages.MessageType]Handler
}

func NewWatermillBus(pub message.Publisher, sub message.Subscriber) *WatermillBus {
	return &WatermillBus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[messages.MessageType]Handler),
	}
}

func (b *WatermillBus) GenerateID() string {
	return watermill.NewULID()
}

func (b *WatermillBus) Publish(ctx context.Context, key string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	wm := message.NewMessage("msg-"+b.GenerateID(), payload)
	wm.SetContext(ctx)
	wm.Metadata.Set(messages.KeyMetadataKey, key)
	wm.Metadata.Set(messages.TypeMetadataKey, string(msg.GetType()))

	return b.publisher.Publish(messages.Topic, wm)
}

// Handle registers the handler for one message type. Registration must
// complete before Subscribe.
func (b *WatermillBus) Handle(messageType messages.MessageType, handler Handler) error {
	b.subscriptions[messageType] = handler

	return nil
}

func (b *WatermillBus) Subscribe(ctx context.Context) error {
	incoming, err := b.subscriber.Subscribe(ctx, messages.Topic)
	if err != nil {
		return err
	}

	go func() {
		for wm := range incoming {
			messageType := messages.MessageType(wm.Metadata.Get(messages.TypeMetadataKey))

			handler, exists := b.subscriptions[messageType]
			if !exists {
				// not ours; another subscriber on the topic owns this type
				wm.Ack()

				continue
			}

			decoded := newMessage(messageType)
			if decoded == nil {
				wm.Nack()

				continue
			}

			if err := json.Unmarshal(wm.Payload, decoded); err != nil {
				wm.Nack()

				continue
			}

			if err := handler(ctx, decoded); err != nil {
				wm.Nack()

				continue
			}

			wm.Ack()
		}
	}()

	return nil
}

// newMessage allocates the concrete struct for a wire message type.
func newMessage(messageType messages.MessageType) any {
	switch messageType {
	case messages.StartWorkflowMessage:
		return &messages.StartWorkflow{}
	case messages.ExecuteStepMessage:
		return &messages.ExecuteStep{}
	case messages.DispatchForkPathMessage:
		return &messages.DispatchForkPath{}
	case messages.RequestApprovalMessage:
		return &messages.RequestApproval{}
	case messages.ExecuteCompensationMessage:
		return &messages.ExecuteCompensation{}
	case messages.StepCompletedMessage:
		return &messages.StepCompleted{}
	case messages.StepFailedMessage:
		return &messages.StepFailed{}
	case messages.ApprovalDecidedMessage:
		return &messages.ApprovalDecided{}
	case messages.ApprovalTimedOutMessage:
		return &messages.ApprovalTimedOut{}
	case messages.CompensationCompletedMessage:
		return &messages.CompensationCompleted{}
	case messages.WorkflowCompletedMessage:
		return &messages.WorkflowCompleted{}
	case messages.WorkflowFailedMessage:
		return &messages.WorkflowFailed{}
	default:
		return nil
	}
}

func (b *WatermillBus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}

	return b.subscriber.Close()
}
