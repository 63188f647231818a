// Package eventbus provides the message transport driving saga instances.
// The bus guarantees at-least-once delivery; the saga's phase matching makes
// duplicate delivery harmless.
package eventbus

import (
	"context"

	"github.com/phasor-io/phasor/pkg/messages"
)

type Message interface {
	GetType() messages.MessageType
}

type Publisher interface {
	Publish(ctx context.Context, key string, msg Message) error
}

type Subscriber interface {
	Handle(messageType messages.MessageType, handler Handler) error
	Subscribe(ctx context.Context) error
}

type Handler func(ctx context.Context, msg any) error

type Bus interface {
	Publisher
	Subscriber
	Close() error
	GenerateID() string
}
