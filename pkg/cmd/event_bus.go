// Package cmd provides common initialization for the command-line binaries.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/phasor-io/phasor/pkg/channels/gochannel"
	"github.com/phasor-io/phasor/pkg/channels/kafka"
	"github.com/phasor-io/phasor/pkg/eventbus"
)

// NewEventBus builds the bus for the selected provider. Kafka is the
// production transport; gochannel keeps everything in-process for local runs.
func NewEventBus(provider, serviceName string, logger *slog.Logger) (eventbus.Bus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, serviceName)
		if err != nil {
			return nil, fmt.Errorf("creating kafka channel: %w", err)
		}

		return eventbus.NewWatermillBus(pub, sub), nil
	case "", "gochannel", "memory":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("creating gochannel: %w", err)
		}

		return eventbus.NewWatermillBus(pub, sub), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}
