// Package main provides the phasor operational API server.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	phasorcmd "github.com/phasor-io/phasor/pkg/cmd"
	"github.com/phasor-io/phasor/pkg/log"
	"github.com/phasor-io/phasor/pkg/store"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("phasor-api")

	cmd := &cli.Command{
		Name:                  "phasor-api",
		Usage:                 "Browse workflow instances and submit approval decisions",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "store-url",
				Usage:   "Instance store URL (memory://, file://<dir>, postgres://..., redis://...)",
				Value:   "memory://",
				Sources: cli.EnvVars("STORE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger.InfoContext(ctx, "Initializing phasor API")

			instanceStore, err := store.NewStore(ctx, logger, command.String("store-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := instanceStore.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close store", "error", err)
				}
			}()

			bus, err := phasorcmd.NewEventBus(command.String("event-bus"), "phasor-api", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := bus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			api := NewAPI(logger, instanceStore, bus)

			if err := api.Start(command.Int("port")); err != nil {
				logger.ErrorContext(ctx, "API server stopped", "error", err)

				return err
			}

			return nil
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
