package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	phasorcmd "github.com/phasor-io/phasor/pkg/cmd"
	"github.com/phasor-io/phasor/pkg/decl"
	"github.com/phasor-io/phasor/pkg/diagnostics"
	"github.com/phasor-io/phasor/pkg/escalation"
	"github.com/phasor-io/phasor/pkg/model"
	"github.com/phasor-io/phasor/pkg/otelhelper"
	"github.com/phasor-io/phasor/pkg/saga"
	"github.com/phasor-io/phasor/pkg/store"
	"github.com/phasor-io/phasor/pkg/worker"
)

func run(ctx context.Context, command *cli.Command, workerID string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	graph, err := decl.Load(command.String("declaration"))
	if err != nil {
		return err
	}

	result := diagnostics.Run(graph)
	if !result.OK() {
		for _, finding := range result.Errors() {
			logger.ErrorContext(ctx, "Diagnostic error", "finding", finding.String())
		}

		return fmt.Errorf("declaration has errors")
	}

	workflowModel, err := model.Build(graph)
	if err != nil {
		return fmt.Errorf("building model: %w", err)
	}

	logger.InfoContext(ctx, "Initializing phasor worker", "workflow", workflowModel.Name)

	tracer, err := otelhelper.NewTracer(ctx, "phasor-worker")
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}

	bus, err := phasorcmd.NewEventBus(command.String("event-bus"), "phasor-worker", logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := bus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	instanceStore, err := store.NewStore(ctx, logger, command.String("store-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := instanceStore.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close store", "error", err)
		}
	}()

	reg, err := phasorcmd.NewRegistry(logger, command.String("plugins-path"))
	if err != nil {
		return err
	}

	coordinator := saga.NewCoordinator(workflowModel, bus, instanceStore, logger)
	if err := coordinator.RegisterHandlers(); err != nil {
		return err
	}

	stepWorker := worker.NewWorker(workerID, workflowModel, reg, bus, logger, worker.WithTracer(tracer))
	if err := stepWorker.RegisterHandlers(); err != nil {
		return err
	}

	if err := bus.Subscribe(ctx); err != nil {
		return err
	}

	sweeper := escalation.NewSweeper(instanceStore, bus, logger,
		escalation.WithSchedule(command.String("sweep-schedule")))
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	defer sweeper.Stop()

	logger.InfoContext(ctx, "Phasor worker running",
		"registered_steps", reg.Available(), "workflow", workflowModel.Name)

	<-ctx.Done()

	logger.Info("Shutting down")

	return nil
}
