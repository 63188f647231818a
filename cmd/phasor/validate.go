package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/phasor-io/phasor/pkg/decl"
	"github.com/phasor-io/phasor/pkg/diagnostics"
	"github.com/phasor-io/phasor/pkg/log"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Run diagnostics on a declaration without generating anything",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "declaration",
				Aliases:  []string{"d"},
				Usage:    "Path to the workflow declaration JSON file",
				Required: true,
				Sources:  cli.EnvVars("PHASOR_DECLARATION"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("validate")

			graph, err := decl.Load(command.String("declaration"))
			if err != nil {
				return err
			}

			result := diagnostics.Run(graph)

			for _, finding := range result.Warnings() {
				logger.WarnContext(ctx, "Diagnostic warning", "finding", finding.String())
			}

			if errs := result.Errors(); len(errs) > 0 {
				for _, finding := range errs {
					logger.ErrorContext(ctx, "Diagnostic error", "finding", finding.String())
				}

				return fmt.Errorf("declaration has %d error(s)", len(errs))
			}

			logger.InfoContext(ctx, "Declaration is valid", "workflow", graph.Name)

			return nil
		},
	}
}
