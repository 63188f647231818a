package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/phasor-io/phasor/pkg/emit"
	"github.com/phasor-io/phasor/pkg/log"
	"github.com/phasor-io/phasor/pkg/model"
)

func diagramCommand() *cli.Command {
	return &cli.Command{
		Name:  "diagram",
		Usage: "Print the Mermaid state diagram of a declaration to stdout",
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

			graph, _, err := loadAndCheck(command.String("declaration"))
			if err != nil {
				return err
			}

			workflowModel, err := model.Build(graph)
			if err != nil {
				return fmt.Errorf("building model: %w", err)
			}

			_, err = fmt.Fprint(os.Stdout, emit.Diagram(workflowModel).Content)

			return err
		},
	}
}
