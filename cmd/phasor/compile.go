package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	cli "github.com/urfave/cli/v3"

	"github.com/phasor-io/phasor/pkg/decl"
	"github.com/phasor-io/phasor/pkg/diagnostics"
	"github.com/phasor-io/phasor/pkg/dsl"
	"github.com/phasor-io/phasor/pkg/emit"
	"github.com/phasor-io/phasor/pkg/log"
	"github.com/phasor-io/phasor/pkg/model"
)

func compileCommand() *cli.Command {
	return &cli.Command{
		Name:  "compile",
		Usage: "Compile a declaration file into generated saga artifacts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "declaration",
				Aliases:  []string{"d"},
				Usage:    "Path to the workflow declaration JSON file",
				Required: true,
				Sources:  cli.EnvVars("PHASOR_DECLARATION"),
			},
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "Directory the artifacts are written to",
				Value:   "./gen",
				Sources: cli.EnvVars("PHASOR_OUT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))
			logger := log.WithModule("compile")

			graph, result, err := loadAndCheck(command.String("declaration"))
			if err != nil {
				return err
			}

			for _, finding := range result.Warnings() {
				logger.WarnContext(ctx, "Diagnostic warning", "finding", finding.String())
			}

			workflowModel, err := model.Build(graph)
			if err != nil {
				return fmt.Errorf("building model: %w", err)
			}

			artifacts, err := emit.All(workflowModel)
			if err != nil {
				return fmt.Errorf("emitting artifacts: %w", err)
			}

			outDir := command.String("out")
			if err := os.MkdirAll(outDir, 0750); err != nil {
				return fmt.Errorf("creating output directory: %w", err)
			}

			for _, artifact := range artifacts {
				path := filepath.Join(outDir, artifact.Name)
				if err := os.WriteFile(path, []byte(artifact.Content), 0600); err != nil {
					return fmt.Errorf("writing %s: %w", artifact.Name, err)
				}

				logger.InfoContext(ctx, "Wrote artifact", "path", path)
			}

			return nil
		},
	}
}

// loadAndCheck parses a declaration and runs the diagnostics pass. Errors in
// the findings abort with every finding listed.
func loadAndCheck(path string) (*dsl.Graph, diagnostics.Result, error) {
	graph, err := decl.Load(path)
	if err != nil {
		return nil, diagnostics.Result{}, err
	}

	result := diagnostics.Run(graph)
	if !result.OK() {
		msg := "declaration has errors:"
		for _, finding := range result.Errors() {
			msg += "\n  " + finding.String()
		}

		return nil, result, fmt.Errorf("%s", msg)
	}

	return graph, result, nil
}
