// Package main provides the phasor workflow compiler CLI.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/phasor-io/phasor/pkg/log"
)

func main() {
	cmd := &cli.Command{
		Name:                  "phasor",
		Usage:                 "Compile workflow declarations into saga artifacts",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			compileCommand(),
			validateCommand(),
			diagramCommand(),
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		log.Setup("error")
		log.WithModule("phasor").Error("Command failed", "error", err)
		os.Exit(1)
	}
}
