package cmd

import (
	"log/slog"

	"github.com/phasor-io/phasor/pkg/registry"
)

// NewRegistry builds a step registry populated from the plugins directory.
func NewRegistry(logger *slog.Logger, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	factories, err := reg.LoadStepPlugins(pluginsPath)
	if err != nil {
		return nil, err
	}

	for _, factory := range factories {
		reg.RegisterStep(factory)
	}

	return reg, nil
}
