package registry

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"plugin"
)

// StepSymbol is the exported symbol a step plugin must carry: a variable of
// a type implementing StepFactory.
const StepSymbol = "Step"

// LoadStepPlugins opens every .so under pluginsPath/steps and collects the
// exported Step factories. A missing directory is not an error; a worker
// with only compiled-in steps runs without plugins.
func (r *Registry) LoadStepPlugins(pluginsPath string) ([]StepFactory, error) {
	rootPath := pluginsPath + "/steps"

	if _, err := os.Stat(rootPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	pluginPathList, err := fs.Glob(os.DirFS(rootPath), "**/*.so")
	if err != nil {
		return nil, err
	}

	logger := r.logger.With("path", rootPath)
	logger.Info("Loading step plugins")

	factories := make([]StepFactory, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, fmt.Errorf("opening plugin %s: %w", p, err)
		}

		symbol, err := plg.Lookup(StepSymbol)
		if err != nil {
			return nil, fmt.Errorf("plugin %s has no %s symbol: %w", p, StepSymbol, err)
		}

		factory, ok := symbol.(StepFactory)
		if !ok {
			return nil, fmt.Errorf("plugin %s: %s symbol is %T, not a step factory", p, StepSymbol, symbol)
		}

		factories = append(factories, factory)

		logger.Info("Loaded step plugin", "plugin", p, "id", factory.ID())
	}

	return factories, nil
}
