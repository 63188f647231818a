// Package registry maps step implementation types to their factories. A
// worker resolves the implementation named in an execute command here; the
// compiler never needs the registry, only the names.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// StepImplementation executes one workflow step against a state snapshot and
// returns the state delta to merge. A typed failure is reported through
// StepError; any other error is an untyped execution failure.
type StepImplementation interface {
	Execute(ctx context.Context, state map[string]any) (map[string]any, error)
}

// StepFunc adapts a plain function to StepImplementation.
type StepFunc func(ctx context.Context, state map[string]any) (map[string]any, error)

func (f StepFunc) Execute(ctx context.Context, state map[string]any) (map[string]any, error) {
	return f(ctx, state)
}

// StepFactory creates configured instances of one implementation type.
type StepFactory interface {
	ID() string
	Create(config map[string]any) (StepImplementation, error)
}

// FactoryFunc builds a StepFactory from an id and a create function.
func FactoryFunc(id string, create func(config map[string]any) (StepImplementation, error)) StepFactory {
	return &funcFactory{id: id, create: create}
}

type funcFactory struct {
	id     string
	create func(config map[string]any) (StepImplementation, error)
}

func (f *funcFactory) ID() string { return f.id }

func (f *funcFactory) Create(config map[string]any) (StepImplementation, error) {
	return f.create(config)
}

// StepError is a typed step failure. The type is what failure handlers and
// branch-on-error routing match against.
type StepError struct {
	Type    string
	Message string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// NewStepError builds a typed step failure.
func NewStepError(errorType, format string, args ...any) *StepError {
	return &StepError{Type: errorType, Message: fmt.Sprintf(format, args...)}
}

// Registry holds the step factories available to a worker process.
type Registry struct {
	logger    *slog.Logger
	factories map[string]StepFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[string]StepFactory),
	}
}

// RegisterStep adds a factory, replacing any previous registration for the
// same id.
func (r *Registry) RegisterStep(factory StepFactory) {
	r.factories[factory.ID()] = factory
}

// CreateStep instantiates the named implementation type.
func (r *Registry) CreateStep(implementation string, config map[string]any) (StepImplementation, error) {
	factory, ok := r.factories[implementation]
	if !ok {
		return nil, fmt.Errorf("step implementation %q not registered", implementation)
	}

	return factory.Create(config)
}

// Available returns the registered implementation ids, sorted.
func (r *Registry) Available() []string {
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}
