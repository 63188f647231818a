// Package store persists workflow instances. Backends are selected by URL
// scheme: memory://, file://<dir>, postgres://... or redis://...
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/phasor-io/phasor/pkg/instance"
)

var (
	// ErrNotFound is returned when no instance exists for the requested ID.
	ErrNotFound = errors.New("instance not found")

	// ErrUnsupportedScheme is returned by NewStore for unknown URL schemes.
	ErrUnsupportedScheme = errors.New("unsupported store URL scheme")
)

// Store persists and retrieves workflow instances. The coordinator saves
// after every applied message, so writes must be durable before returning.
type Store interface {
	Save(ctx context.Context, inst *instance.Instance) error
	Get(ctx context.Context, id string) (*instance.Instance, error)
	List(ctx context.Context) ([]*instance.Instance, error)
	Delete(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// NewStore builds a store from a URL. Supported schemes: memory, file,
// postgres, redis.
func NewStore(ctx context.Context, logger *slog.Logger, storeURL string) (Store, error) {
	switch {
	case storeURL == "" || strings.HasPrefix(storeURL, "memory://"):
		return NewMemoryStore(), nil
	case strings.HasPrefix(storeURL, "file://"):
		return NewFileStore(strings.TrimPrefix(storeURL, "file://"))
	case strings.HasPrefix(storeURL, "postgres://"), strings.HasPrefix(storeURL, "postgresql://"):
		return NewPostgresStore(ctx, logger, storeURL)
	case strings.HasPrefix(storeURL, "redis://"):
		return NewRedisStore(ctx, logger, storeURL)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, storeURL)
	}
}
