package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phasor-io/phasor/pkg/instance"

	_ "github.com/lib/pq"
)

// PostgresStore persists instances in PostgreSQL. The full record is stored
// as JSONB; id, workflow, status and phase are lifted into columns for
// querying.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPostgresStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*PostgresStore, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{
		db:     database,
		logger: logger.With("component", "postgres_store"),
	}

	if err := store.runMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run instance store migrations: %w", err)
	}

	logger.InfoContext(ctx, "PostgreSQL instance store initialized")

	return store, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_instances (
			id VARCHAR(255) PRIMARY KEY,
			workflow_name VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			phase VARCHAR(512) NOT NULL,
			record JSONB NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_workflow_instances_workflow ON workflow_instances(workflow_name);
		CREATE INDEX IF NOT EXISTS idx_workflow_instances_status ON workflow_instances(status);
		CREATE INDEX IF NOT EXISTS idx_workflow_instances_phase ON workflow_instances(phase);
	`)
	if err != nil {
		return fmt.Errorf("failed to create workflow_instances table: %w", err)
	}

	return nil
}

func (s *PostgresStore) Save(ctx context.Context, inst *instance.Instance) error {
	inst.UpdatedAt = time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = inst.UpdatedAt
	}

	record, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	query := `
		INSERT INTO workflow_instances (id, workflow_name, status, phase, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET
			status = EXCLUDED.status,
			phase = EXCLUDED.phase,
			record = EXCLUDED.record,
			updated_at = EXCLUDED.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		inst.ID,
		inst.WorkflowName,
		string(inst.Status),
		inst.Phase,
		record,
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to save instance", "instance_id", inst.ID, "error", err)

		return fmt.Errorf("failed to save instance: %w", err)
	}

	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*instance.Instance, error) {
	var record []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM workflow_instances WHERE id = $1`, id,
	).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("failed to query instance: %w", err)
	}

	inst := &instance.Instance{}
	if err := json.Unmarshal(record, inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}

	inst.EnsureTracking()

	return inst, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*instance.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM workflow_instances ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.ErrorContext(ctx, "Failed to close rows", "error", closeErr)
		}
	}()

	var instances []*instance.Instance

	for rows.Next() {
		var record []byte

		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan instance row: %w", err)
		}

		inst := &instance.Instance{}
		if err := json.Unmarshal(record, inst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
		}

		inst.EnsureTracking()
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instance rows: %w", err)
	}

	return instances, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_instances WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}

	return nil
}
