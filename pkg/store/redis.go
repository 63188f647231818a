package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/phasor-io/phasor/pkg/instance"
)

const redisKeyPrefix = "phasor:instance:"

// RedisStore persists instances as JSON values under phasor:instance:<id>.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisStore(ctx context.Context, logger *slog.Logger, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.InfoContext(ctx, "Redis instance store initialized")

	return &RedisStore{
		client: client,
		logger: logger.With("component", "redis_store"),
	}, nil
}

func (s *RedisStore) Save(ctx context.Context, inst *instance.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}

	if err := s.client.Set(ctx, redisKeyPrefix+inst.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}

	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*instance.Instance, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("failed to get instance: %w", err)
	}

	inst := &instance.Instance{}
	if err := json.Unmarshal(data, inst); err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
	}

	inst.EnsureTracking()

	return inst, nil
}

func (s *RedisStore) List(ctx context.Context) ([]*instance.Instance, error) {
	var (
		instances []*instance.Instance
		cursor    uint64
	)

	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance keys: %w", err)
		}

		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}

				return nil, fmt.Errorf("failed to get instance %s: %w", key, err)
			}

			inst := &instance.Instance{}
			if err := json.Unmarshal(data, inst); err != nil {
				return nil, fmt.Errorf("failed to unmarshal instance %s: %w", key, err)
			}

			inst.EnsureTracking()
			instances = append(instances, inst)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return instances, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	deleted, err := s.client.Del(ctx, redisKeyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("failed to delete instance: %w", err)
	}

	if deleted == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
