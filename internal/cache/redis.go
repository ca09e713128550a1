package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tabulahq/tabula/internal/models"
)

// Redis is a SchemaCache backed by a Redis instance.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	ttl    time.Duration
}

// NewRedis connects to the Redis URL and verifies connectivity before
// returning, so a misconfigured cache fails at startup rather than on the
// first read. A non-positive ttl falls back to 24h; schemas are immutable,
// the expiry only bounds memory.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	logger := slog.Default().With("component", "schema_cache")
	logger.Info("redis schema cache connected", "addr", opts.Addr)

	return &Redis{
		client: client,
		logger: logger,
		ttl:    ttl,
	}, nil
}

// Close closes the underlying Redis connection.
func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// HealthCheck verifies Redis connectivity, for the health endpoint.
func (r *Redis) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// GetSchema implements SchemaCache.
func (r *Redis) GetSchema(ctx context.Context, commitID string) (models.CommitSchema, bool, error) {
	val, err := r.client.Get(ctx, schemaKey(commitID)).Result()
	if err == redis.Nil {
		r.logger.Debug("cache miss", "commit_id", commitID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get for commit %s: %w", commitID, err)
	}

	var schema models.CommitSchema
	if err := json.Unmarshal([]byte(val), &schema); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached schema for commit %s: %w", commitID, err)
	}
	r.logger.Debug("cache hit", "commit_id", commitID)
	return schema, true, nil
}

// SetSchema implements SchemaCache.
func (r *Redis) SetSchema(ctx context.Context, commitID string, schema models.CommitSchema) error {
	data, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal schema for commit %s: %w", commitID, err)
	}
	if err := r.client.Set(ctx, schemaKey(commitID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set for commit %s: %w", commitID, err)
	}
	return nil
}

func schemaKey(commitID string) string {
	return "schema:" + commitID
}
