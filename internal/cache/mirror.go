// Package cache mirrors live sync progress into Redis so dashboards and
// other ERP processes can poll it without holding a connection to this
// service.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/ioko18/magflow-erp-sub002/internal/config"
	"github.com/ioko18/magflow-erp-sub002/internal/types"
)

const progressKeyPrefix = "magflow:progress:"

// redisCommands is the slice of the redis client the mirror needs.
type redisCommands interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// ProgressMirror publishes progress snapshots to Redis under a TTL, so
// entries expire on their own if the process dies before Remove runs.
type ProgressMirror struct {
	client redisCommands
	ttl    time.Duration
}

// NewProgressMirror connects to Redis and verifies the connection with
// a ping before returning.
func NewProgressMirror(cfg config.RedisConfig) (*ProgressMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Addr, err)
	}

	return &ProgressMirror{
		client: client,
		ttl:    time.Duration(cfg.TTL),
	}, nil
}

// Publish stores the progress snapshot as JSON under the run's key.
func (m *ProgressMirror) Publish(ctx context.Context, p *types.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress for run %s: %w", p.RunID, err)
	}
	if err := m.client.Set(ctx, progressKey(p.RunID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("mirror progress for run %s: %w", p.RunID, err)
	}
	return nil
}

// Remove deletes the run's progress key. Missing keys are not an error.
func (m *ProgressMirror) Remove(ctx context.Context, runID string) error {
	if err := m.client.Del(ctx, progressKey(runID)).Err(); err != nil {
		return fmt.Errorf("remove mirrored progress for run %s: %w", runID, err)
	}
	return nil
}

func progressKey(runID string) string {
	return progressKeyPrefix + runID
}
