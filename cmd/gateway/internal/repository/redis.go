package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mngfx/market-feed/pkg/models"
)

// Compile-time check to ensure RedisSnapshotStore implements SnapshotStore
var _ SnapshotStore = (*RedisSnapshotStore)(nil)

// RedisSnapshotStore reads the snapshots the processor writes next to each publish.
type RedisSnapshotStore struct {
	client redis.Cmdable
}

func NewRedisSnapshotStore(client redis.Cmdable) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client}
}

func (r *RedisSnapshotStore) Latest(ctx context.Context, symbol string) (*models.Tick, error) {
	payload, err := r.client.Get(ctx, models.SnapshotKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var tick models.Tick
	if err := json.Unmarshal(payload, &tick); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", symbol, err)
	}
	return &tick, nil
}
