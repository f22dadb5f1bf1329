package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultOrphanKey = "evidence:orphans"

// RedisOrphanStore keeps orphans in a Redis hash keyed by request id, so they
// survive restarts of the submitting process and an unavailable database.
type RedisOrphanStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisOrphanStore returns a RedisOrphanStore using key, or
// "evidence:orphans" when key is empty.
func NewRedisOrphanStore(client redis.UniversalClient, key string) *RedisOrphanStore {
	if key == "" {
		key = defaultOrphanKey
	}
	return &RedisOrphanStore{client: client, key: key}
}

// Push implements OrphanStore.
func (r *RedisOrphanStore) Push(ctx context.Context, o Orphan) error {
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal orphan: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, o.RequestID, b).Err(); err != nil {
		return fmt.Errorf("push orphan %s: %w", o.RequestID, err)
	}
	return nil
}

// List implements OrphanStore. Oldest first.
func (r *RedisOrphanStore) List(ctx context.Context) ([]Orphan, error) {
	vals, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	out := make([]Orphan, 0, len(vals))
	for id, raw := range vals {
		var o Orphan
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, fmt.Errorf("decode orphan %s: %w", id, err)
		}
		out = append(out, o)
	}
	sortOrphans(out)
	return out, nil
}

// Remove implements OrphanStore.
func (r *RedisOrphanStore) Remove(ctx context.Context, requestID string) error {
	if err := r.client.HDel(ctx, r.key, requestID).Err(); err != nil {
		return fmt.Errorf("remove orphan %s: %w", requestID, err)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisOrphanStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
