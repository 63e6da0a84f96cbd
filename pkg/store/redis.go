package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	snapshotKeyPrefix = "voicepipe:session:"
	defaultRedisTTL   = 24 * time.Hour
)

// redisStore persists snapshots as JSON values with a sliding TTL and
// WATCH-based optimistic locking.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisStore(client *redis.Client, ttl time.Duration) *redisStore {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	return &redisStore{client: client, ttl: ttl}
}

func (s *redisStore) Create(ctx context.Context, snap *Snapshot) error {
	now := time.Now()
	snap.CreatedAt = now
	snap.UpdatedAt = now
	snap.Version = 1

	val, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(snap.ID), val, s.ttl).Err()
}

func (s *redisStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	key := s.key(id)
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, err
	}

	// Sliding expiry: reads keep active sessions alive.
	_ = s.client.Expire(ctx, key, s.ttl).Err()

	return &snap, nil
}

func (s *redisStore) Update(ctx context.Context, snap *Snapshot) error {
	key := s.key(snap.ID)

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var stored Snapshot
		if err := json.Unmarshal([]byte(val), &stored); err != nil {
			return err
		}
		if stored.Version != snap.Version {
			return ErrVersionConflict
		}

		snap.Version++
		snap.UpdatedAt = time.Now()

		newVal, err := json.Marshal(snap)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, s.ttl)
			return nil
		})
		return err
	}, key)
}

func (s *redisStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func (s *redisStore) key(id string) string {
	return snapshotKeyPrefix + id
}
