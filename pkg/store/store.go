// Package store persists resumable session snapshots. The memory driver is
// the single-process default; the redis driver lets several gateway
// processes share session state.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound        = errors.New("session snapshot not found")
	ErrVersionConflict = errors.New("session snapshot version conflict")
	ErrInvalidConfig   = errors.New("invalid store configuration")
	ErrInvalidDriver   = errors.New("unknown store driver")
)

// Exchange mirrors one remembered conversation turn in serialized form.
type Exchange struct {
	Input       string `json:"input"`
	Output      string `json:"output"`
	Speaker     string `json:"speaker,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

// Snapshot is the durable part of a live session: enough to resume the
// conversation after a process restart or on another gateway instance.
// Sequence counters and replay buffers stay with the live connection and are
// not persisted; a session resumed from a snapshot starts a fresh stream.
type Snapshot struct {
	ID        string     `json:"id"`
	Exchanges []Exchange `json:"exchanges,omitempty"`
	Speaker   string     `json:"speaker,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Version   int64      `json:"version"`
}

// Store is the snapshot persistence contract.
type Store interface {
	// Create persists a new snapshot with Version set to 1.
	Create(ctx context.Context, snap *Snapshot) error

	// Get retrieves a snapshot by session id. A missing snapshot returns
	// (nil, nil), not an error.
	Get(ctx context.Context, id string) (*Snapshot, error)

	// Update persists an existing snapshot with optimistic locking: the
	// stored Version must match, and is incremented on success. Returns
	// ErrVersionConflict on mismatch and ErrNotFound when absent.
	Update(ctx context.Context, snap *Snapshot) error

	// Delete removes a snapshot. Deleting a missing snapshot is not an
	// error.
	Delete(ctx context.Context, id string) error

	Close() error
}

// Driver selects the snapshot store backend.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverRedis  Driver = "redis"
)

type config struct {
	redisClient *redis.Client
	redisTTL    time.Duration
}

type Option func(*config)

// WithRedisClient supplies the client the redis driver uses. Required for
// DriverRedis.
func WithRedisClient(client *redis.Client) Option {
	return func(c *config) { c.redisClient = client }
}

// WithRedisTTL overrides the redis key TTL (default 24h). Idle sessions
// expire with their keys.
func WithRedisTTL(ttl time.Duration) Option {
	return func(c *config) { c.redisTTL = ttl }
}

// New builds a Store for the given driver.
func New(driver Driver, opts ...Option) (Store, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	switch driver {
	case DriverMemory:
		return newMemoryStore(), nil
	case DriverRedis:
		if cfg.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return newRedisStore(cfg.redisClient, cfg.redisTTL), nil
	default:
		return nil, ErrInvalidDriver
	}
}
