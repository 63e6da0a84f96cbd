package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateGet(t *testing.T) {
	s, err := New(DriverMemory)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	snap := &Snapshot{ID: "s1", Exchanges: []Exchange{{Input: "hi", Output: "hello"}}}
	require.NoError(t, s.Create(ctx, snap))
	require.Equal(t, int64(1), snap.Version)

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "s1", got.ID)
	require.Len(t, got.Exchanges, 1)
	require.False(t, got.CreatedAt.IsZero())
}

func TestMemoryStore_GetMissingIsNilNil(t *testing.T) {
	s, err := New(DriverMemory)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMemoryStore_UpdateOptimisticLocking(t *testing.T) {
	s, err := New(DriverMemory)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	snap := &Snapshot{ID: "s1"}
	require.NoError(t, s.Create(ctx, snap))

	stale := &Snapshot{ID: "s1", Version: snap.Version}
	snap.Speaker = "Pablo"
	require.NoError(t, s.Update(ctx, snap))
	require.Equal(t, int64(2), snap.Version)

	require.ErrorIs(t, s.Update(ctx, stale), ErrVersionConflict)
	require.ErrorIs(t, s.Update(ctx, &Snapshot{ID: "absent"}), ErrNotFound)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s, err := New(DriverMemory)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Snapshot{ID: "s1", Exchanges: []Exchange{{Input: "a"}}}))

	first, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	first.Exchanges[0].Input = "mutated"

	second, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "a", second.Exchanges[0].Input)
}

func TestMemoryStore_Delete(t *testing.T) {
	s, err := New(DriverMemory)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Snapshot{ID: "s1"}))
	require.NoError(t, s.Delete(ctx, "s1"))
	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Nil(t, got)

	// Deleting a missing snapshot is fine.
	require.NoError(t, s.Delete(ctx, "s1"))
}

func TestNew_RedisRequiresClient(t *testing.T) {
	_, err := New(DriverRedis)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New(Driver("postgres"))
	require.ErrorIs(t, err, ErrInvalidDriver)
}
