package coord

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisStore(client, "leader")
}

func TestLeaderEmpty(t *testing.T) {
	_, s := newStore(t)
	_, ok, err := s.Leader(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSetAndReadLeader(t *testing.T) {
	mr, s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetLeader(ctx, 4002))
	id, ok, err := s.Leader(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4002, id)

	got, err := mr.Get("leader")
	require.NoError(t, err)
	assert.Equal(t, "4002", got)
}

func TestCorruptLeader(t *testing.T) {
	mr, s := newStore(t)
	require.NoError(t, mr.Set("leader", "api-3"))

	_, _, err := s.Leader(context.Background())
	assert.ErrorIs(t, err, ErrCorruptLeader)
}

func TestCompareAndSet(t *testing.T) {
	_, s := newStore(t)
	ctx := context.Background()

	ok, err := s.CompareAndSet(ctx, 0, 4001)
	require.NoError(t, err)
	assert.True(t, ok, "set when absent")

	ok, err = s.CompareAndSet(ctx, 0, 4002)
	require.NoError(t, err)
	assert.False(t, ok, "someone else published first")

	ok, err = s.CompareAndSet(ctx, 4001, 4002)
	require.NoError(t, err)
	assert.True(t, ok, "replace the observed leader")

	ok, err = s.CompareAndSet(ctx, 4000, 4002)
	require.NoError(t, err)
	assert.True(t, ok, "republishing self is idempotent")

	id, _, err := s.Leader(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4002, id)
}

func TestClear(t *testing.T) {
	mr, s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetLeader(ctx, 4002))

	ok, err := s.Clear(ctx, 4001)
	require.NoError(t, err)
	assert.False(t, ok, "only the named leader is cleared")

	ok, err = s.Clear(ctx, 4002)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("leader"))
}

func TestStoreUnavailable(t *testing.T) {
	mr, s := newStore(t)
	mr.Close()

	_, _, err := s.Leader(context.Background())
	assert.Error(t, err)
	_, err = s.CompareAndSet(context.Background(), 0, 1)
	assert.Error(t, err)
}
