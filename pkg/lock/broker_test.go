package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dd0wney/pokeball-coordinator/pkg/logging"
	"github.com/dd0wney/pokeball-coordinator/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func newBroker(t *testing.T, clients ...redis.UniversalClient) *Broker {
	t.Helper()
	b, err := NewBroker(clients, Config{RetryCount: 2, RetryDelay: 10 * time.Millisecond},
		logging.NewNopLogger(), metrics.NewRegistry())
	require.NoError(t, err)
	return b
}

func TestNewBrokerRequiresInstances(t *testing.T) {
	_, err := NewBroker(nil, Config{}, nil, nil)
	assert.ErrorIs(t, err, ErrNoBrokers)
}

func TestZeroConfigMakesSingleAttempt(t *testing.T) {
	_, client := newRedis(t)
	holder := newBroker(t, client)
	ctx := context.Background()

	l, err := holder.Acquire(ctx, "locks:databaseWrite", 10*time.Second)
	require.NoError(t, err)
	defer holder.Release(ctx, l)

	b, err := NewBroker([]redis.UniversalClient{client}, Config{}, logging.NewNopLogger(), nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Acquire(ctx, "locks:databaseWrite", 10*time.Second)
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.Less(t, time.Since(start), time.Second, "no retries for the zero value")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10, cfg.RetryCount)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryDelay)
}

func TestBudgetEndsBeforeTTL(t *testing.T) {
	assert.Equal(t, 54*time.Second, Budget(time.Minute))
	assert.Equal(t, 4500*time.Millisecond, Budget(5*time.Second))
}

func TestAcquireAndRelease(t *testing.T) {
	mr, client := newRedis(t)
	b := newBroker(t, client)
	ctx := context.Background()

	l, err := b.Acquire(ctx, "locks:databaseWrite", 10*time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, l.Token)
	assert.True(t, l.Expiry().After(time.Now()))

	stored, err := mr.Get("locks:databaseWrite")
	require.NoError(t, err)
	assert.Equal(t, l.Token, stored, "broker holds the caller's token")

	ok, err := b.Release(ctx, l)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("locks:databaseWrite"))
}

func TestSecondAcquireRefusedWhileHeld(t *testing.T) {
	_, client := newRedis(t)
	b := newBroker(t, client)
	ctx := context.Background()

	first, err := b.Acquire(ctx, "locks:databaseWrite", 10*time.Second)
	require.NoError(t, err)

	_, err = b.Acquire(ctx, "locks:databaseWrite", 10*time.Second)
	assert.ErrorIs(t, err, ErrLockUnavailable)

	// A different key is independent
	other, err := b.Acquire(ctx, "locks:databaseDelete", 10*time.Second)
	require.NoError(t, err)

	_, err = b.Release(ctx, first)
	require.NoError(t, err)
	_, err = b.Release(ctx, other)
	require.NoError(t, err)

	again, err := b.Acquire(ctx, "locks:databaseWrite", 10*time.Second)
	require.NoError(t, err)
	_, err = b.Release(ctx, again)
	require.NoError(t, err)
}

func TestReleaseAfterExpiryReportsNotHeld(t *testing.T) {
	mr, client := newRedis(t)
	b := newBroker(t, client)
	ctx := context.Background()

	l, err := b.Acquire(ctx, "locks:databaseWrite", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	ok, _ := b.Release(ctx, l)
	assert.False(t, ok)
}

func TestReleaseNilLock(t *testing.T) {
	_, client := newRedis(t)
	b := newBroker(t, client)
	_, err := b.Release(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilLock)
}

func TestBrokerUnavailableRefuses(t *testing.T) {
	mr, client := newRedis(t)
	b := newBroker(t, client)
	mr.Close()

	_, err := b.Acquire(context.Background(), "locks:databaseWrite", time.Second)
	assert.ErrorIs(t, err, ErrLockUnavailable)
}

func TestQuorumToleratesMinorityOutage(t *testing.T) {
	mr1, c1 := newRedis(t)
	_, c2 := newRedis(t)
	mr3, c3 := newRedis(t)
	b := newBroker(t, c1, c2, c3)
	ctx := context.Background()

	mr3.Close()
	l, err := b.Acquire(ctx, "locks:databaseWrite", 5*time.Second)
	require.NoError(t, err, "2 of 3 instances form a majority")
	_, err = b.Release(ctx, l)
	require.NoError(t, err)

	mr1.Close()
	_, err = b.Acquire(ctx, "locks:databaseWrite", 5*time.Second)
	assert.ErrorIs(t, err, ErrLockUnavailable, "1 of 3 is not a majority")
}

func TestWithLockAlwaysReleases(t *testing.T) {
	mr, client := newRedis(t)
	b := newBroker(t, client)

	boom := errors.New("insert failed")
	err := b.WithLock(context.Background(), "locks:databaseWrite", 5*time.Second, func(ctx context.Context) error {
		assert.True(t, mr.Exists("locks:databaseWrite"))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, mr.Exists("locks:databaseWrite"), "lock released after failure")
}

func TestWithLocksReleasesPartialAcquisition(t *testing.T) {
	mr, client := newRedis(t)
	b := newBroker(t, client)
	ctx := context.Background()

	blocker, err := b.Acquire(ctx, "locks:databaseDelete", 5*time.Second)
	require.NoError(t, err)

	called := false
	err = b.WithLocks(ctx, []string{"locks:databaseWrite", "locks:databaseDelete"}, 5*time.Second,
		func(ctx context.Context) error {
			called = true
			return nil
		})
	assert.ErrorIs(t, err, ErrLockUnavailable)
	assert.False(t, called)
	assert.False(t, mr.Exists("locks:databaseWrite"), "already-held key released")

	_, err = b.Release(ctx, blocker)
	require.NoError(t, err)
}

func TestMutualExclusion(t *testing.T) {
	_, client := newRedis(t)
	b, err := NewBroker([]redis.UniversalClient{client}, Config{RetryCount: 200, RetryDelay: 5 * time.Millisecond},
		logging.NewNopLogger(), nil)
	require.NoError(t, err)

	var inside, maxInside, done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.WithLock(context.Background(), "locks:databaseWrite", 5*time.Second, func(ctx context.Context) error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(10 * time.Millisecond)
				inside.Add(-1)
				done.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInside.Load(), "critical sections never overlap")
	assert.EqualValues(t, 5, done.Load())
}
