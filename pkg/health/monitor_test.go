package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dd0wney/pokeball-coordinator/pkg/cluster"
	"github.com/dd0wney/pokeball-coordinator/pkg/lock"
	"github.com/dd0wney/pokeball-coordinator/pkg/logging"
	"github.com/dd0wney/pokeball-coordinator/pkg/replica"
	"github.com/dd0wney/pokeball-coordinator/pkg/replica/replicatest"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var lockKeys = []string{"locks:databaseWrite", "locks:databaseDelete"}

type fixture struct {
	state   *cluster.State
	a, b, c *replicatest.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		a: replicatest.New(t, "db1"),
		b: replicatest.New(t, "db2"),
		c: replicatest.New(t, "db3"),
	}
	f.state = cluster.NewState(1, []string{"db1", "db2", "db3"}, nil)
	f.state.AdoptLeader(1)
	return f
}

func (f *fixture) stores() []replica.Store {
	return []replica.Store{f.a, f.b, f.c}
}

func newBroker(t *testing.T) *lock.Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	b, err := lock.NewBroker([]redis.UniversalClient{client}, lock.Config{RetryCount: 2, RetryDelay: 10 * time.Millisecond}, logging.NewNopLogger(), nil)
	require.NoError(t, err)
	return b
}

func newTestMonitor(t *testing.T, f *fixture, locker Locker) *Monitor {
	t.Helper()
	m, err := NewMonitor(f.state, f.stores(), locker, MonitorConfig{
		ProbeTimeout: 100 * time.Millisecond,
		LockKeys:     lockKeys,
		LockTTL:      5 * time.Second,
	}, logging.NewNopLogger(), nil)
	require.NoError(t, err)
	return m
}

func seedDataset(t *testing.T, s replica.Store) {
	replicatest.Seed(t, s, "users", replicatest.User(1, "ash"), replicatest.User(2, "misty"))
	replicatest.Seed(t, s, "posts", replicatest.Post(1, 1, "pikachu"), replicatest.Post(2, 2, "staryu"))
	replicatest.Seed(t, s, "upvotes", replica.Row{"id": 1, "post_id": 1, "user_id": 2})
	replicatest.Seed(t, s, "badges", replica.Row{"id": 1, "user_id": 1, "name": "boulder", "awarded_at": "2025-01-01T00:00:00Z"})
}

func TestNewMonitorRequiresEveryStore(t *testing.T) {
	f := newFixture(t)
	_, err := NewMonitor(f.state, []replica.Store{f.a}, newBroker(t), MonitorConfig{}, nil, nil)
	assert.Error(t, err)
}

func TestPassSkippedOnFollower(t *testing.T) {
	f := newFixture(t)
	f.state.AdoptLeader(2)
	f.c.SetDown(true)

	report, err := newTestMonitor(t, f, newBroker(t)).Pass(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, f.state.DownReplicas())
}

func TestPassMarksUnreachableReplicaDown(t *testing.T) {
	f := newFixture(t)
	f.c.SetDown(true)

	report, err := newTestMonitor(t, f, newBroker(t)).Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"db3"}, report.Lost)
	assert.Equal(t, cluster.Down, report.Probes["db3"])
	assert.Equal(t, []string{"db1", "db2"}, f.state.ActiveReplicas())
	assert.Equal(t, []string{"db3"}, f.state.DownReplicas())
}

func TestRecoveredReplicaIsResynced(t *testing.T) {
	f := newFixture(t)
	m := newTestMonitor(t, f, newBroker(t))
	ctx := context.Background()

	seedDataset(t, f.a)
	seedDataset(t, f.b)

	f.c.SetDown(true)
	_, err := m.Pass(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"db3"}, f.state.DownReplicas())

	// While down, db3 drifted from the others.
	replicatest.Seed(t, f.c, "users", replicatest.User(7, "team rocket"))
	replicatest.Seed(t, f.c, "badges", replica.Row{"id": 3, "user_id": 7, "name": "fake", "awarded_at": "2025-02-01T00:00:00Z"})
	require.NotEmpty(t, replicatest.Contents(t, f.c).Diff(replicatest.Contents(t, f.a)))

	f.c.SetDown(false)
	report, err := m.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db3"}, report.Recovered)
	assert.Empty(t, report.Deferred)

	assert.Empty(t, replicatest.Contents(t, f.c).Diff(replicatest.Contents(t, f.a)))
	assert.Equal(t, []string{"db1", "db2", "db3"}, f.state.ActiveReplicas())
	assert.Empty(t, f.state.DownReplicas())
}

func TestRecoverySourceMustAnswerThisPass(t *testing.T) {
	f := newFixture(t)
	m := newTestMonitor(t, f, newBroker(t))
	ctx := context.Background()

	f.a.SetDown(true)
	_, err := m.Pass(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"db1"}, f.state.DownReplicas())

	seedDataset(t, f.c)
	replicatest.Seed(t, f.b, "users", replicatest.User(9, "gary"))

	// db1 returns in the same pass that db2, the first active replica, dies.
	f.a.SetDown(false)
	f.b.SetDown(true)
	report, err := m.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db2"}, report.Lost)
	assert.Equal(t, []string{"db1"}, report.Recovered)
	assert.Empty(t, report.Deferred)

	assert.Empty(t, replicatest.Contents(t, f.a).Diff(replicatest.Contents(t, f.c)))
	assert.Equal(t, []string{"db1", "db3"}, f.state.ActiveReplicas())
	assert.Equal(t, []string{"db2"}, f.state.DownReplicas())
}

type deadlineStore struct {
	replica.Store
	mu       sync.Mutex
	deadline time.Time
	ok       bool
}

func (s *deadlineStore) Replace(ctx context.Context, snap replica.Snapshot) error {
	s.mu.Lock()
	s.deadline, s.ok = ctx.Deadline()
	s.mu.Unlock()
	return s.Store.Replace(ctx, snap)
}

func TestRecoveryResyncEndsBeforeLockTTL(t *testing.T) {
	f := newFixture(t)
	target := &deadlineStore{Store: f.c}
	m, err := NewMonitor(f.state, []replica.Store{f.a, f.b, target}, newBroker(t), MonitorConfig{
		ProbeTimeout: 100 * time.Millisecond,
		LockKeys:     lockKeys,
		LockTTL:      5 * time.Second,
	}, logging.NewNopLogger(), nil)
	require.NoError(t, err)
	ctx := context.Background()
	seedDataset(t, f.a)

	f.c.SetDown(true)
	_, err = m.Pass(ctx)
	require.NoError(t, err)

	f.c.SetDown(false)
	start := time.Now()
	report, err := m.Pass(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"db3"}, report.Recovered)

	target.mu.Lock()
	defer target.mu.Unlock()
	require.True(t, target.ok, "resync ran without a deadline")
	assert.True(t, target.deadline.Before(start.Add(5*time.Second)))
	assert.Empty(t, replicatest.Contents(t, f.c).Diff(replicatest.Contents(t, f.a)))
}

func TestFailedResyncIsRetriedNextPass(t *testing.T) {
	f := newFixture(t)
	m := newTestMonitor(t, f, newBroker(t))
	ctx := context.Background()
	seedDataset(t, f.a)

	f.c.SetDown(true)
	_, err := m.Pass(ctx)
	require.NoError(t, err)

	f.c.SetDown(false)
	f.c.FailReplace(errors.New("disk full"))
	report, err := m.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db3"}, report.Deferred)
	assert.Equal(t, []string{"db3"}, f.state.DownReplicas())

	f.c.FailReplace(nil)
	report, err = m.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db3"}, report.Recovered)
	assert.Empty(t, replicatest.Contents(t, f.c).Diff(replicatest.Contents(t, f.a)))
}

type fakeLocker struct {
	mu    sync.Mutex
	err   error
	calls [][]string
}

func (l *fakeLocker) WithLocks(ctx context.Context, keys []string, _ time.Duration, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	l.calls = append(l.calls, keys)
	err := l.err
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return fn(ctx)
}

func TestRecoveryDeferredWithoutLocks(t *testing.T) {
	f := newFixture(t)
	locker := &fakeLocker{}
	m := newTestMonitor(t, f, locker)
	ctx := context.Background()

	f.b.SetDown(true)
	_, err := m.Pass(ctx)
	require.NoError(t, err)
	assert.Empty(t, locker.calls, "losing a replica takes no locks")

	f.b.SetDown(false)
	locker.err = lock.ErrLockUnavailable
	report, err := m.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db2"}, report.Deferred)
	assert.Equal(t, []string{"db2"}, f.state.DownReplicas())
	require.Len(t, locker.calls, 1)
	assert.Equal(t, lockKeys, locker.calls[0])
}

func TestRecoveryWithNoActiveSource(t *testing.T) {
	f := newFixture(t)
	m := newTestMonitor(t, f, &fakeLocker{})
	ctx := context.Background()

	for _, s := range []*replicatest.Store{f.a, f.b, f.c} {
		s.SetDown(true)
	}
	_, err := m.Pass(ctx)
	require.NoError(t, err)
	require.Empty(t, f.state.ActiveReplicas())

	replicatest.Seed(t, f.b, "users", replicatest.User(1, "ash"))
	f.b.SetDown(false)
	report, err := m.Pass(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"db2"}, report.Recovered)
	assert.Equal(t, []string{"db2"}, f.state.ActiveReplicas())
	assert.Len(t, replicatest.Contents(t, f.b)["users"], 1, "activated without a copy")
}

type hangingStore struct {
	replica.Store
}

func (hangingStore) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSlowProbeCountsAsDown(t *testing.T) {
	f := newFixture(t)
	stores := []replica.Store{f.a, f.b, hangingStore{f.c}}
	m, err := NewMonitor(f.state, stores, &fakeLocker{}, MonitorConfig{ProbeTimeout: 50 * time.Millisecond}, logging.NewNopLogger(), nil)
	require.NoError(t, err)

	start := time.Now()
	report, err := m.Pass(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, []string{"db3"}, report.Lost)
}
