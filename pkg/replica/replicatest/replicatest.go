// Package replicatest provides in-memory replicas that can be taken down
// and brought back, for tests of the health monitor and replication.
package replicatest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/dd0wney/pokeball-coordinator/pkg/replica"
)

// Store wraps a replica.Store with a switchable outage
type Store struct {
	replica.Store

	mu          sync.RWMutex
	down        bool
	failReplace error
	inserts     int
}

// New returns an in-memory badger replica closed at test cleanup
func New(t testing.TB, name string) *Store {
	t.Helper()
	s, err := replica.NewBadgerStore(name, "")
	if err != nil {
		t.Fatalf("open replica %s: %v", name, err)
	}
	t.Cleanup(func() { s.Close() })
	return Wrap(s)
}

// Wrap makes an existing store switchable
func Wrap(s replica.Store) *Store {
	return &Store{Store: s}
}

// SetDown takes the replica down or brings it back
func (s *Store) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// FailReplace makes every Replace fail with err until reset with nil
func (s *Store) FailReplace(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReplace = err
}

// Inserts returns the number of successful inserts through the wrapper
func (s *Store) Inserts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inserts
}

func (s *Store) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.down {
		return fmt.Errorf("%w: %s", replica.ErrReplicaDown, s.Name())
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.Store.Ping(ctx)
}

func (s *Store) Select(ctx context.Context, table string, cond replica.Condition) ([]replica.Row, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Store.Select(ctx, table, cond)
}

func (s *Store) Insert(ctx context.Context, table string, row replica.Row) (replica.Row, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	r, err := s.Store.Insert(ctx, table, row)
	if err == nil {
		s.mu.Lock()
		s.inserts++
		s.mu.Unlock()
	}
	return r, err
}

func (s *Store) Delete(ctx context.Context, table string, cond replica.Condition) ([]replica.Row, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.Store.Delete(ctx, table, cond)
}

func (s *Store) Replace(ctx context.Context, snap replica.Snapshot) error {
	if err := s.check(); err != nil {
		return err
	}
	s.mu.RLock()
	failure := s.failReplace
	s.mu.RUnlock()
	if failure != nil {
		return failure
	}
	return s.Store.Replace(ctx, snap)
}

// Seed inserts rows directly into the underlying store, ignoring the outage switch
func Seed(t testing.TB, s replica.Store, table string, rows ...replica.Row) {
	t.Helper()
	if w, ok := s.(*Store); ok {
		s = w.Store
	}
	for _, r := range rows {
		if _, err := s.Insert(context.Background(), table, r); err != nil {
			t.Fatalf("seed %s into %s: %v", table, s.Name(), err)
		}
	}
}

// Contents returns a snapshot of the underlying store, ignoring the outage switch
func Contents(t testing.TB, s replica.Store) replica.Snapshot {
	t.Helper()
	if w, ok := s.(*Store); ok {
		s = w.Store
	}
	snap, err := replica.TakeSnapshot(context.Background(), s)
	if err != nil {
		t.Fatalf("snapshot %s: %v", s.Name(), err)
	}
	return snap
}

// User returns a users row with the given id
func User(id int64, name string) replica.Row {
	return replica.Row{"id": id, "name": name, "email": name + "@example.com", "password": "x"}
}

// Post returns a posts row with the given id written by userID
func Post(id, userID int64, animal string) replica.Row {
	return replica.Row{
		"id":                 id,
		"user_id":            userID,
		"animal":             animal,
		"conservation_notes": "least concern",
		"image_url":          "https://img.example.com/" + animal + ".jpg",
		"latitude":           -33.86,
		"longitude":          151.2,
		"created_at":         "2025-01-02T03:04:05Z",
	}
}
