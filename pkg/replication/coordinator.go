package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/pokeball-coordinator/pkg/cluster"
	"github.com/dd0wney/pokeball-coordinator/pkg/lock"
	"github.com/dd0wney/pokeball-coordinator/pkg/logging"
	"github.com/dd0wney/pokeball-coordinator/pkg/metrics"
	"github.com/dd0wney/pokeball-coordinator/pkg/replica"
)

// Locker provides the fleet-wide critical sections
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
	WithLocks(ctx context.Context, keys []string, ttl time.Duration, fn func(ctx context.Context) error) error
}

var _ Locker = (*lock.Broker)(nil)

// WriteResult is the outcome of a fanned-out insert.
// Replicas is aligned to the replica membership: a nil entry means that
// replica was down at submission or its insert failed.
type WriteResult struct {
	Row      replica.Row   `json:"row"` // the first successful insert
	Replicas []replica.Row `json:"replicas"`
}

// DeleteResult is the outcome of a fanned-out delete, aligned like WriteResult
type DeleteResult struct {
	Rows     []replica.Row   `json:"rows"` // rows deleted by the first successful replica
	Replicas [][]replica.Row `json:"replicas"`
}

// Coordinator fans writes and deletes out to the active replicas under
// fleet-wide locks, serves reads from the first replica with an answer and
// reconciles divergent replicas while this node leads.
type Coordinator struct {
	state   *cluster.State
	stores  map[string]replica.Store
	locker  Locker
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Registry
}

// NewCoordinator creates a coordinator over the replicas of state
func NewCoordinator(state *cluster.State, stores []replica.Store, locker Locker, cfg Config, logger logging.Logger, reg *metrics.Registry) (*Coordinator, error) {
	byName := make(map[string]replica.Store, len(stores))
	for _, s := range stores {
		byName[s.Name()] = s
	}
	for _, name := range state.Replicas() {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("no store for replica %s", name)
		}
	}
	cfg.applyDefaults()
	return &Coordinator{
		state:   state,
		stores:  byName,
		locker:  locker,
		cfg:     cfg,
		logger:  logging.OrDefault(logger).With(logging.Component("replication")),
		metrics: reg,
	}, nil
}

func lookup(table string) (*replica.Table, error) {
	t, err := replica.LookupTable(table)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownTable, err)
	}
	return t, nil
}

// fanout runs fn on every target concurrently, each bounded by the op
// timeout, and returns the successes keyed by replica. A failure is logged
// and never stops the others.
func fanout[T any](ctx context.Context, c *Coordinator, op string, targets []string, fn func(context.Context, replica.Store) (T, error)) map[string]T {
	var mu sync.Mutex
	out := make(map[string]T, len(targets))

	var wg sync.WaitGroup
	for _, name := range targets {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
			defer cancel()

			v, err := fn(rctx, c.stores[name])
			if err != nil {
				c.metrics.RecordFanout(op, name, "failed")
				c.logger.Warn("replica operation failed",
					logging.Operation(op), logging.Replica(name), logging.Error(err))
				return
			}
			c.metrics.RecordFanout(op, name, "ok")
			mu.Lock()
			out[name] = v
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// Write inserts row into table on every active replica while holding the
// write lock. It succeeds if at least one replica stored the row.
func (c *Coordinator) Write(ctx context.Context, table string, row replica.Row) (WriteResult, error) {
	t, err := lookup(table)
	if err != nil {
		return WriteResult{}, err
	}
	if err := t.Check(row); err != nil {
		return WriteResult{}, err
	}
	row = t.StampDefaults(row, time.Now())

	var result WriteResult
	err = c.locker.WithLock(ctx, c.cfg.WriteLockKey, c.cfg.LockTTL, func(ctx context.Context) error {
		targets := c.state.ActiveReplicas()
		if len(targets) == 0 {
			return ErrNoActiveReplicas
		}

		ok := fanout(ctx, c, "write", targets, func(ctx context.Context, s replica.Store) (replica.Row, error) {
			return s.Insert(ctx, table, row)
		})

		members := c.state.Replicas()
		result.Replicas = make([]replica.Row, len(members))
		for i, name := range members {
			if r, found := ok[name]; found {
				result.Replicas[i] = r
				if result.Row == nil {
					result.Row = r
				}
			}
		}
		if result.Row == nil {
			return ErrAllReplicasFailed
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("write %s: %w", table, err)
	}
	return result, nil
}

// Delete removes the rows matching cond from every active replica while
// holding the delete lock.
func (c *Coordinator) Delete(ctx context.Context, table string, cond replica.Condition) (DeleteResult, error) {
	t, err := lookup(table)
	if err != nil {
		return DeleteResult{}, err
	}
	if len(cond) == 0 {
		return DeleteResult{}, replica.ErrEmptyCondition
	}
	if err := t.Check(cond); err != nil {
		return DeleteResult{}, err
	}

	var result DeleteResult
	err = c.locker.WithLock(ctx, c.cfg.DeleteLockKey, c.cfg.LockTTL, func(ctx context.Context) error {
		targets := c.state.ActiveReplicas()
		if len(targets) == 0 {
			return ErrNoActiveReplicas
		}

		ok := fanout(ctx, c, "delete", targets, func(ctx context.Context, s replica.Store) ([]replica.Row, error) {
			return s.Delete(ctx, table, cond)
		})

		members := c.state.Replicas()
		result.Replicas = make([][]replica.Row, len(members))
		answered := false
		for i, name := range members {
			if rows, found := ok[name]; found {
				result.Replicas[i] = rows
				if !answered {
					result.Rows = rows
					answered = true
				}
			}
		}
		if !answered {
			return ErrAllReplicasFailed
		}
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("delete from %s: %w", table, err)
	}
	return result, nil
}

// Read returns the rows of table matching cond from the first active
// replica, in membership order, that has any. No lock is taken. An empty
// slice means every replica that answered had no match.
func (c *Coordinator) Read(ctx context.Context, table string, cond replica.Condition) ([]replica.Row, error) {
	t, err := lookup(table)
	if err != nil {
		return nil, err
	}
	if err := t.Check(cond); err != nil {
		return nil, err
	}

	active := c.state.ActiveReplicas()
	if len(active) == 0 {
		return nil, ErrNoActiveReplicas
	}

	answered := false
	for _, name := range active {
		rows, err := c.readOne(ctx, name, table, cond)
		if err != nil {
			c.metrics.RecordFanout("read", name, "failed")
			c.logger.Warn("replica read failed", logging.Replica(name), logging.Table(table), logging.Error(err))
			continue
		}
		c.metrics.RecordFanout("read", name, "ok")
		answered = true
		if len(rows) > 0 {
			return rows, nil
		}
	}
	if !answered {
		return nil, fmt.Errorf("read %s: %w", table, ErrAllReplicasFailed)
	}
	return []replica.Row{}, nil
}

func (c *Coordinator) readOne(ctx context.Context, name, table string, cond replica.Condition) ([]replica.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OpTimeout)
	defer cancel()
	return c.stores[name].Select(ctx, table, cond)
}

// ReconcileReport summarises one reconcile pass
type ReconcileReport struct {
	Skipped  bool // this node was not the leader
	Primary  string
	Diverged map[string][]string // replica -> tables that differed from the primary
	Resynced []string
	Failed   []string
}

// Reconcile compares the given tables (all tracked tables when none are
// named) of every active replica against the primary, the first active
// replica. A replica that differs is fully resynced from the primary under
// the write and delete locks; copying a single table would cascade through
// its foreign keys.
func (c *Coordinator) Reconcile(ctx context.Context, tables ...string) (ReconcileReport, error) {
	if !c.state.IsLeader() {
		return ReconcileReport{Skipped: true}, nil
	}
	if len(tables) == 0 {
		tables = replica.TableNames()
	}
	for _, t := range tables {
		if _, err := lookup(t); err != nil {
			return ReconcileReport{}, err
		}
	}

	report := ReconcileReport{Diverged: make(map[string][]string)}
	active := c.state.ActiveReplicas()
	if len(active) < 2 {
		return report, nil
	}
	report.Primary = active[0]
	primary := c.stores[active[0]]

	for _, name := range active[1:] {
		diff, err := c.diverged(ctx, primary, c.stores[name], tables)
		if err != nil {
			c.logger.Warn("reconcile compare failed", logging.Replica(name), logging.Error(err))
			report.Failed = append(report.Failed, name)
			continue
		}
		if len(diff) == 0 {
			continue
		}

		report.Diverged[name] = diff
		c.metrics.RecordDivergence(name)
		c.logger.Warn("replica diverged from primary",
			logging.Replica(name), logging.String("primary", report.Primary), logging.Strings("tables", diff))

		resynced, err := c.resync(ctx, primary, c.stores[name], tables)
		switch {
		case errors.Is(err, cluster.ErrNotLeader):
			return report, err
		case err != nil:
			c.logger.Error("reconcile resync failed", logging.Replica(name), logging.Error(err))
			report.Failed = append(report.Failed, name)
		case resynced:
			report.Resynced = append(report.Resynced, name)
		}
	}
	return report, nil
}

func (c *Coordinator) diverged(ctx context.Context, a, b replica.Store, tables []string) ([]string, error) {
	diff, err := replica.Diverged(ctx, a, b)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range diff {
		for _, want := range tables {
			if t == want {
				out = append(out, t)
				break
			}
		}
	}
	return out, nil
}

// resync confirms the divergence under both locks, since a fan-out may
// have been in flight during the unlocked comparison, then copies.
func (c *Coordinator) resync(ctx context.Context, src, dst replica.Store, tables []string) (bool, error) {
	copied := false
	err := c.locker.WithLocks(ctx, c.cfg.LockKeys(), c.cfg.ResyncLockTTL, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, lock.Budget(c.cfg.ResyncLockTTL))
		defer cancel()

		if !c.state.IsLeader() {
			return cluster.ErrNotLeader
		}
		diff, err := c.diverged(ctx, src, dst, tables)
		if err != nil || len(diff) == 0 {
			return err
		}

		start := time.Now()
		if err := replica.Resync(ctx, src, dst); err != nil {
			c.metrics.RecordResync(dst.Name(), "failed", time.Since(start))
			return err
		}
		c.metrics.RecordResync(dst.Name(), "ok", time.Since(start))
		copied = true
		return nil
	})
	return copied, err
}
