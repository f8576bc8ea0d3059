package health

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

// Locker serializes a resync with fleet-wide writes and deletes
type Locker interface {
	WithLocks(ctx context.Context, keys []string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// MonitorConfig configures the replica health monitor
type MonitorConfig struct {
	ProbeTimeout time.Duration // a probe slower than this counts as down (default: 2s)
	LockKeys     []string      // held for the whole resync, in this order
	LockTTL      time.Duration // TTL of the resync locks (default: 60s)
}

// Report summarises one monitor pass
type Report struct {
	Skipped   bool // this node was not the leader
	Probes    map[string]cluster.Liveness
	Lost      []string // active replicas that stopped answering
	Recovered []string // down replicas that came back and were resynced
	Deferred  []string // down replicas that came back but could not be resynced yet
}

// Monitor probes the replicas and maintains the active/down partition.
// It acts only while this node is the leader.
type Monitor struct {
	state   *cluster.State
	stores  map[string]replica.Store
	locker  Locker
	cfg     MonitorConfig
	logger  logging.Logger
	metrics *metrics.Registry
}

// NewMonitor creates a monitor for the replicas of state
func NewMonitor(state *cluster.State, stores []replica.Store, locker Locker, cfg MonitorConfig, logger logging.Logger, reg *metrics.Registry) (*Monitor, error) {
	byName := make(map[string]replica.Store, len(stores))
	for _, s := range stores {
		byName[s.Name()] = s
	}
	for _, name := range state.Replicas() {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("no store for replica %s", name)
		}
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 60 * time.Second
	}
	return &Monitor{
		state:   state,
		stores:  byName,
		locker:  locker,
		cfg:     cfg,
		logger:  logging.OrDefault(logger).With(logging.Component("monitor")),
		metrics: reg,
	}, nil
}

// Pass runs one health pass: probe every replica concurrently, mark the
// lost ones down, then recover the returning ones, each in membership order.
// A replica lost in this pass is never a recovery source.
func (m *Monitor) Pass(ctx context.Context) (Report, error) {
	if !m.state.IsLeader() {
		return Report{Skipped: true}, nil
	}

	report := Report{Probes: m.probe(ctx)}

	var returning []string
	for _, name := range m.state.Replicas() {
		was, err := m.state.Liveness(name)
		if err != nil {
			return report, err
		}
		alive := report.Probes[name] == cluster.Alive

		switch {
		case was == cluster.Alive && !alive:
			if err := m.state.MarkDown(name); err != nil {
				return report, err
			}
			m.logger.Warn("replica down", logging.Replica(name))
			report.Lost = append(report.Lost, name)
		case was == cluster.Down && alive:
			returning = append(returning, name)
		}
	}

	for _, name := range returning {
		err := m.recover(ctx, name, report.Probes)
		if errors.Is(err, cluster.ErrNotLeader) {
			return report, err
		}
		if err != nil {
			m.logger.Warn("replica recovery deferred", logging.Replica(name), logging.Error(err))
			report.Deferred = append(report.Deferred, name)
			continue
		}
		report.Recovered = append(report.Recovered, name)
	}

	return report, nil
}

func (m *Monitor) probe(ctx context.Context) map[string]cluster.Liveness {
	names := m.state.Replicas()
	results := make([]cluster.Liveness, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		i, name := i, name
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			defer cancel()

			err := m.stores[name].Ping(pctx)
			m.metrics.RecordProbe(name, err == nil)
			if err != nil {
				m.logger.Debug("probe failed", logging.Replica(name), logging.Error(err))
				results[i] = cluster.Down
				return
			}
			results[i] = cluster.Alive
		}()
	}
	wg.Wait()

	out := make(map[string]cluster.Liveness, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out
}

// recover activates a replica that answers again and copies into it the
// first active replica that also answered this pass. The write and delete
// locks are held throughout so no fan-out interleaves with the copy. A
// failed copy puts the replica back down; the next pass retries.
func (m *Monitor) recover(ctx context.Context, name string, probes map[string]cluster.Liveness) error {
	var source string
	for _, s := range m.state.ActiveReplicas() {
		if s != name && probes[s] == cluster.Alive {
			source = s
			break
		}
	}

	return m.locker.WithLocks(ctx, m.cfg.LockKeys, m.cfg.LockTTL, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, lock.Budget(m.cfg.LockTTL))
		defer cancel()

		if err := m.state.MarkActive(name); err != nil {
			return err
		}
		if source == "" {
			m.logger.Warn("no active replica to resync from, activating as is", logging.Replica(name))
			return nil
		}

		m.logger.Info("resyncing recovered replica", logging.Replica(name), logging.String("source", source))
		start := time.Now()
		if err := replica.Resync(ctx, m.stores[source], m.stores[name]); err != nil {
			m.metrics.RecordResync(name, "failed", time.Since(start))
			if downErr := m.state.MarkDown(name); downErr != nil {
				return errors.Join(err, downErr)
			}
			return fmt.Errorf("resync from %s: %w", source, err)
		}
		m.metrics.RecordResync(name, "ok", time.Since(start))
		m.logger.Info("replica resynced", logging.Replica(name), logging.Latency(time.Since(start)))
		return nil
	})
}

var _ Locker = (*lock.Broker)(nil)
