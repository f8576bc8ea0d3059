// Package node wires one coordinator process: peer messenger, bully elector,
// lock broker, replica health monitor and replication coordinator, driven by
// a periodic, non-reentrant coordination tick.
package node

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/dd0wney/pokeball-coordinator/pkg/cluster"
	"github.com/dd0wney/pokeball-coordinator/pkg/config"
	"github.com/dd0wney/pokeball-coordinator/pkg/coord"
	"github.com/dd0wney/pokeball-coordinator/pkg/health"
	"github.com/dd0wney/pokeball-coordinator/pkg/lock"
	"github.com/dd0wney/pokeball-coordinator/pkg/logging"
	"github.com/dd0wney/pokeball-coordinator/pkg/metrics"
	"github.com/dd0wney/pokeball-coordinator/pkg/peer"
	"github.com/dd0wney/pokeball-coordinator/pkg/replica"
	"github.com/dd0wney/pokeball-coordinator/pkg/replication"
	"github.com/redis/go-redis/v9"
)

// Options carries the resources a node is built from. The node does not
// own Stores or Redis clients; the caller closes them.
type Options struct {
	Config     *config.Config
	Stores     []replica.Store         // in replica membership order
	Redis      []redis.UniversalClient // lock instances; the first also holds the leader key
	Transport  peer.Transport          // default: NNG over TCP
	ListenAddr string                  // default: the node's configured listen address
	Logger     logging.Logger
	Metrics    *metrics.Registry // default: the process-wide registry
}

// TickReport summarises one coordination tick
type TickReport struct {
	Leadership cluster.Leadership
	Health     health.Report
	Reconcile  replication.ReconcileReport
}

// Node is one coordinator process
type Node struct {
	cfg         *config.Config
	state       *cluster.State
	messenger   *peer.Messenger
	elector     *cluster.Elector
	monitor     *health.Monitor
	coordinator *replication.Coordinator
	health      *health.HealthChecker
	logger      logging.Logger
	metrics     *metrics.Registry

	tickMu    sync.Mutex
	cleanup   *ResourceCleanup
	closeOnce sync.Once
	closeErr  error
}

// New builds a node. Nothing listens until Run (or Start) is called.
func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, ErrNoConfig
	}
	if len(opts.Stores) == 0 {
		return nil, ErrNoStores
	}
	if len(opts.Redis) == 0 {
		return nil, lock.ErrNoBrokers
	}

	reg := opts.Metrics
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}
	logger := logging.OrDefault(opts.Logger).With(logging.Node(cfg.Node.ID))

	transport := opts.Transport
	if transport == nil {
		transport = peer.NewNNGTransport()
	}
	listenAddr := opts.ListenAddr
	if listenAddr == "" {
		listenAddr = cfg.Node.ListenAddress()
	}

	names := make([]string, len(opts.Stores))
	for i, s := range opts.Stores {
		names[i] = s.Name()
	}
	state := cluster.NewState(cfg.Node.ID, names, reg)

	peers := make([]peer.Peer, len(cfg.Peers))
	peerIDs := make([]int, len(cfg.Peers))
	for i, p := range cfg.Peers {
		peers[i] = peer.Peer{ID: p.ID, Addr: p.Address()}
		peerIDs[i] = p.ID
	}
	messenger := peer.NewMessenger(peer.Config{
		SelfID:     cfg.Node.ID,
		ListenAddr: listenAddr,
		Peers:      peers,
		Timeout:    cfg.Timing.PeerTimeout,
	}, transport, logger, reg)

	cleanup := NewResourceCleanup(logger)
	cleanup.Add(messenger, "peer messenger")

	electorCfg := cluster.DefaultElectorConfig(cfg.Node.ID, peerIDs)
	electorCfg.ElectionTimeout = cfg.Timing.PeerTimeout
	elector, err := cluster.NewElector(electorCfg, state, coord.NewRedisStore(opts.Redis[0], cfg.LeaderKey), messenger, logger, reg)
	if err != nil {
		cleanup.Cleanup()
		return nil, fmt.Errorf("failed to create elector: %w", err)
	}
	cleanup.Add(CloserFunc(func() error {
		elector.Close()
		return nil
	}), "elector")

	broker, err := lock.NewBroker(opts.Redis, lock.Config{
		RetryCount: cfg.Locks.RetryCount,
		RetryDelay: cfg.Locks.RetryDelay,
	}, logger, reg)
	if err != nil {
		cleanup.Cleanup()
		return nil, fmt.Errorf("failed to create lock broker: %w", err)
	}

	repCfg := replication.Config{
		WriteLockKey:  cfg.Locks.WriteKey,
		DeleteLockKey: cfg.Locks.DeleteKey,
		LockTTL:       cfg.Locks.TTL,
		ResyncLockTTL: cfg.Locks.ResyncTTL,
		OpTimeout:     cfg.Timing.ReplicaOpTimeout,
	}
	coordinator, err := replication.NewCoordinator(state, opts.Stores, broker, repCfg, logger, reg)
	if err != nil {
		cleanup.Cleanup()
		return nil, fmt.Errorf("failed to create replication coordinator: %w", err)
	}

	monitor, err := health.NewMonitor(state, opts.Stores, broker, health.MonitorConfig{
		ProbeTimeout: cfg.Timing.ProbeTimeout,
		LockKeys:     repCfg.LockKeys(),
		LockTTL:      cfg.Locks.ResyncTTL,
	}, logger, reg)
	if err != nil {
		cleanup.Cleanup()
		return nil, fmt.Errorf("failed to create health monitor: %w", err)
	}

	n := &Node{
		cfg:         cfg,
		state:       state,
		messenger:   messenger,
		elector:     elector,
		monitor:     monitor,
		coordinator: coordinator,
		logger:      logger,
		metrics:     reg,
		cleanup:     cleanup,
	}
	n.health = n.healthChecker(opts.Stores)
	return n, nil
}

func (n *Node) healthChecker(stores []replica.Store) *health.HealthChecker {
	hc := health.NewHealthChecker()

	election := health.ElectionCheck(n.state.Leadership)
	partition := health.ReplicaPartitionCheck(func() ([]string, []string) {
		return n.state.ActiveReplicas(), n.state.DownReplicas()
	})
	memory := health.MemoryCheck(memoryUsage)

	hc.RegisterCheck("election", election)
	hc.RegisterCheck("replicas", partition)
	hc.RegisterCheck("memory", memory)
	for _, s := range stores {
		hc.RegisterCheck("replica:"+s.Name(), health.ReplicaPingCheck(s, n.cfg.Timing.ProbeTimeout))
	}

	hc.RegisterReadinessCheck("replicas", partition)
	hc.RegisterLivenessCheck("memory", memory)
	return hc
}

func memoryUsage() (alloc, sys uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc, m.Sys
}

// State returns the node's cluster state
func (n *Node) State() *cluster.State {
	return n.state
}

// Coordinator returns the replication coordinator serving writes, deletes and reads
func (n *Node) Coordinator() *replication.Coordinator {
	return n.coordinator
}

// HealthChecker returns the checks behind the admin health endpoints
func (n *Node) HealthChecker() *health.HealthChecker {
	return n.health
}

// Metrics returns the registry the node records into
func (n *Node) Metrics() *metrics.Registry {
	return n.metrics
}

// Start begins serving peer messages
func (n *Node) Start() error {
	if err := n.messenger.Start(); err != nil {
		return fmt.Errorf("failed to start peer listener: %w", err)
	}
	return nil
}

// Tick runs one coordination pass: election check, then, while leading,
// a replica health pass and a reconcile pass, each after the previous one
// settles. A tick started while another is running returns ErrTickInFlight.
func (n *Node) Tick(ctx context.Context) (TickReport, error) {
	if !n.tickMu.TryLock() {
		n.metrics.RecordTick("skipped", 0)
		return TickReport{}, ErrTickInFlight
	}
	defer n.tickMu.Unlock()

	start := time.Now()
	report, err := n.tick(ctx)
	if err != nil {
		n.metrics.RecordTick("failed", time.Since(start))
		return report, err
	}
	n.metrics.RecordTick("completed", time.Since(start))
	n.metrics.UpdateUptime()
	return report, nil
}

func (n *Node) tick(ctx context.Context) (TickReport, error) {
	var report TickReport

	if err := n.elector.Check(ctx); err != nil {
		n.logger.Warn("election check failed", logging.Error(err))
	}
	report.Leadership = n.state.Leadership()
	if !report.Leadership.IsLeader {
		report.Health.Skipped = true
		report.Reconcile.Skipped = true
		return report, nil
	}

	hr, err := n.monitor.Pass(ctx)
	report.Health = hr
	if err != nil {
		return report, fmt.Errorf("health pass: %w", err)
	}

	rr, err := n.coordinator.Reconcile(ctx)
	report.Reconcile = rr
	if err != nil {
		return report, fmt.Errorf("reconcile: %w", err)
	}
	return report, nil
}

// Run starts the peer listener, runs a cold-start tick after the startup
// delay and then one tick per interval until ctx ends. On the way out the
// node resigns leadership and closes its transports.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(); err != nil {
		return err
	}
	defer n.shutdown()

	n.logger.Info("coordinator started",
		logging.Int("peers", len(n.cfg.Peers)),
		logging.Strings("replicas", n.state.Replicas()),
		logging.Duration("tick_interval", n.cfg.Timing.TickInterval))

	startup := time.NewTimer(n.cfg.Timing.StartupDelay)
	defer startup.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-startup.C:
	}
	n.runTick(ctx)

	ticker := time.NewTicker(n.cfg.Timing.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.runTick(ctx)
		}
	}
}

func (n *Node) runTick(ctx context.Context) {
	report, err := n.Tick(ctx)
	switch {
	case errors.Is(err, ErrTickInFlight):
		n.logger.Debug("tick skipped, previous tick still running")
	case err != nil && ctx.Err() != nil:
		n.logger.Debug("tick interrupted by shutdown", logging.Error(err))
	case err != nil:
		n.logger.Error("coordination tick failed", logging.Error(err))
	default:
		n.logger.Debug("coordination tick",
			logging.String("state", report.Leadership.State.String()),
			logging.Leader(report.Leadership.LeaderID),
			logging.Strings("lost", report.Health.Lost),
			logging.Strings("recovered", report.Health.Recovered),
			logging.Strings("resynced", report.Reconcile.Resynced))
	}
}

func (n *Node) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timing.PeerTimeout)
	defer cancel()
	if err := n.elector.Resign(ctx); err != nil {
		n.logger.Warn("failed to resign leadership", logging.Error(err))
	}
	n.Close()
	n.logger.Info("coordinator stopped")
}

// Close stops elections and closes the peer transport. It does not resign;
// Run does that on its way out.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.closeErr = n.cleanup.CloseAll()
	})
	return n.closeErr
}
