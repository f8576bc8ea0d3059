package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/dd0wney/pokeball-coordinator/pkg/logging"
	"github.com/dd0wney/pokeball-coordinator/pkg/metrics"
	"github.com/dd0wney/pokeball-coordinator/pkg/peer"
)

// NewElector creates an elector and registers its peer message handlers
func NewElector(cfg ElectorConfig, state *State, store LeaderStore, messenger Messenger, logger logging.Logger, reg *metrics.Registry) (*Elector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Elector{
		cfg:       cfg,
		state:     state,
		store:     store,
		messenger: messenger,
		logger:    logging.OrDefault(logger).With(logging.Component("elector"), logging.Node(cfg.SelfID)),
		metrics:   reg,
		baseCtx:   ctx,
		cancel:    cancel,
	}
	messenger.OnMessage(peer.TypeElection, e.handleElection)
	messenger.OnMessage(peer.TypeLeader, e.handleLeader)
	messenger.OnMessage(peer.TypeHealth, e.handleHealth)
	return e, nil
}

// State returns the cluster state this elector maintains
func (e *Elector) State() *State {
	return e.state
}

// Check is the election phase of a coordination tick. It reads the
// published leader, starts an election when there is none or it is
// outranked, and otherwise probes the leader's health.
func (e *Elector) Check(ctx context.Context) error {
	leaderID, ok, err := e.store.Leader(ctx)
	if err != nil {
		e.logger.Warn("leader store unavailable, using last known leader", logging.Error(err))
		leaderID, ok = e.state.LeaderID()
	}
	e.state.observeLeader(leaderID, ok)

	self := e.cfg.SelfID
	switch {
	case !ok:
		e.logger.Info("no leader recorded, starting election")
		return e.ignoreInFlight(e.RunElection(ctx))
	case leaderID < self:
		if e.state.Leadership().ElectionInFlight {
			return nil
		}
		e.logger.Info("recorded leader is outranked, starting election", logging.Leader(leaderID))
		return e.ignoreInFlight(e.RunElection(ctx))
	case leaderID == self:
		return nil
	}

	// Follower: the failure detector.
	reply, err := e.messenger.Send(ctx, leaderID, peer.Health())
	if err == nil && reply.Type == peer.TypeOK {
		return nil
	}
	e.logger.Warn("leader presumed dead", logging.Leader(leaderID), logging.Error(err))
	return e.ignoreInFlight(e.RunElection(ctx))
}

func (e *Elector) ignoreInFlight(_ bool, err error) error {
	if errors.Is(err, ErrElectionInFlight) {
		return nil
	}
	return err
}

// RunElection runs one bully election. It returns true if this node
// declared leadership. ErrElectionInFlight is returned when another
// election on this node has not settled yet.
func (e *Elector) RunElection(ctx context.Context) (bool, error) {
	gen, ok := e.state.beginElection()
	if !ok {
		return false, ErrElectionInFlight
	}
	start := time.Now()
	self := e.cfg.SelfID

	expected, _, err := e.store.Leader(ctx)
	if err != nil {
		e.logger.Warn("leader store unavailable during election", logging.Error(err))
	}

	if higher := e.cfg.higherPeers(); len(higher) > 0 {
		bctx, cancel := context.WithTimeout(ctx, e.cfg.ElectionTimeout)
		replies := e.messenger.Broadcast(bctx, higher, peer.Election(self))
		cancel()

		for _, r := range replies {
			// An unreachable peer does not object.
			if r.Err == nil && r.Message.Type == peer.TypeBullied {
				e.logger.Info("bullied by higher node", logging.Peer(r.PeerID))
				if e.state.finishElection(gen, false) {
					e.metrics.RecordElection("lost", time.Since(start))
				} else {
					e.metrics.RecordElection("superseded", time.Since(start))
				}
				return false, nil
			}
		}
	}

	if !e.state.current(gen) {
		e.logger.Info("election superseded by leader announcement")
		e.metrics.RecordElection("superseded", time.Since(start))
		return false, nil
	}

	if err == nil {
		published, casErr := e.store.CompareAndSet(ctx, expected, self)
		switch {
		case casErr != nil:
			e.logger.Warn("could not publish leadership", logging.Error(casErr))
		case !published:
			return false, e.adoptPublished(ctx, gen, start)
		}
	}

	if !e.state.finishElection(gen, true) {
		// A leader was announced while publishing; withdraw our claim.
		if _, err := e.store.Clear(ctx, self); err != nil {
			e.logger.Warn("could not withdraw leadership claim", logging.Error(err))
		}
		e.metrics.RecordElection("superseded", time.Since(start))
		return false, nil
	}
	e.metrics.RecordElection("won", time.Since(start))
	e.logger.Info("declared leadership", logging.Latency(time.Since(start)))

	e.announce(ctx)
	return true, nil
}

// adoptPublished follows the leader another node published while this
// node's election was running.
func (e *Elector) adoptPublished(ctx context.Context, gen uint64, start time.Time) error {
	winner, ok, err := e.store.Leader(ctx)
	if err != nil || !ok {
		e.state.finishElection(gen, false)
		e.metrics.RecordElection("lost", time.Since(start))
		return err
	}
	e.logger.Info("another node published leadership first", logging.Leader(winner))
	e.state.AdoptLeader(winner)
	e.metrics.RecordElection("superseded", time.Since(start))
	return nil
}

func (e *Elector) announce(ctx context.Context) {
	bctx, cancel := context.WithTimeout(ctx, e.cfg.ElectionTimeout)
	defer cancel()
	for _, r := range e.messenger.Broadcast(bctx, e.cfg.PeerIDs, peer.LeaderAnnouncement(e.cfg.SelfID)) {
		if r.Err != nil {
			e.logger.Debug("leader announcement not delivered", logging.Peer(r.PeerID), logging.Error(r.Err))
		}
	}
}

func (e *Elector) handleElection(_ context.Context, msg peer.Message) peer.Message {
	if msg.Port >= e.cfg.SelfID {
		return peer.OK()
	}
	e.logger.Debug("bullying lower node", logging.Peer(msg.Port))
	if !e.state.Leadership().ElectionInFlight {
		e.startAsync()
	}
	return peer.Bullied()
}

func (e *Elector) startAsync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.RunElection(e.baseCtx); err != nil && !errors.Is(err, ErrElectionInFlight) {
			e.logger.Warn("election failed", logging.Error(err))
		}
	}()
}

func (e *Elector) handleLeader(_ context.Context, msg peer.Message) peer.Message {
	if msg.Leader <= 0 {
		return peer.OK()
	}
	e.logger.Info("adopting announced leader", logging.Leader(msg.Leader))
	e.state.AdoptLeader(msg.Leader)
	return peer.OK()
}

func (e *Elector) handleHealth(_ context.Context, _ peer.Message) peer.Message {
	return peer.OK()
}

// Resign gives up leadership on shutdown so another node can take over on
// its next tick instead of waiting for the failure detector.
func (e *Elector) Resign(ctx context.Context) error {
	if !e.state.IsLeader() {
		return nil
	}
	e.state.stepDown()
	if _, err := e.store.Clear(ctx, e.cfg.SelfID); err != nil {
		return err
	}
	e.logger.Info("resigned leadership")
	return nil
}

// Close stops elections started by inbound messages and waits for them
func (e *Elector) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}
