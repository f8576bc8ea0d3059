package cluster

import (
	"fmt"
	"sync"

	"github.com/dd0wney/pokeball-coordinator/pkg/metrics"
)

// Liveness is the last observed state of a replica
type Liveness int

const (
	Alive Liveness = iota
	Down
)

// String returns the string representation of a Liveness
func (l Liveness) String() string {
	if l == Alive {
		return "alive"
	}
	return "down"
}

// State is the node's cluster state: its view of the election and the
// active/down partition of the replica membership. One State is shared by
// the elector, the health monitor and the replication coordinator.
//
// Every replica has exactly one liveness entry, so the active and down sets
// are disjoint and together always cover the membership.
type State struct {
	selfID int

	mu               sync.RWMutex
	state            ElectionState
	leaderID         int
	isLeader         bool
	electionInFlight bool
	generation       uint64

	replicas []string
	liveness map[string]Liveness

	metrics *metrics.Registry
}

// NewState creates the state for node selfID. All replicas start active.
func NewState(selfID int, replicas []string, reg *metrics.Registry) *State {
	s := &State{
		selfID:   selfID,
		replicas: append([]string(nil), replicas...),
		liveness: make(map[string]Liveness, len(replicas)),
		metrics:  reg,
	}
	for _, name := range replicas {
		s.liveness[name] = Alive
	}
	reg.SetClusterRole(StateIdle.String())
	reg.SetReplicaPartition(len(replicas), 0)
	return s
}

// SelfID returns this node's id
func (s *State) SelfID() int {
	return s.selfID
}

// IsLeader reports whether this node currently holds leadership
func (s *State) IsLeader() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isLeader
}

// LeaderID returns the known leader, if any
func (s *State) LeaderID() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leaderID, s.leaderID != 0
}

// Leadership returns a snapshot of the election state
func (s *State) Leadership() Leadership {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Leadership{
		State:            s.state,
		IsLeader:         s.isLeader,
		LeaderID:         s.leaderID,
		ElectionInFlight: s.electionInFlight,
	}
}

// AdoptLeader unconditionally accepts id as the leader and abandons any
// election in flight.
func (s *State) AdoptLeader(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.electionInFlight = false
	s.setLeaderLocked(id)
}

// observeLeader records the leader read from the shared store. It leaves
// a running election alone.
func (s *State) observeLeader(id int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.electionInFlight {
		return
	}
	if !ok {
		id = 0
	}
	s.setLeaderLocked(id)
}

func (s *State) setLeaderLocked(id int) {
	s.leaderID = id
	s.isLeader = id != 0 && id == s.selfID
	switch {
	case s.isLeader:
		s.state = StateLeader
	case id != 0:
		s.state = StateFollower
	default:
		s.state = StateIdle
	}
	s.metrics.SetClusterRole(s.state.String())
	s.metrics.SetLeader(id)
}

// beginElection marks an election in flight and returns its generation
func (s *State) beginElection() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.electionInFlight {
		return 0, false
	}
	s.electionInFlight = true
	s.state = StateElectionRunning
	s.metrics.SetClusterRole(s.state.String())
	return s.generation, true
}

// current reports whether no leader was adopted since gen began
func (s *State) current(gen uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation == gen
}

// finishElection settles the election started at gen. It returns false,
// changing nothing, when a leader announcement overtook the election.
func (s *State) finishElection(gen uint64, won bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen {
		return false
	}
	s.electionInFlight = false
	if won {
		s.generation++
		s.setLeaderLocked(s.selfID)
		return true
	}
	s.isLeader = false
	s.state = StateFollower
	s.metrics.SetClusterRole(s.state.String())
	return true
}

// stepDown drops leadership, leaving the node idle
func (s *State) stepDown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isLeader {
		s.setLeaderLocked(0)
	}
}

// Replicas returns the fixed replica membership in preference order
func (s *State) Replicas() []string {
	return append([]string(nil), s.replicas...)
}

// ActiveReplicas returns a snapshot of the active set in membership order
func (s *State) ActiveReplicas() []string {
	return s.filter(Alive)
}

// DownReplicas returns a snapshot of the down set in membership order
func (s *State) DownReplicas() []string {
	return s.filter(Down)
}

func (s *State) filter(want Liveness) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.replicas))
	for _, name := range s.replicas {
		if s.liveness[name] == want {
			out = append(out, name)
		}
	}
	return out
}

// Liveness returns the recorded liveness of a replica
func (s *State) Liveness(name string) (Liveness, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.liveness[name]
	if !ok {
		return Down, fmt.Errorf("%w: %s", ErrUnknownReplica, name)
	}
	return l, nil
}

// MarkActive moves a replica into the active set. Only the leader may
// change the partition.
func (s *State) MarkActive(name string) error {
	return s.mark(name, Alive)
}

// MarkDown moves a replica into the down set. Only the leader may change
// the partition.
func (s *State) MarkDown(name string) error {
	return s.mark(name, Down)
}

func (s *State) mark(name string, l Liveness) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isLeader {
		return ErrNotLeader
	}
	if _, ok := s.liveness[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownReplica, name)
	}
	s.liveness[name] = l

	active := 0
	for _, v := range s.liveness {
		if v == Alive {
			active++
		}
	}
	s.metrics.SetReplicaPartition(active, len(s.replicas)-active)
	return nil
}
