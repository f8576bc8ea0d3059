package cluster

import (
	"context"
	"sync"

	"github.com/dd0wney/pokeball-coordinator/pkg/logging"
	"github.com/dd0wney/pokeball-coordinator/pkg/metrics"
	"github.com/dd0wney/pokeball-coordinator/pkg/peer"
)

// ElectionState represents the current state of this node in the election process
type ElectionState int

const (
	// StateIdle is the initial state, before any leader is known
	StateIdle ElectionState = iota
	// StateElectionRunning is a node asking higher peers whether they object
	StateElectionRunning
	// StateLeader is the elected leader
	StateLeader
	// StateFollower is a node following the current leader
	StateFollower
)

// String returns the string representation of an ElectionState
func (s ElectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateElectionRunning:
		return "election"
	case StateLeader:
		return "leader"
	case StateFollower:
		return "follower"
	default:
		return "unknown"
	}
}

// Leadership is a point-in-time copy of the node's view of the election
type Leadership struct {
	State            ElectionState
	IsLeader         bool
	LeaderID         int // 0 when no leader is known
	ElectionInFlight bool
}

// LeaderStore is the shared coordination store holding the current leader id
type LeaderStore interface {
	Leader(ctx context.Context) (id int, ok bool, err error)
	// CompareAndSet publishes next if the stored leader is still expected
	// (0 meaning none) or already next.
	CompareAndSet(ctx context.Context, expected, next int) (bool, error)
	// Clear removes the key if it still holds id.
	Clear(ctx context.Context, id int) (bool, error)
}

// Messenger is the subset of the peer messenger the elector needs
type Messenger interface {
	Send(ctx context.Context, peerID int, msg peer.Message) (peer.Message, error)
	Broadcast(ctx context.Context, peerIDs []int, msg peer.Message) []peer.Reply
	OnMessage(t peer.MessageType, h peer.HandlerFunc)
}

// Elector runs the bully election for one node.
//
// Concurrent Safety:
// 1. All leadership state lives in State and is mutated under its lock
// 2. Elections started by inbound messages run in tracked goroutines bound to baseCtx
// 3. A generation counter in State discards elections overtaken by a leader announcement
type Elector struct {
	cfg       ElectorConfig
	state     *State
	store     LeaderStore
	messenger Messenger
	logger    logging.Logger
	metrics   *metrics.Registry

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}
