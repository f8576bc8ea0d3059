package cluster

import "errors"

// Configuration errors
var (
	ErrInvalidNodeID = errors.New("node id must be positive")
	ErrDuplicateNode = errors.New("duplicate node id in peer list")
	ErrSelfInPeers   = errors.New("node lists itself as a peer")
)

// Election errors
var (
	ErrElectionInFlight = errors.New("election already in flight")
	ErrPeerUnknown      = errors.New("peer not in static membership")
	ErrNotLeader        = errors.New("not the current leader")
)

// Replica set errors
var (
	ErrUnknownReplica = errors.New("replica not in membership")
)
