package replication

import "errors"

var (
	ErrNoActiveReplicas  = errors.New("no active replicas")
	ErrAllReplicasFailed = errors.New("operation failed on every replica")
	ErrUnknownTable      = errors.New("table not tracked")
)
