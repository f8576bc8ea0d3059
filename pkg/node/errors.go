package node

import "errors"

var (
	// ErrTickInFlight is returned by Tick while a previous tick is still running
	ErrTickInFlight = errors.New("coordination tick already in flight")
	ErrNoConfig     = errors.New("node config is required")
	ErrNoStores     = errors.New("at least one replica store is required")
)
