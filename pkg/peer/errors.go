package peer

import "errors"

// Messaging errors
var (
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrUnknownPeer     = errors.New("peer not in static membership")
	ErrUnexpectedReply = errors.New("unexpected reply type")
	ErrClosed          = errors.New("messenger closed")
	ErrAddressInUse    = errors.New("address already has a listener")
)
