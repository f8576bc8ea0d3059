package peer

import (
	"context"
	"io"
)

// Handler answers one inbound request payload with a reply payload
type Handler func(ctx context.Context, request []byte) []byte

// Link is a persistent outbound connection to one peer.
// Concurrent Requests on one Link must not block each other.
type Link interface {
	io.Closer
	// Request sends payload and waits for the reply until ctx is done
	Request(ctx context.Context, payload []byte) ([]byte, error)
}

// Listener serves inbound requests until closed
type Listener interface {
	io.Closer
}

// Transport abstracts the socket layer (mangos for production, memory for tests)
type Transport interface {
	Dial(addr string) (Link, error)
	Listen(addr string, handler Handler) (Listener, error)
}
