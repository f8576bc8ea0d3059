package peer

import (
	"context"
	"sync"
)

// MemoryNetwork is an in-process Transport. All nodes of a test share one
// network; SetDown makes an address unreachable to simulate a crashed node.
type MemoryNetwork struct {
	listeners map[string]Handler
	down      map[string]bool
	mu        sync.RWMutex
}

// NewMemoryNetwork creates an empty in-process network
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		listeners: make(map[string]Handler),
		down:      make(map[string]bool),
	}
}

// SetDown marks addr unreachable (true) or reachable again (false)
func (n *MemoryNetwork) SetDown(addr string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

func (n *MemoryNetwork) lookup(addr string) (Handler, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.down[addr] {
		return nil, false
	}
	h, ok := n.listeners[addr]
	return h, ok
}

type memoryLink struct {
	network *MemoryNetwork
	addr    string
}

// Dial never fails; reachability is checked per request
func (n *MemoryNetwork) Dial(addr string) (Link, error) {
	return &memoryLink{network: n, addr: addr}, nil
}

func (l *memoryLink) Request(ctx context.Context, payload []byte) ([]byte, error) {
	handler, ok := l.network.lookup(l.addr)
	if !ok {
		return nil, ErrPeerUnreachable
	}

	replyCh := make(chan []byte, 1)
	go func() {
		replyCh <- handler(ctx, payload)
	}()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memoryLink) Close() error { return nil }

type memoryListener struct {
	network *MemoryNetwork
	addr    string
}

// Listen registers handler for addr
func (n *MemoryNetwork) Listen(addr string, handler Handler) (Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.listeners[addr]; exists {
		return nil, ErrAddressInUse
	}
	n.listeners[addr] = handler
	return &memoryListener{network: n, addr: addr}, nil
}

func (l *memoryListener) Close() error {
	l.network.mu.Lock()
	defer l.network.mu.Unlock()
	delete(l.network.listeners, l.addr)
	return nil
}

var _ Transport = (*MemoryNetwork)(nil)
