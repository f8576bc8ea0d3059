package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/pokeball-coordinator/pkg/logging"
	"github.com/dd0wney/pokeball-coordinator/pkg/metrics"
	"github.com/google/uuid"
)

// Peer is a statically configured remote node
type Peer struct {
	ID   int
	Addr string
}

// HandlerFunc handles one inbound message and returns the reply
type HandlerFunc func(ctx context.Context, msg Message) Message

// Config configures a Messenger
type Config struct {
	SelfID     int
	ListenAddr string
	Peers      []Peer
	Timeout    time.Duration // bound on every exchange (default 2s)
}

// Reply is the outcome of one exchange within a Broadcast
type Reply struct {
	PeerID  int
	Message Message
	Err     error
}

// Messenger exchanges typed messages with the static peer set.
//
// Concurrent Safety:
// 1. Links are dialed lazily and cached under linksMu
// 2. Handlers are registered under handlersMu and read per inbound message
// 3. Every outbound exchange has its own timeout; one slow peer never blocks another
type Messenger struct {
	cfg       Config
	transport Transport
	peers     map[int]Peer
	logger    logging.Logger
	metrics   *metrics.Registry

	links      map[int]Link
	linksMu    sync.Mutex
	handlers   map[MessageType]HandlerFunc
	handlersMu sync.RWMutex

	listener Listener
	closed   bool
}

// NewMessenger creates a messenger; call Start to begin serving inbound messages
func NewMessenger(cfg Config, transport Transport, logger logging.Logger, reg *metrics.Registry) *Messenger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExchangeTimeout
	}
	peers := make(map[int]Peer, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers[p.ID] = p
	}
	return &Messenger{
		cfg:       cfg,
		transport: transport,
		peers:     peers,
		logger:    logging.OrDefault(logger).With(logging.Component("messenger"), logging.Node(cfg.SelfID)),
		metrics:   reg,
		links:     make(map[int]Link),
		handlers:  make(map[MessageType]HandlerFunc),
	}
}

// OnMessage registers the handler for an inbound message type
func (m *Messenger) OnMessage(t MessageType, h HandlerFunc) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[t] = h
}

// Start begins listening for inbound messages
func (m *Messenger) Start() error {
	l, err := m.transport.Listen(m.cfg.ListenAddr, m.dispatch)
	if err != nil {
		return err
	}
	m.linksMu.Lock()
	m.listener = l
	m.linksMu.Unlock()
	m.logger.Info("peer listener started", logging.String("addr", m.cfg.ListenAddr))
	return nil
}

// PeerIDs returns the ids of all configured peers
func (m *Messenger) PeerIDs() []int {
	ids := make([]int, 0, len(m.cfg.Peers))
	for _, p := range m.cfg.Peers {
		ids = append(ids, p.ID)
	}
	return ids
}

func (m *Messenger) dispatch(ctx context.Context, payload []byte) []byte {
	msg, err := decode(payload)
	if err != nil {
		m.logger.Warn("dropping malformed peer message", logging.Error(err))
		data, _ := encode(OK())
		return data
	}
	m.metrics.RecordPeerMessage(string(msg.Type), "received")

	m.handlersMu.RLock()
	h, ok := m.handlers[msg.Type]
	m.handlersMu.RUnlock()

	reply := OK()
	if ok {
		reply = h(ctx, msg)
	} else {
		m.logger.Warn("no handler for peer message", logging.String("type", string(msg.Type)))
	}

	data, err := encode(msg.Reply(reply))
	if err != nil {
		m.logger.Error("failed to encode reply", logging.Error(err))
		return nil
	}
	return data
}

func (m *Messenger) link(peerID int) (Link, error) {
	m.linksMu.Lock()
	defer m.linksMu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if l, ok := m.links[peerID]; ok {
		return l, nil
	}
	p, ok := m.peers[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, peerID)
	}
	l, err := m.transport.Dial(p.Addr)
	if err != nil {
		return nil, err
	}
	m.links[peerID] = l
	return l, nil
}

// Send performs one bounded exchange with a peer. Any transport error or
// timeout is reported as ErrPeerUnreachable.
func (m *Messenger) Send(ctx context.Context, peerID int, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	l, err := m.link(peerID)
	if err != nil {
		return Message{}, err
	}

	payload, err := encode(msg)
	if err != nil {
		return Message{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	data, err := l.Request(ctx, payload)
	if err != nil {
		m.metrics.RecordPeerMessage(string(msg.Type), "unreachable")
		m.logger.Debug("peer exchange failed",
			logging.Peer(peerID), logging.String("type", string(msg.Type)), logging.Error(err))
		return Message{}, fmt.Errorf("%w: %d: %v", ErrPeerUnreachable, peerID, err)
	}
	m.metrics.RecordPeerMessage(string(msg.Type), "sent")

	reply, err := decode(data)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %d: %v", ErrPeerUnreachable, peerID, err)
	}
	return reply, nil
}

// Broadcast sends msg to every listed peer concurrently and waits for all
// exchanges to settle. Replies are returned in the order of peerIDs.
func (m *Messenger) Broadcast(ctx context.Context, peerIDs []int, msg Message) []Reply {
	replies := make([]Reply, len(peerIDs))
	var wg sync.WaitGroup
	for i, id := range peerIDs {
		wg.Add(1)
		go func(i, id int) {
			defer wg.Done()
			reply, err := m.Send(ctx, id, msg)
			replies[i] = Reply{PeerID: id, Message: reply, Err: err}
		}(i, id)
	}
	wg.Wait()
	return replies
}

// Close stops the listener and closes all peer links
func (m *Messenger) Close() error {
	m.linksMu.Lock()
	defer m.linksMu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	if m.listener != nil {
		firstErr = m.listener.Close()
	}
	for id, l := range m.links {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.links, id)
	}
	return firstErr
}
