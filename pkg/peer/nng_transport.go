package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"
	"go.nanomsg.org/mangos/v3/protocol/req"

	// Register all transports (tcp, ipc, inproc, ws)
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

const defaultExchangeTimeout = 2 * time.Second

// NNGTransport implements Transport with mangos REQ/REP sockets.
// Each exchange runs in its own mangos context, so the REQ protocol's request
// ids correlate replies and concurrent exchanges share one connection.
type NNGTransport struct {
	// Workers is the number of REP contexts serving inbound requests
	Workers int
}

// NewNNGTransport creates a mangos-backed transport
func NewNNGTransport() *NNGTransport {
	return &NNGTransport{Workers: 4}
}

type nngLink struct {
	sock mangos.Socket
}

// Dial opens a REQ socket to addr. Dialing is asynchronous: a peer that is
// down now is reconnected to in the background once it comes up.
func (t *NNGTransport) Dial(addr string) (Link, error) {
	sock, err := req.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create req socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionDialAsynch, true); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &nngLink{sock: sock}, nil
}

func (l *nngLink) Request(ctx context.Context, payload []byte) ([]byte, error) {
	timeout := defaultExchangeTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	mctx, err := l.sock.OpenContext()
	if err != nil {
		return nil, err
	}
	defer mctx.Close()

	if err := mctx.SetOption(mangos.OptionSendDeadline, timeout); err != nil {
		return nil, err
	}
	if err := mctx.SetOption(mangos.OptionRecvDeadline, timeout); err != nil {
		return nil, err
	}

	if err := mctx.Send(payload); err != nil {
		return nil, err
	}
	return mctx.Recv()
}

func (l *nngLink) Close() error {
	return l.sock.Close()
}

type nngListener struct {
	sock mangos.Socket
	wg   sync.WaitGroup
}

// Listen binds a REP socket on addr and serves requests with Workers contexts
func (t *NNGTransport) Listen(addr string, handler Handler) (Listener, error) {
	sock, err := rep.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create rep socket: %w", err)
	}
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	workers := t.Workers
	if workers <= 0 {
		workers = 1
	}

	l := &nngListener{sock: sock}
	for i := 0; i < workers; i++ {
		mctx, err := sock.OpenContext()
		if err != nil {
			l.Close()
			return nil, err
		}
		l.wg.Add(1)
		go l.serve(mctx, handler)
	}
	return l, nil
}

func (l *nngListener) serve(mctx mangos.Context, handler Handler) {
	defer l.wg.Done()
	defer mctx.Close()

	for {
		request, err := mctx.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrClosed) {
				return
			}
			continue
		}
		// A failed send means the requester went away; its REQ side times out.
		_ = mctx.Send(handler(context.Background(), request))
	}
}

func (l *nngListener) Close() error {
	err := l.sock.Close()
	l.wg.Wait()
	return err
}

// Ensure NNGTransport implements Transport
var _ Transport = (*NNGTransport)(nil)
