// Package tunnel pairs two authenticated upgrade requests on the same
// socket task id and relays bytes between them. The broker never sees
// the tunneled plaintext; it only moves websocket frames.
package tunnel

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/owulveryck/cipherhub/internal/envelope"
)

// DefaultWait is how long the first connector is parked before the
// rendezvous gives up.
const DefaultWait = 60 * time.Second

// ErrNoPeer: the peer did not arrive within the rendezvous window.
// The HTTP layer answers 410 Gone.
var ErrNoPeer = errors.New("no peer arrived for this socket")

// Rendezvous holds at most one parked connector per socket task id.
// The first connector installs a one-shot channel and waits; the
// second removes it, upgrades, and hands its connection over. The
// first side then upgrades too and drives the relay.
type Rendezvous struct {
	mu      sync.Mutex
	waiting map[envelope.MsgID]chan *websocket.Conn

	upgrader websocket.Upgrader
	wait     time.Duration
	logger   *slog.Logger

	// OnPaired, when set, fires once per successful pairing, before
	// any bytes flow. The broker uses it to drop the socket task and
	// count the pairing.
	OnPaired func(id envelope.MsgID)
}

// NewRendezvous builds an empty rendezvous map. A non-positive wait
// falls back to DefaultWait.
func NewRendezvous(wait time.Duration, logger *slog.Logger) *Rendezvous {
	if wait <= 0 {
		wait = DefaultWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rendezvous{
		waiting: make(map[envelope.MsgID]chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			// Connectors are proxies, not browsers; origin checks do
			// not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		wait:   wait,
		logger: logger,
	}
}

// CanUpgrade reports whether the request carries websocket upgrade
// capability. Without it the endpoint answers 426.
func CanUpgrade(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// Connect runs one side of the rendezvous for an already-authorized
// upgrade request. It blocks until the tunnel closes (first side) or
// the handover is done (second side). The caller must not touch w
// afterwards unless an error is returned before the upgrade.
func (rv *Rendezvous) Connect(w http.ResponseWriter, r *http.Request, id envelope.MsgID) error {
	rv.mu.Lock()
	if ch, ok := rv.waiting[id]; ok {
		delete(rv.waiting, id)
		rv.mu.Unlock()
		return rv.join(w, r, id, ch)
	}
	ch := make(chan *websocket.Conn, 1)
	rv.waiting[id] = ch
	rv.mu.Unlock()
	return rv.park(w, r, id, ch)
}

// join is the second connector: upgrade, then hand the connection to
// the parked side.
func (rv *Rendezvous) join(w http.ResponseWriter, r *http.Request, id envelope.MsgID, ch chan *websocket.Conn) error {
	conn, err := rv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error; put the channel back
		// is pointless, the peer will time out and answer 410.
		return err
	}
	ch <- conn
	return nil
}

// park is the first connector: wait for a peer, then upgrade and relay
// until either side closes.
func (rv *Rendezvous) park(w http.ResponseWriter, r *http.Request, id envelope.MsgID, ch chan *websocket.Conn) error {
	timer := time.NewTimer(rv.wait)
	defer timer.Stop()

	var peer *websocket.Conn
	select {
	case peer = <-ch:
	case <-timer.C:
		if !rv.abandon(id, ch) {
			// A peer slipped in between the timeout and the removal;
			// its connection is already in the channel.
			peer = <-ch
			break
		}
		return ErrNoPeer
	case <-r.Context().Done():
		if !rv.abandon(id, ch) {
			if late := <-ch; late != nil {
				late.Close()
			}
		}
		return r.Context().Err()
	}

	conn, err := rv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		peer.Close()
		return err
	}
	if rv.OnPaired != nil {
		rv.OnPaired(id)
	}
	rv.logger.InfoContext(r.Context(), "Socket paired", "socket_id", id.String())
	relay(conn, peer)
	return nil
}

// abandon removes this side's channel; false means a peer already took
// it.
func (rv *Rendezvous) abandon(id envelope.MsgID, ch chan *websocket.Conn) bool {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	if cur, ok := rv.waiting[id]; ok && cur == ch {
		delete(rv.waiting, id)
		return true
	}
	return false
}

// Waiting returns the number of parked connectors.
func (rv *Rendezvous) Waiting() int {
	rv.mu.Lock()
	defer rv.mu.Unlock()
	return len(rv.waiting)
}

// relay copies frames both ways, preserving message boundaries, until
// either side errors or closes. Both connections are closed on return.
func relay(a, b *websocket.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go pipe(&wg, a, b)
	go pipe(&wg, b, a)
	wg.Wait()
}

func pipe(wg *sync.WaitGroup, dst, src *websocket.Conn) {
	defer wg.Done()
	defer dst.Close()
	defer src.Close()
	for {
		mt, r, err := src.NextReader()
		if err != nil {
			return
		}
		w, err := dst.NextWriter(mt)
		if err != nil {
			return
		}
		if _, err := io.Copy(w, r); err != nil {
			w.Close()
			return
		}
		if err := w.Close(); err != nil {
			return
		}
	}
}
