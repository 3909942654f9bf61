package monitor

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tarancss/chainwatch/lib/event"
	"github.com/tarancss/chainwatch/lib/limits"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // same policy for every front-end
}

// PushSink holds the live websocket connections, one per client id.
type PushSink struct {
	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewPushSink returns an empty PushSink.
func NewPushSink() *PushSink {
	return &PushSink{conns: make(map[string]*websocket.Conn)}
}

// Deliver writes the event to the client's websocket. A write failure closes and forgets the connection and is
// reported to the caller so the session can be removed; clients without a connection are not an error unless they
// subscribed for push only, which the manager cannot tell, so absence is simply a no-op.
func (p *PushSink) Deliver(clientID string, ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.conns[clientID]
	if !ok {
		return nil
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := conn.WriteJSON(ev); err != nil {
		conn.Close()
		delete(p.conns, clientID)

		return fmt.Errorf("monitor: push delivery to %s failed: %w", clientID, err)
	}

	return nil
}

// Register installs the connection for the client, replacing (and closing) any previous one.
func (p *PushSink) Register(clientID string, conn *websocket.Conn) {
	p.mu.Lock()

	if old, ok := p.conns[clientID]; ok {
		old.Close()
	}

	p.conns[clientID] = conn
	p.mu.Unlock()
}

// Forget closes and drops the client's connection, if any.
func (p *PushSink) Forget(clientID string) {
	p.mu.Lock()

	if conn, ok := p.conns[clientID]; ok {
		conn.Close()
		delete(p.conns, clientID)
	}
	p.mu.Unlock()
}

// drop removes the connection without closing it twice; used by the read loop on client disconnect.
func (p *PushSink) drop(clientID string, conn *websocket.Conn) {
	p.mu.Lock()

	if cur, ok := p.conns[clientID]; ok && cur == conn {
		delete(p.conns, clientID)
	}
	p.mu.Unlock()

	conn.Close()
}

// streamHandler upgrades the request to a websocket and registers it as the client's push connection. The client
// must hold an authenticated session and pass the connection-category rate check; the token travels in the query
// string since websocket clients cannot set a body.
func (m *Monitor) streamHandler(rw http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client"]

	fail := func(status int, e error) {
		log.Printf("httpreq from %v %s err:%e\n", r.RemoteAddr, r.RequestURI, e)
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		rw.WriteHeader(status)
		_, _ = fmt.Fprintf(rw, `{"error":%q}`, e)
	}

	if m.mgr.IsBlocked(clientID) {
		fail(http.StatusForbidden, ErrBlocked)

		return
	}

	s, ok := m.mgr.Session(clientID)
	if !ok || !s.Authenticated {
		fail(http.StatusUnauthorized, ErrUnauthorized)

		return
	}

	// websocket clients cannot carry a body, so the token travels in the query string
	if tok := r.URL.Query().Get("token"); tok != "" {
		if err := m.mgr.ValidateToken(clientID, tok); err != nil {
			fail(http.StatusUnauthorized, ErrUnauthorized)

			return
		}
	}

	if rl := m.mgr.CheckRate(clientID, limits.CatConnection); !rl.Allowed {
		fail(http.StatusTooManyRequests, ErrRateLimited)

		return
	}

	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.Printf("Error upgrading push connection for %s:%e", clientID, err)

		return
	}

	// the API server's write deadline covered the handshake; the socket now lives on its own deadlines
	_ = conn.UnderlyingConn().SetDeadline(time.Time{})

	m.push.Register(clientID, conn)
	log.Printf("[%s] Push connection established", clientID)

	// reader goroutine: push clients send nothing meaningful, but reading is what detects the disconnect
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				m.push.drop(clientID, conn)
				log.Printf("[%s] Push connection closed:%e", clientID, err)

				return
			}
		}
	}()
}
