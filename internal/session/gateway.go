// Package session implements the Session Gateway (spec.md §4.3): it
// terminates client WebSocket connections, authenticates them,
// assigns connection identity and a display color, and bridges
// inbound/outbound frames to the Document Engine a connection is
// attached to. Grounded on the teacher's pkg/server/server.go +
// connection.go split, generalized from a single-document-per-process
// model to the multi-document join/leave protocol spec.md §4.3
// requires.
package session

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/otcollab/docengine/internal/metrics"
	"github.com/otcollab/docengine/internal/protocol"
	"github.com/otcollab/docengine/internal/registry"
	"github.com/otcollab/docengine/pkg/logger"
)

// reconnectGrace is how long a dropped connection's engine
// attachments are kept alive, awaiting a resuming reconnect, before
// being torn down (spec.md §5).
const reconnectGrace = 60 * time.Second

// Gateway accepts WebSocket upgrades and owns the reconnect-grace
// bookkeeping described in spec.md §4.3: a connection that drops
// without an explicit document.leave is parked, not immediately
// detached, so a client reconnecting with the same identity resumes
// without losing membership.
type Gateway struct {
	auth Authenticator
	docs *registry.Registry

	mu     sync.Mutex
	parked map[string]*parkedConnection
	active map[string]*Connection
}

type parkedConnection struct {
	conn  *Connection
	timer *time.Timer
}

func NewGateway(auth Authenticator, docs *registry.Registry) *Gateway {
	if auth == nil {
		auth = BearerHeaderAuthenticator{}
	}
	return &Gateway{
		auth:   auth,
		docs:   docs,
		parked: make(map[string]*parkedConnection),
		active: make(map[string]*Connection),
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the
// connection until it closes. Route: /ws (see cmd/server/main.go).
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	principal, err := g.auth.Authenticate(r.Context(), r)
	if err != nil {
		http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		logger.Warn("gateway: upgrade failed: %v", err)
		return
	}

	resumeID := r.URL.Query().Get("connectionId")
	session := g.resume(resumeID, principal, conn)
	if session == nil {
		session = newConnection(g, uuid.NewString(), principal, AssignColor(), conn)
	}

	g.mu.Lock()
	g.active[session.id] = session
	g.mu.Unlock()

	metrics.SessionsActive.Inc()
	logger.Info("gateway: connection %s open for user %s", session.id, principal.UserID)
	session.Handle(r.Context())
	metrics.SessionsActive.Dec()
	logger.Info("gateway: connection %s closed", session.id)

	g.mu.Lock()
	delete(g.active, session.id)
	g.mu.Unlock()

	g.park(session)
}

// resume looks up a parked connection by id, validates the caller is
// the same principal, cancels its expiry timer, and swaps in the new
// transport while keeping the engine attachment (and therefore
// membership) intact.
func (g *Gateway) resume(connectionID string, principal Principal, conn *websocket.Conn) *Connection {
	if connectionID == "" {
		return nil
	}

	g.mu.Lock()
	parked, ok := g.parked[connectionID]
	if ok {
		delete(g.parked, connectionID)
	}
	g.mu.Unlock()

	if !ok {
		return nil
	}
	if parked.conn.principal.UserID != principal.UserID {
		logger.Warn("gateway: reconnect for %s presented mismatched principal, starting fresh", connectionID)
		return nil
	}
	parked.timer.Stop()

	resumed := newConnection(g, parked.conn.id, parked.conn.principal, parked.conn.color, conn)
	resumed.mu.Lock()
	resumed.engine = parked.conn.engine
	resumed.docID = parked.conn.docID
	resumed.mu.Unlock()

	if resumed.engine != nil && !resumed.engine.Reattach(resumed.id, resumed.outbound) {
		// The engine drained and terminated while this connection was
		// parked; the resumed session simply starts with no document
		// attached, same as a client that never joined one.
		resumed.engine = nil
		resumed.docID = ""
	}

	return resumed
}

// park retains a disconnected session's engine attachment for
// reconnectGrace before detaching it for good, per spec.md §4.3
// "Connection recovery".
func (g *Gateway) park(c *Connection) {
	c.mu.Lock()
	hasEngine := c.engine != nil
	c.mu.Unlock()

	if !hasEngine {
		return
	}

	timer := time.AfterFunc(reconnectGrace, func() {
		g.mu.Lock()
		delete(g.parked, c.id)
		g.mu.Unlock()
		c.leaveDocument()
		logger.Debug("gateway: reconnect grace expired for %s, detached", c.id)
	})

	g.mu.Lock()
	g.parked[c.id] = &parkedConnection{conn: c, timer: timer}
	g.mu.Unlock()
}

// Shutdown cancels every parked reconnect timer and detaches those
// sessions immediately, so document engines can drain during a
// graceful server shutdown rather than waiting out the grace window.
// Live connections are closed with the ServerShutdown close code
// (spec.md §6, 4503) so clients know to reconnect rather than treat
// the drop as an error.
func (g *Gateway) Shutdown(_ context.Context) {
	g.mu.Lock()
	parked := make([]*parkedConnection, 0, len(g.parked))
	for id, p := range g.parked {
		parked = append(parked, p)
		delete(g.parked, id)
	}
	active := make([]*Connection, 0, len(g.active))
	for _, c := range g.active {
		active = append(active, c)
	}
	g.mu.Unlock()

	for _, p := range parked {
		p.timer.Stop()
		p.conn.leaveDocument()
	}
	for _, c := range active {
		c.CloseWithCode(websocket.StatusCode(protocol.CloseServerShutdown), "server shutting down")
	}
}
