package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/otcollab/docengine/internal/document"
	"github.com/otcollab/docengine/internal/ot"
	"github.com/otcollab/docengine/internal/protocol"
	"github.com/otcollab/docengine/pkg/logger"
)

const (
	idleTimeout       = 120 * time.Second
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
)

// Connection owns one client WebSocket for its lifetime: a reader task
// parses inbound frames and forwards them to the attached Document
// Engine, and a writer task drains a bounded, coalescing outbound
// mailbox. This is the teacher's reader/sendMu-guarded-writer split
// (pkg/server/connection.go) generalized to the tagged request/event
// protocol and multi-document attach/detach spec.md §4.3 requires.
type Connection struct {
	id        string
	principal Principal
	color     string
	conn      *websocket.Conn
	gw        *Gateway

	ctx    context.Context
	cancel context.CancelFunc

	sendMu sync.Mutex
	queued *protocol.Event

	mu     sync.Mutex
	engine *document.Engine
	docID  string

	outbound chan *protocol.Event

	closeMu     sync.Mutex
	closeStatus websocket.StatusCode
	closeReason string
}

func newConnection(gw *Gateway, id string, principal Principal, color string, conn *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:          id,
		principal:   principal,
		color:       color,
		conn:        conn,
		gw:          gw,
		ctx:         ctx,
		cancel:      cancel,
		outbound:    make(chan *protocol.Event, protocol.OutboundQueueSize),
		closeStatus: websocket.StatusNormalClosure,
	}
}

// setCloseReason records why this connection is about to close, so
// Handle's final conn.Close call reports the right WebSocket close
// code (spec.md §6) instead of a generic normal closure. Only the
// first reason recorded wins; idle timeout and backpressure are each
// detected by only one of the two loops, but guard with a mutex in
// case both fire nearly simultaneously.
func (c *Connection) setCloseReason(status websocket.StatusCode, reason string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeStatus != websocket.StatusNormalClosure {
		return
	}
	c.closeStatus = status
	c.closeReason = reason
}

// CloseWithCode force-closes the connection's transport with the given
// status, used by the Gateway to end live sessions with ServerShutdown
// on graceful shutdown (spec.md §6 close code 4503).
func (c *Connection) CloseWithCode(status websocket.StatusCode, reason string) {
	c.setCloseReason(status, reason)
	c.conn.Close(status, reason)
	c.cancel()
}

// Handle runs the connection until it closes, either because the peer
// disconnected, the idle timeout elapsed, or the outbound mailbox
// overflowed.
func (c *Connection) Handle(ctx context.Context) {
	defer c.cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop(ctx)

	c.closeMu.Lock()
	status, reason := c.closeStatus, c.closeReason
	c.closeMu.Unlock()
	c.conn.Close(status, reason)
	<-writerDone
}

func (c *Connection) readLoop(ctx context.Context) {
	for {
		readCtx, cancel := context.WithTimeout(ctx, idleTimeout)
		var req protocol.Request
		err := wsjson.Read(readCtx, c.conn, &req)
		readTimedOut := readCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if readTimedOut {
				c.setCloseReason(websocket.StatusCode(protocol.CloseIdleTimeout), "idle timeout")
				logger.Debug("session %s: idle timeout", c.id)
				return
			}
			logger.Debug("session %s: read ended: %v", c.id, err)
			return
		}

		if err := c.handleRequest(ctx, req); err != nil {
			logger.Warn("session %s: handling %s: %v", c.id, req.Type, err)
			return
		}
	}
}

func (c *Connection) handleRequest(ctx context.Context, req protocol.Request) error {
	switch req.Type {
	case protocol.TypePing:
		return c.writeEvent(&protocol.Event{Type: protocol.TypePong})

	case protocol.TypeDocumentJoin:
		var payload protocol.DocumentJoinPayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return c.reply(req, nil, protocol.ErrInternal, err.Error())
		}
		return c.joinDocument(req, payload.DocumentID)

	case protocol.TypeDocumentLeave:
		c.leaveDocument()
		return c.reply(req, struct{}{}, "", "")

	case protocol.TypeDocumentOp:
		var payload protocol.DocumentOpPayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return c.reply(req, nil, protocol.ErrInternal, err.Error())
		}
		return c.submitOp(req, payload.Op)

	case protocol.TypeDocumentSync:
		var payload protocol.DocumentSyncPayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return c.reply(req, nil, protocol.ErrInternal, err.Error())
		}
		return c.syncDocument(req, payload.HaveVersion)

	case protocol.TypeCursorMove:
		var payload protocol.CursorMovePayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return c.reply(req, nil, protocol.ErrInternal, err.Error())
		}
		c.submitPresence(func(u *document.PresenceUpdate) { u.Cursor = payload.Position })
		return c.reply(req, struct{}{}, "", "")

	case protocol.TypeSelectionChange:
		var payload protocol.SelectionChangePayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return c.reply(req, nil, protocol.ErrInternal, err.Error())
		}
		rng := payload.Range
		c.submitPresence(func(u *document.PresenceUpdate) { u.Selection = &rng })
		return c.reply(req, struct{}{}, "", "")

	case protocol.TypeUserTyping:
		var payload protocol.UserTypingPayload
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return c.reply(req, nil, protocol.ErrInternal, err.Error())
		}
		c.submitPresence(func(u *document.PresenceUpdate) { u.Typing = payload.Typing })
		return c.reply(req, struct{}{}, "", "")

	default:
		return c.reply(req, nil, protocol.ErrInternal, "unknown request type "+req.Type)
	}
}

func (c *Connection) joinDocument(req protocol.Request, documentID string) error {
	c.leaveDocument()

	engine := c.gw.docs.GetOrCreate(documentID)
	sub := document.Subscriber{
		ConnectionID: c.id,
		UserID:       c.principal.UserID,
		DisplayName:  c.principal.DisplayName,
		Color:        c.color,
		Outbound:     c.outbound,
	}
	result, err := engine.Attach(sub)
	if errors.Is(err, document.ErrEngineTerminated) {
		// The engine drained between GetOrCreate's lookup and this
		// Attach; GetOrCreate replaces a terminated engine with a
		// fresh one on the next call, so retry once against it.
		engine = c.gw.docs.GetOrCreate(documentID)
		result, err = engine.Attach(sub)
	}
	if err != nil {
		return c.reply(req, nil, protocol.ErrInternal, err.Error())
	}

	c.mu.Lock()
	c.engine = engine
	c.docID = documentID
	c.mu.Unlock()

	if err := c.writeEvent(&protocol.Event{
		Type: protocol.TypeDocumentSnapshot,
		Payload: protocol.DocumentSnapshotPayload{
			Content: result.Content,
			Version: result.Version,
			Members: result.Members,
		},
	}); err != nil {
		return err
	}

	return c.reply(req, struct{}{}, "", "")
}

func (c *Connection) leaveDocument() {
	c.mu.Lock()
	engine := c.engine
	c.engine = nil
	c.docID = ""
	c.mu.Unlock()

	if engine != nil {
		engine.Detach(c.id)
	}
}

func (c *Connection) submitOp(req protocol.Request, op ot.Operation) error {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()

	if engine == nil {
		return c.reply(req, nil, protocol.ErrUnknownDocument, "not attached to a document")
	}

	version, rejectErr := engine.SubmitOp(op, c.id)
	if rejectErr != nil {
		return c.reply(req, nil, rejectCodeToWire(rejectErr.Code), rejectErr.Message)
	}
	return c.reply(req, struct{ Version int }{Version: version}, "", "")
}

func (c *Connection) syncDocument(req protocol.Request, haveVersion int) error {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()

	if engine == nil {
		return c.reply(req, nil, protocol.ErrUnknownDocument, "not attached to a document")
	}

	res, err := engine.Sync(haveVersion)
	if err != nil {
		return c.reply(req, nil, protocol.ErrUnknownDocument, err.Error())
	}
	return c.reply(req, protocol.DocumentSyncResultPayload{
		Ops:      res.Ops,
		FullSync: res.FullSync,
		Content:  res.Content,
		Version:  res.Version,
	}, "", "")
}

func (c *Connection) submitPresence(mutate func(*document.PresenceUpdate)) {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return
	}
	update := document.PresenceUpdate{ConnectionID: c.id, UserID: c.principal.UserID}
	mutate(&update)
	engine.SubmitPresence(update)
}

func rejectCodeToWire(code document.RejectCode) protocol.ErrorCode {
	switch code {
	case document.RejectFutureVersion:
		return protocol.ErrFutureVersion
	case document.RejectTooStale:
		return protocol.ErrTooStale
	case document.RejectOutOfRange:
		return protocol.ErrOutOfRange
	case document.RejectUnknownDocument:
		return protocol.ErrUnknownDocument
	default:
		return protocol.ErrInternal
	}
}

func (c *Connection) reply(req protocol.Request, data interface{}, code protocol.ErrorCode, message string) error {
	if code != "" {
		return c.writeResponse(protocol.NewErrorResponse(req.RequestID, code, message))
	}
	return c.writeResponse(protocol.NewOKResponse(req.Type, req.RequestID, data))
}

func (c *Connection) writeResponse(resp *protocol.Response) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, resp)
}

func (c *Connection) writeLoop() {
	for {
		var ev *protocol.Event
		if c.queued != nil {
			ev = c.queued
			c.queued = nil
		} else {
			select {
			case <-c.ctx.Done():
				return
			case e, ok := <-c.outbound:
				if !ok {
					c.CloseWithCode(websocket.StatusCode(protocol.CloseBackpressure), "outbound queue overflow")
					return
				}
				ev = e
			}
		}

		if ev.Type == protocol.TypePresenceUpdate {
			ev = c.drainPresence(ev)
		}

		if err := c.writeEvent(ev); err != nil {
			logger.Warn("session %s: write failed: %v", c.id, err)
			c.cancel()
			return
		}
	}
}

// drainPresence coalesces back-to-back presence.update events so a
// slow writer only ever emits the latest membership snapshot, per
// spec.md §8 TP5 (presence idempotence). A non-presence event seen
// while draining is stashed in c.queued for the next loop iteration
// rather than dropped.
func (c *Connection) drainPresence(latest *protocol.Event) *protocol.Event {
	for {
		select {
		case next, ok := <-c.outbound:
			if !ok {
				return latest
			}
			if next.Type == protocol.TypePresenceUpdate {
				latest = next
				continue
			}
			c.queued = next
			return latest
		default:
			return latest
		}
	}
}

func (c *Connection) writeEvent(ev *protocol.Event) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, ev)
}
