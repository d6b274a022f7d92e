// Package protocol defines the wire message types exchanged between a
// client and the Session Gateway, and the error/close codes the
// engine and gateway can surface.
package protocol

// ErrorCode identifies a rejection surfaced to a client, either as an
// error response payload or (for Backpressure) as a WebSocket close.
// Unauthorized is rejected with HTTP 401 before the upgrade.
type ErrorCode string

const (
	ErrUnauthorized    ErrorCode = "Unauthorized"
	ErrUnknownDocument ErrorCode = "UnknownDocument"
	ErrFutureVersion   ErrorCode = "FutureVersion"
	ErrTooStale        ErrorCode = "TooStale"
	ErrOutOfRange      ErrorCode = "OutOfRange"
	ErrBackpressure    ErrorCode = "Backpressure"
	ErrRateLimited     ErrorCode = "RateLimited"
	ErrInternal        ErrorCode = "Internal"
)

// CloseCode is a WebSocket close status used to end a connection for
// a protocol-level reason rather than a transport error.
type CloseCode int

const (
	CloseUnauthorized   CloseCode = 4401
	CloseBackpressure   CloseCode = 4008
	CloseIdleTimeout    CloseCode = 4000
	CloseServerShutdown CloseCode = 4503
)

// Request and event type tags, placed on the wire as the `type` field
// of a frame.
const (
	TypeDocumentJoin      = "document.join"
	TypeDocumentLeave     = "document.leave"
	TypeDocumentOp        = "document.op"
	TypeDocumentSync      = "document.sync"
	TypeCursorMove        = "cursor.move"
	TypeSelectionChange   = "selection.change"
	TypeUserTyping        = "user.typing"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeDocumentSnapshot  = "document.snapshot"
	TypeDocumentApplied   = "document.applied"
	TypePresenceUpdate    = "presence.update"
	TypeUserJoined        = "user.joined"
	TypeUserLeft          = "user.left"
	TypeError             = "error"
)

// OutboundQueueSize is the bound on a session's outbound event queue
// (spec.md §4.3); exceeding it disconnects the session with
// Backpressure rather than blocking the Document Engine.
const OutboundQueueSize = 1024

// LogCapacity is the floor on the per-document operation log (spec.md
// §3 invariant 4); implementers may retain more to cover every
// attached client's acknowledged version.
const LogCapacity = 1024
