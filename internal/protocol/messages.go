package protocol

import (
	"encoding/json"

	"github.com/otcollab/docengine/internal/ot"
)

// Request is an inbound client frame. Payload is decoded according to
// Type once the caller knows which request it is (see the
// Decode* helpers below).
type Request struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Response answers a Request with the same RequestID. Data is set when
// OK is true and Error when OK is false.
type Response struct {
	Type      string        `json:"type"`
	RequestID string        `json:"requestId"`
	OK        bool          `json:"ok"`
	Data      interface{}   `json:"data,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty"`
}

// Event is a server-initiated frame with no RequestID.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ErrorPayload is both the Response.Error body and the standalone
// `error` event payload.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func NewErrorResponse(requestID string, code ErrorCode, message string) *Response {
	return &Response{
		Type:      TypeError,
		RequestID: requestID,
		OK:        false,
		Error:     &ErrorPayload{Code: code, Message: message},
	}
}

func NewOKResponse(requestType, requestID string, data interface{}) *Response {
	return &Response{Type: requestType, RequestID: requestID, OK: true, Data: data}
}

func NewErrorEvent(code ErrorCode, message string) *Event {
	return &Event{Type: TypeError, Payload: ErrorPayload{Code: code, Message: message}}
}

// Request payloads.

type DocumentJoinPayload struct {
	DocumentID string `json:"documentId"`
}

type DocumentLeavePayload struct {
	DocumentID string `json:"documentId"`
}

// DocumentOpPayload carries a client-submitted operation exactly in
// the shape spec.md §6 pins: an ot.Operation with no Version set
// (Version is assigned by the engine on admission).
type DocumentOpPayload struct {
	Op ot.Operation `json:"op"`
}

type DocumentSyncPayload struct {
	HaveVersion int `json:"haveVersion"`
}

type CursorMovePayload struct {
	Position CursorPosition `json:"pos"`
}

type SelectionChangePayload struct {
	Range SelectionRange `json:"range"`
}

type UserTypingPayload struct {
	Typing bool `json:"typing"`
}

// CursorPosition and SelectionRange are line/column pairs, matching
// the Presence Entry shape in spec.md §3.
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

type SelectionRange struct {
	Anchor CursorPosition `json:"anchor"`
	Head   CursorPosition `json:"head"`
}

// Member is the user-facing shape of a principal attached to a
// document: identity plus the display color assigned at connect.
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Color       string `json:"color"`
}

// PresenceInfo is the wire shape of a Presence Entry.
type PresenceInfo struct {
	UserID    string          `json:"userId"`
	Cursor    CursorPosition  `json:"cursor"`
	Selection *SelectionRange `json:"selection,omitempty"`
	IsTyping  bool            `json:"isTyping"`
}

// Event payloads.

type DocumentSnapshotPayload struct {
	Content string   `json:"content"`
	Version int      `json:"version"`
	Members []Member `json:"members"`
}

type DocumentAppliedPayload struct {
	Op      ot.Operation `json:"op"`
	Version int          `json:"version"`
}

// DocumentSyncResultPayload answers a document.sync request: either
// the log entries newer than the caller's haveVersion, or (when the
// caller is too stale for the retained log) a full content snapshot.
type DocumentSyncResultPayload struct {
	Ops      []ot.Operation `json:"ops,omitempty"`
	FullSync bool           `json:"fullSync"`
	Content  string         `json:"content,omitempty"`
	Version  int            `json:"version"`
}

type PresenceUpdatePayload struct {
	Members []PresenceInfo `json:"members"`
}

type UserJoinedPayload struct {
	User Member `json:"user"`
}

type UserLeftPayload struct {
	UserID string `json:"userId"`
}
