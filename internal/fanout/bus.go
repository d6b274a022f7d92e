// Package fanout implements the cross-node publish/subscribe contract
// a Document Engine publishes its authoritative stream to (spec.md
// §4.4). The engine treats a Bus purely as a channel: it is assumed
// to deliver at-least-once and preserve per-topic order, and the
// engine is responsible for deduplicating by (documentId, version).
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/otcollab/docengine/internal/ot"
)

// MessageKind distinguishes the two event types a Document Engine
// fans out.
type MessageKind string

const (
	KindApplied          MessageKind = "applied"
	KindPresenceChanged  MessageKind = "presence"
)

// Message is the envelope published to a document's topic and
// received back by every node hosting sessions for that document,
// including the node that published it (subscribers filter out their
// own publications by origin if they choose to; the engine here
// instead relies on dedup-by-version, which is also correct for
// operations the node produced itself).
type Message struct {
	Kind       MessageKind     `json:"kind"`
	DocumentID string          `json:"documentId"`
	Version    int             `json:"version,omitempty"`
	Op         *ot.Operation   `json:"op,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	Presence   json.RawMessage `json:"presence,omitempty"`
	Origin     string          `json:"origin"`
}

// Topic returns the pub/sub topic name for a document.
func Topic(documentID string) string {
	return fmt.Sprintf("doc:%s", documentID)
}

// Subscription delivers messages for one Subscribe call. Messages
// must be drained or Close called to release the underlying
// subscription.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Bus is the fan-out contract. Implementations must be safe for
// concurrent use by many Document Engines.
type Bus interface {
	Publish(ctx context.Context, documentID string, msg Message) error
	Subscribe(ctx context.Context, documentID string) (Subscription, error)
}
