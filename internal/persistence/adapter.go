// Package persistence defines the storage contract the Document
// Engine depends on (spec.md §4.5) and the adapters that implement
// it. Nothing in this package may be called synchronously from an
// engine's serialization loop; see AsyncPersister.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/otcollab/docengine/internal/ot"
)

// ErrNotFound is returned by LoadDocument when no snapshot exists for
// the given id.
var ErrNotFound = errors.New("persistence: document not found")

// Snapshot is a document's last-saved state, enough to bootstrap a
// Document Engine without replaying its full operation history.
type Snapshot struct {
	Content  string
	Version  int
	Language string
}

// VersionRecord is one immutable entry in a document's durable
// history (spec.md §3 "Version Record").
type VersionRecord struct {
	DocumentID string
	Version    int
	Operation  ot.Operation
	AuthorID   string
	CreatedAt  time.Time
}

// Adapter is the persistence contract a Document Engine consumes. All
// methods must be safe to call concurrently from many engines.
type Adapter interface {
	LoadDocument(ctx context.Context, documentID string) (Snapshot, error)
	SaveDocument(ctx context.Context, documentID string, content string, version int, language string) error
	AppendVersion(ctx context.Context, rec VersionRecord) error
	ListVersions(ctx context.Context, documentID string, limit int) ([]VersionRecord, error)
}
