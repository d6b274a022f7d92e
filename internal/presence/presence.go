// Package presence holds the per-document ephemeral state of attached
// principals (spec.md §2, §3 "Presence Registry"). A Registry is
// exclusively owned and mutated by its Document Engine's
// serialization loop; nothing here does its own locking.
package presence

import (
	"sort"
	"time"

	"github.com/otcollab/docengine/internal/protocol"
)

// Entry is one attached principal's cursor/selection/typing state.
type Entry struct {
	UserID       string
	DocumentID   string
	Cursor       protocol.CursorPosition
	Selection    *protocol.SelectionRange
	IsTyping     bool
	LastActivity time.Time
}

func (e Entry) toWire() protocol.PresenceInfo {
	return protocol.PresenceInfo{
		UserID:    e.UserID,
		Cursor:    e.Cursor,
		Selection: e.Selection,
		IsTyping:  e.IsTyping,
	}
}

// Registry is a document's live presence map, keyed by userID.
type Registry struct {
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Set overwrites the entry for e.UserID, per spec.md §4.2 ("applied by
// overwriting the entry").
func (r *Registry) Set(e Entry) {
	e.LastActivity = time.Now()
	r.entries[e.UserID] = &e
}

// Remove deletes a principal's presence, typically on detach.
func (r *Registry) Remove(userID string) {
	delete(r.entries, userID)
}

func (r *Registry) Get(userID string) (Entry, bool) {
	e, ok := r.entries[userID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (r *Registry) Len() int {
	return len(r.entries)
}

// Snapshot returns every entry in a deterministic (userID-sorted)
// order, suitable for a `presence.update` broadcast.
func (r *Registry) Snapshot() []protocol.PresenceInfo {
	out := make([]protocol.PresenceInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.toWire())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
