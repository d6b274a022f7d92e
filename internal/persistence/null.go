package persistence

import "context"

// NullAdapter discards everything; it is the Adapter used when no
// SQLITE_URI is configured, matching the teacher's "database: disabled
// (in-memory only)" mode (cmd/server/main.go) — documents live only as
// long as their Document Engine does.
type NullAdapter struct{}

func (NullAdapter) LoadDocument(context.Context, string) (Snapshot, error) {
	return Snapshot{}, ErrNotFound
}

func (NullAdapter) SaveDocument(context.Context, string, string, int, string) error { return nil }

func (NullAdapter) AppendVersion(context.Context, VersionRecord) error { return nil }

func (NullAdapter) ListVersions(context.Context, string, int) ([]VersionRecord, error) {
	return nil, nil
}
