package registry

import (
	"context"
	"testing"
	"time"

	"github.com/otcollab/docengine/internal/document"
	"github.com/otcollab/docengine/internal/fanout"
	"github.com/otcollab/docengine/internal/persistence"
	"github.com/otcollab/docengine/internal/protocol"
)

type fakeAdapter struct{}

func (fakeAdapter) LoadDocument(context.Context, string) (persistence.Snapshot, error) {
	return persistence.Snapshot{}, persistence.ErrNotFound
}
func (fakeAdapter) SaveDocument(context.Context, string, string, int, string) error { return nil }
func (fakeAdapter) AppendVersion(context.Context, persistence.VersionRecord) error  { return nil }
func (fakeAdapter) ListVersions(context.Context, string, int) ([]persistence.VersionRecord, error) {
	return nil, nil
}

func newTestRegistry() *Registry {
	return New(Config{
		Adapter: fakeAdapter{},
		Bus:     fanout.NewLocalBus(),
	})
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	defer r.Shutdown()

	a := r.GetOrCreate("doc1")
	b := r.GetOrCreate("doc1")
	if a != b {
		t.Fatal("expected the same engine instance for the same documentId")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 tracked document, got %d", r.Len())
	}

	c := r.GetOrCreate("doc2")
	if c == a {
		t.Fatal("expected a distinct engine for a distinct documentId")
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 tracked documents, got %d", r.Len())
	}
}

// TestTerminatedEngineIsRemoved checks that once an engine drains and
// terminates (last subscriber detaches and the drain grace elapses),
// the registry's OnTerminated callback removes it so a later lookup
// starts a fresh engine rather than reusing a dead one.
func TestTerminatedEngineIsRemoved(t *testing.T) {
	r := New(Config{Adapter: fakeAdapter{}, Bus: fanout.NewLocalBus(), DrainGrace: 50 * time.Millisecond})
	defer r.Shutdown()

	e := r.GetOrCreate("doc1")
	out := make(chan *protocol.Event, protocol.OutboundQueueSize)
	if _, err := e.Attach(document.Subscriber{ConnectionID: "conn1", UserID: "u1", Outbound: out}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	e.Detach("conn1")

	deadline := time.Now().Add(2 * time.Second)
	for r.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected registry to drop the terminated engine, still have %d", r.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}

	fresh := r.GetOrCreate("doc1")
	if fresh == e {
		t.Fatal("expected a fresh engine to replace the terminated one")
	}
}

func TestShutdownDrainsAllEngines(t *testing.T) {
	r := newTestRegistry()
	r.GetOrCreate("doc1")
	r.GetOrCreate("doc2")
	r.GetOrCreate("doc3")

	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return after draining engines")
	}
}
