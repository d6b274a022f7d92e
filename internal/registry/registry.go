// Package registry tracks the one live Document Engine per documentId
// a node currently hosts, grounded on the teacher's sync.Map-based
// document map in pkg/server/server.go (LoadOrStore keyed by id) but
// replacing its mutex-guarded *Kolabpad value with an Engine actor and
// adding the termination callback the actor-per-document redesign
// needs (spec.md §9).
package registry

import (
	"sync"
	"time"

	"github.com/otcollab/docengine/internal/document"
	"github.com/otcollab/docengine/internal/fanout"
	"github.com/otcollab/docengine/internal/metrics"
	"github.com/otcollab/docengine/internal/persistence"
	"github.com/otcollab/docengine/pkg/logger"
)

// Registry owns every Engine a node currently hosts, creating one
// lazily on first attach and removing it once the Engine itself
// reports termination (idle drain grace elapsed, per spec.md §4.2).
type Registry struct {
	adapter     persistence.Adapter
	persister   *persistence.AsyncPersister
	bus         fanout.Bus
	logCapacity int
	drainGrace  time.Duration

	mu      sync.Mutex
	engines map[string]*document.Engine
}

// Config mirrors the collaborators every Engine this registry creates
// will share.
type Config struct {
	Adapter     persistence.Adapter
	Persister   *persistence.AsyncPersister
	Bus         fanout.Bus
	LogCapacity int
	DrainGrace  time.Duration // forwarded to document.Config; tests shorten it
}

func New(cfg Config) *Registry {
	return &Registry{
		adapter:     cfg.Adapter,
		persister:   cfg.Persister,
		bus:         cfg.Bus,
		logCapacity: cfg.LogCapacity,
		drainGrace:  cfg.DrainGrace,
		engines:     make(map[string]*document.Engine),
	}
}

// GetOrCreate returns the live Engine for documentID, starting one if
// none is currently hosted. The returned Engine may already be
// Draining; callers attach through it regardless, since Attach itself
// cancels a pending drain (spec.md §4.2).
func (r *Registry) GetOrCreate(documentID string) *document.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[documentID]; ok {
		return e
	}

	e := document.New(document.Config{
		DocumentID:   documentID,
		Adapter:      r.adapter,
		Persister:    r.persister,
		Bus:          r.bus,
		LogCapacity:  r.logCapacity,
		DrainGrace:   r.drainGrace,
		OnTerminated: r.remove,
	})
	r.engines[documentID] = e
	metrics.DocumentsActive.Inc()
	logger.Debug("registry: started engine for document %s", documentID)
	return e
}

// remove drops an engine once it has reported termination. It is safe
// against a concurrent GetOrCreate that started a fresh engine for the
// same id in the narrow window between drain and this callback firing:
// the callback only deletes the map entry, it never overwrites one
// installed after it.
func (r *Registry) remove(documentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.engines[documentID]; ok {
		delete(r.engines, documentID)
		metrics.DocumentsActive.Dec()
	}
	logger.Debug("registry: engine for document %s terminated", documentID)
}

// Len reports how many documents currently have a live engine; used by
// the stats endpoint (spec.md §12 supplemented feature).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.engines)
}

// Shutdown drains every live engine, flushing a final autosave for
// each before returning. Called from the server's graceful-shutdown
// path.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	engines := make([]*document.Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range engines {
		wg.Add(1)
		go func(e *document.Engine) {
			defer wg.Done()
			e.Shutdown()
		}(e)
	}
	wg.Wait()
}
