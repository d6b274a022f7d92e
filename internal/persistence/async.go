package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/otcollab/docengine/internal/metrics"
	"github.com/otcollab/docengine/pkg/logger"
)

// DegradedFunc is invoked when a job exhausts its retries. It must
// not block; callers typically increment a metric.
type DegradedFunc func(documentID string, err error)

type jobKind int

const (
	jobSaveDocument jobKind = iota
	jobAppendVersion
)

type job struct {
	kind       jobKind
	documentID string
	content    string
	language   string
	version    int
	record     VersionRecord
}

// AsyncPersister wraps an Adapter so the Document Engine never blocks
// on storage I/O (spec.md §4.2 step 10, §5). Submissions are
// fire-and-forget: a full queue drops the job rather than blocking the
// submitter, since the in-memory engine state remains authoritative
// either way.
type AsyncPersister struct {
	adapter     Adapter
	queue       chan job
	onDegraded  DegradedFunc
	maxRetries  int
	baseBackoff time.Duration
	wg          sync.WaitGroup
}

// NewAsyncPersister starts workers consuming the queue in the
// background. Call Stop to drain and shut them down.
func NewAsyncPersister(adapter Adapter, queueSize, workers int, onDegraded DegradedFunc) *AsyncPersister {
	if onDegraded == nil {
		onDegraded = func(string, error) {}
	}
	p := &AsyncPersister{
		adapter:     adapter,
		queue:       make(chan job, queueSize),
		onDegraded:  onDegraded,
		maxRetries:  5,
		baseBackoff: 200 * time.Millisecond,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// SubmitSave enqueues a snapshot save. Non-blocking: on a full queue
// the save is dropped and logged. A dropped save is not retried; the
// Engine submits a new save only once its version has advanced past
// the one it last submitted.
func (p *AsyncPersister) SubmitSave(documentID, content, language string, version int) {
	select {
	case p.queue <- job{kind: jobSaveDocument, documentID: documentID, content: content, language: language, version: version}:
	default:
		logger.Warn("persistence: queue full, dropping save for document %s", documentID)
	}
}

// SubmitAppend enqueues a version-record append.
func (p *AsyncPersister) SubmitAppend(rec VersionRecord) {
	select {
	case p.queue <- job{kind: jobAppendVersion, documentID: rec.DocumentID, record: rec}:
	default:
		logger.Warn("persistence: queue full, dropping version %d for document %s", rec.Version, rec.DocumentID)
	}
}

// Stop closes the queue and waits for in-flight jobs to finish or
// exhaust their retries.
func (p *AsyncPersister) Stop() {
	close(p.queue)
	p.wg.Wait()
}

func (p *AsyncPersister) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		p.process(j)
	}
}

func (p *AsyncPersister) process(j job) {
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.do(ctx, j)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		if attempt < p.maxRetries {
			time.Sleep(p.baseBackoff * time.Duration(1<<attempt))
		}
	}
	logger.Error("persistence: degraded for document %s after %d retries: %v", j.documentID, p.maxRetries, lastErr)
	metrics.PersistenceDegraded.Inc()
	p.onDegraded(j.documentID, lastErr)
}

func (p *AsyncPersister) do(ctx context.Context, j job) error {
	switch j.kind {
	case jobSaveDocument:
		return p.adapter.SaveDocument(ctx, j.documentID, j.content, j.version, j.language)
	case jobAppendVersion:
		return p.adapter.AppendVersion(ctx, j.record)
	default:
		return fmt.Errorf("persistence: unknown job kind %d", j.kind)
	}
}
