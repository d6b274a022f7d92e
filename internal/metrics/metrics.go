// Package metrics exposes the Prometheus collectors the Session
// Gateway and Document Engine report into, grounded on the
// prometheus/client_golang dependency carried by the corpus's
// domain-stack table (SPEC_FULL.md §11) rather than any single
// teacher file — the teacher repo has no metrics of its own.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DocumentsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "docengine",
		Name:      "documents_active",
		Help:      "Number of documents with a live Document Engine on this node.",
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "docengine",
		Name:      "sessions_active",
		Help:      "Number of currently open client connections on this node.",
	})

	OperationsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docengine",
		Name:      "operations_applied_total",
		Help:      "Operations admitted and applied by a Document Engine.",
	})

	OperationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docengine",
		Name:      "operations_rejected_total",
		Help:      "Operations rejected by a Document Engine, by reject code.",
	}, []string{"code"})

	PersistenceDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docengine",
		Name:      "persistence_degraded_total",
		Help:      "Persistence jobs that exhausted retries without succeeding.",
	})

	BackpressureDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docengine",
		Name:      "backpressure_disconnects_total",
		Help:      "Sessions closed because their outbound mailbox overflowed.",
	})

	FanoutPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docengine",
		Name:      "fanout_publish_errors_total",
		Help:      "Errors publishing an event to the fan-out bus.",
	})
)
