package document

import (
	"errors"

	"github.com/otcollab/docengine/internal/metrics"
)

// ErrEngineTerminated is returned by an Engine's public methods once
// its run loop has drained and stopped. When Attach returns it, the
// Session Gateway fetches the engine for the documentId again and
// retries the attach once; on Sync it is reported to the client as
// UnknownDocument.
var ErrEngineTerminated = errors.New("document: engine terminated")

// RejectCode classifies why the engine refused a submitted operation.
// These map directly onto the wire error codes in spec.md §6/§7 that
// concern the Document Engine (the Session Gateway owns Unauthorized,
// Backpressure, and RateLimited, which never originate here).
type RejectCode string

const (
	RejectFutureVersion   RejectCode = "FutureVersion"
	RejectTooStale        RejectCode = "TooStale"
	RejectOutOfRange      RejectCode = "OutOfRange"
	RejectUnknownDocument RejectCode = "UnknownDocument"
	RejectInternal        RejectCode = "Internal"
)

// RejectError is returned to the submitting session only; per
// spec.md §4.2 it never causes a broadcast and never affects any
// other session's view of the document.
type RejectError struct {
	Code    RejectCode
	Message string
}

func (e *RejectError) Error() string {
	return string(e.Code) + ": " + e.Message
}

func reject(code RejectCode, message string) *RejectError {
	return &RejectError{Code: code, Message: message}
}

// rejectOp builds a RejectError and records it against the
// operations_rejected_total metric, keeping rejection bookkeeping next
// to the one place (handleSubmitOp) that produces it.
func (e *Engine) rejectOp(code RejectCode, message string) *RejectError {
	metrics.OperationsRejected.WithLabelValues(string(code)).Inc()
	return reject(code, message)
}
