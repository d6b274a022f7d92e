package document

import "github.com/otcollab/docengine/internal/ot"

// opLog is the bounded, gap-free ring of applied operations backing a
// Document Engine (spec.md §3 "operation log", invariant 4). Entries
// are ordered by ascending Version with no gaps; index i always holds
// version minVersion+i once non-empty.
type opLog struct {
	entries  []ot.Operation
	capacity int
}

func newOpLog(capacity int) *opLog {
	return &opLog{capacity: capacity}
}

func (l *opLog) Append(op ot.Operation) {
	l.entries = append(l.entries, op)
}

// baseline is the version the log can transform *from*: the version
// immediately before its oldest retained entry. A haveVersion at or
// above baseline can be served; anything older is TooStale.
func (l *opLog) baseline() int {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[0].Version - 1
}

// Since returns every logged operation with Version > haveVersion, in
// ascending version order. ok is false if haveVersion predates what
// the log still retains (TooStale).
func (l *opLog) Since(haveVersion int) (ops []ot.Operation, ok bool) {
	if haveVersion < l.baseline() {
		return nil, false
	}
	for _, op := range l.entries {
		if op.Version > haveVersion {
			ops = append(ops, op)
		}
	}
	return ops, true
}

// PruneBefore drops entries with Version < keepFrom, never dropping
// below the capacity floor's most recent window. Callers compute
// keepFrom as min(oldest acknowledged clientVersion, version-capacity+1).
func (l *opLog) PruneBefore(keepFrom int) {
	if len(l.entries) <= l.capacity {
		return
	}
	cut := 0
	for cut < len(l.entries) && l.entries[cut].Version < keepFrom {
		cut++
	}
	if cut > 0 {
		l.entries = l.entries[cut:]
	}
}

func (l *opLog) Len() int {
	return len(l.entries)
}
