package ot

// Compose produces an operation sequence equivalent to applying a then
// b to the same document. It is not required on the hot path (the
// Document Engine applies operations one at a time); it exists for log
// compaction during history pruning. Where a and b can be merged into
// a single operation without changing the resulting content, Compose
// does so; otherwise it returns both operations in order.
func Compose(a, b Operation) ([]Operation, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	if err := b.validate(); err != nil {
		return nil, err
	}

	// Two inserts where b's insert lands exactly at the end of a's
	// inserted text: merge into one larger insert at a's position.
	if a.Kind == KindInsert && b.Kind == KindInsert {
		aEnd := a.Position + len([]rune(a.Text))
		if b.Position == aEnd {
			merged := a.Clone()
			merged.Text = a.Text + b.Text
			merged.Timestamp = b.Timestamp
			return []Operation{merged}, nil
		}
	}

	// Two deletes where b's range starts exactly where a's delete left
	// off (a removed [p, p+lenA); b removes the same absolute position
	// again because the document already shifted): merge lengths.
	if a.Kind == KindDelete && b.Kind == KindDelete && a.Position == b.Position {
		merged := a.Clone()
		merged.Length = a.Length + b.Length
		merged.Timestamp = b.Timestamp
		return []Operation{merged}, nil
	}

	// An insert immediately undone by a delete of exactly what it
	// inserted composes to a no-op retain, which callers can drop
	// during compaction.
	if a.Kind == KindInsert && b.Kind == KindDelete &&
		b.Position == a.Position && b.Length == len([]rune(a.Text)) {
		return []Operation{{Kind: KindRetain, Position: a.Position, Length: 0, BaseVersion: b.BaseVersion, ClientID: b.ClientID, Timestamp: b.Timestamp}}, nil
	}

	return []Operation{a, b}, nil
}
