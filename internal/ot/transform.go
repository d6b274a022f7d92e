package ot

// Transform implements the inclusion transformation (OT's "transform"
// function): given two operations a and b that were both produced
// against the same base document, it returns (a′, b′) such that
//
//	Apply(Apply(d, a), b′) == Apply(Apply(d, b), a′)
//
// for every document d both operations are valid on (TP1). The result
// is a pure function of its inputs, including the insert/insert
// tiebreak, so any two nodes given the same (a, b) compute identical
// (a′, b′).
func Transform(a, b Operation) (Operation, Operation, error) {
	if err := a.validate(); err != nil {
		return Operation{}, Operation{}, err
	}
	if err := b.validate(); err != nil {
		return Operation{}, Operation{}, err
	}

	aPrime, bPrime := a.Clone(), b.Clone()

	switch {
	case a.Kind == KindInsert && b.Kind == KindInsert:
		transformInsertInsert(&aPrime, &bPrime, a, b)

	case a.Kind == KindInsert && (b.Kind == KindDelete || b.Kind == KindRetain):
		transformInsertSpan(&aPrime, &bPrime, a, b)

	case (a.Kind == KindDelete || a.Kind == KindRetain) && b.Kind == KindInsert:
		// Symmetric to insert/span: swap roles and swap results back.
		bp, ap := b.Clone(), a.Clone()
		transformInsertSpan(&bp, &ap, b, a)
		aPrime, bPrime = ap, bp

	case (a.Kind == KindDelete || a.Kind == KindRetain) && (b.Kind == KindDelete || b.Kind == KindRetain):
		transformSpanSpan(&aPrime, &bPrime, a, b)
	}

	return aPrime, bPrime, nil
}

// transformInsertInsert resolves two concurrent inserts. Equal
// positions are broken deterministically by comparing ClientID
// lexicographically: the smaller id is treated as "first" (its text
// lands before the other's), and the two inserted strings are never
// interleaved.
func transformInsertInsert(aPrime, bPrime *Operation, a, b Operation) {
	switch {
	case a.Position < b.Position:
		bPrime.Position = b.Position + len([]rune(a.Text))
	case a.Position > b.Position:
		aPrime.Position = a.Position + len([]rune(b.Text))
	default:
		if a.ClientID < b.ClientID {
			// a is first.
			bPrime.Position = b.Position + len([]rune(a.Text))
		} else {
			// b is first (including a.ClientID == b.ClientID, which
			// cannot legitimately happen for two distinct operations
			// but must still resolve deterministically).
			aPrime.Position = a.Position + len([]rune(b.Text))
		}
	}
}

// transformInsertSpan resolves an insert (a) against a delete or
// retain (b), both anchored at the same base document.
//
// retain never removes content, so it is transparent to the insert: a
// passes through unchanged, and only b's own bookkeeping
// (position/length) shifts to stay aligned with the text growing
// around it.
//
// delete does remove content, so an insert landing strictly inside
// its span is absorbed: the inserting client's text sits in a region
// the other client concurrently deleted, so it must vanish on both
// sides. b grows to also cover the inserted text (so replaying it
// after the insert removes the new text too), and a collapses to a
// no-op retain at b's position (so the other side, which already ran
// the unextended delete, never materializes the insert's text).
func transformInsertSpan(aPrime, bPrime *Operation, a, b Operation) {
	insLen := len([]rune(a.Text))

	if b.Kind == KindRetain {
		switch {
		case a.Position <= b.Position:
			bPrime.Position = b.Position + insLen
		case a.Position >= b.Position+b.Length:
			// retain has zero net characters; it cannot shift a.
		default:
			bPrime.Length = b.Length + insLen
		}
		return
	}

	switch {
	case a.Position <= b.Position:
		bPrime.Position = b.Position + insLen
	case a.Position >= b.Position+b.Length:
		aPrime.Position = a.Position - b.Length
	default:
		aPrime.Kind = KindRetain
		aPrime.Position = b.Position
		aPrime.Length = 0
		aPrime.Text = ""
		bPrime.Length = b.Length + insLen
	}
}

// transformSpanSpan resolves two concurrent delete/retain spans via
// interval-overlap bookkeeping. Only delete actually removes
// characters, so a span's position/length is only perturbed by the
// portion of the OTHER span that is a real delete; a retain
// contributes zero shift and zero shrink to whatever it is transformed
// against, in either direction (symmetric: a delete vs retain does
// shrink/shift the retain, since the retain's tracked span really did
// lose content, but the delete itself is left untouched since the
// retain removed nothing).
func transformSpanSpan(aPrime, bPrime *Operation, a, b Operation) {
	aStart, aEnd := a.Position, a.Position+a.Length
	bStart, bEnd := b.Position, b.Position+b.Length

	overlapStart := max(aStart, bStart)
	overlapEnd := min(aEnd, bEnd)
	overlap := max(0, overlapEnd-overlapStart)

	bBeforeA := max(0, min(bEnd, aStart)-bStart)
	aBeforeB := max(0, min(aEnd, bStart)-aStart)

	if b.Kind == KindDelete {
		aPrime.Position = aStart - bBeforeA
		aPrime.Length = a.Length - overlap
	}

	if a.Kind == KindDelete {
		bPrime.Position = bStart - aBeforeB
		bPrime.Length = b.Length - overlap
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
