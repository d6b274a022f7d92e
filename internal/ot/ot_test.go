package ot

import "testing"

func TestApplyInsert(t *testing.T) {
	got, err := Apply("hello world", Operation{Kind: KindInsert, Position: 5, Text: ","})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != "hello, world" {
		t.Fatalf("got %q", got)
	}
}

func TestApplyDelete(t *testing.T) {
	got, err := Apply("hello world", Operation{Kind: KindDelete, Position: 6, Length: 5})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != "hello " {
		t.Fatalf("got %q", got)
	}
}

func TestApplyRetainIsIdentity(t *testing.T) {
	got, err := Apply("hello", Operation{Kind: KindRetain, Position: 1, Length: 3})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestApplyOutOfRange(t *testing.T) {
	cases := []Operation{
		{Kind: KindInsert, Position: -1, Text: "x"},
		{Kind: KindInsert, Position: 100, Text: "x"},
		{Kind: KindDelete, Position: 0, Length: 100},
		{Kind: KindDelete, Position: 3, Length: 10},
	}
	for _, op := range cases {
		if _, err := Apply("hello", op); err != ErrOutOfRange {
			t.Errorf("op %+v: want ErrOutOfRange, got %v", op, err)
		}
	}
}

// TestApplyInverse checks property 4: insert then delete the same span
// returns the original document, for in-range positions and non-empty
// strings, including non-BMP characters (pinning code-point indexing).
func TestApplyInverse(t *testing.T) {
	cases := []struct {
		doc string
		pos int
		ins string
	}{
		{"hello world", 5, " there"},
		{"", 0, "abc"},
		{"hello", 0, "😀😀"}, // non-BMP: 2 code points, 4 UTF-16 units, 8 bytes
		{"héllo", 1, "ü"},
	}
	for _, c := range cases {
		inserted, err := Apply(c.doc, Operation{Kind: KindInsert, Position: c.pos, Text: c.ins})
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		back, err := Apply(inserted, Operation{Kind: KindDelete, Position: c.pos, Length: len([]rune(c.ins))})
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		if back != c.doc {
			t.Fatalf("inverse failed: doc=%q ins=%q got back=%q", c.doc, c.ins, back)
		}
	}
}

func converge(t *testing.T, doc string, a, b Operation) (left, right string) {
	t.Helper()
	aPrime, bPrime, err := Transform(a, b)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	da, err := Apply(doc, a)
	if err != nil {
		t.Fatalf("apply a: %v", err)
	}
	da, err = Apply(da, bPrime)
	if err != nil {
		t.Fatalf("apply b': %v", err)
	}
	db, err := Apply(doc, b)
	if err != nil {
		t.Fatalf("apply b: %v", err)
	}
	db, err = Apply(db, aPrime)
	if err != nil {
		t.Fatalf("apply a': %v", err)
	}
	return da, db
}

// TestTP1Convergence exercises property 1 across the full case table in
// spec.md §4.1, including the insert/insert tiebreak.
func TestTP1Convergence(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		a, b Operation
	}{
		{
			name: "insert/insert disjoint",
			doc:  "hello world",
			a:    Operation{Kind: KindInsert, Position: 0, Text: "X"},
			b:    Operation{Kind: KindInsert, Position: 6, Text: "Y"},
		},
		{
			name: "insert/insert same position tiebreak",
			doc:  "",
			a:    Operation{Kind: KindInsert, Position: 0, Text: "A", ClientID: "c1"},
			b:    Operation{Kind: KindInsert, Position: 0, Text: "B", ClientID: "c2"},
		},
		{
			name: "insert/delete disjoint before",
			doc:  "hello world",
			a:    Operation{Kind: KindInsert, Position: 0, Text: "X"},
			b:    Operation{Kind: KindDelete, Position: 6, Length: 5},
		},
		{
			name: "insert inside delete range",
			doc:  "hello world",
			a:    Operation{Kind: KindDelete, Position: 6, Length: 5},
			b:    Operation{Kind: KindInsert, Position: 8, Text: "XYZ"},
		},
		{
			name: "delete/delete disjoint",
			doc:  "0123456789",
			a:    Operation{Kind: KindDelete, Position: 0, Length: 2},
			b:    Operation{Kind: KindDelete, Position: 5, Length: 2},
		},
		{
			name: "delete/delete fully contained",
			doc:  "0123456789",
			a:    Operation{Kind: KindDelete, Position: 2, Length: 6},
			b:    Operation{Kind: KindDelete, Position: 4, Length: 2},
		},
		{
			name: "delete/delete partial overlap",
			doc:  "0123456789",
			a:    Operation{Kind: KindDelete, Position: 0, Length: 5},
			b:    Operation{Kind: KindDelete, Position: 3, Length: 5},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			left, right := converge(t, tc.doc, tc.a, tc.b)
			if left != right {
				t.Fatalf("did not converge: applying a then b' => %q, applying b then a' => %q", left, right)
			}
		})
	}
}

// TestTiebreakDeterministic checks that the tiebreak is a pure function
// of the inputs, with no reliance on time or call order.
func TestTiebreakDeterministic(t *testing.T) {
	a := Operation{Kind: KindInsert, Position: 0, Text: "A", ClientID: "c1"}
	b := Operation{Kind: KindInsert, Position: 0, Text: "B", ClientID: "c2"}

	for i := 0; i < 5; i++ {
		aPrime, bPrime, err := Transform(a, b)
		if err != nil {
			t.Fatalf("transform: %v", err)
		}
		if aPrime.Position != 0 || bPrime.Position != 1 {
			t.Fatalf("iteration %d: expected c1 first (a unchanged at 0, b shifted to 1), got a'=%d b'=%d", i, aPrime.Position, bPrime.Position)
		}
	}
}

// TestScenarioS1 reproduces spec.md §8 S1: concurrent inserts at
// position 0 on an empty document converge to "AB" because c1 < c2.
func TestScenarioS1(t *testing.T) {
	a := Operation{Kind: KindInsert, Position: 0, Text: "A", ClientID: "c1", BaseVersion: 0}
	b := Operation{Kind: KindInsert, Position: 0, Text: "B", ClientID: "c2", BaseVersion: 0}

	// Server applies a (c1) first, at version 1, then admits b by
	// transforming it against the now-logged a: fold-left keeps the
	// second element of Transform(logged, incoming).
	_, bPrime, err := Transform(a, b)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	doc, err := Apply("", a)
	if err != nil {
		t.Fatalf("apply a: %v", err)
	}
	doc, err = Apply(doc, bPrime)
	if err != nil {
		t.Fatalf("apply b': %v", err)
	}
	if doc != "AB" {
		t.Fatalf("S1: want AB, got %q", doc)
	}
}

// TestScenarioS2 reproduces spec.md §8 S2: an insert landing inside a
// concurrent delete range is absorbed by the delete.
func TestScenarioS2(t *testing.T) {
	doc := "hello world"
	del := Operation{Kind: KindDelete, Position: 6, Length: 5, ClientID: "cA"}  // "world"
	ins := Operation{Kind: KindInsert, Position: 8, Text: "XYZ", ClientID: "cB"}

	delPrime, insPrime, err := Transform(del, ins)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}

	// Client A applied its own delete directly, then receives ins'.
	sideA, err := Apply(doc, del)
	if err != nil {
		t.Fatalf("apply del: %v", err)
	}
	sideA, err = Apply(sideA, insPrime)
	if err != nil {
		t.Fatalf("apply ins': %v", err)
	}

	// Client B applied its own insert directly, then receives del'.
	sideB, err := Apply(doc, ins)
	if err != nil {
		t.Fatalf("apply ins: %v", err)
	}
	sideB, err = Apply(sideB, delPrime)
	if err != nil {
		t.Fatalf("apply del': %v", err)
	}

	if sideA != "hello " || sideB != "hello " {
		t.Fatalf("S2: want both sides 'hello ', got sideA=%q sideB=%q", sideA, sideB)
	}
}

func TestComposeInserts(t *testing.T) {
	a := Operation{Kind: KindInsert, Position: 0, Text: "foo"}
	b := Operation{Kind: KindInsert, Position: 3, Text: "bar"}
	ops, err := Compose(a, b)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(ops) != 1 || ops[0].Text != "foobar" {
		t.Fatalf("got %+v", ops)
	}
}

func TestComposeUnrelatedReturnsSequence(t *testing.T) {
	a := Operation{Kind: KindInsert, Position: 0, Text: "foo"}
	b := Operation{Kind: KindInsert, Position: 50, Text: "bar"}
	ops, err := Compose(a, b)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("got %+v", ops)
	}
}
