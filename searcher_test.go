package tracerx

import (
	"math/rand"
	"testing"
)

func newBareState(id int) *ExecutionState {
	return &ExecutionState{id: id, Constraints: NewConstraintSet()}
}

func TestDFSSearcher(t *testing.T) {
	s := NewDFSSearcher()
	if !s.Empty() {
		t.Fatal("fresh searcher not empty")
	}

	a, b, c := newBareState(1), newBareState(2), newBareState(3)
	s.Update(nil, []*ExecutionState{a, b}, nil)
	s.Update(a, []*ExecutionState{c}, nil)

	// Depth-first selects the most recently added state.
	if got := s.SelectState(); got != c {
		t.Fatalf("selected state %d, expected %d", got.id, c.id)
	}

	s.Update(c, nil, []*ExecutionState{c})
	if got := s.SelectState(); got != b {
		t.Fatalf("selected state %d, expected %d", got.id, b.id)
	}

	s.Update(b, nil, []*ExecutionState{b, a})
	if !s.Empty() {
		t.Fatal("searcher not empty after removing all states")
	}
}

func TestBFSSearcher(t *testing.T) {
	s := NewBFSSearcher()
	a, b := newBareState(1), newBareState(2)
	s.Update(nil, []*ExecutionState{a, b}, nil)

	// Breadth-first selects the oldest state, and keeps selecting it
	// until it is removed.
	if got := s.SelectState(); got != a {
		t.Fatalf("selected state %d, expected %d", got.id, a.id)
	}
	if got := s.SelectState(); got != a {
		t.Fatalf("reselected state %d, expected %d", got.id, a.id)
	}

	s.Update(a, nil, []*ExecutionState{a})
	if got := s.SelectState(); got != b {
		t.Fatalf("selected state %d, expected %d", got.id, b.id)
	}
}

func TestRandomSearcher(t *testing.T) {
	s := NewRandomSearcher(rand.New(rand.NewSource(1)))
	a, b := newBareState(1), newBareState(2)
	s.Update(nil, []*ExecutionState{a, b}, nil)

	// Selection only returns announced, unremoved states.
	for i := 0; i < 20; i++ {
		got := s.SelectState()
		if got != a && got != b {
			t.Fatalf("selected unknown state %v", got)
		}
	}

	s.Update(nil, nil, []*ExecutionState{a})
	for i := 0; i < 20; i++ {
		if got := s.SelectState(); got != b {
			t.Fatalf("selected removed state %d", got.id)
		}
	}
}

func TestRandomPathSearcher(t *testing.T) {
	s1 := newBareState(1)
	tree := NewPTree(s1)
	searcher := NewRandomPathSearcher(tree, rand.New(rand.NewSource(1)))
	searcher.Update(nil, []*ExecutionState{s1}, nil)

	if got := searcher.SelectState(); got != s1 {
		t.Fatalf("selected state %v, expected root", got)
	}

	s2 := newBareState(2)
	tree.Split(s1.ptreeNode, s2, s1)
	searcher.Update(s1, []*ExecutionState{s2}, nil)

	seen := map[int]bool{}
	for i := 0; i < 50; i++ {
		seen[searcher.SelectState().id] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("random path never reached both leaves: %v", seen)
	}

	tree.Remove(s2.ptreeNode)
	searcher.Update(nil, nil, []*ExecutionState{s2})
	for i := 0; i < 20; i++ {
		if got := searcher.SelectState(); got != s1 {
			t.Fatalf("selected removed leaf %d", got.id)
		}
	}
}

func TestWeightedSearcher(t *testing.T) {
	s := NewWeightedSearcher(rand.New(rand.NewSource(1)))
	a, b := newBareState(1), newBareState(2)
	a.weight, b.weight = 1.0, 0.0
	s.Update(nil, []*ExecutionState{a, b}, nil)

	// Zero-weight states are never sampled while a positive one exists.
	for i := 0; i < 50; i++ {
		if got := s.SelectState(); got != a {
			t.Fatalf("sampled zero-weight state %d", got.id)
		}
	}
}
