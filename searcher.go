package tracerx

import (
	"math/rand"
)

// Searcher is the strategy that picks the next state to execute. The
// engine announces every state change through Update before asking for a
// selection; SelectState only returns states previously announced and not
// yet removed.
type Searcher interface {
	// Update reports the current state plus states added and removed by
	// the last instruction. Called atomically per instruction.
	Update(current *ExecutionState, added, removed []*ExecutionState)

	// SelectState returns the next state to explore.
	SelectState() *ExecutionState

	// Empty returns true if no states remain.
	Empty() bool
}

// removeState deletes state from a, preserving order.
func removeState(a []*ExecutionState, state *ExecutionState) []*ExecutionState {
	for i := range a {
		if a[i] == state {
			return append(a[:i], a[i+1:]...)
		}
	}
	return a
}

// DFSSearcher explores states depth-first.
type DFSSearcher struct {
	states []*ExecutionState
}

// NewDFSSearcher returns a new instance of DFSSearcher.
func NewDFSSearcher() *DFSSearcher {
	return &DFSSearcher{}
}

// Update applies state changes to the stack.
func (s *DFSSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	s.states = append(s.states, added...)
	for _, state := range removed {
		s.states = removeState(s.states, state)
	}
}

// SelectState returns the most recently added state.
func (s *DFSSearcher) SelectState() *ExecutionState {
	if len(s.states) == 0 {
		return nil
	}
	return s.states[len(s.states)-1]
}

// Empty returns true if no states remain.
func (s *DFSSearcher) Empty() bool { return len(s.states) == 0 }

// BFSSearcher explores states breadth-first.
type BFSSearcher struct {
	states []*ExecutionState
}

// NewBFSSearcher returns a new instance of BFSSearcher.
func NewBFSSearcher() *BFSSearcher {
	return &BFSSearcher{}
}

// Update applies state changes to the queue.
func (s *BFSSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	s.states = append(s.states, added...)
	for _, state := range removed {
		s.states = removeState(s.states, state)
	}
}

// SelectState returns the oldest state.
func (s *BFSSearcher) SelectState() *ExecutionState {
	if len(s.states) == 0 {
		return nil
	}
	// Keep selecting the same state until it is removed so a path runs to
	// its next fork before rotating.
	return s.states[0]
}

// Empty returns true if no states remain.
func (s *BFSSearcher) Empty() bool { return len(s.states) == 0 }

// RandomSearcher selects states uniformly at random.
type RandomSearcher struct {
	states []*ExecutionState
	rand   *rand.Rand
}

// NewRandomSearcher returns a new instance of RandomSearcher.
func NewRandomSearcher(rand *rand.Rand) *RandomSearcher {
	return &RandomSearcher{rand: rand}
}

// Update applies state changes to the pool.
func (s *RandomSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	s.states = append(s.states, added...)
	for _, state := range removed {
		s.states = removeState(s.states, state)
	}
}

// SelectState returns a uniformly random state.
func (s *RandomSearcher) SelectState() *ExecutionState {
	if len(s.states) == 0 {
		return nil
	}
	return s.states[s.rand.Intn(len(s.states))]
}

// Empty returns true if no states remain.
func (s *RandomSearcher) Empty() bool { return len(s.states) == 0 }

// RandomPathSearcher walks the search tree from the root, choosing a child
// uniformly at each interior node. States high in the tree are favored,
// which biases exploration toward short paths.
type RandomPathSearcher struct {
	tree *PTree
	rand *rand.Rand
	n    int
}

// NewRandomPathSearcher returns a new instance of RandomPathSearcher.
func NewRandomPathSearcher(tree *PTree, rand *rand.Rand) *RandomPathSearcher {
	return &RandomPathSearcher{tree: tree, rand: rand}
}

// Update tracks only the live count; selection reads the tree directly.
func (s *RandomPathSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	s.n += len(added) - len(removed)
}

// SelectState returns the state at the end of a random root-to-leaf walk.
func (s *RandomPathSearcher) SelectState() *ExecutionState {
	id := s.tree.Root()
	if id == 0 {
		return nil
	}
	for {
		if state := s.tree.State(id); state != nil {
			return state
		}
		left, right := s.tree.Children(id)
		switch {
		case left == 0:
			id = right
		case right == 0:
			id = left
		case s.rand.Intn(2) == 0:
			id = left
		default:
			id = right
		}
		if id == 0 {
			return nil
		}
	}
}

// Empty returns true if no states remain.
func (s *RandomPathSearcher) Empty() bool { return s.n <= 0 }

// WeightedSearcher selects states proportionally to their weight. Seeding
// resets every weight to one so seeded results stay equally likely.
type WeightedSearcher struct {
	states []*ExecutionState
	rand   *rand.Rand
}

// NewWeightedSearcher returns a new instance of WeightedSearcher.
func NewWeightedSearcher(rand *rand.Rand) *WeightedSearcher {
	return &WeightedSearcher{rand: rand}
}

// Update applies state changes to the pool.
func (s *WeightedSearcher) Update(current *ExecutionState, added, removed []*ExecutionState) {
	s.states = append(s.states, added...)
	for _, state := range removed {
		s.states = removeState(s.states, state)
	}
}

// SelectState samples a state with probability proportional to weight.
func (s *WeightedSearcher) SelectState() *ExecutionState {
	if len(s.states) == 0 {
		return nil
	}
	total := 0.0
	for _, state := range s.states {
		total += state.weight
	}
	if total <= 0 {
		return s.states[s.rand.Intn(len(s.states))]
	}
	target := s.rand.Float64() * total
	for _, state := range s.states {
		target -= state.weight
		if target <= 0 {
			return state
		}
	}
	return s.states[len(s.states)-1]
}

// Empty returns true if no states remain.
func (s *WeightedSearcher) Empty() bool { return len(s.states) == 0 }
