package tracerx

import (
	"testing"
	"time"

	"golang.org/x/tools/go/ssa"
)

// stubCore is a scripted core solver for tree-level tests.
type stubCore struct {
	mustBeTrue bool
}

func (s *stubCore) Evaluate(constraints []Expr, expr Expr) (Validity, []Expr, error) {
	return ValidityUnknown, nil, nil
}
func (s *stubCore) GetValue(constraints []Expr, expr Expr) (*ConstantExpr, error) {
	return NewConstantExpr(0, ExprWidth(expr)), nil
}
func (s *stubCore) MustBeTrue(constraints []Expr, expr Expr) (bool, error) {
	return s.mustBeTrue, nil
}
func (s *stubCore) MayBeTrue(constraints []Expr, expr Expr) (bool, []Expr, error) {
	return true, nil, nil
}
func (s *stubCore) GetInitialValues(constraints []Expr, arrays []*Array) ([][]byte, error) {
	values := make([][]byte, len(arrays))
	for i, a := range arrays {
		values[i] = make([]byte, a.Size)
	}
	return values, nil
}
func (s *stubCore) SetTimeout(d time.Duration)                      {}
func (s *stubCore) ConstraintLog(constraints []Expr, e Expr) string { return "" }

// newTreeState returns a bare state positioned at the entry of block.
func newTreeState(id int, block *ssa.BasicBlock) *ExecutionState {
	return &ExecutionState{
		id:          id,
		Constraints: NewConstraintSet(),
		stack:       []*StackFrame{{block: block, pc: 0}},
	}
}

func TestTxTree_SplitMirrorsSearchTree(t *testing.T) {
	block := &ssa.BasicBlock{}
	s1 := newTreeState(1, block)
	pt := NewPTree(s1)
	tx := NewTxTree(s1)

	s2 := newTreeState(2, block)
	pt.Split(s1.ptreeNode, s2, s1)
	tx.Split(s1.txNode, s2, s1)

	// Every live state references exactly one leaf in each tree.
	for _, s := range []*ExecutionState{s1, s2} {
		if pt.State(s.ptreeNode) != s {
			t.Fatalf("state %d search-tree handle broken", s.id)
		}
		if n := tx.nodes[s.txNode]; !n.active || n.left != 0 || n.right != 0 {
			t.Fatalf("state %d tx-tree handle not a leaf", s.id)
		}
	}

	// Removal keeps the trees structurally identical.
	pt.Remove(s2.ptreeNode)
	tx.Remove(s2, true)
	pt.Remove(s1.ptreeNode)
	tx.Remove(s1, true)
	if pt.Root() != 0 || tx.root != 0 {
		t.Fatal("trees disagree after removing all leaves")
	}
}

func TestTxTree_MarkPathCondition(t *testing.T) {
	block := &ssa.BasicBlock{}
	state := newTreeState(1, block)
	tx := NewTxTree(state)
	tx.SetCurrentNode(state)

	x := NewArray("mark_x", 1)
	c1 := NewBinaryExpr(ULT, NewReadExpr(x, NewConstantExpr64(0)), NewConstantExpr8(10))
	c2 := NewBinaryExpr(ULT, NewConstantExpr8(3), NewReadExpr(x, NewConstantExpr64(0)))
	tx.AddConstraint(state, c1)
	tx.AddConstraint(state, c2)

	// Only the constraint named by the unsat core is marked; the other is
	// irrelevant and drops out of the interpolant.
	tx.MarkPathCondition(state, []Expr{c2})
	tx.Remove(state, true)

	itps := tx.Table().Lookup(block)
	if len(itps) != 1 {
		t.Fatalf("expected 1 interpolant, got %d", len(itps))
	}
	if len(itps[0].Exprs) != 1 {
		t.Fatalf("expected 1 marked expr, got %v", itps[0].Exprs)
	}

	// The stored expression ranges over the shadow twin; instantiating it
	// against the original array restores the marked constraint.
	inst, ok := itps[0].Instantiate(map[string]*Array{"mark_x": x})
	if !ok {
		t.Fatal("instantiation failed")
	}
	if CompareExpr(inst, c2) != 0 {
		t.Fatalf("unexpected interpolant: %s", inst)
	}
}

func TestTxTree_SubsumptionCheck(t *testing.T) {
	block := &ssa.BasicBlock{}
	solver := NewTimingSolver(&stubCore{mustBeTrue: true}, 0)

	// First state explores the block and terminates with nothing marked:
	// the stored interpolant is empty, i.e. true.
	s1 := newTreeState(1, block)
	tx := NewTxTree(s1)
	tx.SetCurrentNode(s1)
	tx.Remove(s1, true)

	// A second state at the same program point is implied by "true".
	s2 := newTreeState(2, block)
	s2.txNode = tx.alloc(0)
	tx.SetCurrentNode(s2)

	subsumed, err := tx.SubsumptionCheck(solver, s2)
	if err != nil {
		t.Fatal(err)
	}
	if !subsumed {
		t.Fatal("expected subsumption hit")
	}
	if tx.Hits != 1 {
		t.Fatalf("hits=%d", tx.Hits)
	}

	// A different program point has no interpolant: a miss.
	other := &ssa.BasicBlock{}
	s3 := newTreeState(3, other)
	s3.txNode = tx.alloc(0)
	tx.SetCurrentNode(s3)
	if subsumed, _ := tx.SubsumptionCheck(solver, s3); subsumed {
		t.Fatal("unexpected subsumption at foreign program point")
	}
}

func TestTxTree_EarlyTerminationPoisons(t *testing.T) {
	block := &ssa.BasicBlock{}
	state := newTreeState(1, block)
	tx := NewTxTree(state)
	tx.SetCurrentNode(state)

	x := NewArray("poison_x", 1)
	c := NewBinaryExpr(ULT, NewReadExpr(x, NewConstantExpr64(0)), NewConstantExpr8(10))
	tx.AddConstraint(state, c)
	tx.MarkPathCondition(state, nil)

	// Early-terminated subtrees contribute no interpolants.
	tx.SetGenericEarlyTermination(state)
	tx.Remove(state, true)

	if got := len(tx.Table().Lookup(block)); got != 0 {
		t.Fatalf("poisoned subtree stored %d interpolants", got)
	}
}

func TestTxTree_Speculation(t *testing.T) {
	block := &ssa.BasicBlock{}
	s1 := newTreeState(1, block)
	tx := NewTxTree(s1)

	s2 := newTreeState(2, block)
	tx.Split(s1.txNode, s2, s1)
	tx.OpenSpeculation(s2, nil)

	if !tx.IsSpeculationNode(s2) {
		t.Fatal("speculation flag missing")
	}
	if tx.IsSpeculationNode(s1) {
		t.Fatal("speculation flag leaked to sibling")
	}

	// Cycle detection: the second visit of a program point fails.
	pp := &ssa.BasicBlock{}
	if tx.VisitedPoint(s2, pp) {
		t.Fatal("first visit reported as cycle")
	}
	if !tx.VisitedPoint(s2, pp) {
		t.Fatal("revisit not reported as cycle")
	}

	// Children of the speculative node inherit the flag and visited set.
	s3 := newTreeState(3, block)
	tx.Split(s2.txNode, s3, s2)
	if !tx.IsSpeculationNode(s3) {
		t.Fatal("child did not inherit speculation flag")
	}
	if !tx.VisitedPoint(s3, pp) {
		t.Fatal("child did not share the visited set")
	}

	// The root walk stops at the highest speculative ancestor.
	root, parent := tx.SpeculationRoot(s3)
	if !tx.nodes[root].speculation {
		t.Fatal("speculation root not speculative")
	}
	if tx.nodes[parent].speculation {
		t.Fatal("speculation root parent is speculative")
	}

	// Failing the subtree marks every node bottom-up.
	failed := tx.FailSpeculationSubtree(root)
	if len(failed) < 2 {
		t.Fatalf("expected the whole subtree, got %d nodes", len(failed))
	}
	if !tx.IsSpeculationFailedNode(s3) || !tx.IsSpeculationFailedNode(s2) {
		t.Fatal("states not marked failed")
	}
}
