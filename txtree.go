package tracerx

import (
	"bytes"
	"fmt"
	"time"

	"golang.org/x/tools/go/ssa"
)

// TxTree is the interpolation tree. It mirrors the search tree node for
// node and records, at every fork, why the infeasible side could not be
// taken: the unsat core of pathCondition && !branchCondition. When a subtree
// is fully explored, the marked constraints along its paths are generalized
// into interpolants: predicates attached to program points that
// over-approximate failing successors. A later state whose path condition
// implies a stored interpolant at the same program point is subsumed.
type TxTree struct {
	nodes []txNode
	free  []int
	root  int

	seq   uint64
	table *SubsumptionTable

	// Subsumption statistics.
	Hits   int
	Misses int
}

type txNode struct {
	parent int
	left   int
	right  int
	active bool

	seq          uint64
	programPoint *ssa.BasicBlock

	// Path-condition entries added while this node was current.
	entries []pcEntry

	// Instructions executed under this node.
	instructionsDepth int

	// Early-terminated subtrees must not contribute interpolants.
	genericEarlyTermination bool

	// Marked constraints absorbed from removed children.
	absorbed []Expr

	// Speculation bookkeeping. The visited set and timer are shared by
	// every node of one speculation subtree.
	speculation       bool
	speculationFailed bool
	specUnsatCore     []Expr
	secondCheckInst   ssa.Instruction
	visitedPoints     map[*ssa.BasicBlock]struct{}
	specTime          *time.Duration
}

type pcEntry struct {
	expr   Expr
	marked bool
}

// NewTxTree returns a tree with a single root leaf holding state.
func NewTxTree(state *ExecutionState) *TxTree {
	t := &TxTree{
		nodes: make([]txNode, 1), // index 0 is the null node
		table: NewSubsumptionTable(),
	}
	t.root = t.alloc(0)
	state.txNode = t.root
	return t
}

func (t *TxTree) alloc(parent int) int {
	t.seq++
	n := txNode{parent: parent, active: true, seq: t.seq}
	if parent != 0 {
		p := &t.nodes[parent]
		n.programPoint = p.programPoint
		n.speculation = p.speculation
		n.visitedPoints = p.visitedPoints
		n.specTime = p.specTime
	}
	if m := len(t.free); m > 0 {
		id := t.free[m-1]
		t.free = t.free[:m-1]
		t.nodes[id] = n
		return id
	}
	t.nodes = append(t.nodes, n)
	return len(t.nodes) - 1
}

// Table returns the subsumption table.
func (t *TxTree) Table() *SubsumptionTable { return t.table }

// NodeSeq returns the creation sequence number of a node.
func (t *TxTree) NodeSeq(id int) uint64 { return t.nodes[id].seq }

// Parent returns the parent id of a node.
func (t *TxTree) Parent(id int) int { return t.nodes[id].parent }

// SetCurrentNode synchronizes the node of the selected state with the
// block it is about to execute. The program point is set when the state
// sits at the first instruction of a block.
func (t *TxTree) SetCurrentNode(state *ExecutionState) {
	n := &t.nodes[state.txNode]
	if block := state.Block(); block != nil && state.AtBlockEntry() {
		n.programPoint = block
	}
}

// ProgramPoint returns the basic block recorded on the state's node.
func (t *TxTree) ProgramPoint(state *ExecutionState) *ssa.BasicBlock {
	return t.nodes[state.txNode].programPoint
}

// IncInstructionsDepth counts one executed instruction under the node.
func (t *TxTree) IncInstructionsDepth(state *ExecutionState) {
	t.nodes[state.txNode].instructionsDepth++
}

// InstructionsDepth returns the instruction count of the state's node.
func (t *TxTree) InstructionsDepth(state *ExecutionState) int {
	return t.nodes[state.txNode].instructionsDepth
}

// AddConstraint records a path-condition entry on the state's node. The
// entry starts unmarked; marking happens when an unsat core names it.
func (t *TxTree) AddConstraint(state *ExecutionState, expr Expr) {
	n := &t.nodes[state.txNode]
	n.entries = append(n.entries, pcEntry{expr: expr})
}

// Split mirrors a search-tree split: the node of the forked state becomes
// interior and two fresh leaves take the successors. Each new node
// inherits the parent's path-summary slots.
func (t *TxTree) Split(id int, leftState, rightState *ExecutionState) (left, right int) {
	n := &t.nodes[id]
	assert(n.active, "txtree: split of dead node %d", id)
	assert(n.left == 0 && n.right == 0, "txtree: split of interior node %d", id)

	left = t.alloc(id)
	right = t.alloc(id)
	t.nodes[id].left, t.nodes[id].right = left, right

	leftState.txNode = left
	rightState.txNode = right
	return left, right
}

// MarkPathCondition marks the entries named by an unsat core along the
// path from the state's node to the root. The marked subset is the reason
// the losing branch was infeasible; everything unmarked is irrelevant to
// that proof and will be dropped from the interpolant. An empty core
// conservatively marks every entry.
func (t *TxTree) MarkPathCondition(state *ExecutionState, unsatCore []Expr) {
	markAll := len(unsatCore) == 0
	for id := state.txNode; id != 0; id = t.nodes[id].parent {
		n := &t.nodes[id]
		for i := range n.entries {
			if markAll || exprInSet(n.entries[i].expr, unsatCore) {
				n.entries[i].marked = true
			}
		}
	}
}

// MarkFullPathCondition marks every entry along the path. Used for error
// terminations where no core narrows the reason.
func (t *TxTree) MarkFullPathCondition(state *ExecutionState) {
	t.MarkPathCondition(state, nil)
}

// SetGenericEarlyTermination poisons the state's node so that its subtree
// contributes no interpolant.
func (t *TxTree) SetGenericEarlyTermination(state *ExecutionState) {
	t.nodes[state.txNode].genericEarlyTermination = true
}

// MemoryBoundViolationInterpolation records the minimal address predicate
// that caused an out-of-bounds access, so later states approaching the
// same instruction with the same address pattern can be subsumed.
func (t *TxTree) MemoryBoundViolationInterpolation(inst ssa.Instruction, violation Expr) {
	if inst == nil || inst.Block() == nil || violation == nil {
		return
	}
	t.table.Insert(inst.Block(), &Interpolant{
		Exprs:       []Expr{shadowizeExpr(violation)},
		AddressOnly: true,
	})
}

// Remove deletes the leaf of a terminated state, storing an interpolant at
// the leaf's program point unless the subtree was poisoned by an early
// termination. Interior nodes left childless are trimmed, absorbing the
// marked constraints of their children so sibling summaries accumulate.
func (t *TxTree) Remove(state *ExecutionState, storeInterpolant bool) {
	id := state.txNode
	n := &t.nodes[id]
	assert(n.active, "txtree: remove of dead node %d", id)
	assert(n.left == 0 && n.right == 0, "txtree: remove of interior node %d", id)

	if storeInterpolant && !t.poisoned(id) && n.programPoint != nil {
		exprs := t.collectMarked(id)
		t.table.Insert(n.programPoint, &Interpolant{Exprs: shadowizeAll(exprs)})
	}

	t.trim(id)
}

// poisoned returns true if any node from id to the root carries a generic
// early termination.
func (t *TxTree) poisoned(id int) bool {
	for ; id != 0; id = t.nodes[id].parent {
		if t.nodes[id].genericEarlyTermination {
			return true
		}
	}
	return false
}

// collectMarked gathers the marked entries and absorbed child marks along
// the path from id to the root.
func (t *TxTree) collectMarked(id int) []Expr {
	var exprs []Expr
	for ; id != 0; id = t.nodes[id].parent {
		n := &t.nodes[id]
		for _, e := range n.entries {
			if e.marked {
				exprs = append(exprs, e.expr)
			}
		}
		exprs = append(exprs, n.absorbed...)
	}
	return exprs
}

func (t *TxTree) trim(id int) {
	for id != 0 {
		n := &t.nodes[id]
		parent := n.parent

		// Push this node's marked entries up before deletion so that the
		// sibling's eventual interpolant still covers this side.
		if parent != 0 {
			p := &t.nodes[parent]
			for _, e := range n.entries {
				if e.marked {
					p.absorbed = append(p.absorbed, e.expr)
				}
			}
			p.absorbed = append(p.absorbed, n.absorbed...)
			if n.genericEarlyTermination {
				p.genericEarlyTermination = true
			}
		}

		*n = txNode{}
		t.free = append(t.free, id)

		if parent == 0 {
			t.root = 0
			return
		}
		p := &t.nodes[parent]
		if p.left == id {
			p.left = 0
		} else if p.right == id {
			p.right = 0
		}
		if p.left != 0 || p.right != 0 {
			return
		}
		id = parent
	}
}

// SubsumptionCheck reports whether the state's path condition implies some
// interpolant stored at its current program point. A hit means the state
// cannot reach any outcome a prior state did not.
func (t *TxTree) SubsumptionCheck(solver *TimingSolver, state *ExecutionState) (bool, error) {
	block := state.Block()
	if block == nil || !state.AtBlockEntry() {
		return false, nil
	}

	interpolants := t.table.Lookup(block)
	if len(interpolants) == 0 {
		return false, nil
	}

	arrays := stateArraysByName(state)
	for _, itp := range interpolants {
		cond, ok := itp.Instantiate(arrays)
		if !ok {
			continue
		}
		implied, err := solver.MustBeTrue(state, cond)
		if err != nil {
			return false, err
		}
		if implied {
			t.Hits++
			return true, nil
		}
	}
	t.Misses++
	return false, nil
}

// HasInterpolation returns true if any interpolant is stored at the
// state's current program point.
func (t *TxTree) HasInterpolation(state *ExecutionState) bool {
	block := state.Block()
	return block != nil && len(t.table.Lookup(block)) > 0
}

// --- Speculation support ---

// IsSpeculationNode returns true if the state executes under an open
// speculation subtree.
func (t *TxTree) IsSpeculationNode(state *ExecutionState) bool {
	return t.nodes[state.txNode].speculation
}

// IsSpeculationFailedNode returns true if the state's node was marked
// failed by a back-jump.
func (t *TxTree) IsSpeculationFailedNode(state *ExecutionState) bool {
	return t.nodes[state.txNode].speculationFailed
}

// OpenSpeculation flags the state's node as speculative. Opening the root
// of a new speculation subtree creates the shared visited-point set and
// timer; deeper nodes inherit them.
func (t *TxTree) OpenSpeculation(state *ExecutionState, secondCheckInst ssa.Instruction) {
	n := &t.nodes[state.txNode]
	wasSpec := n.speculation
	n.speculation = true
	n.secondCheckInst = secondCheckInst
	if !wasSpec || n.visitedPoints == nil {
		n.visitedPoints = make(map[*ssa.BasicBlock]struct{})
		d := time.Duration(0)
		n.specTime = &d
	}
}

// SetSecondCheckInst records the branch instruction on the state's node
// for the CUSTOM strategy re-check stamp.
func (t *TxTree) SetSecondCheckInst(state *ExecutionState, inst ssa.Instruction) {
	t.nodes[state.txNode].secondCheckInst = inst
}

// StoreSpeculationUnsatCore saves the core of the proof that made the
// skipped branch infeasible; a failing speculation marks it on back-jump.
func (t *TxTree) StoreSpeculationUnsatCore(state *ExecutionState, core []Expr, inst ssa.Instruction) {
	n := &t.nodes[state.txNode]
	n.specUnsatCore = core
	n.secondCheckInst = inst
}

// VisitedPoint records the state's current program point in the
// speculation subtree's visited set. Returns true if the point had been
// visited before: a cycle, which fails the speculation.
func (t *TxTree) VisitedPoint(state *ExecutionState, block *ssa.BasicBlock) bool {
	n := &t.nodes[state.txNode]
	assert(n.speculation, "txtree: visited-point check outside speculation")
	if n.visitedPoints == nil {
		n.visitedPoints = make(map[*ssa.BasicBlock]struct{})
	}
	if _, ok := n.visitedPoints[block]; ok {
		return true
	}
	n.visitedPoints[block] = struct{}{}
	return false
}

// IncSpecTime accumulates time spent under the speculation subtree.
func (t *TxTree) IncSpecTime(state *ExecutionState, d time.Duration) {
	if st := t.nodes[state.txNode].specTime; st != nil {
		*st += d
	}
}

// SpecTime returns the accumulated time of the state's speculation subtree.
func (t *TxTree) SpecTime(state *ExecutionState) time.Duration {
	if st := t.nodes[state.txNode].specTime; st != nil {
		return *st
	}
	return 0
}

// SpeculationRoot walks to the highest ancestor still flagged speculative
// and returns (rootID, parentID).
func (t *TxTree) SpeculationRoot(state *ExecutionState) (root, parent int) {
	root = state.txNode
	parent = t.nodes[root].parent
	for parent != 0 && t.nodes[parent].speculation {
		root = parent
		parent = t.nodes[parent].parent
	}
	return root, parent
}

// MarkSpeculationParent marks the stored speculation unsat-core on the
// parent of a failed speculation root and stamps the second-check
// instruction. Returns the branch instruction for the specSnap stamp.
func (t *TxTree) MarkSpeculationParent(parent int) ssa.Instruction {
	if parent == 0 {
		return nil
	}
	p := &t.nodes[parent]
	if len(p.specUnsatCore) > 0 {
		for i := range p.entries {
			if exprInSet(p.entries[i].expr, p.specUnsatCore) {
				p.entries[i].marked = true
			}
		}
	}
	return p.secondCheckInst
}

// FailSpeculationSubtree marks every node of the subtree rooted at root as
// speculation-failed, returning the node ids bottom-up.
func (t *TxTree) FailSpeculationSubtree(root int) []int {
	var a []int
	var walk func(id int)
	walk = func(id int) {
		if id == 0 {
			return
		}
		walk(t.nodes[id].left)
		walk(t.nodes[id].right)
		t.nodes[id].speculationFailed = true
		a = append(a, id)
	}
	walk(root)
	return a
}

// RemoveFailedNode deletes a speculation-failed node without recording an
// interpolant. Interior nodes are detached along with their leaves.
func (t *TxTree) RemoveFailedNode(id int) {
	n := &t.nodes[id]
	if !n.active {
		return
	}
	assert(n.speculationFailed, "txtree: removing live node %d as failed", id)

	// Detach children references; subtree nodes are deleted individually.
	n.left, n.right = 0, 0
	t.trim(id)
}

// Dump renders the tree in graphviz dot format.
func (t *TxTree) Dump() string {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "digraph txtree {")
	for i := 1; i < len(t.nodes); i++ {
		n := &t.nodes[i]
		if !n.active {
			continue
		}
		label := fmt.Sprintf("n%d", n.seq)
		if n.programPoint != nil {
			label += fmt.Sprintf("\\n%s", n.programPoint.String())
		}
		if n.speculation {
			label += "\\nspec"
		}
		fmt.Fprintf(&buf, "\tn%d [label=\"%s\"];\n", i, label)
		if n.parent != 0 {
			fmt.Fprintf(&buf, "\tn%d -> n%d;\n", n.parent, i)
		}
	}
	fmt.Fprintln(&buf, "}")
	return buf.String()
}

// exprInSet returns true if e structurally equals a member of set.
func exprInSet(e Expr, set []Expr) bool {
	for _, other := range set {
		if CompareExpr(e, other) == 0 {
			return true
		}
	}
	return false
}

// Interpolant is a path-condition summary attached to a program point. Its
// expressions range over shadow arrays, abstracting over the input values
// of the run that produced it.
type Interpolant struct {
	Exprs []Expr

	// AddressOnly summaries come from pointer-error interpolation and are
	// only consulted for the same instruction pattern.
	AddressOnly bool
}

// Instantiate re-binds the shadow arrays to the checking state's arrays of
// the same base name and returns the conjunction. ok is false if the
// interpolant mentions an unknown array.
func (itp *Interpolant) Instantiate(arrays map[string]*Array) (Expr, bool) {
	cond := Expr(NewBoolConstantExpr(true))
	for _, e := range itp.Exprs {
		inst, ok := unshadowizeExpr(e, arrays)
		if !ok {
			return nil, false
		}
		cond = NewBinaryExpr(AND, cond, inst)
	}
	return cond, true
}

// SubsumptionTable stores interpolants keyed by program point.
type SubsumptionTable struct {
	m map[*ssa.BasicBlock][]*Interpolant
}

// NewSubsumptionTable returns an empty table.
func NewSubsumptionTable() *SubsumptionTable {
	return &SubsumptionTable{m: make(map[*ssa.BasicBlock][]*Interpolant)}
}

// Insert stores an interpolant at the program point, deduplicating
// structurally identical summaries.
func (st *SubsumptionTable) Insert(block *ssa.BasicBlock, itp *Interpolant) {
	for _, other := range st.m[block] {
		if other.AddressOnly == itp.AddressOnly && exprSlicesEqual(other.Exprs, itp.Exprs) {
			return
		}
	}
	st.m[block] = append(st.m[block], itp)
}

// Lookup returns the interpolants stored at the program point.
func (st *SubsumptionTable) Lookup(block *ssa.BasicBlock) []*Interpolant {
	return st.m[block]
}

// Len returns the total number of stored interpolants.
func (st *SubsumptionTable) Len() int {
	n := 0
	for _, a := range st.m {
		n += len(a)
	}
	return n
}

func exprSlicesEqual(a, b []Expr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if CompareExpr(a[i], b[i]) != 0 {
			return false
		}
	}
	return true
}

// shadowizeAll replaces every array reference with its shadow twin,
// existentially quantifying the inputs out of the summary.
func shadowizeAll(exprs []Expr) []Expr {
	out := make([]Expr, len(exprs))
	for i, e := range exprs {
		out[i] = shadowizeExpr(e)
	}
	return out
}

func shadowizeExpr(e Expr) Expr {
	return WalkExpr(&shadowizeVisitor{}, e)
}

type shadowizeVisitor struct{}

func (v *shadowizeVisitor) Visit(expr Expr) (Expr, ExprVisitor) {
	if expr, ok := expr.(*ReadExpr); ok && !expr.Array.IsShadow() && expr.Array.Name != "" {
		index := WalkExpr(v, expr.Index)
		return NewReadExpr(expr.Array.Shadow(), index), nil
	}
	return expr, v
}

// unshadowizeExpr re-binds shadow arrays to the given concrete arrays.
func unshadowizeExpr(e Expr, arrays map[string]*Array) (Expr, bool) {
	v := &unshadowizeVisitor{arrays: arrays, ok: true}
	out := WalkExpr(v, e)
	return out, v.ok
}

type unshadowizeVisitor struct {
	arrays map[string]*Array
	ok     bool
}

func (v *unshadowizeVisitor) Visit(expr Expr) (Expr, ExprVisitor) {
	if expr, ok := expr.(*ReadExpr); ok && expr.Array.IsShadow() {
		target := v.arrays[expr.Array.ShadowedName()]
		if target == nil {
			v.ok = false
			return expr, nil
		}
		index := WalkExpr(v, expr.Index)
		return NewReadExpr(target, index), nil
	}
	return expr, v
}

// stateArraysByName indexes the state's symbolic arrays by base name.
func stateArraysByName(state *ExecutionState) map[string]*Array {
	m := make(map[string]*Array, len(state.symbolics))
	for _, sb := range state.symbolics {
		m[sb.Array.Name] = sb.Array
	}
	return m
}
