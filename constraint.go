package tracerx

// ConstraintSet holds the ordered path condition of an execution state.
//
// The conjunction of the set is satisfiable along every live path; forking
// preserves this by only adding constraints the solver proved feasible.
type ConstraintSet struct {
	exprs []Expr
}

// NewConstraintSet returns an empty constraint set.
func NewConstraintSet() *ConstraintSet {
	return &ConstraintSet{}
}

// Clone returns a copy of the set. Expressions are immutable and shared.
func (cs *ConstraintSet) Clone() *ConstraintSet {
	other := &ConstraintSet{exprs: make([]Expr, len(cs.exprs))}
	copy(other.exprs, cs.exprs)
	return other
}

// Len returns the number of constraints in the set.
func (cs *ConstraintSet) Len() int { return len(cs.exprs) }

// Empty returns true if the set holds no constraints.
func (cs *ConstraintSet) Empty() bool { return len(cs.exprs) == 0 }

// Exprs returns the constraints in insertion order. The returned slice
// must not be modified.
func (cs *ConstraintSet) Exprs() []Expr { return cs.exprs }

// Add simplifies e against the current set and stores it. Conjunctions are
// split into independent constraints. Proven-true constants are dropped;
// a proven-false constant returns ErrInvalidConstraint.
//
// When an equality against a constant is added, the existing constraints
// are rewritten under the new equality until a fixpoint is reached.
func (cs *ConstraintSet) Add(e Expr) error {
	return cs.addInternal(cs.SimplifyExpr(e))
}

func (cs *ConstraintSet) addInternal(e Expr) error {
	if e, ok := e.(*ConstantExpr); ok {
		if e.IsTrue() {
			return nil
		}
		return ErrInvalidConstraint
	}

	// Split logical conjunctions into two separate constraints.
	if e, ok := e.(*BinaryExpr); ok && e.Op == AND {
		if err := cs.addInternal(e.LHS); err != nil {
			return err
		}
		return cs.addInternal(e.RHS)
	}

	// A newly-known equality against a constant re-derives the existing
	// constraints; rewriting loops until no constraint changes.
	if e, ok := e.(*BinaryExpr); ok && e.Op == EQ && IsConstantExpr(e.LHS) {
		cs.rewriteAll(e.LHS.(*ConstantExpr), e.RHS)
	}

	cs.exprs = append(cs.exprs, e)
	return nil
}

// rewriteAll substitutes value for pattern in every stored constraint and
// re-simplifies until no constraint is modified. Termination is monotone:
// each round only keeps running if the previous one changed something.
func (cs *ConstraintSet) rewriteAll(value *ConstantExpr, pattern Expr) {
	for {
		modified := false
		old := append([]Expr(nil), cs.exprs...)
		cs.exprs = cs.exprs[:0]
		for _, c := range old {
			r := substituteExpr(c, pattern, value)
			if r != c {
				modified = true
			}
			if r, ok := r.(*ConstantExpr); ok && r.IsTrue() {
				continue // implied by the new equality
			}
			// Re-split conjunctions produced by simplification.
			if r, ok := r.(*BinaryExpr); ok && r.Op == AND {
				cs.exprs = appendSplit(cs.exprs, r)
				continue
			}
			cs.exprs = append(cs.exprs, r)
		}
		if !modified {
			return
		}
	}
}

func appendSplit(a []Expr, e Expr) []Expr {
	if e, ok := e.(*BinaryExpr); ok && e.Op == AND {
		a = appendSplit(a, e.LHS)
		return appendSplit(a, e.RHS)
	}
	return append(a, e)
}

// SimplifyExpr rewrites e under the equalities recorded in the set. It
// never calls the solver.
func (cs *ConstraintSet) SimplifyExpr(e Expr) Expr {
	if IsConstantExpr(e) {
		return e
	}
	for _, c := range cs.exprs {
		eq, ok := c.(*BinaryExpr)
		if !ok || eq.Op != EQ {
			continue
		}
		lhs, ok := eq.LHS.(*ConstantExpr)
		if !ok {
			continue
		}
		e = substituteExpr(e, eq.RHS, lhs)
		if IsConstantExpr(e) {
			return e
		}
	}
	return e
}

// substituteExpr replaces every occurrence of pattern inside e with value.
func substituteExpr(e, pattern Expr, value Expr) Expr {
	return WalkExpr(&substituteVisitor{pattern: pattern, value: value}, e)
}

type substituteVisitor struct {
	pattern Expr
	value   Expr
}

func (v *substituteVisitor) Visit(expr Expr) (Expr, ExprVisitor) {
	if CompareExpr(expr, v.pattern) == 0 {
		return v.value, nil
	}
	return expr, v
}

// AddConstraint adds expr to a raw constraint slice, splitting conjunctions
// into independent constraints.
func AddConstraint(a []Expr, expr Expr) []Expr {
	if expr, ok := expr.(*BinaryExpr); ok && expr.Op == AND {
		a = AddConstraint(a, expr.LHS)
		return AddConstraint(a, expr.RHS)
	}
	return append(a, expr)
}
