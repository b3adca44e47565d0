package tracerx

import (
	"time"
)

// Validity is the result of asking whether an expression must hold under a
// set of constraints.
type Validity int

const (
	// ValidityUnknown means both the expression and its negation are
	// feasible under the constraints.
	ValidityUnknown Validity = iota

	// ValidityTrue means the constraints imply the expression.
	ValidityTrue

	// ValidityFalse means the constraints imply the negation.
	ValidityFalse
)

// String returns the string representation of the validity.
func (v Validity) String() string {
	switch v {
	case ValidityTrue:
		return "true"
	case ValidityFalse:
		return "false"
	default:
		return "unknown"
	}
}

// CoreSolver is the opaque SMT core. Implementations live outside the
// engine (see the z3 subpackage); the engine only depends on this surface.
//
// Evaluate and MayBeTrue return the unsat core of the proof when the
// answer is conclusive: the minimal subset of constraints sufficient to
// derive the infeasibility of the losing side. The engine generalizes
// these cores into interpolants.
type CoreSolver interface {
	// Evaluate returns the validity of expr under the constraints.
	Evaluate(constraints []Expr, expr Expr) (Validity, []Expr, error)

	// GetValue returns any model value for expr. Fails only if the
	// constraints themselves are unsatisfiable, which is an engine bug.
	GetValue(constraints []Expr, expr Expr) (*ConstantExpr, error)

	// MustBeTrue returns true iff !expr is unsat under the constraints.
	MustBeTrue(constraints []Expr, expr Expr) (bool, error)

	// MayBeTrue returns whether expr is feasible under the constraints,
	// plus the unsat core if it is not.
	MayBeTrue(constraints []Expr, expr Expr) (bool, []Expr, error)

	// GetInitialValues returns a concrete model for the listed arrays.
	GetInitialValues(constraints []Expr, arrays []*Array) ([][]byte, error)

	// SetTimeout bounds each subsequent query. Zero disables the bound.
	SetTimeout(d time.Duration)

	// ConstraintLog renders the query for diagnostics.
	ConstraintLog(constraints []Expr, expr Expr) string
}

// SolverStats accumulates per-process query counters.
type SolverStats struct {
	Queries       int
	QueryTime     time.Duration
	QueryTimeouts int
}

// TimingSolver wraps the core solver with timing statistics, expression
// simplification against the state's constraint set, and the per-state
// timeout policy. All engine components query the solver through it.
type TimingSolver struct {
	Core    CoreSolver
	Stats   SolverStats
	Timeout time.Duration // per-query budget; zero disables
}

// NewTimingSolver returns a new instance of TimingSolver.
func NewTimingSolver(core CoreSolver, timeout time.Duration) *TimingSolver {
	return &TimingSolver{Core: core, Timeout: timeout}
}

func (ts *TimingSolver) begin(scale int) func() {
	d := ts.Timeout
	if scale > 1 {
		d *= time.Duration(scale)
	}
	ts.Core.SetTimeout(d)
	t := time.Now()
	return func() {
		ts.Core.SetTimeout(0)
		ts.Stats.Queries++
		ts.Stats.QueryTime += time.Since(t)
	}
}

// Evaluate returns the validity of cond under the state's path condition.
// The timeout scales with the state's seed count during seeding so that
// per-seed evaluation is not starved.
func (ts *TimingSolver) Evaluate(state *ExecutionState, cond Expr) (Validity, []Expr, error) {
	cond = state.Constraints.SimplifyExpr(cond)
	if cond, ok := cond.(*ConstantExpr); ok {
		if cond.IsTrue() {
			return ValidityTrue, nil, nil
		}
		return ValidityFalse, nil, nil
	}

	done := ts.begin(state.seedCount())
	defer done()
	v, core, err := ts.Core.Evaluate(state.Constraints.Exprs(), cond)
	if err != nil {
		ts.noteErr(err)
	}
	return v, core, err
}

// GetValue returns a model value for expr under the state's path condition.
func (ts *TimingSolver) GetValue(state *ExecutionState, expr Expr) (*ConstantExpr, error) {
	expr = state.Constraints.SimplifyExpr(expr)
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr, nil
	}

	done := ts.begin(1)
	defer done()
	v, err := ts.Core.GetValue(state.Constraints.Exprs(), expr)
	if err != nil {
		ts.noteErr(err)
	}
	return v, err
}

// MustBeTrue returns true iff the path condition implies cond.
func (ts *TimingSolver) MustBeTrue(state *ExecutionState, cond Expr) (bool, error) {
	cond = state.Constraints.SimplifyExpr(cond)
	if cond, ok := cond.(*ConstantExpr); ok {
		return cond.IsTrue(), nil
	}

	done := ts.begin(1)
	defer done()
	v, err := ts.Core.MustBeTrue(state.Constraints.Exprs(), cond)
	if err != nil {
		ts.noteErr(err)
	}
	return v, err
}

// MustBeFalse returns true iff the path condition implies !cond.
func (ts *TimingSolver) MustBeFalse(state *ExecutionState, cond Expr) (bool, error) {
	return ts.MustBeTrue(state, NewIsZeroExpr(cond))
}

// MayBeTrue returns whether cond is feasible under the path condition.
func (ts *TimingSolver) MayBeTrue(state *ExecutionState, cond Expr) (bool, []Expr, error) {
	cond = state.Constraints.SimplifyExpr(cond)
	if cond, ok := cond.(*ConstantExpr); ok {
		return cond.IsTrue(), nil, nil
	}

	done := ts.begin(1)
	defer done()
	v, core, err := ts.Core.MayBeTrue(state.Constraints.Exprs(), cond)
	if err != nil {
		ts.noteErr(err)
	}
	return v, core, err
}

// GetInitialValues returns concrete bytes for the listed arrays under the
// state's path condition.
func (ts *TimingSolver) GetInitialValues(state *ExecutionState, arrays []*Array) ([][]byte, error) {
	done := ts.begin(1)
	defer done()
	v, err := ts.Core.GetInitialValues(state.Constraints.Exprs(), arrays)
	if err != nil {
		ts.noteErr(err)
	}
	return v, err
}

func (ts *TimingSolver) noteErr(err error) {
	if err == ErrSolverTimeout {
		ts.Stats.QueryTimeouts++
	}
}
