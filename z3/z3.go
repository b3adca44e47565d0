// Package z3 implements the engine's core-solver interface on top of an
// embedded Z3 solver via cgo. Unsat cores are extracted with assumption
// literals: every path-condition constraint is guarded by a fresh boolean
// and the core of a failed check names the guards, which map back to the
// constraints the engine turns into interpolants.
package z3

import (
	"fmt"
	"strings"
	"time"
	"unsafe"

	tracerx "github.com/ninesd/TracerX"
)

/*
#cgo LDFLAGS: -lz3
#include <z3.h>
#include <stdlib.h>
*/
import "C"

// Ensure solver implements the engine interface.
var _ tracerx.CoreSolver = (*Solver)(nil)

// Solver represents a solver that uses an embedded Z3 solver.
type Solver struct {
	ctx     *Context
	timeout time.Duration
	stats   Stats
}

// Stats counts queries and solve time.
type Stats struct {
	SolveN    int
	SolveTime time.Duration
}

// NewSolver returns a new instance of Solver.
func NewSolver() *Solver {
	return &Solver{ctx: NewContext()}
}

// Close deletes the underlying Z3 context.
func (s *Solver) Close() error {
	return s.ctx.Close()
}

// Stats returns statistics for the solver.
func (s *Solver) Stats() Stats {
	return s.stats
}

// SetTimeout bounds each subsequent query. Zero disables the bound.
func (s *Solver) SetTimeout(d time.Duration) {
	s.timeout = d
}

// Evaluate returns the validity of expr under the constraints, plus the
// unsat core of the conclusive check.
func (s *Solver) Evaluate(constraints []tracerx.Expr, expr tracerx.Expr) (tracerx.Validity, []tracerx.Expr, error) {
	// constraints && !expr unsat => the constraints imply expr.
	sat, core, err := s.checkWithCore(constraints, expr, true)
	if err != nil {
		return tracerx.ValidityUnknown, nil, err
	} else if !sat {
		return tracerx.ValidityTrue, core, nil
	}

	// constraints && expr unsat => the constraints imply !expr.
	sat, core, err = s.checkWithCore(constraints, expr, false)
	if err != nil {
		return tracerx.ValidityUnknown, nil, err
	} else if !sat {
		return tracerx.ValidityFalse, core, nil
	}

	return tracerx.ValidityUnknown, nil, nil
}

// MustBeTrue returns true iff !expr is unsat under the constraints.
func (s *Solver) MustBeTrue(constraints []tracerx.Expr, expr tracerx.Expr) (bool, error) {
	sat, _, err := s.checkWithCore(constraints, expr, true)
	if err != nil {
		return false, err
	}
	return !sat, nil
}

// MayBeTrue returns whether expr is feasible under the constraints, plus
// the unsat core when it is not.
func (s *Solver) MayBeTrue(constraints []tracerx.Expr, expr tracerx.Expr) (bool, []tracerx.Expr, error) {
	sat, core, err := s.checkWithCore(constraints, expr, false)
	if err != nil {
		return false, nil, err
	} else if sat {
		return true, nil, nil
	}
	return false, core, nil
}

// GetValue returns a model value for expr under the constraints.
func (s *Solver) GetValue(constraints []tracerx.Expr, expr tracerx.Expr) (*tracerx.ConstantExpr, error) {
	t := time.Now()
	defer s.account(t)

	solver, err := s.newSolver()
	if err != nil {
		return nil, err
	}
	defer s.freeSolver(solver)

	if err := s.assertAll(solver, constraints); err != nil {
		return nil, err
	}

	sat, err := s.check(solver)
	if err != nil {
		return nil, err
	} else if !sat {
		return nil, fmt.Errorf("z3: path condition unsatisfiable")
	}

	model := C.Z3_solver_get_model(s.ctx.raw, solver)
	if err := s.ctx.err("Z3_solver_get_model"); err != nil {
		return nil, err
	}
	C.Z3_model_inc_ref(s.ctx.raw, model)
	defer C.Z3_model_dec_ref(s.ctx.raw, model)

	width := tracerx.ExprWidth(expr)
	ast, err := s.ctx.toAST(expr)
	if err != nil {
		return nil, err
	}
	value, err := s.ctx.evalNumeral(model, ast, width)
	if err != nil {
		return nil, err
	}
	return tracerx.NewConstantExpr(value, width), nil
}

// GetInitialValues returns a concrete model for the listed arrays.
func (s *Solver) GetInitialValues(constraints []tracerx.Expr, arrays []*tracerx.Array) ([][]byte, error) {
	t := time.Now()
	defer s.account(t)

	solver, err := s.newSolver()
	if err != nil {
		return nil, err
	}
	defer s.freeSolver(solver)

	if err := s.assertAll(solver, constraints); err != nil {
		return nil, err
	}

	sat, err := s.check(solver)
	if err != nil {
		return nil, err
	} else if !sat {
		return nil, fmt.Errorf("z3: path condition unsatisfiable")
	}

	model := C.Z3_solver_get_model(s.ctx.raw, solver)
	if err := s.ctx.err("Z3_solver_get_model"); err != nil {
		return nil, err
	}
	C.Z3_model_inc_ref(s.ctx.raw, model)
	defer C.Z3_model_dec_ref(s.ctx.raw, model)

	return s.ctx.eval(model, arrays)
}

// ConstraintLog renders the query in SMT-LIB form for diagnostics.
func (s *Solver) ConstraintLog(constraints []tracerx.Expr, expr tracerx.Expr) string {
	var sb strings.Builder
	for _, c := range constraints {
		if ast, err := s.ctx.toAST(c); err == nil {
			sb.WriteString("(assert ")
			sb.WriteString(s.ctx.astToString(ast))
			sb.WriteString(")\n")
		}
	}
	if expr != nil {
		if ast, err := s.ctx.toAST(expr); err == nil {
			sb.WriteString("(query ")
			sb.WriteString(s.ctx.astToString(ast))
			sb.WriteString(")\n")
		}
	}
	return sb.String()
}

// checkWithCore checks satisfiability of constraints && expr (or && !expr
// when negated), asserting each constraint behind an assumption literal
// so an unsat answer yields the responsible subset.
func (s *Solver) checkWithCore(constraints []tracerx.Expr, expr tracerx.Expr, negated bool) (sat bool, core []tracerx.Expr, err error) {
	t := time.Now()
	defer s.account(t)

	solver, err := s.newSolver()
	if err != nil {
		return false, nil, err
	}
	defer s.freeSolver(solver)

	// Guard constraint i behind literal g_i: assert (g_i => c_i).
	guards := make([]C.Z3_ast, len(constraints))
	for i, c := range constraints {
		ast, err := s.ctx.toAST(c)
		if err != nil {
			return false, nil, err
		}
		guard, err := s.ctx.makeFreshBool(fmt.Sprintf("g%d", i))
		if err != nil {
			return false, nil, err
		}
		guards[i] = guard

		impl := C.Z3_mk_implies(s.ctx.raw, guard, ast)
		if err := s.ctx.err("Z3_mk_implies"); err != nil {
			return false, nil, err
		}
		C.Z3_solver_assert(s.ctx.raw, solver, impl)
		if err := s.ctx.err("Z3_solver_assert"); err != nil {
			return false, nil, err
		}
	}

	// The query expression is asserted directly; it never appears in the
	// reported core.
	queryAST, err := s.ctx.toAST(expr)
	if err != nil {
		return false, nil, err
	}
	if negated {
		queryAST = C.Z3_mk_not(s.ctx.raw, queryAST)
		if err := s.ctx.err("Z3_mk_not"); err != nil {
			return false, nil, err
		}
	}
	C.Z3_solver_assert(s.ctx.raw, solver, queryAST)
	if err := s.ctx.err("Z3_solver_assert"); err != nil {
		return false, nil, err
	}

	var assumptions *C.Z3_ast
	if len(guards) > 0 {
		assumptions = &guards[0]
	}
	ret := C.Z3_solver_check_assumptions(s.ctx.raw, solver, C.uint(len(guards)), assumptions)
	if err := s.checkResultErr(solver, ret); err != nil {
		return false, nil, err
	}
	if ret == C.Z3_L_TRUE {
		return true, nil, nil
	}

	// Unsat: map the core literals back to constraints.
	coreVec := C.Z3_solver_get_unsat_core(s.ctx.raw, solver)
	if err := s.ctx.err("Z3_solver_get_unsat_core"); err != nil {
		return false, nil, err
	}
	C.Z3_ast_vector_inc_ref(s.ctx.raw, coreVec)
	defer C.Z3_ast_vector_dec_ref(s.ctx.raw, coreVec)

	n := C.Z3_ast_vector_size(s.ctx.raw, coreVec)
	for i := C.uint(0); i < n; i++ {
		member := C.Z3_ast_vector_get(s.ctx.raw, coreVec, i)
		memberID := C.Z3_get_ast_id(s.ctx.raw, member)
		for j, guard := range guards {
			if memberID == C.Z3_get_ast_id(s.ctx.raw, guard) {
				core = append(core, constraints[j])
				break
			}
		}
	}
	return false, core, nil
}

func (s *Solver) newSolver() (C.Z3_solver, error) {
	solver := C.Z3_mk_solver(s.ctx.raw)
	if err := s.ctx.err("Z3_mk_solver"); err != nil {
		return nil, err
	}
	C.Z3_solver_inc_ref(s.ctx.raw, solver)

	if s.timeout > 0 {
		params := C.Z3_mk_params(s.ctx.raw)
		C.Z3_params_inc_ref(s.ctx.raw, params)
		cname := C.CString("timeout")
		sym := C.Z3_mk_string_symbol(s.ctx.raw, cname)
		C.free(unsafe.Pointer(cname))
		C.Z3_params_set_uint(s.ctx.raw, params, sym, C.uint(s.timeout.Milliseconds()))
		C.Z3_solver_set_params(s.ctx.raw, solver, params)
		C.Z3_params_dec_ref(s.ctx.raw, params)
	}
	return solver, nil
}

func (s *Solver) freeSolver(solver C.Z3_solver) {
	C.Z3_solver_dec_ref(s.ctx.raw, solver)
}

func (s *Solver) assertAll(solver C.Z3_solver, constraints []tracerx.Expr) error {
	for _, constraint := range constraints {
		ast, err := s.ctx.toAST(constraint)
		if err != nil {
			return err
		}
		C.Z3_solver_assert(s.ctx.raw, solver, ast)
		if err := s.ctx.err("Z3_solver_assert"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Solver) check(solver C.Z3_solver) (bool, error) {
	ret := C.Z3_solver_check(s.ctx.raw, solver)
	if err := s.checkResultErr(solver, ret); err != nil {
		return false, err
	}
	return ret == C.Z3_L_TRUE, nil
}

// checkResultErr converts an undefined solver answer into an engine error.
func (s *Solver) checkResultErr(solver C.Z3_solver, ret C.Z3_lbool) error {
	if err := s.ctx.err("Z3_solver_check"); err != nil {
		return err
	}
	if ret != C.Z3_L_UNDEF {
		return nil
	}
	reason := C.GoString(C.Z3_solver_get_reason_unknown(s.ctx.raw, solver))
	switch {
	case strings.Contains(reason, "timeout"):
		return tracerx.ErrSolverTimeout
	case strings.Contains(reason, "canceled"):
		return tracerx.ErrSolverCanceled
	case strings.Contains(reason, "(resource limits reached)"):
		return tracerx.ErrSolverResourceLimit
	case strings.Contains(reason, "unknown"):
		return tracerx.ErrSolverUnknown
	default:
		return fmt.Errorf("z3: %s", reason)
	}
}

func (s *Solver) account(t time.Time) {
	s.stats.SolveN++
	s.stats.SolveTime += time.Since(t)
}

// Context represents a Z3 context object that is used for constructing expressions.
type Context struct {
	raw  C.Z3_context
	bseq int
}

// NewContext returns a new instance of Context.
func NewContext() *Context {
	config := C.Z3_mk_config()
	defer C.Z3_del_config(config)

	cname := C.CString("unsat_core")
	cvalue := C.CString("true")
	C.Z3_set_param_value(config, cname, cvalue)
	C.free(unsafe.Pointer(cname))
	C.free(unsafe.Pointer(cvalue))

	raw := C.Z3_mk_context(config)
	C.Z3_set_error_handler(raw, nil)
	C.Z3_set_ast_print_mode(raw, C.Z3_PRINT_SMTLIB2_COMPLIANT)
	return &Context{raw: raw}
}

// Close deletes the underlying Z3 context.
func (ctx *Context) Close() error {
	C.Z3_del_context(ctx.raw)
	return nil
}

// err returns the error for the last API call. Returns nil if last call was successful.
func (ctx *Context) err(op string) error {
	if code := C.Z3_get_error_code(ctx.raw); code != C.Z3_OK {
		return &Error{Code: int(code), Op: op, Message: C.GoString(C.Z3_get_error_msg(ctx.raw, code))}
	}
	return nil
}

// toAST returns a new instance of Z3_ast from an engine expression.
func (ctx *Context) toAST(expr tracerx.Expr) (C.Z3_ast, error) {
	switch expr := expr.(type) {
	case *tracerx.ConstantExpr:
		return ctx.toConstantAST(expr)
	case *tracerx.NotOptimizedExpr:
		return ctx.toAST(expr.Src)
	case *tracerx.ReadExpr:
		return ctx.toReadAST(expr)
	case *tracerx.ConcatExpr:
		return ctx.toConcatAST(expr)
	case *tracerx.ExtractExpr:
		return ctx.toExtractAST(expr)
	case *tracerx.CastExpr:
		return ctx.toCastAST(expr)
	case *tracerx.NotExpr:
		return ctx.toNotAST(expr)
	case *tracerx.BinaryExpr:
		return ctx.toBinaryAST(expr)
	default:
		return nil, fmt.Errorf("z3.Context.toAST: invalid expression type: %T", expr)
	}
}

func (ctx *Context) toConstantAST(expr *tracerx.ConstantExpr) (C.Z3_ast, error) {
	if expr.Width == 1 {
		if expr.IsTrue() {
			return ctx.makeTrue()
		}
		return ctx.makeFalse()
	} else if expr.Width <= 64 {
		return ctx.makeUint64(expr.Width, expr.Value)
	}
	return nil, fmt.Errorf("z3.Context.toConstantAST: invalid expression width: %d", expr.Width)
}

func (ctx *Context) toReadAST(expr *tracerx.ReadExpr) (C.Z3_ast, error) {
	array, err := ctx.makeArrayWithUpdate(expr.Array, expr.Array.Updates)
	if err != nil {
		return nil, err
	}
	index, err := ctx.toAST(expr.Index)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_select(ctx.raw, array, index), ctx.err("Z3_mk_select")
}

func (ctx *Context) toConcatAST(expr *tracerx.ConcatExpr) (C.Z3_ast, error) {
	msb, err := ctx.toAST(expr.MSB)
	if err != nil {
		return nil, err
	}
	lsb, err := ctx.toAST(expr.LSB)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_concat(ctx.raw, msb, lsb), ctx.err("Z3_mk_concat")
}

func (ctx *Context) toExtractAST(expr *tracerx.ExtractExpr) (C.Z3_ast, error) {
	src, err := ctx.toAST(expr.Expr)
	if err != nil {
		return nil, err
	}

	// If extracting a single bit, use an EQ expression against one to
	// convert to the bool sort.
	if expr.Width == 1 {
		extractExpr := C.Z3_mk_extract(ctx.raw, C.uint(expr.Offset), C.uint(expr.Offset), src)
		if err := ctx.err("Z3_mk_extract[bool]"); err != nil {
			return nil, err
		}
		one, err := ctx.makeUint64(1, 1)
		if err != nil {
			return nil, err
		}
		return C.Z3_mk_eq(ctx.raw, extractExpr, one), ctx.err("Z3_mk_eq")
	}

	return C.Z3_mk_extract(ctx.raw, C.uint(expr.Offset+expr.Width-1), C.uint(expr.Offset), src), ctx.err("Z3_mk_extract")
}

func (ctx *Context) toCastAST(expr *tracerx.CastExpr) (C.Z3_ast, error) {
	src, err := ctx.toAST(expr.Src)
	if err != nil {
		return nil, err
	}

	// Convert boolean casts to if-then-else expressions.
	if tracerx.ExprWidth(expr.Src) == 1 {
		var whenTrueValue uint64 = 1
		if expr.Signed {
			whenTrueValue = ^uint64(0)
		}
		whenTrue, err := ctx.makeUint64(expr.Width, whenTrueValue)
		if err != nil {
			return nil, err
		}
		whenFalse, err := ctx.makeUint64(expr.Width, 0)
		if err != nil {
			return nil, err
		}
		return C.Z3_mk_ite(ctx.raw, src, whenTrue, whenFalse), ctx.err("Z3_mk_ite")
	}

	if expr.Signed {
		return C.Z3_mk_sign_ext(ctx.raw, C.uint(expr.Width-ctx.bvSize(src)), src), ctx.err("Z3_mk_sign_ext")
	}
	return C.Z3_mk_zero_ext(ctx.raw, C.uint(expr.Width-ctx.bvSize(src)), src), ctx.err("Z3_mk_zero_ext")
}

func (ctx *Context) toNotAST(expr *tracerx.NotExpr) (C.Z3_ast, error) {
	src, err := ctx.toAST(expr.Expr)
	if err != nil {
		return nil, err
	}

	// If boolean, use boolean NOT operation.
	if tracerx.ExprWidth(expr.Expr) == 1 {
		return C.Z3_mk_not(ctx.raw, src), ctx.err("Z3_mk_not")
	}
	return C.Z3_mk_bvnot(ctx.raw, src), ctx.err("Z3_mk_bvnot")
}

func (ctx *Context) toBinaryAST(expr *tracerx.BinaryExpr) (C.Z3_ast, error) {
	lhs, err := ctx.toAST(expr.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := ctx.toAST(expr.RHS)
	if err != nil {
		return nil, err
	}
	boolArgs := tracerx.ExprWidth(expr.LHS) == 1

	switch expr.Op {
	case tracerx.ADD:
		return C.Z3_mk_bvadd(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvadd")
	case tracerx.SUB:
		return C.Z3_mk_bvsub(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvsub")
	case tracerx.MUL:
		return C.Z3_mk_bvmul(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvmul")
	case tracerx.UDIV:
		return C.Z3_mk_bvudiv(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvudiv")
	case tracerx.SDIV:
		return C.Z3_mk_bvsdiv(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvsdiv")
	case tracerx.UREM:
		return C.Z3_mk_bvurem(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvurem")
	case tracerx.SREM:
		return C.Z3_mk_bvsrem(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvsrem")
	case tracerx.AND:
		if boolArgs {
			args := [2]C.Z3_ast{lhs, rhs}
			return C.Z3_mk_and(ctx.raw, 2, &args[0]), ctx.err("Z3_mk_and")
		}
		return C.Z3_mk_bvand(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvand")
	case tracerx.OR:
		if boolArgs {
			args := [2]C.Z3_ast{lhs, rhs}
			return C.Z3_mk_or(ctx.raw, 2, &args[0]), ctx.err("Z3_mk_or")
		}
		return C.Z3_mk_bvor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvor")
	case tracerx.XOR:
		if boolArgs {
			return C.Z3_mk_xor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_xor")
		}
		return C.Z3_mk_bvxor(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvxor")
	case tracerx.SHL:
		return C.Z3_mk_bvshl(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvshl")
	case tracerx.LSHR:
		return C.Z3_mk_bvlshr(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvlshr")
	case tracerx.ASHR:
		return C.Z3_mk_bvashr(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvashr")
	case tracerx.EQ:
		if boolArgs {
			return C.Z3_mk_iff(ctx.raw, lhs, rhs), ctx.err("Z3_mk_iff")
		}
		return C.Z3_mk_eq(ctx.raw, lhs, rhs), ctx.err("Z3_mk_eq")
	case tracerx.ULT:
		return C.Z3_mk_bvult(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvult")
	case tracerx.ULE:
		return C.Z3_mk_bvule(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvule")
	case tracerx.SLT:
		return C.Z3_mk_bvslt(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvslt")
	case tracerx.SLE:
		return C.Z3_mk_bvsle(ctx.raw, lhs, rhs), ctx.err("Z3_mk_bvsle")
	default:
		return nil, fmt.Errorf("z3.Context.toBinaryAST: unexpected operation: %s", expr.Op)
	}
}

func (ctx *Context) makeTrue() (C.Z3_ast, error) {
	return C.Z3_mk_true(ctx.raw), ctx.err("Z3_mk_true")
}

func (ctx *Context) makeFalse() (C.Z3_ast, error) {
	return C.Z3_mk_false(ctx.raw), ctx.err("Z3_mk_false")
}

func (ctx *Context) makeBVSort(width uint) (C.Z3_sort, error) {
	return C.Z3_mk_bv_sort(ctx.raw, C.uint(width)), ctx.err("Z3_mk_bv_sort")
}

func (ctx *Context) makeUint64(width uint, value uint64) (C.Z3_ast, error) {
	t, err := ctx.makeBVSort(width)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_unsigned_int64(ctx.raw, C.ulong(value), t), ctx.err("Z3_mk_unsigned_int64")
}

// makeFreshBool returns a fresh boolean constant for assumption literals.
func (ctx *Context) makeFreshBool(prefix string) (C.Z3_ast, error) {
	ctx.bseq++
	cname := C.CString(fmt.Sprintf("__%s_%d", prefix, ctx.bseq))
	defer C.free(unsafe.Pointer(cname))
	sym := C.Z3_mk_string_symbol(ctx.raw, cname)
	sort := C.Z3_mk_bool_sort(ctx.raw)
	return C.Z3_mk_const(ctx.raw, sym, sort), ctx.err("Z3_mk_const")
}

func (ctx *Context) bvSize(expr C.Z3_ast) uint {
	t := C.Z3_get_sort(ctx.raw, expr)
	if err := ctx.err("Z3_get_sort"); err != nil {
		panic(err)
	}
	sz := uint(C.Z3_get_bv_sort_size(ctx.raw, t))
	if err := ctx.err("Z3_get_bv_sort_size"); err != nil {
		panic(err)
	}
	return sz
}

// makeArrayConst returns the root constant array with no updates.
func (ctx *Context) makeArrayConst(array *tracerx.Array) (C.Z3_ast, error) {
	domainSort := C.Z3_mk_bv_sort(ctx.raw, C.uint(tracerx.Width64))
	if err := ctx.err("Z3_mk_bv_sort[domain]"); err != nil {
		return nil, err
	}
	rangeSort := C.Z3_mk_bv_sort(ctx.raw, C.uint(tracerx.Width8))
	if err := ctx.err("Z3_mk_bv_sort[range]"); err != nil {
		return nil, err
	}
	arraySort := C.Z3_mk_array_sort(ctx.raw, domainSort, rangeSort)
	if err := ctx.err("Z3_mk_array_sort"); err != nil {
		return nil, err
	}

	cname := C.CString(arrayName(array))
	defer C.free(unsafe.Pointer(cname))
	nameSymbol := C.Z3_mk_string_symbol(ctx.raw, cname)

	return C.Z3_mk_const(ctx.raw, nameSymbol, arraySort), ctx.err("Z3_mk_const")
}

// makeArrayWithUpdate returns an array with updates recursively applied.
func (ctx *Context) makeArrayWithUpdate(root *tracerx.Array, upd *tracerx.ArrayUpdate) (C.Z3_ast, error) {
	if upd == nil {
		return ctx.makeArrayConst(root)
	}

	array, err := ctx.makeArrayWithUpdate(root, upd.Next)
	if err != nil {
		return nil, err
	}
	index, err := ctx.toAST(upd.Index)
	if err != nil {
		return nil, err
	}
	value, err := ctx.toAST(upd.Value)
	if err != nil {
		return nil, err
	}
	return C.Z3_mk_store(ctx.raw, array, index, value), ctx.err("Z3_mk_store")
}

// eval evaluates arrays into their initial byte slice values.
func (ctx *Context) eval(model C.Z3_model, arrays []*tracerx.Array) ([][]byte, error) {
	values := make([][]byte, 0, len(arrays))
	for _, array := range arrays {
		value, err := ctx.evalArray(model, array)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

// evalArray evaluates a single array into its initial byte slice value.
func (ctx *Context) evalArray(model C.Z3_model, array *tracerx.Array) ([]byte, error) {
	value := make([]byte, 0, array.Size)
	for offset := uint(0); offset < array.Size; offset++ {
		z3Array, err := ctx.makeArrayConst(array)
		if err != nil {
			return nil, err
		}
		z3Offset, err := ctx.makeUint64(64, uint64(offset))
		if err != nil {
			return nil, err
		}

		z3Select := C.Z3_mk_select(ctx.raw, z3Array, z3Offset)
		if err := ctx.err("Z3_mk_select"); err != nil {
			return nil, err
		}

		b, err := ctx.evalNumeral(model, z3Select, tracerx.Width8)
		if err != nil {
			return nil, err
		}
		value = append(value, byte(b))
	}
	return value, nil
}

// evalNumeral evaluates an expression against a model into a uint64.
func (ctx *Context) evalNumeral(model C.Z3_model, ast C.Z3_ast, width uint) (uint64, error) {
	var out C.Z3_ast
	C.Z3_model_eval(ctx.raw, model, ast, C.bool(true), &out)
	if err := ctx.err("Z3_model_eval"); err != nil {
		return 0, err
	}

	if width == 1 {
		switch C.Z3_get_bool_value(ctx.raw, out) {
		case C.Z3_L_TRUE:
			return 1, nil
		default:
			return 0, ctx.err("Z3_get_bool_value")
		}
	}

	var v C.ulong
	C.Z3_get_numeral_uint64(ctx.raw, out, &v)
	if err := ctx.err("Z3_get_numeral_uint64"); err != nil {
		return 0, err
	}
	return uint64(v), nil
}

func (ctx *Context) astToString(ast C.Z3_ast) string {
	return C.GoString(C.Z3_ast_to_string(ctx.raw, ast))
}

func arrayName(array *tracerx.Array) string {
	return array.Name
}

// Error represents an error from the Z3 API.
type Error struct {
	Code    int
	Op      string
	Message string
}

// Error returns the error as a string.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Op, e.Message, e.Code)
}
