package tracerx_test

import (
	"fmt"
	"sort"
	"testing"
	"time"

	tracerx "github.com/ninesd/TracerX"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// MustBuildProgram builds an SSA program at the given path. Fatal on error.
func MustBuildProgram(tb testing.TB, path string) *ssa.Program {
	tb.Helper()

	initial, err := packages.Load(&packages.Config{
		Mode:  packages.LoadAllSyntax,
		Tests: true,
	}, path)
	if err != nil {
		tb.Fatal(err)
	} else if packages.PrintErrors(initial) > 0 {
		tb.Fatal("packages contain errors")
	}

	prog, pkgs := ssautil.AllPackages(initial, ssa.BuilderMode(0))
	for i, pkg := range pkgs {
		if pkg == nil {
			tb.Fatalf("cannot build SSA for package %s", initial[i])
		}
		pkg.SetDebugMode(true)
	}
	prog.Build()
	return prog
}

// MustFindFunction returns a function from any package in the program with the given name.
func MustFindFunction(tb testing.TB, prog *ssa.Program, name string) *ssa.Function {
	tb.Helper()
	for _, pkg := range prog.AllPackages() {
		if fn, ok := pkg.Members[name].(*ssa.Function); ok {
			return fn
		}
	}
	tb.Fatalf("function not found: %s", name)
	return nil
}

// NewTestExecutor returns an executor over fn backed by the enumerating
// model solver and a collecting sink.
func NewTestExecutor(tb testing.TB, fn *ssa.Function, cfg tracerx.Config) (*tracerx.Executor, *collectSink) {
	tb.Helper()
	sink := &collectSink{}
	e := tracerx.NewExecutor(fn, cfg)
	e.Solver = newModelSolver()
	e.Sink = sink
	return e, sink
}

// collectSink records every test case in memory.
type collectSink struct {
	cases []collectedCase
}

type collectedCase struct {
	Message string
	Suffix  string
	Objects []tracerx.KTestObject
}

func (s *collectSink) ProcessTestCase(state *tracerx.ExecutionState, message, suffix string) error {
	objects, err := tracerx.GetSymbolicSolution(state)
	if err != nil {
		return err
	}
	s.cases = append(s.cases, collectedCase{Message: message, Suffix: suffix, Objects: objects})
	return nil
}

// countSuffix returns the number of collected cases with the suffix.
func (s *collectSink) countSuffix(suffix string) int {
	n := 0
	for _, c := range s.cases {
		if c.Suffix == suffix {
			n++
		}
	}
	return n
}

// byteValues returns the single-byte value of the named object per case.
func (s *collectSink) byteValues(name string) []uint64 {
	var a []uint64
	for _, c := range s.cases {
		for _, obj := range c.Objects {
			if obj.Name == name && len(obj.Bytes) == 1 {
				a = append(a, uint64(obj.Bytes[0]))
			}
		}
	}
	sort.Slice(a, func(i, j int) bool { return a[i] < a[j] })
	return a
}

// modelSolver is a brute-force core solver for tests: satisfiability is
// decided by enumerating byte-level models over the referenced arrays.
// Only suitable for the small single-byte arrays the test programs use.
type modelSolver struct{}

func newModelSolver() *modelSolver { return &modelSolver{} }

func (s *modelSolver) SetTimeout(d time.Duration) {}

func (s *modelSolver) ConstraintLog(constraints []tracerx.Expr, expr tracerx.Expr) string {
	return fmt.Sprintf("%v / %v", constraints, expr)
}

func (s *modelSolver) Evaluate(constraints []tracerx.Expr, expr tracerx.Expr) (tracerx.Validity, []tracerx.Expr, error) {
	// constraints && !expr unsat => valid.
	if m, err := findModel(append(clone(constraints), tracerx.NewIsZeroExpr(expr))); err != nil {
		return tracerx.ValidityUnknown, nil, err
	} else if m == nil {
		return tracerx.ValidityTrue, clone(constraints), nil
	}
	if m, err := findModel(append(clone(constraints), expr)); err != nil {
		return tracerx.ValidityUnknown, nil, err
	} else if m == nil {
		return tracerx.ValidityFalse, clone(constraints), nil
	}
	return tracerx.ValidityUnknown, nil, nil
}

func (s *modelSolver) MustBeTrue(constraints []tracerx.Expr, expr tracerx.Expr) (bool, error) {
	m, err := findModel(append(clone(constraints), tracerx.NewIsZeroExpr(expr)))
	if err != nil {
		return false, err
	}
	return m == nil, nil
}

func (s *modelSolver) MayBeTrue(constraints []tracerx.Expr, expr tracerx.Expr) (bool, []tracerx.Expr, error) {
	m, err := findModel(append(clone(constraints), expr))
	if err != nil {
		return false, nil, err
	} else if m == nil {
		return false, clone(constraints), nil
	}
	return true, nil, nil
}

func (s *modelSolver) GetValue(constraints []tracerx.Expr, expr tracerx.Expr) (*tracerx.ConstantExpr, error) {
	m, err := findModel(append(clone(constraints), tracerx.NewBoolConstantExpr(true)))
	if err != nil {
		return nil, err
	} else if m == nil {
		return nil, fmt.Errorf("modelSolver: path condition unsatisfiable")
	}

	arrays, values := m.slices()
	c, err := tracerx.NewExprEvaluator(arrays, values).Evaluate(expr)
	if err != nil {
		// The expression mentions arrays outside the path condition;
		// extend the model with zero bytes for them.
		for _, a := range tracerx.FindArrays(expr) {
			m.extend(a)
		}
		arrays, values = m.slices()
		return tracerx.NewExprEvaluator(arrays, values).Evaluate(expr)
	}
	return c, nil
}

func (s *modelSolver) GetInitialValues(constraints []tracerx.Expr, arrays []*tracerx.Array) ([][]byte, error) {
	m, err := findModel(clone(constraints))
	if err != nil {
		return nil, err
	} else if m == nil {
		return nil, fmt.Errorf("modelSolver: path condition unsatisfiable")
	}
	for _, a := range arrays {
		m.extend(a)
	}

	out := make([][]byte, len(arrays))
	for i, a := range arrays {
		out[i] = m.values[a.Name]
	}
	return out, nil
}

func clone(a []tracerx.Expr) []tracerx.Expr {
	return append([]tracerx.Expr(nil), a...)
}

// model is a concrete assignment of bytes to arrays.
type model struct {
	arrays []*tracerx.Array
	values map[string][]byte
}

func (m *model) slices() ([]*tracerx.Array, [][]byte) {
	values := make([][]byte, len(m.arrays))
	for i, a := range m.arrays {
		values[i] = m.values[a.Name]
	}
	return m.arrays, values
}

// extend adds a zero assignment for an array missing from the model.
func (m *model) extend(a *tracerx.Array) {
	if _, ok := m.values[a.Name]; ok {
		return
	}
	m.arrays = append(m.arrays, a)
	m.values[a.Name] = make([]byte, a.Size)
}

// findModel enumerates byte assignments to the arrays referenced by the
// expressions, in ascending order, and returns the first that satisfies
// every expression. Returns nil when none exists.
func findModel(exprs []tracerx.Expr) (*model, error) {
	arrays := tracerx.FindArrays(exprs...)

	// Bound the search space: the tests only use single-byte unknowns.
	space := 1
	for _, a := range arrays {
		if a.Size > 1 {
			return nil, fmt.Errorf("modelSolver: array %s too large (%d bytes)", a.Name, a.Size)
		}
		space *= 256
		if space > 1<<24 {
			return nil, fmt.Errorf("modelSolver: search space too large")
		}
	}

	assignment := make([]byte, len(arrays))
	for {
		values := make([][]byte, len(arrays))
		for i := range arrays {
			if arrays[i].Size == 0 {
				values[i] = nil
			} else {
				values[i] = []byte{assignment[i]}
			}
		}

		if satisfies(arrays, values, exprs) {
			m := &model{values: make(map[string][]byte)}
			for i, a := range arrays {
				m.arrays = append(m.arrays, a)
				m.values[a.Name] = values[i]
			}
			return m, nil
		}

		// Advance the assignment odometer.
		i := 0
		for ; i < len(assignment); i++ {
			assignment[i]++
			if assignment[i] != 0 {
				break
			}
		}
		if i == len(assignment) {
			return nil, nil
		}
	}
}

func satisfies(arrays []*tracerx.Array, values [][]byte, exprs []tracerx.Expr) bool {
	ee := tracerx.NewExprEvaluator(arrays, values)
	for _, e := range exprs {
		c, err := ee.Evaluate(e)
		if err != nil || !c.IsTrue() {
			return false
		}
	}
	return true
}
