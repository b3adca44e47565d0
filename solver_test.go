package tracerx

import (
	"testing"
	"time"
)

// panicCore fails the test if any query reaches the core solver.
type panicCore struct{ t *testing.T }

func (c *panicCore) Evaluate(constraints []Expr, expr Expr) (Validity, []Expr, error) {
	c.t.Fatal("core solver reached")
	return ValidityUnknown, nil, nil
}
func (c *panicCore) GetValue(constraints []Expr, expr Expr) (*ConstantExpr, error) {
	c.t.Fatal("core solver reached")
	return nil, nil
}
func (c *panicCore) MustBeTrue(constraints []Expr, expr Expr) (bool, error) {
	c.t.Fatal("core solver reached")
	return false, nil
}
func (c *panicCore) MayBeTrue(constraints []Expr, expr Expr) (bool, []Expr, error) {
	c.t.Fatal("core solver reached")
	return false, nil, nil
}
func (c *panicCore) GetInitialValues(constraints []Expr, arrays []*Array) ([][]byte, error) {
	c.t.Fatal("core solver reached")
	return nil, nil
}
func (c *panicCore) SetTimeout(d time.Duration)                      {}
func (c *panicCore) ConstraintLog(constraints []Expr, e Expr) string { return "" }

func TestTimingSolver_ConstantFastPath(t *testing.T) {
	ts := NewTimingSolver(&panicCore{t: t}, 0)
	state := &ExecutionState{Constraints: NewConstraintSet()}

	// Constant conditions never touch the core solver.
	if v, _, err := ts.Evaluate(state, NewBoolConstantExpr(true)); err != nil || v != ValidityTrue {
		t.Fatalf("evaluate true: %v %v", v, err)
	}
	if v, _, err := ts.Evaluate(state, NewBoolConstantExpr(false)); err != nil || v != ValidityFalse {
		t.Fatalf("evaluate false: %v %v", v, err)
	}
	if ok, err := ts.MustBeTrue(state, NewBoolConstantExpr(true)); err != nil || !ok {
		t.Fatalf("mustBeTrue: %v %v", ok, err)
	}
	if ok, _, err := ts.MayBeTrue(state, NewBoolConstantExpr(false)); err != nil || ok {
		t.Fatalf("mayBeTrue: %v %v", ok, err)
	}
	if c, err := ts.GetValue(state, NewConstantExpr8(42)); err != nil || c.Value != 42 {
		t.Fatalf("getValue: %v %v", c, err)
	}
}

func TestTimingSolver_SimplifiesAgainstPathCondition(t *testing.T) {
	ts := NewTimingSolver(&panicCore{t: t}, 0)
	state := &ExecutionState{Constraints: NewConstraintSet()}

	x := NewArray("ts_x", 1)
	read := NewReadExpr(x, NewConstantExpr64(0))
	if err := state.Constraints.Add(NewBinaryExpr(EQ, NewConstantExpr8(9), read)); err != nil {
		t.Fatal(err)
	}

	// The recorded equality concretizes the query before it reaches the
	// core solver.
	if v, _, err := ts.Evaluate(state, NewBinaryExpr(ULT, read, NewConstantExpr8(10))); err != nil || v != ValidityTrue {
		t.Fatalf("evaluate: %v %v", v, err)
	}
	if c, err := ts.GetValue(state, read); err != nil || c.Value != 9 {
		t.Fatalf("getValue: %v %v", c, err)
	}
}

func TestTimingSolver_Stats(t *testing.T) {
	core := &stubCore{mustBeTrue: true}
	ts := NewTimingSolver(core, 0)
	state := &ExecutionState{Constraints: NewConstraintSet()}

	x := NewArray("stat_x", 1)
	read := NewReadExpr(x, NewConstantExpr64(0))
	cond := NewBinaryExpr(ULT, read, NewConstantExpr8(10))

	if _, err := ts.MustBeTrue(state, cond); err != nil {
		t.Fatal(err)
	}
	if ts.Stats.Queries != 1 {
		t.Fatalf("queries=%d, expected 1", ts.Stats.Queries)
	}
}
