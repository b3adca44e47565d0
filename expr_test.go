package tracerx_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	tracerx "github.com/ninesd/TracerX"
)

func TestExprWidth(t *testing.T) {
	t.Run("ConstantExpr", func(t *testing.T) {
		if w := tracerx.ExprWidth(tracerx.NewConstantExpr(0, 8)); w != 8 {
			t.Fatalf("unexpected width: %d", w)
		}
	})
	t.Run("ReadExpr", func(t *testing.T) {
		a := tracerx.NewArray("x", 4)
		if w := tracerx.ExprWidth(tracerx.NewReadExpr(a, tracerx.NewConstantExpr64(0))); w != 8 {
			t.Fatalf("unexpected width: %d", w)
		}
	})
	t.Run("ConcatExpr", func(t *testing.T) {
		a := tracerx.NewArray("x", 4)
		e := tracerx.NewConcatExpr(
			tracerx.NewReadExpr(a, tracerx.NewConstantExpr64(1)),
			tracerx.NewReadExpr(a, tracerx.NewConstantExpr64(0)),
		)
		if w := tracerx.ExprWidth(e); w != 16 {
			t.Fatalf("unexpected width: %d", w)
		}
	})
	t.Run("CompareExpr", func(t *testing.T) {
		if w := tracerx.ExprWidth(tracerx.NewBinaryExpr(tracerx.EQ,
			tracerx.NewConstantExpr(0, 8), tracerx.NewConstantExpr(0, 8))); w != 1 {
			t.Fatalf("unexpected width: %d", w)
		}
	})
}

func TestNewBinaryExpr_ConstantFold(t *testing.T) {
	for _, tt := range []struct {
		op       tracerx.BinaryOp
		lhs, rhs uint64
		exp      uint64
	}{
		{tracerx.ADD, 100, 50, 150},
		{tracerx.SUB, 100, 50, 50},
		{tracerx.MUL, 3, 5, 15},
		{tracerx.UDIV, 100, 10, 10},
		{tracerx.UREM, 100, 30, 10},
		{tracerx.AND, 0xF0, 0x3C, 0x30},
		{tracerx.OR, 0xF0, 0x0C, 0xFC},
		{tracerx.XOR, 0xFF, 0x0F, 0xF0},
		{tracerx.SHL, 1, 4, 16},
		{tracerx.LSHR, 16, 4, 1},
	} {
		result := tracerx.NewBinaryExpr(tt.op, tracerx.NewConstantExpr8(tt.lhs), tracerx.NewConstantExpr8(tt.rhs))
		c, ok := result.(*tracerx.ConstantExpr)
		if !ok {
			t.Fatalf("%s: expected constant, got %T", tt.op, result)
		} else if c.Value != tt.exp {
			t.Fatalf("%s: value=%d, expected %d", tt.op, c.Value, tt.exp)
		}
	}
}

func TestNewBinaryExpr_Canonicalize(t *testing.T) {
	a := tracerx.NewArray("x", 1)
	read := tracerx.NewReadExpr(a, tracerx.NewConstantExpr64(0))

	t.Run("ConstantMovesLeft", func(t *testing.T) {
		e := tracerx.NewBinaryExpr(tracerx.ADD, read, tracerx.NewConstantExpr8(5))
		be, ok := e.(*tracerx.BinaryExpr)
		if !ok {
			t.Fatalf("expected binary expr, got %T", e)
		}
		if !tracerx.IsConstantExpr(be.LHS) {
			t.Fatalf("expected constant on LHS: %s", e)
		}
	})

	t.Run("AddZeroElided", func(t *testing.T) {
		e := tracerx.NewBinaryExpr(tracerx.ADD, tracerx.NewConstantExpr8(0), read)
		if e != read {
			t.Fatalf("expected identity elimination: %s", e)
		}
	})

	t.Run("SelfSubIsZero", func(t *testing.T) {
		e := tracerx.NewBinaryExpr(tracerx.SUB, read, read)
		if c, ok := e.(*tracerx.ConstantExpr); !ok || c.Value != 0 {
			t.Fatalf("expected zero constant: %s", e)
		}
	})

	t.Run("SelfEqIsTrue", func(t *testing.T) {
		e := tracerx.NewBinaryExpr(tracerx.EQ, read, read)
		if !tracerx.IsConstantTrue(e) {
			t.Fatalf("expected true constant: %s", e)
		}
	})

	t.Run("UGTReversesToULT", func(t *testing.T) {
		e := tracerx.NewBinaryExpr(tracerx.UGT, read, tracerx.NewConstantExpr8(5))
		be, ok := e.(*tracerx.BinaryExpr)
		if !ok || be.Op != tracerx.ULT {
			t.Fatalf("expected ult, got %s", e)
		}
	})
}

func TestExpr_HashCons(t *testing.T) {
	a := tracerx.NewArray("x", 1)
	read := tracerx.NewReadExpr(a, tracerx.NewConstantExpr64(0))

	e1 := tracerx.NewBinaryExpr(tracerx.ADD, tracerx.NewConstantExpr8(7), read)
	e2 := tracerx.NewBinaryExpr(tracerx.ADD, tracerx.NewConstantExpr8(7), read)
	if e1 != e2 {
		t.Fatalf("expected interned expressions to share storage")
	}

	c1 := tracerx.NewConstantExpr(42, 8)
	c2 := tracerx.NewConstantExpr(42, 8)
	if c1 != c2 {
		t.Fatalf("expected interned constants to share storage")
	}
}

func TestExtractExpr_CoalesceConcat(t *testing.T) {
	a := tracerx.NewArray("x", 4)
	lo := tracerx.NewReadExpr(a, tracerx.NewConstantExpr64(0))
	hi := tracerx.NewReadExpr(a, tracerx.NewConstantExpr64(1))
	word := tracerx.NewConcatExpr(hi, lo)

	// Extracting the exact LSB byte returns the original read.
	if e := tracerx.NewExtractExpr(word, 0, 8); e != lo {
		t.Fatalf("expected lsb read, got %s", e)
	}
	if e := tracerx.NewExtractExpr(word, 8, 8); e != hi {
		t.Fatalf("expected msb read, got %s", e)
	}
}

func TestConstantExpr_SExt(t *testing.T) {
	if c := tracerx.NewConstantExpr(0xFF, 8).SExt(16); c.Value != 0xFFFF {
		t.Fatalf("sext: got %x", c.Value)
	}
	if c := tracerx.NewConstantExpr(0x7F, 8).SExt(16); c.Value != 0x7F {
		t.Fatalf("sext: got %x", c.Value)
	}
	if c := tracerx.NewConstantExpr(0xFFFF, 16).SExt(8); c.Value != 0xFF {
		t.Fatalf("sext truncate: got %x", c.Value)
	}
}

func TestCompareExpr(t *testing.T) {
	a := tracerx.NewArray("x", 1)
	read := tracerx.NewReadExpr(a, tracerx.NewConstantExpr64(0))
	lt := tracerx.NewBinaryExpr(tracerx.ULT, read, tracerx.NewConstantExpr8(5))
	eq := tracerx.NewBinaryExpr(tracerx.EQ, tracerx.NewConstantExpr8(5), read)

	if cmp := tracerx.CompareExpr(lt, lt); cmp != 0 {
		t.Fatalf("self compare: %d", cmp)
	}
	if cmp := tracerx.CompareExpr(lt, eq); cmp == 0 {
		t.Fatalf("distinct expressions compare equal")
	}
	if x, y := tracerx.CompareExpr(lt, eq), tracerx.CompareExpr(eq, lt); x != -y {
		t.Fatalf("compare not antisymmetric: %d vs %d", x, y)
	}
}

func TestExprEvaluator(t *testing.T) {
	a := tracerx.NewArray("x", 2)
	b0 := tracerx.NewReadExpr(a, tracerx.NewConstantExpr64(0))
	b1 := tracerx.NewReadExpr(a, tracerx.NewConstantExpr64(1))

	ee := tracerx.NewExprEvaluator([]*tracerx.Array{a}, [][]byte{{0x41, 0x42}})

	if c, err := ee.Evaluate(b0); err != nil {
		t.Fatal(err)
	} else if c.Value != 0x41 {
		t.Fatalf("byte 0: got %x", c.Value)
	}

	gt := tracerx.NewBinaryExpr(tracerx.UGT, b1, b0)
	if c, err := ee.Evaluate(gt); err != nil {
		t.Fatal(err)
	} else if !c.IsTrue() {
		t.Fatalf("expected 0x42 > 0x41 to hold")
	}
}

func TestFindArrays(t *testing.T) {
	x := tracerx.NewArray("x", 1)
	y := tracerx.NewArray("y", 1)
	e := tracerx.NewBinaryExpr(tracerx.ULT,
		tracerx.NewReadExpr(x, tracerx.NewConstantExpr64(0)),
		tracerx.NewReadExpr(y, tracerx.NewConstantExpr64(0)))

	arrays := tracerx.FindArrays(e)
	names := make([]string, len(arrays))
	for i, a := range arrays {
		names[i] = a.Name
	}
	if diff := cmp.Diff([]string{"x", "y"}, names); diff != "" {
		t.Fatalf("unexpected arrays (-want +got):\n%s", diff)
	}
}
