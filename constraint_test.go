package tracerx_test

import (
	"errors"
	"testing"

	tracerx "github.com/ninesd/TracerX"
)

func byteRead(name string) (*tracerx.Array, tracerx.Expr) {
	a := tracerx.NewArray(name, 1)
	return a, tracerx.NewReadExpr(a, tracerx.NewConstantExpr64(0))
}

func TestConstraintSet_Add(t *testing.T) {
	t.Run("DropsProvenTrue", func(t *testing.T) {
		cs := tracerx.NewConstraintSet()
		if err := cs.Add(tracerx.NewBoolConstantExpr(true)); err != nil {
			t.Fatal(err)
		}
		if cs.Len() != 0 {
			t.Fatalf("expected empty set, got %d", cs.Len())
		}
	})

	t.Run("RejectsProvenFalse", func(t *testing.T) {
		cs := tracerx.NewConstraintSet()
		err := cs.Add(tracerx.NewBoolConstantExpr(false))
		if !errors.Is(err, tracerx.ErrInvalidConstraint) {
			t.Fatalf("expected ErrInvalidConstraint, got %v", err)
		}
	})

	t.Run("SplitsConjunctions", func(t *testing.T) {
		_, x := byteRead("cs_x")
		_, y := byteRead("cs_y")
		a := tracerx.NewBinaryExpr(tracerx.ULT, x, tracerx.NewConstantExpr8(5))
		b := tracerx.NewBinaryExpr(tracerx.ULT, y, tracerx.NewConstantExpr8(9))

		cs := tracerx.NewConstraintSet()
		if err := cs.Add(tracerx.NewBinaryExpr(tracerx.AND, a, b)); err != nil {
			t.Fatal(err)
		}
		if cs.Len() != 2 {
			t.Fatalf("expected 2 constraints, got %d", cs.Len())
		}
	})
}

func TestConstraintSet_EqualityRewrite(t *testing.T) {
	_, x := byteRead("eq_x")

	cs := tracerx.NewConstraintSet()
	lt := tracerx.NewBinaryExpr(tracerx.ULT, x, tracerx.NewConstantExpr8(10))
	if err := cs.Add(lt); err != nil {
		t.Fatal(err)
	}

	// Adding x == 5 substitutes 5 for x: the earlier bound becomes a
	// proved-true constant and is dropped.
	eq := tracerx.NewBinaryExpr(tracerx.EQ, tracerx.NewConstantExpr8(5), x)
	if err := cs.Add(eq); err != nil {
		t.Fatal(err)
	}

	exprs := cs.Exprs()
	if len(exprs) != 1 {
		t.Fatalf("expected only the equality to remain, got %v", exprs)
	}
	if tracerx.CompareExpr(exprs[0], eq) != 0 {
		t.Fatalf("unexpected remaining constraint: %s", exprs[0])
	}
}

func TestConstraintSet_SimplifyExpr(t *testing.T) {
	_, x := byteRead("simp_x")

	cs := tracerx.NewConstraintSet()
	if err := cs.Add(tracerx.NewBinaryExpr(tracerx.EQ, tracerx.NewConstantExpr8(7), x)); err != nil {
		t.Fatal(err)
	}

	e := tracerx.NewBinaryExpr(tracerx.ADD, x, tracerx.NewConstantExpr8(1))
	got := cs.SimplifyExpr(e)
	if c, ok := got.(*tracerx.ConstantExpr); !ok || c.Value != 8 {
		t.Fatalf("expected constant 8, got %s", got)
	}

	// Simplification is idempotent.
	if again := cs.SimplifyExpr(got); tracerx.CompareExpr(again, got) != 0 {
		t.Fatalf("simplify not idempotent: %s vs %s", again, got)
	}
}

func TestConstraintSet_AddImpliedKeepsEquivalence(t *testing.T) {
	_, x := byteRead("impl_x")

	cs := tracerx.NewConstraintSet()
	eq := tracerx.NewBinaryExpr(tracerx.EQ, tracerx.NewConstantExpr8(3), x)
	if err := cs.Add(eq); err != nil {
		t.Fatal(err)
	}
	before := cs.Len()

	// x < 10 is implied by x == 3; the set stays logically equivalent
	// because the implied constraint simplifies to true and is dropped.
	if err := cs.Add(tracerx.NewBinaryExpr(tracerx.ULT, x, tracerx.NewConstantExpr8(10))); err != nil {
		t.Fatal(err)
	}
	if cs.Len() != before {
		t.Fatalf("implied constraint changed the set: %v", cs.Exprs())
	}
}

func TestConstraintSet_Clone(t *testing.T) {
	_, x := byteRead("clone_x")

	cs := tracerx.NewConstraintSet()
	if err := cs.Add(tracerx.NewBinaryExpr(tracerx.ULT, x, tracerx.NewConstantExpr8(10))); err != nil {
		t.Fatal(err)
	}

	other := cs.Clone()
	if err := other.Add(tracerx.NewBinaryExpr(tracerx.ULT, x, tracerx.NewConstantExpr8(5))); err != nil {
		t.Fatal(err)
	}
	if cs.Len() != 1 || other.Len() != 2 {
		t.Fatalf("clone shares storage: %d vs %d", cs.Len(), other.Len())
	}
}
