package tracerx_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	tracerx "github.com/ninesd/TracerX"
)

func TestExecutor_Fork(t *testing.T) {
	prog := MustBuildProgram(t, "./testdata/pkg000_if")
	fn := MustFindFunction(t, prog, "main")

	cfg := tracerx.DefaultConfig()
	cfg.NoInterpolation = true
	e, sink := NewTestExecutor(t, fn, cfg)

	if err := e.Run(); err != nil {
		t.Fatal(err)
	}

	stats := e.Stats()
	if stats.Forks != 1 {
		t.Fatalf("forks=%d, expected 1", stats.Forks)
	}
	if stats.ExitTerminations != 2 {
		t.Fatalf("exits=%d, expected 2", stats.ExitTerminations)
	}

	// One path must drive x to 100; the other to anything else. Each
	// solution satisfies its own path condition by construction.
	values := sink.byteValues("x")
	if len(values) != 2 {
		t.Fatalf("expected 2 solutions, got %v", values)
	}
	found100 := values[0] == 100 || values[1] == 100
	if !found100 {
		t.Fatalf("no solution drives the true branch: %v", values)
	}
	if values[0] == 100 && values[1] == 100 {
		t.Fatalf("both solutions took the same branch: %v", values)
	}
}

func TestExecutor_Subsumption(t *testing.T) {
	prog := MustBuildProgram(t, "./testdata/pkg000_if")
	fn := MustFindFunction(t, prog, "main")

	e, _ := NewTestExecutor(t, fn, tracerx.DefaultConfig())
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}

	// The first path to the merge block records an interpolant there; the
	// second path's condition is irrelevant to any failure, so the stored
	// summary subsumes it.
	stats := e.Stats()
	if stats.Subsumptions != 1 {
		t.Fatalf("subsumptions=%d, expected 1", stats.Subsumptions)
	}
	if stats.ExitTerminations != 1 {
		t.Fatalf("exits=%d, expected 1", stats.ExitTerminations)
	}
	if e.TxTree().Hits != 1 {
		t.Fatalf("tx hits=%d, expected 1", e.TxTree().Hits)
	}
}

func TestExecutor_AbortPaths(t *testing.T) {
	prog := MustBuildProgram(t, "./testdata/pkg001_abort")
	fn := MustFindFunction(t, prog, "main")

	e, sink := NewTestExecutor(t, fn, tracerx.DefaultConfig())
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}

	stats := e.Stats()
	if stats.ErrorTerminations != 2 {
		t.Fatalf("errors=%d, expected 2", stats.ErrorTerminations)
	}
	if got := sink.countSuffix("abort"); got != 2 {
		t.Fatalf("abort tests=%d, expected 2", got)
	}
	if stats.ExitTerminations != 1 {
		t.Fatalf("exits=%d, expected 1", stats.ExitTerminations)
	}

	// Every abort solution satisfies its own path condition.
	for _, c := range sink.cases {
		if c.Suffix != "abort" {
			continue
		}
		if len(c.Objects) != 1 {
			t.Fatalf("unexpected objects: %v", c.Objects)
		}
		v := c.Objects[0].Bytes[0]
		if !(v < 10 || v > 200) {
			t.Fatalf("abort solution %d does not reach an abort", v)
		}
	}
}

func TestExecutor_EmitAllErrors(t *testing.T) {
	run := func(emitAll bool) (int, int) {
		prog := MustBuildProgram(t, "./testdata/pkg005_dup")
		fn := MustFindFunction(t, prog, "main")

		cfg := tracerx.DefaultConfig()
		cfg.NoInterpolation = true
		cfg.EmitAllErrors = emitAll
		e, sink := NewTestExecutor(t, fn, cfg)
		if err := e.Run(); err != nil {
			t.Fatal(err)
		}
		return e.Stats().ErrorTerminations, sink.countSuffix("abort")
	}

	// Both x-paths reach the same abort instruction; by default only the
	// first occurrence produces a test case.
	if errs, tests := run(false); errs != 2 || tests != 1 {
		t.Fatalf("default: errors=%d tests=%d, expected 2/1", errs, tests)
	}
	if errs, tests := run(true); errs != 2 || tests != 2 {
		t.Fatalf("emit-all: errors=%d tests=%d, expected 2/2", errs, tests)
	}
}

func TestExecutor_Seeds(t *testing.T) {
	t.Run("TwoSeedsTwoPaths", func(t *testing.T) {
		prog := MustBuildProgram(t, "./testdata/pkg002_seed")
		fn := MustFindFunction(t, prog, "main")

		cfg := tracerx.DefaultConfig()
		cfg.OnlySeed = true
		e, sink := NewTestExecutor(t, fn, cfg)
		e.UseSeeds([]*tracerx.KTest{
			{Objects: []tracerx.KTestObject{{Name: "x", Bytes: []byte{0}}}},
			{Objects: []tracerx.KTestObject{{Name: "x", Bytes: []byte{1}}}},
		})

		if err := e.Run(); err != nil {
			t.Fatal(err)
		}

		// One completed path per seed, then only-seed stops.
		if got := e.Stats().ExitTerminations; got != 2 {
			t.Fatalf("exits=%d, expected 2", got)
		}
		values := sink.byteValues("x")
		if len(values) != 2 || values[0] != 0 || values[1] == 0 {
			t.Fatalf("unexpected seed solutions: %v", values)
		}
	})

	t.Run("OnlyReplaySeedsKillsUnseeded", func(t *testing.T) {
		prog := MustBuildProgram(t, "./testdata/pkg002_seed")
		fn := MustFindFunction(t, prog, "main")

		cfg := tracerx.DefaultConfig()
		cfg.OnlySeed = true
		cfg.OnlyReplaySeeds = true
		e, sink := NewTestExecutor(t, fn, cfg)
		e.UseSeeds([]*tracerx.KTest{
			{Objects: []tracerx.KTestObject{{Name: "x", Bytes: []byte{0}}}},
		})

		if err := e.Run(); err != nil {
			t.Fatal(err)
		}

		// The single seed fixes the branch: the side no seed takes is never
		// explored and yields no test case.
		if got := e.Stats().ExitTerminations; got != 1 {
			t.Fatalf("exits=%d, expected 1", got)
		}
		if got := len(sink.cases); got != 1 {
			t.Fatalf("tests=%d, expected 1", got)
		}
	})
}

func TestExecutor_SpeculationTimid(t *testing.T) {
	prog := MustBuildProgram(t, "./testdata/pkg003_spec")
	fn := MustFindFunction(t, prog, "main")

	// The avoid set names "useful": branches over it must be kept, while
	// the independent "flag" branch is skipped without forking.
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "SpecAvoid_1"), []byte("1\nuseful\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := tracerx.DefaultConfig()
	cfg.SpecType = tracerx.SpecCoverage
	cfg.SpecStrategy = tracerx.SpecTimid
	cfg.DependencyFolder = dir
	e, sink := NewTestExecutor(t, fn, cfg)

	if err := e.Run(); err != nil {
		t.Fatal(err)
	}

	stats := e.Stats()
	if stats.Forks != 1 {
		t.Fatalf("forks=%d, expected only the dependent branch to fork", stats.Forks)
	}

	spec := e.Spec().Stats
	if spec.IndependenceYes < 1 {
		t.Fatalf("independenceYes=%d, expected >= 1", spec.IndependenceYes)
	}
	if spec.SpecFail != 0 {
		t.Fatalf("specFail=%d, expected 0", spec.SpecFail)
	}

	if got := sink.countSuffix("abort"); got != 1 {
		t.Fatalf("abort tests=%d, expected 1", got)
	}
}

func TestExecutor_AssertWraparound(t *testing.T) {
	prog := MustBuildProgram(t, "./testdata/pkg006_assert")
	fn := MustFindFunction(t, prog, "main")

	e, sink := NewTestExecutor(t, fn, tracerx.DefaultConfig())
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}

	// x+1 > x fails exactly at the wraparound value.
	if got := sink.countSuffix("assert"); got != 1 {
		t.Fatalf("assert tests=%d, expected 1", got)
	}
	for _, c := range sink.cases {
		if c.Suffix == "assert" {
			if v := c.Objects[0].Bytes[0]; v != 255 {
				t.Fatalf("assert counterexample=%d, expected 255", v)
			}
		}
	}
	if got := e.Stats().ExitTerminations; got != 1 {
		t.Fatalf("exits=%d, expected 1", got)
	}
}

func TestExecutor_PointerError(t *testing.T) {
	prog := MustBuildProgram(t, "./testdata/pkg004_ptr")
	fn := MustFindFunction(t, prog, "main")

	e, sink := NewTestExecutor(t, fn, tracerx.DefaultConfig())
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}

	if got := sink.countSuffix("ptr"); got != 1 {
		t.Fatalf("ptr tests=%d, expected 1", got)
	}
	if got := e.Stats().ExitTerminations; got != 0 {
		t.Fatalf("exits=%d, expected none", got)
	}
}

func TestExecutor_HugeAllocReturnsNull(t *testing.T) {
	prog := MustBuildProgram(t, "./testdata/pkg007_bigalloc")
	fn := MustFindFunction(t, prog, "main")

	e, sink := NewTestExecutor(t, fn, tracerx.DefaultConfig())
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}

	// A very large allocation fails, yields a nil slice, and execution
	// continues through the len check to a clean exit.
	if got := e.Stats().ExitTerminations; got != 1 {
		t.Fatalf("exits=%d, expected 1", got)
	}
	if got := e.Stats().ErrorTerminations; got != 0 {
		t.Fatalf("errors=%d, expected none", got)
	}
	if got := sink.countSuffix(""); got != 1 {
		t.Fatalf("exit tests=%d, expected 1", got)
	}
}

func TestExecutor_SymbolicAllocSize(t *testing.T) {
	prog := MustBuildProgram(t, "./testdata/pkg008_symalloc")
	fn := MustFindFunction(t, prog, "main")

	e, sink := NewTestExecutor(t, fn, tracerx.DefaultConfig())
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}

	// Two concrete size candidates run to completion; the residual cannot
	// reach a very large size with a one-byte length, so it concretizes
	// away as a model limit.
	if got := e.Stats().ExitTerminations; got != 2 {
		t.Fatalf("exits=%d, expected 2", got)
	}
	if got := sink.countSuffix("model"); got != 1 {
		t.Fatalf("model tests=%d, expected 1", got)
	}

	// The candidate sizes are distinct.
	values := sink.byteValues("n")
	if len(values) < 2 || values[0] == values[1] {
		t.Fatalf("expected two distinct size candidates, got %v", values)
	}
}

func TestExecutor_DoubleFree(t *testing.T) {
	prog := MustBuildProgram(t, "./testdata/pkg009_free")
	fn := MustFindFunction(t, prog, "main")

	e, sink := NewTestExecutor(t, fn, tracerx.DefaultConfig())
	if err := e.Run(); err != nil {
		t.Fatal(err)
	}

	// The first free releases the object; the second points at nothing.
	if got := sink.countSuffix("free"); got != 1 {
		t.Fatalf("free tests=%d, expected 1", got)
	}
	if got := e.Stats().ExitTerminations; got != 0 {
		t.Fatalf("exits=%d, expected none", got)
	}
}

func TestExecutor_Deterministic(t *testing.T) {
	run := func() []collectedCase {
		prog := MustBuildProgram(t, "./testdata/pkg001_abort")
		fn := MustFindFunction(t, prog, "main")

		cfg := tracerx.DefaultConfig()
		e, sink := NewTestExecutor(t, fn, cfg)
		if err := e.Run(); err != nil {
			t.Fatal(err)
		}
		return sink.cases
	}

	first, second := run(), run()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("runs differ (-first +second):\n%s", diff)
	}
}
