package tracerx_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	tracerx "github.com/ninesd/TracerX"
	"github.com/stretchr/testify/require"
)

func TestParseSpecType(t *testing.T) {
	for in, exp := range map[string]tracerx.SpecType{
		"":         tracerx.SpecNone,
		"none":     tracerx.SpecNone,
		"safety":   tracerx.SpecSafety,
		"coverage": tracerx.SpecCoverage,
	} {
		got, err := tracerx.ParseSpecType(in)
		require.NoError(t, err)
		require.Equal(t, exp, got)
	}
	_, err := tracerx.ParseSpecType("bogus")
	require.Error(t, err)
}

func TestParseSpecStrategy(t *testing.T) {
	for in, exp := range map[string]tracerx.SpecStrategy{
		"":           tracerx.SpecTimid,
		"timid":      tracerx.SpecTimid,
		"aggressive": tracerx.SpecAggressive,
		"custom":     tracerx.SpecCustom,
	} {
		got, err := tracerx.ParseSpecStrategy(in)
		require.NoError(t, err)
		require.Equal(t, exp, got)
	}
	_, err := tracerx.ParseSpecStrategy("bogus")
	require.Error(t, err)
}

func TestSpecController_LoadDependencyFolder(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SpecAvoid_1"),
		[]byte("3\nflag\ncounter\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SpecAvoid_2"),
		[]byte("7\nmode\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "InitialVisitedBB.txt"),
		[]byte("1\n2\n5\n"), 0o644))

	sc := tracerx.NewSpecController(tracerx.SpecCoverage, tracerx.SpecTimid)
	require.NoError(t, sc.LoadDependencyFolder(dir))

	// Branch variables intersecting any avoid set are dependent.
	require.False(t, sc.IsIndependent(map[string]struct{}{"flag": {}}))
	require.False(t, sc.IsIndependent(map[string]struct{}{"mode": {}}))
	require.True(t, sc.IsIndependent(map[string]struct{}{"unrelated": {}}))

	require.True(t, sc.Visited(1))
	require.True(t, sc.Visited(5))
	require.False(t, sc.Visited(3))
}

func TestSpecController_MissingVisitedFileIsOptional(t *testing.T) {
	sc := tracerx.NewSpecController(tracerx.SpecCoverage, tracerx.SpecTimid)
	require.NoError(t, sc.LoadDependencyFolder(t.TempDir()))
}

func TestSpecController_StampAndRecheck(t *testing.T) {
	sc := tracerx.NewSpecController(tracerx.SpecCoverage, tracerx.SpecCustom)

	// With no failed speculation on record, any coverage change justifies
	// a re-check once the counts diverge.
	sc.MarkVisited(1)
	require.True(t, sc.ShouldRecheck(nil))

	sc.Stamp(nil) // nil instruction stamps nothing
	require.True(t, sc.ShouldRecheck(nil))
}

func TestSpecController_WriteVisited(t *testing.T) {
	sc := tracerx.NewSpecController(tracerx.SpecCoverage, tracerx.SpecTimid)
	sc.MarkVisited(2)
	sc.MarkVisited(9)

	var sb strings.Builder
	require.NoError(t, sc.WriteVisited(&sb))
	require.Equal(t, "2\n9\n", sb.String())
}

func TestSpecStats_Report(t *testing.T) {
	st := tracerx.NewSpecStats()
	st.IndependenceYes = 3
	st.SpecFail = 0

	var sb strings.Builder
	require.NoError(t, st.WriteReport(&sb))
	out := sb.String()
	require.Contains(t, out, "Total Independence Yes 3")
	require.Contains(t, out, "specFail = 0")
}
