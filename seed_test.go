package tracerx_test

import (
	"bytes"
	"path/filepath"
	"testing"

	tracerx "github.com/ninesd/TracerX"
	"github.com/stretchr/testify/require"
)

func TestKTest_RoundTrip(t *testing.T) {
	kt := &tracerx.KTest{
		Args:       []string{"prog", "--flag"},
		SymArgvs:   1,
		SymArgvLen: 8,
		Objects: []tracerx.KTestObject{
			{Name: "x", Bytes: []byte{0x41, 0x42}},
			{Name: "y", Bytes: []byte{}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, tracerx.WriteKTest(&buf, kt))

	got, err := tracerx.ReadKTest(&buf)
	require.NoError(t, err)
	require.Equal(t, kt.Args, got.Args)
	require.Equal(t, kt.SymArgvs, got.SymArgvs)
	require.Equal(t, kt.SymArgvLen, got.SymArgvLen)
	require.Len(t, got.Objects, 2)
	require.Equal(t, "x", got.Objects[0].Name)
	require.Equal(t, []byte{0x41, 0x42}, got.Objects[0].Bytes)
}

func TestKTest_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.ktest")
	kt := &tracerx.KTest{Objects: []tracerx.KTestObject{{Name: "x", Bytes: []byte{7}}}}
	require.NoError(t, tracerx.WriteKTestFile(path, kt))

	got, err := tracerx.ReadKTestFile(path)
	require.NoError(t, err)
	require.Equal(t, kt.Objects, got.Objects)
}

func TestKTest_BadMagic(t *testing.T) {
	_, err := tracerx.ReadKTest(bytes.NewReader([]byte("NOPE!xxxx")))
	require.Error(t, err)
}

func TestSeedInfo_BindArray(t *testing.T) {
	cfg := tracerx.DefaultConfig()
	kt := &tracerx.KTest{Objects: []tracerx.KTestObject{
		{Name: "a", Bytes: []byte{1, 2}},
		{Name: "b", Bytes: []byte{3}},
	}}

	t.Run("Positional", func(t *testing.T) {
		si := tracerx.NewSeedInfo(kt)
		first := tracerx.NewArray("x", 2)
		second := tracerx.NewArray("y", 1)

		require.NoError(t, si.BindArray(first, "x", &cfg))
		require.NoError(t, si.BindArray(second, "y", &cfg))

		v, err := si.Evaluate(tracerx.NewReadExpr(first, tracerx.NewConstantExpr64(1)))
		require.NoError(t, err)
		require.EqualValues(t, 2, v.Value)
	})

	t.Run("Named", func(t *testing.T) {
		named := cfg
		named.NamedSeedMatching = true

		si := tracerx.NewSeedInfo(kt)
		arr := tracerx.NewArray("b", 1)
		require.NoError(t, si.BindArray(arr, "b", &named))

		v, err := si.Evaluate(tracerx.NewReadExpr(arr, tracerx.NewConstantExpr64(0)))
		require.NoError(t, err)
		require.EqualValues(t, 3, v.Value)

		require.Error(t, si.BindArray(arr, "missing", &named))
	})

	t.Run("SizeMismatch", func(t *testing.T) {
		si := tracerx.NewSeedInfo(kt)
		big := tracerx.NewArray("big", 4)
		require.Error(t, si.BindArray(big, "big", &cfg))

		ext := cfg
		ext.AllowSeedExtension = true
		ext.ZeroSeedExtension = true
		si = tracerx.NewSeedInfo(kt)
		require.NoError(t, si.BindArray(big, "big", &ext))

		// Extended tail is zero-filled.
		v, err := si.Evaluate(tracerx.NewReadExpr(big, tracerx.NewConstantExpr64(3)))
		require.NoError(t, err)
		require.EqualValues(t, 0, v.Value)
	})

	t.Run("Truncation", func(t *testing.T) {
		si := tracerx.NewSeedInfo(kt)
		small := tracerx.NewArray("small", 1)
		require.Error(t, si.BindArray(small, "small", &cfg))

		trunc := cfg
		trunc.AllowSeedTruncation = true
		si = tracerx.NewSeedInfo(kt)
		require.NoError(t, si.BindArray(small, "small", &trunc))

		v, err := si.Evaluate(tracerx.NewReadExpr(small, tracerx.NewConstantExpr64(0)))
		require.NoError(t, err)
		require.EqualValues(t, 1, v.Value)
	})
}

func TestSeedInfo_EvaluateCondition(t *testing.T) {
	cfg := tracerx.DefaultConfig()
	kt := &tracerx.KTest{Objects: []tracerx.KTestObject{{Name: "x", Bytes: []byte{0x41, 0x42}}}}

	si := tracerx.NewSeedInfo(kt)
	arr := tracerx.NewArray("x", 2)
	require.NoError(t, si.BindArray(arr, "x", &cfg))

	b0 := tracerx.NewReadExpr(arr, tracerx.NewConstantExpr64(0))
	b1 := tracerx.NewReadExpr(arr, tracerx.NewConstantExpr64(1))

	v, err := si.Evaluate(tracerx.NewBinaryExpr(tracerx.UGT, b1, b0))
	require.NoError(t, err)
	require.True(t, v.IsTrue())

	v, err = si.Evaluate(tracerx.NewBinaryExpr(tracerx.EQ, b0, tracerx.NewConstantExpr8('Z')))
	require.NoError(t, err)
	require.True(t, v.IsFalse())
}
