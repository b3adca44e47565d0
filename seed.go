package tracerx

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// KTest is a concrete input assignment: a versioned record of named byte
// objects, matched to symbolic objects during the seeding phase.
type KTest struct {
	Args       []string
	SymArgvs   uint32
	SymArgvLen uint32
	Objects    []KTestObject
}

// KTestObject is one named input buffer.
type KTestObject struct {
	Name  string
	Bytes []byte
}

const ktestVersion = 3

var (
	ktestMagic    = []byte("KTEST")
	ktestMagicOld = []byte("BOUT\n")
)

// ReadKTestFile reads a KTest record from a file.
func ReadKTestFile(path string) (*KTest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadKTest(f)
}

// ReadKTest reads a KTest record: magic, version, argument strings, the
// symbolic-argv counters, then the (name, bytes) objects.
func ReadKTest(r io.Reader) (*KTest, error) {
	magic := make([]byte, 5)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, err
	}
	if string(magic) != string(ktestMagic) && string(magic) != string(ktestMagicOld) {
		return nil, fmt.Errorf("ktest: bad magic %q", magic)
	}

	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return nil, err
	} else if version > ktestVersion {
		return nil, fmt.Errorf("ktest: unsupported version %d", version)
	}

	kt := &KTest{}

	var numArgs uint32
	if err := binary.Read(r, binary.BigEndian, &numArgs); err != nil {
		return nil, err
	}
	for i := uint32(0); i < numArgs; i++ {
		arg, err := readSizedBytes(r)
		if err != nil {
			return nil, err
		}
		kt.Args = append(kt.Args, string(arg))
	}

	if version >= 2 {
		if err := binary.Read(r, binary.BigEndian, &kt.SymArgvs); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.BigEndian, &kt.SymArgvLen); err != nil {
			return nil, err
		}
	}

	var numObjects uint32
	if err := binary.Read(r, binary.BigEndian, &numObjects); err != nil {
		return nil, err
	}
	for i := uint32(0); i < numObjects; i++ {
		name, err := readSizedBytes(r)
		if err != nil {
			return nil, err
		}
		data, err := readSizedBytes(r)
		if err != nil {
			return nil, err
		}
		kt.Objects = append(kt.Objects, KTestObject{Name: string(name), Bytes: data})
	}
	return kt, nil
}

// WriteKTestFile writes a KTest record to a file.
func WriteKTestFile(path string, kt *KTest) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteKTest(f, kt)
}

// WriteKTest writes a KTest record in the current version.
func WriteKTest(w io.Writer, kt *KTest) error {
	if _, err := w.Write(ktestMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(ktestVersion)); err != nil {
		return err
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(kt.Args))); err != nil {
		return err
	}
	for _, arg := range kt.Args {
		if err := writeSizedBytes(w, []byte(arg)); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.BigEndian, kt.SymArgvs); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, kt.SymArgvLen); err != nil {
		return err
	}

	if err := binary.Write(w, binary.BigEndian, uint32(len(kt.Objects))); err != nil {
		return err
	}
	for _, obj := range kt.Objects {
		if err := writeSizedBytes(w, []byte(obj.Name)); err != nil {
			return err
		}
		if err := writeSizedBytes(w, obj.Bytes); err != nil {
			return err
		}
	}
	return nil
}

func readSizedBytes(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func writeSizedBytes(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// SeedInfo tracks the consumption of one KTest record by one state during
// the seeding phase. Objects are matched to symbolic arrays by name or in
// order, and the resulting assignment biases every fork the state takes.
type SeedInfo struct {
	KTest *KTest

	position   int               // next object for positional matching
	assignment map[string][]byte // array name -> seed bytes
}

// NewSeedInfo returns seed bookkeeping over a KTest record.
func NewSeedInfo(kt *KTest) *SeedInfo {
	return &SeedInfo{KTest: kt, assignment: make(map[string][]byte)}
}

// Clone returns a copy sharing the KTest but with private bookkeeping.
func (si *SeedInfo) Clone() *SeedInfo {
	other := &SeedInfo{KTest: si.KTest, position: si.position,
		assignment: make(map[string][]byte, len(si.assignment))}
	for k, v := range si.assignment {
		other.assignment[k] = v
	}
	return other
}

// BindArray matches the next seed object to a symbolic array.
//
// With named matching the object is found by the array's base name; the
// default is positional. Size mismatches honor the extension/truncation
// knobs: a short object may be zero-extended, a long one truncated.
func (si *SeedInfo) BindArray(array *Array, objectName string, cfg *Config) error {
	var obj *KTestObject
	if cfg.NamedSeedMatching {
		for i := range si.KTest.Objects {
			if si.KTest.Objects[i].Name == objectName {
				obj = &si.KTest.Objects[i]
				break
			}
		}
		if obj == nil {
			return fmt.Errorf("seed: no object named %q", objectName)
		}
	} else {
		if si.position >= len(si.KTest.Objects) {
			return fmt.Errorf("seed: out of inputs for %q", objectName)
		}
		obj = &si.KTest.Objects[si.position]
		si.position++
	}

	data := obj.Bytes
	switch {
	case uint(len(data)) < array.Size:
		if !cfg.AllowSeedExtension {
			return fmt.Errorf("seed: object %q too small (%d < %d)", obj.Name, len(data), array.Size)
		}
		// The extended tail is zero-filled whether or not ZeroSeedExtension
		// is set; the extra bytes are unconstrained and zero keeps replays
		// deterministic.
		ext := make([]byte, array.Size)
		copy(ext, data)
		data = ext
	case uint(len(data)) > array.Size:
		if !cfg.AllowSeedTruncation {
			return fmt.Errorf("seed: object %q too large (%d > %d)", obj.Name, len(data), array.Size)
		}
		data = data[:array.Size]
	}

	si.assignment[array.Name] = data
	return nil
}

// Evaluate evaluates expr under the seed assignment. Arrays without seed
// values evaluate as zero-filled.
func (si *SeedInfo) Evaluate(expr Expr) (*ConstantExpr, error) {
	arrays := FindArrays(expr)
	values := make([][]byte, len(arrays))
	for i, array := range arrays {
		if data, ok := si.assignment[array.Name]; ok && uint(len(data)) >= array.Size {
			values[i] = data
		} else {
			v := make([]byte, array.Size)
			copy(v, si.assignment[array.Name])
			values[i] = v
		}
	}
	return NewExprEvaluator(arrays, values).Evaluate(expr)
}

// Patch repairs the seed after a constraint contradicted it: the arrays
// mentioned by the state's path condition are re-solved and the assignment
// updated to a model that satisfies the path.
func (si *SeedInfo) Patch(solver *TimingSolver, state *ExecutionState) error {
	arrays := make([]*Array, 0, len(state.symbolics))
	for _, sb := range state.symbolics {
		arrays = append(arrays, sb.Array)
	}
	if len(arrays) == 0 {
		return nil
	}
	values, err := solver.GetInitialValues(state, arrays)
	if err != nil {
		return err
	}
	for i, array := range arrays {
		si.assignment[array.Name] = values[i]
	}
	return nil
}
