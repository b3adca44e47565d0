package tracerx

import (
	"fmt"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/tools/go/ssa"
)

// Stats holds the process-global execution counters. They are updated from
// the current state only; execution is single-threaded.
type Stats struct {
	Instructions int
	Forks        int
	Terminated   int

	ExitTerminations  int
	ErrorTerminations int
	EarlyTerminations int
	Subsumptions      int
	SubsumptionTests  int
}

// TestCaseSink receives every terminated state that produces a test case.
// The sink asks back for the symbolic solution and persists it.
type TestCaseSink interface {
	// ProcessTestCase is handed a terminated state, an optional error
	// message, and the termination suffix ("" for clean exits).
	ProcessTestCase(state *ExecutionState, message, suffix string) error
}

// GetSymbolicSolution solves the state's path condition and returns the
// (name, bytes) pairs for each symbolic object in creation order.
func GetSymbolicSolution(state *ExecutionState) ([]KTestObject, error) {
	arrays, values, err := state.Values()
	if err != nil {
		return nil, err
	}
	objects := make([]KTestObject, len(arrays))
	for i := range arrays {
		objects[i] = KTestObject{Name: arrays[i].Name, Bytes: values[i]}
	}
	return objects, nil
}

// KTestSink writes test cases into a directory as numbered KTest files,
// with companion .<suffix>.err files describing error terminations.
type KTestSink struct {
	Dir string
	n   int
}

// NewKTestSink returns a sink writing into dir.
func NewKTestSink(dir string) *KTestSink {
	return &KTestSink{Dir: dir}
}

// ProcessTestCase implements TestCaseSink.
func (s *KTestSink) ProcessTestCase(state *ExecutionState, message, suffix string) error {
	objects, err := GetSymbolicSolution(state)
	if err != nil {
		return err
	}

	s.n++
	base := filepath.Join(s.Dir, fmt.Sprintf("test%06d", s.n))
	if err := WriteKTestFile(base+".ktest", &KTest{Objects: objects}); err != nil {
		return err
	}

	if suffix != "" {
		f, err := os.Create(fmt.Sprintf("%s.%s.err", base, suffix))
		if err != nil {
			return err
		}
		defer f.Close()
		fmt.Fprintf(f, "Error: %s\n", message)
		fmt.Fprintf(f, "State: %d\n", state.ID())
		if pos := state.Position(); pos.IsValid() {
			fmt.Fprintf(f, "Position: %s\n", pos)
		}
	}
	return nil
}

// Count returns the number of test cases written.
func (s *KTestSink) Count() int { return s.n }

// InstructionLogger appends one line per executed instruction to
// instructions.txt, gzip-compressed when the path carries a .gz suffix.
type InstructionLogger struct {
	f  *os.File
	gz *gzip.Writer
	w  io.Writer
}

// NewInstructionLogger opens the log file at path.
func NewInstructionLogger(path string) (*InstructionLogger, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	l := &InstructionLogger{f: f, w: f}
	if strings.HasSuffix(path, ".gz") {
		l.gz = gzip.NewWriter(f)
		l.w = l.gz
	}
	return l, nil
}

// Log records one instruction execution.
func (l *InstructionLogger) Log(stateID int, instr ssa.Instruction) {
	if l == nil {
		return
	}
	fmt.Fprintf(l.w, "%d %s\n", stateID, instr.String())
}

// Close flushes and closes the log.
func (l *InstructionLogger) Close() error {
	if l == nil {
		return nil
	}
	if l.gz != nil {
		if err := l.gz.Close(); err != nil {
			l.f.Close()
			return err
		}
	}
	return l.f.Close()
}

// OutputDir manages the engine's report files, created lazily under one
// directory.
type OutputDir struct {
	Dir string
}

// Create returns a writer for a named report file.
func (o *OutputDir) Create(name string) (*os.File, error) {
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return nil, err
	}
	return os.Create(filepath.Join(o.Dir, name))
}

// CoverageReporter tracks live basic-block coverage and writes the
// coverage report files.
type CoverageReporter struct {
	// Level selects which reports are written (0 disables all).
	Level int

	blockOrder map[*ssa.BasicBlock]int
	covered    map[int]time.Time
	icmp       map[int]int // covered comparison instructions per block
	start      time.Time
}

// NewCoverageReporter returns a reporter over the block order mapping.
func NewCoverageReporter(level int, blockOrder map[*ssa.BasicBlock]int) *CoverageReporter {
	return &CoverageReporter{
		Level:      level,
		blockOrder: blockOrder,
		covered:    make(map[int]time.Time),
		icmp:       make(map[int]int),
		start:      time.Now(),
	}
}

// Visit records execution of a block. Returns true on first coverage.
func (r *CoverageReporter) Visit(block *ssa.BasicBlock) bool {
	order, ok := r.blockOrder[block]
	if !ok {
		return false
	}
	if _, ok := r.covered[order]; ok {
		return false
	}
	r.covered[order] = time.Now()
	return true
}

// VisitCompare records coverage of a comparison instruction.
func (r *CoverageReporter) VisitCompare(block *ssa.BasicBlock) {
	if order, ok := r.blockOrder[block]; ok {
		r.icmp[order]++
	}
}

// CoveredCount returns the number of covered blocks.
func (r *CoverageReporter) CoveredCount() int { return len(r.covered) }

// WriteReports writes the coverage files selected by the level.
func (r *CoverageReporter) WriteReports(out *OutputDir) error {
	if r.Level < 1 {
		return nil
	}

	orders := make([]int, 0, len(r.covered))
	for order := range r.covered {
		orders = append(orders, order)
	}
	sort.Ints(orders)

	if err := r.writeLines(out, "LiveBB.txt", func(w io.Writer) {
		for _, order := range orders {
			fmt.Fprintln(w, order)
		}
	}); err != nil {
		return err
	}

	if err := r.writeLines(out, "LivePercentCov.txt", func(w io.Writer) {
		total := len(r.blockOrder)
		if total == 0 {
			total = 1
		}
		fmt.Fprintf(w, "%.2f\n", float64(len(r.covered))*100/float64(total))
	}); err != nil {
		return err
	}

	if r.Level >= 2 {
		if err := r.writeLines(out, "BBPlotting.txt", func(w io.Writer) {
			for _, order := range orders {
				fmt.Fprintf(w, "%d %v\n", order, r.covered[order].Sub(r.start).Seconds())
			}
		}); err != nil {
			return err
		}
	}

	if r.Level >= 4 {
		if err := r.writeLines(out, "coveredICMP.txt", func(w io.Writer) {
			keys := make([]int, 0, len(r.icmp))
			for k := range r.icmp {
				keys = append(keys, k)
			}
			sort.Ints(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "%d %d\n", k, r.icmp[k])
			}
		}); err != nil {
			return err
		}

		// All comparison instructions per block, whether covered or not.
		if err := r.writeLines(out, "coveredAICMP.txt", func(w io.Writer) {
			counts := make(map[int]int)
			for block, order := range r.blockOrder {
				for _, instr := range block.Instrs {
					if binop, ok := instr.(*ssa.BinOp); ok && isCompareToken(binop.Op) {
						counts[order]++
					}
				}
			}
			keys := make([]int, 0, len(counts))
			for k := range counts {
				keys = append(keys, k)
			}
			sort.Ints(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "%d %d\n", k, counts[k])
			}
		}); err != nil {
			return err
		}
	}
	return nil
}

func isCompareToken(op token.Token) bool {
	switch op {
	case token.EQL, token.NEQ, token.LSS, token.LEQ, token.GTR, token.GEQ:
		return true
	}
	return false
}

func (r *CoverageReporter) writeLines(out *OutputDir, name string, fn func(io.Writer)) error {
	f, err := out.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	fn(f)
	return nil
}
