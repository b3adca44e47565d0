package tracerx

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bits-and-blooms/bitset"
	"golang.org/x/tools/go/ssa"
)

// SpecType selects what speculation protects: nothing, safety violations,
// or new coverage.
type SpecType int

const (
	SpecNone SpecType = iota
	SpecSafety
	SpecCoverage
)

// String returns the flag spelling of the type.
func (t SpecType) String() string {
	switch t {
	case SpecSafety:
		return "safety"
	case SpecCoverage:
		return "coverage"
	default:
		return "none"
	}
}

// ParseSpecType parses a spec-type flag value.
func ParseSpecType(s string) (SpecType, error) {
	switch s {
	case "", "none":
		return SpecNone, nil
	case "safety":
		return SpecSafety, nil
	case "coverage":
		return SpecCoverage, nil
	default:
		return SpecNone, fmt.Errorf("invalid spec-type: %q", s)
	}
}

// SpecStrategy selects how eagerly a branch is skipped.
type SpecStrategy int

const (
	// SpecTimid skips a branch only when its condition is statically
	// independent of the avoid set. Never opens speculation nodes.
	SpecTimid SpecStrategy = iota

	// SpecAggressive always opens a speculation node for the skipped
	// side and rolls back if the skip later proves unsafe.
	SpecAggressive

	// SpecCustom combines the independence test with a dynamic re-check:
	// a branch is only re-speculated after the visited-block count
	// changed since its last failure.
	SpecCustom
)

// String returns the flag spelling of the strategy.
func (s SpecStrategy) String() string {
	switch s {
	case SpecAggressive:
		return "aggressive"
	case SpecCustom:
		return "custom"
	default:
		return "timid"
	}
}

// ParseSpecStrategy parses a spec-strategy flag value.
func ParseSpecStrategy(s string) (SpecStrategy, error) {
	switch s {
	case "", "timid":
		return SpecTimid, nil
	case "aggressive":
		return SpecAggressive, nil
	case "custom":
		return SpecCustom, nil
	default:
		return SpecTimid, fmt.Errorf("invalid spec-strategy: %q", s)
	}
}

// SpecStats counts speculation decisions and failures for the spec.txt
// report.
type SpecStats struct {
	IndependenceYes int
	IndependenceNo  int
	DynamicYes      int
	DynamicNo       int
	SpecFail        int

	// Revisit counters keyed by program point order id.
	Revisited        map[int]int
	RevisitedNoInter map[int]int
	FailNew          map[int]int
	FailNoInter      map[int]int

	TotalSpecFailTime time.Duration
}

// NewSpecStats returns zeroed counters.
func NewSpecStats() *SpecStats {
	return &SpecStats{
		Revisited:        make(map[int]int),
		RevisitedNoInter: make(map[int]int),
		FailNew:          make(map[int]int),
		FailNoInter:      make(map[int]int),
	}
}

// WriteReport renders the spec.txt speculation report.
func (st *SpecStats) WriteReport(w io.Writer) error {
	fmt.Fprintf(w, "Total Independence Yes %d\n", st.IndependenceYes)
	fmt.Fprintf(w, "Total Independence No %d\n", st.IndependenceNo)
	fmt.Fprintf(w, "Total Dynamic Yes %d\n", st.DynamicYes)
	fmt.Fprintf(w, "Total Dynamic No %d\n", st.DynamicNo)
	fmt.Fprintf(w, "specFail = %d\n", st.SpecFail)
	fmt.Fprintf(w, "totalSpecFailTime = %v\n", st.TotalSpecFailTime)

	keys := make([]int, 0, len(st.Revisited))
	for k := range st.Revisited {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "revisited bb=%d count=%d\n", k, st.Revisited[k])
	}
	return nil
}

// SpecController makes speculation decisions. It owns the avoid sets
// loaded from the dependency folder, the globally visited-block set, and
// the per-branch snapshot stamps used by the CUSTOM strategy.
type SpecController struct {
	Type     SpecType
	Strategy SpecStrategy
	Stats    *SpecStats

	// Variable names that must not be skipped over, per block order id.
	avoid map[int]map[string]struct{}

	// Globally visited blocks by order id.
	visited *bitset.BitSet

	// Per-branch visited-block counts at last failed speculation.
	snap map[ssa.Instruction]uint
}

// NewSpecController returns a controller for the given mode.
func NewSpecController(typ SpecType, strategy SpecStrategy) *SpecController {
	return &SpecController{
		Type:     typ,
		Strategy: strategy,
		Stats:    NewSpecStats(),
		avoid:    make(map[int]map[string]struct{}),
		visited:  bitset.New(1024),
		snap:     make(map[ssa.Instruction]uint),
	}
}

// Enabled returns true if speculation is switched on.
func (sc *SpecController) Enabled() bool { return sc.Type != SpecNone }

// LoadDependencyFolder reads the SpecAvoid_* files and the optional
// InitialVisitedBB.txt from dir. Each SpecAvoid file names one basic block
// by order id on the first line, followed by one variable name per line.
func (sc *SpecController) LoadDependencyFolder(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "SpecAvoid_*"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		if err := sc.loadAvoidFile(path); err != nil {
			return fmt.Errorf("spec avoid %s: %w", path, err)
		}
	}

	if visited, err := ReadVisitedBBFile(filepath.Join(dir, "InitialVisitedBB.txt")); err == nil {
		sc.visited = visited
	} else if !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (sc *SpecController) loadAvoidFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return scanner.Err()
	}
	order, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil {
		return fmt.Errorf("bad block order id: %w", err)
	}

	set := sc.avoid[order]
	if set == nil {
		set = make(map[string]struct{})
		sc.avoid[order] = set
	}
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return scanner.Err()
}

// ReadVisitedBBFile reads one block order id per line into a bitset.
func ReadVisitedBBFile(path string) (*bitset.BitSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	set := bitset.New(1024)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		order, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("bad block order id %q: %w", line, err)
		}
		set.Set(uint(order))
	}
	return set, scanner.Err()
}

// MarkVisited records a block order id as globally visited.
func (sc *SpecController) MarkVisited(order int) {
	if order >= 0 {
		sc.visited.Set(uint(order))
	}
}

// Visited returns true if the block order id was visited.
func (sc *SpecController) Visited(order int) bool {
	return order >= 0 && sc.visited.Test(uint(order))
}

// VisitedCount returns the number of globally visited blocks.
func (sc *SpecController) VisitedCount() uint {
	return sc.visited.Count()
}

// WriteVisited writes the visited set, one order id per line.
func (sc *SpecController) WriteVisited(w io.Writer) error {
	for i, ok := sc.visited.NextSet(0); ok; i, ok = sc.visited.NextSet(i + 1) {
		if _, err := fmt.Fprintln(w, i); err != nil {
			return err
		}
	}
	return nil
}

// IsIndependent returns true if none of the branch variables appear in any
// avoid set. An independent branch cannot influence the avoided variables,
// so skipping its other side is considered safe.
func (sc *SpecController) IsIndependent(vars map[string]struct{}) bool {
	for _, set := range sc.avoid {
		for name := range vars {
			if _, ok := set[name]; ok {
				return false
			}
		}
	}
	return true
}

// Snap returns the visited-block count stamped at the branch's last failed
// speculation, or zero.
func (sc *SpecController) Snap(inst ssa.Instruction) uint {
	return sc.snap[inst]
}

// Stamp records the current visited-block count for the branch. CUSTOM
// only re-speculates the branch after this count changes.
func (sc *SpecController) Stamp(inst ssa.Instruction) {
	if inst != nil {
		sc.snap[inst] = sc.VisitedCount()
	}
}

// ShouldRecheck returns true if new program behavior was observed since
// the branch last failed speculation.
func (sc *SpecController) ShouldRecheck(inst ssa.Instruction) bool {
	return sc.snap[inst] != sc.VisitedCount()
}

// ResetRun clears the per-run counters while keeping loaded avoid sets, as
// a second run in the same process must start from zeroed statistics.
func (sc *SpecController) ResetRun() {
	sc.Stats = NewSpecStats()
	for k := range sc.snap {
		sc.snap[k] = 0
	}
}

// ExtractVarNames recursively collects the names of the allocas, globals,
// parameters and register-lifted local variables a branch condition
// depends on. A lifted local is named through its debug references, so
// it is only found in functions built in debug mode.
func ExtractVarNames(v ssa.Value) map[string]struct{} {
	res := make(map[string]struct{})
	seen := make(map[ssa.Value]struct{})
	extractVarNames(v, res, seen)
	return res
}

func extractVarNames(v ssa.Value, res map[string]struct{}, seen map[ssa.Value]struct{}) {
	if v == nil {
		return
	}
	if _, ok := seen[v]; ok {
		return
	}
	seen[v] = struct{}{}

	switch v := v.(type) {
	case *ssa.Global:
		res[v.Name()] = struct{}{}
	case *ssa.Alloc:
		res[localName(v)] = struct{}{}
	case *ssa.Parameter:
		res[v.Name()] = struct{}{}
	case *ssa.Const:
		// no variables
	default:
		if refs := v.Referrers(); refs != nil {
			for _, ref := range *refs {
				if dr, ok := ref.(*ssa.DebugRef); ok {
					if obj := dr.Object(); obj != nil {
						res[obj.Name()] = struct{}{}
					}
				}
			}
		}
		if instr, ok := v.(ssa.Instruction); ok {
			var operands []*ssa.Value
			for _, op := range instr.Operands(operands) {
				if op != nil {
					extractVarNames(*op, res, seen)
				}
			}
		}
	}
}

// IsStateSpeculable returns true if a state may enter speculation. States
// that already failed a speculation are excluded until rescheduled.
func IsStateSpeculable(state *ExecutionState) bool {
	return !state.specFailed
}
