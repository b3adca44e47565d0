package tracerx

import (
	"fmt"
	"go/types"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/tools/go/ssa"
)

// Config carries the runtime knobs of the engine. Zero-valued fields are
// used as they are, not replaced by defaults (a zero MaxMemoryMB disables
// the memory cap; zero static budgets trip on any fork or query);
// construct with DefaultConfig to start from the default knobs.
type Config struct {
	OS   string
	Arch string

	// Resource caps.
	MaxForks           int           // 0 = unlimited
	MaxDepth           int           // 0 = unlimited
	MaxMemoryMB        int           // default 2000
	MaxMemoryInhibit   bool          // inhibit forking at the memory cap
	MaxInstructionTime time.Duration // 0 = off
	MaxCoreSolverTime  time.Duration // 0 = off

	// Static fork/solve budgets, as a fraction of the global totals.
	MaxStaticForkPct    float64
	MaxStaticSolvePct   float64
	MaxStaticCPForkPct  float64
	MaxStaticCPSolvePct float64

	// Seeding.
	SeedTime            time.Duration
	OnlyReplaySeeds     bool
	OnlySeed            bool
	AllowSeedExtension  bool
	ZeroSeedExtension   bool
	AllowSeedTruncation bool
	NamedSeedMatching   bool

	// Forking.
	RandomizeFork bool
	RNGSeed       int64

	// Reporting.
	EmitAllErrors    bool
	DumpStatesOnHalt bool
	BBCoverage       int

	// Interpolation.
	NoInterpolation         bool
	SubsumedTest            bool
	WPInterpolant           bool
	ExactAddressInterpolant bool

	// Speculation.
	SpecType         SpecType
	SpecStrategy     SpecStrategy
	DependencyFolder string
}

// DefaultConfig returns the default runtime knobs.
func DefaultConfig() Config {
	return Config{
		OS:                  runtime.GOOS,
		Arch:                runtime.GOARCH,
		MaxMemoryMB:         2000,
		MaxMemoryInhibit:    true,
		MaxStaticForkPct:    1.0,
		MaxStaticSolvePct:   1.0,
		MaxStaticCPForkPct:  1.0,
		MaxStaticCPSolvePct: 1.0,
		DumpStatesOnHalt:    true,
		RNGSeed:             1,
	}
}

// StatePair is the result of a two-way fork: the successors that took the
// true and false side. Either may be nil when that side is infeasible.
type StatePair struct {
	True  *ExecutionState
	False *ExecutionState
}

// FunctionHandler executes a registered function call in place of pushing
// a frame for it.
type FunctionHandler func(e *Executor, state *ExecutionState, instr *ssa.Call) error

// funcKey identifies a registered function by package path and name.
type funcKey struct {
	path string
	name string
}

// Executor drives symbolic execution of a program from one entry function.
// It owns the state set, the search and interpolation trees, the fork
// protocol, and the instruction interpreter.
type Executor struct {
	cfg Config

	fn   *ssa.Function
	prog *ssa.Program

	// Collaborators. Must be set before Run; Solver is required.
	Solver   CoreSolver
	Searcher Searcher
	Sink     TestCaseSink
	Output   *OutputDir
	Logger   zerolog.Logger

	solver *TimingSolver

	// Global engine state.
	allocator *Allocator
	arrays    *ArrayCache
	rng       *rand.Rand
	stats     Stats

	root       *ExecutionState
	states     map[*ExecutionState]struct{}
	added      []*ExecutionState
	removed    []*ExecutionState
	stateIDSeq int

	ptree  *PTree
	txtree *TxTree
	spec   *SpecController

	// Seeding & replay.
	seedMap        map[*ExecutionState][]*SeedInfo
	usingSeeds     []*KTest
	replayPath     []bool
	replayPosition int

	// Fork inhibition.
	inhibitForking bool
	atMemoryLimit  bool
	haltExecution  bool

	// Per-instruction fork and solver-query counters for the static
	// budgets.
	forksAtInstr   map[ssa.Instruction]int
	queriesAtInstr map[ssa.Instruction]int

	// Error dedup for emit-all-errors.
	emittedErrors map[emittedErrorKey]struct{}

	// Registered function handlers.
	fns map[funcKey]FunctionHandler

	// Deterministic identities.
	globals    map[*ssa.Global]Binding
	funcIDs    map[*ssa.Function]uint64
	funcsByID  map[uint64]*ssa.Function
	typeIDs    map[types.Type]int
	typesByID  map[int]types.Type
	blockOrder map[*ssa.BasicBlock]int

	coverage *CoverageReporter
	instrLog *InstructionLogger

	specClock time.Time
	startTime time.Time
}

type emittedErrorKey struct {
	instr   ssa.Instruction
	message string
}

// NewExecutor returns a new instance of Executor for the entry function.
func NewExecutor(fn *ssa.Function, cfg Config) *Executor {
	if cfg.SpecType == SpecSafety && cfg.SpecStrategy == SpecTimid {
		panic("tracerx: timid speculation is not supported with safety")
	}

	e := &Executor{
		cfg:  cfg,
		fn:   fn,
		prog: fn.Prog,

		Logger: zerolog.Nop(),

		allocator: NewAllocator(),
		arrays:    NewArrayCache(),
		rng:       rand.New(rand.NewSource(cfg.RNGSeed)),

		states:  make(map[*ExecutionState]struct{}),
		seedMap: make(map[*ExecutionState][]*SeedInfo),

		forksAtInstr:   make(map[ssa.Instruction]int),
		queriesAtInstr: make(map[ssa.Instruction]int),
		emittedErrors:  make(map[emittedErrorKey]struct{}),

		fns:        make(map[funcKey]FunctionHandler),
		globals:    make(map[*ssa.Global]Binding),
		funcIDs:    make(map[*ssa.Function]uint64),
		funcsByID:  make(map[uint64]*ssa.Function),
		typeIDs:    make(map[types.Type]int),
		typesByID:  make(map[int]types.Type),
		blockOrder: make(map[*ssa.BasicBlock]int),

		spec:      NewSpecController(cfg.SpecType, cfg.SpecStrategy),
		startTime: time.Now(),
	}

	// Register program types & functions in deterministic order so
	// interface dispatch and function pointers are reproducible.
	for i, typ := range programTypes(fn.Prog) {
		e.typeIDs[typ] = i + 1
		e.typesByID[i+1] = typ
	}
	for i, f := range programFunctions(fn.Prog) {
		id := uint64(i + 1)
		e.funcIDs[f] = id
		e.funcsByID[id] = f
	}

	// Assign deterministic basic-block order ids across all functions.
	n := 0
	for _, f := range programFunctions(fn.Prog) {
		for _, b := range f.Blocks {
			n++
			e.blockOrder[b] = n
		}
	}
	e.coverage = NewCoverageReporter(cfg.BBCoverage, e.blockOrder)

	e.registerDefaults()
	e.initializeGlobals()

	// Initial state and the two trees, split in lockstep from here on.
	e.root = NewExecutionState(e, fn)
	e.root.id = e.nextStateID()
	e.states[e.root] = struct{}{}
	e.ptree = NewPTree(e.root)
	e.txtree = NewTxTree(e.root)

	return e
}

// RootState returns the initial state for the function execution.
func (e *Executor) RootState() *ExecutionState { return e.root }

// Stats returns the global execution counters.
func (e *Executor) Stats() Stats { return e.stats }

// TxTree returns the interpolation tree.
func (e *Executor) TxTree() *TxTree { return e.txtree }

// PTree returns the search tree.
func (e *Executor) PTree() *PTree { return e.ptree }

// Spec returns the speculation controller.
func (e *Executor) Spec() *SpecController { return e.spec }

// Config returns the runtime knobs.
func (e *Executor) Config() Config { return e.cfg }

// NumStates returns the number of live states.
func (e *Executor) NumStates() int { return len(e.states) }

// Halt requests a stop after the current instruction.
func (e *Executor) Halt() { e.haltExecution = true }

func (e *Executor) nextStateID() int {
	e.stateIDSeq++
	return e.stateIDSeq
}

func (e *Executor) interpolationEnabled() bool {
	return !e.cfg.NoInterpolation
}

// Register registers a function handler for a given function. Every
// invocation of the function is delegated to the handler.
func (e *Executor) Register(path, name string, h FunctionHandler) {
	e.fns[funcKey{path, name}] = h
}

// UseSeeds supplies the KTest records consumed by the seeding phase.
func (e *Executor) UseSeeds(seeds []*KTest) {
	e.usingSeeds = seeds
}

// ReplayPath supplies a recorded branch trace. During replay an Unknown
// solver result is forbidden and conclusive results must agree with the
// recorded direction.
func (e *Executor) ReplayPath(path []bool) {
	e.replayPath = path
	e.replayPosition = 0
}

// initializeGlobals allocates memory for every package-level variable and
// binds its address.
func (e *Executor) initializeGlobals() {
	for _, pkg := range e.prog.AllPackages() {
		names := make([]string, 0, len(pkg.Members))
		for name := range pkg.Members {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			g, ok := pkg.Members[name].(*ssa.Global)
			if !ok {
				continue
			}
			size := uint64(e.Sizeof(deref(g.Type())) / 8)
			mo := e.allocator.Allocate(size, g.Name(), false, true, g)
			e.globals[g] = mo.BaseExpr()
		}
	}
}

// bindGlobalObjects binds zeroed content for every global into the state.
func (e *Executor) bindGlobalObjects(state *ExecutionState) {
	for _, b := range e.globals {
		addr := b.(*ConstantExpr)
		if state.AddressSpace.FindObject(addr.Value) == nil {
			mo, ok := e.allocator.find(addr.Value)
			assert(ok, "global object missing at %d", addr.Value)
			state.AddressSpace.Bind(NewObjectState(mo))
		}
	}
}

// registerDefaults installs the built-in function handlers: the symbolic
// value constructors, assertion/assumption hooks, and supported builtins.
func (e *Executor) registerDefaults() {
	const pkgName = "github.com/ninesd/TracerX"
	e.Register(pkgName, "Assert", execAssert)
	e.Register(pkgName, "Assume", execAssume)
	e.Register(pkgName, "Abort", execAbort)
	e.Register(pkgName, "ReportError", execReportError)
	for _, name := range []string{
		"Byte", "Int", "Int8", "Int16", "Int32", "Int64",
		"Uint", "Uint8", "Uint16", "Uint32", "Uint64",
	} {
		e.Register(pkgName, name, execInt)
	}
	e.Register(pkgName, "ByteSlice", execByteSlice)
	e.Register(pkgName, "Free", execFree)
	e.Register(pkgName, "String", execString)
	e.Register("", "copy", execCopy)
	e.Register("", "len", execLen)
	e.Register("", "print", execNop)
	e.Register("", "println", execNop)
}

// Run explores the program until no states remain or execution halts.
func (e *Executor) Run() error {
	if e.Solver == nil {
		return fmt.Errorf("tracerx: core solver required")
	}
	e.solver = NewTimingSolver(e.Solver, e.cfg.MaxCoreSolverTime)

	// The searcher is constructed only after seeding; the seeding phase
	// schedules states itself.
	searcher := e.Searcher
	e.Searcher = nil

	if e.interpolationEnabled() && e.spec.Enabled() {
		e.spec.ResetRun()
		if e.cfg.DependencyFolder != "" {
			if err := e.spec.LoadDependencyFolder(e.cfg.DependencyFolder); err != nil {
				return err
			}
		}
	}

	e.bindGlobalObjects(e.root)

	if e.Output != nil && e.instrLog == nil {
		if err := os.MkdirAll(e.Output.Dir, 0o755); err != nil {
			return err
		}
		l, err := NewInstructionLogger(filepath.Join(e.Output.Dir, "instructions.txt.gz"))
		if err != nil {
			return err
		}
		e.instrLog = l
	}

	// Seeding phase: bias exploration with the supplied concrete inputs.
	if len(e.usingSeeds) > 0 {
		if err := e.runSeeding(); err != nil {
			return err
		}
		if e.cfg.OnlySeed {
			e.dumpRemainingStates()
			return e.writeReports()
		}
	}

	if searcher == nil {
		searcher = NewDFSSearcher()
	}
	e.Searcher = searcher

	live := make([]*ExecutionState, 0, len(e.states))
	for state := range e.states {
		live = append(live, state)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].id < live[j].id })
	e.Searcher.Update(nil, live, nil)

	for len(e.states) > 0 && !e.haltExecution {
		state := e.Searcher.SelectState()
		if state == nil {
			break
		}
		e.stepState(state)
		e.updateStates(state)

		if e.stats.Instructions%1024 == 0 {
			e.checkMemoryUsage()
			e.updateStates(nil)
		}
	}

	if e.haltExecution && e.cfg.DumpStatesOnHalt {
		e.dumpRemainingStates()
	}

	return e.writeReports()
}

// runSeeding replays the seeds over the current states until every seed is
// consumed, seed-time expires, or execution halts.
func (e *Executor) runSeeding() error {
	for state := range e.states {
		seeds := make([]*SeedInfo, 0, len(e.usingSeeds))
		for _, kt := range e.usingSeeds {
			seeds = append(seeds, NewSeedInfo(kt))
		}
		e.seedMap[state] = seeds
	}

	start := time.Now()
	var last *ExecutionState
	for len(e.seedMap) > 0 && !e.haltExecution {
		state := e.nextSeedState(last)
		if state == nil {
			break
		}
		last = state

		e.stepState(state)
		e.updateStates(state)

		if e.cfg.SeedTime > 0 && time.Since(start) > e.cfg.SeedTime {
			e.Logger.Warn().Msg("seed time expired")
			break
		}
	}

	// Seeded results stay equally weighted.
	for state := range e.states {
		state.weight = 1.0
	}
	e.Logger.Info().Int("states", len(e.states)).Msg("seeding done")
	return nil
}

// nextSeedState round-robins over the seeded states in id order.
func (e *Executor) nextSeedState(last *ExecutionState) *ExecutionState {
	states := make([]*ExecutionState, 0, len(e.seedMap))
	for state := range e.seedMap {
		states = append(states, state)
	}
	if len(states) == 0 {
		return nil
	}
	sort.Slice(states, func(i, j int) bool { return states[i].id < states[j].id })
	if last != nil {
		for _, state := range states {
			if state.id > last.id {
				return state
			}
		}
	}
	return states[0]
}

// Step executes one instruction of the next selected state. Useful for
// tests and debugging; Run is the production loop.
func (e *Executor) Step() (*ExecutionState, error) {
	if e.solver == nil {
		if e.Solver == nil {
			return nil, fmt.Errorf("tracerx: core solver required")
		}
		e.solver = NewTimingSolver(e.Solver, e.cfg.MaxCoreSolverTime)
	}
	if e.Searcher == nil {
		e.Searcher = NewDFSSearcher()
		e.Searcher.Update(nil, []*ExecutionState{e.root}, nil)
	}
	if e.Searcher.Empty() {
		return nil, ErrNoStateAvailable
	}
	state := e.Searcher.SelectState()
	e.stepState(state)
	e.updateStates(state)
	return state, nil
}

// stepState advances one state by one instruction, hooking the
// interpolation tree and the speculation checks at block entries.
func (e *Executor) stepState(state *ExecutionState) {
	e.specClock = time.Now()

	instr := e.advance(state)
	if instr == nil {
		e.terminateStateOnExit(state)
		return
	}

	if e.interpolationEnabled() {
		e.txtree.SetCurrentNode(state)
	}

	if state.AtBlockEntry() {
		block := state.Block()

		// Speculation checks first: a cycle or (in coverage mode) a
		// never-before-seen block fails the speculation.
		if e.interpolationEnabled() && e.spec.Enabled() && e.txtree.IsSpeculationNode(state) {
			pp := e.txtree.ProgramPoint(state)
			if pp != nil && e.txtree.VisitedPoint(state, pp) {
				order := e.blockOrder[pp]
				e.spec.Stats.Revisited[order]++
				if !e.txtree.HasInterpolation(state) {
					e.spec.Stats.RevisitedNoInter[order]++
				}
				e.spec.Stats.SpecFail++
				e.speculativeBackJump(state)
				return
			}
			if e.spec.Type == SpecCoverage && !e.spec.Visited(e.blockOrder[block]) {
				order := e.blockOrder[block]
				e.spec.Stats.FailNew[order]++
				if !e.txtree.HasInterpolation(state) {
					e.spec.Stats.FailNoInter[order]++
				}
				e.spec.Stats.SpecFail++
				e.speculativeBackJump(state)
				return
			}
		} else {
			// Coverage is not counted inside speculation subtrees.
			if e.coverage.Visit(block) {
				state.coveredNew = true
			}
			e.spec.MarkVisited(e.blockOrder[block])
		}

		// Subsumption: a state whose path condition implies a stored
		// interpolant at this program point explores nothing new.
		if e.interpolationEnabled() {
			subsumed, err := e.txtree.SubsumptionCheck(e.solver, state)
			e.stats.SubsumptionTests++
			if err != nil {
				state.Frame().RollbackInstr()
				e.terminateStateEarly(state, "query timed out (subsumption)")
				return
			}
			if subsumed {
				e.terminateStateOnSubsumption(state)
				return
			}
		}
	}

	e.stats.Instructions++
	e.instrLog.Log(state.id, instr)

	if e.spec.Enabled() && e.txtree.IsSpeculationNode(state) {
		defer func() {
			if !state.Terminated() {
				e.txtree.IncSpecTime(state, time.Since(e.specClock))
			}
		}()
	}

	started := time.Now()
	if err := e.executeInstruction(state, instr); err != nil {
		e.terminateStateOnError(state, err.Error(), TerminateExec)
		return
	}
	if e.cfg.MaxInstructionTime > 0 && time.Since(started) > e.cfg.MaxInstructionTime && !state.Terminated() {
		e.terminateStateEarly(state, "max-instruction-time exceeded")
		return
	}

	if e.interpolationEnabled() && !state.Terminated() {
		e.txtree.IncInstructionsDepth(state)
	}
}

// advance moves the state to its next instruction, popping exhausted
// frames. Returns nil when no frames remain.
func (e *Executor) advance(state *ExecutionState) ssa.Instruction {
	for {
		frame := state.Frame()
		if frame == nil {
			return nil
		}
		frame.NextInstr()
		if instr := frame.Instr(); instr != nil {
			return instr
		}
		state.Pop()
	}
}

// updateStates reports the instruction's state changes to the searcher and
// finalizes removals: tree nodes deleted in lockstep, seeds dropped, and
// interpolants recorded.
func (e *Executor) updateStates(current *ExecutionState) {
	if e.Searcher != nil {
		e.Searcher.Update(current, e.added, e.removed)
	}

	for _, state := range e.added {
		e.states[state] = struct{}{}
	}
	e.added = e.added[:0]

	for _, state := range e.removed {
		_, ok := e.states[state]
		assert(ok, "removing unknown state %d", state.id)
		delete(e.states, state)
		delete(e.seedMap, state)

		e.ptree.Remove(state.ptreeNode)
		if e.interpolationEnabled() {
			e.txtree.Remove(state, current != nil)
		}
	}
	e.removed = e.removed[:0]
}

// checkMemoryUsage enforces the memory cap by killing the deepest states.
func (e *Executor) checkMemoryUsage() {
	if e.cfg.MaxMemoryMB <= 0 {
		return
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usedMB := int(ms.HeapAlloc / (1 << 20))

	e.atMemoryLimit = usedMB > e.cfg.MaxMemoryMB
	if !e.atMemoryLimit || len(e.states) <= 1 {
		return
	}

	// Kill a fraction of the states, deepest first.
	victims := len(e.states) / 8
	if victims == 0 {
		victims = 1
	}
	states := make([]*ExecutionState, 0, len(e.states))
	for state := range e.states {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool {
		if states[i].depth != states[j].depth {
			return states[i].depth > states[j].depth
		}
		return states[i].id > states[j].id
	})
	for i := 0; i < victims && i < len(states); i++ {
		e.terminateStateEarly(states[i], "memory limit exceeded")
	}
	e.Logger.Warn().Int("usedMB", usedMB).Int("killed", victims).Msg("memory cap")
}

// dumpRemainingStates terminates every remaining state, producing a test
// case for each.
func (e *Executor) dumpRemainingStates() {
	states := make([]*ExecutionState, 0, len(e.states))
	for state := range e.states {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].id < states[j].id })
	for _, state := range states {
		e.terminateStateEarly(state, "execution halting")
	}
	e.updateStates(nil)
}

// writeReports renders the output files into the output directory.
func (e *Executor) writeReports() error {
	if err := e.instrLog.Close(); err != nil {
		return err
	}
	if e.Output == nil {
		return nil
	}

	if err := e.coverage.WriteReports(e.Output); err != nil {
		return err
	}

	// Readable dump of the interpreted program.
	f, err := e.Output.Create("assembly.txt")
	if err != nil {
		return err
	}
	if e.fn.Pkg != nil {
		e.fn.Pkg.WriteTo(f)
	}
	e.fn.WriteTo(f)
	f.Close()

	if e.interpolationEnabled() {
		f, err := e.Output.Create("tree.dot")
		if err != nil {
			return err
		}
		fmt.Fprint(f, e.txtree.Dump())
		f.Close()
	}

	if e.spec.Enabled() {
		f, err := e.Output.Create("spec.txt")
		if err != nil {
			return err
		}
		e.spec.Stats.WriteReport(f)
		f.Close()

		f, err = e.Output.Create("VisitedBB.txt")
		if err != nil {
			return err
		}
		e.spec.WriteVisited(f)
		f.Close()
	}
	return nil
}

// --- Fork protocol ---

// fork splits a state on a boolean condition. This is the single canonical
// fork pipeline: seeding budgets, the solver query, replay checks,
// speculation decisions, and the lockstep tree splits all live here,
// parameterized by the configured (type, strategy) pair.
func (e *Executor) fork(state *ExecutionState, cond Expr, internal bool) (StatePair, bool) {
	seeds, isSeeding := e.seedMap[state]

	// 1. During seeding, a call path that blew its static fork or solve
	// budget is cheaply shut down by concretizing the condition.
	if isSeeding && !IsConstantExpr(cond) && e.staticBudgetExceeded(state) {
		value, err := e.solver.GetValue(state, cond)
		if err != nil {
			return e.terminateForkEarly(state)
		}
		e.addConstraint(state, NewBinaryExpr(EQ, value, cond))
		cond = value
	}

	// 2. Validity query, accounted against the current instruction for
	// the static solve budget.
	res, unsatCore, err := e.solver.Evaluate(state, cond)
	if instr := state.Instr(); instr != nil {
		e.queriesAtInstr[instr]++
	}
	if err != nil {
		return e.terminateForkEarly(state)
	}

	if !isSeeding {
		if e.replayPath != nil && !internal {
			// Replay: the solver must agree with the recorded direction.
			assert(e.replayPosition < len(e.replayPath), "ran out of branches in replay path mode")
			branch := e.replayPath[e.replayPosition]
			e.replayPosition++

			switch res {
			case ValidityTrue:
				assert(branch, "hit invalid branch in replay path mode")
			case ValidityFalse:
				assert(!branch, "hit invalid branch in replay path mode")
			default:
				if branch {
					res = ValidityTrue
					e.addConstraint(state, cond)
				} else {
					res = ValidityFalse
					e.addConstraint(state, NewIsZeroExpr(cond))
				}
			}
		} else if res == ValidityUnknown && e.forkingInhibited(state) {
			// 5 (inhibited): pick one side at random.
			if e.rng.Intn(2) == 0 {
				e.addConstraint(state, cond)
				res = ValidityTrue
			} else {
				e.addConstraint(state, NewIsZeroExpr(cond))
				res = ValidityFalse
			}
		}
	}

	// Fix the branch in only-replay-seed mode if the seeds all agree.
	if isSeeding && (state.forkDisabled || e.cfg.OnlyReplaySeeds) && res == ValidityUnknown {
		trueSeed, falseSeed := false, false
		for _, seed := range seeds {
			v, err := seed.Evaluate(cond)
			if err != nil {
				continue
			}
			if v.IsTrue() {
				trueSeed = true
			} else {
				falseSeed = true
			}
			if trueSeed && falseSeed {
				break
			}
		}
		if !(trueSeed && falseSeed) {
			assert(trueSeed || falseSeed, "seeded fork with no seed direction")
			if trueSeed {
				res = ValidityTrue
				e.addConstraint(state, cond)
			} else {
				res = ValidityFalse
				e.addConstraint(state, NewIsZeroExpr(cond))
			}
		}
	}

	switch res {
	case ValidityTrue:
		return e.forkConclusive(state, cond, unsatCore, true, internal)
	case ValidityFalse:
		return e.forkConclusive(state, cond, unsatCore, false, internal)
	default:
		return e.forkSplit(state, cond, seeds, isSeeding, internal)
	}
}

func (e *Executor) terminateForkEarly(state *ExecutionState) (StatePair, bool) {
	state.Frame().RollbackInstr()
	e.terminateStateEarly(state, "query timed out (fork)")
	return StatePair{}, false
}

// forkConclusive handles a proven branch direction: record it, let the
// speculation controller optionally open a node for the impossible side,
// and otherwise feed the unsat core to the interpolant.
func (e *Executor) forkConclusive(state *ExecutionState, cond Expr, unsatCore []Expr, takeTrue, internal bool) (StatePair, bool) {
	if pair, handled := e.maybeSpeculate(state, cond, unsatCore, takeTrue, internal); handled {
		return pair, true
	}

	// The validity proof of antecedent -> consequent yields the unsat core
	// of antecedent && !consequent; it summarizes why the other branch was
	// infeasible. A constant-folded condition carries no core and nothing
	// to mark.
	if e.interpolationEnabled() && len(unsatCore) > 0 {
		e.txtree.MarkPathCondition(state, unsatCore)
	}

	if takeTrue {
		return StatePair{True: state}, true
	}
	return StatePair{False: state}, true
}

// maybeSpeculate applies the (type, strategy) decision matrix to a
// conclusive fork. Returns handled=false when normal interpolation
// handling should proceed.
func (e *Executor) maybeSpeculate(state *ExecutionState, cond Expr, unsatCore []Expr, takeTrue, internal bool) (StatePair, bool) {
	if !e.interpolationEnabled() || !e.spec.Enabled() || !IsStateSpeculable(state) {
		return StatePair{}, false
	}
	// A constant condition proves the other side impossible without the
	// solver; speculating over it would be a no-op that still costs time.
	if IsConstantExpr(cond) {
		return StatePair{}, false
	}
	binst, condValue := branchInstruction(state)
	if binst == nil {
		return StatePair{}, false
	}

	single := StatePair{True: state}
	if !takeTrue {
		single = StatePair{False: state}
	}

	open := func() (StatePair, bool) {
		e.txtree.StoreSpeculationUnsatCore(state, unsatCore, binst)
		return e.addSpeculationNode(state, cond, binst, takeTrue, internal), true
	}
	closeSpec := func() (StatePair, bool) {
		if len(unsatCore) > 0 {
			e.txtree.MarkPathCondition(state, unsatCore)
		}
		return single, true
	}

	if e.spec.Type == SpecSafety {
		switch e.spec.Strategy {
		case SpecAggressive:
			return open()
		case SpecCustom:
			if e.spec.ShouldRecheck(binst) {
				e.spec.Stats.DynamicYes++
				return open()
			}
			e.spec.Stats.DynamicNo++
			return closeSpec()
		}
		return StatePair{}, false
	}

	// Coverage: test independence from the avoid set first.
	vars := ExtractVarNames(condValue)
	if e.spec.IsIndependent(vars) {
		e.spec.Stats.IndependenceYes++
		return single, true // skip the impossible side without marking
	}
	e.spec.Stats.IndependenceNo++

	switch e.spec.Strategy {
	case SpecTimid:
		return closeSpec()
	case SpecAggressive:
		return open()
	case SpecCustom:
		if e.spec.ShouldRecheck(binst) {
			e.spec.Stats.DynamicYes++
			return open()
		}
		e.spec.Stats.DynamicNo++
		return closeSpec()
	}
	return StatePair{}, false
}

// addSpeculationNode opens a speculation subtree for the impossible side
// of a conclusive fork. The kept side continues as a fresh state; the
// current state becomes the speculative one, carrying no constraint for
// the branch so its exploration over-approximates the skipped path. The
// search order explores the kept side first.
func (e *Executor) addSpeculationNode(state *ExecutionState, cond Expr, binst ssa.Instruction, keptTrue, internal bool) StatePair {
	e.stats.Forks++
	e.forksAtInstr[binst]++

	kept := state.Branch()
	kept.id = e.nextStateID()
	e.added = append(e.added, kept)

	specState := state
	e.ptree.Split(state.ptreeNode, specState, kept)
	e.txtree.Split(state.txNode, specState, kept)
	e.txtree.OpenSpeculation(specState, binst)

	if !IsConstantTrue(cond) && !IsConstantFalse(cond) {
		if keptTrue {
			e.addConstraint(kept, cond)
		} else {
			e.addConstraint(kept, NewIsZeroExpr(cond))
		}
	}

	e.Logger.Debug().Int("kept", kept.id).Int("spec", specState.id).Msg("speculation opened")

	if keptTrue {
		return StatePair{True: kept, False: specState}
	}
	return StatePair{True: specState, False: kept}
}

// forkSplit performs the real two-way split for an unknown condition.
func (e *Executor) forkSplit(state *ExecutionState, cond Expr, seeds []*SeedInfo, isSeeding, internal bool) (StatePair, bool) {
	// TIMID coverage speculation skips forking altogether when the branch
	// cannot influence the avoided variables: only the fall-through side
	// is explored.
	if e.interpolationEnabled() && e.spec.Type == SpecCoverage &&
		e.spec.Strategy == SpecTimid && IsStateSpeculable(state) && !isSeeding {
		if binst, condValue := branchInstruction(state); binst != nil {
			if e.spec.IsIndependent(ExtractVarNames(condValue)) {
				e.spec.Stats.IndependenceYes++
				e.addConstraint(state, NewIsZeroExpr(cond))
				return StatePair{False: state}, true
			}
			e.spec.Stats.IndependenceNo++
		}
	}

	e.stats.Forks++
	if instr := state.Instr(); instr != nil {
		e.forksAtInstr[instr]++
	}

	trueState, falseState := state, state.Branch()
	falseState.id = e.nextStateID()
	e.added = append(e.added, falseState)

	if e.cfg.RandomizeFork && e.rng.Intn(2) == 0 {
		trueState, falseState = falseState, trueState
	}

	// Re-route seeds to whichever side each one satisfies.
	if isSeeding {
		var trueSeeds, falseSeeds []*SeedInfo
		for _, seed := range seeds {
			v, err := seed.Evaluate(cond)
			if err == nil && v.IsTrue() {
				trueSeeds = append(trueSeeds, seed)
			} else {
				falseSeeds = append(falseSeeds, seed.Clone())
			}
		}
		delete(e.seedMap, state)
		if len(trueSeeds) > 0 {
			e.seedMap[trueState] = trueSeeds
		}
		if len(falseSeeds) > 0 {
			e.seedMap[falseState] = falseSeeds
		}
	}

	// Split the two trees in lockstep.
	e.ptree.Split(state.ptreeNode, falseState, trueState)
	if e.interpolationEnabled() {
		e.txtree.Split(state.txNode, falseState, trueState)
	}

	e.addConstraint(trueState, cond)
	e.addConstraint(falseState, NewIsZeroExpr(cond))

	// Kill successors lacking a seed in only-replay-seeds mode.
	pair := StatePair{True: trueState, False: falseState}
	if isSeeding && e.cfg.OnlyReplaySeeds {
		if _, ok := e.seedMap[trueState]; !ok {
			e.terminateState(trueState, ExecutionStatusEarly, "no seed")
			pair.True = nil
		}
		if _, ok := e.seedMap[falseState]; !ok {
			e.terminateState(falseState, ExecutionStatusEarly, "no seed")
			pair.False = nil
		}
	}

	if e.cfg.MaxDepth > 0 && trueState.depth >= e.cfg.MaxDepth {
		if pair.True != nil {
			e.terminateStateEarly(pair.True, "max-depth exceeded")
		}
		if pair.False != nil {
			e.terminateStateEarly(pair.False, "max-depth exceeded")
		}
		return StatePair{}, true
	}

	e.Logger.Debug().
		Int("true", trueState.id).Int("false", falseState.id).
		Msg("fork")

	return pair, true
}

// branchN generalizes fork to n mutually-exclusive conditions, used for
// symbolic address resolution. The disjunction of conds is implied by the
// path condition by construction. Result slots are nil for conditions
// whose successor was killed.
func (e *Executor) branchN(state *ExecutionState, conds []Expr, internal bool) []*ExecutionState {
	n := len(conds)
	assert(n > 0, "branchN: no conditions")

	result := make([]*ExecutionState, n)
	if e.cfg.MaxForks > 0 && e.stats.Forks >= e.cfg.MaxForks {
		// At the fork cap one side is sampled uniformly.
		result[e.rng.Intn(n)] = state
	} else {
		e.stats.Forks += n - 1
		result[0] = state
		for i := 1; i < n; i++ {
			src := result[e.rng.Intn(i)]
			ns := src.Branch()
			ns.id = e.nextStateID()
			e.added = append(e.added, ns)
			result[i] = ns

			e.ptree.Split(src.ptreeNode, ns, src)
			if e.interpolationEnabled() {
				e.txtree.Split(src.txNode, ns, src)
			}
		}
	}

	// Redistribute seeds to the condition each satisfies.
	if seeds, ok := e.seedMap[state]; ok {
		delete(e.seedMap, state)
		for _, seed := range seeds {
			i := 0
			for ; i < n; i++ {
				if v, err := seed.Evaluate(conds[i]); err == nil && v.IsTrue() {
					break
				}
			}
			if i == n {
				i = e.rng.Intn(n) // patched later
			}
			if result[i] != nil {
				e.seedMap[result[i]] = append(e.seedMap[result[i]], seed)
			}
		}

		if e.cfg.OnlyReplaySeeds {
			for i := 0; i < n; i++ {
				if result[i] != nil {
					if _, ok := e.seedMap[result[i]]; !ok {
						e.terminateState(result[i], ExecutionStatusEarly, "no seed")
						result[i] = nil
					}
				}
			}
		}
	}

	for i := 0; i < n; i++ {
		if result[i] != nil {
			e.addConstraint(result[i], conds[i])
		}
	}
	return result
}

// forkingInhibited returns true if the engine must not split this state.
func (e *Executor) forkingInhibited(state *ExecutionState) bool {
	if e.cfg.MaxMemoryInhibit && e.atMemoryLimit {
		e.Logger.Warn().Msg("skipping fork (memory cap exceeded)")
		return true
	}
	if state.forkDisabled {
		return true
	}
	if e.inhibitForking {
		return true
	}
	if e.cfg.MaxForks > 0 && e.stats.Forks >= e.cfg.MaxForks {
		return true
	}
	return false
}

// staticBudgetExceeded tests the static fork and solve budgets at the
// current instruction against the configured fractions of the global
// totals. Forks are accounted per instruction; solver queries issued by
// the fork pipeline stand in for per-instruction solver time.
func (e *Executor) staticBudgetExceeded(state *ExecutionState) bool {
	if e.cfg.MaxStaticForkPct >= 1.0 && e.cfg.MaxStaticSolvePct >= 1.0 &&
		e.cfg.MaxStaticCPForkPct >= 1.0 && e.cfg.MaxStaticCPSolvePct >= 1.0 {
		return false
	}
	instr := state.Instr()
	if instr == nil {
		return false
	}

	if e.stats.Forks > 0 {
		frac := float64(e.forksAtInstr[instr]) / float64(e.stats.Forks)
		if frac > e.cfg.MaxStaticForkPct || frac > e.cfg.MaxStaticCPForkPct {
			return true
		}
	}
	if queries := e.solver.Stats.Queries; queries > 0 {
		frac := float64(e.queriesAtInstr[instr]) / float64(queries)
		if frac > e.cfg.MaxStaticSolvePct || frac > e.cfg.MaxStaticCPSolvePct {
			return true
		}
	}
	return false
}

// branchInstruction returns the conditional branch instruction of the
// state's current position plus its condition value.
func branchInstruction(state *ExecutionState) (ssa.Instruction, ssa.Value) {
	if instr, ok := state.Instr().(*ssa.If); ok {
		return instr, instr.Cond
	}
	return nil, nil
}

// addConstraint adds a proven-feasible condition to the state, patching
// seeds it contradicts and mirroring the entry into the interpolation
// tree so unsat cores can be marked against it.
func (e *Executor) addConstraint(state *ExecutionState, cond Expr) {
	if cond, ok := cond.(*ConstantExpr); ok {
		assert(cond.IsTrue(), "attempt to add invalid constraint")
		return
	}

	// Patch seeds that the new constraint falsifies.
	if seeds, ok := e.seedMap[state]; ok {
		patched := false
		for _, seed := range seeds {
			if v, err := seed.Evaluate(cond); err == nil && v.IsFalse() {
				if err := seed.Patch(e.solver, state); err == nil {
					patched = true
				}
			}
		}
		if patched {
			e.Logger.Warn().Int("state", state.id).Msg("seeds patched for violating constraint")
		}
	}

	if err := state.Constraints.Add(cond); err != nil {
		panic(fmt.Sprintf("tracerx: %s", err))
	}
	if e.interpolationEnabled() {
		e.txtree.AddConstraint(state, cond)
	}
}

// --- Speculation back-jump ---

// speculativeBackJump repairs the engine after a failed speculation: the
// whole speculation subtree is deleted, its learned unsat-core marked on
// the parent for future subsumption, and the branch stamped so CUSTOM
// re-speculates only after coverage changes.
func (e *Executor) speculativeBackJump(state *ExecutionState) {
	subTreeTime := e.txtree.SpecTime(state)

	root, parent := e.txtree.SpeculationRoot(state)
	binst := e.txtree.MarkSpeculationParent(parent)
	e.spec.Stamp(binst)

	failed := e.txtree.FailSpeculationSubtree(root)

	// Collect every state under the failed subtree.
	var removed []*ExecutionState
	for other := range e.states {
		if e.txtree.IsSpeculationFailedNode(other) {
			other.specFailed = true
			other.status = ExecutionStatusSpecFailed
			removed = append(removed, other)
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].id < removed[j].id })

	// One atomic report to the searcher; failures produce no test cases.
	if e.Searcher != nil {
		e.Searcher.Update(nil, nil, removed)
	}
	for _, other := range removed {
		delete(e.states, other)
		delete(e.seedMap, other)
		e.ptree.Remove(other.ptreeNode)
	}
	for _, id := range failed {
		e.txtree.RemoveFailedNode(id)
	}

	e.spec.Stats.TotalSpecFailTime += subTreeTime + time.Since(e.specClock)
	e.Logger.Debug().Int("states", len(removed)).Msg("speculation back-jump")
}

// --- Termination ---

func (e *Executor) terminateState(state *ExecutionState, status ExecutionStatus, reason string) {
	for _, queued := range e.removed {
		if queued == state {
			return
		}
	}
	state.status = status
	state.reason = reason
	e.stats.Terminated++

	// A state created this instruction is taken off the added list, so the
	// searcher never hears of it as added, and entered into the state set
	// so that it is removed like every other terminated state.
	for i, added := range e.added {
		if added == state {
			e.added = append(e.added[:i], e.added[i+1:]...)
			e.states[state] = struct{}{}
			break
		}
	}
	e.removed = append(e.removed, state)
}

// terminateStateOnExit finishes a state that ran to completion.
func (e *Executor) terminateStateOnExit(state *ExecutionState) {
	e.stats.ExitTerminations++
	e.processTestCase(state, "", "")
	e.terminateState(state, ExecutionStatusFinished, "")
}

// terminateStateEarly kills a state the engine cannot usefully continue:
// solver timeouts, depth and memory caps, halts. The subtree is poisoned
// so no interpolant is generalized from it.
func (e *Executor) terminateStateEarly(state *ExecutionState, message string) {
	e.stats.EarlyTerminations++
	if e.interpolationEnabled() {
		e.txtree.SetGenericEarlyTermination(state)
	}
	e.processTestCase(state, message, "early")
	e.terminateState(state, ExecutionStatusEarly, message)
}

// terminateStateOnSubsumption prunes a state proven redundant by a stored
// interpolant.
func (e *Executor) terminateStateOnSubsumption(state *ExecutionState) {
	e.stats.Subsumptions++
	if e.cfg.SubsumedTest {
		e.processTestCase(state, "", "early")
	}
	e.terminateState(state, ExecutionStatusSubsumed, "subsumed")
	e.Logger.Debug().Int("state", state.id).Msg("subsumed")
}

// terminateStateOnError reports a guest error. Inside a speculation
// subtree the error instead proves the speculation unsafe and triggers
// the back-jump. Duplicate (instruction, message) pairs are silenced
// unless emit-all-errors is on.
func (e *Executor) terminateStateOnError(state *ExecutionState, message string, reason TerminateReason) {
	if e.interpolationEnabled() && e.spec.Enabled() && e.spec.Strategy != SpecTimid &&
		e.txtree.IsSpeculationNode(state) {
		e.spec.Stats.SpecFail++
		e.speculativeBackJump(state)
		e.Logger.Info().Str("err", message).Msg("speculation failed")
		return
	}

	e.stats.ErrorTerminations++
	if e.interpolationEnabled() {
		// Error paths carry no narrowing core; the whole path condition
		// is the reason.
		e.txtree.MarkFullPathCondition(state)
	}

	key := emittedErrorKey{instr: state.Instr(), message: message}
	if _, emitted := e.emittedErrors[key]; !emitted || e.cfg.EmitAllErrors {
		e.emittedErrors[key] = struct{}{}
		e.Logger.Error().Int("state", state.id).Str("reason", reason.String()).Msg(message)
		e.processTestCase(state, message, reason.String())
	} else {
		e.Logger.Info().Msg("now ignoring this error at this location")
	}
	e.terminateState(state, ExecutionStatusErrored, message)
}

func (e *Executor) processTestCase(state *ExecutionState, message, suffix string) {
	if e.Sink == nil {
		return
	}
	if err := e.Sink.ProcessTestCase(state, message, suffix); err != nil {
		e.Logger.Error().Err(err).Msg("test case sink failed")
	}
}

// --- Memory operations ---

// executeMemoryOperation routes a load or store through address
// resolution, forking one successor per feasible object for symbolic
// addresses and terminating out-of-bounds accesses with Ptr.
func (e *Executor) executeMemoryOperation(state *ExecutionState, instr ssa.Instruction, addr Expr, isWrite bool, value Expr, width uint, bindTo ssa.Value) {
	nbytes := uint64(minBytes(width))

	if caddr, ok := addr.(*ConstantExpr); ok {
		os := state.AddressSpace.FindContaining(caddr.Value)
		if os == nil || IsConstantFalse(os.Object.BoundsCheck(caddr, nbytes)) {
			e.memoryBoundViolation(state, instr, addr, os)
			return
		}
		e.finishMemoryOperation(state, instr, os, caddr, isWrite, value, width, bindTo)
		return
	}

	// Symbolic address: try a unique resolution first.
	os, ok, err := state.AddressSpace.ResolveOne(e.solver, state, addr)
	if err != nil {
		state.Frame().RollbackInstr()
		e.terminateStateEarly(state, "query timed out (resolve)")
		return
	}
	if ok {
		// Unique object; assert the access is in bounds, forking off the
		// out-of-bounds side if it is feasible.
		bounds := os.Object.BoundsCheck(addr, nbytes)
		inBounds, err := e.solver.MustBeTrue(state, bounds)
		if err != nil {
			state.Frame().RollbackInstr()
			e.terminateStateEarly(state, "query timed out (bounds)")
			return
		}
		if inBounds {
			e.finishMemoryOperation(state, instr, os, addr, isWrite, value, width, bindTo)
			return
		}
		pair, alive := e.fork(state, bounds, true)
		if !alive {
			return
		}
		if pair.True != nil {
			e.finishMemoryOperation(pair.True, instr, os, addr, isWrite, value, width, bindTo)
		}
		if pair.False != nil {
			e.memoryBoundViolation(pair.False, instr, addr, os)
		}
		return
	}

	// Multiple candidates: one successor per object whose bounds are
	// feasible, plus a residual successor that errors.
	candidates, err := state.AddressSpace.Resolve(e.solver, state, addr, maxSymbolicResolutions)
	if err != nil {
		state.Frame().RollbackInstr()
		e.terminateStateEarly(state, "query timed out (resolve)")
		return
	}
	if len(candidates) == 0 {
		e.memoryBoundViolation(state, instr, addr, nil)
		return
	}

	conds := make([]Expr, 0, len(candidates)+1)
	residual := Expr(NewBoolConstantExpr(true))
	for _, c := range candidates {
		in := c.Object.InBounds(addr)
		conds = append(conds, in)
		residual = NewBinaryExpr(AND, residual, NewIsZeroExpr(in))
	}
	conds = append(conds, residual)

	result := e.branchN(state, conds, true)
	for i, c := range candidates {
		if result[i] != nil {
			e.finishMemoryOperation(result[i], instr, c, addr, isWrite, value, width, bindTo)
		}
	}
	if last := result[len(result)-1]; last != nil {
		e.memoryBoundViolation(last, instr, addr, nil)
	}
}

const maxSymbolicResolutions = 8

func (e *Executor) finishMemoryOperation(state *ExecutionState, instr ssa.Instruction, os *ObjectState, addr Expr, isWrite bool, value Expr, width uint, bindTo ssa.Value) {
	offset := os.Object.OffsetExpr(addr)
	if isWrite {
		if os.IsReadOnly() {
			e.terminateStateOnError(state, "memory error: object read only", TerminateReadOnly)
			return
		}
		w := state.AddressSpace.GetWriteable(os)
		w.Write(offset, value, e.IsLittleEndian())
		return
	}
	result := os.Read(offset, width, e.IsLittleEndian())
	if bindTo != nil {
		state.Frame().bind(bindTo, result)
	}
}

// memoryBoundViolation terminates an out-of-bounds access with Ptr and
// feeds the violating address predicate to the interpolation tree.
func (e *Executor) memoryBoundViolation(state *ExecutionState, instr ssa.Instruction, addr Expr, os *ObjectState) {
	if e.interpolationEnabled() {
		var violation Expr
		if os != nil {
			violation = NewIsZeroExpr(os.Object.InBounds(addr))
		} else if e.cfg.ExactAddressInterpolant {
			if caddr, ok := addr.(*ConstantExpr); ok {
				violation = NewBinaryExpr(EQ, caddr, addr)
			}
		}
		e.txtree.MemoryBoundViolationInterpolation(instr, violation)
	}
	e.terminateStateOnError(state, "memory error: out of bound pointer", TerminatePtr)
}

// --- Architecture ---

// Sizes returns the type size model for the configured architecture.
func (e *Executor) Sizes() types.Sizes {
	return types.SizesFor("gc", e.cfg.Arch)
}

// Sizeof returns the size of typ in bits.
func (e *Executor) Sizeof(typ types.Type) uint {
	return uint(e.Sizes().Sizeof(typ)) * 8
}

// PointerWidth returns the pointer width in bits.
func (e *Executor) PointerWidth() uint {
	return e.Sizeof(types.Typ[types.UnsafePointer])
}

// IsLittleEndian returns true if the target architecture is little endian.
func (e *Executor) IsLittleEndian() bool {
	switch e.cfg.Arch {
	case "ppc64", "mips", "mips64":
		return false
	default:
		return true
	}
}

// boxFloat boxes a host float as a constant expression of the given width.
func (e *Executor) boxFloat(f float64, width uint) *ConstantExpr {
	if width == Width32 {
		return NewConstantExpr(uint64(math.Float32bits(float32(f))), Width32)
	}
	return NewConstantExpr(math.Float64bits(f), Width64)
}

func (e *Executor) unboxFloat(c *ConstantExpr) float64 {
	if c.Width == Width32 {
		return float64(math.Float32frombits(uint32(c.Value)))
	}
	return math.Float64frombits(c.Value)
}

// functionID returns the deterministic id for a function value.
func (e *Executor) functionID(fn *ssa.Function) uint64 {
	id, ok := e.funcIDs[fn]
	assert(ok, "unregistered function: %s", fn)
	return id
}

// toConstant concretizes an expression by querying the solver for a model
// value and pinning it with an equality constraint.
func (e *Executor) toConstant(state *ExecutionState, expr Expr, reason string) (*ConstantExpr, error) {
	if expr, ok := expr.(*ConstantExpr); ok {
		return expr, nil
	}
	value, err := e.solver.GetValue(state, expr)
	if err != nil {
		return nil, err
	}
	e.Logger.Warn().Str("reason", reason).Msg("silently concretizing expression")
	e.addConstraint(state, NewBinaryExpr(EQ, value, expr))
	return value, nil
}

// deref returns the underlying data type if typ is a pointer. Otherwise returns typ.
func deref(typ types.Type) types.Type {
	if p, ok := typ.Underlying().(*types.Pointer); ok {
		return p.Elem()
	}
	return typ
}

// isExprType returns true if typ is stored as an Expr.
// Only applies to boolean, integer, float, and pointer values.
func isExprType(typ types.Type) bool {
	switch typ := typ.Underlying().(type) {
	case *types.Basic:
		info := typ.Info()
		return info&types.IsBoolean != 0 || info&types.IsInteger != 0 || info&types.IsFloat != 0
	case *types.Pointer:
		return true
	}
	return false
}

// basicBlockIndex returns the index of v within a. Returns -1 if v is not in a.
func basicBlockIndex(a []*ssa.BasicBlock, v *ssa.BasicBlock) int {
	for i := range a {
		if a[i] == v {
			return i
		}
	}
	return -1
}

// programTypes returns a sorted list of all program types.
func programTypes(prog *ssa.Program) []types.Type {
	m := make(map[types.Type]struct{})
	for _, pkg := range prog.AllPackages() {
		for _, member := range pkg.Members {
			m[member.Type()] = struct{}{}
			if fn, ok := member.(*ssa.Function); ok {
				addFunctionTypes(fn, m)
			}
		}
	}

	a := make([]types.Type, 0, len(m))
	for typ := range m {
		a = append(a, typ)
	}
	sort.Slice(a, func(i, j int) bool { return a[i].String() < a[j].String() })

	return a
}

// addFunctionTypes adds all types referred to in fn to the map.
// Recursively adds anonymous functions.
func addFunctionTypes(fn *ssa.Function, m map[types.Type]struct{}) {
	for _, param := range fn.Params {
		m[param.Type()] = struct{}{}
	}

	for _, blk := range fn.Blocks {
		for _, instr := range blk.Instrs {
			if value, ok := instr.(ssa.Value); ok {
				m[value.Type()] = struct{}{}
			}
		}
	}

	for _, anon := range fn.AnonFuncs {
		addFunctionTypes(anon, m)
	}
}

// programFunctions returns a sorted list of all program functions.
func programFunctions(prog *ssa.Program) []*ssa.Function {
	var a []*ssa.Function
	for _, pkg := range prog.AllPackages() {
		for _, member := range pkg.Members {
			if fn, ok := member.(*ssa.Function); ok {
				a = append(a, fn)
				a = append(a, fn.AnonFuncs...)
			}
		}
	}
	sort.Slice(a, func(i, j int) bool { return a[i].String() < a[j].String() })
	return a
}

