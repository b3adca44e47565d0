package tracerx

import (
	"bytes"
	"fmt"
	"go/constant"
	"go/token"
	"sort"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"golang.org/x/tools/go/ssa"
)

// ExecutionState represents one path under exploration.
//
// A state is created at program start and on each fork, mutated only by the
// interpreter while it is the current state, and destroyed on termination.
// Each live state is the payload of exactly one search-tree leaf and one
// interpolation-tree leaf.
type ExecutionState struct {
	id int

	// Executor this is executed within.
	executor *Executor

	// Call stack.
	stack []*StackFrame

	// Whether the state is running, finished, or terminated with an error.
	status ExecutionStatus
	reason string

	// Memory.
	AddressSpace *AddressSpace

	// Path condition collected so far during execution.
	Constraints *ConstraintSet

	// Symbolic bindings in creation order, used to solve for test cases.
	symbolics []SymbolicBinding

	// Fork depth and coverage bookkeeping.
	depth      int
	weight     float64
	coveredNew bool

	// Tree handles. Zero is the null node.
	ptreeNode int
	txNode    int

	// Fork inhibition & speculation bookkeeping.
	forkDisabled bool
	specFailed   bool
}

// SymbolicBinding pairs a memory object with the array that shadows it.
type SymbolicBinding struct {
	Object *MemoryObject
	Array  *Array
}

// NewExecutionState returns the initial state positioned at the entry of fn.
func NewExecutionState(executor *Executor, fn *ssa.Function) *ExecutionState {
	s := &ExecutionState{
		executor:     executor,
		status:       ExecutionStatusRunning,
		AddressSpace: NewAddressSpace(),
		Constraints:  NewConstraintSet(),
		weight:       1.0,
	}
	s.Push(fn)
	return s
}

// ID returns an autoincrementing ID assigned by the executor.
func (s *ExecutionState) ID() int { return s.id }

// Executor returns the parent executor of this state.
func (s *ExecutionState) Executor() *Executor { return s.executor }

// Depth returns the number of forks above this state.
func (s *ExecutionState) Depth() int { return s.depth }

// Symbolics returns the symbolic bindings in creation order.
func (s *ExecutionState) Symbolics() []SymbolicBinding { return s.symbolics }

// Branch returns a copy of the state for the losing side of a fork. The
// stack and constraints are deep-copied; memory is shared copy-on-write.
func (s *ExecutionState) Branch() *ExecutionState {
	stack := make([]*StackFrame, len(s.stack))
	for i := range s.stack {
		stack[i] = s.stack[i].Clone()
	}

	symbolics := make([]SymbolicBinding, len(s.symbolics))
	copy(symbolics, s.symbolics)

	s.depth++
	return &ExecutionState{
		executor:     s.executor,
		stack:        stack,
		status:       s.status,
		AddressSpace: s.AddressSpace.Clone(),
		Constraints:  s.Constraints.Clone(),
		symbolics:    symbolics,
		depth:        s.depth,
		weight:       s.weight,
		coveredNew:   s.coveredNew,
		ptreeNode:    s.ptreeNode,
		txNode:       s.txNode,
		forkDisabled: s.forkDisabled,
	}
}

// Status returns the current status of the state.
// See Reason() for additional information if status is in an error state.
func (s *ExecutionState) Status() ExecutionStatus { return s.status }

// Reason returns additional information about the status of the state.
func (s *ExecutionState) Reason() string { return s.reason }

// Terminated returns true if the state completed execution of a path.
func (s *ExecutionState) Terminated() bool {
	return s.status != ExecutionStatusRunning
}

// Position returns the position of the current instruction in the current file set.
func (s *ExecutionState) Position() token.Position {
	instr := s.Instr()
	if instr == nil {
		return token.Position{}
	}
	switch instr := instr.(type) {
	case *ssa.If:
		return s.executor.prog.Fset.Position(instr.Cond.Pos())
	default:
		return s.executor.prog.Fset.Position(instr.Pos())
	}
}

// Frame returns the current stack frame.
func (s *ExecutionState) Frame() *StackFrame {
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

// CallerFrame returns the parent of the current stack frame.
func (s *ExecutionState) CallerFrame() *StackFrame {
	if len(s.stack) <= 1 {
		return nil
	}
	return s.stack[len(s.stack)-2]
}

// StackDepth returns the number of frames on the stack.
func (s *ExecutionState) StackDepth() int { return len(s.stack) }

// Instr returns the current SSA instruction.
func (s *ExecutionState) Instr() ssa.Instruction {
	if frame := s.Frame(); frame != nil {
		return frame.Instr()
	}
	return nil
}

// Block returns the basic block of the current frame.
func (s *ExecutionState) Block() *ssa.BasicBlock {
	if frame := s.Frame(); frame != nil {
		return frame.block
	}
	return nil
}

// AtBlockEntry returns true if the next instruction starts a basic block.
func (s *ExecutionState) AtBlockEntry() bool {
	frame := s.Frame()
	return frame != nil && frame.pc == 0
}

// seedCount returns the number of seeds attached to the state, used to
// scale solver timeouts during the seeding phase.
func (s *ExecutionState) seedCount() int {
	if s.executor == nil {
		return 0
	}
	return len(s.executor.seedMap[s])
}

// Eval returns the expression or aggregate bound to a given SSA value.
func (s *ExecutionState) Eval(value ssa.Value) Binding {
	switch value := value.(type) {
	case *ssa.Const:
		if value.Value == nil {
			size := s.executor.Sizeof(deref(value.Type())) / 8
			array := NewArray("", size)
			array.zero()
			return array
		}

		switch value.Value.Kind() {
		case constant.Bool:
			return NewBoolConstantExpr(constant.BoolVal(value.Value))
		case constant.Int:
			v64, isExact := constant.Uint64Val(value.Value)
			assert(isExact, "inexact constant int")
			return NewConstantExpr(v64, s.executor.Sizeof(value.Type().Underlying()))
		case constant.String:
			str := constant.StringVal(value.Value)
			array := NewArray("", uint(len(str)))
			for i := 0; i < len(str); i++ {
				array.storeByte(NewConstantExpr64(uint64(i)), NewConstantExpr(uint64(str[i]), 8))
			}
			return array
		case constant.Float:
			f, _ := constant.Float64Val(value.Value)
			return s.executor.boxFloat(f, s.executor.Sizeof(value.Type().Underlying()))
		default:
			panic(fmt.Sprintf("unexpected const: %T", value.Value))
		}
	case *ssa.Function:
		return NewConstantExpr(s.executor.functionID(value), s.executor.PointerWidth())
	case *ssa.Global:
		return s.executor.globals[value]
	default:
		if f := s.Frame(); f != nil {
			return f.bindings[value]
		}
		return nil
	}
}

// MustEvalAsExpr is the same as Eval() except that it returns an Expr type.
// Panic if binding is an Array or Tuple.
func (s *ExecutionState) MustEvalAsExpr(value ssa.Value) Expr {
	binding := s.Eval(value)
	if binding == nil {
		return nil
	} else if expr, ok := binding.(Expr); ok {
		return expr
	}
	panic(fmt.Sprintf("tracerx: binding must be an Expr: %T", binding))
}

// EvalAsConstantExpr is the same as Eval() except that it returns a ConstantExpr.
func (s *ExecutionState) EvalAsConstantExpr(value ssa.Value) (*ConstantExpr, bool) {
	if binding := s.Eval(value); binding == nil {
		return nil, true
	} else if expr, ok := binding.(*ConstantExpr); ok {
		return expr, true
	}
	return nil, false
}

// Push adds a frame to the top of the stack and allocates its locals.
func (s *ExecutionState) Push(fn *ssa.Function) {
	f := NewStackFrame(s.Frame(), fn)

	f.locals = make([]*MemoryObject, len(fn.Locals))
	for i, instr := range fn.Locals {
		size := uint64(s.executor.Sizeof(deref(instr.Type())) / 8)
		mo, _ := s.Alloc(size, localName(instr), true, false, instr)
		f.locals[i] = mo
		f.bind(instr, mo.BaseExpr())
	}

	s.stack = append(s.stack, f)
}

// Pop removes the current frame from the stack and unbinds its locals.
func (s *ExecutionState) Pop() {
	f := s.Frame()
	for _, mo := range f.locals {
		s.AddressSpace.Unbind(mo)
	}
	if f.varargs != nil {
		s.AddressSpace.Unbind(f.varargs)
	}
	s.stack[len(s.stack)-1] = nil
	s.stack = s.stack[:len(s.stack)-1]

	// Mark as finished if no more frames exist.
	if len(s.stack) == 0 {
		s.status = ExecutionStatusFinished
	}
}

// Alloc allocates a fresh zero-initialized object on the heap.
func (s *ExecutionState) Alloc(size uint64, name string, local, global bool, site ssa.Value) (*MemoryObject, *ObjectState) {
	mo := s.executor.allocator.Allocate(size, name, local, global, site)
	os := NewObjectState(mo)
	s.AddressSpace.Bind(os)
	return mo, os
}

// MakeSymbolic replaces the content of mo with a fresh named symbolic array
// and records the binding for test-case generation.
func (s *ExecutionState) MakeSymbolic(mo *MemoryObject, name string) *Array {
	array := s.executor.arrays.CreateArray(name, uint(mo.Size))
	s.AddressSpace.Bind(NewSymbolicObjectState(mo, array))
	s.symbolics = append(s.symbolics, SymbolicBinding{Object: mo, Array: array})
	return array
}

// Load reads width bits from a concrete address.
func (s *ExecutionState) Load(addr *ConstantExpr, width uint) (Expr, bool) {
	os := s.AddressSpace.FindContaining(addr.Value)
	if os == nil {
		return nil, false
	}
	offset := os.Object.OffsetExpr(addr)
	return os.Read(offset, width, s.executor.IsLittleEndian()), true
}

// Store writes value at a concrete address. Returns TerminateReadOnly
// semantics to the caller via ok=false with readOnly=true.
func (s *ExecutionState) Store(addr *ConstantExpr, value Expr) (ok, readOnly bool) {
	os := s.AddressSpace.FindContaining(addr.Value)
	if os == nil {
		return false, false
	} else if os.IsReadOnly() {
		return false, true
	}
	w := s.AddressSpace.GetWriteable(os)
	w.Write(w.Object.OffsetExpr(addr), value, s.executor.IsLittleEndian())
	return true, false
}

// CopyArray copies the bytes of value to the object containing addr.
func (s *ExecutionState) CopyArray(addr *ConstantExpr, value *Array) (ok, readOnly bool) {
	os := s.AddressSpace.FindContaining(addr.Value)
	if os == nil {
		return false, false
	} else if os.IsReadOnly() {
		return false, true
	}
	w := s.AddressSpace.GetWriteable(os)
	offset := w.Object.OffsetExpr(addr)
	for i := uint64(0); i < uint64(value.Size); i++ {
		index := NewBinaryExpr(ADD, offset, NewConstantExpr64(i))
		w.Write(index, value.selectByte(NewConstantExpr64(i)), s.executor.IsLittleEndian())
	}
	return true, false
}

// Values computes initial values for all symbolic bindings of the state.
func (s *ExecutionState) Values() ([]*Array, [][]byte, error) {
	arrays := make([]*Array, len(s.symbolics))
	for i := range s.symbolics {
		arrays[i] = s.symbolics[i].Array
	}

	values, err := s.executor.solver.GetInitialValues(s, arrays)
	if err != nil {
		return nil, nil, err
	}
	return arrays, values, nil
}

// selectIntAt returns the i-th pointer-width expression read from an aggregate.
func (s *ExecutionState) selectIntAt(array *Array, i int) Expr {
	pointerWidth := s.executor.PointerWidth()
	return array.Select(NewConstantExpr32(uint64(i)*uint64(pointerWidth/8)), pointerWidth, s.executor.IsLittleEndian())
}

// storeIntAt returns a new aggregate with the i-th pointer-width element updated.
func (s *ExecutionState) storeIntAt(array *Array, i int, value Expr) *Array {
	pointerWidth := uint64(s.executor.PointerWidth())
	return array.Store(NewConstantExpr64(uint64(i)*(pointerWidth/8)), value, s.executor.IsLittleEndian())
}

// Dump returns the contents of the state and frames as a string.
func (s *ExecutionState) Dump() string {
	var buf bytes.Buffer

	fmt.Fprintln(&buf, "EXECUTION STATE")
	fmt.Fprintln(&buf, "===============")
	fmt.Fprintf(&buf, "id=%d\n", s.id)
	fmt.Fprintf(&buf, "status=%s\n", s.status)
	fmt.Fprintf(&buf, "reason=%s\n", s.reason)
	fmt.Fprintln(&buf, "")
	for i := len(s.stack) - 1; i >= 0; i-- {
		fmt.Fprintf(&buf, "== FRAME #%d\n", i)
		fmt.Fprintln(&buf, s.stack[i].Dump())
	}
	fmt.Fprintln(&buf, "")

	fmt.Fprintln(&buf, "== MEMORY")
	fmt.Fprintln(&buf, s.AddressSpace.Dump())
	fmt.Fprintln(&buf, "")

	fmt.Fprintln(&buf, "== CONSTRAINTS")
	for i, expr := range s.Constraints.Exprs() {
		fmt.Fprintf(&buf, "%d. %s\n", i, expr.String())
	}
	return buf.String()
}

// ExecutionStatus represents the current status of the execution state.
// The state will also include a reason if the status is not running.
type ExecutionStatus string

const (
	ExecutionStatusRunning    = ExecutionStatus("running")    // has future states
	ExecutionStatusFinished   = ExecutionStatus("finished")   // clean completion
	ExecutionStatusErrored    = ExecutionStatus("errored")    // terminated with a reason
	ExecutionStatusEarly      = ExecutionStatus("early")      // killed by the engine
	ExecutionStatusSubsumed   = ExecutionStatus("subsumed")   // pruned by interpolation
	ExecutionStatusSpecFailed = ExecutionStatus("specfailed") // rolled back speculation
)

// StackFrame represents the state of a call into a function.
type StackFrame struct {
	fn       *ssa.Function
	caller   *StackFrame
	locals   []*MemoryObject
	varargs  *MemoryObject
	bindings map[ssa.Value]Binding

	block *ssa.BasicBlock
	prev  *ssa.BasicBlock
	pc    int
}

// NewStackFrame returns a new instance of StackFrame for a given function.
func NewStackFrame(caller *StackFrame, fn *ssa.Function) *StackFrame {
	return &StackFrame{
		fn:       fn,
		caller:   caller,
		bindings: make(map[ssa.Value]Binding),
		block:    fn.Blocks[0],
		pc:       -1,
	}
}

// Fn returns the function executing in the frame.
func (f *StackFrame) Fn() *ssa.Function { return f.fn }

// Instr returns the current instruction.
func (f *StackFrame) Instr() ssa.Instruction {
	if f.block == nil || f.pc < 0 || f.pc >= len(f.block.Instrs) {
		return nil
	}
	return f.block.Instrs[f.pc]
}

// NextInstr moves the current execution to the next instruction.
func (f *StackFrame) NextInstr() {
	if f.block != nil && f.pc < len(f.block.Instrs) {
		f.pc++
	}
}

// RollbackInstr moves back to the previous instruction, used when a solver
// timeout terminates a state mid-instruction.
func (f *StackFrame) RollbackInstr() {
	if f.pc >= 0 {
		f.pc--
	}
}

// jump moves to dst from the current block.
func (f *StackFrame) jump(dst *ssa.BasicBlock) {
	f.prev, f.block, f.pc = f.block, dst, -1
}

// bind assigns the expression or aggregate to a given SSA value.
func (f *StackFrame) bind(value ssa.Value, b Binding) {
	f.bindings[value] = b
}

// Clone returns a copy of the stack frame.
func (f *StackFrame) Clone() *StackFrame {
	other := *f

	other.bindings = make(map[ssa.Value]Binding, len(f.bindings))
	for k := range f.bindings {
		other.bindings[k] = f.bindings[k]
	}

	other.locals = make([]*MemoryObject, len(f.locals))
	copy(other.locals, f.locals)

	return &other
}

// BoundValues returns all bound values, sorted by register name.
func (f *StackFrame) BoundValues() []ssa.Value {
	a := make([]ssa.Value, 0, len(f.bindings))
	for value := range f.bindings {
		a = append(a, value)
	}

	sort.Slice(a, func(i, j int) bool {
		x, _ := strconv.Atoi(strings.TrimPrefix(a[i].Name(), "t"))
		y, _ := strconv.Atoi(strings.TrimPrefix(a[j].Name(), "t"))
		return x < y
	})

	return a
}

// Dump returns the contents of the frame as a string.
func (f *StackFrame) Dump() string {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "fn=%s\n", f.fn.String())
	for _, value := range f.BoundValues() {
		binding := f.bindings[value]
		fmt.Fprintf(&buf, "%s (%s)\n%s\n\n", value.Name(), value.Type().String(), spew.Sdump(binding))
	}
	return buf.String()
}

// Binding represents an object that can be bound to an SSA value.
// This can be an Expr, a raw byte aggregate, or a Tuple.
type Binding interface {
	binding()
	String() string
}

func (*BinaryExpr) binding()       {}
func (*CastExpr) binding()         {}
func (*ConcatExpr) binding()       {}
func (*ConstantExpr) binding()     {}
func (*ExtractExpr) binding()      {}
func (*NotExpr) binding()          {}
func (*NotOptimizedExpr) binding() {}
func (*ReadExpr) binding()         {}
func (*Array) binding()            {}
func (Tuple) binding()             {}

// localName returns a readable name for a function-local allocation.
func localName(instr *ssa.Alloc) string {
	if instr.Comment != "" {
		return instr.Comment
	}
	return instr.Name()
}
