package tracerx

import (
	"errors"
	"fmt"
	"go/types"

	"golang.org/x/tools/go/ssa"
)

// The functions below are markers compiled into programs under test. Their
// bodies are placeholders; the executor intercepts calls to them through
// the handler registry.

// Assert checks a condition on every path. A path on which cond can be
// false is terminated with an assertion test case.
func Assert(cond bool) {}

// Assume constrains the current path. A path that cannot satisfy cond is
// an instrumentation misuse.
func Assume(cond bool) {}

// Abort terminates the current path as a guest abort.
func Abort() {}

// ReportError terminates the current path with a guest-reported error.
func ReportError(msg string) {}

// Byte returns a symbolic byte.
func Byte() byte { return 0 }

// Int returns a symbolic signed integer with the target's integer width.
func Int() int { return 0 }

// Int8 returns a symbolic 8-bit signed integer.
func Int8() int8 { return 0 }

// Int16 returns a symbolic 16-bit signed integer.
func Int16() int16 { return 0 }

// Int32 returns a symbolic 32-bit signed integer.
func Int32() int32 { return 0 }

// Int64 returns a symbolic 64-bit signed integer.
func Int64() int64 { return 0 }

func Uint() uint     { return 0 }
func Uint8() uint8   { return 0 }
func Uint16() uint16 { return 0 }
func Uint32() uint32 { return 0 }
func Uint64() uint64 { return 0 }

// ByteSlice returns a symbolic byte slice that is n bytes long.
func ByteSlice(n int) []byte { return nil }

// Free releases a byte slice obtained from ByteSlice. Freeing nil is a
// no-op; freeing anything that is not a live heap object is an error.
func Free(p []byte) {}

// String returns a symbolic string that is n bytes long.
func String(n int) string { return "" }

// execAssert forks on the asserted condition: the failing side produces an
// assertion test case, the passing side continues constrained.
func execAssert(e *Executor, state *ExecutionState, instr *ssa.Call) error {
	_, args, err := e.extractCall(state, instr)
	if err != nil {
		return err
	}
	cond, ok := args[0].(Expr)
	if !ok {
		return fmt.Errorf("cannot assert non-expression: %T", args[0])
	}

	pair, alive := e.fork(state, cond, false)
	if !alive {
		return nil
	}
	if pair.False != nil {
		e.terminateStateOnError(pair.False, "assertion failed", TerminateAssert)
	}
	return nil
}

// execAssume adds the condition to the path. An unsatisfiable assumption
// is an instrumentation misuse.
func execAssume(e *Executor, state *ExecutionState, instr *ssa.Call) error {
	_, args, err := e.extractCall(state, instr)
	if err != nil {
		return err
	}
	cond, ok := args[0].(Expr)
	if !ok {
		return fmt.Errorf("cannot assume non-expression: %T", args[0])
	}

	infeasible, err := e.solver.MustBeFalse(state, cond)
	if err != nil {
		state.Frame().RollbackInstr()
		e.terminateStateEarly(state, "query timed out (assume)")
		return nil
	}
	if infeasible {
		e.terminateStateOnError(state, "invalid assumption", TerminateUser)
		return nil
	}
	e.addConstraint(state, cond)
	return nil
}

// execAbort terminates the path as a guest abort.
func execAbort(e *Executor, state *ExecutionState, instr *ssa.Call) error {
	e.terminateStateOnError(state, "abort", TerminateAbort)
	return nil
}

// execReportError terminates the path with a guest-reported error.
func execReportError(e *Executor, state *ExecutionState, instr *ssa.Call) error {
	_, args, err := e.extractCall(state, instr)
	if err != nil {
		return err
	}
	msg := "reported error"
	if array, ok := args[0].(*Array); ok {
		msg = concreteString(array)
	}
	e.terminateStateOnError(state, msg, TerminateReportError)
	return nil
}

// concreteString renders the concrete bytes of an array, best effort.
func concreteString(array *Array) string {
	b := make([]byte, array.Size)
	for i := uint(0); i < array.Size; i++ {
		if c, ok := array.selectByte(NewConstantExpr64(uint64(i))).(*ConstantExpr); ok {
			b[i] = byte(c.Value)
		} else {
			b[i] = '?'
		}
	}
	return string(b)
}

// execInt makes a fresh symbolic integer of the call's result width.
func execInt(e *Executor, state *ExecutionState, instr *ssa.Call) error {
	width := e.Sizeof(instr.Type())
	name := symbolicName(instr)

	mo, _ := state.Alloc(uint64(width/8), name, false, false, instr)
	array := e.makeSymbolic(state, mo, name)
	state.Frame().bind(instr, array.Select(NewConstantExpr32(0), width, e.IsLittleEndian()))
	return nil
}

// execString makes a symbolic string of constant length.
func execString(e *Executor, state *ExecutionState, instr *ssa.Call) error {
	_, args, err := e.extractCall(state, instr)
	if err != nil {
		return err
	}
	n, ok := args[0].(*ConstantExpr)
	if !ok {
		return errors.New("symbolic string requires a constant size")
	}

	name := symbolicName(instr)
	mo, _ := state.Alloc(n.Value, name, false, false, instr)
	array := e.makeSymbolic(state, mo, name)
	state.Frame().bind(instr, array)
	return nil
}

// execByteSlice makes a symbolic byte slice; a symbolic length is
// concretized through the allocation-size protocol.
func execByteSlice(e *Executor, state *ExecutionState, instr *ssa.Call) error {
	_, args, err := e.extractCall(state, instr)
	if err != nil {
		return err
	}
	size, ok := args[0].(Expr)
	if !ok {
		return fmt.Errorf("invalid byte slice size: %T", args[0])
	}
	name := symbolicName(instr)

	e.concretizeSize(state, newZExtExpr(size, e.PointerWidth()), instr, func(state *ExecutionState, n uint64, ok bool) {
		if !ok {
			// Very large: the allocation fails and yields a nil slice.
			state.Frame().bind(instr, e.nullSliceHeader(state))
			return
		}
		mo, _ := state.Alloc(n, name, false, false, instr)
		e.makeSymbolic(state, mo, name)
		length := NewConstantExpr(n, e.PointerWidth())
		state.Frame().bind(instr, e.makeSliceHeader(state, mo.BaseExpr(), length, length))
	})
	return nil
}

// execFree releases a heap object obtained from ByteSlice. Freeing null is
// a no-op; freeing a frame local, a global, or a pointer outside any live
// object is a guest error.
func execFree(e *Executor, state *ExecutionState, instr *ssa.Call) error {
	_, args, err := e.extractCall(state, instr)
	if err != nil {
		return err
	}
	hdr, ok := args[0].(*Array)
	if !ok {
		return fmt.Errorf("cannot free non-slice value: %T", args[0])
	}
	data, ok := state.selectIntAt(hdr, 0).(*ConstantExpr)
	if !ok {
		return errors.New("free expects a constant data address")
	}
	if data.Value == 0 {
		return nil // free(nil) is a no-op
	}

	os := state.AddressSpace.FindContaining(data.Value)
	switch {
	case os == nil:
		e.terminateStateOnError(state, "memory error: free of invalid pointer", TerminateFree)
	case os.Object.Local:
		e.terminateStateOnError(state, "memory error: free of alloca", TerminateFree)
	case os.Object.Global:
		e.terminateStateOnError(state, "memory error: free of global", TerminateFree)
	default:
		state.AddressSpace.Unbind(os.Object)
	}
	return nil
}

// makeSymbolic wires a fresh symbolic array into the object and, during
// seeding, binds the matching seed object to it. A seed that cannot be
// matched is dropped from the state.
func (e *Executor) makeSymbolic(state *ExecutionState, mo *MemoryObject, name string) *Array {
	array := state.MakeSymbolic(mo, name)

	if seeds, ok := e.seedMap[state]; ok {
		kept := seeds[:0]
		for _, seed := range seeds {
			if err := seed.BindArray(array, name, &e.cfg); err != nil {
				e.Logger.Warn().Err(err).Str("array", array.Name).Msg("seed mismatch, dropping seed")
				continue
			}
			kept = append(kept, seed)
		}
		if len(kept) == 0 {
			delete(e.seedMap, state)
		} else {
			e.seedMap[state] = kept
		}
	}
	return array
}

// symbolicName derives a stable name for a symbolic source from the SSA
// register it is bound to.
func symbolicName(instr *ssa.Call) string {
	refs := instr.Referrers()
	if refs == nil {
		return fmt.Sprintf("%s_%s", instr.Parent().Name(), instr.Name())
	}

	// Prefer the name of the variable the result is stored into.
	for _, ref := range *refs {
		if store, ok := ref.(*ssa.Store); ok {
			if alloc, ok := store.Addr.(*ssa.Alloc); ok {
				return localName(alloc)
			}
		}
	}

	// A variable lifted to a register is named by its debug references.
	for _, ref := range *refs {
		if dr, ok := ref.(*ssa.DebugRef); ok {
			if obj := dr.Object(); obj != nil {
				return obj.Name()
			}
		}
	}
	return fmt.Sprintf("%s_%s", instr.Parent().Name(), instr.Name())
}

// execCopy implements the builtin copy() for byte slices and strings.
func execCopy(e *Executor, state *ExecutionState, instr *ssa.Call) error {
	args := make([]Binding, 0, len(instr.Call.Args))
	for _, arg := range instr.Call.Args {
		args = append(args, state.Eval(arg))
	}

	dstHeader := args[0].(*Array)
	dstData, ok := state.selectIntAt(dstHeader, 0).(*ConstantExpr)
	if !ok {
		return errors.New("copy() expects constant dst slice data address")
	}
	dstLen, ok := state.selectIntAt(dstHeader, 1).(*ConstantExpr)
	if !ok {
		return errors.New("copy() expects constant dst slice len")
	}
	dstOS := state.AddressSpace.FindContaining(dstData.Value)
	if dstOS == nil {
		e.memoryBoundViolation(state, instr, dstData, nil)
		return nil
	}
	dstOffset := dstData.Value - dstOS.Object.Base

	// Source raw data: a slice header or a string's bytes.
	var srcBytes []Expr
	switch typ := instr.Call.Args[1].Type().Underlying().(type) {
	case *types.Slice:
		srcHeader := args[1].(*Array)
		srcData, ok := state.selectIntAt(srcHeader, 0).(*ConstantExpr)
		if !ok {
			return errors.New("copy() expects constant src slice data address")
		}
		srcLen, ok := state.selectIntAt(srcHeader, 1).(*ConstantExpr)
		if !ok {
			return errors.New("copy() expects constant src slice len")
		}
		srcOS := state.AddressSpace.FindContaining(srcData.Value)
		if srcOS == nil {
			e.memoryBoundViolation(state, instr, srcData, nil)
			return nil
		}
		srcOffset := srcData.Value - srcOS.Object.Base
		for i := uint64(0); i < srcLen.Value; i++ {
			srcBytes = append(srcBytes, srcOS.Read(NewConstantExpr64(srcOffset+i), Width8, e.IsLittleEndian()))
		}
	case *types.Basic:
		src := args[1].(*Array)
		for i := uint64(0); i < uint64(src.Size); i++ {
			srcBytes = append(srcBytes, src.selectByte(NewConstantExpr64(i)))
		}
	default:
		return fmt.Errorf("invalid copy() src type: %s", typ)
	}

	// copy() transfers min(len(dst), len(src)) elements.
	n := uint64(len(srcBytes))
	if dstLen.Value < n {
		n = dstLen.Value
	}

	w := state.AddressSpace.GetWriteable(dstOS)
	for i := uint64(0); i < n; i++ {
		w.Write(NewConstantExpr64(dstOffset+i), srcBytes[i], e.IsLittleEndian())
	}

	state.Frame().bind(instr, NewConstantExpr(n, e.Sizeof(instr.Type())))
	return nil
}

// execLen implements the builtin len() for slices and strings.
func execLen(e *Executor, state *ExecutionState, instr *ssa.Call) error {
	arg := state.Eval(instr.Call.Args[0])

	switch typ := instr.Call.Args[0].Type().Underlying().(type) {
	case *types.Slice:
		hdr := arg.(*Array)
		v := state.selectIntAt(hdr, 1)
		state.Frame().bind(instr, newZExtExpr(v, e.Sizeof(instr.Type())))
		return nil
	case *types.Basic:
		array := arg.(*Array)
		state.Frame().bind(instr, NewConstantExpr(uint64(array.Size), e.Sizeof(instr.Type())))
		return nil
	default:
		return fmt.Errorf("invalid len() arg type: %s", typ)
	}
}

// execNop ignores the call.
func execNop(e *Executor, state *ExecutionState, instr *ssa.Call) error {
	return nil
}
