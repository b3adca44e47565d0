package tracerx

import (
	"errors"
	"fmt"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/ssa"
)

// executeInstruction dispatches one SSA instruction against the state. A
// returned error terminates the state as an unsupported-instruction case;
// guest-level failures are reported through the terminate family directly.
func (e *Executor) executeInstruction(state *ExecutionState, instr ssa.Instruction) error {
	switch instr := instr.(type) {
	case *ssa.Alloc:
		return e.executeAllocInstr(state, instr)
	case *ssa.BinOp:
		return e.executeBinOpInstr(state, instr)
	case *ssa.Call:
		return e.executeCallInstr(state, instr)
	case *ssa.ChangeInterface:
		state.Frame().bind(instr, state.Eval(instr.X))
		return nil
	case *ssa.ChangeType:
		state.Frame().bind(instr, state.Eval(instr.X))
		return nil
	case *ssa.Convert:
		return e.executeConvertInstr(state, instr)
	case *ssa.DebugRef:
		return nil // nop
	case *ssa.Extract:
		tuple := state.Eval(instr.Tuple).(Tuple)
		state.Frame().bind(instr, tuple[instr.Index])
		return nil
	case *ssa.FieldAddr:
		return e.executeFieldAddrInstr(state, instr)
	case *ssa.If:
		return e.executeIfInstr(state, instr)
	case *ssa.IndexAddr:
		return e.executeIndexAddrInstr(state, instr)
	case *ssa.Jump:
		state.Frame().jump(instr.Block().Succs[0])
		return nil
	case *ssa.Lookup:
		return e.executeLookupInstr(state, instr)
	case *ssa.MakeInterface:
		return e.executeMakeInterfaceInstr(state, instr)
	case *ssa.MakeSlice:
		return e.executeMakeSliceInstr(state, instr)
	case *ssa.Panic:
		e.terminateStateOnError(state, "panic", TerminateAbort)
		return nil
	case *ssa.Phi:
		return e.executePhiInstr(state, instr)
	case *ssa.Return:
		return e.executeReturnInstr(state, instr)
	case *ssa.Slice:
		return e.executeSliceInstr(state, instr)
	case *ssa.Store:
		return e.executeStoreInstr(state, instr)
	case *ssa.UnOp:
		return e.executeUnOpInstr(state, instr)

	case *ssa.Defer, *ssa.RunDefers:
		return errors.New("defer is not supported")
	case *ssa.Go:
		return errors.New("goroutines are not supported")
	case *ssa.MakeChan, *ssa.Select, *ssa.Send:
		return errors.New("channels are not supported")
	case *ssa.MakeMap, *ssa.MapUpdate:
		return errors.New("maps are not supported")
	case *ssa.MakeClosure:
		return errors.New("closures are not supported")
	case *ssa.Range, *ssa.Next:
		return errors.New("range is not supported")
	case *ssa.TypeAssert:
		return errors.New("type assertion is not supported")
	case *ssa.Field, *ssa.Index:
		return errors.New("non-addressed aggregate access is not supported")
	default:
		e.terminateStateOnError(state, fmt.Sprintf("illegal instruction: %T", instr), TerminateUnhandled)
		return nil
	}
}

func (e *Executor) executeAllocInstr(state *ExecutionState, instr *ssa.Alloc) error {
	// Non-heap allocs are allocated when pushing the function frame.
	if !instr.Heap {
		return nil
	}

	size := uint64(e.Sizeof(deref(instr.Type())) / 8)
	mo, _ := state.Alloc(size, localName(instr), false, false, instr)
	state.Frame().bind(instr, mo.BaseExpr())

	e.Logger.Debug().Str("type", instr.Type().String()).Uint64("addr", mo.Base).Uint64("size", size).Msg("alloc")
	return nil
}

func (e *Executor) executeBinOpInstr(state *ExecutionState, instr *ssa.BinOp) error {
	switch typ := instr.X.Type().Underlying().(type) {
	case *types.Interface:
		x, y := state.Eval(instr.X).(*Array), state.Eval(instr.Y).(*Array)
		switch instr.Op {
		case token.EQL:
			state.Frame().bind(instr, x.Equal(y))
		case token.NEQ:
			state.Frame().bind(instr, x.NotEqual(y))
		default:
			return errors.New("invalid interface binop operator")
		}
		return nil
	case *types.Pointer:
		return e.executeBinOpInstrInteger(state, instr, false)
	case *types.Basic:
		info := typ.Info()
		if info&types.IsBoolean != 0 {
			return e.executeBinOpInstrBoolean(state, instr)
		} else if info&types.IsInteger != 0 {
			return e.executeBinOpInstrInteger(state, instr, info&types.IsUnsigned == 0)
		} else if info&types.IsFloat != 0 {
			return e.executeBinOpInstrFloat(state, instr)
		} else if info&types.IsString != 0 {
			return e.executeBinOpInstrString(state, instr)
		}
		return errors.New("unexpected binop basic type")
	default:
		return fmt.Errorf("unexpected binop X type: %T", typ)
	}
}

func (e *Executor) executeBinOpInstrBoolean(state *ExecutionState, instr *ssa.BinOp) error {
	x, y := state.Eval(instr.X).(Expr), state.Eval(instr.Y).(Expr)
	switch instr.Op {
	case token.AND:
		state.Frame().bind(instr, NewBinaryExpr(AND, x, y))
	case token.OR:
		state.Frame().bind(instr, NewBinaryExpr(OR, x, y))
	case token.EQL:
		state.Frame().bind(instr, NewBinaryExpr(EQ, x, y))
	case token.NEQ:
		state.Frame().bind(instr, NewBinaryExpr(NE, x, y))
	default:
		return errors.New("invalid boolean binop operator")
	}
	return nil
}

func (e *Executor) executeBinOpInstrInteger(state *ExecutionState, instr *ssa.BinOp, signed bool) error {
	x, y := state.Eval(instr.X).(Expr), state.Eval(instr.Y).(Expr)

	// Division and remainder trap on a zero divisor; the zero side is
	// split off and reported through the overflow taxonomy.
	switch instr.Op {
	case token.QUO, token.REM:
		if IsConstantExpr(y) {
			if y.(*ConstantExpr).Value == 0 {
				e.terminateStateOnError(state, "divide by zero", TerminateOverflow)
				return nil
			}
		} else {
			pair, alive := e.fork(state, NewIsZeroExpr(y), true)
			if !alive {
				return nil
			}
			if pair.True != nil {
				e.terminateStateOnError(pair.True, "divide by zero", TerminateOverflow)
			}
			if pair.False == nil {
				return nil
			}
			state = pair.False
		}
	}

	var op BinaryOp
	switch instr.Op {
	case token.ADD:
		op = ADD
	case token.SUB:
		op = SUB
	case token.MUL:
		op = MUL
	case token.QUO:
		op = UDIV
		if signed {
			op = SDIV
		}
	case token.REM:
		op = UREM
		if signed {
			op = SREM
		}
	case token.AND:
		op = AND
	case token.OR:
		op = OR
	case token.XOR:
		op = XOR
	case token.SHL:
		op = SHL
	case token.SHR:
		op = LSHR
		if signed {
			op = ASHR
		}
	case token.AND_NOT:
		state.Frame().bind(instr, NewBinaryExpr(AND, x, NewNotExpr(y)))
		return nil
	case token.EQL:
		op = EQ
	case token.NEQ:
		op = NE
	case token.LSS:
		op = ULT
		if signed {
			op = SLT
		}
	case token.LEQ:
		op = ULE
		if signed {
			op = SLE
		}
	case token.GTR:
		op = UGT
		if signed {
			op = SGT
		}
	case token.GEQ:
		op = UGE
		if signed {
			op = SGE
		}
	default:
		return errors.New("invalid integer binop operator")
	}
	if op.IsCompare() {
		e.coverage.VisitCompare(instr.Block())
	}
	state.Frame().bind(instr, NewBinaryExpr(op, x, y))
	return nil
}

// executeBinOpInstrFloat concretizes the operands and computes with host
// IEEE-754 arithmetic, boxing the result as a constant.
func (e *Executor) executeBinOpInstrFloat(state *ExecutionState, instr *ssa.BinOp) error {
	width := e.Sizeof(instr.X.Type().Underlying())

	xc, err := e.toConstant(state, state.Eval(instr.X).(Expr), "floating point operand")
	if err != nil {
		state.Frame().RollbackInstr()
		e.terminateStateEarly(state, "query timed out (float)")
		return nil
	}
	yc, err := e.toConstant(state, state.Eval(instr.Y).(Expr), "floating point operand")
	if err != nil {
		state.Frame().RollbackInstr()
		e.terminateStateEarly(state, "query timed out (float)")
		return nil
	}

	x, y := e.unboxFloat(xc), e.unboxFloat(yc)
	switch instr.Op {
	case token.ADD:
		state.Frame().bind(instr, e.boxFloat(x+y, width))
	case token.SUB:
		state.Frame().bind(instr, e.boxFloat(x-y, width))
	case token.MUL:
		state.Frame().bind(instr, e.boxFloat(x*y, width))
	case token.QUO:
		state.Frame().bind(instr, e.boxFloat(x/y, width))
	case token.EQL:
		state.Frame().bind(instr, NewBoolConstantExpr(x == y))
	case token.NEQ:
		state.Frame().bind(instr, NewBoolConstantExpr(x != y))
	case token.LSS:
		state.Frame().bind(instr, NewBoolConstantExpr(x < y))
	case token.LEQ:
		state.Frame().bind(instr, NewBoolConstantExpr(x <= y))
	case token.GTR:
		state.Frame().bind(instr, NewBoolConstantExpr(x > y))
	case token.GEQ:
		state.Frame().bind(instr, NewBoolConstantExpr(x >= y))
	default:
		return errors.New("invalid float binop operator")
	}
	return nil
}

func (e *Executor) executeBinOpInstrString(state *ExecutionState, instr *ssa.BinOp) error {
	switch instr.Op {
	case token.ADD:
		return e.executeBinOpInstrStringADD(state, instr)
	case token.EQL:
		x, y := state.Eval(instr.X).(*Array), state.Eval(instr.Y).(*Array)
		state.Frame().bind(instr, x.Equal(y))
		return nil
	case token.NEQ:
		x, y := state.Eval(instr.X).(*Array), state.Eval(instr.Y).(*Array)
		state.Frame().bind(instr, x.NotEqual(y))
		return nil
	case token.LSS, token.LEQ, token.GTR, token.GEQ:
		return e.executeBinOpInstrStringCompare(state, instr)
	default:
		return errors.New("invalid string binop operator")
	}
}

func (e *Executor) executeBinOpInstrStringADD(state *ExecutionState, instr *ssa.BinOp) error {
	x, y := state.Eval(instr.X).(*Array), state.Eval(instr.Y).(*Array)

	// Return either x or y if the other is zero length.
	if x.Size == 0 {
		state.Frame().bind(instr, y)
		return nil
	} else if y.Size == 0 {
		state.Frame().bind(instr, x)
		return nil
	}

	array := NewArray("", x.Size+y.Size)
	for i := uint(0); i < x.Size; i++ {
		index := NewConstantExpr64(uint64(i))
		array.storeByte(index, x.selectByte(index))
	}
	for i := uint(0); i < y.Size; i++ {
		array.storeByte(NewConstantExpr64(uint64(x.Size+i)), y.selectByte(NewConstantExpr64(uint64(i))))
	}

	state.Frame().bind(instr, array)
	return nil
}

// executeBinOpInstrStringCompare implements LSS, LEQ, GTR, & GEQ string comparisons.
func (e *Executor) executeBinOpInstrStringCompare(state *ExecutionState, instr *ssa.BinOp) error {
	x := state.Eval(instr.X).(*Array)
	y := state.Eval(instr.Y).(*Array)

	// Empty strings cannot be less than or greater than one another.
	if instr.Op == token.LSS || instr.Op == token.GTR {
		if x.Size == 0 && y.Size == 0 {
			state.Frame().bind(instr, NewBoolConstantExpr(false))
			return nil
		}
	}

	// Use the lower size.
	n := uint64(x.Size)
	if n > uint64(y.Size) {
		n = uint64(y.Size)
	}

	// Generate all selection expressions once to conserve memory.
	xSelectExprs, ySelectExprs := make([]Expr, n), make([]Expr, n)
	for i := uint64(0); i < n; i++ {
		index := NewConstantExpr64(i)
		xSelectExprs[i] = x.selectByte(index)
		ySelectExprs[i] = y.selectByte(index)
	}

	// Generate OR-concatenated expression for every byte position.
	var cond Expr
	for i := uint64(0); i < n; i++ {
		// Last LSS/LEQ byte can be equal iff x is shorter or if equal len (LEQ only).
		// Last GTR/GEQ byte can be equal iff x is longer or if equal len (GEQ only).
		var base Expr
		switch instr.Op {
		case token.LSS, token.LEQ:
			if i == n-1 && (x.Size < y.Size || (x.Size == y.Size && instr.Op == token.LEQ)) {
				base = newUleExpr(xSelectExprs[i], ySelectExprs[i])
			} else {
				base = newUltExpr(xSelectExprs[i], ySelectExprs[i])
			}
		case token.GTR, token.GEQ:
			if i == n-1 && (x.Size > y.Size || (x.Size == y.Size && instr.Op == token.GEQ)) {
				base = newUleExpr(ySelectExprs[i], xSelectExprs[i]) // reverse
			} else {
				base = newUltExpr(ySelectExprs[i], xSelectExprs[i]) // reverse
			}
		}

		// Ensure all previous bytes are equal.
		for j := uint64(0); j < i; j++ {
			base = newAndExpr(base, newEqExpr(xSelectExprs[j], ySelectExprs[j]))
		}

		if i == 0 {
			cond = base
		} else {
			cond = newOrExpr(cond, base)
		}
	}

	state.Frame().bind(instr, cond)
	return nil
}

func (e *Executor) executeCallInstr(state *ExecutionState, instr *ssa.Call) error {
	// Builtin functions dispatch through the handler registry.
	if builtin, ok := instr.Call.Value.(*ssa.Builtin); ok {
		registered := e.fns[funcKey{"", builtin.Name()}]
		if registered == nil {
			return fmt.Errorf("unregistered builtin function: %s", builtin.Name())
		}
		return registered(e, state, instr)
	}

	fn, args, err := e.extractCall(state, instr)
	if err != nil {
		return err
	}

	// Registered functions execute in place of a frame push.
	path := ""
	if fn.Pkg != nil {
		path = fn.Pkg.Pkg.Path()
	}
	if registered, ok := e.fns[funcKey{path, fn.Name()}]; ok {
		return registered(e, state, instr)
	}

	// Declarations without bodies leave the sandbox.
	if len(fn.Blocks) == 0 {
		e.terminateStateOnError(state, fmt.Sprintf("external call not supported: %s", fn), TerminateExternal)
		return nil
	}

	// Push a frame and bind arguments by position. Variadic calls arrive
	// with the trailing arguments already packed into a slice.
	state.Push(fn)
	for i, arg := range args {
		state.Frame().bind(fn.Params[i], arg)
	}
	e.Logger.Debug().Str("fn", fn.String()).Msg("call")
	return nil
}

// extractCall resolves the callee and evaluates the argument bindings.
// Calls through symbolic function pointers are materialized by forking
// per concrete value; a constant pointer resolves directly.
func (e *Executor) extractCall(state *ExecutionState, instr ssa.CallInstruction) (*ssa.Function, []Binding, error) {
	common := instr.Common()
	var fn *ssa.Function
	var args []Binding

	if common.IsInvoke() {
		// Interface method invocation: unpack (type id, data) pair.
		iface := state.Eval(common.Value).(*Array)
		typeID, ok := state.selectIntAt(iface, 0).(*ConstantExpr)
		if !ok {
			return nil, nil, errors.New("symbolic interface type")
		}
		typ := e.typesByID[int(typeID.Value)]
		if typ == nil {
			return nil, nil, fmt.Errorf("type not found: id=%d", typeID.Value)
		}
		fn = e.prog.LookupMethod(typ, common.Method.Pkg(), common.Method.Name())
		args = append(args, state.selectIntAt(iface, 1)) // receiver
	} else if f, ok := common.Value.(*ssa.Function); ok {
		fn = f
	} else {
		// Function value: resolve the deterministic function id.
		addr, ok := state.EvalAsConstantExpr(common.Value)
		if !ok {
			// Symbolic function pointer: concretize to one target.
			value, err := e.toConstant(state, state.MustEvalAsExpr(common.Value), "symbolic function pointer")
			if err != nil {
				return nil, nil, err
			}
			addr = value
		}
		fn = e.funcsByID[addr.Value]
		if fn == nil {
			return nil, nil, fmt.Errorf("function not found: id=%d", addr.Value)
		}
	}

	for _, arg := range common.Args {
		args = append(args, state.Eval(arg))
	}
	return fn, args, nil
}

func (e *Executor) executeConvertInstr(state *ExecutionState, instr *ssa.Convert) error {
	srcType, dstType := instr.X.Type().Underlying(), instr.Type().Underlying()

	switch srcType := srcType.(type) {
	case *types.Pointer:
		if dstType, ok := dstType.(*types.Basic); !ok || dstType.Kind() != types.UnsafePointer {
			return errors.New("unsupported pointer conversion")
		}
		state.Frame().bind(instr, state.MustEvalAsExpr(instr.X))
		return nil

	case *types.Slice:
		if elem, ok := srcType.Elem().(*types.Basic); ok && elem.Kind() == types.Byte {
			return e.executeConvertInstrByteSliceToString(state, instr)
		}
		return fmt.Errorf("unsupported slice conversion: %s", srcType.Elem())

	case *types.Basic:
		if srcType.Kind() == types.String {
			switch dstType := dstType.(type) {
			case *types.Slice:
				if elem, ok := dstType.Elem().(*types.Basic); ok && elem.Kind() == types.Byte {
					return e.executeConvertInstrStringToByteSlice(state, instr)
				}
			case *types.Basic:
				if dstType.Kind() == types.String {
					state.Frame().bind(instr, state.Eval(instr.X)) // nop
					return nil
				}
			}
			return fmt.Errorf("unsupported string conversion: %s", dstType)
		}

		if srcType.Kind() == types.UnsafePointer {
			state.Frame().bind(instr, state.MustEvalAsExpr(instr.X))
			return nil
		}

		dstBasic, ok := dstType.(*types.Basic)
		if !ok {
			return fmt.Errorf("unsupported conversion target: %s", dstType)
		}
		if srcType.Info()&types.IsFloat != 0 || dstBasic.Info()&types.IsFloat != 0 {
			return e.executeConvertInstrFloat(state, instr)
		}

		if srcType.Info()&types.IsInteger == 0 {
			return fmt.Errorf("unsupported basic type conversion: %s", srcType)
		}
		if dstBasic.Kind() == types.String {
			return errors.New("int-to-string conversion is not supported")
		}

		value := state.MustEvalAsExpr(instr.X)
		signed := srcType.Info()&types.IsUnsigned == 0
		state.Frame().bind(instr, NewCastExpr(value, e.Sizeof(dstType), signed))
		return nil

	default:
		return fmt.Errorf("unsupported type conversion: %s", srcType)
	}
}

// executeConvertInstrFloat concretizes and converts through host floats.
func (e *Executor) executeConvertInstrFloat(state *ExecutionState, instr *ssa.Convert) error {
	srcType := instr.X.Type().Underlying().(*types.Basic)
	dstType := instr.Type().Underlying().(*types.Basic)
	dstWidth := e.Sizeof(dstType)

	c, err := e.toConstant(state, state.MustEvalAsExpr(instr.X), "floating point conversion")
	if err != nil {
		state.Frame().RollbackInstr()
		e.terminateStateEarly(state, "query timed out (float)")
		return nil
	}

	switch {
	case srcType.Info()&types.IsFloat != 0 && dstType.Info()&types.IsFloat != 0:
		state.Frame().bind(instr, e.boxFloat(e.unboxFloat(c), dstWidth))
	case srcType.Info()&types.IsFloat != 0: // float -> int
		f := e.unboxFloat(c)
		if dstType.Info()&types.IsUnsigned != 0 {
			state.Frame().bind(instr, NewConstantExpr(uint64(f), dstWidth))
		} else {
			state.Frame().bind(instr, NewConstantExpr(uint64(int64(f)), dstWidth))
		}
	default: // int -> float
		if srcType.Info()&types.IsUnsigned != 0 {
			state.Frame().bind(instr, e.boxFloat(float64(c.Value), dstWidth))
		} else {
			state.Frame().bind(instr, e.boxFloat(float64(int64(c.SExt(Width64).Value)), dstWidth))
		}
	}
	return nil
}

func (e *Executor) executeConvertInstrByteSliceToString(state *ExecutionState, instr *ssa.Convert) error {
	hdr := state.Eval(instr.X).(*Array)

	ptr, ok := state.selectIntAt(hdr, 0).(*ConstantExpr)
	if !ok {
		return errors.New("cannot read non-constant slice data field")
	}
	length, ok := state.selectIntAt(hdr, 1).(*ConstantExpr)
	if !ok {
		return errors.New("cannot read non-constant slice len field")
	}

	src := state.AddressSpace.FindContaining(ptr.Value)
	if src == nil {
		e.memoryBoundViolation(state, instr, ptr, nil)
		return nil
	}
	offset := ptr.Value - src.Object.Base

	dst := NewArray("", uint(length.Value))
	for i := uint64(0); i < length.Value; i++ {
		b := src.Read(NewConstantExpr64(offset+i), Width8, e.IsLittleEndian())
		dst.storeByte(NewConstantExpr64(i), b)
	}

	state.Frame().bind(instr, dst)
	return nil
}

func (e *Executor) executeConvertInstrStringToByteSlice(state *ExecutionState, instr *ssa.Convert) error {
	x := state.Eval(instr.X).(*Array)
	length := NewConstantExpr(uint64(x.Size), e.PointerWidth())

	mo, os := state.Alloc(uint64(x.Size), "conv", false, false, instr)
	w := state.AddressSpace.GetWriteable(os)
	for i := uint64(0); i < uint64(x.Size); i++ {
		index := NewConstantExpr64(i)
		w.Write(index, x.selectByte(index), e.IsLittleEndian())
	}

	state.Frame().bind(instr, e.makeSliceHeader(state, mo.BaseExpr(), length, length))
	return nil
}

// makeSliceHeader builds a (data, len, cap) aggregate.
func (e *Executor) makeSliceHeader(state *ExecutionState, data, length, capacity Expr) *Array {
	hdr := NewArray("", uint(e.PointerWidth()/8)*3)
	hdr.zero()
	hdr = state.storeIntAt(hdr, 0, data)
	hdr = state.storeIntAt(hdr, 1, length)
	hdr = state.storeIntAt(hdr, 2, capacity)
	return hdr
}

func (e *Executor) executeFieldAddrInstr(state *ExecutionState, instr *ssa.FieldAddr) error {
	ptrType := instr.X.Type().Underlying().(*types.Pointer)
	structType := ptrType.Elem().Underlying().(*types.Struct)
	offsets := e.Sizes().Offsetsof(structFields(structType))
	fieldOffset := offsets[instr.Field]

	base := state.MustEvalAsExpr(instr.X)
	expr := NewBinaryExpr(ADD, base, NewConstantExpr(uint64(fieldOffset), e.PointerWidth()))
	state.Frame().bind(instr, expr)
	return nil
}

func (e *Executor) executeIfInstr(state *ExecutionState, instr *ssa.If) error {
	cond := state.MustEvalAsExpr(instr.Cond)
	block := instr.Block()

	pair, alive := e.fork(state, cond, false)
	if !alive {
		return nil
	}
	if pair.True != nil {
		pair.True.Frame().jump(block.Succs[0])
	}
	if pair.False != nil {
		pair.False.Frame().jump(block.Succs[1])
	}
	return nil
}

func (e *Executor) executeIndexAddrInstr(state *ExecutionState, instr *ssa.IndexAddr) error {
	index := newZExtExpr(state.MustEvalAsExpr(instr.Index), e.PointerWidth())

	switch typ := instr.X.Type().Underlying().(type) {
	case *types.Pointer: // *[n]T
		arrayType := typ.Elem().Underlying().(*types.Array)
		base := state.MustEvalAsExpr(instr.X)
		elemSize := NewConstantExpr(uint64(e.Sizeof(arrayType.Elem())/8), e.PointerWidth())
		state.Frame().bind(instr, newAddExpr(base, newMulExpr(index, elemSize)))
		return nil
	case *types.Slice:
		hdr := state.Eval(instr.X).(*Array)
		elemSize := NewConstantExpr(uint64(e.Sizeof(typ.Elem())/8), e.PointerWidth())
		data := state.selectIntAt(hdr, 0)
		state.Frame().bind(instr, newAddExpr(data, newMulExpr(index, elemSize)))
		return nil
	default:
		return fmt.Errorf("unexpected IndexAddr.X type: %T", typ)
	}
}

func (e *Executor) executeLookupInstr(state *ExecutionState, instr *ssa.Lookup) error {
	if _, ok := instr.X.Type().Underlying().(*types.Map); ok {
		return errors.New("map lookup is not supported")
	}
	x := state.Eval(instr.X).(*Array)
	index := newZExtExpr(state.MustEvalAsExpr(instr.Index), Width64)
	state.Frame().bind(instr, x.selectByte(index))
	return nil
}

func (e *Executor) executeMakeInterfaceInstr(state *ExecutionState, instr *ssa.MakeInterface) error {
	typeID := uint64(e.typeIDs[instr.X.Type()])

	iface := NewArray("", uint(e.PointerWidth()/8)*2)
	iface.zero()
	iface = state.storeIntAt(iface, 0, NewConstantExpr(typeID, e.PointerWidth()))
	iface = state.storeIntAt(iface, 1, state.MustEvalAsExpr(instr.X))

	state.Frame().bind(instr, iface)
	return nil
}

func (e *Executor) executeMakeSliceInstr(state *ExecutionState, instr *ssa.MakeSlice) error {
	typ := instr.Type().Underlying().(*types.Slice)
	elemSize := uint64(e.Sizeof(typ.Elem()) / 8)

	length := newZExtExpr(state.MustEvalAsExpr(instr.Len), e.PointerWidth())
	capacity := newZExtExpr(state.MustEvalAsExpr(instr.Cap), e.PointerWidth())

	e.concretizeSize(state, capacity, instr, func(state *ExecutionState, cap64 uint64, ok bool) {
		if !ok {
			state.Frame().bind(instr, e.nullSliceHeader(state))
			return
		}
		mo, _ := state.Alloc(cap64*elemSize, "makeslice", false, false, instr)
		state.Frame().bind(instr, e.makeSliceHeader(state, mo.BaseExpr(), length, NewConstantExpr(cap64, e.PointerWidth())))
	})
	return nil
}

// nullSliceHeader builds the header of a failed allocation: a nil slice.
func (e *Executor) nullSliceHeader(state *ExecutionState) *Array {
	zero := NewConstantExpr(0, e.PointerWidth())
	return e.makeSliceHeader(state, zero, zero, zero)
}

// concretizeSize resolves a possibly-symbolic allocation size to concrete
// candidates: the model value first, one alternative on the other side,
// and a final split on "very large". Each continuation runs in its
// successor state; ok=false means the size was too large to allocate and
// the caller must bind a null pointer and keep running.
func (e *Executor) concretizeSize(state *ExecutionState, size Expr, instr ssa.Instruction, cont func(*ExecutionState, uint64, bool)) {
	if c, ok := size.(*ConstantExpr); ok {
		if c.Value > e.MaxAllocSize() {
			cont(state, 0, false)
			return
		}
		cont(state, c.Value, true)
		return
	}

	for try := 0; try < 2; try++ {
		example, err := e.solver.GetValue(state, size)
		if err != nil {
			state.Frame().RollbackInstr()
			e.terminateStateEarly(state, "query timed out (alloc)")
			return
		}
		pair, alive := e.fork(state, NewBinaryExpr(EQ, example, size), true)
		if !alive {
			return
		}
		if pair.True != nil {
			if example.Value > e.MaxAllocSize() {
				cont(pair.True, 0, false)
			} else {
				cont(pair.True, example.Value, true)
			}
		}
		if pair.False == nil {
			return
		}
		state = pair.False
	}

	// The residual either demands a very large object, which fails the
	// allocation and returns null, or sits at an awkward middle size the
	// model cannot keep precise.
	huge := NewBinaryExpr(UGT, size, NewConstantExpr(e.MaxAllocSize(), ExprWidth(size)))
	pair, alive := e.fork(state, huge, true)
	if !alive {
		return
	}
	if pair.True != nil {
		cont(pair.True, 0, false)
	}
	if pair.False != nil {
		e.terminateStateOnError(pair.False, "concretized symbolic size", TerminateModel)
	}
}

// MaxAllocSize returns the maximum single allocation size.
func (e *Executor) MaxAllocSize() uint64 {
	if e.PointerWidth() == 32 {
		return 1 << 20 // 1MB
	}
	return 256 << 20 // 256MB
}

func (e *Executor) executePhiInstr(state *ExecutionState, instr *ssa.Phi) error {
	i := basicBlockIndex(state.Frame().block.Preds, state.Frame().prev)
	assert(i >= 0, "phi basic block not found")
	state.Frame().bind(instr, state.Eval(instr.Edges[i]))
	return nil
}

func (e *Executor) executeReturnInstr(state *ExecutionState, instr *ssa.Return) error {
	caller := state.CallerFrame()
	if caller == nil {
		// Returning from the entry function completes the path.
		state.Pop()
		e.terminateStateOnExit(state)
		return nil
	}

	results := make(Tuple, len(instr.Results))
	for i := range results {
		results[i] = state.Eval(instr.Results[i])
	}

	if call, ok := caller.Instr().(*ssa.Call); ok {
		switch len(results) {
		case 0:
		case 1:
			caller.bind(call, results[0])
		default:
			caller.bind(call, results)
		}
	}

	state.Pop()
	return nil
}

func (e *Executor) executeSliceInstr(state *ExecutionState, instr *ssa.Slice) error {
	switch typ := instr.X.Type().Underlying().(type) {
	case *types.Pointer: // *[n]T
		return e.executeSliceInstrArray(state, instr, typ)
	case *types.Basic: // string
		return e.executeSliceInstrString(state, instr)
	case *types.Slice:
		return e.executeSliceInstrSlice(state, instr, typ)
	default:
		return fmt.Errorf("unexpected slice type: %T", typ)
	}
}

func (e *Executor) executeSliceInstrArray(state *ExecutionState, instr *ssa.Slice, ptrType *types.Pointer) error {
	arrayType := ptrType.Elem().Underlying().(*types.Array)
	addr, ok := state.EvalAsConstantExpr(instr.X)
	if !ok {
		return errors.New("array slice address must be a constant expression")
	}

	pointerWidth := e.PointerWidth()
	typ := instr.Type().Underlying().(*types.Slice)
	elemWidth := NewConstantExpr(uint64(e.Sizeof(typ.Elem()))/8, pointerWidth)
	n := NewConstantExpr(uint64(arrayType.Len()), pointerWidth)

	lo := state.MustEvalAsExpr(instr.Low)
	hi := state.MustEvalAsExpr(instr.High)
	max := state.MustEvalAsExpr(instr.Max)
	if lo == nil {
		lo = NewConstantExpr(0, pointerWidth)
	}
	if hi == nil {
		hi = n
	}
	if max == nil {
		max = n
	}

	hdr := e.makeSliceHeader(state,
		newAddExpr(addr, newMulExpr(lo, elemWidth)),
		newSubExpr(hi, lo),
		newSubExpr(max, lo))
	state.Frame().bind(instr, hdr)
	return nil
}

func (e *Executor) executeSliceInstrString(state *ExecutionState, instr *ssa.Slice) error {
	x := state.Eval(instr.X).(*Array)

	lo, ok := state.EvalAsConstantExpr(instr.Low)
	if !ok {
		return errors.New("string slice low index must be a constant expression")
	} else if lo == nil {
		lo = NewConstantExpr64(0)
	}
	hi, ok := state.EvalAsConstantExpr(instr.High)
	if !ok {
		return errors.New("string slice high index must be a constant expression")
	} else if hi == nil {
		hi = NewConstantExpr64(uint64(x.Size))
	}

	// Verify low & high are in bounds.
	if hi.Value > uint64(x.Size) || lo.Value > hi.Value {
		e.terminateStateOnError(state, "slice bounds out of range", TerminatePtr)
		return nil
	}

	array := NewArray("", uint(hi.Value-lo.Value))
	for i := uint(0); i < array.Size; i++ {
		array.storeByte(NewConstantExpr64(uint64(i)), x.selectByte(NewConstantExpr64(uint64(i)+lo.Value)))
	}

	state.Frame().bind(instr, array)
	return nil
}

func (e *Executor) executeSliceInstrSlice(state *ExecutionState, instr *ssa.Slice, typ *types.Slice) error {
	x := state.Eval(instr.X).(*Array)
	pointerWidth := e.PointerWidth()
	elemWidth := NewConstantExpr(uint64(e.Sizeof(typ.Elem()))/8, pointerWidth)

	lo := state.MustEvalAsExpr(instr.Low)
	hi := state.MustEvalAsExpr(instr.High)
	max := state.MustEvalAsExpr(instr.Max)
	if lo == nil {
		lo = NewConstantExpr(0, pointerWidth)
	}
	if hi == nil {
		hi = state.selectIntAt(x, 1)
	}
	if max == nil {
		max = state.selectIntAt(x, 2)
	}

	data := newAddExpr(state.selectIntAt(x, 0), newMulExpr(newZExtExpr(lo, pointerWidth), elemWidth))
	hdr := e.makeSliceHeader(state, data, newSubExpr(hi, lo), newSubExpr(max, lo))
	state.Frame().bind(instr, hdr)
	return nil
}

func (e *Executor) executeStoreInstr(state *ExecutionState, instr *ssa.Store) error {
	addr := state.MustEvalAsExpr(instr.Addr)

	switch val := state.Eval(instr.Val).(type) {
	case *Array:
		// Aggregate copy wants a concrete destination.
		caddr, err := e.toConstant(state, addr, "aggregate store address")
		if err != nil {
			state.Frame().RollbackInstr()
			e.terminateStateEarly(state, "query timed out (store)")
			return nil
		}
		ok, readOnly := state.CopyArray(caddr, val)
		if readOnly {
			e.terminateStateOnError(state, "memory error: object read only", TerminateReadOnly)
		} else if !ok {
			e.memoryBoundViolation(state, instr, caddr, nil)
		}
		return nil
	case Expr:
		e.executeMemoryOperation(state, instr, addr, true, val, ExprWidth(val), nil)
		return nil
	default:
		return fmt.Errorf("unexpected store value: %#v", val)
	}
}

func (e *Executor) executeUnOpInstr(state *ExecutionState, instr *ssa.UnOp) error {
	switch instr.Op {
	case token.NOT:
		x := state.MustEvalAsExpr(instr.X)
		state.Frame().bind(instr, NewIsZeroExpr(x))
		return nil
	case token.SUB:
		x := state.MustEvalAsExpr(instr.X)
		state.Frame().bind(instr, NewBinaryExpr(SUB, NewConstantExpr(0, ExprWidth(x)), x))
		return nil
	case token.XOR:
		x := state.MustEvalAsExpr(instr.X)
		state.Frame().bind(instr, NewNotExpr(x))
		return nil
	case token.MUL:
		return e.executeLoadInstr(state, instr)
	case token.ARROW:
		return errors.New("channel receive is not supported")
	default:
		return errors.New("invalid UnOp operator")
	}
}

func (e *Executor) executeLoadInstr(state *ExecutionState, instr *ssa.UnOp) error {
	width := e.Sizeof(instr.Type())
	addr := state.MustEvalAsExpr(instr.X)

	if isExprType(instr.Type()) {
		e.executeMemoryOperation(state, instr, addr, false, nil, width, instr)
		return nil
	}

	// Aggregate load: copy bytes out of the object into a fresh array.
	caddr, err := e.toConstant(state, addr, "aggregate load address")
	if err != nil {
		state.Frame().RollbackInstr()
		e.terminateStateEarly(state, "query timed out (load)")
		return nil
	}
	os := state.AddressSpace.FindContaining(caddr.Value)
	if os == nil {
		e.memoryBoundViolation(state, instr, caddr, nil)
		return nil
	}
	offset := caddr.Value - os.Object.Base

	dst := NewArray("", width/8)
	for i := uint64(0); i < uint64(dst.Size); i++ {
		b := os.Read(NewConstantExpr64(offset+i), Width8, e.IsLittleEndian())
		dst.storeByte(NewConstantExpr64(i), b)
	}
	state.Frame().bind(instr, dst)
	return nil
}

func structFields(typ *types.Struct) []*types.Var {
	a := make([]*types.Var, typ.NumFields())
	for i := range a {
		a[i] = typ.Field(i)
	}
	return a
}
