package vm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Instruction dispatch
// ---------------------------------------------------------------------------

// decodeAndExecute runs one instruction against the machine state. Control
// transfers set the PC so the dispatch loop's increment lands on the
// intended next instruction.
func (m *VM) decodeAndExecute(instr *Instruction) error {
	switch instr.Op {

	case OpDefVar:
		if len(instr.Operands) == 0 {
			return nil
		}
		name := instr.Operand(0)
		// Strip a type annotation suffix when present.
		if idx := strings.IndexByte(name, ':'); idx >= 0 {
			name = name[:idx]
		}
		m.state.Scopes[len(m.state.Scopes)-1][name] = IntOf(0)
		return nil

	case OpLoad:
		if len(instr.Operands) == 0 {
			return nil
		}
		m.push(m.loadOperand(instr.Operands[0]))
		return nil

	case OpStore:
		if len(instr.Operands) == 0 {
			return NewAccessError("STORE operation missing variable name", instr.Line)
		}
		v, err := m.pop("STORE", instr.Line)
		if err != nil {
			return err
		}
		m.storeVar(instr.Operand(0), v)
		return nil

	case OpFunc:
		// The function table is built at load time; execution of FUNC
		// (reached by a call or by fall-through) opens a new scope frame.
		m.state.Scopes = append(m.state.Scopes, map[string]Value{})
		return nil

	case OpCall:
		if len(instr.Operands) == 0 {
			return nil
		}
		return m.call(instr.Operand(0), instr.Line)

	case OpReturn:
		n := len(m.state.Stack)
		if n > 0 && m.state.Stack[n-1].IsInteger() {
			addr := m.state.Stack[n-1].Long()
			m.state.Stack = m.state.Stack[:n-1]
			m.state.PC = int(addr)
			if len(m.state.Scopes) > 1 {
				m.state.Scopes = m.state.Scopes[:len(m.state.Scopes)-1]
			}
			return nil
		}
		// No return sentinel: top-level return halts the machine.
		m.state.Running = false
		return nil

	case OpIf:
		cond, err := m.pop("IF", instr.Line)
		if err != nil {
			return err
		}
		if cond.IsTruthy() {
			// Taken branch runs to its ELSE or END.
			m.blocks = append(m.blocks, blockEntry{kind: blockIf})
			return nil
		}
		if m.jumpToElseOrEnd() {
			// Landed on ELSE: the else arm will close with an executed END.
			m.blocks = append(m.blocks, blockEntry{kind: blockIf})
		}
		return nil

	case OpElse:
		// Reached by falling out of a taken IF branch: skip the else arm.
		if n := len(m.blocks); n > 0 && m.blocks[n-1].kind == blockIf {
			m.blocks = m.blocks[:n-1]
		}
		m.jumpToEnd()
		return nil

	case OpWhile:
		cond, err := m.pop("WHILE", instr.Line)
		if err != nil {
			return err
		}
		if !cond.IsTruthy() {
			m.jumpToEnd()
			return nil
		}
		// Loop taken: push the loop-head sentinel so the matching END can
		// jump back for the re-check, and remember where it sits.
		m.blocks = append(m.blocks, blockEntry{kind: blockLoop, mark: len(m.state.Stack)})
		m.push(IntOf(int64(m.state.PC - 1)))
		return nil

	case OpDo:
		return nil

	case OpEnd:
		m.loopEnd()
		return nil

	case OpGoto:
		if len(instr.Operands) == 0 {
			return nil
		}
		label := instr.Operand(0)
		for pc, target := range m.state.Program {
			if target.Op == OpLabel && target.Operand(0) == label {
				m.state.PC = pc
				return nil
			}
		}
		return NewRuntimeError("Undefined label: "+label, instr.Line)

	case OpLabel:
		return nil

	case OpPrint:
		if v, ok := m.tryPop(); ok {
			fmt.Fprintln(m.Stdout, v.Render())
		}
		return nil

	case OpInput:
		m.push(StringOf(m.readLine()))
		return nil

	case OpBinaryOp:
		if len(instr.Operands) == 0 {
			return NewAccessError("BINARY_OP operation missing operator", instr.Line)
		}
		if len(m.state.Stack) < 2 {
			return NewAccessError("Stack underflow during BINARY_OP operation", instr.Line)
		}
		right, _ := m.tryPop()
		left, _ := m.tryPop()
		result, err := binaryOp(left, right, instr.Operand(0), instr.Line)
		if err != nil {
			return err
		}
		m.push(result)
		return nil

	case OpUnaryOp:
		if len(instr.Operands) == 0 {
			return NewAccessError("UNARY_OP operation missing operator", instr.Line)
		}
		operand, err := m.pop("UNARY_OP", instr.Line)
		if err != nil {
			return err
		}
		result, err := unaryOp(operand, instr.Operand(0), instr.Line)
		if err != nil {
			return err
		}
		m.push(result)
		return nil

	case OpPush:
		if len(instr.Operands) == 0 {
			return nil
		}
		m.push(pushOperand(instr.Operands[0]))
		return nil

	case OpPop:
		m.tryPop()
		return nil

	case OpGCNew:
		size := int64(1)
		if v, ok := m.tryPop(); ok {
			size = v.AsInt64()
		}
		obj, err := m.heap.Allocate(int(size), "object")
		if err != nil {
			return NewMemoryError("allocation failed", instr.Line)
		}
		m.push(PointerOf(NewPointer(obj, "object")))
		return nil

	case OpGCDelete:
		if v, ok := m.tryPop(); ok {
			if v.Kind() == KindPointer && v.Pointer().Obj != nil {
				m.heap.Deallocate(v.Pointer().Obj)
			}
		}
		return nil

	case OpGCRun:
		collected := m.runGC()
		m.push(IntOf(int64(collected)))
		return nil

	case OpMemMalloc:
		if v, ok := m.tryPop(); ok {
			addr, err := m.mem.Malloc(int(v.AsInt64()))
			if err != nil {
				return NewMemoryError("malloc failed", instr.Line)
			}
			m.push(LongOf(addr))
		}
		return nil

	case OpMemFree:
		if v, ok := m.tryPop(); ok {
			m.mem.Free(v.AsInt64())
		}
		return nil

	case OpPtrNew:
		size := int64(8)
		if len(instr.Operands) > 0 {
			if n, err := strconv.ParseInt(instr.Operand(0), 10, 64); err == nil {
				size = n
			}
		} else if v, ok := m.tryPop(); ok {
			size = v.AsInt64()
		}
		obj, err := m.heap.Allocate(int(size), "object")
		if err != nil {
			return NewMemoryError("allocation failed", instr.Line)
		}
		m.push(PointerOf(NewPointer(obj, "object")))
		return nil

	case OpPtrDeref:
		v, ok := m.tryPop()
		if !ok {
			return nil
		}
		if v.Kind() != KindPointer {
			m.push(v)
			return nil
		}
		if v.Pointer().IsNull {
			return NewRuntimeError("Cannot dereference null pointer", instr.Line)
		}
		m.push(StringOf(derefRender(v.Pointer())))
		return nil

	case OpThrow:
		if v, ok := m.tryPop(); ok {
			msg := "Unknown exception occurred"
			if v.Kind() == KindString {
				msg = v.Str()
			}
			return NewRuntimeError(msg, instr.Line)
		}
		return NewRuntimeError("Exception thrown", instr.Line)

	case OpTry:
		m.tryFrames = append(m.tryFrames, m.state.PC)
		return nil

	case OpCatch:
		// Reached in normal flow: the try body completed without a fault,
		// so the handler arm is skipped.
		if len(m.tryFrames) > 0 {
			m.tryFrames = m.tryFrames[:len(m.tryFrames)-1]
		}
		m.jumpToEnd()
		return nil

	case OpImport:
		if len(instr.Operands) > 0 {
			fmt.Fprintf(m.Stdout, "Importing module: %s\n", instr.Operand(0))
		}
		return nil

	case OpBreak, OpContinue, OpPass, OpPackage, OpNop:
		return nil

	default:
		fmt.Fprintf(m.Stderr, "Warning: Unknown instruction type at line %d\n", instr.Line)
		return nil
	}
}

// ---------------------------------------------------------------------------
// Operand interpretation
// ---------------------------------------------------------------------------

// loadOperand resolves a LOAD operand: a quoted token is a string literal;
// true/false/null are keywords; numbers parse as doubles or integers; any
// other token is a variable name, with undefined names loading integer 0.
func (m *VM) loadOperand(op Operand) Value {
	if op.IsString {
		return StringOf(op.Text)
	}
	switch op.Text {
	case "true":
		return BoolOf(true)
	case "false":
		return BoolOf(false)
	case "null":
		return Null()
	}
	if v, ok := parseNumber(op.Text); ok {
		return v
	}
	if v, ok := m.lookupVar(op.Text); ok {
		return v
	}
	return IntOf(0)
}

// pushOperand resolves a PUSH operand: numbers parse as numbers, everything
// else is pushed as a string.
func pushOperand(op Operand) Value {
	if op.IsString {
		return StringOf(op.Text)
	}
	if v, ok := parseNumber(op.Text); ok {
		return v
	}
	return StringOf(op.Text)
}

// parseNumber parses a numeric token: a '.' makes it a double, otherwise it
// is an integer, widened to long when it does not fit in 32 bits.
func parseNumber(text string) (Value, bool) {
	if strings.ContainsRune(text, '.') {
		if f, err := strconv.ParseFloat(text, 64); err == nil {
			return DoubleOf(f), true
		}
		return Value{}, false
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		if n >= -1<<31 && n < 1<<31 {
			return IntOf(n), true
		}
		return LongOf(n), true
	}
	return Value{}, false
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// call dispatches CALL: a builtin of the given name takes precedence; the
// calling convention passes at most one argument via the stack. User
// functions push the return sentinel and transfer to the FUNC instruction,
// which opens the callee's scope frame.
func (m *VM) call(name string, line int) error {
	if fn, ok := m.builtins[name]; ok {
		var args []Value
		if v, ok := m.tryPop(); ok {
			args = append(args, v)
		}
		result, err := fn(args)
		if err != nil {
			var vmErr *VMError
			if errors.As(err, &vmErr) && vmErr.Line < 0 {
				vmErr.Line = line
			}
			return err
		}
		m.push(result)
		return nil
	}

	funcPC, ok := m.state.Functions[name]
	if !ok {
		return NewRuntimeError("Undefined function: "+name, line)
	}
	m.push(IntOf(int64(m.state.PC)))
	m.state.PC = funcPC - 1 // loop increment lands on the FUNC instruction
	return nil
}

// ---------------------------------------------------------------------------
// Control-flow scanning
// ---------------------------------------------------------------------------

// jumpToElseOrEnd scans forward for the ELSE or END matching the current
// IF, maintaining a nesting depth over IF/WHILE and END, and reports
// whether it landed on an ELSE. A missing END resolves to the end of the
// program.
func (m *VM) jumpToElseOrEnd() bool {
	depth := 1
	for pc := m.state.PC + 1; pc < len(m.state.Program); pc++ {
		switch m.state.Program[pc].Op {
		case OpIf, OpWhile:
			depth++
		case OpElse:
			if depth == 1 {
				m.state.PC = pc
				return true
			}
		case OpEnd:
			depth--
			if depth == 0 {
				m.state.PC = pc
				return false
			}
		}
	}
	m.state.PC = len(m.state.Program) - 1
	return false
}

// jumpToEnd scans forward for the END matching the current construct.
func (m *VM) jumpToEnd() {
	depth := 1
	for pc := m.state.PC + 1; pc < len(m.state.Program); pc++ {
		switch m.state.Program[pc].Op {
		case OpIf, OpWhile:
			depth++
		case OpEnd:
			depth--
			if depth == 0 {
				m.state.PC = pc
				return
			}
		}
	}
	m.state.PC = len(m.state.Program) - 1
}

// blockKind distinguishes which construct an executed END closes.
type blockKind int

const (
	blockIf blockKind = iota
	blockLoop
)

// blockEntry is one open IF or WHILE construct. For loops, mark records the
// stack position of the loop-head sentinel.
type blockEntry struct {
	kind blockKind
	mark int
}

// loopEnd closes an executed END. Closing a loop removes the WHILE sentinel
// from the operand stack and jumps back to the loop head so the WHILE
// re-checks the condition the body left on top. Closing an IF (or an END
// with no open construct, as after a CATCH handler) has no effect.
func (m *VM) loopEnd() {
	n := len(m.blocks)
	if n == 0 {
		return
	}
	entry := m.blocks[n-1]
	m.blocks = m.blocks[:n-1]
	if entry.kind != blockLoop {
		return
	}

	if entry.mark >= len(m.state.Stack) {
		// The sentinel was consumed by unbalanced stack traffic.
		return
	}
	sentinel := m.state.Stack[entry.mark]
	if !sentinel.IsInteger() {
		return
	}
	target := sentinel.Long()
	if target < 0 || target >= int64(len(m.state.Program)) {
		return
	}

	m.state.Stack = append(m.state.Stack[:entry.mark], m.state.Stack[entry.mark+1:]...)
	m.state.PC = int(target)
}

// derefRender is the display representation of a dereferenced pointer.
func derefRender(p *PointerValue) string {
	return "[ptr_data:" + p.TypeTag() + "]"
}
