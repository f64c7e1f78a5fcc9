package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// JIT contract
// ---------------------------------------------------------------------------

// CompiledProgram is an invocable native artifact produced by a Compiler.
// Executing it yields a 64-bit integer result.
type CompiledProgram interface {
	Execute() (int64, error)
}

// Compiler is the pluggable fast-path compiler consulted by the
// interpreter. Compile either returns an artifact or an error; on error the
// runtime falls back to the interpreter. For the programs a compiler
// accepts, executing the artifact must never produce an observably
// different result than interpreting them.
type Compiler interface {
	Compile(program []Instruction) (CompiledProgram, error)
}

// Eligible reports whether a program may be handed to the JIT at all:
// control flow and calls disqualify it.
func Eligible(program []Instruction) bool {
	if len(program) == 0 {
		return false
	}
	for _, instr := range program {
		switch instr.Op {
		case OpFunc, OpIf, OpWhile, OpCall, OpGoto:
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Closure compiler
// ---------------------------------------------------------------------------

// ClosureCompiler compiles straight-line integer programs into a chain of
// Go closures over a small stack machine. It accepts only side-effect-free
// 32-bit integer arithmetic (int LOAD/PUSH, POP, BINARY_OP, and padding
// opcodes); anything else is a compile error and the interpreter takes over.
// A result outside the 32-bit range is an execution error, so the
// interpreter's wrapping arithmetic takes over there too.
type ClosureCompiler struct{}

// NewClosureCompiler creates the default fast-path compiler.
func NewClosureCompiler() *ClosureCompiler {
	return &ClosureCompiler{}
}

// jitState is the machine state threaded through compiled closures.
type jitState struct {
	stack []int64
}

type jitOp func(*jitState) error

// closureProgram is the compiled artifact: the closures in program order.
type closureProgram struct {
	ops []jitOp
}

// Execute runs the closures and returns the top of stack, or 0 for an
// empty stack.
func (p *closureProgram) Execute() (int64, error) {
	st := &jitState{}
	for _, op := range p.ops {
		if err := op(st); err != nil {
			return 0, err
		}
	}
	if len(st.stack) == 0 {
		return 0, nil
	}
	return st.stack[len(st.stack)-1], nil
}

// Compile translates the program instruction by instruction. The first
// unsupported instruction aborts compilation.
func (c *ClosureCompiler) Compile(program []Instruction) (CompiledProgram, error) {
	if !Eligible(program) {
		return nil, fmt.Errorf("program contains control flow or calls")
	}

	ops := make([]jitOp, 0, len(program))
	for i := range program {
		op, err := c.compileInstruction(&program[i])
		if err != nil {
			return nil, err
		}
		if op != nil {
			ops = append(ops, op)
		}
	}
	return &closureProgram{ops: ops}, nil
}

func (c *ClosureCompiler) compileInstruction(instr *Instruction) (jitOp, error) {
	switch instr.Op {
	case OpNop, OpPass, OpLabel, OpPackage, OpDo:
		return nil, nil

	case OpLoad, OpPush:
		if len(instr.Operands) == 0 || instr.Operands[0].IsString {
			return nil, fmt.Errorf("non-integer operand at line %d", instr.Line)
		}
		v, ok := parseNumber(instr.Operands[0].Text)
		if !ok || v.Kind() != KindInt {
			return nil, fmt.Errorf("operand is not a 32-bit integer at line %d", instr.Line)
		}
		n := v.Long()
		return func(st *jitState) error {
			st.stack = append(st.stack, n)
			return nil
		}, nil

	case OpPop:
		return func(st *jitState) error {
			if len(st.stack) > 0 {
				st.stack = st.stack[:len(st.stack)-1]
			}
			return nil
		}, nil

	case OpBinaryOp:
		if len(instr.Operands) == 0 {
			return nil, fmt.Errorf("missing operator at line %d", instr.Line)
		}
		op := instr.Operand(0)
		line := instr.Line
		switch op {
		case "+", "-", "*", "/", "%":
		default:
			return nil, fmt.Errorf("unsupported operator %q at line %d", op, line)
		}
		return func(st *jitState) error {
			n := len(st.stack)
			if n < 2 {
				return NewAccessError("Stack underflow during BINARY_OP operation", line)
			}
			left, right := st.stack[n-2], st.stack[n-1]
			st.stack = st.stack[:n-2]
			var result int64
			switch op {
			case "+":
				result = left + right
			case "-":
				result = left - right
			case "*":
				result = left * right
			case "/":
				if right == 0 {
					return NewRuntimeError("Division by zero", line)
				}
				result = left / right
			case "%":
				if right == 0 {
					return NewRuntimeError("Modulo by zero", line)
				}
				result = left % right
			}
			if result != int64(int32(result)) {
				return fmt.Errorf("32-bit integer overflow at line %d", line)
			}
			st.stack = append(st.stack, result)
			return nil
		}, nil

	default:
		return nil, fmt.Errorf("unsupported instruction %s at line %d", instr.Op, instr.Line)
	}
}
