package vm

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// VM: the steve virtual machine
// ---------------------------------------------------------------------------

// MachineState is the interpreter's execution state: program counter,
// running flag, operand stack, scope chain, global variables, function
// table, and the loaded program.
type MachineState struct {
	PC        int
	Running   bool
	Stack     []Value
	Scopes    []map[string]Value // innermost last; never empty
	Globals   map[string]Value
	Functions map[string]int // function name -> PC of its FUNC instruction
	Program   []Instruction
}

// VM executes decoded IR programs. Each VM owns its heap, memory manager,
// and file table; nothing is shared process-wide.
type VM struct {
	state    MachineState
	builtins map[string]BuiltinFunc

	heap  *Heap
	mem   *MemoryManager
	files *FileTable

	jit    Compiler
	useJIT bool

	// Active TRY frames, innermost last. Each entry is the PC of the TRY
	// instruction that opened the frame.
	tryFrames []int

	// Open IF/WHILE constructs, innermost last.
	blocks []blockEntry

	profiler *Profiler

	runID uuid.UUID
	log   commonlog.Logger

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewVM creates a VM with registered builtins, an empty heap, and the
// standard streams attached.
func NewVM() *VM {
	m := &VM{
		heap:   NewHeap(),
		mem:    NewMemoryManager(),
		files:  NewFileTable(),
		jit:    NewClosureCompiler(),
		log:    commonlog.GetLogger("steve.vm"),
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	m.state = newMachineState()
	m.registerBuiltins()
	return m
}

func newMachineState() MachineState {
	return MachineState{
		Scopes:    []map[string]Value{{}},
		Globals:   make(map[string]Value),
		Functions: make(map[string]int),
	}
}

// State returns a read-only view of the machine state.
func (m *VM) State() *MachineState { return &m.state }

// Heap returns the VM's collector.
func (m *VM) Heap() *Heap { return m.heap }

// Memory returns the VM's raw memory manager.
func (m *VM) Memory() *MemoryManager { return m.mem }

// Files returns the VM's file handle table.
func (m *VM) Files() *FileTable { return m.files }

// RunID returns the UUID stamped on the current (or last) run.
func (m *VM) RunID() uuid.UUID { return m.runID }

// SetJIT replaces the pluggable compiler. A nil compiler disables the JIT
// path entirely.
func (m *VM) SetJIT(c Compiler) {
	m.jit = c
	if c == nil {
		m.useJIT = false
	}
}

// EnableJIT turns the JIT fast path on or off.
func (m *VM) EnableJIT(enabled bool) { m.useJIT = enabled }

// EnableProfiling attaches a fresh opcode profiler to the VM.
func (m *VM) EnableProfiling() *Profiler {
	m.profiler = NewProfiler()
	return m.profiler
}

// Profiler returns the attached profiler, or nil when profiling is off.
func (m *VM) Profiler() *Profiler { return m.profiler }

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// LoadProgram reads an IR file from disk and decodes it.
func (m *VM) LoadProgram(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot open file %s: %w", path, err)
	}
	return m.LoadProgramSource(string(data))
}

// LoadProgramSource decodes an IR blob and installs it as the current
// program. The function table is rebuilt from the decoded instructions.
func (m *VM) LoadProgramSource(src string) error {
	program := ParseIR(src)
	if len(program) == 0 {
		return errors.New("no instructions in program")
	}
	m.installProgram(program)
	return nil
}

// InstallProgram installs an already decoded instruction vector, e.g. one
// loaded from a compiled program cache.
func (m *VM) InstallProgram(program []Instruction) error {
	if len(program) == 0 {
		return errors.New("no instructions in program")
	}
	m.installProgram(program)
	return nil
}

func (m *VM) installProgram(program []Instruction) {
	m.state.Program = program

	// FUNC locations are recorded at load time so calls can resolve
	// forward references.
	clear(m.state.Functions)
	for pc, instr := range program {
		if instr.Op == OpFunc && len(instr.Operands) > 0 {
			m.state.Functions[instr.Operand(0)] = pc
		}
	}
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

// Execute runs the loaded program to completion. When the JIT is enabled
// and the program is eligible, the compiled artifact runs instead of the
// interpreter; any compilation failure falls back silently. Errors from the
// dispatch loop are reported to stderr with the PC and source line before
// being returned.
func (m *VM) Execute() error {
	if len(m.state.Program) == 0 {
		return errors.New("no program loaded")
	}

	m.runID = uuid.New()
	m.log.Debugf("run %s: %d instructions", m.runID, len(m.state.Program))

	if m.useJIT && m.jit != nil && Eligible(m.state.Program) {
		if artifact, err := m.jit.Compile(m.state.Program); err == nil {
			result, err := artifact.Execute()
			if err == nil {
				m.log.Infof("JIT execution result: %d", result)
				return nil
			}
			m.log.Errorf("JIT execution failed: %s, falling back to interpreter", err)
		} else {
			m.log.Debugf("JIT compilation failed: %s, falling back to interpreter", err)
		}
	}

	m.state.PC = 0
	m.state.Running = true

	for m.state.Running && m.state.PC < len(m.state.Program) {
		instr := &m.state.Program[m.state.PC]
		if m.profiler != nil {
			m.profiler.Record(instr.Op)
		}
		if err := m.decodeAndExecute(instr); err != nil {
			if m.handleException(err) {
				m.state.PC++
				continue
			}
			m.reportFault(err)
			m.state.Running = false
			return err
		}
		m.state.PC++
	}

	return nil
}

// reportFault writes the diagnostic for an uncaught error, citing the PC
// and, when known, the source line.
func (m *VM) reportFault(err error) {
	fmt.Fprintf(m.Stderr, "VM exception at PC %d: %v\n", m.state.PC, err)
	var vmErr *VMError
	if errors.As(err, &vmErr) && vmErr.Line > 0 {
		fmt.Fprintf(m.Stderr, "  at line %d\n", vmErr.Line)
	}
}

// handleException transfers control to the innermost TRY frame's CATCH, if
// one is active and the error is a catchable domain fault. The error
// message is pushed for the handler.
func (m *VM) handleException(err error) bool {
	var vmErr *VMError
	if !errors.As(err, &vmErr) {
		return false
	}
	if vmErr.Kind != RuntimeFault && vmErr.Kind != TypeFault {
		return false
	}

	for len(m.tryFrames) > 0 {
		frame := m.tryFrames[len(m.tryFrames)-1]
		m.tryFrames = m.tryFrames[:len(m.tryFrames)-1]

		for pc := frame + 1; pc < len(m.state.Program); pc++ {
			if m.state.Program[pc].Op == OpCatch {
				m.state.PC = pc // loop increment lands after CATCH
				m.push(StringOf(vmErr.Message))
				return true
			}
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Reset restores the machine to its initial state: the program, stack,
// scopes, globals, and function table are cleared and builtins are
// re-registered.
func (m *VM) Reset() {
	m.state = newMachineState()
	m.tryFrames = nil
	m.blocks = nil
	m.builtins = nil
	m.registerBuiltins()
}

// Close tears the runtime down: a final collection runs, every open file
// handle is closed, and raw memory is released.
func (m *VM) Close() {
	m.runGC()
	m.files.CloseAll()
	m.mem.ReleaseAll()
}

// runGC rebuilds the root set from the machine's reachable state (operand
// stack, scope chain, globals) and runs one collection. Weak pointers do
// not contribute roots.
func (m *VM) runGC() int {
	m.heap.ClearRoots()
	for _, v := range m.state.Stack {
		m.rootValue(v)
	}
	for _, scope := range m.state.Scopes {
		for _, v := range scope {
			m.rootValue(v)
		}
	}
	for _, v := range m.state.Globals {
		m.rootValue(v)
	}
	return m.heap.Collect()
}

// rootValue marks every managed object reachable from v as a root.
func (m *VM) rootValue(v Value) {
	switch v.Kind() {
	case KindPointer:
		p := v.Pointer()
		if p.Obj != nil && !p.Weak {
			m.heap.MarkRoot(p.Obj)
		}
	case KindList:
		for _, item := range v.List().Items {
			m.rootValue(item)
		}
	case KindDict:
		for _, item := range v.Dict().Items {
			m.rootValue(item)
		}
	}
}

// ---------------------------------------------------------------------------
// Stack and scope helpers
// ---------------------------------------------------------------------------

func (m *VM) push(v Value) {
	m.state.Stack = append(m.state.Stack, v)
}

// pop removes and returns the top of the operand stack. Underflow is an
// access fault citing the consuming operation and source line.
func (m *VM) pop(op string, line int) (Value, error) {
	n := len(m.state.Stack)
	if n == 0 {
		return Value{}, NewAccessError("Stack underflow during "+op+" operation", line)
	}
	v := m.state.Stack[n-1]
	m.state.Stack = m.state.Stack[:n-1]
	return v, nil
}

// tryPop removes the top of the stack when one exists.
func (m *VM) tryPop() (Value, bool) {
	n := len(m.state.Stack)
	if n == 0 {
		return Value{}, false
	}
	v := m.state.Stack[n-1]
	m.state.Stack = m.state.Stack[:n-1]
	return v, true
}

// lookupVar resolves a name by walking the scope chain innermost-first,
// falling back to the global map.
func (m *VM) lookupVar(name string) (Value, bool) {
	for i := len(m.state.Scopes) - 1; i >= 0; i-- {
		if v, ok := m.state.Scopes[i][name]; ok {
			return v, true
		}
	}
	v, ok := m.state.Globals[name]
	return v, ok
}

// storeVar updates the nearest enclosing binding of name, falling back to
// the global map when no scope contains it.
func (m *VM) storeVar(name string, v Value) {
	for i := len(m.state.Scopes) - 1; i >= 0; i-- {
		if _, ok := m.state.Scopes[i][name]; ok {
			m.state.Scopes[i][name] = v
			return
		}
	}
	m.state.Globals[name] = v
}

// readLine reads one line from standard input, without the trailing
// newline.
func (m *VM) readLine() string {
	var line []byte
	buf := make([]byte, 1)
	for {
		n, err := m.Stdin.Read(buf)
		if n > 0 {
			if buf[0] == '\n' {
				break
			}
			line = append(line, buf[0])
		}
		if err != nil {
			break
		}
	}
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return string(line)
}
