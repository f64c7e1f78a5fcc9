package vm

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Debugger: breakpoints, stepping, call-depth tracking
// ---------------------------------------------------------------------------

// DebugCommand is a pending debugger command.
type DebugCommand int

const (
	DebugNone     DebugCommand = iota // no command pending
	DebugStep                         // pause at every instruction
	DebugStepOver                     // pause after returning to the current call depth
	DebugStepInto                     // pause on the next CALL
	DebugStepOut                      // pause after RETURN to depth-1
	DebugContinue                     // run until the next breakpoint
	DebugBreak                        // pause immediately
)

// Breakpoint pauses execution at a source line or PC. A non-empty
// condition names a variable whose truthiness gates the pause; temporary
// breakpoints are removed after their first hit.
type Breakpoint struct {
	Line      int
	PC        int
	Enabled   bool
	Condition string
	Temporary bool
}

// PauseStatus describes a paused machine for the command source.
type PauseStatus struct {
	PC     int
	Line   int
	Reason string
	Stack  string
}

// CommandSource supplies the next command each time execution pauses. A nil
// source continues unconditionally.
type CommandSource func(status PauseStatus) DebugCommand

// Debugger wraps a VM's per-instruction step with pre-dispatch breakpoint
// and stepping checks.
type Debugger struct {
	vm        *VM
	sessionID uuid.UUID

	breakpoints []Breakpoint
	pending     DebugCommand
	stepping    bool
	baseDepth   int

	// Shadow call stack: the PC of each CALL still on the way down.
	callStack []int
	callDepth int

	out      io.Writer
	commands CommandSource
	log      commonlog.Logger
}

// NewDebugger attaches a debugger to the given VM. Pause status is written
// to the VM's stdout unless SetOutput overrides it.
func NewDebugger(m *VM) *Debugger {
	return &Debugger{
		vm:        m,
		sessionID: uuid.New(),
		out:       m.Stdout,
		log:       commonlog.GetLogger("steve.debug"),
	}
}

// SessionID returns the debug session's UUID.
func (d *Debugger) SessionID() uuid.UUID { return d.sessionID }

// SetOutput redirects pause status rendering.
func (d *Debugger) SetOutput(w io.Writer) { d.out = w }

// SetCommandSource installs the source consulted on every pause.
func (d *Debugger) SetCommandSource(src CommandSource) { d.commands = src }

// CallDepth returns the current tracked call depth.
func (d *Debugger) CallDepth() int { return d.callDepth }

// ---------------------------------------------------------------------------
// Breakpoint management
// ---------------------------------------------------------------------------

// AddBreakpoint sets a breakpoint on a source line and PC.
func (d *Debugger) AddBreakpoint(line, pc int) {
	d.breakpoints = append(d.breakpoints, Breakpoint{Line: line, PC: pc, Enabled: true})
}

// AddConditionalBreakpoint sets a breakpoint gated on the truthiness of the
// named variable.
func (d *Debugger) AddConditionalBreakpoint(line, pc int, condition string) {
	d.breakpoints = append(d.breakpoints, Breakpoint{
		Line: line, PC: pc, Enabled: true, Condition: condition,
	})
}

// AddTemporaryBreakpoint sets a breakpoint removed after its first hit.
func (d *Debugger) AddTemporaryBreakpoint(line, pc int) {
	d.breakpoints = append(d.breakpoints, Breakpoint{
		Line: line, PC: pc, Enabled: true, Temporary: true,
	})
}

// RemoveBreakpoint removes all non-temporary breakpoints on a line.
func (d *Debugger) RemoveBreakpoint(line int) {
	kept := d.breakpoints[:0]
	for _, bp := range d.breakpoints {
		if bp.Line != line || bp.Temporary {
			kept = append(kept, bp)
		}
	}
	d.breakpoints = kept
}

// RemoveBreakpointByPC removes all non-temporary breakpoints on a PC.
func (d *Debugger) RemoveBreakpointByPC(pc int) {
	kept := d.breakpoints[:0]
	for _, bp := range d.breakpoints {
		if bp.PC != pc || bp.Temporary {
			kept = append(kept, bp)
		}
	}
	d.breakpoints = kept
}

// EnableBreakpoint enables every breakpoint on a line.
func (d *Debugger) EnableBreakpoint(line int) {
	for i := range d.breakpoints {
		if d.breakpoints[i].Line == line {
			d.breakpoints[i].Enabled = true
		}
	}
}

// DisableBreakpoint disables every breakpoint on a line.
func (d *Debugger) DisableBreakpoint(line int) {
	for i := range d.breakpoints {
		if d.breakpoints[i].Line == line {
			d.breakpoints[i].Enabled = false
		}
	}
}

// Breakpoints returns a copy of the breakpoint list.
func (d *Debugger) Breakpoints() []Breakpoint {
	out := make([]Breakpoint, len(d.breakpoints))
	copy(out, d.breakpoints)
	return out
}

// ---------------------------------------------------------------------------
// Stepping commands
// ---------------------------------------------------------------------------

// Step arms single stepping.
func (d *Debugger) Step() {
	d.pending = DebugStep
	d.stepping = true
}

// StepOver arms a pause once control is back at the current call depth.
func (d *Debugger) StepOver() {
	d.pending = DebugStepOver
	d.stepping = true
	d.baseDepth = d.callDepth
}

// StepInto arms a pause on the next CALL.
func (d *Debugger) StepInto() {
	d.pending = DebugStepInto
	d.stepping = true
}

// StepOut arms a pause once the current function has returned.
func (d *Debugger) StepOut() {
	d.pending = DebugStepOut
	d.stepping = true
	d.baseDepth = d.callDepth
}

// Continue clears stepping; execution runs to the next breakpoint.
func (d *Debugger) Continue() {
	d.pending = DebugContinue
	d.stepping = false
}

// ---------------------------------------------------------------------------
// Debug execution
// ---------------------------------------------------------------------------

// Execute runs the VM's program under the debugger: before each dispatch
// the breakpoint set and stepping state are consulted, and the machine
// pauses when they demand it. Fault handling matches plain execution.
func (d *Debugger) Execute() error {
	m := d.vm
	if len(m.state.Program) == 0 {
		return fmt.Errorf("no program loaded")
	}

	m.runID = uuid.New()
	d.log.Debugf("debug session %s begins run %s", d.sessionID, m.runID)

	m.state.PC = 0
	m.state.Running = true

	for m.state.Running && m.state.PC < len(m.state.Program) {
		instr := &m.state.Program[m.state.PC]

		if reason, hit := d.shouldPauseAt(m.state.PC, instr.Line); hit {
			d.pause(reason, instr)
		}

		switch instr.Op {
		case OpCall:
			d.callStack = append(d.callStack, m.state.PC)
			d.callDepth++
		case OpReturn:
			if len(d.callStack) > 0 {
				d.callStack = d.callStack[:len(d.callStack)-1]
			}
			if d.callDepth > 0 {
				d.callDepth--
			}
		}

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

// shouldPauseAt checks breakpoints and the stepping state for the
// instruction about to execute.
func (d *Debugger) shouldPauseAt(pc, line int) (string, bool) {
	for i := range d.breakpoints {
		bp := &d.breakpoints[i]
		if !bp.Enabled {
			continue
		}
		if bp.PC != pc && (line < 0 || bp.Line != line) {
			continue
		}
		if !d.conditionHolds(bp.Condition) {
			continue
		}
		if bp.Temporary {
			d.breakpoints = append(d.breakpoints[:i], d.breakpoints[i+1:]...)
		}
		return "breakpoint", true
	}

	if !d.stepping {
		return "", false
	}
	switch d.pending {
	case DebugStep, DebugBreak:
		return "step", true
	case DebugStepInto:
		if d.vm.state.Program[pc].Op == OpCall {
			return "step-into", true
		}
	case DebugStepOver:
		if d.callDepth <= d.baseDepth {
			return "step-over", true
		}
	case DebugStepOut:
		if d.callDepth < d.baseDepth {
			return "step-out", true
		}
	}
	return "", false
}

// conditionHolds evaluates a breakpoint condition: empty conditions hold
// unconditionally, otherwise the named variable's truthiness decides.
func (d *Debugger) conditionHolds(condition string) bool {
	if condition == "" {
		return true
	}
	v, ok := d.vm.lookupVar(condition)
	return ok && v.IsTruthy()
}

// pause renders the machine status and blocks on the command source for
// the next command.
func (d *Debugger) pause(reason string, instr *Instruction) {
	status := PauseStatus{
		PC:     d.vm.state.PC,
		Line:   instr.Line,
		Reason: reason,
		Stack:  renderStack(d.vm.state.Stack),
	}
	fmt.Fprintf(d.out, "DEBUGGER PAUSED at PC: %d, line %d (%s)\n", status.PC, status.Line, reason)
	fmt.Fprintln(d.out, status.Stack)

	cmd := DebugContinue
	if d.commands != nil {
		cmd = d.commands(status)
	}
	switch cmd {
	case DebugStep:
		d.Step()
	case DebugStepOver:
		d.StepOver()
	case DebugStepInto:
		d.StepInto()
	case DebugStepOut:
		d.StepOut()
	case DebugContinue, DebugNone:
		d.Continue()
	case DebugBreak:
		d.pending = DebugBreak
		d.stepping = true
	}
}
