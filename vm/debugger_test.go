package vm

import (
	"bytes"
	"testing"
)

// scriptedCommands returns a command source that replays the given commands
// in order, then continues, recording every pause status.
func scriptedCommands(pauses *[]PauseStatus, commands ...DebugCommand) CommandSource {
	i := 0
	return func(status PauseStatus) DebugCommand {
		*pauses = append(*pauses, status)
		if i < len(commands) {
			cmd := commands[i]
			i++
			return cmd
		}
		return DebugContinue
	}
}

func newDebugVM(t *testing.T, src string) (*VM, *Debugger, *bytes.Buffer) {
	t.Helper()
	m, out, _ := newTestVM()
	if err := m.LoadProgramSource(src); err != nil {
		t.Fatal(err)
	}
	d := NewDebugger(m)
	d.SetOutput(&bytes.Buffer{})
	return m, d, out
}

const debugProgram = `GOTO start
FUNC double
LOAD x
LOAD 2
BINARY_OP *
STORE y
RETURN
LABEL start
LOAD 21
STORE x
CALL double
LOAD y
PRINT
`

// ---------------------------------------------------------------------------
// Breakpoints
// ---------------------------------------------------------------------------

func TestBreakpointByPC(t *testing.T) {
	_, d, out := newDebugVM(t, "LOAD 1\nLOAD 2\nBINARY_OP +\nPRINT\n")
	var pauses []PauseStatus
	d.SetCommandSource(scriptedCommands(&pauses))
	d.AddBreakpoint(-1, 2)

	if err := d.Execute(); err != nil {
		t.Fatal(err)
	}
	if len(pauses) != 1 {
		t.Fatalf("pauses = %d, want 1", len(pauses))
	}
	if pauses[0].PC != 2 {
		t.Errorf("paused at PC %d, want 2", pauses[0].PC)
	}
	if out.String() != "3\n" {
		t.Errorf("stdout = %q, want %q", out.String(), "3\n")
	}
}

func TestBreakpointByLine(t *testing.T) {
	_, d, _ := newDebugVM(t, "LOAD 1\nPRINT\n")
	var pauses []PauseStatus
	d.SetCommandSource(scriptedCommands(&pauses))
	d.AddBreakpoint(2, -1)

	if err := d.Execute(); err != nil {
		t.Fatal(err)
	}
	if len(pauses) != 1 || pauses[0].Line != 2 {
		t.Fatalf("pauses = %+v, want one at line 2", pauses)
	}
}

func TestDisabledBreakpointDoesNotPause(t *testing.T) {
	_, d, _ := newDebugVM(t, "LOAD 1\nPRINT\n")
	var pauses []PauseStatus
	d.SetCommandSource(scriptedCommands(&pauses))
	d.AddBreakpoint(2, -1)
	d.DisableBreakpoint(2)

	if err := d.Execute(); err != nil {
		t.Fatal(err)
	}
	if len(pauses) != 0 {
		t.Errorf("pauses = %d, want 0", len(pauses))
	}
}

func TestConditionalBreakpoint(t *testing.T) {
	src := `DEFVAR flag
LOAD 0
STORE flag
LOAD "a"
PRINT
`
	_, d, _ := newDebugVM(t, src)
	var pauses []PauseStatus
	d.SetCommandSource(scriptedCommands(&pauses))
	d.AddConditionalBreakpoint(5, -1, "flag")

	if err := d.Execute(); err != nil {
		t.Fatal(err)
	}
	if len(pauses) != 0 {
		t.Errorf("pauses = %d, want 0 (condition is falsy)", len(pauses))
	}

	// With the flag set, the same breakpoint fires.
	truthy := `DEFVAR flag
LOAD 1
STORE flag
LOAD "a"
PRINT
`
	_, d, _ = newDebugVM(t, truthy)
	pauses = nil
	d.SetCommandSource(scriptedCommands(&pauses))
	d.AddConditionalBreakpoint(5, -1, "flag")

	if err := d.Execute(); err != nil {
		t.Fatal(err)
	}
	if len(pauses) != 1 {
		t.Errorf("pauses = %d, want 1 (condition is truthy)", len(pauses))
	}
}

func TestTemporaryBreakpointRemovedAfterHit(t *testing.T) {
	src := `DEFVAR i
LOAD 0
STORE i
LOAD i
LOAD 2
BINARY_OP <
WHILE
DO
LOAD i
LOAD 1
BINARY_OP +
STORE i
LOAD i
LOAD 2
BINARY_OP <
END
`
	_, d, _ := newDebugVM(t, src)
	var pauses []PauseStatus
	d.SetCommandSource(scriptedCommands(&pauses))
	d.AddTemporaryBreakpoint(-1, 8) // first body instruction, hit twice

	if err := d.Execute(); err != nil {
		t.Fatal(err)
	}
	if len(pauses) != 1 {
		t.Errorf("pauses = %d, want 1 (temporary breakpoint)", len(pauses))
	}
	if len(d.Breakpoints()) != 0 {
		t.Errorf("breakpoints left = %d, want 0", len(d.Breakpoints()))
	}
}

// ---------------------------------------------------------------------------
// Stepping
// ---------------------------------------------------------------------------

func TestStepPausesEveryInstruction(t *testing.T) {
	m, d, _ := newDebugVM(t, "LOAD 1\nLOAD 2\nBINARY_OP +\nPRINT\n")
	var pauses []PauseStatus
	d.SetCommandSource(scriptedCommands(&pauses,
		DebugStep, DebugStep, DebugStep, DebugStep))
	d.Step()

	if err := d.Execute(); err != nil {
		t.Fatal(err)
	}
	if len(pauses) != len(m.State().Program) {
		t.Errorf("pauses = %d, want %d", len(pauses), len(m.State().Program))
	}
}

func TestStepIntoPausesOnCall(t *testing.T) {
	_, d, _ := newDebugVM(t, debugProgram)
	var pauses []PauseStatus
	d.SetCommandSource(scriptedCommands(&pauses))
	d.StepInto()

	if err := d.Execute(); err != nil {
		t.Fatal(err)
	}
	if len(pauses) != 1 {
		t.Fatalf("pauses = %d, want 1", len(pauses))
	}
	if pauses[0].PC != 10 {
		t.Errorf("paused at PC %d, want 10 (the CALL)", pauses[0].PC)
	}
}

func TestStepOverSkipsCallee(t *testing.T) {
	_, d, out := newDebugVM(t, debugProgram)
	var pauses []PauseStatus
	// Pause at the CALL, step over it, then continue from the next pause.
	d.AddBreakpoint(-1, 10)
	d.SetCommandSource(scriptedCommands(&pauses, DebugStepOver))

	if err := d.Execute(); err != nil {
		t.Fatal(err)
	}
	if len(pauses) != 2 {
		t.Fatalf("pauses = %d, want 2", len(pauses))
	}
	if pauses[1].PC != 11 {
		t.Errorf("step-over resumed at PC %d, want 11 (after the call)", pauses[1].PC)
	}
	if out.String() != "42\n" {
		t.Errorf("stdout = %q, want %q", out.String(), "42\n")
	}
}

func TestStepOutPausesAfterReturn(t *testing.T) {
	_, d, _ := newDebugVM(t, debugProgram)
	var pauses []PauseStatus
	// Break inside the callee, then step out.
	d.AddBreakpoint(-1, 2)
	d.SetCommandSource(scriptedCommands(&pauses, DebugStepOut))

	if err := d.Execute(); err != nil {
		t.Fatal(err)
	}
	if len(pauses) != 2 {
		t.Fatalf("pauses = %d, want 2", len(pauses))
	}
	if pauses[1].PC != 11 {
		t.Errorf("step-out resumed at PC %d, want 11 (after the call)", pauses[1].PC)
	}
}

// ---------------------------------------------------------------------------
// Call-depth tracking and status rendering
// ---------------------------------------------------------------------------

func TestCallDepthReturnsToZero(t *testing.T) {
	_, d, _ := newDebugVM(t, debugProgram)
	if err := d.Execute(); err != nil {
		t.Fatal(err)
	}
	if d.CallDepth() != 0 {
		t.Errorf("call depth = %d, want 0", d.CallDepth())
	}
}

func TestPauseStatusIncludesStackSummary(t *testing.T) {
	_, d, _ := newDebugVM(t, "LOAD \"hi\"\nLOAD 3\nBINARY_OP *\n")
	var pauses []PauseStatus
	d.SetCommandSource(scriptedCommands(&pauses))
	d.AddBreakpoint(-1, 2)

	// The fault from string*int aborts the run; the pause before it must
	// still have rendered the stack.
	d.Execute()
	if len(pauses) != 1 {
		t.Fatalf("pauses = %d, want 1", len(pauses))
	}
	want := `Stack (2 elements): "hi" 3`
	if pauses[0].Stack != want {
		t.Errorf("stack summary = %q, want %q", pauses[0].Stack, want)
	}
}

func TestDebugRunMatchesPlainRun(t *testing.T) {
	plain, _, err := runSource(t, debugProgram)
	if err != nil {
		t.Fatal(err)
	}
	_, d, out := newDebugVM(t, debugProgram)
	if err := d.Execute(); err != nil {
		t.Fatal(err)
	}
	if out.String() != plain {
		t.Errorf("debug run output %q != plain run output %q", out.String(), plain)
	}
}
