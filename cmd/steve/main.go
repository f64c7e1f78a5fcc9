// Steve CLI - loads a textual IR file and executes it on the VM.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/stevelang/steve/manifest"
	"github.com/stevelang/steve/vm"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	debug := flag.Bool("d", false, "Run under the debugger")
	useJIT := flag.Bool("jit", false, "Enable the JIT fast path")
	profile := flag.Bool("profile", false, "Record an opcode profile for this run")
	cache := flag.Bool("cache", false, "Use and refresh the compiled program cache")
	profileDB := flag.String("profile-db", "", "Profile database path (overrides steve.toml)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: steve [options] <program.ir>\n\n")
		fmt.Fprintf(os.Stderr, "Executes a steve IR program.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  steve prog.ir            # Run a program\n")
		fmt.Fprintf(os.Stderr, "  steve -d prog.ir         # Run under the debugger\n")
		fmt.Fprintf(os.Stderr, "  steve -jit prog.ir       # Enable the JIT fast path\n")
		fmt.Fprintf(os.Stderr, "  steve -profile prog.ir   # Record an opcode profile\n")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	path := flag.Arg(0)

	verbosity := 0
	if *verbose {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)
	log := commonlog.GetLogger("steve")

	// steve.toml supplies defaults; flags override.
	mf, err := manifest.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
	jit, prof, useCache := *useJIT, *profile, *cache
	db := *profileDB
	debugging := *debug
	var breakpoints []manifest.BreakpointSpec
	if mf != nil {
		jit = jit || mf.Runtime.JIT
		prof = prof || mf.Runtime.Profile
		useCache = useCache || mf.Runtime.Cache
		debugging = debugging || mf.Debug.Enabled
		breakpoints = mf.Debug.Breakpoints
		if db == "" {
			db = mf.Runtime.ProfileDB
		}
	}
	if db == "" {
		db = "steve-profile.db"
	}

	machine := vm.NewVM()
	defer machine.Close()
	machine.EnableJIT(jit)
	if prof {
		machine.EnableProfiling()
	}

	if useCache {
		err = machine.LoadProgramCached(path, true)
	} else {
		err = machine.LoadProgram(path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Internal Error: Failed to load program: %v\n", err)
		os.Exit(1)
	}

	if debugging {
		err = runDebugger(machine, breakpoints)
	} else {
		err = machine.Execute()
	}
	if err != nil {
		os.Exit(1)
	}

	if prof {
		saveProfile(machine, path, db, log)
	}
}

// runDebugger executes the program under an interactive debugger reading
// commands from standard input.
func runDebugger(machine *vm.VM, breakpoints []manifest.BreakpointSpec) error {
	dbg := vm.NewDebugger(machine)
	for _, bp := range breakpoints {
		if bp.Condition != "" {
			dbg.AddConditionalBreakpoint(bp.Line, bp.PC, bp.Condition)
		} else {
			dbg.AddBreakpoint(bp.Line, bp.PC)
		}
	}

	reader := bufio.NewReader(os.Stdin)
	dbg.SetCommandSource(func(status vm.PauseStatus) vm.DebugCommand {
		for {
			fmt.Fprint(os.Stderr, "(steve) ")
			line, err := reader.ReadString('\n')
			if err != nil {
				return vm.DebugContinue
			}
			switch strings.TrimSpace(line) {
			case "s", "step":
				return vm.DebugStep
			case "n", "next":
				return vm.DebugStepOver
			case "i", "into":
				return vm.DebugStepInto
			case "o", "out":
				return vm.DebugStepOut
			case "c", "continue", "":
				return vm.DebugContinue
			default:
				fmt.Fprintln(os.Stderr, "commands: step next into out continue")
			}
		}
	})
	dbg.Step()
	return dbg.Execute()
}

// saveProfile persists the run's opcode profile to the profile database.
func saveProfile(machine *vm.VM, program, dbPath string, log commonlog.Logger) {
	store, err := vm.OpenProfileStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return
	}
	defer store.Close()

	if err := store.Save(machine.RunID(), program, machine.Profiler()); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		return
	}
	log.Infof("profile for run %s saved to %s", machine.RunID(), dbPath)
}
