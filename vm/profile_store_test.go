package vm

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Profiler
// ---------------------------------------------------------------------------

func TestProfilerCountsDispatches(t *testing.T) {
	m, _, _ := newTestVM()
	prof := m.EnableProfiling()
	if err := m.LoadProgramSource("LOAD 1\nLOAD 2\nBINARY_OP +\nPRINT\n"); err != nil {
		t.Fatal(err)
	}
	if err := m.Execute(); err != nil {
		t.Fatal(err)
	}

	if got := prof.Count(OpLoad); got != 2 {
		t.Errorf("LOAD count = %d, want 2", got)
	}
	if got := prof.Count(OpBinaryOp); got != 1 {
		t.Errorf("BINARY_OP count = %d, want 1", got)
	}
	if got := prof.Total(); got != 4 {
		t.Errorf("total = %d, want 4", got)
	}
}

func TestProfilerReset(t *testing.T) {
	p := NewProfiler()
	p.Record(OpLoad)
	p.Reset()
	if p.Total() != 0 || p.Count(OpLoad) != 0 {
		t.Error("Reset should clear all counts")
	}
}

// ---------------------------------------------------------------------------
// Profile store
// ---------------------------------------------------------------------------

func TestProfileStoreSaveAndQuery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "profile.db")
	store, err := OpenProfileStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	prof := NewProfiler()
	prof.Record(OpLoad)
	prof.Record(OpLoad)
	prof.Record(OpPrint)

	runID := uuid.New()
	if err := store.Save(runID, "prog.ir", prof); err != nil {
		t.Fatal(err)
	}

	n, err := store.RunCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("run count = %d, want 1", n)
	}

	count, err := store.OpcodeCount(runID, OpLoad)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("LOAD count = %d, want 2", count)
	}

	// Opcodes with no recorded count read back as zero.
	count, err = store.OpcodeCount(runID, OpWhile)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("WHILE count = %d, want 0", count)
	}
}

func TestProfileStoreSaveReplacesRun(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "profile.db")
	store, err := OpenProfileStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	runID := uuid.New()
	prof := NewProfiler()
	prof.Record(OpLoad)
	if err := store.Save(runID, "prog.ir", prof); err != nil {
		t.Fatal(err)
	}

	prof.Record(OpLoad)
	if err := store.Save(runID, "prog.ir", prof); err != nil {
		t.Fatal(err)
	}

	n, err := store.RunCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("run count = %d, want 1 (replaced, not duplicated)", n)
	}
	count, err := store.OpcodeCount(runID, OpLoad)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("LOAD count = %d, want 2", count)
	}
}
