package vm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// FileTable lifecycle
// ---------------------------------------------------------------------------

func TestFileTableOpenWriteReadClose(t *testing.T) {
	ft := NewFileTable()
	path := filepath.Join(t.TempDir(), "out.txt")

	id, err := ft.Open(path, "w")
	if err != nil {
		t.Fatal(err)
	}
	if id < fileHandleFloor {
		t.Errorf("handle id = %d, want >= %d", id, fileHandleFloor)
	}

	n, err := ft.Write(id, "hello")
	if err != nil || n != 5 {
		t.Fatalf("write = %d, %v", n, err)
	}
	if err := ft.Close(id); err != nil {
		t.Fatal(err)
	}

	id, err = ft.Open(path, "r")
	if err != nil {
		t.Fatal(err)
	}
	content, err := ft.Read(id)
	if err != nil {
		t.Fatal(err)
	}
	if content != "hello" {
		t.Errorf("read = %q, want %q", content, "hello")
	}
	ft.Close(id)
}

func TestFileTableHandleIDsIncrease(t *testing.T) {
	ft := NewFileTable()
	dir := t.TempDir()
	a, _ := ft.Open(filepath.Join(dir, "a"), "w")
	b, _ := ft.Open(filepath.Join(dir, "b"), "w")
	if b <= a {
		t.Errorf("ids not monotonically increasing: %d then %d", a, b)
	}
	ft.CloseAll()
}

func TestFileTableCloseIdempotent(t *testing.T) {
	ft := NewFileTable()
	path := filepath.Join(t.TempDir(), "f")
	id, err := ft.Open(path, "w")
	if err != nil {
		t.Fatal(err)
	}

	if err := ft.Close(id); err != nil {
		t.Fatalf("first close: %v", err)
	}
	// Closing again reports an error code but must not fault.
	if err := ft.Close(id); err == nil {
		t.Error("second close should report an error")
	}
	if ft.Len() != 0 {
		t.Errorf("table size = %d, want 0", ft.Len())
	}
}

func TestOpenThenCloseLeavesTableSizeUnchanged(t *testing.T) {
	ft := NewFileTable()
	before := ft.Len()
	id, err := ft.Open(filepath.Join(t.TempDir(), "f"), "w")
	if err != nil {
		t.Fatal(err)
	}
	ft.Close(id)
	if ft.Len() != before {
		t.Errorf("table size = %d, want %d", ft.Len(), before)
	}
}

func TestFileTableAppendMode(t *testing.T) {
	ft := NewFileTable()
	path := filepath.Join(t.TempDir(), "log")

	id, _ := ft.Open(path, "w")
	ft.Write(id, "one")
	ft.Close(id)

	id, _ = ft.Open(path, "a")
	ft.Write(id, "two")
	ft.Close(id)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "onetwo" {
		t.Errorf("content = %q, want %q", data, "onetwo")
	}
}

func TestFileTableOpenMissingFileFails(t *testing.T) {
	ft := NewFileTable()
	if _, err := ft.Open(filepath.Join(t.TempDir(), "missing"), "r"); err == nil {
		t.Error("opening a missing file for read should fail")
	}
	if ft.Len() != 0 {
		t.Errorf("table size = %d, want 0", ft.Len())
	}
}

func TestCloseAll(t *testing.T) {
	ft := NewFileTable()
	dir := t.TempDir()
	ft.Open(filepath.Join(dir, "a"), "w")
	ft.Open(filepath.Join(dir, "b"), "w")
	ft.CloseAll()
	if ft.Len() != 0 {
		t.Errorf("table size = %d, want 0", ft.Len())
	}
}

// ---------------------------------------------------------------------------
// Builtin integration
// ---------------------------------------------------------------------------

func TestOpenBuiltinReturnsFilePointer(t *testing.T) {
	m, _, _ := newTestVM()
	path := filepath.Join(t.TempDir(), "data")
	os.WriteFile(path, []byte("contents"), 0644)

	p := callBuiltin(t, m, "open", StringOf(path))
	if p.Kind() != KindPointer || p.Pointer().IsNull {
		t.Fatalf("open = %v, want non-null pointer", p.Render())
	}
	if p.Pointer().TypeTag() != "file" {
		t.Errorf("type tag = %q, want %q", p.Pointer().TypeTag(), "file")
	}

	content := callBuiltin(t, m, "read", p)
	if content.Str() != "contents" {
		t.Errorf("read = %q", content.Str())
	}

	if got := callBuiltin(t, m, "close", p); got.Long() != 0 {
		t.Errorf("close = %d, want 0", got.Long())
	}
	if m.Files().Len() != 0 {
		t.Errorf("open handles = %d, want 0", m.Files().Len())
	}
	// Closing removes the managed cell as well.
	if m.Heap().Size() != 0 {
		t.Errorf("heap size = %d, want 0", m.Heap().Size())
	}

	// Second close on the dead handle returns the error code.
	if got := callBuiltin(t, m, "close", p); got.Long() != -1 {
		t.Errorf("second close = %d, want -1", got.Long())
	}
}

func TestOpenBuiltinFailureReturnsNullPointer(t *testing.T) {
	m, _, errOut := newTestVM()
	p := callBuiltin(t, m, "open", StringOf(filepath.Join(t.TempDir(), "absent")))
	if p.Kind() != KindPointer || !p.Pointer().IsNull {
		t.Fatalf("open failure = %v, want null pointer", p.Render())
	}
	if !strings.Contains(errOut.String(), "Could not open file") {
		t.Errorf("stderr = %q, want an open diagnostic", errOut.String())
	}
}

func TestCloseBuiltinNullPointer(t *testing.T) {
	m, _, errOut := newTestVM()
	if got := callBuiltin(t, m, "close", PointerOf(NullPointer())); got.Long() != -1 {
		t.Errorf("close(null) = %d, want -1", got.Long())
	}
	if !strings.Contains(errOut.String(), "Cannot close null file handle") {
		t.Errorf("stderr = %q", errOut.String())
	}
}
