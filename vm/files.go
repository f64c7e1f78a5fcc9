package vm

import (
	"fmt"
	"io"
	"os"
)

// ---------------------------------------------------------------------------
// FileTable: open file resources behind opaque 64-bit handles
// ---------------------------------------------------------------------------

// FileHandle is one opened stream plus its filename, mode, and open flag.
type FileHandle struct {
	file     *os.File
	Filename string
	Mode     string
	Open     bool
}

// fileHandleFloor is where handle IDs start. The floor keeps handles clear
// of small numeric literals that programs push as IDs.
const fileHandleFloor = 1000

// FileTable maps monotonically increasing handle IDs to open files. Each VM
// owns one table; handles never escape the process except as opaque pointer
// values.
type FileTable struct {
	handles map[int64]*FileHandle
	nextID  int64
}

// NewFileTable creates an empty table.
func NewFileTable() *FileTable {
	return &FileTable{
		handles: make(map[int64]*FileHandle),
		nextID:  fileHandleFloor,
	}
}

// openFlags maps an IR file mode to os.OpenFile flags:
// r reads, w writes with truncation, a appends; a `+` adds the opposite
// direction.
func openFlags(mode string) int {
	flags := os.O_RDONLY
	for _, c := range mode {
		switch c {
		case 'w':
			flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		case 'a':
			flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		}
	}
	for _, c := range mode {
		if c == '+' {
			flags &^= os.O_RDONLY | os.O_WRONLY
			flags |= os.O_RDWR
		}
	}
	return flags
}

// Open opens path in the given mode and returns the new handle's ID.
func (ft *FileTable) Open(path, mode string) (int64, error) {
	if mode == "" {
		mode = "r"
	}
	file, err := os.OpenFile(path, openFlags(mode), 0644)
	if err != nil {
		return 0, fmt.Errorf("cannot open file %s: %w", path, err)
	}

	id := ft.nextID
	ft.nextID++
	ft.handles[id] = &FileHandle{
		file:     file,
		Filename: path,
		Mode:     mode,
		Open:     true,
	}
	return id, nil
}

// Lookup returns the handle for id, or nil when unknown.
func (ft *FileTable) Lookup(id int64) *FileHandle {
	return ft.handles[id]
}

// Read returns the remaining content of the handle's stream.
func (ft *FileTable) Read(id int64) (string, error) {
	handle := ft.handles[id]
	if handle == nil || !handle.Open {
		return "", fmt.Errorf("invalid file handle %d", id)
	}
	data, err := io.ReadAll(handle.file)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", handle.Filename, err)
	}
	return string(data), nil
}

// Write writes text through the handle and returns the byte count.
func (ft *FileTable) Write(id int64, text string) (int, error) {
	handle := ft.handles[id]
	if handle == nil || !handle.Open {
		return -1, fmt.Errorf("invalid file handle %d", id)
	}
	n, err := handle.file.WriteString(text)
	if err != nil {
		return -1, fmt.Errorf("write %s: %w", handle.Filename, err)
	}
	if err := handle.file.Sync(); err != nil {
		return -1, fmt.Errorf("flush %s: %w", handle.Filename, err)
	}
	return n, nil
}

// Close closes and removes the handle. Closing an unknown or already closed
// handle reports an error but never faults the program.
func (ft *FileTable) Close(id int64) error {
	handle := ft.handles[id]
	if handle == nil {
		return fmt.Errorf("invalid file handle %d", id)
	}
	if handle.Open {
		handle.file.Close()
		handle.Open = false
	}
	delete(ft.handles, id)
	return nil
}

// Len returns the number of open handles.
func (ft *FileTable) Len() int {
	return len(ft.handles)
}

// CloseAll closes every still-open handle. Used at runtime teardown.
func (ft *FileTable) CloseAll() {
	for id, handle := range ft.handles {
		if handle.Open {
			handle.file.Close()
			handle.Open = false
		}
		delete(ft.handles, id)
	}
}
