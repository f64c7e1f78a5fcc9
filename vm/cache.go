package vm

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Compiled program cache (CBOR)
// ---------------------------------------------------------------------------

// CacheExt is the filename extension of compiled program caches.
const CacheExt = ".stvc"

// cborEncMode uses canonical options so cache files are deterministic for
// a given instruction vector.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// EncodeProgram serializes an instruction vector to CBOR bytes.
func EncodeProgram(program []Instruction) ([]byte, error) {
	return cborEncMode.Marshal(program)
}

// DecodeProgram deserializes an instruction vector from CBOR bytes.
func DecodeProgram(data []byte) ([]Instruction, error) {
	var program []Instruction
	if err := cbor.Unmarshal(data, &program); err != nil {
		return nil, fmt.Errorf("vm: unmarshal program: %w", err)
	}
	return program, nil
}

// WriteCache encodes the program and writes it next to the IR file.
func WriteCache(irPath string, program []Instruction) error {
	data, err := EncodeProgram(program)
	if err != nil {
		return fmt.Errorf("vm: encode program cache: %w", err)
	}
	if err := os.WriteFile(irPath+CacheExt, data, 0644); err != nil {
		return fmt.Errorf("vm: write program cache: %w", err)
	}
	return nil
}

// LoadProgramCached loads an IR file, using the sibling cache file when it
// is at least as new as the source. A missing or stale cache decodes the
// text and, when write is set, refreshes the cache best-effort.
func (m *VM) LoadProgramCached(irPath string, write bool) error {
	cachePath := irPath + CacheExt

	srcInfo, err := os.Stat(irPath)
	if err != nil {
		return fmt.Errorf("cannot open file %s: %w", irPath, err)
	}
	if cacheInfo, err := os.Stat(cachePath); err == nil && !cacheInfo.ModTime().Before(srcInfo.ModTime()) {
		data, err := os.ReadFile(cachePath)
		if err == nil {
			if program, err := DecodeProgram(data); err == nil {
				return m.InstallProgram(program)
			}
		}
		// A corrupt cache falls through to the text decoder.
	}

	if err := m.LoadProgram(irPath); err != nil {
		return err
	}
	if write {
		if err := WriteCache(irPath, m.state.Program); err != nil {
			m.log.Debugf("program cache not written: %s", err)
		}
	}
	return nil
}
