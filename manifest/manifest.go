// Package manifest handles steve.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Manifest represents a steve.toml runtime configuration.
type Manifest struct {
	Runtime Runtime `toml:"runtime"`
	Debug   Debug   `toml:"debug"`

	// Dir is the directory containing the steve.toml file (set at load time).
	Dir string `toml:"-"`
}

// Runtime configures the execution engine.
type Runtime struct {
	JIT       bool   `toml:"jit"`
	Cache     bool   `toml:"cache"`
	Profile   bool   `toml:"profile"`
	ProfileDB string `toml:"profile-db"`
}

// Debug configures the debugger harness.
type Debug struct {
	Enabled     bool             `toml:"enabled"`
	Breakpoints []BreakpointSpec `toml:"breakpoints"`
}

// BreakpointSpec is one configured breakpoint.
type BreakpointSpec struct {
	Line      int    `toml:"line"`
	PC        int    `toml:"pc"`
	Condition string `toml:"condition"`
}

// Load parses a steve.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "steve.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Runtime.ProfileDB == "" {
		m.Runtime.ProfileDB = "steve-profile.db"
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a steve.toml file, then loads
// and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", startDir, err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "steve.toml")); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}
