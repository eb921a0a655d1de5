// Package manifest handles svm.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file looked up in a project directory.
const FileName = "svm.toml"

// Manifest represents an svm.toml project configuration.
type Manifest struct {
	Project Project `toml:"project"`
	Source  Source  `toml:"source"`
	Machine Machine `toml:"machine"`
	Log     Log     `toml:"log"`
	Trace   Trace   `toml:"trace"`
	Server  Server  `toml:"server"`

	// Dir is the directory containing the svm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Source names the program to run: assembly text or a program image.
type Source struct {
	Entry string `toml:"entry"`
}

// Machine configures the engine.
type Machine struct {
	StackCapacity int   `toml:"stack-capacity"`
	Globals       int   `toml:"globals"` // 0 sizes the store to the program
	MaxSteps      int64 `toml:"max-steps"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Trace configures the execution trace database.
type Trace struct {
	Database string `toml:"database"`
}

// Server configures the remote execution service.
type Server struct {
	Addr    string `toml:"addr"`
	Workers int    `toml:"workers"`
}

// Defaults returns the configuration used when no manifest exists.
func Defaults() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Source.Entry == "" {
		m.Source.Entry = "main.sasm"
	}
	if m.Machine.StackCapacity == 0 {
		m.Machine.StackCapacity = 1000
	}
	if m.Server.Addr == "" {
		m.Server.Addr = "localhost:8765"
	}
	if m.Server.Workers == 0 {
		m.Server.Workers = 4
	}
}

// Load parses and validates an svm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if err := Validate(path, data); err != nil {
		return nil, err
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	return &m, nil
}

// FindAndLoad walks up from startDir to find an svm.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// resolve joins a manifest-relative path with the project directory.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.Dir == "" {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// EntryPath returns the absolute path of the program to run.
func (m *Manifest) EntryPath() string {
	return m.resolve(m.Source.Entry)
}

// TracePath returns the trace database path, or "" when tracing is off.
func (m *Manifest) TracePath() string {
	return m.resolve(m.Trace.Database)
}

// LogPath returns the log file path, or "" to log to stderr.
func (m *Manifest) LogPath() string {
	return m.resolve(m.Log.File)
}
