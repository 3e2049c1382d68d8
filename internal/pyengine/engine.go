// Package pyengine defines the contract Heimdall requires from an embedded
// Python runtime, and provides the production implementation backed by a
// CPython WASI build running under wazero.
//
// The rest of the system treats the engine as an opaque provider: a virtual
// in-memory filesystem mounted at the workspace path, source execution with
// captured output, and best-effort package installation. Termination is the
// supervisor's job; the engine only promises that cancelling the run context
// stops guest code.
package pyengine

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// VirtualRoot is the mount point of the virtual filesystem as seen by guest
// Python code.
const VirtualRoot = "/workspace"

// ErrNoInstaller reports that the runtime has no package installer module;
// install attempts fail gracefully and execution proceeds without them.
var ErrNoInstaller = errors.New("package installer is not available")

// FileInfo describes a virtual filesystem entry.
type FileInfo struct {
	Name    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// VirtualFS is the engine's in-memory filesystem. It is shared between the
// guest runtime and the sync engine; all methods are safe for concurrent use.
type VirtualFS interface {
	MkdirAll(path string) error
	WriteFile(path string, data []byte) error
	ReadFile(path string) ([]byte, error)
	Stat(path string) (FileInfo, error)
	IsDir(path string) bool
	ReadDir(path string) ([]FileInfo, error)
	// Remove unlinks a file. RemoveDir removes a directory and its contents.
	Remove(path string) error
	RemoveDir(path string) error
}

// Outcome is the result of executing a source string.
type Outcome struct {
	// Value is the printable representation of the final expression, when
	// the submitted code ends in one.
	Value    string
	HasValue bool
	// Err carries the guest exception message when execution failed.
	Err string
}

// Engine is the embedded Python runtime.
type Engine interface {
	// FS returns the virtual filesystem rooted at VirtualRoot.
	FS() VirtualFS

	// Run executes a source string. Guest stdout/stderr go to the sinks
	// installed with SetCapture. Cancelling ctx terminates guest code.
	Run(ctx context.Context, code string) (Outcome, error)

	// RunSetup executes a short trusted snippet (working-directory
	// instruction, import path adjustment) synchronously.
	RunSetup(ctx context.Context, code string) error

	// InstallPackage attempts to install one package. Returns ErrNoInstaller
	// when the runtime carries no installer module.
	InstallPackage(ctx context.Context, name string) error

	// AutoloadImports inspects the code's import statements and pre-loads
	// any bundled packages it can. Best effort.
	AutoloadImports(ctx context.Context, code string) error

	// SetCapture installs batched stdout/stderr sinks for subsequent runs;
	// RestoreCapture reverts to discarding output.
	SetCapture(stdout, stderr io.Writer)
	RestoreCapture()

	// Close releases the runtime. The engine is unusable afterwards.
	Close(ctx context.Context) error
}

// StringLiteral renders s as a single-quoted Python string literal with
// backslash and quote characters escaped. Every host-controlled string that
// is embedded in code handed to the runtime goes through this; raw
// interpolation would let control characters or quotes break out of the
// literal.
func StringLiteral(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('\'')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case '\'':
			b.WriteString(`\'`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case 0:
			b.WriteString(`\x00`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
