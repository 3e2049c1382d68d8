// Package enginetest provides a scriptable in-process Engine for tests.
// Handlers stand in for the interpreter; the virtual filesystem is the real
// MemFS, so sync and file-visibility behavior is exercised for real.
package enginetest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/manojlds/heimdall/internal/pyengine"
)

// Handler interprets one code string. It may read and write the virtual
// filesystem and the capture sinks, and should honor ctx for blocking code.
type Handler func(ctx context.Context, code string, fs pyengine.VirtualFS, stdout, stderr io.Writer) (pyengine.Outcome, error)

// Fake is a scriptable Engine.
type Fake struct {
	mem *pyengine.MemFS
	vfs pyengine.VirtualFS

	mu        sync.Mutex
	stdout    io.Writer
	stderr    io.Writer
	handler   Handler
	installs  []string
	setups    []string
	runs      int
	closed    bool
	installFn func(name string) error
}

// New creates a Fake whose default handler does nothing and succeeds.
func New() *Fake {
	return NewOnFS(pyengine.NewMemFS())
}

// NewOnFS creates a Fake backed by an existing virtual filesystem, matching
// how production workers share one workspace across restarts.
func NewOnFS(m *pyengine.MemFS) *Fake {
	return &Fake{
		mem:    m,
		vfs:    pyengine.NewVirtualFS(m),
		stdout: io.Discard,
		stderr: io.Discard,
	}
}

// SetHandler installs the execution handler.
func (f *Fake) SetHandler(h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// SetInstallFunc overrides package-install behavior.
func (f *Fake) SetInstallFunc(fn func(name string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installFn = fn
}

// Installs returns the packages installation was attempted for.
func (f *Fake) Installs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.installs...)
}

// Setups returns the setup snippets recorded so far.
func (f *Fake) Setups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.setups...)
}

// Runs returns how many Run calls completed or started.
func (f *Fake) Runs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) FS() pyengine.VirtualFS { return f.vfs }

func (f *Fake) Run(ctx context.Context, code string) (pyengine.Outcome, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return pyengine.Outcome{}, fmt.Errorf("engine is closed")
	}
	f.runs++
	h := f.handler
	stdout, stderr := f.stdout, f.stderr
	f.mu.Unlock()

	if h == nil {
		return pyengine.Outcome{}, nil
	}
	return h(ctx, code, f.vfs, stdout, stderr)
}

func (f *Fake) RunSetup(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("engine is closed")
	}
	f.setups = append(f.setups, code)
	return nil
}

func (f *Fake) InstallPackage(_ context.Context, name string) error {
	f.mu.Lock()
	fn := f.installFn
	f.installs = append(f.installs, name)
	f.mu.Unlock()
	if fn != nil {
		return fn(name)
	}
	return pyengine.ErrNoInstaller
}

func (f *Fake) AutoloadImports(context.Context, string) error { return nil }

func (f *Fake) SetCapture(stdout, stderr io.Writer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stdout, f.stderr = stdout, stderr
}

func (f *Fake) RestoreCapture() {
	f.SetCapture(io.Discard, io.Discard)
}

func (f *Fake) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ pyengine.Engine = (*Fake)(nil)
