package pyengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/experimental/sysfs"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	wazerosys "github.com/tetratelabs/wazero/sys"
)

// Staging names inside the virtual workspace. Dot-prefixed so user listings
// stay clean; removed after every run.
const (
	stageCode   = "/.heimdall_code.py"
	stageRunner = "/.heimdall_runner.py"
	stageResult = "/.heimdall_result"
	stageError  = "/.heimdall_error"

	// packagesDir holds bundled pure-Python packages loaded at engine
	// construction; it doubles as the installer's search root.
	packagesDir = "/.packages"
)

// WasmEngine runs a CPython WASI build under wazero. The module is compiled
// once; every Run instantiates a fresh interpreter against the shared
// in-memory workspace. Closing the run context terminates guest code, which
// is what makes the supervisor's timeout kill authoritative.
type WasmEngine struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	mem      *MemFS
	vfs      VirtualFS
	logger   *slog.Logger

	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
	setup  []string // persistent setup snippets prepended to every run

	seq    atomic.Uint64
	closed atomic.Bool
}

// WasmOption configures engine construction.
type WasmOption func(*wasmOptions)

type wasmOptions struct {
	packagesHostDir string
	sharedFS        *MemFS
}

// WithFilesystem backs the engine with an existing virtual filesystem
// instead of a fresh one. The supervisor uses this so the virtual workspace
// survives worker restarts.
func WithFilesystem(m *MemFS) WasmOption {
	return func(o *wasmOptions) { o.sharedFS = m }
}

// WithPackagesDir loads every subdirectory of the given host directory into
// the virtual packages root, making those pure-Python packages importable
// and installable.
func WithPackagesDir(dir string) WasmOption {
	return func(o *wasmOptions) { o.packagesHostDir = dir }
}

// NewWasmEngine compiles the CPython WASI binary at wasmPath and prepares an
// empty virtual workspace.
func NewWasmEngine(ctx context.Context, wasmPath string, logger *slog.Logger, opts ...WasmOption) (*WasmEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o wasmOptions
	for _, opt := range opts {
		opt(&o)
	}

	binary, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("reading python wasm binary: %w", err)
	}

	rt := wazero.NewRuntimeWithConfig(ctx,
		wazero.NewRuntimeConfig().WithCloseOnContextDone(true),
	)

	// WASI preview1 only: the guest gets files and clocks, not sockets.
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("instantiating WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, binary)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("compiling python module: %w", err)
	}

	mem := o.sharedFS
	if mem == nil {
		mem = NewMemFS()
	}
	e := &WasmEngine{
		runtime:  rt,
		compiled: compiled,
		mem:      mem,
		vfs:      NewVirtualFS(mem),
		logger:   logger,
		stdout:   io.Discard,
		stderr:   io.Discard,
	}

	if o.packagesHostDir != "" {
		if err := e.loadPackages(o.packagesHostDir); err != nil {
			// Best effort: a missing installer only degrades installs.
			logger.Warn("loading bundled packages failed",
				slog.String("dir", o.packagesHostDir),
				slog.String("error", err.Error()),
			)
		}
	}

	return e, nil
}

// FS returns the virtual workspace filesystem.
func (e *WasmEngine) FS() VirtualFS { return e.vfs }

// SetCapture installs the stdout/stderr sinks for subsequent runs.
func (e *WasmEngine) SetCapture(stdout, stderr io.Writer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stdout, e.stderr = stdout, stderr
}

// RestoreCapture reverts to discarding guest output.
func (e *WasmEngine) RestoreCapture() {
	e.SetCapture(io.Discard, io.Discard)
}

// RunSetup records a trusted snippet executed at the start of every
// subsequent Run. The interpreter does not persist between runs, so
// "execute now" and "execute first, every time" are the same contract.
// Identical snippets are recorded once, letting callers re-issue their
// per-request instructions without accumulating duplicates.
func (e *WasmEngine) RunSetup(_ context.Context, code string) error {
	if e.closed.Load() {
		return errors.New("engine is closed")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.setup {
		if existing == code {
			return nil
		}
	}
	e.setup = append(e.setup, code)
	return nil
}

// InstallPackage checks that the named package is available in the bundled
// packages root. Without a packages root there is no installer.
func (e *WasmEngine) InstallPackage(_ context.Context, name string) error {
	if !e.mem.IsDir(packagesDir) {
		return ErrNoInstaller
	}
	safe := sanitizePackageName(name)
	if safe == "" {
		return fmt.Errorf("invalid package name %q", name)
	}
	if !e.mem.IsDir(packagesDir+"/"+safe) {
		return fmt.Errorf("package %q is not bundled with this runtime", name)
	}
	return nil
}

// AutoloadImports pre-checks top-level imports against the bundled packages
// and logs what will be importable. Purely advisory.
func (e *WasmEngine) AutoloadImports(_ context.Context, code string) error {
	for _, name := range topLevelImports(code) {
		if e.mem.IsDir(packagesDir + "/" + name) {
			e.logger.Debug("bundled package available", slog.String("package", name))
		}
	}
	return nil
}

// Run executes the source string in a fresh interpreter instance.
func (e *WasmEngine) Run(ctx context.Context, code string) (Outcome, error) {
	if e.closed.Load() {
		return Outcome{}, errors.New("engine is closed")
	}

	e.mu.Lock()
	stdout, stderr := e.stdout, e.stderr
	runner := e.renderRunner()
	e.mu.Unlock()

	if err := e.mem.WriteFile(stageCode, []byte(code)); err != nil {
		return Outcome{}, fmt.Errorf("staging code: %w", err)
	}
	if err := e.mem.WriteFile(stageRunner, []byte(runner)); err != nil {
		return Outcome{}, fmt.Errorf("staging runner: %w", err)
	}
	defer func() {
		_ = e.mem.Remove(stageCode)
		_ = e.mem.Remove(stageRunner)
		_ = e.mem.Remove(stageResult)
		_ = e.mem.Remove(stageError)
	}()

	fsConfig := wazero.NewFSConfig()
	if sfc, ok := fsConfig.(sysfs.FSConfig); ok {
		fsConfig = sfc.WithSysFSMount(&wasiFS{m: e.mem}, VirtualRoot)
	} else {
		return Outcome{}, errors.New("runtime does not support custom filesystem mounts")
	}

	name := fmt.Sprintf("python-%d", e.seq.Add(1))
	modConfig := wazero.NewModuleConfig().
		WithName(name).
		WithArgs("python", VirtualRoot+stageRunner).
		WithStdout(stdout).
		WithStderr(stderr).
		WithFSConfig(fsConfig).
		WithSysWalltime().
		WithSysNanotime()

	mod, runErr := e.runtime.InstantiateModule(ctx, e.compiled, modConfig)
	if mod != nil {
		_ = mod.Close(ctx)
	}

	if runErr != nil {
		var exitErr *wazerosys.ExitError
		switch {
		case errors.As(runErr, &exitErr) && exitErr.ExitCode() == 0:
			// Clean exit.
		case errors.As(runErr, &exitErr):
			// Guest raised: the error detail is in the staging file.
			return e.collectOutcome(true), nil
		case ctx.Err() != nil:
			// Killed from outside; surface the context error so the
			// supervisor can tell a kill from a guest failure.
			return Outcome{}, ctx.Err()
		default:
			return Outcome{}, fmt.Errorf("python runtime: %w", runErr)
		}
	}

	return e.collectOutcome(false), nil
}

func (e *WasmEngine) collectOutcome(failed bool) Outcome {
	var out Outcome
	if failed {
		if msg, err := e.mem.ReadFile(stageError); err == nil {
			out.Err = string(msg)
		} else {
			out.Err = "execution failed"
		}
		return out
	}
	if value, err := e.mem.ReadFile(stageResult); err == nil {
		out.Value = string(value)
		out.HasValue = true
	}
	return out
}

// Close releases the runtime and invalidates the engine.
func (e *WasmEngine) Close(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.runtime.Close(ctx)
}

// renderRunner builds the driver script. Host-controlled strings are
// embedded only as escaped literals; user code never appears in the script,
// it is read from its staging file.
func (e *WasmEngine) renderRunner() string {
	ws := StringLiteral(VirtualRoot)
	var b strings.Builder
	b.WriteString("import ast, os, sys, traceback\n")
	b.WriteString("ws = " + ws + "\n")
	b.WriteString("sys.path.insert(0, ws + " + StringLiteral(packagesDir) + ")\n")
	for _, snippet := range e.setup {
		b.WriteString(snippet)
		if !strings.HasSuffix(snippet, "\n") {
			b.WriteByte('\n')
		}
	}
	b.WriteString(`src = open(ws + ` + StringLiteral(stageCode) + `).read()
try:
    tree = ast.parse(src, mode='exec')
    scope = {'__name__': '__main__'}
    value = None
    has_value = False
    if tree.body and isinstance(tree.body[-1], ast.Expr):
        tail = ast.Expression(tree.body.pop(-1).value)
        exec(compile(tree, '<code>', 'exec'), scope)
        value = eval(compile(tail, '<code>', 'eval'), scope)
        has_value = value is not None
    else:
        exec(compile(tree, '<code>', 'exec'), scope)
    if has_value:
        try:
            rendered = repr(value)
        except Exception:
            rendered = str(value)
        with open(ws + ` + StringLiteral(stageResult) + `, 'w') as f:
            f.write(rendered)
except BaseException as exc:
    traceback.print_exc()
    with open(ws + ` + StringLiteral(stageError) + `, 'w') as f:
        f.write(type(exc).__name__ + ': ' + str(exc))
    sys.exit(1)
`)
	return b.String()
}

// loadPackages copies host packagesHostDir into the virtual packages root.
func (e *WasmEngine) loadPackages(dir string) error {
	if err := e.mem.MkdirAll(packagesDir); err != nil {
		return err
	}
	return loadHostTree(e.mem, dir, packagesDir)
}

func loadHostTree(m *MemFS, hostDir, virtDir string) error {
	entries, err := os.ReadDir(hostDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		hostPath := hostDir + string(os.PathSeparator) + entry.Name()
		virtPath := virtDir + "/" + entry.Name()
		if entry.IsDir() {
			if err := m.MkdirAll(virtPath); err != nil {
				return err
			}
			if err := loadHostTree(m, hostPath, virtPath); err != nil {
				return err
			}
			continue
		}
		data, err := os.ReadFile(hostPath)
		if err != nil {
			return err
		}
		if err := m.WriteFile(virtPath, data); err != nil {
			return err
		}
	}
	return nil
}

func sanitizePackageName(name string) string {
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' ||
			r >= '0' && r <= '9' || r == '_' || r == '-' || r == '.' {
			continue
		}
		return ""
	}
	return name
}

// topLevelImports extracts the first module name of each `import` or `from`
// line, indented or not. Good enough for autoload hints; the real import still happens
// inside the interpreter.
func topLevelImports(code string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		var rest string
		switch {
		case strings.HasPrefix(line, "import "):
			rest = strings.TrimPrefix(line, "import ")
		case strings.HasPrefix(line, "from "):
			rest = strings.TrimPrefix(line, "from ")
		default:
			continue
		}
		fields := strings.FieldsFunc(rest, func(r rune) bool {
			return r == ' ' || r == ',' || r == '.'
		})
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// Ensure the adapter satisfies the wazero contract.
var _ experimentalsys.FS = (*wasiFS)(nil)
