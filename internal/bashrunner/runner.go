// Package bashrunner adapts the embedded shell interpreter to the confined
// workspace. Every filesystem touch the interpreter makes — redirections,
// stat for test expressions, directory reads, and the builtin command set —
// goes through the secure filesystem facade; there is no fallback to host
// binaries, which is also what keeps network access off the table.
package bashrunner

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/manojlds/heimdall/internal/config"
	"github.com/manojlds/heimdall/internal/pathguard"
	"github.com/manojlds/heimdall/internal/securefs"
)

// Result is the outcome of one bash execution. Bash results always return,
// even on failure, with a non-zero exit code.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Options adjust a single execution.
type Options struct {
	// Cwd is a virtual working directory. Empty means the workspace root.
	Cwd string
}

// Runner executes bash command strings against one workspace.
type Runner struct {
	fs     *securefs.FS
	guard  *pathguard.Guard
	limits config.BashConfig
	logger *slog.Logger
	parser *syntax.Parser
}

// New creates a runner over the given confined filesystem.
func New(fsx *securefs.FS, limits config.BashConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		fs:     fsx,
		guard:  fsx.Guard(),
		limits: limits,
		logger: logger,
		parser: syntax.NewParser(),
	}
}

// Execute runs one command string. Engine-level failures (parse errors,
// exceeded limits) surface as exit code 1 with the message on stderr.
func (r *Runner) Execute(ctx context.Context, command string, opts Options) Result {
	var stdout, stderr strings.Builder
	outW := &limitedWriter{w: &stdout, remaining: r.limits.MaxOutputBytes}
	errW := &limitedWriter{w: &stderr, remaining: r.limits.MaxOutputBytes}

	res := r.execute(ctx, command, opts, outW, errW)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res
}

func (r *Runner) execute(ctx context.Context, command string, opts Options, stdout, stderr io.Writer) Result {
	file, err := r.parser.Parse(strings.NewReader(command), "command")
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return Result{ExitCode: 1}
	}
	if depth := nestingDepth(file); depth > r.limits.MaxCallDepth {
		fmt.Fprintf(stderr, "maximum nesting depth exceeded (%d)\n", r.limits.MaxCallDepth)
		return Result{ExitCode: 1}
	}

	cwdVirt := pathguard.VirtualRoot
	if opts.Cwd != "" {
		virt, _, err := r.guard.Validate(opts.Cwd)
		if err != nil {
			fmt.Fprintln(stderr, "invalid working directory:", err.Error())
			return Result{ExitCode: 1}
		}
		cwdVirt = virt
	}
	cwdHost := r.guard.HostPath(cwdVirt)
	if err := os.MkdirAll(cwdHost, 0o750); err != nil {
		fmt.Fprintln(stderr, "preparing working directory:", err.Error())
		return Result{ExitCode: 1}
	}

	budget := &callBudget{
		calls:    r.limits.MaxLoopIterations,
		commands: r.limits.MaxCommandCount,
	}

	runner, err := interp.New(
		interp.Dir(cwdHost),
		interp.StdIO(strings.NewReader(""), stdout, stderr),
		interp.Env(expand.ListEnviron(
			"HOME="+pathguard.VirtualRoot,
			"TMPDIR="+pathguard.VirtualRoot,
			"TERM=dumb",
		)),
		interp.CallHandler(budget.call),
		interp.ExecHandlers(r.execMiddleware(budget)),
		interp.OpenHandler(r.open),
		interp.StatHandler(r.stat),
		interp.ReadDirHandler2(r.readDir),
	)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return Result{ExitCode: 1}
	}

	if err := runner.Run(ctx, file); err != nil {
		if status, ok := interp.IsExitStatus(err); ok {
			return Result{ExitCode: int(status)}
		}
		fmt.Fprintln(stderr, err.Error())
		return Result{ExitCode: 1}
	}
	return Result{ExitCode: 0}
}

// toVirtual maps an interpreter path (absolute host path inside the
// workspace, or workspace-relative) to its virtual form.
func (r *Runner) toVirtual(p string) (string, error) {
	if !filepath.IsAbs(p) {
		return pathguard.VirtualRoot + "/" + filepath.ToSlash(p), nil
	}
	clean := filepath.Clean(p)
	root := r.guard.Root()
	if clean == root {
		return pathguard.VirtualRoot, nil
	}
	if strings.HasPrefix(clean, root+string(filepath.Separator)) {
		rel, err := filepath.Rel(root, clean)
		if err != nil {
			return "", fmt.Errorf("%s: %w", filepath.Base(p), pathguard.ErrPathEscape)
		}
		return pathguard.VirtualRoot + "/" + filepath.ToSlash(rel), nil
	}
	if clean == pathguard.VirtualRoot || strings.HasPrefix(clean, pathguard.VirtualRoot+"/") {
		return clean, nil
	}
	return "", fmt.Errorf("%s: %w", filepath.Base(p), pathguard.ErrPathEscape)
}

// open is the redirection path: every `> file` and `< file` lands here.
func (r *Runner) open(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(interp.HandlerCtx(ctx).Dir, path)
	}
	virt, err := r.toVirtual(path)
	if err != nil {
		return nil, err
	}
	return r.fs.OpenFile(virt, flag, perm)
}

func (r *Runner) stat(_ context.Context, name string, followSymlinks bool) (fs.FileInfo, error) {
	virt, err := r.toVirtual(name)
	if err != nil {
		return nil, err
	}
	if followSymlinks {
		return r.fs.Stat(virt)
	}
	return r.fs.Lstat(virt)
}

func (r *Runner) readDir(_ context.Context, path string) ([]fs.DirEntry, error) {
	virt, err := r.toVirtual(path)
	if err != nil {
		return nil, err
	}
	return r.fs.ReadDir(virt)
}

// execMiddleware dispatches non-builtin commands to the confined command
// set. Unknown names fail as not found; nothing ever reaches os/exec.
func (r *Runner) execMiddleware(budget *callBudget) func(interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(interp.ExecHandlerFunc) interp.ExecHandlerFunc {
		return func(ctx context.Context, args []string) error {
			if err := budget.spendCommand(); err != nil {
				return err
			}
			return r.runCommand(ctx, args)
		}
	}
}

// callBudget bounds total interpreter activity. Every command call (builtin
// or not) spends from the call budget, which also bounds loops: each
// iteration of a productive loop calls at least one command.
type callBudget struct {
	calls    int
	commands int
}

func (b *callBudget) call(_ context.Context, args []string) ([]string, error) {
	b.calls--
	if b.calls < 0 {
		return nil, fmt.Errorf("command limit exceeded")
	}
	return args, nil
}

func (b *callBudget) spendCommand() error {
	b.commands--
	if b.commands < 0 {
		return fmt.Errorf("external command limit exceeded")
	}
	return nil
}

// nestingDepth measures the deepest statement nesting in the parsed source.
func nestingDepth(file *syntax.File) int {
	var stack []bool
	depth, deepest := 0, 0
	syntax.Walk(file, func(node syntax.Node) bool {
		if node == nil {
			if stack[len(stack)-1] {
				depth--
			}
			stack = stack[:len(stack)-1]
			return true
		}
		_, isStmt := node.(*syntax.Stmt)
		stack = append(stack, isStmt)
		if isStmt {
			depth++
			if depth > deepest {
				deepest = depth
			}
		}
		return true
	})
	return deepest
}

// limitedWriter caps output to prevent OOM from chatty commands. Excess is
// silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	return len(p), nil
}
