// Package coordinator composes the sandbox components into the six tool
// operations the outside world sees: execute_python, execute_bash,
// write_file, read_file, list_files, delete_file.
//
// Every file operation runs path confinement first, quota enforcement on
// writes, and a targeted sync so the Python engine's virtual filesystem
// stays coherent with the host workspace.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/manojlds/heimdall/internal/bashrunner"
	"github.com/manojlds/heimdall/internal/config"
	"github.com/manojlds/heimdall/internal/pathguard"
	"github.com/manojlds/heimdall/internal/pyengine"
	"github.com/manojlds/heimdall/internal/pyworker"
	"github.com/manojlds/heimdall/internal/quota"
	"github.com/manojlds/heimdall/internal/securefs"
	"github.com/manojlds/heimdall/internal/syncengine"
)

// ErrNotUTF8 reports file content that cannot be returned as text.
var ErrNotUTF8 = errors.New("file content is not valid UTF-8")

// FileEntry is one list_files result row.
type FileEntry struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"is_directory"`
	Size        int64  `json:"size"`
}

// Coordinator owns the component graph for one workspace.
type Coordinator struct {
	cfg    *config.Config
	guard  *pathguard.Guard
	keeper *quota.Keeper
	vfs    pyengine.VirtualFS
	sync   *syncengine.Engine
	sup    *pyworker.Supervisor
	bash   *bashrunner.Runner
	logger *slog.Logger
}

// New builds the coordinator. The engine factory is invoked lazily by the
// supervisor; it must bind new engines to the shared virtual filesystem so
// file state survives worker restarts.
func New(cfg *config.Config, factory pyworker.EngineFactory, sharedFS *pyengine.MemFS, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}

	guard, err := pathguard.New(cfg.Workspace)
	if err != nil {
		return nil, fmt.Errorf("preparing workspace: %w", err)
	}

	vfs := pyengine.NewVirtualFS(sharedFS)
	if err := vfs.MkdirAll(pathguard.VirtualRoot); err != nil {
		return nil, fmt.Errorf("preparing virtual workspace: %w", err)
	}

	keeper := quota.New(guard.Root(), cfg.MaxFileSize, cfg.MaxWorkspaceSize, logger)
	sup := pyworker.New(pyworker.Config{
		Timeout:     cfg.PythonTimeout,
		InitTimeout: cfg.WorkerInitTimeout,
	}, factory, guard, logger)
	bash := bashrunner.New(securefs.New(guard), cfg.Bash, logger)

	return &Coordinator{
		cfg:    cfg,
		guard:  guard,
		keeper: keeper,
		vfs:    vfs,
		sync:   syncengine.New(guard, vfs, logger),
		sup:    sup,
		bash:   bash,
		logger: logger,
	}, nil
}

// Guard exposes the path guard, mainly for tests and health checks.
func (c *Coordinator) Guard() *pathguard.Guard { return c.guard }

// Keeper exposes the quota keeper for the janitor's size gauge.
func (c *Coordinator) Keeper() *quota.Keeper { return c.keeper }

// Supervisor exposes the python supervisor for health checks and restart
// metrics.
func (c *Coordinator) Supervisor() *pyworker.Supervisor { return c.sup }

// Close tears down the python worker.
func (c *Coordinator) Close() { c.sup.Close() }

// WriteFile stores UTF-8 text at the confined path, creating parents,
// enforcing both quota caps, then syncing the file into the virtual FS.
func (c *Coordinator) WriteFile(ctx context.Context, p, content string) error {
	virt, host, err := c.guard.Validate(p)
	if err != nil {
		return err
	}
	if int64(len(content)) > c.keeper.MaxFileSize() {
		return fmt.Errorf("%s: %w", pathguard.Rel(virt), quota.ErrFileTooLarge)
	}

	err = c.keeper.Reserve(ctx, int64(len(content)), func() error {
		if err := os.MkdirAll(filepath.Dir(host), 0o750); err != nil {
			return fmt.Errorf("creating parent directories: %w", err)
		}
		return os.WriteFile(host, []byte(content), 0o640)
	})
	if err != nil {
		return err
	}

	if err := c.sync.HostPathToVirtual(ctx, virt); err != nil {
		c.logger.Warn("post-write sync failed",
			slog.String("path", pathguard.Rel(virt)),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// ReadFile returns the UTF-8 contents of the confined path, reading through
// the virtual filesystem after a targeted sync.
func (c *Coordinator) ReadFile(ctx context.Context, p string) (string, error) {
	virt, _, err := c.guard.Validate(p)
	if err != nil {
		return "", err
	}
	if err := c.sync.HostPathToVirtual(ctx, virt); err != nil {
		return "", err
	}
	data, err := c.vfs.ReadFile(virt)
	if err != nil {
		return "", fmt.Errorf("%s: %w", pathguard.Rel(virt), err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%s: %w", pathguard.Rel(virt), ErrNotUTF8)
	}
	return string(data), nil
}

// ListFiles lists a confined directory, defaulting to the workspace root.
func (c *Coordinator) ListFiles(ctx context.Context, dir string) ([]FileEntry, error) {
	if dir == "" {
		dir = pathguard.VirtualRoot
	}
	virt, _, err := c.guard.Validate(dir)
	if err != nil {
		return nil, err
	}
	if err := c.sync.HostPathToVirtual(ctx, virt); err != nil {
		return nil, err
	}
	infos, err := c.vfs.ReadDir(virt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", pathguard.Rel(virt), err)
	}
	entries := make([]FileEntry, 0, len(infos))
	for _, info := range infos {
		if info.Name == "." || info.Name == ".." {
			continue
		}
		entries = append(entries, FileEntry{
			Name:        info.Name,
			IsDirectory: info.IsDir,
			Size:        info.Size,
		})
	}
	return entries, nil
}

// DeleteFile removes the confined path from the virtual filesystem and the
// host. Directories are removed recursively; a missing host file is not an
// error. A symlink is validated through its parent and unlinked in place.
func (c *Coordinator) DeleteFile(_ context.Context, p string) error {
	virt, host, err := c.guard.ValidateParent(p)
	if err != nil {
		return err
	}

	isLink := false
	if info, lerr := os.Lstat(host); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
		isLink = true
	}
	if !isLink {
		// Non-links need full confinement of the target itself.
		if virt, host, err = c.guard.Validate(p); err != nil {
			return err
		}
	}

	// Virtual side first: unlink files, remove directories recursively.
	if info, verr := c.vfs.Stat(virt); verr == nil {
		if info.IsDir {
			if err := c.vfs.RemoveDir(virt); err != nil {
				return fmt.Errorf("%s: %w", pathguard.Rel(virt), err)
			}
		} else if err := c.vfs.Remove(virt); err != nil {
			return fmt.Errorf("%s: %w", pathguard.Rel(virt), err)
		}
	}

	// Host side; absence is fine.
	var hostErr error
	if isLink {
		hostErr = os.Remove(host)
	} else {
		hostErr = os.RemoveAll(host)
	}
	if hostErr != nil && !errors.Is(hostErr, os.ErrNotExist) {
		return fmt.Errorf("%s: deleting: %w", pathguard.Rel(virt), hostErr)
	}
	return nil
}

// ExecutePython delegates to the supervisor.
func (c *Coordinator) ExecutePython(ctx context.Context, code string, packages []string) pyworker.Result {
	return c.sup.Execute(ctx, pyworker.Request{Code: code, Packages: packages})
}

// ExecuteBash runs a command through the bash engine and reconciles the
// virtual filesystem afterwards, since the command may have written files
// Python should see.
func (c *Coordinator) ExecuteBash(ctx context.Context, command, cwd string) (bashrunner.Result, error) {
	if cwd != "" {
		if _, _, err := c.guard.Validate(cwd); err != nil {
			return bashrunner.Result{}, err
		}
	}
	res := c.bash.Execute(ctx, command, bashrunner.Options{Cwd: cwd})

	if err := c.sync.HostToVirtual(ctx); err != nil {
		c.logger.Warn("post-bash sync incomplete", slog.String("error", err.Error()))
	}
	return res, nil
}
