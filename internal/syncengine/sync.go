// Package syncengine copies file trees between the host workspace and the
// Python engine's in-memory filesystem.
//
// Sync-to-virtual runs before Python code so the guest sees the workspace;
// sync-to-host runs after, success or failure, because user code may have
// written files before raising. Errors on a single entry abort only that
// subtree; a half-readable workspace must not poison the worker.
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/manojlds/heimdall/internal/pathguard"
	"github.com/manojlds/heimdall/internal/pyengine"
)

// enginePrefix marks engine-internal staging entries that never cross the
// host boundary in either direction.
const enginePrefix = ".heimdall"

// Engine syncs one workspace against one virtual filesystem.
type Engine struct {
	guard  *pathguard.Guard
	vfs    pyengine.VirtualFS
	logger *slog.Logger
}

// New creates a sync engine.
func New(guard *pathguard.Guard, vfs pyengine.VirtualFS, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{guard: guard, vfs: vfs, logger: logger}
}

func internalName(name string) bool {
	return strings.HasPrefix(name, enginePrefix) || name == ".packages"
}

// HostToVirtual copies the whole workspace into the virtual filesystem.
func (e *Engine) HostToVirtual(ctx context.Context) error {
	return e.HostPathToVirtual(ctx, pathguard.VirtualRoot)
}

// VirtualToHost copies the whole virtual filesystem back to the workspace.
func (e *Engine) VirtualToHost(ctx context.Context) error {
	return e.VirtualPathToHost(ctx, pathguard.VirtualRoot)
}

// HostPathToVirtual copies one file or subtree, addressed by virtual path,
// from the host into the virtual filesystem.
func (e *Engine) HostPathToVirtual(ctx context.Context, virt string) error {
	host := e.guard.HostPath(virt)
	info, err := os.Stat(host)
	if err != nil {
		return fmt.Errorf("sync source %s: %w", pathguard.Rel(virt), err)
	}
	if info.IsDir() {
		return e.hostDirToVirtual(ctx, host, virt)
	}
	return e.hostFileToVirtual(host, virt)
}

func (e *Engine) hostDirToVirtual(ctx context.Context, host, virt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// An already existing virtual directory is fine; other mkdir failures
	// are logged and skip the subtree without aborting the whole sync.
	if err := e.vfs.MkdirAll(virt); err != nil {
		e.logger.Warn("virtual mkdir failed, skipping subtree",
			slog.String("path", pathguard.Rel(virt)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	entries, err := os.ReadDir(host)
	if err != nil {
		return fmt.Errorf("sync readdir %s: %w", pathguard.Rel(virt), err)
	}
	var firstErr error
	for _, entry := range entries {
		if internalName(entry.Name()) {
			continue
		}
		childHost := filepath.Join(host, entry.Name())
		childVirt := path.Join(virt, entry.Name())

		// Confinement check per entry: entries may be symlinks planted
		// since the parent was validated.
		if _, _, err := e.guard.Validate(childVirt); err != nil {
			e.logger.Warn("skipping unconfined entry during sync",
				slog.String("path", pathguard.Rel(childVirt)),
				slog.String("error", err.Error()),
			)
			continue
		}

		info, err := os.Stat(childHost)
		if err != nil {
			e.logger.Warn("skipping unreadable entry during sync",
				slog.String("path", pathguard.Rel(childVirt)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if info.IsDir() {
			err = e.hostDirToVirtual(ctx, childHost, childVirt)
		} else {
			err = e.hostFileToVirtual(childHost, childVirt)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) hostFileToVirtual(host, virt string) error {
	data, err := os.ReadFile(host)
	if err != nil {
		return fmt.Errorf("sync read %s: %w", pathguard.Rel(virt), err)
	}
	if err := e.vfs.MkdirAll(path.Dir(virt)); err != nil {
		return fmt.Errorf("sync mkdir %s: %w", pathguard.Rel(path.Dir(virt)), err)
	}
	if err := e.vfs.WriteFile(virt, data); err != nil {
		return fmt.Errorf("sync write %s: %w", pathguard.Rel(virt), err)
	}
	return nil
}

// VirtualPathToHost copies one file or subtree, addressed by virtual path,
// from the virtual filesystem to the host. Every host write re-validates
// the target: symlinks may have been introduced between operations.
func (e *Engine) VirtualPathToHost(ctx context.Context, virt string) error {
	info, err := e.vfs.Stat(virt)
	if err != nil {
		return fmt.Errorf("sync source %s: %w", pathguard.Rel(virt), err)
	}
	if info.IsDir {
		return e.virtualDirToHost(ctx, virt)
	}
	return e.virtualFileToHost(virt)
}

func (e *Engine) virtualDirToHost(ctx context.Context, virt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, host, err := e.guard.Validate(virt)
	if err != nil {
		return fmt.Errorf("sync target %s: %w", pathguard.Rel(virt), err)
	}
	if err := os.MkdirAll(host, 0o750); err != nil {
		return fmt.Errorf("sync mkdir %s: %w", pathguard.Rel(virt), err)
	}
	entries, err := e.vfs.ReadDir(virt)
	if err != nil {
		return fmt.Errorf("sync readdir %s: %w", pathguard.Rel(virt), err)
	}
	var firstErr error
	for _, entry := range entries {
		if internalName(entry.Name) {
			continue
		}
		childVirt := path.Join(virt, entry.Name)
		if entry.IsDir {
			err = e.virtualDirToHost(ctx, childVirt)
		} else {
			err = e.virtualFileToHost(childVirt)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) virtualFileToHost(virt string) error {
	_, host, err := e.guard.Validate(virt)
	if err != nil {
		return fmt.Errorf("sync target %s: %w", pathguard.Rel(virt), err)
	}
	data, err := e.vfs.ReadFile(virt)
	if err != nil {
		return fmt.Errorf("sync read %s: %w", pathguard.Rel(virt), err)
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o750); err != nil {
		return fmt.Errorf("sync mkdir %s: %w", pathguard.Rel(path.Dir(virt)), err)
	}
	if err := os.WriteFile(host, data, 0o640); err != nil {
		return fmt.Errorf("sync write %s: %w", pathguard.Rel(virt), err)
	}
	return nil
}
