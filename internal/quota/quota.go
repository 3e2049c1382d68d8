// Package quota enforces the per-file and whole-workspace byte caps.
//
// Workspace size is measured from the host filesystem on every reservation
// rather than cached; a stale cache under concurrent writers is exactly the
// bug this package exists to prevent. The measure-check-write sequence runs
// under a mutex keyed by workspace root, so two concurrent writes cannot
// both observe room for themselves and collectively blow the cap.
package quota

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
)

// Error kinds surfaced to callers.
var (
	// ErrFileTooLarge reports a single write exceeding the per-file cap.
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")

	// ErrWorkspaceFull reports a write that would push the workspace past
	// its total cap.
	ErrWorkspaceFull = errors.New("workspace size limit exceeded")
)

// locks holds one mutex per workspace root so distinct roots (parallel
// tests, future multi-root setups) never contend.
var locks sync.Map // root string -> *sync.Mutex

func lockFor(root string) *sync.Mutex {
	if mu, ok := locks.Load(root); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := locks.LoadOrStore(root, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Keeper enforces size limits for one workspace root.
type Keeper struct {
	root             string
	maxFileSize      int64
	maxWorkspaceSize int64
	logger           *slog.Logger
}

// New creates a Keeper for the given root and limits.
func New(root string, maxFileSize, maxWorkspaceSize int64, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		root:             root,
		maxFileSize:      maxFileSize,
		maxWorkspaceSize: maxWorkspaceSize,
		logger:           logger,
	}
}

// MaxFileSize returns the per-file cap in bytes.
func (k *Keeper) MaxFileSize() int64 { return k.maxFileSize }

// Precheck fails fast when a single write exceeds the per-file cap.
func (k *Keeper) Precheck(fileBytes int64) error {
	if fileBytes > k.maxFileSize {
		return fmt.Errorf("%d bytes over the %d byte limit: %w",
			fileBytes-k.maxFileSize, k.maxFileSize, ErrFileTooLarge)
	}
	return nil
}

// Reserve measures the workspace, verifies fileBytes more would stay under
// the cap, and runs write while still holding the root's mutex. The mutex is
// released on every exit path, including a panicking write.
//
// Readers do not take the lock; they see at worst a file mid-write, which
// the spec's consistency model allows.
func (k *Keeper) Reserve(ctx context.Context, fileBytes int64, write func() error) error {
	if err := k.Precheck(fileBytes); err != nil {
		return err
	}

	mu := lockFor(k.root)
	mu.Lock()
	defer mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	current, err := k.Usage()
	if err != nil {
		return fmt.Errorf("measuring workspace size: %w", err)
	}
	if current+fileBytes > k.maxWorkspaceSize {
		k.logger.Warn("workspace quota exceeded",
			slog.Int64("current_bytes", current),
			slog.Int64("requested_bytes", fileBytes),
			slog.Int64("limit_bytes", k.maxWorkspaceSize),
		)
		return fmt.Errorf("%d bytes in use, %d requested, %d allowed: %w",
			current, fileBytes, k.maxWorkspaceSize, ErrWorkspaceFull)
	}

	return write()
}

// Usage walks the workspace tree and sums regular file sizes. Symlinks are
// not counted, neither the link nor its target; entries that vanish during
// the walk are skipped rather than failing the measurement.
func (k *Keeper) Usage() (int64, error) {
	var total int64
	err := filepath.WalkDir(k.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}
