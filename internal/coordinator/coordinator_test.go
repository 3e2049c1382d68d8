package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/manojlds/heimdall/internal/config"
	"github.com/manojlds/heimdall/internal/pathguard"
	"github.com/manojlds/heimdall/internal/pyengine"
	"github.com/manojlds/heimdall/internal/pyengine/enginetest"
	"github.com/manojlds/heimdall/internal/pyworker"
	"github.com/manojlds/heimdall/internal/quota"
)

type fixture struct {
	c    *Coordinator
	fake *enginetest.Fake
	root string
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	cfg := &config.Config{
		Workspace:         filepath.Join(t.TempDir(), "ws"),
		MaxFileSize:       config.DefaultMaxFileSize,
		MaxWorkspaceSize:  config.DefaultMaxWorkspaceSize,
		PythonTimeout:     2 * time.Second,
		WorkerInitTimeout: 5 * time.Second,
		Bash: config.BashConfig{
			MaxLoopIterations: 10000,
			MaxCommandCount:   1000,
			MaxCallDepth:      100,
			MaxOutputBytes:    1 << 20,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	shared := pyengine.NewMemFS()
	fake := enginetest.NewOnFS(shared)
	factory := func(context.Context) (pyengine.Engine, error) { return fake, nil }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := New(cfg, factory, shared, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return &fixture{c: c, fake: fake, root: c.Guard().Root()}
}

func TestWriteReadRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.WriteFile(ctx, "notes/todo.txt", "buy milk"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	content, err := f.c.ReadFile(ctx, "notes/todo.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if content != "buy milk" {
		t.Errorf("content = %q", content)
	}

	// The write landed on the host too.
	data, err := os.ReadFile(filepath.Join(f.root, "notes/todo.txt"))
	if err != nil || string(data) != "buy milk" {
		t.Errorf("host content = %q, %v", data, err)
	}
}

func TestListFiles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.WriteFile(ctx, "a.txt", "1"); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(f.root, "sub"), 0o750); err != nil {
		t.Fatal(err)
	}

	entries, err := f.c.ListFiles(ctx, "")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	byName := map[string]FileEntry{}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			t.Fatalf("dot entry leaked: %q", e.Name)
		}
		byName[e.Name] = e
	}
	if e, ok := byName["a.txt"]; !ok || e.IsDirectory || e.Size != 1 {
		t.Errorf("a.txt entry = %+v, present %v", e, ok)
	}
	if e, ok := byName["sub"]; !ok || !e.IsDirectory {
		t.Errorf("sub entry = %+v, present %v", e, ok)
	}
}

func TestFileTooLarge(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.MaxFileSize = 8 })

	err := f.c.WriteFile(context.Background(), "big.txt", "123456789")
	if !errors.Is(err, quota.ErrFileTooLarge) {
		t.Fatalf("err = %v, want ErrFileTooLarge", err)
	}
	if _, statErr := os.Stat(filepath.Join(f.root, "big.txt")); !os.IsNotExist(statErr) {
		t.Error("oversized file was created")
	}
}

// S2: quota race. Concurrent writes that individually fit must not
// collectively exceed the workspace cap.
func TestQuotaRace(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.MaxFileSize = 5 * 1024
		cfg.MaxWorkspaceSize = 100 * 1024
	})
	ctx := context.Background()

	// Pre-fill to 99 KiB in 4 KiB chunks plus a 3 KiB tail.
	filler := strings.Repeat("x", 4*1024)
	for i := 0; i < 24; i++ {
		if err := f.c.WriteFile(ctx, fmt.Sprintf("fill/%02d.bin", i), filler); err != nil {
			t.Fatalf("prefill %d: %v", i, err)
		}
	}
	if err := f.c.WriteFile(ctx, "fill/last.bin", strings.Repeat("x", 3*1024)); err != nil {
		t.Fatalf("prefill tail: %v", err)
	}

	// Three concurrent 5 KiB writes; none fits in the last KiB.
	payload := strings.Repeat("y", 5*1024)
	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.c.WriteFile(ctx, fmt.Sprintf("race/%d.bin", i), payload)
		}(i)
	}
	wg.Wait()

	full := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, quota.ErrWorkspaceFull) {
			full++
			continue
		}
		t.Fatalf("unexpected error: %v", err)
	}
	if full != 3 {
		t.Errorf("WorkspaceFull count = %d, want 3 (99K + 5K > 100K)", full)
	}

	usage, err := f.c.Keeper().Usage()
	if err != nil {
		t.Fatal(err)
	}
	if usage > 100*1024 {
		t.Errorf("usage = %d, exceeds the cap", usage)
	}
}

// S1: symlink read blocked, link deletable, target untouched.
func TestSymlinkReadBlockedAndDeletable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	secret := filepath.Join(t.TempDir(), "passwd")
	if err := os.WriteFile(secret, []byte("root:x:0:0"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(secret, filepath.Join(f.root, "evil")); err != nil {
		t.Fatal(err)
	}

	content, err := f.c.ReadFile(ctx, "evil")
	if !errors.Is(err, pathguard.ErrSymlinkEscape) {
		t.Fatalf("ReadFile(evil) = %q, %v; want ErrSymlinkEscape", content, err)
	}
	if content != "" {
		t.Error("content returned for blocked read")
	}

	// Deleting the link succeeds and leaves the target alone.
	if err := f.c.DeleteFile(ctx, "evil"); err != nil {
		t.Fatalf("DeleteFile(evil): %v", err)
	}
	if _, err := os.Lstat(filepath.Join(f.root, "evil")); !os.IsNotExist(err) {
		t.Error("link still present")
	}
	if _, err := os.Stat(secret); err != nil {
		t.Error("symlink target was deleted")
	}

	// A further read now fails on absence, not on confinement.
	if _, err := f.c.ReadFile(ctx, "evil"); err == nil {
		t.Error("read of deleted path succeeded")
	}
}

// S6: path traversal table. No tool may touch anything outside the root.
func TestPathTraversalTable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	inputs := []string{"../etc/passwd", "a/../../b", "/etc/passwd", "..", "/workspace/../etc"}
	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			if err := f.c.WriteFile(ctx, input, "x"); !isPathErr(err) {
				t.Errorf("WriteFile = %v", err)
			}
			if _, err := f.c.ReadFile(ctx, input); !isPathErr(err) {
				t.Errorf("ReadFile = %v", err)
			}
			if _, err := f.c.ListFiles(ctx, input); !isPathErr(err) {
				t.Errorf("ListFiles = %v", err)
			}
			if err := f.c.DeleteFile(ctx, input); !isPathErr(err) {
				t.Errorf("DeleteFile = %v", err)
			}
			if _, err := f.c.ExecuteBash(ctx, "true", input); !isPathErr(err) {
				t.Errorf("ExecuteBash cwd = %v", err)
			}
		})
	}
}

func isPathErr(err error) bool {
	return errors.Is(err, pathguard.ErrPathEscape) ||
		errors.Is(err, pathguard.ErrInvalidPath) ||
		errors.Is(err, pathguard.ErrSymlinkEscape)
}

// S4: bash symlink attack. In no case does stdout contain host secrets.
func TestBashSymlinkAttack(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.c.ExecuteBash(context.Background(), "ln -s /etc/passwd leak && cat leak", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode == 0 {
		t.Error("attack chain exited 0")
	}
	if strings.Contains(res.Stdout, "root:") {
		t.Fatal("stdout leaked /etc/passwd")
	}
}

// S5: a file written by bash is visible to the next python execution.
func TestBashWritesPythonReads(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.c.ExecuteBash(ctx, "echo hi > shared.txt", "")
	if err != nil || res.ExitCode != 0 {
		t.Fatalf("bash: %v, exit %d, stderr %q", err, res.ExitCode, res.Stderr)
	}

	f.fake.SetHandler(func(_ context.Context, _ string, vfs pyengine.VirtualFS, stdout, _ io.Writer) (pyengine.Outcome, error) {
		data, err := vfs.ReadFile("/workspace/shared.txt")
		if err != nil {
			return pyengine.Outcome{Err: err.Error()}, nil
		}
		fmt.Fprint(stdout, string(data))
		return pyengine.Outcome{}, nil
	})

	pres := f.c.ExecutePython(ctx, "print(open('shared.txt').read())", nil)
	if !pres.Success {
		t.Fatalf("python: %q", pres.Err)
	}
	if !strings.Contains(pres.Stdout, "hi") {
		t.Errorf("python stdout = %q, want hi", pres.Stdout)
	}
}

// S3: timeout, then recovery on benign input.
func TestPythonTimeoutThenRecovery(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.PythonTimeout = 200 * time.Millisecond })
	ctx := context.Background()

	f.fake.SetHandler(func(hctx context.Context, code string, _ pyengine.VirtualFS, stdout, _ io.Writer) (pyengine.Outcome, error) {
		if strings.Contains(code, "while True") {
			<-hctx.Done()
			return pyengine.Outcome{}, hctx.Err()
		}
		fmt.Fprintln(stdout, "2")
		return pyengine.Outcome{}, nil
	})

	res := f.c.ExecutePython(ctx, "while True: pass", nil)
	if res.Success {
		t.Fatal("blocking code reported success")
	}
	if !strings.Contains(res.Err, "timed out") || !strings.Contains(res.Err, "200") {
		t.Errorf("Err = %q", res.Err)
	}

	// The supervisor restarts a worker on the same shared filesystem.
	res = f.c.ExecutePython(ctx, "print(1+1)", nil)
	if !res.Success {
		t.Fatalf("post-timeout execution failed: %q", res.Err)
	}
	if !strings.Contains(res.Stdout, "2") {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestDeleteFileAndDirectory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if err := f.c.WriteFile(ctx, "d/x.txt", "1"); err != nil {
		t.Fatal(err)
	}
	if err := f.c.WriteFile(ctx, "d/sub/y.txt", "2"); err != nil {
		t.Fatal(err)
	}

	// Recursive directory delete, both sides.
	if err := f.c.DeleteFile(ctx, "d"); err != nil {
		t.Fatalf("DeleteFile(d): %v", err)
	}
	if _, err := os.Stat(filepath.Join(f.root, "d")); !os.IsNotExist(err) {
		t.Error("host directory still present")
	}
	if _, err := f.c.ListFiles(ctx, "d"); err == nil {
		t.Error("virtual directory still listable")
	}

	// Deleting a path with no host counterpart is not an error.
	if err := f.c.DeleteFile(ctx, "never-existed.txt"); err != nil {
		t.Errorf("DeleteFile(missing): %v", err)
	}
}

func TestWorkerUnavailableSurfaced(t *testing.T) {
	cfg := &config.Config{
		Workspace:         filepath.Join(t.TempDir(), "ws"),
		MaxFileSize:       config.DefaultMaxFileSize,
		MaxWorkspaceSize:  config.DefaultMaxWorkspaceSize,
		PythonTimeout:     time.Second,
		WorkerInitTimeout: time.Second,
		Bash: config.BashConfig{
			MaxLoopIterations: 100, MaxCommandCount: 100, MaxCallDepth: 10, MaxOutputBytes: 1 << 16,
		},
	}
	shared := pyengine.NewMemFS()
	factory := func(context.Context) (pyengine.Engine, error) {
		return nil, errors.New("no wasm binary configured")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New(cfg, factory, shared, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)

	res := c.ExecutePython(context.Background(), "pass", nil)
	if res.Success {
		t.Fatal("Success without a worker")
	}
	if !strings.Contains(res.Err, pyworker.ErrWorkerUnavailable.Error()) {
		t.Errorf("Err = %q", res.Err)
	}
}
