package syncengine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/manojlds/heimdall/internal/pathguard"
	"github.com/manojlds/heimdall/internal/pyengine"
)

func newEngine(t *testing.T) (*Engine, *pathguard.Guard, pyengine.VirtualFS) {
	t.Helper()
	guard, err := pathguard.New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}
	vfs := pyengine.NewVirtualFS(pyengine.NewMemFS())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(guard, vfs, logger), guard, vfs
}

func writeHost(t *testing.T, guard *pathguard.Guard, rel, content string) {
	t.Helper()
	p := filepath.Join(guard.Root(), rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o640); err != nil {
		t.Fatal(err)
	}
}

func TestHostToVirtualFullTree(t *testing.T) {
	e, guard, vfs := newEngine(t)
	writeHost(t, guard, "a.txt", "one")
	writeHost(t, guard, "sub/b.txt", "two")

	if err := e.HostToVirtual(context.Background()); err != nil {
		t.Fatalf("HostToVirtual: %v", err)
	}

	for virt, want := range map[string]string{
		"/workspace/a.txt":     "one",
		"/workspace/sub/b.txt": "two",
	} {
		data, err := vfs.ReadFile(virt)
		if err != nil {
			t.Fatalf("ReadFile(%s): %v", virt, err)
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", virt, data, want)
		}
	}
}

func TestVirtualToHostFullTree(t *testing.T) {
	e, guard, vfs := newEngine(t)
	if err := vfs.MkdirAll("/workspace/out"); err != nil {
		t.Fatal(err)
	}
	if err := vfs.WriteFile("/workspace/out/r.txt", []byte("result")); err != nil {
		t.Fatal(err)
	}

	if err := e.VirtualToHost(context.Background()); err != nil {
		t.Fatalf("VirtualToHost: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(guard.Root(), "out/r.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "result" {
		t.Errorf("host file = %q", data)
	}
}

func TestTargetedSyncSingleFile(t *testing.T) {
	e, guard, vfs := newEngine(t)
	writeHost(t, guard, "only.txt", "x")
	writeHost(t, guard, "other.txt", "y")

	if err := e.HostPathToVirtual(context.Background(), "/workspace/only.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := vfs.ReadFile("/workspace/only.txt"); err != nil {
		t.Errorf("targeted file missing: %v", err)
	}
	if _, err := vfs.ReadFile("/workspace/other.txt"); err == nil {
		t.Error("untargeted file was synced")
	}
}

func TestSyncIdempotent(t *testing.T) {
	e, guard, vfs := newEngine(t)
	writeHost(t, guard, "a.txt", "one")
	writeHost(t, guard, "d/b.txt", "two")

	ctx := context.Background()
	if err := e.HostToVirtual(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.HostToVirtual(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	entries, err := vfs.ReadDir("/workspace")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("entries after double sync = %d, want 2", len(entries))
	}

	if err := e.VirtualToHost(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.VirtualToHost(ctx); err != nil {
		t.Fatalf("second reverse sync: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(guard.Root(), "a.txt"))
	if err != nil || string(data) != "one" {
		t.Errorf("host after round trips = %q, %v", data, err)
	}
}

func TestSyncSkipsEscapingSymlink(t *testing.T) {
	e, guard, vfs := newEngine(t)
	secret := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(secret, []byte("root:"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(secret, filepath.Join(guard.Root(), "evil")); err != nil {
		t.Fatal(err)
	}
	writeHost(t, guard, "good.txt", "fine")

	if err := e.HostToVirtual(context.Background()); err != nil {
		t.Fatalf("sync with escaping link: %v", err)
	}
	if _, err := vfs.ReadFile("/workspace/evil"); err == nil {
		t.Error("escaping symlink contents were synced into the virtual FS")
	}
	if _, err := vfs.ReadFile("/workspace/good.txt"); err != nil {
		t.Errorf("sibling file skipped: %v", err)
	}
}

func TestSyncSkipsEngineInternalNames(t *testing.T) {
	e, guard, vfs := newEngine(t)
	if err := vfs.WriteFile("/workspace/.heimdall_result", []byte("internal")); err != nil {
		t.Fatal(err)
	}
	if err := vfs.WriteFile("/workspace/user.txt", []byte("keep")); err != nil {
		t.Fatal(err)
	}

	if err := e.VirtualToHost(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(guard.Root(), ".heimdall_result")); !os.IsNotExist(err) {
		t.Error("engine-internal staging file reached the host")
	}
	if _, err := os.Stat(filepath.Join(guard.Root(), "user.txt")); err != nil {
		t.Errorf("user file missing on host: %v", err)
	}
}

func TestSyncMissingSourceReported(t *testing.T) {
	e, _, _ := newEngine(t)
	if err := e.HostPathToVirtual(context.Background(), "/workspace/nope.txt"); err == nil {
		t.Error("missing source not reported")
	}
	if err := e.VirtualPathToHost(context.Background(), "/workspace/nope.txt"); err == nil {
		t.Error("missing virtual source not reported")
	}
}
