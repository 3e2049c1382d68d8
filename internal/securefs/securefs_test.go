package securefs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/manojlds/heimdall/internal/pathguard"
)

func newFS(t *testing.T) (*FS, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "ws")
	guard, err := pathguard.New(root)
	if err != nil {
		t.Fatal(err)
	}
	return New(guard), guard.Root()
}

func TestWriteReadRoundTrip(t *testing.T) {
	s, _ := newFS(t)

	if err := s.WriteFile("dir/f.txt", []byte("content"), 0o640); err != nil {
		t.Fatal(err)
	}
	data, err := s.ReadFile("dir/f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "content" {
		t.Errorf("ReadFile = %q", data)
	}
}

func TestAppendFile(t *testing.T) {
	s, _ := newFS(t)

	if err := s.AppendFile("log.txt", []byte("a"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendFile("log.txt", []byte("b"), 0o640); err != nil {
		t.Fatal(err)
	}
	data, _ := s.ReadFile("log.txt")
	if string(data) != "ab" {
		t.Errorf("appended = %q, want ab", data)
	}
}

func TestTraversalRejected(t *testing.T) {
	s, root := newFS(t)

	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		if err := s.WriteFile(path, []byte("x"), 0o640); err == nil {
			t.Errorf("WriteFile(%q) accepted", path)
		}
		if _, err := s.ReadFile(path); err == nil {
			t.Errorf("ReadFile(%q) accepted", path)
		}
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(root), "outside.txt")); !os.IsNotExist(err) {
		t.Error("traversal write landed outside the workspace")
	}
}

func TestSymlinkEscapeRead(t *testing.T) {
	s, root := newFS(t)

	secret := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(secret, []byte("root:"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(secret, filepath.Join(root, "evil")); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ReadFile("evil"); !errors.Is(err, pathguard.ErrSymlinkEscape) {
		t.Errorf("ReadFile(evil) = %v, want ErrSymlinkEscape", err)
	}
	// Exists treats the escape as absence, not as an error signal.
	if s.Exists("evil") {
		t.Error("Exists(evil) = true through an escaping symlink")
	}
	// Lstat and Readlink inspect the link itself.
	if _, err := s.Lstat("evil"); err != nil {
		t.Errorf("Lstat(evil): %v", err)
	}
	if target, err := s.Readlink("evil"); err != nil || target != secret {
		t.Errorf("Readlink(evil) = %q, %v", target, err)
	}
	// The link can be removed even though following it would escape.
	if err := s.Remove("evil"); err != nil {
		t.Errorf("Remove(evil): %v", err)
	}
	if _, err := os.Stat(secret); err != nil {
		t.Error("removing the link removed its target")
	}
}

func TestSymlinkCreateConfined(t *testing.T) {
	s, _ := newFS(t)

	if err := s.WriteFile("real.txt", []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := s.Symlink("real.txt", "alias"); err != nil {
		t.Fatalf("confined symlink rejected: %v", err)
	}
	data, err := s.ReadFile("alias")
	if err != nil || string(data) != "x" {
		t.Errorf("read through confined link = %q, %v", data, err)
	}

	if err := s.Symlink("/etc/passwd", "leak"); err == nil {
		t.Error("escaping symlink target accepted")
	}
	if err := s.Symlink("../../etc/passwd", "leak2"); err == nil {
		t.Error("relative escaping symlink target accepted")
	}
}

func TestCopyRenameChmod(t *testing.T) {
	s, _ := newFS(t)

	if err := s.WriteFile("a.txt", []byte("data"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := s.Copy("a.txt", "sub/b.txt"); err != nil {
		t.Fatal(err)
	}
	if data, _ := s.ReadFile("sub/b.txt"); string(data) != "data" {
		t.Errorf("copied = %q", data)
	}
	if err := s.Rename("sub/b.txt", "c.txt"); err != nil {
		t.Fatal(err)
	}
	if s.Exists("sub/b.txt") {
		t.Error("source still present after rename")
	}
	if err := s.Chmod("c.txt", 0o600); err != nil {
		t.Fatal(err)
	}
	info, err := s.Stat("c.txt")
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	if err := s.Copy("a.txt", "../out.txt"); err == nil {
		t.Error("copy to escaping destination accepted")
	}
}

func TestReadDirAndMkdir(t *testing.T) {
	s, _ := newFS(t)

	if err := s.Mkdir("d/e"); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFile("d/f.txt", []byte("1"), 0o640); err != nil {
		t.Fatal(err)
	}
	entries, err := s.ReadDir("d")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("ReadDir = %d entries, want 2", len(entries))
	}
}

func TestRemoveDirectoryRecursive(t *testing.T) {
	s, _ := newFS(t)

	if err := s.WriteFile("d/sub/f.txt", []byte("1"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("d"); err != nil {
		t.Fatal(err)
	}
	if s.Exists("d") {
		t.Error("directory still present")
	}
}
