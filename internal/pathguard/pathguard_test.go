package pathguard

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newGuard(t *testing.T) *Guard {
	t.Helper()
	g, err := New(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestValidateAccepts(t *testing.T) {
	g := newGuard(t)

	tests := []struct {
		input    string
		wantVirt string
	}{
		{"file.txt", "/workspace/file.txt"},
		{"a/b/c.txt", "/workspace/a/b/c.txt"},
		{"/workspace/file.txt", "/workspace/file.txt"},
		{"/workspace", "/workspace"},
		{"./file.txt", "/workspace/file.txt"},
		{"a/./b", "/workspace/a/b"},
		{"a//b", "/workspace/a/b"},
		{"a/../b", "/workspace/b"},
		{"/workspace/a/../b", "/workspace/b"},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			virt, host, err := g.Validate(tc.input)
			if err != nil {
				t.Fatalf("Validate(%q): %v", tc.input, err)
			}
			if virt != tc.wantVirt {
				t.Errorf("virt = %q, want %q", virt, tc.wantVirt)
			}
			if !strings.HasPrefix(host, g.Root()) {
				t.Errorf("host %q not under root %q", host, g.Root())
			}
		})
	}
}

func TestValidateRejectsTraversal(t *testing.T) {
	g := newGuard(t)

	tests := []struct {
		input   string
		wantErr error
	}{
		{"../etc/passwd", ErrPathEscape},
		{"a/../../b", ErrPathEscape},
		{"/etc/passwd", ErrPathEscape},
		{"..", ErrPathEscape},
		{"/workspace/../etc", ErrPathEscape},
		{"", ErrInvalidPath},
		{"a\x00b", ErrInvalidPath},
		{"/workspacefoo", ErrPathEscape},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			_, _, err := g.Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate(%q) = %v, want %v", tc.input, err, tc.wantErr)
			}
		})
	}
}

func TestValidateRejectsSymlinkEscape(t *testing.T) {
	g := newGuard(t)

	outside := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(outside, []byte("secret"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(g.Root(), "evil")); err != nil {
		t.Fatal(err)
	}

	_, _, err := g.Validate("evil")
	if !errors.Is(err, ErrSymlinkEscape) {
		t.Fatalf("Validate(evil) = %v, want ErrSymlinkEscape", err)
	}

	// Paths below an escaping symlinked directory are rejected too.
	if err := os.Symlink(t.TempDir(), filepath.Join(g.Root(), "evildir")); err != nil {
		t.Fatal(err)
	}
	_, _, err = g.Validate("evildir/child.txt")
	if !errors.Is(err, ErrSymlinkEscape) {
		t.Fatalf("Validate(evildir/child.txt) = %v, want ErrSymlinkEscape", err)
	}
}

func TestValidateAllowsInternalSymlink(t *testing.T) {
	g := newGuard(t)

	target := filepath.Join(g.Root(), "real.txt")
	if err := os.WriteFile(target, []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(target, filepath.Join(g.Root(), "link")); err != nil {
		t.Fatal(err)
	}

	if _, _, err := g.Validate("link"); err != nil {
		t.Fatalf("Validate(link): %v", err)
	}
}

func TestValidateNonexistentUsesAncestor(t *testing.T) {
	g := newGuard(t)

	// New file in an existing directory: fine.
	if _, _, err := g.Validate("new.txt"); err != nil {
		t.Fatalf("Validate(new.txt): %v", err)
	}
	// New file under directories that don't exist yet: fine.
	if _, _, err := g.Validate("a/b/c/new.txt"); err != nil {
		t.Fatalf("Validate(a/b/c/new.txt): %v", err)
	}

	// New file under a symlinked dir that escapes: rejected via the ancestor.
	if err := os.Symlink(t.TempDir(), filepath.Join(g.Root(), "out")); err != nil {
		t.Fatal(err)
	}
	_, _, err := g.Validate("out/new.txt")
	if !errors.Is(err, ErrSymlinkEscape) {
		t.Fatalf("Validate(out/new.txt) = %v, want ErrSymlinkEscape", err)
	}
}

func TestValidateParent(t *testing.T) {
	g := newGuard(t)

	// An escaping symlink passes ValidateParent: the operation targets the
	// link itself, which lets callers inspect and delete adversarial links.
	if err := os.Symlink("/etc/passwd", filepath.Join(g.Root(), "evil")); err != nil {
		t.Fatal(err)
	}
	virt, host, err := g.ValidateParent("evil")
	if err != nil {
		t.Fatalf("ValidateParent(evil): %v", err)
	}
	if virt != "/workspace/evil" {
		t.Errorf("virt = %q", virt)
	}
	if host != filepath.Join(g.Root(), "evil") {
		t.Errorf("host = %q", host)
	}

	// Traversal still rejected.
	if _, _, err := g.ValidateParent("../evil"); !errors.Is(err, ErrPathEscape) {
		t.Errorf("ValidateParent(../evil) = %v, want ErrPathEscape", err)
	}
}

func TestValidateSymlinkTarget(t *testing.T) {
	g := newGuard(t)
	if err := os.MkdirAll(filepath.Join(g.Root(), "sub"), 0o750); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		link   string
		target string
		ok     bool
	}{
		{"relative inside", "sub/link", "sibling.txt", true},
		{"absolute inside", "link", "/workspace/file.txt", true},
		{"absolute outside", "link", "/etc/passwd", false},
		{"relative escape", "link", "../../etc/passwd", false},
		{"relative escape from sub", "sub/link", "../../outside", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := g.ValidateSymlinkTarget(tc.link, tc.target)
			if tc.ok && err != nil {
				t.Errorf("got %v, want nil", err)
			}
			if !tc.ok && err == nil {
				t.Error("got nil, want error")
			}
		})
	}
}

func TestHostVirtRoundTrip(t *testing.T) {
	g := newGuard(t)

	virt, host, err := g.Validate("a/b.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got := g.VirtPath(host); got != virt {
		t.Errorf("VirtPath(HostPath(v)) = %q, want %q", got, virt)
	}
	if got := g.VirtPath(g.Root()); got != VirtualRoot {
		t.Errorf("VirtPath(root) = %q, want %q", got, VirtualRoot)
	}
}

func TestRel(t *testing.T) {
	tests := []struct {
		virt string
		want string
	}{
		{"/workspace/a/b.txt", "a/b.txt"},
		{"/workspace", "."},
	}
	for _, tc := range tests {
		if got := Rel(tc.virt); got != tc.want {
			t.Errorf("Rel(%q) = %q, want %q", tc.virt, got, tc.want)
		}
	}
}

func TestRootThroughSymlinkedTempDir(t *testing.T) {
	// On hosts where the temp dir itself contains symlinks (macOS /tmp),
	// RootReal differs from Root; confinement must still accept members.
	g := newGuard(t)
	if _, _, err := g.Validate("x.txt"); err != nil {
		t.Fatalf("Validate under symlinked root: %v", err)
	}
	if g.RootReal() == "" {
		t.Fatal("RootReal empty")
	}
}
