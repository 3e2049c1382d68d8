// Package pathguard confines caller-supplied paths to the workspace.
//
// Every path that reaches the host filesystem on behalf of a caller goes
// through a Guard first. The guard maps virtual workspace paths (the paths
// Python and bash code see) to host paths, normalizes them, and verifies
// after full symlink resolution that the result stays under the workspace
// root. Paths that do not exist yet are checked through their nearest
// existing ancestor.
package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// VirtualRoot is the workspace mount point inside the Python engine's
// virtual filesystem. Callers may address files either relative to it
// ("data/x.csv") or absolutely ("/workspace/data/x.csv").
const VirtualRoot = "/workspace"

// Error kinds surfaced to callers. Messages never include absolute host
// paths; leaking the resolved root would hand an attacker layout knowledge.
var (
	// ErrPathEscape reports a path whose normalized form leaves the workspace.
	ErrPathEscape = errors.New("path escapes the workspace")

	// ErrSymlinkEscape reports a path that resolves outside the workspace
	// after following symlinks.
	ErrSymlinkEscape = errors.New("path resolves outside the workspace")

	// ErrInvalidPath reports a malformed path (empty, NUL bytes).
	ErrInvalidPath = errors.New("invalid path")
)

// Guard validates paths against a single workspace root.
type Guard struct {
	root     string // absolute workspace root as configured
	rootReal string // canonicalized root, captured once at startup
}

// New creates the workspace root if missing and captures its canonical form.
func New(root string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing workspace root: %w", err)
	}
	return &Guard{root: abs, rootReal: real}, nil
}

// Root returns the configured workspace root.
func (g *Guard) Root() string { return g.root }

// RootReal returns the canonicalized workspace root all confinement checks
// compare against.
func (g *Guard) RootReal() string { return g.rootReal }

// Validate turns a caller-provided path into its confined virtual and host
// forms, or fails with one of the package error kinds.
//
// The final component is resolved: validating "evil" where evil is a symlink
// to /etc/passwd fails with ErrSymlinkEscape. Use ValidateParent for
// operations on the link itself (lstat, readlink, unlink).
func (g *Guard) Validate(input string) (virt, host string, err error) {
	virt, err = g.normalize(input)
	if err != nil {
		return "", "", err
	}
	host = g.HostPath(virt)
	if err := g.confine(host); err != nil {
		return "", "", err
	}
	return virt, host, nil
}

// ValidateParent confines the parent directory of input and returns the
// virtual and host forms of input itself, without resolving its final
// component. This is the contract for lstat, readlink, and removing a
// symlink: the operation acts on the link, not on what it points to.
func (g *Guard) ValidateParent(input string) (virt, host string, err error) {
	virt, err = g.normalize(input)
	if err != nil {
		return "", "", err
	}
	host = g.HostPath(virt)
	if err := g.confine(filepath.Dir(host)); err != nil {
		return "", "", err
	}
	return virt, host, nil
}

// ValidateSymlinkTarget confines the target of a symlink to be created at
// linkInput. Relative targets resolve against the link's parent directory.
// The link location itself must also pass Validate-parent confinement;
// callers do that separately via ValidateParent.
func (g *Guard) ValidateSymlinkTarget(linkInput, target string) error {
	if target == "" || strings.ContainsRune(target, 0) {
		return fmt.Errorf("symlink target: %w", ErrInvalidPath)
	}
	linkVirt, err := g.normalize(linkInput)
	if err != nil {
		return err
	}
	var targetVirt string
	if path.IsAbs(target) {
		targetVirt = path.Clean(target)
	} else {
		targetVirt = path.Join(path.Dir(linkVirt), target)
	}
	if !underVirtualRoot(targetVirt) {
		return fmt.Errorf("symlink target %q: %w", target, ErrPathEscape)
	}
	return g.confine(g.HostPath(targetVirt))
}

// HostPath maps a normalized virtual path to its host path under the root.
func (g *Guard) HostPath(virt string) string {
	suffix := strings.TrimPrefix(virt, VirtualRoot)
	return filepath.Join(g.root, filepath.FromSlash(suffix))
}

// VirtPath maps an absolute host path under the root back to its virtual
// form. The host path must already be confined.
func (g *Guard) VirtPath(host string) string {
	rel, err := filepath.Rel(g.root, host)
	if err != nil || rel == "." {
		return VirtualRoot
	}
	return path.Join(VirtualRoot, filepath.ToSlash(rel))
}

// Rel returns the workspace-relative form of a virtual path, used in
// user-visible messages.
func Rel(virt string) string {
	r := strings.TrimPrefix(virt, VirtualRoot)
	r = strings.TrimPrefix(r, "/")
	if r == "" {
		return "."
	}
	return r
}

// normalize applies steps 1-4 of the validation algorithm: virtual-root
// anchoring, POSIX normalization, prefix check, and the residual-dotdot
// check.
func (g *Guard) normalize(input string) (string, error) {
	if input == "" {
		return "", fmt.Errorf("empty path: %w", ErrInvalidPath)
	}
	if strings.ContainsRune(input, 0) {
		return "", fmt.Errorf("NUL byte in path: %w", ErrInvalidPath)
	}

	var p string
	switch {
	case input == VirtualRoot || strings.HasPrefix(input, VirtualRoot+"/"):
		p = path.Clean(input)
	case path.IsAbs(input):
		// Absolute paths outside the virtual root never map into the
		// workspace; joining them under VROOT would mint phantom paths.
		return "", fmt.Errorf("absolute path %q: %w", input, ErrPathEscape)
	default:
		p = path.Join(VirtualRoot, input)
	}

	if !underVirtualRoot(p) {
		return "", fmt.Errorf("path %q: %w", input, ErrPathEscape)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q: %w", input, ErrPathEscape)
		}
	}
	return p, nil
}

// confine verifies that host, after resolving as much of it as exists,
// stays under the canonical root. For paths that do not exist yet the check
// applies to the nearest existing ancestor.
func (g *Guard) confine(host string) error {
	cur := host
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			if !g.underRootReal(real) {
				return fmt.Errorf("%q: %w", filepath.Base(host), ErrSymlinkEscape)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("resolving %q: %w", filepath.Base(host), ErrInvalidPath)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Walked off the top without finding anything that exists.
			return fmt.Errorf("%q: %w", filepath.Base(host), ErrSymlinkEscape)
		}
		cur = parent
	}
}

func (g *Guard) underRootReal(real string) bool {
	return real == g.rootReal ||
		strings.HasPrefix(real, g.rootReal+string(filepath.Separator))
}

func underVirtualRoot(p string) bool {
	return p == VirtualRoot || strings.HasPrefix(p, VirtualRoot+"/")
}
