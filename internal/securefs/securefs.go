// Package securefs is the confined filesystem facade handed to the bash
// engine. Every operation validates its path arguments through the
// workspace guard before touching the host; the facade itself performs no
// quota accounting, which stays with the write-path tools.
package securefs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/manojlds/heimdall/internal/pathguard"
)

// FS mediates host filesystem access for one workspace.
type FS struct {
	guard *pathguard.Guard
}

// New creates the facade over the given guard.
func New(guard *pathguard.Guard) *FS {
	return &FS{guard: guard}
}

// Guard exposes the underlying guard for callers that need the mapping.
func (s *FS) Guard() *pathguard.Guard { return s.guard }

// Resolve validates a path and returns its host form.
func (s *FS) Resolve(path string) (string, error) {
	_, host, err := s.guard.Validate(path)
	return host, err
}

// ReadFile returns the contents of a confined file.
func (s *FS) ReadFile(path string) ([]byte, error) {
	_, host, err := s.guard.Validate(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(host)
}

// WriteFile writes data to a confined file, creating parents as needed.
func (s *FS) WriteFile(path string, data []byte, perm os.FileMode) error {
	_, host, err := s.guard.Validate(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o750); err != nil {
		return err
	}
	return os.WriteFile(host, data, perm)
}

// AppendFile appends data to a confined file, creating it if missing.
func (s *FS) AppendFile(path string, data []byte, perm os.FileMode) error {
	_, host, err := s.guard.Validate(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(host, os.O_WRONLY|os.O_CREATE|os.O_APPEND, perm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

// OpenFile opens a confined file with the given flags, creating parent
// directories for writes. This is the redirection path for the bash engine.
func (s *FS) OpenFile(path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	_, host, err := s.guard.Validate(path)
	if err != nil {
		return nil, err
	}
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_CREATE) != 0 {
		if err := os.MkdirAll(filepath.Dir(host), 0o750); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(host, flag, perm)
}

// Exists reports whether a confined path exists. A symlink-escape is
// reported as plain non-existence: confirming what an adversarial link
// points at is itself an information channel.
func (s *FS) Exists(path string) bool {
	_, host, err := s.guard.Validate(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(host)
	return err == nil
}

// Stat follows symlinks; the target must be confined.
func (s *FS) Stat(path string) (fs.FileInfo, error) {
	_, host, err := s.guard.Validate(path)
	if err != nil {
		return nil, err
	}
	return os.Stat(host)
}

// Lstat validates the parent only, so a confined symlink's own metadata can
// be inspected even when its target escapes.
func (s *FS) Lstat(path string) (fs.FileInfo, error) {
	_, host, err := s.guard.ValidateParent(path)
	if err != nil {
		return nil, err
	}
	return os.Lstat(host)
}

// Readlink validates the parent only.
func (s *FS) Readlink(path string) (string, error) {
	_, host, err := s.guard.ValidateParent(path)
	if err != nil {
		return "", err
	}
	return os.Readlink(host)
}

// ReadDir lists a confined directory.
func (s *FS) ReadDir(path string) ([]fs.DirEntry, error) {
	_, host, err := s.guard.Validate(path)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(host)
}

// Mkdir creates a confined directory tree.
func (s *FS) Mkdir(path string) error {
	_, host, err := s.guard.Validate(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(host, 0o750)
}

// Remove deletes a confined file or directory tree. When the target is a
// symlink only the parent is validated and the link itself is unlinked;
// this is what lets an operator delete an adversarial link.
func (s *FS) Remove(path string) error {
	_, host, err := s.guard.ValidateParent(path)
	if err != nil {
		return err
	}
	info, err := os.Lstat(host)
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSymlink != 0 {
		return os.Remove(host)
	}
	// Not a link: the target itself must be confined.
	if _, host, err = s.guard.Validate(path); err != nil {
		return err
	}
	return os.RemoveAll(host)
}

// Copy copies a confined file to a confined destination.
func (s *FS) Copy(src, dst string) error {
	_, srcHost, err := s.guard.Validate(src)
	if err != nil {
		return err
	}
	_, dstHost, err := s.guard.Validate(dst)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(srcHost)
	if err != nil {
		return err
	}
	info, err := os.Stat(srcHost)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstHost), 0o750); err != nil {
		return err
	}
	return os.WriteFile(dstHost, data, info.Mode().Perm())
}

// Rename moves a confined file or directory to a confined destination.
func (s *FS) Rename(src, dst string) error {
	_, srcHost, err := s.guard.ValidateParent(src)
	if err != nil {
		return err
	}
	// A non-link source must be fully confined.
	if info, lerr := os.Lstat(srcHost); lerr == nil && info.Mode()&fs.ModeSymlink == 0 {
		if _, srcHost, err = s.guard.Validate(src); err != nil {
			return err
		}
	}
	_, dstHost, err := s.guard.Validate(dst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dstHost), 0o750); err != nil {
		return err
	}
	return os.Rename(srcHost, dstHost)
}

// Chmod changes permissions on a confined path.
func (s *FS) Chmod(path string, mode os.FileMode) error {
	_, host, err := s.guard.Validate(path)
	if err != nil {
		return err
	}
	return os.Chmod(host, mode)
}

// Symlink creates a link at path pointing to target. Creation is rejected
// when the resolved target would escape, even though the link itself lives
// inside the workspace.
func (s *FS) Symlink(target, path string) error {
	_, linkHost, err := s.guard.ValidateParent(path)
	if err != nil {
		return err
	}
	if err := s.guard.ValidateSymlinkTarget(path, target); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(linkHost), 0o750); err != nil {
		return err
	}
	return os.Symlink(target, linkHost)
}

// Link creates a hard link; both ends must be confined.
func (s *FS) Link(oldpath, newpath string) error {
	_, oldHost, err := s.guard.Validate(oldpath)
	if err != nil {
		return err
	}
	_, newHost, err := s.guard.Validate(newpath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(newHost), 0o750); err != nil {
		return err
	}
	return os.Link(oldHost, newHost)
}

// IsNotExist unifies missing-file detection across the facade.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
