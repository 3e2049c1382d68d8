package pyengine

import (
	"fmt"
	"strings"
)

// rootedFS exposes a MemFS under the virtual root: callers address
// "/workspace/..." paths, the tree stores them relative to its own root.
type rootedFS struct {
	m *MemFS
}

// NewVirtualFS wraps a MemFS as the VirtualFS the rest of the system uses.
func NewVirtualFS(m *MemFS) VirtualFS {
	return &rootedFS{m: m}
}

func trimRoot(p string) (string, error) {
	switch {
	case p == VirtualRoot:
		return "/", nil
	case strings.HasPrefix(p, VirtualRoot+"/"):
		return strings.TrimPrefix(p, VirtualRoot), nil
	default:
		return "", fmt.Errorf("%q is outside the virtual workspace", p)
	}
}

func (v *rootedFS) MkdirAll(p string) error {
	rel, err := trimRoot(p)
	if err != nil {
		return err
	}
	return v.m.MkdirAll(rel)
}

func (v *rootedFS) WriteFile(p string, data []byte) error {
	rel, err := trimRoot(p)
	if err != nil {
		return err
	}
	return v.m.WriteFile(rel, data)
}

func (v *rootedFS) ReadFile(p string) ([]byte, error) {
	rel, err := trimRoot(p)
	if err != nil {
		return nil, err
	}
	return v.m.ReadFile(rel)
}

func (v *rootedFS) Stat(p string) (FileInfo, error) {
	rel, err := trimRoot(p)
	if err != nil {
		return FileInfo{}, err
	}
	return v.m.Stat(rel)
}

func (v *rootedFS) IsDir(p string) bool {
	rel, err := trimRoot(p)
	if err != nil {
		return false
	}
	return v.m.IsDir(rel)
}

func (v *rootedFS) ReadDir(p string) ([]FileInfo, error) {
	rel, err := trimRoot(p)
	if err != nil {
		return nil, err
	}
	return v.m.ReadDir(rel)
}

func (v *rootedFS) Remove(p string) error {
	rel, err := trimRoot(p)
	if err != nil {
		return err
	}
	return v.m.Remove(rel)
}

func (v *rootedFS) RemoveDir(p string) error {
	rel, err := trimRoot(p)
	if err != nil {
		return err
	}
	return v.m.RemoveDir(rel)
}
