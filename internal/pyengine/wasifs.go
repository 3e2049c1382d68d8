package pyengine

import (
	"errors"
	"io/fs"
	"path"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/sys"
)

// wasiFS adapts a MemFS to wazero's low-level filesystem interface so the
// guest runtime can read and write the virtual workspace through WASI.
type wasiFS struct {
	experimentalsys.UnimplementedFS
	m *MemFS
}

func errno(err error) experimentalsys.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotExist):
		return experimentalsys.ENOENT
	case errors.Is(err, ErrExist):
		return experimentalsys.EEXIST
	case errors.Is(err, ErrIsDir):
		return experimentalsys.EISDIR
	case errors.Is(err, ErrNotDir):
		return experimentalsys.ENOTDIR
	case errors.Is(err, ErrNotEmpty):
		return experimentalsys.ENOTEMPTY
	default:
		return experimentalsys.EINVAL
	}
}

func statOf(info FileInfo) sys.Stat_t {
	mode := fs.FileMode(0o644)
	if info.IsDir {
		mode = fs.ModeDir | 0o755
	}
	mtim := info.ModTime.UnixNano()
	return sys.Stat_t{
		Mode:  mode,
		Nlink: 1,
		Size:  info.Size,
		Atim:  mtim,
		Mtim:  mtim,
		Ctim:  mtim,
	}
}

func (f *wasiFS) OpenFile(p string, flag experimentalsys.Oflag, _ fs.FileMode) (experimentalsys.File, experimentalsys.Errno) {
	info, statErr := f.m.Stat(p)

	if flag&experimentalsys.O_DIRECTORY != 0 {
		if statErr != nil {
			return nil, errno(statErr)
		}
		if !info.IsDir {
			return nil, experimentalsys.ENOTDIR
		}
		return &wasiFile{fs: f.m, path: p, dir: true}, 0
	}

	switch {
	case statErr == nil && info.IsDir:
		return &wasiFile{fs: f.m, path: p, dir: true}, 0
	case statErr == nil:
		data, err := f.m.ReadFile(p)
		if err != nil {
			return nil, errno(err)
		}
		if flag&experimentalsys.O_TRUNC != 0 {
			data = nil
		}
		file := &wasiFile{fs: f.m, path: p, data: data}
		if flag&experimentalsys.O_APPEND != 0 {
			file.pos = int64(len(data))
		}
		file.writable = flag&(experimentalsys.O_WRONLY|experimentalsys.O_RDWR) != 0
		return file, 0
	case flag&experimentalsys.O_CREAT != 0:
		if err := f.m.WriteFile(p, nil); err != nil {
			return nil, errno(err)
		}
		return &wasiFile{fs: f.m, path: p, writable: true}, 0
	default:
		return nil, errno(statErr)
	}
}

func (f *wasiFS) Stat(p string) (sys.Stat_t, experimentalsys.Errno) {
	info, err := f.m.Stat(p)
	if err != nil {
		return sys.Stat_t{}, errno(err)
	}
	return statOf(info), 0
}

// Lstat equals Stat: the virtual filesystem has no symlinks.
func (f *wasiFS) Lstat(p string) (sys.Stat_t, experimentalsys.Errno) {
	return f.Stat(p)
}

func (f *wasiFS) Mkdir(p string, _ fs.FileMode) experimentalsys.Errno {
	if _, err := f.m.Stat(p); err == nil {
		return experimentalsys.EEXIST
	}
	return errno(f.m.MkdirAll(p))
}

func (f *wasiFS) Unlink(p string) experimentalsys.Errno {
	return errno(f.m.Remove(p))
}

func (f *wasiFS) Rmdir(p string) experimentalsys.Errno {
	entries, err := f.m.ReadDir(p)
	if err != nil {
		return errno(err)
	}
	if len(entries) > 0 {
		return experimentalsys.ENOTEMPTY
	}
	return errno(f.m.RemoveDir(p))
}

func (f *wasiFS) Rename(from, to string) experimentalsys.Errno {
	return errno(f.m.Rename(from, to))
}

func (f *wasiFS) Utimens(p string, _, _ int64) experimentalsys.Errno {
	if _, err := f.m.Stat(p); err != nil {
		return errno(err)
	}
	return 0
}

// wasiFile is an open handle. Writes go through to the MemFS on every call
// so a guest that never closes the file still leaves its data visible.
type wasiFile struct {
	experimentalsys.UnimplementedFile
	fs       *MemFS
	path     string
	data     []byte
	pos      int64
	dir      bool
	writable bool
	closed   bool
	dirPos   int
}

func (f *wasiFile) Dev() (uint64, experimentalsys.Errno) { return 0, 0 }
func (f *wasiFile) Ino() (sys.Inode, experimentalsys.Errno) {
	return 0, 0
}

func (f *wasiFile) IsDir() (bool, experimentalsys.Errno) {
	return f.dir, 0
}

func (f *wasiFile) Stat() (sys.Stat_t, experimentalsys.Errno) {
	info, err := f.fs.Stat(f.path)
	if err != nil {
		return sys.Stat_t{}, errno(err)
	}
	if !f.dir {
		// Report the handle's view, which may be ahead of the tree.
		info.Size = int64(len(f.data))
	}
	return statOf(info), 0
}

func (f *wasiFile) Read(buf []byte) (int, experimentalsys.Errno) {
	if f.closed {
		return 0, experimentalsys.EBADF
	}
	if f.dir {
		return 0, experimentalsys.EISDIR
	}
	if f.pos >= int64(len(f.data)) {
		return 0, 0
	}
	n := copy(buf, f.data[f.pos:])
	f.pos += int64(n)
	return n, 0
}

func (f *wasiFile) Pread(buf []byte, off int64) (int, experimentalsys.Errno) {
	if f.closed {
		return 0, experimentalsys.EBADF
	}
	if off >= int64(len(f.data)) {
		return 0, 0
	}
	return copy(buf, f.data[off:]), 0
}

func (f *wasiFile) Write(buf []byte) (int, experimentalsys.Errno) {
	if f.closed {
		return 0, experimentalsys.EBADF
	}
	if f.dir || !f.writable {
		return 0, experimentalsys.EBADF
	}
	end := f.pos + int64(len(buf))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[f.pos:], buf)
	f.pos = end
	if err := f.fs.WriteFile(f.path, f.data); err != nil {
		return 0, errno(err)
	}
	return len(buf), 0
}

func (f *wasiFile) Seek(offset int64, whence int) (int64, experimentalsys.Errno) {
	if f.closed {
		return 0, experimentalsys.EBADF
	}
	var next int64
	switch whence {
	case 0:
		next = offset
	case 1:
		next = f.pos + offset
	case 2:
		next = int64(len(f.data)) + offset
	default:
		return 0, experimentalsys.EINVAL
	}
	if next < 0 {
		return 0, experimentalsys.EINVAL
	}
	f.pos = next
	return next, 0
}

func (f *wasiFile) Readdir(n int) ([]experimentalsys.Dirent, experimentalsys.Errno) {
	if !f.dir {
		return nil, experimentalsys.ENOTDIR
	}
	entries, err := f.fs.ReadDir(f.path)
	if err != nil {
		return nil, errno(err)
	}
	if f.dirPos >= len(entries) {
		return nil, 0
	}
	rest := entries[f.dirPos:]
	if n > 0 && n < len(rest) {
		rest = rest[:n]
	}
	dirents := make([]experimentalsys.Dirent, len(rest))
	for i, e := range rest {
		typ := fs.FileMode(0)
		if e.IsDir {
			typ = fs.ModeDir
		}
		dirents[i] = experimentalsys.Dirent{Name: path.Base(e.Name), Type: typ}
	}
	f.dirPos += len(rest)
	return dirents, 0
}

func (f *wasiFile) Sync() experimentalsys.Errno {
	return 0
}

func (f *wasiFile) Close() experimentalsys.Errno {
	f.closed = true
	return 0
}
