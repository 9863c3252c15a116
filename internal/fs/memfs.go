package fs

import (
	"io"
	iofs "io/fs"
	"os"
	"path"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemFS is an in-memory FileSystem. Directories are implicit.
type MemFS struct {
	mu    sync.Mutex
	files map[string]*memData
}

// NewMemFS returns an empty in-memory file system.
func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string]*memData)}
}

type memData struct {
	mu      sync.RWMutex
	name    string
	data    []byte
	modTime time.Time
}

func (m *MemFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	name = path.Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.files[name]
	switch {
	case ok && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, &iofs.PathError{Op: "open", Path: name, Err: iofs.ErrExist}
	case !ok && flag&os.O_CREATE == 0:
		return nil, &iofs.PathError{Op: "open", Path: name, Err: iofs.ErrNotExist}
	case !ok:
		d = &memData{name: name, modTime: time.Now()}
		m.files[name] = d
	}
	if flag&os.O_TRUNC != 0 {
		d.mu.Lock()
		d.data = d.data[:0]
		d.mu.Unlock()
	}
	readOnly := flag&(os.O_WRONLY|os.O_RDWR) == 0
	return &memFile{d: d, readOnly: readOnly}, nil
}

func (m *MemFS) Remove(name string) error {
	name = path.Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[name]; !ok {
		return &iofs.PathError{Op: "remove", Path: name, Err: iofs.ErrNotExist}
	}
	delete(m.files, name)
	return nil
}

func (m *MemFS) Rename(oldpath, newpath string) error {
	oldpath, newpath = path.Clean(oldpath), path.Clean(newpath)
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.files[oldpath]
	if !ok {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: iofs.ErrNotExist}
	}
	delete(m.files, oldpath)
	d.name = newpath
	m.files[newpath] = d
	return nil
}

func (m *MemFS) Stat(name string) (os.FileInfo, error) {
	name = path.Clean(name)
	m.mu.Lock()
	d, ok := m.files[name]
	m.mu.Unlock()
	if !ok {
		return nil, &iofs.PathError{Op: "stat", Path: name, Err: iofs.ErrNotExist}
	}
	return d.info(), nil
}

func (m *MemFS) MkdirAll(string, os.FileMode) error { return nil }

func (m *MemFS) ReadDir(name string) ([]os.DirEntry, error) {
	dir := path.Clean(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []os.DirEntry
	for p, d := range m.files {
		if path.Dir(p) == dir {
			entries = append(entries, iofs.FileInfoToDirEntry(d.info()))
		}
	}
	slices.SortFunc(entries, func(a, b os.DirEntry) int { return strings.Compare(a.Name(), b.Name()) })
	return entries, nil
}

func (m *MemFS) Truncate(name string, size int64) error {
	name = path.Clean(name)
	m.mu.Lock()
	d, ok := m.files[name]
	m.mu.Unlock()
	if !ok {
		return &iofs.PathError{Op: "truncate", Path: name, Err: iofs.ErrNotExist}
	}
	d.truncate(size)
	return nil
}

func (d *memData) info() os.FileInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return memInfo{name: path.Base(d.name), size: int64(len(d.data)), modTime: d.modTime}
}

func (d *memData) truncate(size int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size <= int64(len(d.data)) {
		d.data = d.data[:size]
	} else {
		d.data = append(d.data, make([]byte, size-int64(len(d.data)))...)
	}
	d.modTime = time.Now()
}

type memFile struct {
	d        *memData
	readOnly bool
	closed   bool
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	f.d.mu.RLock()
	defer f.d.mu.RUnlock()
	if off >= int64(len(f.d.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.readOnly {
		return 0, &iofs.PathError{Op: "write", Path: f.d.name, Err: iofs.ErrPermission}
	}
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(f.d.data)) {
		f.d.data = append(f.d.data, make([]byte, end-int64(len(f.d.data)))...)
	}
	copy(f.d.data[off:], p)
	f.d.modTime = time.Now()
	return len(p), nil
}

func (f *memFile) Sync() error {
	if f.closed {
		return os.ErrClosed
	}
	return nil
}

func (f *memFile) Stat() (os.FileInfo, error) { return f.d.info(), nil }

func (f *memFile) Truncate(size int64) error {
	if f.readOnly {
		return &iofs.PathError{Op: "truncate", Path: f.d.name, Err: iofs.ErrPermission}
	}
	f.d.truncate(size)
	return nil
}

func (f *memFile) Close() error {
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	return nil
}

type memInfo struct {
	name    string
	size    int64
	modTime time.Time
}

func (i memInfo) Name() string       { return i.name }
func (i memInfo) Size() int64        { return i.size }
func (i memInfo) Mode() os.FileMode  { return 0o644 }
func (i memInfo) ModTime() time.Time { return i.modTime }
func (i memInfo) IsDir() bool        { return false }
func (i memInfo) Sys() any           { return nil }
