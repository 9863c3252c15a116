package backup

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore/internal/fs"
)

// LocalTarget writes backups into a directory.
type LocalTarget struct {
	fs   fs.FileSystem
	root string
}

// NewLocalTarget creates a LocalTarget rooted at dir. A nil fsys uses the
// local file system.
func NewLocalTarget(dir string, fsys fs.FileSystem) *LocalTarget {
	if fsys == nil {
		fsys = fs.Default
	}
	return &LocalTarget{fs: fsys, root: dir}
}

// Put writes the image to a temporary file, syncs it and renames it to name.
func (t *LocalTarget) Put(ctx context.Context, name string, r io.Reader) (err error) {
	if err := t.fs.MkdirAll(t.root, 0o755); err != nil {
		return errors.Wrapf(err, "create %q", t.root)
	}
	path := filepath.Join(t.root, name)
	tmp := path + ".tmp"

	f, err := t.fs.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create %q", tmp)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = t.fs.Remove(tmp)
		}
	}()

	buf := make([]byte, 256<<10)
	var off int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, err := f.WriteAt(buf[:n], off); err != nil {
				return errors.Wrapf(err, "write %q", tmp)
			}
			off += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if err := f.Sync(); err != nil {
		return errors.Wrapf(err, "sync %q", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %q", tmp)
	}
	return t.fs.Rename(tmp, path)
}

// Path returns the file a backup named name is stored in.
func (t *LocalTarget) Path(name string) string {
	return filepath.Join(t.root, name)
}
