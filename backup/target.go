package backup

import (
	"context"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned when a backup does not exist.
var ErrNotFound = os.ErrNotExist

// Target stores backup images.
type Target interface {
	// Put stores the image read from r under name, replacing an existing
	// image of that name. A partially transferred image must not become
	// visible under name.
	Put(ctx context.Context, name string, r io.Reader) error
}

// Run writes an image of the last committed version of st to t under name
// and returns its size in bytes.
func Run(ctx context.Context, st *mvstore.Store, t Target, name string) (int64, error) {
	pr, pw := io.Pipe()
	g, ctx := errgroup.WithContext(ctx)

	var n int64
	g.Go(func() error {
		var err error
		n, err = st.Backup(ctx, pw)
		_ = pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := t.Put(ctx, name, pr)
		// Unblocks the producer if the target gave up early.
		_ = pr.CloseWithError(errors.CombineErrors(err, io.ErrClosedPipe))
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, errors.Wrapf(err, "backup %q", name)
	}
	return n, nil
}
