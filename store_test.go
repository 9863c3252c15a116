package mvstore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore"
	"github.com/hupe1980/mvstore/datatype"
	"github.com/hupe1980/mvstore/internal/format"
	"github.com/hupe1980/mvstore/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fileName = "data.mv"

func openFile(t *testing.T, fsys fs.FileSystem, opts ...mvstore.Option) *mvstore.Store {
	t.Helper()
	st, err := mvstore.Open(fileName, append([]mvstore.Option{mvstore.WithFileSystem(fsys)}, opts...)...)
	require.NoError(t, err)
	return st
}

func putRange(t *testing.T, m *mvstore.Map[int64, string], from, to int64) {
	t.Helper()
	for i := from; i < to; i++ {
		_, _, err := m.Put(i, fmt.Sprintf("value-%d", i))
		require.NoError(t, err)
	}
}

// corruptAt overwrites bytes of the store file on fsys.
func corruptAt(t *testing.T, fsys fs.FileSystem, off int64) {
	t.Helper()
	f, err := fsys.OpenFile(fileName, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("garbage!garbage!"), off)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestReopen(t *testing.T) {
	fsys := fs.NewMemFS()
	st := openFile(t, fsys, mvstore.WithMaxPageEntries(8))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, m, 0, 500)
	version, err := st.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	_, _, err = m.Remove(10)
	require.NoError(t, err)
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.Close(), mvstore.ErrClosed)
	_, _, err = m.Get(1)
	assert.ErrorIs(t, err, mvstore.ErrClosed)

	st = openFile(t, fsys, mvstore.WithMaxPageEntries(8))
	defer st.Close()
	assert.Nil(t, st.Recovery())
	assert.Equal(t, int64(2), st.Version())
	assert.False(t, st.HasUnsavedChanges())

	m, err = mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	assert.Equal(t, int64(499), m.Size())
	v, ok, err := m.Get(42)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value-42", v)
	ok, err = m.ContainsKey(10)
	require.NoError(t, err)
	assert.False(t, ok)

	// Committing without changes does not create a version.
	version, err = st.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestCloseImmediatelyDiscards(t *testing.T) {
	fsys := fs.NewMemFS()
	st := openFile(t, fsys)
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, m, 0, 10)
	_, err = st.Commit()
	require.NoError(t, err)
	putRange(t, m, 10, 20)
	require.NoError(t, st.CloseImmediately())

	st = openFile(t, fsys)
	defer st.Close()
	m, err = mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	assert.Equal(t, int64(10), m.Size())
}

func writeVersions(t *testing.T, fsys fs.FileSystem) mvstore.ChunkInfo {
	t.Helper()
	st := openFile(t, fsys, mvstore.WithMaxPageEntries(8))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, m, 0, 100)
	_, err = st.Commit()
	require.NoError(t, err)
	putRange(t, m, 100, 110)
	_, err = st.Commit()
	require.NoError(t, err)
	putRange(t, m, 110, 120)
	_, err = st.Commit()
	require.NoError(t, err)

	chunks := st.Chunks()
	last := chunks[len(chunks)-1]
	require.Equal(t, int64(3), last.Version)
	require.NoError(t, st.Close())
	return last
}

func TestRecoverDamagedChunk(t *testing.T) {
	fsys := fs.NewMemFS()
	last := writeVersions(t, fsys)
	corruptAt(t, fsys, int64(last.Block)*format.BlockSize+int64(format.ChunkHeaderLength)+8)

	_, err := mvstore.Open(fileName, mvstore.WithFileSystem(fsys), mvstore.WithStrictRecovery())
	var rec *mvstore.RecoveryError
	require.True(t, errors.As(err, &rec), "got %v", err)
	assert.Equal(t, int64(2), rec.Version)
	assert.ErrorIs(t, err, mvstore.ErrCorrupt)

	metrics := &mvstore.BasicMetricsCollector{}
	st := openFile(t, fsys, mvstore.WithMetricsCollector(metrics))
	require.NotNil(t, st.Recovery())
	assert.Equal(t, int64(2), st.Recovery().Version)
	assert.Equal(t, int64(2), st.Version())
	assert.Equal(t, int64(1), metrics.Recoveries.Load())

	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	assert.Equal(t, int64(110), m.Size())

	// The recovered store keeps working.
	putRange(t, m, 110, 130)
	version, err := st.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	require.NoError(t, st.Close())

	st = openFile(t, fsys)
	defer st.Close()
	assert.Nil(t, st.Recovery())
	m, err = mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	assert.Equal(t, int64(130), m.Size())
}

// writeLargeTail writes the versions of writeVersions, except that version 3
// adds enough entries for its chunk to span several blocks.
func writeLargeTail(t *testing.T, fsys fs.FileSystem) mvstore.ChunkInfo {
	t.Helper()
	st := openFile(t, fsys, mvstore.WithMaxPageEntries(8), mvstore.WithCompression(mvstore.CompressionNone))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	for _, r := range [][2]int64{{0, 100}, {100, 110}, {110, 2110}} {
		putRange(t, m, r[0], r[1])
		_, err = st.Commit()
		require.NoError(t, err)
	}
	chunks := st.Chunks()
	last := chunks[len(chunks)-1]
	require.Equal(t, int64(3), last.Version)
	require.NoError(t, st.Close())
	return last
}

func TestRecoverTruncatedFile(t *testing.T) {
	sample := writeLargeTail(t, fs.NewMemFS())
	blocks := (int64(sample.Length) + format.BlockSize - 1) / format.BlockSize
	require.Greater(t, blocks, int64(1))

	offsets := []int64{int64(sample.Length) / 2}
	for b := int64(1); b < blocks; b++ {
		offsets = append(offsets, b*format.BlockSize)
	}
	for _, off := range offsets {
		t.Run(fmt.Sprintf("offset %d", off), func(t *testing.T) {
			fsys := fs.NewMemFS()
			last := writeLargeTail(t, fsys)
			require.NoError(t, fsys.Truncate(fileName, int64(last.Block)*format.BlockSize+off))

			st := openFile(t, fsys)
			defer st.Close()
			require.NotNil(t, st.Recovery())
			assert.Equal(t, int64(2), st.Version())
			m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
			require.NoError(t, err)
			assert.Equal(t, int64(110), m.Size())
		})
	}
}

func TestOpenGarbageFile(t *testing.T) {
	fsys := fs.NewMemFS()
	f, err := fsys.OpenFile(fileName, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, 3*format.BlockSize), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = mvstore.Open(fileName, mvstore.WithFileSystem(fsys))
	assert.ErrorIs(t, err, mvstore.ErrCorrupt)
}

func TestCommitFailure(t *testing.T) {
	faulty := fs.NewFaultyFS(fs.NewMemFS())
	st := openFile(t, faulty)
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, m, 0, 50)
	_, err = st.Commit()
	require.NoError(t, err)

	putRange(t, m, 50, 100)
	faulty.SetLimit(faulty.Written() + 100)
	_, err = st.Commit()
	require.ErrorIs(t, err, fs.ErrInjected)
	assert.True(t, st.HasUnsavedChanges())
	assert.Equal(t, int64(1), st.Version())
	assert.Equal(t, int64(100), m.Size())

	faulty.ClearRules()
	version, err := st.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	require.NoError(t, st.Close())

	st = openFile(t, faulty)
	defer st.Close()
	m, err = mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	assert.Equal(t, int64(100), m.Size())
	v, _, err := m.Get(99)
	require.NoError(t, err)
	assert.Equal(t, "value-99", v)
}

// pendingCommit opens a store with keys 0..50 committed and 50..100 pending.
func pendingCommit(t *testing.T, fsys fs.FileSystem) (*mvstore.Store, *mvstore.Map[int64, string]) {
	t.Helper()
	st := openFile(t, fsys)
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, m, 0, 50)
	_, err = st.Commit()
	require.NoError(t, err)
	putRange(t, m, 50, 100)
	return st, m
}

// pendingCommitBytes returns how many bytes the commit of pendingCommit
// writes, chunk and both header copies included.
func pendingCommitBytes(t *testing.T) int64 {
	t.Helper()
	faulty := fs.NewFaultyFS(fs.NewMemFS())
	st, _ := pendingCommit(t, faulty)
	defer st.CloseImmediately()
	before := faulty.Written()
	_, err := st.Commit()
	require.NoError(t, err)
	return faulty.Written() - before
}

func TestCommitHeaderFailure(t *testing.T) {
	n := pendingCommitBytes(t)

	reopen := func(t *testing.T, faulty *fs.FaultyFS, version, size int64) {
		t.Helper()
		faulty.ClearRules()
		st := openFile(t, faulty)
		defer st.Close()
		assert.Nil(t, st.Recovery())
		assert.Equal(t, version, st.Version())
		m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
		require.NoError(t, err)
		assert.Equal(t, size, m.Size())
	}

	t.Run("chunk written without header", func(t *testing.T) {
		faulty := fs.NewFaultyFS(fs.NewMemFS())
		st, m := pendingCommit(t, faulty)
		faulty.SetLimit(faulty.Written() + n - 2*format.BlockSize)

		_, err := st.Commit()
		require.ErrorIs(t, err, fs.ErrInjected)
		require.NoError(t, st.Rollback())
		assert.Equal(t, int64(50), m.Size())
		require.NoError(t, st.CloseImmediately())

		reopen(t, faulty, 1, 50)
	})

	t.Run("first header copy written", func(t *testing.T) {
		faulty := fs.NewFaultyFS(fs.NewMemFS())
		st, m := pendingCommit(t, faulty)
		faulty.SetLimit(faulty.Written() + n - format.BlockSize)

		version, err := st.Commit()
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)
		assert.False(t, st.HasUnsavedChanges())
		require.NoError(t, st.Rollback())
		assert.Equal(t, int64(100), m.Size())
		require.NoError(t, st.CloseImmediately())

		reopen(t, faulty, 2, 100)
	})
}

func TestRollback(t *testing.T) {
	st := openMemory(t)
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, m, 0, 10)
	_, err = st.Commit()
	require.NoError(t, err)

	putRange(t, m, 10, 20)
	_, _, err = m.Remove(0)
	require.NoError(t, err)
	created, err := mvstore.OpenMap(st, "created", datatype.Int64, datatype.String)
	require.NoError(t, err)

	require.NoError(t, st.Rollback())
	assert.False(t, st.HasUnsavedChanges())
	assert.Equal(t, int64(10), m.Size())
	ok, err := m.ContainsKey(0)
	require.NoError(t, err)
	assert.True(t, ok)

	_, _, err = created.Put(1, "x")
	assert.ErrorIs(t, err, mvstore.ErrMapRemoved)
	names, err := st.MapNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"data"}, names)
}

func TestRollbackTo(t *testing.T) {
	st := openMemory(t, mvstore.WithRetainVersions(5))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	for v := int64(1); v <= 4; v++ {
		putRange(t, m, (v-1)*10, v*10)
		_, err := st.Commit()
		require.NoError(t, err)
	}
	other, err := mvstore.OpenMap(st, "other", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, other, 0, 5)
	_, err = st.Commit()
	require.NoError(t, err)

	snap, err := m.Snapshot()
	require.NoError(t, err)
	defer snap.Release()

	require.NoError(t, st.RollbackTo(2))
	assert.Equal(t, int64(2), st.Version())
	assert.Equal(t, int64(20), m.Size())
	_, _, err = other.Get(0)
	assert.ErrorIs(t, err, mvstore.ErrMapRemoved)
	assert.Equal(t, int64(40), snap.Size())

	putRange(t, m, 100, 105)
	version, err := st.Commit()
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
	assert.Equal(t, int64(25), m.Size())

	assert.ErrorIs(t, st.RollbackTo(10), mvstore.ErrUnknownVersion)
}

func TestMapCatalog(t *testing.T) {
	fsys := fs.NewMemFS()
	st := openFile(t, fsys)
	a, err := mvstore.OpenMap(st, "a", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, a, 0, 10)
	b, err := mvstore.OpenMap(st, "b", datatype.String, datatype.Int64)
	require.NoError(t, err)
	_, _, err = b.Put("x", 1)
	require.NoError(t, err)

	require.NoError(t, st.RenameMap("a", "renamed"))
	assert.Equal(t, "renamed", a.Name())
	assert.ErrorIs(t, st.RenameMap("renamed", "b"), mvstore.ErrMapExists)
	assert.ErrorIs(t, st.RenameMap("missing", "c"), mvstore.ErrMapNotFound)

	ok, err := st.HasMap("a")
	require.NoError(t, err)
	assert.False(t, ok)
	names, err := st.MapNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "renamed"}, names)

	require.NoError(t, st.RemoveMap("b"))
	_, _, err = b.Get("x")
	assert.ErrorIs(t, err, mvstore.ErrMapRemoved)
	assert.ErrorIs(t, st.RemoveMap("b"), mvstore.ErrMapNotFound)
	require.NoError(t, st.Close())

	st = openFile(t, fsys)
	defer st.Close()
	infos, err := st.Maps()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "renamed", infos[0].Name)
	assert.Equal(t, "l", infos[0].KeyType)
	assert.Equal(t, "s", infos[0].ValueType)

	untyped, err := st.OpenMapUntyped("renamed")
	require.NoError(t, err)
	assert.Equal(t, int64(10), untyped.Size())
	v, ok, err := untyped.Get(int64(3))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value-3", v)

	_, err = mvstore.OpenMap(st, "renamed", datatype.Int64, datatype.String)
	assert.ErrorIs(t, err, mvstore.ErrTypeMismatch)
	_, err = st.OpenMapUntyped("missing")
	assert.ErrorIs(t, err, mvstore.ErrMapNotFound)
}

func TestRemovedMapSpaceIsReclaimed(t *testing.T) {
	st := openMemory(t, mvstore.WithMaxPageEntries(8))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, m, 0, 1000)
	_, err = st.Commit()
	require.NoError(t, err)

	require.NoError(t, st.RemoveMap("data"))
	_, err = st.Commit()
	require.NoError(t, err)

	// Freeing happens on the commit after the chunk became unused.
	other, err := mvstore.OpenMap(st, "other", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, other, 0, 1)
	_, err = st.Commit()
	require.NoError(t, err)

	for _, c := range st.Chunks() {
		assert.NotEqual(t, int64(1), c.Version, "chunk of removed map still present: %s", c)
	}
}

func TestReadOnly(t *testing.T) {
	fsys := fs.NewMemFS()
	st := openFile(t, fsys)
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, m, 0, 10)
	require.NoError(t, st.Close())

	st = openFile(t, fsys, mvstore.ReadOnly())
	defer st.Close()
	assert.True(t, st.IsReadOnly())
	m, err = mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	assert.Equal(t, int64(10), m.Size())

	_, _, err = m.Put(100, "x")
	assert.ErrorIs(t, err, mvstore.ErrReadOnly)
	_, err = st.Commit()
	assert.ErrorIs(t, err, mvstore.ErrReadOnly)
	assert.ErrorIs(t, st.RemoveMap("data"), mvstore.ErrReadOnly)
	_, err = st.Compact(50)
	assert.ErrorIs(t, err, mvstore.ErrReadOnly)
}

func TestCompression(t *testing.T) {
	for _, c := range []mvstore.Compression{mvstore.CompressionNone, mvstore.CompressionLZ4, mvstore.CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			fsys := fs.NewMemFS()
			st := openFile(t, fsys, mvstore.WithCompression(c))
			m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
			require.NoError(t, err)
			for i := range int64(300) {
				_, _, err := m.Put(i, fmt.Sprintf("a highly repetitive value %d %d %d", i%3, i%3, i%3))
				require.NoError(t, err)
			}
			require.NoError(t, st.Close())

			// The compression of an existing file comes from its header.
			st = openFile(t, fsys)
			defer st.Close()
			m, err = mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
			require.NoError(t, err)
			v, ok, err := m.Get(299)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "a highly repetitive value 2 2 2", v)
			require.NoError(t, st.Verify(context.Background()))
		})
	}
}

func TestBackgroundWriter(t *testing.T) {
	metrics := &mvstore.BasicMetricsCollector{}
	st := openMemory(t, mvstore.WithWriteDelay(10*time.Millisecond), mvstore.WithMetricsCollector(metrics))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, m, 0, 10)

	assert.Eventually(t, func() bool {
		return !st.HasUnsavedChanges() && st.Version() >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, metrics.CommitCount.Load(), int64(1))
	require.NoError(t, st.Close())
}

func TestVerify(t *testing.T) {
	fsys := fs.NewMemFS()
	last := writeVersions(t, fsys)

	st := openFile(t, fsys, mvstore.ReadOnly(), mvstore.WithIOLimit(1<<30))
	require.NoError(t, st.Verify(context.Background()))
	require.NoError(t, st.Close())

	// Damage an older chunk that the newest version still references.
	var older mvstore.ChunkInfo
	st = openFile(t, fsys, mvstore.ReadOnly())
	for _, c := range st.Chunks() {
		if c.ID != last.ID && c.UnusedAt == 0 {
			older = c
			break
		}
	}
	require.NoError(t, st.Close())
	require.NotZero(t, older.ID)
	corruptAt(t, fsys, int64(older.Block)*format.BlockSize+int64(older.Length)-20)

	st = openFile(t, fsys, mvstore.ReadOnly())
	defer st.Close()
	assert.ErrorIs(t, st.Verify(context.Background()), mvstore.ErrCorrupt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, st.Verify(ctx))
}

func TestStats(t *testing.T) {
	st := openMemory(t, mvstore.WithMaxPageEntries(8))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, m, 0, 200)
	_, err = st.Commit()
	require.NoError(t, err)
	for i := range int64(200) {
		_, _, err := m.Get(i)
		require.NoError(t, err)
	}

	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Version)
	assert.Equal(t, 1, stats.Chunks)
	assert.Equal(t, 1, stats.OpenMaps)
	assert.Equal(t, 100, stats.ChunkFill)
	assert.Positive(t, stats.FileSize)
	assert.Positive(t, stats.UsedBlocks)

	require.NoError(t, st.Close())
	_, err = st.Stats()
	assert.ErrorIs(t, err, mvstore.ErrClosed)
}
