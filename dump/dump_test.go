package dump

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/hupe1980/mvstore"
	"github.com/hupe1980/mvstore/datatype"
	"github.com/hupe1980/mvstore/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStore(t *testing.T, fsys fs.FileSystem, opts ...mvstore.Option) {
	t.Helper()
	opts = append(opts, mvstore.WithFileSystem(fsys), mvstore.WithMaxPageEntries(4))
	st, err := mvstore.Open("data.mv", opts...)
	require.NoError(t, err)
	m, err := mvstore.OpenMap(st, "numbers", datatype.Int64, datatype.String)
	require.NoError(t, err)
	for i := range int64(20) {
		_, _, err := m.Put(i, strings.Repeat("x", int(i)))
		require.NoError(t, err)
	}
	_, err = st.Commit()
	require.NoError(t, err)
	_, _, err = m.Remove(3)
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestScan(t *testing.T) {
	fsys := fs.NewMemFS()
	writeStore(t, fsys)

	rep, err := ScanFile(fsys, "data.mv")
	require.NoError(t, err)
	require.Len(t, rep.Headers, 2)
	for _, h := range rep.Headers {
		assert.True(t, h.Valid)
	}
	require.Len(t, rep.Chunks, 2)
	for _, c := range rep.Chunks {
		assert.True(t, c.BodyOK)
		assert.Len(t, c.Pages, int(c.PageCount))
	}

	cur, ok := rep.CurrentChunk()
	require.True(t, ok)
	assert.Equal(t, int64(2), cur.Version)

	var names []string
	for _, p := range cur.Pages {
		for _, e := range p.Entries {
			names = append(names, e[0])
		}
	}
	assert.Contains(t, names, "name.numbers")
}

func TestWrite(t *testing.T) {
	fsys := fs.NewMemFS()
	writeStore(t, fsys, mvstore.WithCompression(mvstore.CompressionLZ4))

	rep, err := ScanFile(fsys, "data.mv")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, rep.Write(&buf, Options{Pages: true, Meta: true}))
	out := buf.String()
	assert.Contains(t, out, "compression lz4")
	assert.Contains(t, out, "(current)")
	assert.Contains(t, out, "map 1 at 64")
	assert.Contains(t, out, "name.numbers = 1")
	assert.NotContains(t, out, "MISMATCH")
}

func TestScanDamagedChunk(t *testing.T) {
	fsys := fs.NewMemFS()
	writeStore(t, fsys)

	rep, err := ScanFile(fsys, "data.mv")
	require.NoError(t, err)
	last := rep.Chunks[len(rep.Chunks)-1]

	f, err := fsys.OpenFile("data.mv", os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff, 0xff}, int64(last.Block)*4096+100)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rep, err = ScanFile(fsys, "data.mv")
	require.NoError(t, err)
	require.Len(t, rep.Chunks, 2)
	assert.False(t, rep.Chunks[1].BodyOK)

	var buf bytes.Buffer
	require.NoError(t, rep.Write(&buf, Options{}))
	assert.Contains(t, buf.String(), "BODY CHECKSUM MISMATCH")
}
