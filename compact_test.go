package mvstore_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/hupe1980/mvstore"
	"github.com/hupe1980/mvstore/datatype"
	"github.com/hupe1980/mvstore/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fragment writes 10 chunks of 100 entries each and removes the lower half
// of every hundred, leaving chunks that are only partly live.
func fragment(t *testing.T, st *mvstore.Store, m *mvstore.Map[int64, string]) {
	t.Helper()
	fill(t, st, m)
	sparsify(t, m)
	_, err := st.Commit()
	require.NoError(t, err)
}

func fill(t *testing.T, st *mvstore.Store, m *mvstore.Map[int64, string]) {
	t.Helper()
	for c := range int64(10) {
		putRange(t, m, c*100, (c+1)*100)
		_, err := st.Commit()
		require.NoError(t, err)
	}
}

func sparsify(t *testing.T, m *mvstore.Map[int64, string]) {
	t.Helper()
	for i := range int64(1000) {
		if i%100 < 50 {
			_, _, err := m.Remove(i)
			require.NoError(t, err)
		}
	}
}

func checkSparse(t *testing.T, m *mvstore.Map[int64, string]) {
	t.Helper()
	require.Equal(t, int64(500), m.Size())
	for i := range int64(1000) {
		v, ok, err := m.Get(i)
		require.NoError(t, err)
		require.Equal(t, i%100 >= 50, ok, "key %d", i)
		if ok {
			require.Equal(t, "value-"+strconv.FormatInt(i, 10), v)
		}
	}
}

func TestCompact(t *testing.T) {
	fsys := fs.NewMemFS()
	metrics := &mvstore.BasicMetricsCollector{}
	st := openFile(t, fsys, mvstore.WithMaxPageEntries(16), mvstore.WithMetricsCollector(metrics))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	fragment(t, st, m)

	before, err := st.Stats()
	require.NoError(t, err)

	n, err := st.Compact(80)
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Len(t, st.LastCompaction(), n)
	assert.Equal(t, int64(1), metrics.CompactionCount.Load())
	assert.Positive(t, metrics.ChunksFreed.Load())

	after, err := st.Stats()
	require.NoError(t, err)
	assert.Less(t, after.Chunks, before.Chunks)
	assert.GreaterOrEqual(t, after.ChunkFill, before.ChunkFill)
	checkSparse(t, m)
	require.NoError(t, st.Verify(context.Background()))
	require.NoError(t, st.Close())

	st = openFile(t, fsys)
	defer st.Close()
	m, err = mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	checkSparse(t, m)
}

func TestCompactHeldSnapshot(t *testing.T) {
	st := openMemory(t, mvstore.WithMaxPageEntries(16))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	fill(t, st, m)

	snap, err := m.Snapshot()
	require.NoError(t, err)

	sparsify(t, m)
	n, err := st.Compact(80)
	require.NoError(t, err)
	require.Positive(t, n)

	// Chunks the snapshot reads from must survive the compaction.
	assert.Equal(t, int64(1000), snap.Size())
	count := 0
	for k, v := range snap.All() {
		require.Equal(t, "value-"+strconv.FormatInt(k, 10), v)
		count++
	}
	assert.Equal(t, 1000, count)
	checkSparse(t, m)

	held := len(st.Chunks())
	snap.Release()
	putRange(t, m, 5000, 5001)
	_, err = st.Commit()
	require.NoError(t, err)
	assert.Less(t, len(st.Chunks()), held)
}

func TestCompactClosedMaps(t *testing.T) {
	fsys := fs.NewMemFS()
	st := openFile(t, fsys, mvstore.WithMaxPageEntries(16))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	fragment(t, st, m)
	require.NoError(t, st.Close())

	// Compact without opening the map.
	st = openFile(t, fsys, mvstore.WithMaxPageEntries(16))
	n, err := st.Compact(80)
	require.NoError(t, err)
	assert.Positive(t, n)
	require.NoError(t, st.Close())

	st = openFile(t, fsys)
	defer st.Close()
	m, err = mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	checkSparse(t, m)
	require.NoError(t, st.Verify(context.Background()))
}

func TestCompactNothingToDo(t *testing.T) {
	st := openMemory(t)
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	putRange(t, m, 0, 10)
	_, err = st.Commit()
	require.NoError(t, err)

	n, err := st.Compact(100)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = st.Compact(0)
	assert.Error(t, err)
	_, err = st.Compact(101)
	assert.Error(t, err)
}

type noPolicy struct{ calls int }

func (p *noPolicy) Pick([]mvstore.ChunkInfo, int, int64) []uint32 {
	p.calls++
	return nil
}

func TestCompactionPolicyOption(t *testing.T) {
	policy := &noPolicy{}
	st := openMemory(t, mvstore.WithMaxPageEntries(16), mvstore.WithCompactionPolicy(policy))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	fragment(t, st, m)

	n, err := st.Compact(80)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, policy.calls)
}

func TestFillRatePolicy(t *testing.T) {
	chunks := []mvstore.ChunkInfo{
		{ID: 1, Version: 1, Live: 5, FillRate: 50, Length: 1000},
		{ID: 2, Version: 2, Live: 1, FillRate: 10, Length: 1000},
		{ID: 3, Version: 3, Live: 9, FillRate: 90, Length: 1000},
		{ID: 4, Version: 4, Live: 0, FillRate: 0, Length: 1000},
	}
	assert.Equal(t, []uint32{2, 1}, mvstore.FillRatePolicy{}.Pick(chunks, 80, 5))
	assert.Equal(t, []uint32{2}, mvstore.FillRatePolicy{MaxBytes: 1500}.Pick(chunks, 80, 5))
	assert.Empty(t, mvstore.FillRatePolicy{}.Pick(chunks, 5, 5))
}
