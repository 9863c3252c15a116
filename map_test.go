package mvstore_test

import (
	"fmt"
	"slices"
	"testing"

	"github.com/hupe1980/mvstore"
	"github.com/hupe1980/mvstore/datatype"
	"github.com/hupe1980/mvstore/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T, opts ...mvstore.Option) *mvstore.Store {
	t.Helper()
	st, err := mvstore.Open("", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.CloseImmediately() })
	return st
}

func keys[K, V any](t *testing.T, m *mvstore.Map[K, V]) []K {
	t.Helper()
	c, err := m.Cursor()
	require.NoError(t, err)
	defer c.Close()
	var out []K
	for c.Next() {
		out = append(out, c.Key())
	}
	require.NoError(t, c.Err())
	return out
}

func TestMapScenario(t *testing.T) {
	st := openMemory(t, mvstore.WithMaxPageEntries(4))
	m, err := mvstore.OpenMap(st, "data", datatype.Int32, datatype.String)
	require.NoError(t, err)

	for _, k := range []int32{5, 3, 8, 1, 9, 2, 7} {
		_, existed, err := m.Put(k, fmt.Sprintf("v%d", k))
		require.NoError(t, err)
		assert.False(t, existed)
	}
	assert.Equal(t, []int32{1, 2, 3, 5, 7, 8, 9}, keys(t, m))
	assert.Equal(t, int64(7), m.Size())

	old, existed, err := m.Remove(5)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, "v5", old)
	assert.Equal(t, []int32{1, 2, 3, 7, 8, 9}, keys(t, m))

	_, found, err := m.Get(5)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMapPutReplace(t *testing.T) {
	st := openMemory(t)
	m, err := mvstore.OpenMap(st, "data", datatype.String, datatype.Int64)
	require.NoError(t, err)

	_, existed, err := m.Put("a", 1)
	require.NoError(t, err)
	assert.False(t, existed)

	old, existed, err := m.Put("a", 2)
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, int64(1), old)

	v, found, err := m.Get("a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(2), v)
	assert.Equal(t, int64(1), m.Size())

	_, existed, err = m.Remove("missing")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestMapManyKeys(t *testing.T) {
	for _, split := range []int{64, 512, mvstore.DefaultPageSplitSize} {
		t.Run(fmt.Sprint(split), func(t *testing.T) {
			st := openMemory(t, mvstore.WithPageSplitSize(split))
			m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.Int64)
			require.NoError(t, err)

			const n = 2000
			for i := range int64(n) {
				k := (i * 7919) % n
				_, _, err := m.Put(k, k*10)
				require.NoError(t, err)
			}
			assert.Equal(t, int64(n), m.Size())
			got := keys(t, m)
			assert.True(t, slices.IsSorted(got))
			assert.Len(t, got, n)

			for i := int64(0); i < n; i += 2 {
				_, existed, err := m.Remove(i)
				require.NoError(t, err)
				require.True(t, existed)
			}
			assert.Equal(t, int64(n/2), m.Size())
			for i := range int64(n) {
				ok, err := m.ContainsKey(i)
				require.NoError(t, err)
				assert.Equal(t, i%2 == 1, ok, "key %d", i)
			}

			for i := int64(1); i < n; i += 2 {
				_, _, err := m.Remove(i)
				require.NoError(t, err)
			}
			assert.True(t, m.IsEmpty())
			assert.Empty(t, keys(t, m))
		})
	}
}

func TestMapClear(t *testing.T) {
	st := openMemory(t, mvstore.WithMaxPageEntries(4))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.Int64)
	require.NoError(t, err)
	for i := range int64(100) {
		_, _, err := m.Put(i, i)
		require.NoError(t, err)
	}
	_, err = st.Commit()
	require.NoError(t, err)

	require.NoError(t, m.Clear())
	assert.True(t, m.IsEmpty())
	_, err = st.Commit()
	require.NoError(t, err)

	for _, c := range st.Chunks() {
		if c.Version == 1 {
			assert.Zero(t, c.Live)
		}
	}
}

func TestMapNavigation(t *testing.T) {
	st := openMemory(t, mvstore.WithMaxPageEntries(3))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)

	_, ok, err := m.FirstKey()
	require.NoError(t, err)
	assert.False(t, ok)

	for i := int64(10); i <= 100; i += 10 {
		_, _, err := m.Put(i, "")
		require.NoError(t, err)
	}

	check := func(fn func(int64) (int64, bool, error), key, want int64, wantOK bool) {
		t.Helper()
		got, ok, err := fn(key)
		require.NoError(t, err)
		require.Equal(t, wantOK, ok, "key %d", key)
		if wantOK {
			assert.Equal(t, want, got, "key %d", key)
		}
	}

	first, _, err := m.FirstKey()
	require.NoError(t, err)
	assert.Equal(t, int64(10), first)
	last, _, err := m.LastKey()
	require.NoError(t, err)
	assert.Equal(t, int64(100), last)

	check(m.CeilingKey, 35, 40, true)
	check(m.CeilingKey, 40, 40, true)
	check(m.CeilingKey, 101, 0, false)
	check(m.HigherKey, 40, 50, true)
	check(m.HigherKey, 100, 0, false)
	check(m.FloorKey, 35, 30, true)
	check(m.FloorKey, 30, 30, true)
	check(m.FloorKey, 5, 0, false)
	check(m.LowerKey, 30, 20, true)
	check(m.LowerKey, 10, 0, false)

	for i := range int64(10) {
		k, ok, err := m.KeyAt(i)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, (i+1)*10, k)

		idx, err := m.IndexOf(k)
		require.NoError(t, err)
		assert.Equal(t, i, idx)
	}
	_, ok, err = m.KeyAt(10)
	require.NoError(t, err)
	assert.False(t, ok)

	idx, err := m.IndexOf(35)
	require.NoError(t, err)
	assert.Equal(t, int64(-4), idx)
}

func TestCursorFrom(t *testing.T) {
	st := openMemory(t, mvstore.WithMaxPageEntries(4))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.Int64)
	require.NoError(t, err)
	for i := int64(0); i < 50; i += 5 {
		_, _, err := m.Put(i, i)
		require.NoError(t, err)
	}

	var got []int64
	for k := range m.Keys(12) {
		got = append(got, k)
	}
	assert.Equal(t, []int64{15, 20, 25, 30, 35, 40, 45}, got)

	got = got[:0]
	for k := range m.Keys(100) {
		got = append(got, k)
	}
	assert.Empty(t, got)

	got = got[:0]
	for k := range m.KeyIterator(nil) {
		got = append(got, k)
	}
	assert.Equal(t, []int64{0, 5, 10, 15, 20, 25, 30, 35, 40, 45}, got)

	from := int64(40)
	got = got[:0]
	for k := range m.KeyIterator(&from) {
		got = append(got, k)
	}
	assert.Equal(t, []int64{40, 45}, got)

	n := 0
	for k, v := range m.All() {
		assert.Equal(t, k, v)
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestCursorIsolation(t *testing.T) {
	st := openMemory(t, mvstore.WithMaxPageEntries(4))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.Int64)
	require.NoError(t, err)
	for i := range int64(20) {
		_, _, err := m.Put(i, i)
		require.NoError(t, err)
	}

	c, err := m.Cursor()
	require.NoError(t, err)
	defer c.Close()

	for i := range int64(20) {
		if i%2 == 0 {
			_, _, err := m.Remove(i)
			require.NoError(t, err)
		} else {
			_, _, err := m.Put(i, -i)
			require.NoError(t, err)
		}
	}
	_, _, err = m.Put(100, 100)
	require.NoError(t, err)

	var n int64
	for c.Next() {
		assert.Equal(t, n, c.Key())
		assert.Equal(t, n, c.Value())
		n++
	}
	require.NoError(t, c.Err())
	assert.Equal(t, int64(20), n)
	assert.Equal(t, int64(11), m.Size())
}

func TestCursorIsolationAcrossCompaction(t *testing.T) {
	fsys := fs.NewMemFS()
	st := openFile(t, fsys, mvstore.WithMaxPageEntries(8), mvstore.WithCacheSize(0))
	defer st.Close()
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.Int64)
	require.NoError(t, err)
	for i := range int64(400) {
		_, _, err := m.Put(i, i)
		require.NoError(t, err)
	}
	_, err = st.Commit()
	require.NoError(t, err)

	c, err := m.Cursor()
	require.NoError(t, err)
	defer c.Close()

	var n int64
	for n < 200 && c.Next() {
		assert.Equal(t, n, c.Key())
		n++
	}

	for i := int64(201); i < 400; i += 2 {
		_, _, err := m.Remove(i)
		require.NoError(t, err)
	}
	_, err = st.Commit()
	require.NoError(t, err)
	compacted, err := st.Compact(100)
	require.NoError(t, err)
	assert.Positive(t, compacted)
	_, err = st.Commit()
	require.NoError(t, err)

	for c.Next() {
		assert.Equal(t, n, c.Key())
		assert.Equal(t, n, c.Value())
		n++
	}
	require.NoError(t, c.Err())
	assert.Equal(t, int64(400), n)
	assert.Equal(t, int64(300), m.Size())
}

func TestSnapshot(t *testing.T) {
	st := openMemory(t)
	m, err := mvstore.OpenMap(st, "data", datatype.String, datatype.String)
	require.NoError(t, err)
	_, _, err = m.Put("k", "before")
	require.NoError(t, err)

	snap, err := m.Snapshot()
	require.NoError(t, err)
	defer snap.Release()
	assert.True(t, snap.IsReadOnly())

	_, _, err = m.Put("k", "after")
	require.NoError(t, err)

	v, _, err := snap.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "before", v)
	v, _, err = m.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "after", v)

	_, _, err = snap.Put("k", "x")
	assert.ErrorIs(t, err, mvstore.ErrReadOnly)

	snap.Release()
	_, _, err = snap.Get("k")
	assert.ErrorIs(t, err, mvstore.ErrClosed)
}

func TestOpenVersion(t *testing.T) {
	st := openMemory(t, mvstore.WithRetainVersions(10))
	m, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.Int64)
	require.NoError(t, err)

	for v := int64(1); v <= 5; v++ {
		_, _, err := m.Put(0, v)
		require.NoError(t, err)
		_, _, err = m.Put(v, v)
		require.NoError(t, err)
		version, err := st.Commit()
		require.NoError(t, err)
		require.Equal(t, v, version)
	}

	for v := int64(1); v <= 5; v++ {
		old, err := m.OpenVersion(v)
		require.NoError(t, err)
		val, _, err := old.Get(0)
		require.NoError(t, err)
		assert.Equal(t, v, val)
		assert.Equal(t, v+1, old.Size())
		assert.Equal(t, v, old.Version())
		old.Release()
	}

	_, err = m.OpenVersion(6)
	assert.ErrorIs(t, err, mvstore.ErrUnknownVersion)
	_, err = m.OpenVersion(0)
	assert.ErrorIs(t, err, mvstore.ErrUnknownVersion)
}

func TestOpenMapTypes(t *testing.T) {
	st := openMemory(t)
	m1, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	m2, err := mvstore.OpenMap(st, "data", datatype.Int64, datatype.String)
	require.NoError(t, err)
	assert.Same(t, m1, m2)

	_, err = mvstore.OpenMap(st, "data", datatype.String, datatype.String)
	assert.ErrorIs(t, err, mvstore.ErrTypeMismatch)

	_, err = mvstore.OpenMap(st, "", datatype.String, datatype.String)
	assert.Error(t, err)

	other, err := mvstore.OpenMap(st, "other", datatype.Bytes, datatype.Float64)
	require.NoError(t, err)
	assert.NotEqual(t, m1.ID(), other.ID())
}

func TestMapBytesKeys(t *testing.T) {
	st := openMemory(t, mvstore.WithMaxPageEntries(4))
	m, err := mvstore.OpenMap(st, "data", datatype.Bytes, datatype.Float64)
	require.NoError(t, err)

	for i := range 30 {
		_, _, err := m.Put([]byte(fmt.Sprintf("key-%02d", i)), float64(i)/2)
		require.NoError(t, err)
	}
	v, ok, err := m.Get([]byte("key-07"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 3.5, v, 1e-9)

	k, ok, err := m.CeilingKey([]byte("key-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "key-10", string(k))
}
