package datatype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func TestBuffer_ShortReadLatches(t *testing.T) {
	w := NewWriteBuffer(16)
	w.PutUint32(7)
	w.PutString("abc")

	r := NewReadBuffer(w.Bytes())
	assert.Equal(t, uint32(7), r.Uint32())
	assert.Equal(t, "abc", r.ReadString())
	require.NoError(t, r.Err())

	assert.Equal(t, uint64(0), r.Uint64())
	require.ErrorIs(t, r.Err(), ErrShortBuffer)

	// Later reads keep returning zero values and the first error.
	assert.Equal(t, byte(0), r.Byte())
	require.ErrorIs(t, r.Err(), ErrShortBuffer)
}

func TestBuffer_VarintWidth(t *testing.T) {
	w := NewWriteBuffer(0)
	w.PutUvarint(127)
	assert.Equal(t, 1, w.Len())
	w.Reset()
	w.PutUvarint(128)
	assert.Equal(t, 2, w.Len())
	w.Reset()
	w.PutUvarint(1<<32 - 1)
	assert.Equal(t, 5, w.Len())
}

func TestBuffer_OversizedLengthPrefix(t *testing.T) {
	w := NewWriteBuffer(0)
	w.PutUvarint(1000)
	w.PutRaw([]byte("xy"))

	r := NewReadBuffer(w.Bytes())
	assert.Nil(t, r.ReadBytes())
	require.ErrorIs(t, r.Err(), ErrShortBuffer)
}

func TestBuiltinTypes(t *testing.T) {
	w := NewWriteBuffer(64)
	Int32.Write(w, -5)
	Int64.Write(w, 1<<40)
	String.Write(w, "hello")
	Bytes.Write(w, []byte{1, 2, 3})
	Float64.Write(w, 2.5)

	r := NewReadBuffer(w.Bytes())
	assert.Equal(t, int32(-5), Int32.Read(r))
	assert.Equal(t, int64(1<<40), Int64.Read(r))
	assert.Equal(t, "hello", String.Read(r))
	assert.Equal(t, []byte{1, 2, 3}, Bytes.Read(r))
	assert.Equal(t, 2.5, Float64.Read(r))
	require.NoError(t, r.Err())
	assert.Zero(t, r.Remaining())

	assert.Negative(t, Int32.Compare(1, 2))
	assert.Positive(t, String.Compare("b", "a"))
	assert.Zero(t, Bytes.Compare([]byte("x"), []byte("x")))
	assert.Equal(t, 6, String.Memory("hello"))
}

func TestSpatial_OverlapAndContainment(t *testing.T) {
	st := NewSpatialType(2)
	r1 := NewSpatialKey(1, 0, 2, 0, 2)
	r2 := NewSpatialKey(2, 5, 7, 5, 7)
	r3 := NewSpatialKey(3, 1, 3, 1, 3)
	q := NewSpatialKey(0, 0, 2, 0, 2)

	assert.True(t, st.Overlaps(r1, q))
	assert.True(t, st.Overlaps(r3, q))
	assert.False(t, st.Overlaps(r2, q))

	assert.True(t, st.IsInside(r1, q))
	assert.False(t, st.IsInside(r3, q))
	assert.True(t, st.Contains(st.IncreaseBounds(r1, r3), r3))

	assert.Equal(t, float32(4), st.Area(r1))
	assert.Equal(t, float32(5), st.AreaIncrease(r1, r3))
	assert.Equal(t, float32(49), st.CombinedArea(r1, r2))

	// IncreaseBounds leaves its input untouched.
	assert.Equal(t, float32(2), r1.Max(0))
	assert.True(t, st.Equals(r1, NewSpatialKey(1, 0, 2, 0, 2)))
	assert.False(t, st.Equals(r1, NewSpatialKey(9, 0, 2, 0, 2)))
}

func TestSpatial_ReadWrite(t *testing.T) {
	st := NewSpatialType(2)
	keys := []SpatialKey{
		NewSpatialKey(42, 1.5, 2.5, -3, 4),
		NewSpatialKey(-1, 3, 3, 7, 7),
		{ID: 9},
	}
	w := NewWriteBuffer(0)
	for _, k := range keys {
		st.Write(w, k)
	}
	r := NewReadBuffer(w.Bytes())
	for _, k := range keys {
		got := st.Read(r)
		assert.Equal(t, k.ID, got.ID)
		assert.True(t, k.EqualBounds(got), "%v != %v", k, got)
	}
	require.NoError(t, r.Err())
	assert.Equal(t, "r2", st.Name())

	// Point dimensions are stored once.
	point := NewWriteBuffer(0)
	st.Write(point, NewSpatialKey(1, 3, 3, 7, 7))
	assert.Equal(t, 1+4+4+1, point.Len())
}

func TestSpatial_Extremes(t *testing.T) {
	st := NewSpatialType(2)
	keys := []SpatialKey{
		NewSpatialKey(1, 0, 1, 0, 10),
		NewSpatialKey(2, 4, 5, 0, 10),
		NewSpatialKey(3, 9, 10, 0, 10),
	}
	first, last, ok := st.Extremes(keys)
	require.True(t, ok)
	assert.Equal(t, 0, first)
	assert.Equal(t, 2, last)

	// Fully overlapping boxes have no separating axis.
	same := []SpatialKey{
		NewSpatialKey(1, 0, 10, 0, 10),
		NewSpatialKey(2, 0, 10, 0, 10),
	}
	_, _, ok = st.Extremes(same)
	assert.False(t, ok)
}

func TestSpatial_Geom(t *testing.T) {
	ls := geom.NewLineStringFlat(geom.XY, []float64{1, 2, 4, -1, 3, 6})
	k := SpatialKeyOf(7, ls)
	assert.Equal(t, int64(7), k.ID)
	assert.Equal(t, 2, k.Dimensions())
	assert.Equal(t, float32(1), k.Min(0))
	assert.Equal(t, float32(4), k.Max(0))
	assert.Equal(t, float32(-1), k.Min(1))
	assert.Equal(t, float32(6), k.Max(1))

	b := k.Bounds()
	require.NotNil(t, b)
	assert.Equal(t, 4.0, b.Max(0))
	assert.Equal(t, -1.0, b.Min(1))

	assert.True(t, SpatialKeyOf(1, geom.NewPoint(geom.XY)).Bounds() != nil)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)
	for _, name := range []string{"i", "l", "s", "b", "d", "r2", "r3"} {
		dt, err := r.Lookup(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, dt.Name())
	}
	_, err := r.Lookup("x")
	require.ErrorIs(t, err, ErrUnsupportedType)
	_, err = r.Lookup("r0")
	require.ErrorIs(t, err, ErrUnsupportedType)

	st, err := r.Lookup("r2")
	require.NoError(t, err)
	typed, ok := Unerase[SpatialKey](st)
	require.True(t, ok)
	assert.Equal(t, 2, typed.(*SpatialType).Dimensions())
}

type upperString struct{ DataType[string] }

func (upperString) Name() string { return "upper" }

func TestRegistry_CustomFactoryChain(t *testing.T) {
	custom := NewFactory(func(name string) (DataType[any], bool) {
		if name == "upper" {
			return Erase[string](upperString{String}), true
		}
		return nil, false
	})
	r := NewRegistry(custom)

	dt, err := r.Lookup("upper")
	require.NoError(t, err)
	assert.Equal(t, "upper", dt.Name())

	// Unknown names fall through to the built-ins.
	dt, err = r.Lookup("l")
	require.NoError(t, err)
	assert.Equal(t, "l", dt.Name())

	w := NewWriteBuffer(0)
	dt.Write(w, int64(11))
	assert.Equal(t, int64(11), dt.Read(NewReadBuffer(w.Bytes())))
}
