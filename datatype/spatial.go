package datatype

import (
	"cmp"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SpatialKey is an axis-aligned bounding box with an identifier. Coordinates
// are stored as min0, max0, min1, max1, ...
type SpatialKey struct {
	ID     int64
	minMax []float32
}

// NewSpatialKey creates a key from interleaved min/max coordinates.
func NewSpatialKey(id int64, minMax ...float32) SpatialKey {
	return SpatialKey{ID: id, minMax: append([]float32(nil), minMax...)}
}

// Dimensions returns the number of dimensions of the box.
func (k SpatialKey) Dimensions() int { return len(k.minMax) / 2 }

// Min returns the lower bound in dimension dim.
func (k SpatialKey) Min(dim int) float32 { return k.minMax[2*dim] }

// Max returns the upper bound in dimension dim.
func (k SpatialKey) Max(dim int) float32 { return k.minMax[2*dim+1] }

// IsNull reports whether the key has no coordinates.
func (k SpatialKey) IsNull() bool { return len(k.minMax) == 0 }

func (k SpatialKey) setMin(dim int, v float32) { k.minMax[2*dim] = v }
func (k SpatialKey) setMax(dim int, v float32) { k.minMax[2*dim+1] = v }

// EqualBounds reports whether both keys describe the same box.
func (k SpatialKey) EqualBounds(o SpatialKey) bool {
	if len(k.minMax) != len(o.minMax) {
		return false
	}
	for i := range k.minMax {
		if k.minMax[i] != o.minMax[i] {
			return false
		}
	}
	return true
}

func (k SpatialKey) String() string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(k.ID, 10))
	sb.WriteString(": (")
	for i := 0; i < k.Dimensions(); i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%g/%g", k.Min(i), k.Max(i))
	}
	sb.WriteString(")")
	return sb.String()
}

// SpatialType is the DataType of SpatialKey values with a fixed number of
// dimensions. Besides ordering it provides the geometric operations used by
// the R-tree.
type SpatialType struct {
	dims int
}

// MaxDimensions is the largest number of dimensions a spatial key may have.
const MaxDimensions = 32

// NewSpatialType returns the spatial type for dims dimensions.
func NewSpatialType(dims int) *SpatialType {
	return &SpatialType{dims: dims}
}

// Dimensions returns the number of dimensions.
func (t *SpatialType) Dimensions() int { return t.dims }

// Name returns "r" followed by the dimension count.
func (t *SpatialType) Name() string { return "r" + strconv.Itoa(t.dims) }

// Compare orders keys by id, then by coordinates. The R-tree never relies on
// this order; it exists so spatial keys satisfy DataType.
func (t *SpatialType) Compare(a, b SpatialKey) int {
	if c := cmp.Compare(a.ID, b.ID); c != 0 {
		return c
	}
	n := min(len(a.minMax), len(b.minMax))
	for i := 0; i < n; i++ {
		if c := cmp.Compare(a.minMax[i], b.minMax[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a.minMax), len(b.minMax))
}

// Memory estimates the serialized size of k.
func (t *SpatialType) Memory(k SpatialKey) int {
	return 1 + 8*t.dims + varintLen(k.ID)
}

// Write stores a flag byte marking point dimensions (min == max), the
// coordinates, and the id.
func (t *SpatialType) Write(buf *WriteBuffer, k SpatialKey) {
	if k.IsNull() {
		buf.PutUvarint(math.MaxUint32)
		buf.PutVarint(k.ID)
		return
	}
	var flags uint64
	for i := 0; i < t.dims; i++ {
		if k.Min(i) == k.Max(i) {
			flags |= 1 << i
		}
	}
	buf.PutUvarint(flags)
	for i := 0; i < t.dims; i++ {
		buf.PutFloat32(k.Min(i))
		if flags&(1<<i) == 0 {
			buf.PutFloat32(k.Max(i))
		}
	}
	buf.PutVarint(k.ID)
}

// Read decodes a key written by Write.
func (t *SpatialType) Read(buf *ReadBuffer) SpatialKey {
	flags := buf.Uvarint()
	if flags == math.MaxUint32 {
		return SpatialKey{ID: buf.Varint()}
	}
	minMax := make([]float32, 2*t.dims)
	for i := 0; i < t.dims; i++ {
		minMax[2*i] = buf.Float32()
		if flags&(1<<i) != 0 {
			minMax[2*i+1] = minMax[2*i]
		} else {
			minMax[2*i+1] = buf.Float32()
		}
	}
	return SpatialKey{ID: buf.Varint(), minMax: minMax}
}

// Equals reports whether a and b are the same leaf entry: same id and box.
func (t *SpatialType) Equals(a, b SpatialKey) bool {
	return a.ID == b.ID && a.EqualBounds(b)
}

// Overlaps reports whether the boxes a and b intersect.
func (t *SpatialType) Overlaps(a, b SpatialKey) bool {
	if a.IsNull() || b.IsNull() {
		return false
	}
	for i := 0; i < t.dims; i++ {
		if a.Max(i) < b.Min(i) || a.Min(i) > b.Max(i) {
			return false
		}
	}
	return true
}

// Contains reports whether box a fully contains box b.
func (t *SpatialType) Contains(a, b SpatialKey) bool {
	if a.IsNull() || b.IsNull() {
		return false
	}
	for i := 0; i < t.dims; i++ {
		if a.Min(i) > b.Min(i) || a.Max(i) < b.Max(i) {
			return false
		}
	}
	return true
}

// IsInside reports whether box a lies inside box b.
func (t *SpatialType) IsInside(a, b SpatialKey) bool {
	return t.Contains(b, a)
}

// CreateBoundingBox returns a copy of k's box usable as an internal node key.
func (t *SpatialType) CreateBoundingBox(k SpatialKey) SpatialKey {
	if k.IsNull() {
		return k
	}
	return SpatialKey{minMax: append([]float32(nil), k.minMax...)}
}

// IncreaseBounds returns the smallest box containing both bounds and k.
// bounds is not modified.
func (t *SpatialType) IncreaseBounds(bounds, k SpatialKey) SpatialKey {
	if bounds.IsNull() {
		return t.CreateBoundingBox(k)
	}
	b := t.CreateBoundingBox(bounds)
	if k.IsNull() {
		return b
	}
	for i := 0; i < t.dims; i++ {
		b.setMin(i, min(b.Min(i), k.Min(i)))
		b.setMax(i, max(b.Max(i), k.Max(i)))
	}
	return b
}

// Area returns the volume of the box.
func (t *SpatialType) Area(k SpatialKey) float32 {
	if k.IsNull() {
		return 0
	}
	area := float32(1)
	for i := 0; i < t.dims; i++ {
		area *= k.Max(i) - k.Min(i)
	}
	return area
}

// AreaIncrease returns how much the area of bounds grows when extended to
// include k.
func (t *SpatialType) AreaIncrease(bounds, k SpatialKey) float32 {
	return t.Area(t.IncreaseBounds(bounds, k)) - t.Area(bounds)
}

// CombinedArea returns the area of the smallest box containing a and b.
func (t *SpatialType) CombinedArea(a, b SpatialKey) float32 {
	return t.Area(t.IncreaseBounds(a, b))
}

// Extremes finds, along the axis where the keys are most clearly separated,
// the index of the key with the lowest upper bound and the index of the key
// with the highest lower bound. ok is false when no axis separates the keys or
// the result is ambiguous.
func (t *SpatialType) Extremes(keys []SpatialKey) (first, last int, ok bool) {
	var present []int
	for i, k := range keys {
		if !k.IsNull() {
			present = append(present, i)
		}
	}
	if len(present) == 0 {
		return -1, -1, false
	}
	bounds := t.CreateBoundingBox(keys[present[0]])
	// inner holds the lowest upper bound as min and the highest lower bound as max.
	inner := t.CreateBoundingBox(bounds)
	for i := 0; i < t.dims; i++ {
		lo, hi := inner.Min(i), inner.Max(i)
		inner.setMin(i, hi)
		inner.setMax(i, lo)
	}
	for _, idx := range present {
		k := keys[idx]
		bounds = t.IncreaseBounds(bounds, k)
		for i := 0; i < t.dims; i++ {
			inner.setMin(i, min(inner.Min(i), k.Max(i)))
			inner.setMax(i, max(inner.Max(i), k.Min(i)))
		}
	}
	best := float32(0)
	bestDim := 0
	for i := 0; i < t.dims; i++ {
		gap := inner.Max(i) - inner.Min(i)
		if gap < 0 {
			continue
		}
		d := gap / (bounds.Max(i) - bounds.Min(i))
		if d > best {
			best = d
			bestDim = i
		}
	}
	if best <= 0 {
		return -1, -1, false
	}
	lo, hi := inner.Min(bestDim), inner.Max(bestDim)
	first, last = -1, -1
	for _, idx := range present {
		k := keys[idx]
		if first < 0 && k.Max(bestDim) == lo {
			first = idx
		} else if last < 0 && k.Min(bestDim) == hi {
			last = idx
		}
		if first >= 0 && last >= 0 {
			break
		}
	}
	if first < 0 || last < 0 || first == last {
		return -1, -1, false
	}
	return first, last, true
}
