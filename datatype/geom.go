package datatype

import (
	"github.com/twpayne/go-geom"
)

// SpatialKeyOf returns a key with the given id covering the bounds of g.
func SpatialKeyOf(id int64, g geom.T) SpatialKey {
	return SpatialKeyFromBounds(id, g.Bounds())
}

// SpatialKeyFromBounds converts b into a key. An empty bounds yields a null key.
func SpatialKeyFromBounds(id int64, b *geom.Bounds) SpatialKey {
	if b == nil || b.IsEmpty() {
		return SpatialKey{ID: id}
	}
	stride := b.Layout().Stride()
	minMax := make([]float32, 0, 2*stride)
	for i := 0; i < stride; i++ {
		minMax = append(minMax, float32(b.Min(i)), float32(b.Max(i)))
	}
	return SpatialKey{ID: id, minMax: minMax}
}

// Bounds converts the key into go-geom bounds. Keys with two, three or four
// dimensions map to the XY, XYZ and XYZM layouts; other keys return nil.
func (k SpatialKey) Bounds() *geom.Bounds {
	var layout geom.Layout
	switch k.Dimensions() {
	case 2:
		layout = geom.XY
	case 3:
		layout = geom.XYZ
	case 4:
		layout = geom.XYZM
	default:
		return nil
	}
	args := make([]float64, 2*k.Dimensions())
	for i := 0; i < k.Dimensions(); i++ {
		args[i] = float64(k.Min(i))
		args[k.Dimensions()+i] = float64(k.Max(i))
	}
	return geom.NewBounds(layout).Set(args...)
}
