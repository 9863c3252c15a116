package cache

import (
	"testing"

	"github.com/hupe1980/mvstore/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_Eviction(t *testing.T) {
	c := NewLRU[int64, string](30, nil)
	c.Set(1, "a", 10)
	c.Set(2, "b", 10)
	c.Set(3, "c", 10)

	// Touch 1 so that 2 becomes the eviction candidate.
	_, ok := c.Get(1)
	require.True(t, ok)

	c.Set(4, "d", 10)
	_, ok = c.Get(2)
	assert.False(t, ok)
	v, ok := c.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "a", v)
	assert.Equal(t, int64(30), c.Size())
	assert.Equal(t, 3, c.Len())

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}

func TestLRU_EdgeCases(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 100})
	c := NewLRU[int64, []byte](50, rc)

	c.Set(1, make([]byte, 60), 60)
	_, ok := c.Get(1)
	assert.False(t, ok, "entry heavier than the cache should not be cached")

	c.Set(1, make([]byte, 10), 10)
	assert.Equal(t, int64(10), c.Size())
	c.Set(1, make([]byte, 20), 20)
	assert.Equal(t, int64(20), c.Size())
	assert.Equal(t, int64(20), rc.MemoryUsage())

	c.Invalidate(func(k int64) bool { return k == 1 })
	assert.Zero(t, c.Size())
	assert.Zero(t, rc.MemoryUsage())

	// The controller budget is shared; a full budget rejects new entries.
	small := resource.NewController(resource.Config{MemoryLimitBytes: 10})
	c2 := NewLRU[int64, []byte](50, small)
	c2.Set(1, make([]byte, 8), 8)
	c2.Set(2, make([]byte, 8), 8)
	_, ok = c2.Get(2)
	assert.False(t, ok)
	_, ok = c2.Get(1)
	assert.True(t, ok)
}

func TestSharded(t *testing.T) {
	c := NewSharded[int](1<<20, nil)
	for i := int64(0); i < 1000; i++ {
		c.Set(i<<38|i<<6, int(i), 64)
	}
	assert.Equal(t, 1000, c.Len())
	assert.Equal(t, int64(64000), c.Size())

	v, ok := c.Get(7<<38 | 7<<6)
	require.True(t, ok)
	assert.Equal(t, 7, v)

	c.Invalidate(func(k int64) bool { return k>>38 < 500 })
	assert.Equal(t, 500, c.Len())

	c.Clear()
	assert.Zero(t, c.Len())
	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Zero(t, misses)
}
