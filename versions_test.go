package mvstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionRegistry(t *testing.T) {
	var r versionRegistry

	_, ok := r.oldest()
	assert.False(t, ok)

	a := r.acquire(3)
	b := r.acquire(3)
	assert.Same(t, a, b)
	c := r.acquire(5)
	assert.Equal(t, 3, r.open())

	v, ok := r.oldest()
	assert.True(t, ok)
	assert.Equal(t, int64(3), v)

	r.release(a)
	v, _ = r.oldest()
	assert.Equal(t, int64(3), v)
	r.release(b)
	v, _ = r.oldest()
	assert.Equal(t, int64(5), v)

	r.release(c)
	_, ok = r.oldest()
	assert.False(t, ok)
	assert.Zero(t, r.open())

	// A released entry is never handed out again.
	d := r.acquire(5)
	assert.NotSame(t, c, d)
	r.release(d)
	r.release(nil)
}

func TestVersionRegistryConcurrent(t *testing.T) {
	var (
		r  versionRegistry
		wg sync.WaitGroup
	)
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 1000 {
				u := r.acquire(int64(g*1000 + i/10))
				r.release(u)
			}
		}()
	}
	wg.Wait()
	_, ok := r.oldest()
	assert.False(t, ok)
	assert.Zero(t, r.open())
}
