package mvstore

import (
	"sync"
	"sync/atomic"

	"github.com/hupe1980/mvstore/internal/versionlist"
)

// versionUsage counts the readers that hold a version open.
type versionUsage struct {
	version int64
	refs    atomic.Int32
}

// tryRef takes a reference unless the entry has already been released.
func (u *versionUsage) tryRef() bool {
	for {
		n := u.refs.Load()
		if n <= 0 {
			return false
		}
		if u.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// versionRegistry tracks the versions referenced by open cursors and
// snapshots. Chunks that became unused at version u are only freed when no
// registered version below u remains.
type versionRegistry struct {
	mu   sync.Mutex
	list versionlist.List[*versionUsage]
}

// acquire registers a reader of version v.
func (r *versionRegistry) acquire(v int64) *versionUsage {
	if last, ok := r.list.PeekLast(); ok && last.version == v && last.tryRef() {
		return last
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if last, ok := r.list.PeekLast(); ok && last.version == v && last.tryRef() {
		return last
	}
	u := &versionUsage{version: v}
	u.refs.Store(1)
	r.list.Add(u)
	return u
}

// release drops a reference taken by acquire. Released entries are trimmed
// from both ends of the list.
func (r *versionRegistry) release(u *versionUsage) {
	if u == nil || u.refs.Add(-1) > 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		first, ok := r.list.PeekFirst()
		if !ok || first.refs.Load() > 0 || !r.list.RemoveFirst(first) {
			break
		}
	}
	for {
		last, ok := r.list.PeekLast()
		if !ok || last.refs.Load() > 0 || !r.list.RemoveLast(last) {
			break
		}
	}
}

// oldest returns the smallest version still held open.
func (r *versionRegistry) oldest() (int64, bool) {
	var (
		v     int64
		found bool
	)
	for u := range r.list.All() {
		if u.refs.Load() <= 0 {
			continue
		}
		if !found || u.version < v {
			v, found = u.version, true
		}
	}
	return v, found
}

// open reports the number of registered readers.
func (r *versionRegistry) open() int {
	n := 0
	for u := range r.list.All() {
		if refs := u.refs.Load(); refs > 0 {
			n += int(refs)
		}
	}
	return n
}
