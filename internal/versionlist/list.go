// Package versionlist provides a small concurrent list for tracking open
// versions. Readers see an immutable snapshot of the elements without
// locking; writers replace the snapshot with a modified copy.
package versionlist

import (
	"iter"
	"slices"
	"sync/atomic"
)

// List is a copy-on-write list. All operations are lock-free; concurrent
// writers retry until their compare-and-swap succeeds.
type List[T comparable] struct {
	items atomic.Pointer[[]T]
}

func (l *List[T]) load() []T {
	if p := l.items.Load(); p != nil {
		return *p
	}
	return nil
}

// Add appends v at the end.
func (l *List[T]) Add(v T) {
	for {
		old := l.items.Load()
		var cur []T
		if old != nil {
			cur = *old
		}
		next := make([]T, len(cur)+1)
		copy(next, cur)
		next[len(cur)] = v
		if l.items.CompareAndSwap(old, &next) {
			return
		}
	}
}

// PeekFirst returns the first element.
func (l *List[T]) PeekFirst() (T, bool) {
	items := l.load()
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[0], true
}

// PeekLast returns the last element.
func (l *List[T]) PeekLast() (T, bool) {
	items := l.load()
	if len(items) == 0 {
		var zero T
		return zero, false
	}
	return items[len(items)-1], true
}

// RemoveFirst removes the first element if it equals v.
func (l *List[T]) RemoveFirst(v T) bool {
	for {
		old := l.items.Load()
		if old == nil || len(*old) == 0 || (*old)[0] != v {
			return false
		}
		next := slices.Clone((*old)[1:])
		if l.items.CompareAndSwap(old, &next) {
			return true
		}
	}
}

// RemoveLast removes the last element if it equals v.
func (l *List[T]) RemoveLast(v T) bool {
	for {
		old := l.items.Load()
		if old == nil || len(*old) == 0 || (*old)[len(*old)-1] != v {
			return false
		}
		next := slices.Clone((*old)[:len(*old)-1])
		if l.items.CompareAndSwap(old, &next) {
			return true
		}
	}
}

// Len returns the number of elements.
func (l *List[T]) Len() int { return len(l.load()) }

// All iterates over a snapshot of the list taken when iteration starts.
func (l *List[T]) All() iter.Seq[T] {
	items := l.load()
	return func(yield func(T) bool) {
		for _, v := range items {
			if !yield(v) {
				return
			}
		}
	}
}
