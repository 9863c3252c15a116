// Package freespace tracks which blocks of the store file are in use.
package freespace

import (
	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Set is the set of used blocks. It is not safe for concurrent use.
type Set struct {
	used *roaring64.Bitmap
}

// New returns an empty set.
func New() *Set {
	return &Set{used: roaring64.New()}
}

// MarkUsed marks blocks [start, start+count) as used.
func (s *Set) MarkUsed(start, count uint64) {
	if count == 0 {
		return
	}
	s.used.AddRange(start, start+count)
}

// Free marks blocks [start, start+count) as free.
func (s *Set) Free(start, count uint64) {
	if count == 0 {
		return
	}
	s.used.RemoveRange(start, start+count)
}

// IsUsed reports whether block is in use.
func (s *Set) IsUsed(block uint64) bool {
	return s.used.Contains(block)
}

// Allocate finds the first run of count free blocks, marks it used and
// returns its start. Runs past the last used block always fit.
func (s *Set) Allocate(count uint64) uint64 {
	start := s.FindFree(count)
	s.MarkUsed(start, count)
	return start
}

// FindFree returns the start of the first run of count free blocks without
// marking it.
func (s *Set) FindFree(count uint64) uint64 {
	var start uint64
	it := s.used.Iterator()
	for it.HasNext() {
		b := it.Next()
		if b >= start+count {
			return start
		}
		if b >= start {
			start = b + 1
		}
	}
	return start
}

// End returns the block after the last used block, or 0 if none is used.
func (s *Set) End() uint64 {
	if s.used.IsEmpty() {
		return 0
	}
	return s.used.Maximum() + 1
}

// UsedBlocks returns the number of used blocks.
func (s *Set) UsedBlocks() uint64 {
	return s.used.GetCardinality()
}

// FillRate returns the percentage of blocks below End that are in use.
func (s *Set) FillRate() int {
	end := s.End()
	if end == 0 {
		return 100
	}
	return int(s.UsedBlocks() * 100 / end)
}

// Clone returns an independent copy.
func (s *Set) Clone() *Set {
	return &Set{used: s.used.Clone()}
}

func (s *Set) String() string {
	return s.used.String()
}
