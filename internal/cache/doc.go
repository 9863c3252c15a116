// Package cache provides the byte-weighted LRU used to keep decoded pages in
// memory.
//
// Pages are keyed by their file position, which never changes once written,
// so entries never go stale; they are only invalidated when the chunk holding
// them is freed. Sharded spreads keys over several locked LRUs using a
// splitmix64 hash of the position.
//
// When a resource.Controller is supplied, cached bytes are accounted against
// its memory budget and entries are not admitted once the budget is exhausted.
package cache
