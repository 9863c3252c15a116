// Package format defines the on-disk layout of a store file.
//
// A file is a sequence of 4096-byte blocks:
//
//	block 0   file header (copy 1)
//	block 1   file header (copy 2)
//	block 2.. chunks, each starting on a block boundary
//
// A chunk starts with a 64-byte header followed by page records. Pages refer
// to each other by position, a 64-bit value packing the chunk id, the byte
// offset inside the chunk, a length class and the page type:
//
//	| chunk id (26) | offset (32) | length code (5) | node (1) |
//
// All fixed-width integers are little-endian.
package format
