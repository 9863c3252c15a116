// Package hash provides the checksums used by the store file format.
//
// Headers and chunk bodies are protected with CRC32-Castagnoli (CRC32C), which
// Go computes with hardware instructions where available:
//
//	checksum := hash.CRC32C(data)
//
// Pages carry a cheaper 16-bit check value (PageCheck) derived from where the
// page was written. It detects pointers into the wrong chunk or offset; the
// chunk CRC covers the page bytes themselves.
package hash
