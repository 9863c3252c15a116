// Package fs provides the file system abstraction used by the store, so that
// tests can run against memory and inject faults.
//
// The package defines two key interfaces:
//
//   - [File]: an open file with positional reads and writes, sync and truncate
//   - [FileSystem]: open, remove, rename, stat and friends
//
// # Implementations
//
//   - [LocalFS]: production implementation using the os package
//   - [MemFS]: in-memory files, used for in-memory stores and tests
//   - [FaultyFS]: wraps another FileSystem and injects write, sync and close
//     failures, including torn writes that persist only a prefix
//
// # Usage
//
//	file, err := fs.Default.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
//
// Crash tests combine MemFS and FaultyFS:
//
//	ffs := fs.NewFaultyFS(fs.NewMemFS())
//	ffs.AddRule("db", fs.Fault{FailAfterBytes: 8192, Torn: true})
//
// Operations take no context.Context: local file I/O is not interruptible at
// the syscall level.
package fs
