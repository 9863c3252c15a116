// Package mvstore provides an embedded, versioned key-value store built on
// copy-on-write B-trees.
//
// A Store holds any number of named maps in a single file. Every change
// creates new page versions instead of modifying pages in place; a commit
// appends the changed pages to the file as one chunk and publishes a new
// store version. Readers never block writers and always see a consistent
// version.
//
// # Quick Start
//
//	st, _ := mvstore.Open("data.mv")
//	defer st.Close()
//
//	users, _ := mvstore.OpenMap(st, "users", datatype.Int64, datatype.String)
//	users.Put(1, "alice")
//	st.Commit() // durable after this
//
// An empty file name opens a store that lives in memory only.
//
// # Versions
//
// Commit returns the new version number. Snapshot pins the current contents
// of a map, OpenVersion opens an older committed version, and RollbackTo
// reverts the whole store:
//
//	snap, _ := users.Snapshot()
//	defer snap.Release()
//
//	v1, _ := users.OpenVersion(1)
//	defer v1.Release()
//
// How far back versions stay reachable is controlled by WithRetainVersions.
//
// # Background Writes
//
// WithWriteDelay starts a background writer that commits pending changes
// periodically; WithAutoCompactFillRate makes it also rewrite sparse chunks.
// Compact can be called explicitly at any time.
//
// # Spatial Maps
//
// OpenRTreeMap opens an R-tree keyed by bounding boxes. It supports
// intersection and containment queries:
//
//	shapes, _ := mvstore.OpenRTreeMap(st, "shapes", 2, datatype.String)
//	shapes.Add(datatype.NewSpatialKey(1, 0, 2, 0, 2), "square")
//	c, _ := shapes.FindIntersectingKeys(datatype.NewSpatialKey(0, 1, 3, 1, 3))
//
// # Crash Safety
//
// The file header is written twice and every chunk carries a checksum. When
// the newest chunk of a file is damaged, Open falls back to the newest
// consistent version and reports it through Recovery.
package mvstore
