package mvstore

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore/datatype"
	"github.com/hupe1980/mvstore/internal/format"
)

// Map is an ordered key-value map stored in a Store.
//
// Reads (Get, cursors, iterators) never lock: each operates on the root page
// that was current when it started. Writes of all maps of a store are
// serialized by the store's write lock; every write copies the path from the
// changed leaf to the root and then publishes the new root atomically.
//
// A Map returned by Snapshot or OpenVersion is read-only and keeps its root
// until Release is called.
type Map[K, V any] struct {
	store     *Store
	id        uint32
	name      atomic.Pointer[string]
	keyType   datatype.DataType[K]
	valueType datatype.DataType[V]
	spatial   bool
	created   int64

	root atomic.Pointer[page[K, V]]
	// savedRoot is the root at the last commit. Guarded by store.writeMu.
	savedRoot *page[K, V]

	readOnly bool
	version  int64
	lease    *versionUsage
	closed   atomic.Bool
	removed  atomic.Bool
}

func newMap[K, V any](s *Store, id uint32, name string, keyType datatype.DataType[K], valueType datatype.DataType[V], spatial bool, created int64) *Map[K, V] {
	m := &Map[K, V]{
		store:     s,
		id:        id,
		keyType:   keyType,
		valueType: valueType,
		spatial:   spatial,
		created:   created,
	}
	m.name.Store(&name)
	return m
}

// OpenMap opens the map with the given name, creating it if it does not
// exist. Opening a map twice returns the same instance.
//
// Opening an existing map with types whose names differ from the persisted
// ones fails with ErrTypeMismatch, as does opening a map that is already open
// with different Go types.
func OpenMap[K, V any](s *Store, name string, keyType datatype.DataType[K], valueType datatype.DataType[V]) (*Map[K, V], error) {
	return openMap(s, name, keyType, valueType, false)
}

func openMap[K, V any](s *Store, name string, keyType datatype.DataType[K], valueType datatype.DataType[V], spatial bool) (*Map[K, V], error) {
	if name == "" {
		return nil, errors.New("mvstore: empty map name")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	id, found, err := s.mapID(name)
	if err != nil {
		return nil, err
	}
	if !found {
		if s.readOnly {
			return nil, errors.Wrapf(ErrMapNotFound, "%q", name)
		}
		return createMap(s, name, keyType, valueType, spatial)
	}

	if open, ok := s.maps[id]; ok {
		m, ok := open.(*Map[K, V])
		if !ok || m.keyType.Name() != keyType.Name() || m.valueType.Name() != valueType.Name() || m.spatial != spatial {
			return nil, errors.Wrapf(ErrTypeMismatch, "map %q is already open with other types", name)
		}
		return m, nil
	}

	info, err := s.mapInfo(id)
	if err != nil {
		return nil, err
	}
	if info.keyType != keyType.Name() || info.valueType != valueType.Name() || info.spatial() != spatial {
		return nil, errors.Wrapf(ErrTypeMismatch, "map %q is %s<%s,%s>, requested %s<%s,%s>",
			name, info.kind, info.keyType, info.valueType, kindName(spatial), keyType.Name(), valueType.Name())
	}

	m := newMap(s, id, name, keyType, valueType, spatial, info.created)
	if err := m.restore(); err != nil {
		return nil, err
	}
	s.maps[id] = m
	return m, nil
}

func createMap[K, V any](s *Store, name string, keyType datatype.DataType[K], valueType datatype.DataType[V], spatial bool) (*Map[K, V], error) {
	id, err := s.allocateMapID()
	if err != nil {
		return nil, err
	}
	created := s.currentVersion()
	info := mapInfo{
		name:      name,
		keyType:   keyType.Name(),
		valueType: valueType.Name(),
		kind:      kindName(spatial),
		created:   created,
	}
	if err := s.putMapInfo(id, info); err != nil {
		return nil, err
	}
	m := newMap(s, id, name, keyType, valueType, spatial, created)
	root := newLeaf[K, V](m, nil, nil, nil)
	m.root.Store(root)
	m.savedRoot = root
	s.maps[id] = m
	s.logger.WithMap(name, id).Debug("map created")
	return m, nil
}

// restore loads the committed root of the map from the meta map.
func (m *Map[K, V]) restore() error {
	pos, _, err := m.store.rootPos(m.id)
	if err != nil {
		return err
	}
	root, err := m.loadRoot(pos)
	if err != nil {
		return err
	}
	m.root.Store(root)
	m.savedRoot = root
	return nil
}

func (m *Map[K, V]) loadRoot(pos int64) (*page[K, V], error) {
	if pos == 0 {
		return newLeaf[K, V](m, nil, nil, nil), nil
	}
	return m.readPage(pos)
}

func (m *Map[K, V]) readPage(pos int64) (*page[K, V], error) {
	s := m.store
	if pos == 0 {
		return nil, errors.AssertionFailedf("map %d: read of unsaved page", m.id)
	}
	if v, ok := s.cachedPage(pos); ok {
		if p, ok := v.(*page[K, V]); ok {
			s.metrics.RecordPageRead(0, true)
			return p, nil
		}
	}
	data, err := s.readPageBytes(pos)
	if err != nil {
		return nil, err
	}
	p, err := decodePage(m, pos, data, s.compression)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordPageRead(len(data), false)
	s.cachePage(pos, p, p.memory)
	return p, nil
}

// Name returns the map name.
func (m *Map[K, V]) Name() string { return *m.name.Load() }

// ID returns the map id, which is stable across renames.
func (m *Map[K, V]) ID() uint32 { return m.id }

// KeyType returns the key data type.
func (m *Map[K, V]) KeyType() datatype.DataType[K] { return m.keyType }

// ValueType returns the value data type.
func (m *Map[K, V]) ValueType() datatype.DataType[V] { return m.valueType }

// IsReadOnly reports whether the map is a snapshot or belongs to a read-only
// store.
func (m *Map[K, V]) IsReadOnly() bool { return m.readOnly || m.store.readOnly }

// Version returns the version a snapshot was taken at, or the store's current
// version for a live map.
func (m *Map[K, V]) Version() int64 {
	if m.lease != nil {
		return m.version
	}
	return m.store.currentVersion()
}

// CreateVersion returns the version the map was created in.
func (m *Map[K, V]) CreateVersion() int64 { return m.created }

func (m *Map[K, V]) checkOpen() error {
	if m.removed.Load() {
		return errors.Wrapf(ErrMapRemoved, "%q", m.Name())
	}
	if m.closed.Load() {
		return ErrClosed
	}
	if m.store.closed.Load() {
		return ErrClosed
	}
	return nil
}

// checkWrite must be called with the store's write lock held.
func (m *Map[K, V]) checkWrite() error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if m.readOnly {
		return ErrReadOnly
	}
	return m.store.checkWritable()
}

// acquireRoot returns the root to read from and a function releasing the
// version it belongs to.
func (m *Map[K, V]) acquireRoot() (*page[K, V], func(), error) {
	if err := m.checkOpen(); err != nil {
		return nil, nil, err
	}
	if m.lease != nil {
		return m.root.Load(), func() {}, nil
	}
	s := m.store
	u := s.versions.acquire(s.committedVersion())
	return m.root.Load(), func() { s.versions.release(u) }, nil
}

// Get returns the value stored under key.
func (m *Map[K, V]) Get(key K) (V, bool, error) {
	var zero V
	root, done, err := m.acquireRoot()
	if err != nil {
		return zero, false, err
	}
	defer done()
	return m.find(root, key)
}

func (m *Map[K, V]) find(p *page[K, V], key K) (V, bool, error) {
	var zero V
	if m.spatial {
		return m.scan(p, key)
	}
	for p.node {
		c, err := p.childPage(p.childIndex(key))
		if err != nil {
			return zero, false, err
		}
		p = c
	}
	if i, found := p.search(key); found {
		return p.values[i], true, nil
	}
	return zero, false, nil
}

// scan searches an R-tree opened without its spatial key type, whose pages
// are not ordered.
func (m *Map[K, V]) scan(p *page[K, V], key K) (V, bool, error) {
	var zero V
	if p.isLeaf() {
		for i, k := range p.keys {
			if m.keyType.Compare(k, key) == 0 {
				return p.values[i], true, nil
			}
		}
		return zero, false, nil
	}
	for i := range p.children {
		c, err := p.childPage(i)
		if err != nil {
			return zero, false, err
		}
		if v, found, err := m.scan(c, key); err != nil || found {
			return v, found, err
		}
	}
	return zero, false, nil
}

// ContainsKey reports whether key is present.
func (m *Map[K, V]) ContainsKey(key K) (bool, error) {
	_, found, err := m.Get(key)
	return found, err
}

// Size returns the number of entries.
func (m *Map[K, V]) Size() int64 {
	return m.root.Load().total
}

// IsEmpty reports whether the map has no entries.
func (m *Map[K, V]) IsEmpty() bool { return m.Size() == 0 }

// Put stores value under key and returns the previous value, if any.
func (m *Map[K, V]) Put(key K, value V) (V, bool, error) {
	s := m.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := m.checkWrite(); err != nil {
		var zero V
		return zero, false, err
	}
	return m.putLocked(key, value)
}

func (m *Map[K, V]) putLocked(key K, value V) (V, bool, error) {
	var zero V
	w := m.store.newMutation()
	p, old, replaced, err := m.putPage(m.root.Load(), w, key, value)
	if err != nil {
		return zero, false, err
	}
	if m.needsSplit(p) {
		sep, right := p.split(p.keyCount()/2, w)
		p = newNode(m, w, []K{sep}, []child[K, V]{
			{page: p, count: p.total},
			{page: right, count: right.total},
		})
	}
	m.publish(p, w)
	return old, replaced, nil
}

func (m *Map[K, V]) putPage(p *page[K, V], w *mutation, key K, value V) (*page[K, V], V, bool, error) {
	var zero V
	if p.isLeaf() {
		i, found := p.search(key)
		p = p.copyOnWrite(w)
		if found {
			return p, p.setValue(i, value), true, nil
		}
		p.insertLeaf(i, key, value)
		return p, zero, false, nil
	}

	i := p.childIndex(key)
	c, err := p.childPage(i)
	if err != nil {
		return nil, zero, false, err
	}
	c, old, replaced, err := m.putPage(c, w, key, value)
	if err != nil {
		return nil, zero, false, err
	}
	p = p.copyOnWrite(w)
	if m.needsSplit(c) {
		sep, right := c.split(c.keyCount()/2, w)
		p.setChild(i, right)
		p.insertNode(i, sep, c)
	} else {
		p.setChild(i, c)
	}
	return p, old, replaced, nil
}

func (m *Map[K, V]) needsSplit(p *page[K, V]) bool {
	if p.keyCount() <= 1 {
		return false
	}
	o := &m.store.opts
	return p.memory > o.pageSplitSize || (o.maxPageEntries > 0 && p.keyCount() > o.maxPageEntries)
}

// publish installs a new root and accounts the pages it replaced.
func (m *Map[K, V]) publish(root *page[K, V], w *mutation) {
	m.root.Store(root)
	m.store.addGarbage(w.removed)
}

// Remove deletes key and returns the value it had.
func (m *Map[K, V]) Remove(key K) (V, bool, error) {
	s := m.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := m.checkWrite(); err != nil {
		var zero V
		return zero, false, err
	}
	return m.removeLocked(key)
}

func (m *Map[K, V]) removeLocked(key K) (V, bool, error) {
	w := m.store.newMutation()
	p, old, removed, err := m.removePage(m.root.Load(), w, key)
	if err != nil || !removed {
		return old, false, err
	}
	if p == nil {
		p = newLeaf[K, V](m, w, nil, nil)
	}
	for p.node && p.childCount() == 1 {
		c, err := p.childPage(0)
		if err != nil {
			return old, false, err
		}
		p = c
	}
	m.publish(p, w)
	return old, true, nil
}

// removePage returns the replacement for p, or nil when p became empty.
func (m *Map[K, V]) removePage(p *page[K, V], w *mutation, key K) (*page[K, V], V, bool, error) {
	var zero V
	if p.isLeaf() {
		i, found := p.search(key)
		if !found {
			return p, zero, false, nil
		}
		p = p.copyOnWrite(w)
		old := p.values[i]
		p.remove(i)
		if p.keyCount() == 0 {
			return nil, old, true, nil
		}
		return p, old, true, nil
	}

	i := p.childIndex(key)
	c, err := p.childPage(i)
	if err != nil {
		return nil, zero, false, err
	}
	c, old, removed, err := m.removePage(c, w, key)
	if err != nil || !removed {
		return p, old, removed, err
	}
	p = p.copyOnWrite(w)
	if c == nil {
		if p.childCount() == 1 {
			return nil, old, true, nil
		}
		p.remove(i)
	} else {
		p.setChild(i, c)
	}
	return p, old, true, nil
}

// Clear removes all entries. All persisted pages of the map become garbage.
func (m *Map[K, V]) Clear() error {
	s := m.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := m.checkWrite(); err != nil {
		return err
	}
	return m.clearLocked()
}

func (m *Map[K, V]) clearLocked() error {
	w := m.store.newMutation()
	if err := m.markGarbage(m.root.Load(), w); err != nil {
		return err
	}
	m.publish(newLeaf[K, V](m, w, nil, nil), w)
	return nil
}

// markGarbage records every persisted page of the subtree in w. Persisted
// subtrees are walked by position only.
func (m *Map[K, V]) markGarbage(p *page[K, V], w *mutation) error {
	if pos := p.pos.Load(); pos != 0 {
		return m.store.collectPersisted(pos, w)
	}
	for i := range p.children {
		if c := p.children[i].page; c != nil {
			if err := m.markGarbage(c, w); err != nil {
				return err
			}
			continue
		}
		if err := m.store.collectPersisted(p.children[i].pos, w); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a read-only view of the map's current contents, including
// changes not yet committed. The snapshot must be released.
func (m *Map[K, V]) Snapshot() (*Map[K, V], error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	s := m.store
	version := s.committedVersion()
	if m.lease != nil {
		version = m.version
	}
	u := s.versions.acquire(version)
	return m.snapshotAt(m.root.Load(), u, version), nil
}

// OpenVersion returns a read-only view of the map as of a committed version.
// Versions older than the retained ones fail with ErrUnknownVersion.
func (m *Map[K, V]) OpenVersion(version int64) (*Map[K, V], error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	s := m.store
	meta, u, err := s.openMetaVersion(version)
	if err != nil {
		return nil, err
	}
	pos, _, err := rootPosIn(meta, m.id)
	if err == nil {
		var exists bool
		if _, exists, err = meta.Get(mapKey(m.id)); err == nil && !exists {
			err = errors.Wrapf(ErrUnknownVersion, "map %q did not exist at version %d", m.Name(), version)
		}
	}
	var root *page[K, V]
	if err == nil {
		root, err = m.loadRoot(pos)
	}
	if err != nil {
		s.versions.release(u)
		return nil, err
	}
	return m.snapshotAt(root, u, version), nil
}

func (m *Map[K, V]) snapshotAt(root *page[K, V], u *versionUsage, version int64) *Map[K, V] {
	snap := newMap(m.store, m.id, m.Name(), m.keyType, m.valueType, m.spatial, m.created)
	snap.readOnly = true
	snap.lease = u
	snap.version = version
	snap.root.Store(root)
	snap.savedRoot = root
	return snap
}

// Release ends a snapshot. Chunks it referenced may be reclaimed afterwards.
// Release is a no-op on live maps.
func (m *Map[K, V]) Release() {
	if m.lease == nil {
		return
	}
	if m.closed.CompareAndSwap(false, true) {
		m.store.versions.release(m.lease)
	}
}

// storedMap is implemented by every map type the store persists.
type storedMap interface {
	mapID() uint32
	mapName() string
	setName(name string)
	hasUnsavedChanges() bool
	writeUnsaved(cw *chunkWriter) (int64, error)
	markSaved()
	rollback()
	rollbackTo(pos int64) error
	rewrite(chunks map[uint32]bool) (int, error)
	garbage(w *mutation) error
	close(removed bool)
}

var _ storedMap = (*Map[int64, string])(nil)

func (m *Map[K, V]) mapID() uint32 { return m.id }

func (m *Map[K, V]) mapName() string { return m.Name() }

func (m *Map[K, V]) setName(name string) { m.name.Store(&name) }

func (m *Map[K, V]) hasUnsavedChanges() bool {
	return m.root.Load() != m.savedRoot
}

func (m *Map[K, V]) writeUnsaved(cw *chunkWriter) (int64, error) {
	root := m.root.Load()
	if err := root.writeUnsaved(cw); err != nil {
		return 0, errors.Wrapf(err, "map %q", m.Name())
	}
	return root.pos.Load(), nil
}

// markSaved records the written root as committed. The published root is
// replaced by a copy that refers to its children by position only, so the
// written pages stay reachable through the page cache instead of being
// pinned in memory.
func (m *Map[K, V]) markSaved() {
	root := m.root.Load()
	if root.node {
		d := &page[K, V]{
			m:        m,
			node:     true,
			keys:     root.keys,
			children: make([]child[K, V], len(root.children)),
			total:    root.total,
			memory:   root.memory,
		}
		for i, c := range root.children {
			d.children[i] = child[K, V]{pos: root.childPos(i), count: c.count}
		}
		d.pos.Store(root.pos.Load())
		if m.root.CompareAndSwap(root, d) {
			root = d
		}
	}
	m.savedRoot = root
}

func (m *Map[K, V]) rollback() {
	m.root.Store(m.savedRoot)
}

func (m *Map[K, V]) rollbackTo(pos int64) error {
	root, err := m.loadRoot(pos)
	if err != nil {
		return err
	}
	m.root.Store(root)
	m.savedRoot = root
	return nil
}

// rewrite copies every page stored in one of chunks, together with its
// ancestors, so the next commit moves them into a new chunk.
func (m *Map[K, V]) rewrite(chunks map[uint32]bool) (int, error) {
	w := m.store.newMutation()
	root, n, err := m.rewritePage(m.root.Load(), w, chunks)
	if err != nil || n == 0 {
		return 0, err
	}
	m.publish(root, w)
	return n, nil
}

func (m *Map[K, V]) rewritePage(p *page[K, V], w *mutation, chunks map[uint32]bool) (*page[K, V], int, error) {
	out, n := p, 0
	for i := range p.children {
		pos := p.childPos(i)
		if pos != 0 && !format.IsNode(pos) && !chunks[format.ChunkID(pos)] {
			continue
		}
		c, err := p.childPage(i)
		if err != nil {
			return nil, 0, err
		}
		c, k, err := m.rewritePage(c, w, chunks)
		if err != nil {
			return nil, 0, err
		}
		if k == 0 {
			continue
		}
		if out == p {
			out = p.copyOnWrite(w)
		}
		out.setChild(i, c)
		n += k
	}
	if pos := p.pos.Load(); pos != 0 && chunks[format.ChunkID(pos)] {
		if out == p {
			out = p.copyOnWrite(w)
		}
		n++
	}
	return out, n, nil
}

func (m *Map[K, V]) garbage(w *mutation) error {
	return m.markGarbage(m.root.Load(), w)
}

func (m *Map[K, V]) close(removed bool) {
	if removed {
		m.removed.Store(true)
	}
	m.closed.Store(true)
}

func kindName(spatial bool) string {
	if spatial {
		return kindRTree
	}
	return kindBTree
}
