package mvstore

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore/datatype"
	"github.com/hupe1980/mvstore/internal/format"
)

// The meta map (id 0) holds the store's catalog:
//
//	name.<name>       -> map id (hex)
//	map.<id>          -> map properties
//	root.<id>         -> position of the committed root page (hex)
//	chunk.<id>        -> chunk properties
//	setting.maxMapId  -> largest map id handed out (hex)
const (
	metaID           = 0
	metaName         = "meta"
	prefixName       = "name."
	prefixMap        = "map."
	prefixRoot       = "root."
	prefixChunk      = "chunk."
	settingMaxMapID  = "setting.maxMapId"
	kindBTree        = "btree"
	kindRTree        = "rtree"
	maxMapID         = 1<<32 - 1
)

func nameKey(name string) string { return prefixName + name }
func mapKey(id uint32) string    { return prefixMap + format.Hex(int64(id)) }
func rootKey(id uint32) string   { return prefixRoot + format.Hex(int64(id)) }
func chunkKey(id uint32) string  { return prefixChunk + format.Hex(int64(id)) }

// mapInfo is the persisted description of a map.
type mapInfo struct {
	name      string
	keyType   string
	valueType string
	kind      string
	created   int64
}

func (i mapInfo) spatial() bool { return i.kind == kindRTree }

func (i mapInfo) props() map[string]string {
	return map[string]string{
		"name":    i.name,
		"key":     i.keyType,
		"value":   i.valueType,
		"kind":    i.kind,
		"created": format.Hex(i.created),
	}
}

func parseMapInfo(s string) (mapInfo, error) {
	props, err := format.ParseProps(s)
	if err != nil {
		return mapInfo{}, err
	}
	info := mapInfo{
		name:      props["name"],
		keyType:   props["key"],
		valueType: props["value"],
		kind:      props["kind"],
	}
	if info.kind == "" {
		info.kind = kindBTree
	}
	if v, ok := props["created"]; ok {
		if info.created, err = format.ParseHex(v); err != nil {
			return mapInfo{}, err
		}
	}
	if info.keyType == "" || info.valueType == "" {
		return mapInfo{}, corruptf("map descriptor %q: missing types", s)
	}
	return info, nil
}

func newMetaMap(s *Store) *Map[string, string] {
	return newMap[string, string](s, metaID, metaName, datatype.String, datatype.String, false, 0)
}

func parseID(s string) (uint32, error) {
	v, err := format.ParseHex(s)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > maxMapID {
		return 0, corruptf("id %q out of range", s)
	}
	return uint32(v), nil
}

func (s *Store) mapID(name string) (uint32, bool, error) {
	v, found, err := s.meta.Get(nameKey(name))
	if err != nil || !found {
		return 0, false, err
	}
	id, err := parseID(v)
	return id, err == nil, err
}

func (s *Store) mapInfo(id uint32) (mapInfo, error) {
	return mapInfoIn(s.meta, id)
}

func mapInfoIn(meta *Map[string, string], id uint32) (mapInfo, error) {
	v, found, err := meta.Get(mapKey(id))
	if err != nil {
		return mapInfo{}, err
	}
	if !found {
		return mapInfo{}, errors.Wrapf(ErrMapNotFound, "map id %d", id)
	}
	return parseMapInfo(v)
}

// putMapInfo must be called with the write lock held.
func (s *Store) putMapInfo(id uint32, info mapInfo) error {
	if _, _, err := s.meta.putLocked(mapKey(id), format.FormatProps(info.props())); err != nil {
		return err
	}
	_, _, err := s.meta.putLocked(nameKey(info.name), format.Hex(int64(id)))
	return err
}

// allocateMapID must be called with the write lock held.
func (s *Store) allocateMapID() (uint32, error) {
	var last int64
	v, found, err := s.meta.Get(settingMaxMapID)
	if err != nil {
		return 0, err
	}
	if found {
		if last, err = format.ParseHex(v); err != nil {
			return 0, err
		}
	}
	if last >= maxMapID {
		return 0, errors.Newf("mvstore: map ids exhausted")
	}
	id := uint32(last + 1)
	if _, _, err := s.meta.putLocked(settingMaxMapID, format.Hex(int64(id))); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) rootPos(id uint32) (int64, bool, error) {
	return rootPosIn(s.meta, id)
}

func rootPosIn(meta *Map[string, string], id uint32) (int64, bool, error) {
	v, found, err := meta.Get(rootKey(id))
	if err != nil || !found {
		return 0, false, err
	}
	pos, err := format.ParseHex(v)
	return pos, err == nil, err
}

// metaEntries iterates over the meta entries whose key starts with prefix.
func metaEntries(meta *Map[string, string], prefix string, fn func(key, value string) error) error {
	c, err := meta.CursorFrom(prefix)
	if err != nil {
		return err
	}
	defer c.Close()
	for c.Next() {
		if !strings.HasPrefix(c.Key(), prefix) {
			break
		}
		if err := fn(c.Key(), c.Value()); err != nil {
			return err
		}
	}
	return c.Err()
}

// MapNames returns the names of all maps in the store, sorted.
func (s *Store) MapNames() ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var names []string
	err := metaEntries(s.meta, prefixName, func(key, _ string) error {
		names = append(names, strings.TrimPrefix(key, prefixName))
		return nil
	})
	return names, err
}

// HasMap reports whether a map with the given name exists.
func (s *Store) HasMap(name string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	_, found, err := s.mapID(name)
	return found, err
}

// MapInfo describes a map as recorded in the store's catalog.
type MapInfo struct {
	ID            uint32
	Name          string
	KeyType       string
	ValueType     string
	Kind          string
	CreateVersion int64
	RootPos       int64
}

// Maps returns the catalog entries of all maps, sorted by name.
func (s *Store) Maps() ([]MapInfo, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var infos []MapInfo
	err := metaEntries(s.meta, prefixName, func(key, value string) error {
		id, err := parseID(value)
		if err != nil {
			return err
		}
		info, err := s.mapInfo(id)
		if err != nil {
			return err
		}
		pos, _, err := s.rootPos(id)
		if err != nil {
			return err
		}
		infos = append(infos, MapInfo{
			ID:            id,
			Name:          strings.TrimPrefix(key, prefixName),
			KeyType:       info.keyType,
			ValueType:     info.valueType,
			Kind:          info.kind,
			CreateVersion: info.created,
			RootPos:       pos,
		})
		return nil
	})
	return infos, err
}

// RemoveMap deletes a map and all of its data. Open handles of the map fail
// with ErrMapRemoved afterwards.
func (s *Store) RemoveMap(name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}
	id, found, err := s.mapID(name)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrMapNotFound, "%q", name)
	}

	w := s.newMutation()
	if open, ok := s.maps[id]; ok {
		if err := open.garbage(w); err != nil {
			return err
		}
	} else {
		pos, _, err := s.rootPos(id)
		if err != nil {
			return err
		}
		if pos != 0 {
			if err := s.collectPersisted(pos, w); err != nil {
				return err
			}
		}
	}

	for _, key := range []string{nameKey(name), mapKey(id), rootKey(id)} {
		if _, _, err := s.meta.removeLocked(key); err != nil {
			return err
		}
	}
	s.addGarbage(w.removed)
	if open, ok := s.maps[id]; ok {
		open.close(true)
		delete(s.maps, id)
	}
	s.logger.WithMap(name, id).Info("map removed")
	return nil
}

// RenameMap changes the name of a map. Open handles keep working.
func (s *Store) RenameMap(oldName, newName string) error {
	if newName == "" {
		return errors.New("mvstore: empty map name")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkWritable(); err != nil {
		return err
	}
	id, found, err := s.mapID(oldName)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrMapNotFound, "%q", oldName)
	}
	if oldName == newName {
		return nil
	}
	if _, exists, err := s.mapID(newName); err != nil {
		return err
	} else if exists {
		return errors.Wrapf(ErrMapExists, "%q", newName)
	}

	info, err := s.mapInfo(id)
	if err != nil {
		return err
	}
	if _, _, err := s.meta.removeLocked(nameKey(oldName)); err != nil {
		return err
	}
	info.name = newName
	if err := s.putMapInfo(id, info); err != nil {
		return err
	}
	if open, ok := s.maps[id]; ok {
		open.setName(newName)
	}
	return nil
}

// OpenMapUntyped opens a map with the types recorded in the catalog, resolved
// through the store's type registry. Keys and values are exposed as any.
// R-tree maps opened this way are read-only.
//
// A map opened untyped cannot be opened with Go types in the same session,
// and the other way around.
func (s *Store) OpenMapUntyped(name string) (*Map[any, any], error) {
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
		return nil, errors.Wrapf(ErrMapNotFound, "%q", name)
	}
	if open, ok := s.maps[id]; ok {
		m, ok := open.(*Map[any, any])
		if !ok {
			return nil, errors.Wrapf(ErrTypeMismatch, "map %q is already open with Go types", name)
		}
		return m, nil
	}
	m, err := s.openUntyped(id)
	if err != nil {
		return nil, err
	}
	// Without the spatial key type an R-tree can be read but not changed.
	m.readOnly = m.spatial
	s.maps[id] = m
	return m, nil
}

// openUntyped loads a map without registering it. Must be called with the
// write lock held.
func (s *Store) openUntyped(id uint32) (*Map[any, any], error) {
	info, err := s.mapInfo(id)
	if err != nil {
		return nil, err
	}
	keyType, err := s.registry.Lookup(info.keyType)
	if err != nil {
		return nil, errors.Wrapf(err, "map %q key type", info.name)
	}
	valueType, err := s.registry.Lookup(info.valueType)
	if err != nil {
		return nil, errors.Wrapf(err, "map %q value type", info.name)
	}
	m := newMap(s, id, info.name, keyType, valueType, info.spatial(), info.created)
	if err := m.restore(); err != nil {
		return nil, err
	}
	return m, nil
}

// openMetaVersion returns a read-only view of the meta map as of a committed
// version, together with a registration of that version. The caller must
// release it.
func (s *Store) openMetaVersion(version int64) (*Map[string, string], *versionUsage, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.checkOpen(); err != nil {
		return nil, nil, err
	}
	c, err := s.retainedChunk(version)
	if err != nil {
		return nil, nil, err
	}
	u := s.versions.acquire(version)
	meta := newMetaMap(s)
	meta.readOnly = true
	meta.lease = u
	meta.version = version
	root, err := meta.loadRoot(c.metaRoot)
	if err != nil {
		s.versions.release(u)
		return nil, nil, err
	}
	meta.root.Store(root)
	meta.savedRoot = root
	return meta, u, nil
}

// retainedChunk returns the chunk of a committed version whose data is still
// complete. Must be called with the write lock held.
func (s *Store) retainedChunk(version int64) (*chunk, error) {
	committed := s.committedVersion()
	if version < 1 || version > committed || version < s.rollbackFloor {
		return nil, errors.Wrapf(ErrUnknownVersion, "%d (retained %d..%d)", version, max(s.rollbackFloor, 1), committed)
	}
	c := s.chunkByVersion(version)
	if c == nil {
		return nil, errors.Wrapf(ErrUnknownVersion, "%d: chunk not retained", version)
	}
	return c, nil
}
