package mvstore

import (
	"math"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore/datatype"
)

// RTreeMap is a spatial index mapping bounding boxes to values. It shares the
// page format, copy-on-write rules and persistence of Map; internal node keys
// are the bounding boxes of their subtrees.
//
// Entries are identified by their key: the id together with the box.
type RTreeMap[V any] struct {
	m         *Map[datatype.SpatialKey, V]
	keyType   *datatype.SpatialType
	quadratic atomic.Bool
}

// OpenRTreeMap opens or creates a spatial map whose keys have the given
// number of dimensions.
func OpenRTreeMap[V any](s *Store, name string, dimensions int, valueType datatype.DataType[V]) (*RTreeMap[V], error) {
	if dimensions < 1 || dimensions > datatype.MaxDimensions {
		return nil, errors.Newf("mvstore: unsupported number of dimensions %d", dimensions)
	}
	m, err := openMap[datatype.SpatialKey, V](s, name, datatype.NewSpatialType(dimensions), valueType, true)
	if err != nil {
		return nil, err
	}
	return newRTreeMap(m), nil
}

func newRTreeMap[V any](m *Map[datatype.SpatialKey, V]) *RTreeMap[V] {
	r := &RTreeMap[V]{m: m, keyType: m.keyType.(*datatype.SpatialType)}
	r.quadratic.Store(m.store.opts.splitAlgorithm == SplitQuadratic)
	return r
}

// Name returns the map name.
func (r *RTreeMap[V]) Name() string { return r.m.Name() }

// Dimensions returns the number of dimensions of the keys.
func (r *RTreeMap[V]) Dimensions() int { return r.keyType.Dimensions() }

// SetSplitAlgorithm overrides the store's default split algorithm for this
// map handle.
func (r *RTreeMap[V]) SetSplitAlgorithm(a SplitAlgorithm) {
	r.quadratic.Store(a == SplitQuadratic)
}

// SplitAlgorithm returns the split algorithm in use.
func (r *RTreeMap[V]) SplitAlgorithm() SplitAlgorithm {
	if r.quadratic.Load() {
		return SplitQuadratic
	}
	return SplitLinear
}

// Size returns the number of entries.
func (r *RTreeMap[V]) Size() int64 { return r.m.Size() }

// IsEmpty reports whether the map has no entries.
func (r *RTreeMap[V]) IsEmpty() bool { return r.m.IsEmpty() }

func (r *RTreeMap[V]) checkKey(key datatype.SpatialKey) error {
	if key.IsNull() || key.Dimensions() != r.keyType.Dimensions() {
		return errors.Wrapf(ErrInvalidKey, "%s for a %d-dimensional map", key, r.keyType.Dimensions())
	}
	return nil
}

// Get returns the value of the entry whose id and box equal key.
func (r *RTreeMap[V]) Get(key datatype.SpatialKey) (V, bool, error) {
	var zero V
	root, done, err := r.m.acquireRoot()
	if err != nil {
		return zero, false, err
	}
	defer done()
	return r.find(root, key)
}

func (r *RTreeMap[V]) find(p *page[datatype.SpatialKey, V], key datatype.SpatialKey) (V, bool, error) {
	var zero V
	if p.isLeaf() {
		for i, k := range p.keys {
			if r.keyType.Equals(k, key) {
				return p.values[i], true, nil
			}
		}
		return zero, false, nil
	}
	for i, k := range p.keys {
		if !r.keyType.Contains(k, key) {
			continue
		}
		c, err := p.childPage(i)
		if err != nil {
			return zero, false, err
		}
		if v, found, err := r.find(c, key); err != nil || found {
			return v, found, err
		}
	}
	return zero, false, nil
}

// ContainsKey reports whether an entry equal to key exists.
func (r *RTreeMap[V]) ContainsKey(key datatype.SpatialKey) (bool, error) {
	_, found, err := r.Get(key)
	return found, err
}

// Put stores value under key, replacing the value of an equal entry.
func (r *RTreeMap[V]) Put(key datatype.SpatialKey, value V) (V, bool, error) {
	var zero V
	if err := r.checkKey(key); err != nil {
		return zero, false, err
	}
	s := r.m.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := r.m.checkWrite(); err != nil {
		return zero, false, err
	}
	w := s.newMutation()
	p, old, found, err := r.set(r.m.root.Load(), w, key, value)
	if err != nil {
		return zero, false, err
	}
	if found {
		r.m.publish(p, w)
		return old, true, nil
	}
	return zero, false, r.addLocked(key, value)
}

// Add inserts an entry without checking whether an equal key exists. Adding
// a key twice stores two entries.
func (r *RTreeMap[V]) Add(key datatype.SpatialKey, value V) error {
	if err := r.checkKey(key); err != nil {
		return err
	}
	s := r.m.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := r.m.checkWrite(); err != nil {
		return err
	}
	return r.addLocked(key, value)
}

func (r *RTreeMap[V]) set(p *page[datatype.SpatialKey, V], w *mutation, key datatype.SpatialKey, value V) (*page[datatype.SpatialKey, V], V, bool, error) {
	var zero V
	if p.isLeaf() {
		for i, k := range p.keys {
			if r.keyType.Equals(k, key) {
				p = p.copyOnWrite(w)
				return p, p.setValue(i, value), true, nil
			}
		}
		return p, zero, false, nil
	}
	for i, k := range p.keys {
		if !r.keyType.Contains(k, key) {
			continue
		}
		c, err := p.childPage(i)
		if err != nil {
			return nil, zero, false, err
		}
		c, old, found, err := r.set(c, w, key, value)
		if err != nil {
			return nil, zero, false, err
		}
		if found {
			p = p.copyOnWrite(w)
			p.setChild(i, c)
			return p, old, true, nil
		}
	}
	return p, zero, false, nil
}

func (r *RTreeMap[V]) addLocked(key datatype.SpatialKey, value V) error {
	m := r.m
	w := m.store.newMutation()
	p := m.root.Load().copyOnWrite(w)
	if m.needsSplit(p) {
		split := r.split(p, w)
		p = newNode(m, w, []datatype.SpatialKey{r.bounds(p), r.bounds(split)}, []child[datatype.SpatialKey, V]{
			{page: p, count: p.total},
			{page: split, count: split.total},
		})
	}
	if err := r.add(p, w, key, value); err != nil {
		return err
	}
	m.publish(p, w)
	return nil
}

// add inserts into p, which must have been copied by w. Full children are
// split on the way down.
func (r *RTreeMap[V]) add(p *page[datatype.SpatialKey, V], w *mutation, key datatype.SpatialKey, value V) error {
	if p.isLeaf() {
		p.insertLeaf(p.keyCount(), key, value)
		return nil
	}

	index := -1
	for i, k := range p.keys {
		if r.keyType.Contains(k, key) {
			index = i
			break
		}
	}
	if index < 0 {
		index = 0
		best := float32(math.Inf(1))
		for i, k := range p.keys {
			if inc := r.keyType.AreaIncrease(k, key); inc < best {
				index, best = i, inc
			}
		}
	}

	c, err := p.childPage(index)
	if err != nil {
		return err
	}
	c = c.copyOnWrite(w)
	if r.m.needsSplit(c) {
		split := r.split(c, w)
		p.setKey(index, r.bounds(c))
		p.setChild(index, c)
		p.insertNode(index, r.bounds(split), split)
		return r.add(p, w, key, value)
	}
	if err := r.add(c, w, key, value); err != nil {
		return err
	}
	p.setKey(index, r.keyType.IncreaseBounds(p.keys[index], key))
	p.setChild(index, c)
	return nil
}

// Remove deletes the entry equal to key.
func (r *RTreeMap[V]) Remove(key datatype.SpatialKey) (V, bool, error) {
	var zero V
	m := r.m
	s := m.store
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := m.checkWrite(); err != nil {
		return zero, false, err
	}
	w := s.newMutation()
	p, old, removed, err := r.remove(m.root.Load(), w, key)
	if err != nil || !removed {
		return zero, false, err
	}
	if p == nil {
		p = newLeaf[datatype.SpatialKey, V](m, w, nil, nil)
	}
	for p.node && p.childCount() == 1 {
		if p, err = p.childPage(0); err != nil {
			return zero, false, err
		}
	}
	m.publish(p, w)
	return old, true, nil
}

// remove returns the replacement for p, or nil when p became empty.
func (r *RTreeMap[V]) remove(p *page[datatype.SpatialKey, V], w *mutation, key datatype.SpatialKey) (*page[datatype.SpatialKey, V], V, bool, error) {
	var zero V
	if p.isLeaf() {
		for i, k := range p.keys {
			if !r.keyType.Equals(k, key) {
				continue
			}
			p = p.copyOnWrite(w)
			old := p.values[i]
			p.remove(i)
			if p.keyCount() == 0 {
				return nil, old, true, nil
			}
			return p, old, true, nil
		}
		return p, zero, false, nil
	}
	for i, k := range p.keys {
		if !r.keyType.Contains(k, key) {
			continue
		}
		c, err := p.childPage(i)
		if err != nil {
			return nil, zero, false, err
		}
		c, old, removed, err := r.remove(c, w, key)
		if err != nil {
			return nil, zero, false, err
		}
		if !removed {
			continue
		}
		p = p.copyOnWrite(w)
		if c == nil {
			p.remove(i)
			if p.keyCount() == 0 {
				return nil, old, true, nil
			}
			return p, old, true, nil
		}
		if !r.keyType.IsInside(key, p.keys[i]) || touchesBounds(r.keyType, key, p.keys[i]) {
			p.setKey(i, r.bounds(c))
		}
		p.setChild(i, c)
		return p, old, true, nil
	}
	return p, zero, false, nil
}

// touchesBounds reports whether key reaches the border of bounds, in which
// case removing it may shrink the bounds.
func touchesBounds(t *datatype.SpatialType, key, bounds datatype.SpatialKey) bool {
	for i := range t.Dimensions() {
		if key.Min(i) == bounds.Min(i) || key.Max(i) == bounds.Max(i) {
			return true
		}
	}
	return false
}

// Clear removes all entries.
func (r *RTreeMap[V]) Clear() error { return r.m.Clear() }

func (r *RTreeMap[V]) bounds(p *page[datatype.SpatialKey, V]) datatype.SpatialKey {
	if p.keyCount() == 0 {
		return datatype.SpatialKey{}
	}
	b := r.keyType.CreateBoundingBox(p.keys[0])
	for _, k := range p.keys[1:] {
		b = r.keyType.IncreaseBounds(b, k)
	}
	return b
}

// split divides p, which must have been copied by w, into two groups. p keeps
// one group and the returned page holds the other.
func (r *RTreeMap[V]) split(p *page[datatype.SpatialKey, V], w *mutation) *page[datatype.SpatialKey, V] {
	var a, b []int
	if r.quadratic.Load() {
		a, b = r.splitQuadratic(p.keys)
	} else {
		a, b = r.splitLinear(p.keys)
	}

	keysA := make([]datatype.SpatialKey, 0, len(a))
	keysB := make([]datatype.SpatialKey, 0, len(b))
	for _, i := range a {
		keysA = append(keysA, p.keys[i])
	}
	for _, i := range b {
		keysB = append(keysB, p.keys[i])
	}

	var split *page[datatype.SpatialKey, V]
	if p.isLeaf() {
		valuesA := make([]V, 0, len(a))
		valuesB := make([]V, 0, len(b))
		for _, i := range a {
			valuesA = append(valuesA, p.values[i])
		}
		for _, i := range b {
			valuesB = append(valuesB, p.values[i])
		}
		split = newLeaf(r.m, w, keysA, valuesA)
		p.values = valuesB
	} else {
		childrenA := make([]child[datatype.SpatialKey, V], 0, len(a))
		childrenB := make([]child[datatype.SpatialKey, V], 0, len(b))
		for _, i := range a {
			childrenA = append(childrenA, p.children[i])
		}
		for _, i := range b {
			childrenB = append(childrenB, p.children[i])
		}
		split = newNode(r.m, w, keysA, childrenA)
		p.children = childrenB
	}
	p.keys = keysB
	p.recalculate()
	return split
}

// splitLinear seeds the groups with the extreme keys along the most separated
// axis. It falls back to splitQuadratic when there is no such axis.
func (r *RTreeMap[V]) splitLinear(keys []datatype.SpatialKey) (a, b []int) {
	first, last, ok := r.keyType.Extremes(keys)
	if !ok || first == last {
		return r.splitQuadratic(keys)
	}
	boundsA := r.keyType.CreateBoundingBox(keys[first])
	boundsB := r.keyType.CreateBoundingBox(keys[last])
	a, b = []int{first}, []int{last}
	for i, k := range keys {
		if i == first || i == last {
			continue
		}
		incA := r.keyType.AreaIncrease(boundsA, k)
		incB := r.keyType.AreaIncrease(boundsB, k)
		if incA < incB || (incA == incB && len(a) < len(b)) {
			boundsA = r.keyType.IncreaseBounds(boundsA, k)
			a = append(a, i)
		} else {
			boundsB = r.keyType.IncreaseBounds(boundsB, k)
			b = append(b, i)
		}
	}
	return a, b
}

// splitQuadratic seeds the groups with the pair of keys whose combined
// bounding box is largest, then repeatedly assigns the key with the strongest
// preference for one group.
func (r *RTreeMap[V]) splitQuadratic(keys []datatype.SpatialKey) (a, b []int) {
	seedA, seedB := 0, 1
	largest := float32(-1)
	for i := range keys {
		for j := range keys {
			if i == j {
				continue
			}
			if area := r.keyType.CombinedArea(keys[i], keys[j]); area > largest {
				largest, seedA, seedB = area, i, j
			}
		}
	}

	boundsA := r.keyType.CreateBoundingBox(keys[seedA])
	boundsB := r.keyType.CreateBoundingBox(keys[seedB])
	a, b = []int{seedA}, []int{seedB}

	remaining := make([]int, 0, len(keys)-2)
	for i := range keys {
		if i != seedA && i != seedB {
			remaining = append(remaining, i)
		}
	}
	for len(remaining) > 0 {
		best, diff := 0, float32(-1)
		var bestA, bestB float32
		for j, i := range remaining {
			incA := r.keyType.AreaIncrease(boundsA, keys[i])
			incB := r.keyType.AreaIncrease(boundsB, keys[i])
			if d := float32(math.Abs(float64(incA - incB))); d > diff {
				best, diff, bestA, bestB = j, d, incA, incB
			}
		}
		i := remaining[best]
		remaining = append(remaining[:best], remaining[best+1:]...)
		if bestA < bestB || (bestA == bestB && len(a) < len(b)) {
			boundsA = r.keyType.IncreaseBounds(boundsA, keys[i])
			a = append(a, i)
		} else {
			boundsB = r.keyType.IncreaseBounds(boundsB, keys[i])
			b = append(b, i)
		}
	}
	return a, b
}

// FindIntersectingKeys returns a cursor over the entries whose box intersects
// x.
func (r *RTreeMap[V]) FindIntersectingKeys(x datatype.SpatialKey) (*Cursor[datatype.SpatialKey, V], error) {
	return r.m.cursor(nil, func(k datatype.SpatialKey, _ bool) bool {
		return r.keyType.Overlaps(k, x)
	})
}

// FindContainedKeys returns a cursor over the entries whose box lies inside x.
func (r *RTreeMap[V]) FindContainedKeys(x datatype.SpatialKey) (*Cursor[datatype.SpatialKey, V], error) {
	return r.m.cursor(nil, func(k datatype.SpatialKey, leaf bool) bool {
		if leaf {
			return r.keyType.IsInside(k, x)
		}
		return r.keyType.Overlaps(k, x)
	})
}

// Cursor returns a cursor over all entries in tree order.
func (r *RTreeMap[V]) Cursor() (*Cursor[datatype.SpatialKey, V], error) {
	return r.m.cursor(nil, nil)
}

// AddNodeKeys appends the bounding boxes of all internal nodes to list, in
// depth-first order. It is mainly useful to visualize splits.
func (r *RTreeMap[V]) AddNodeKeys(list []datatype.SpatialKey) ([]datatype.SpatialKey, error) {
	root, done, err := r.m.acquireRoot()
	if err != nil {
		return list, err
	}
	defer done()
	return r.addNodeKeys(list, root)
}

func (r *RTreeMap[V]) addNodeKeys(list []datatype.SpatialKey, p *page[datatype.SpatialKey, V]) ([]datatype.SpatialKey, error) {
	if p.isLeaf() {
		return list, nil
	}
	for i, k := range p.keys {
		list = append(list, k)
		c, err := p.childPage(i)
		if err != nil {
			return list, err
		}
		if list, err = r.addNodeKeys(list, c); err != nil {
			return list, err
		}
	}
	return list, nil
}

// Snapshot returns a read-only view of the current contents. It must be
// released.
func (r *RTreeMap[V]) Snapshot() (*RTreeMap[V], error) {
	m, err := r.m.Snapshot()
	if err != nil {
		return nil, err
	}
	return newRTreeMap(m), nil
}

// OpenVersion returns a read-only view as of a committed version.
func (r *RTreeMap[V]) OpenVersion(version int64) (*RTreeMap[V], error) {
	m, err := r.m.OpenVersion(version)
	if err != nil {
		return nil, err
	}
	return newRTreeMap(m), nil
}

// Release ends a snapshot.
func (r *RTreeMap[V]) Release() { r.m.Release() }
