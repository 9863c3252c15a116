package mvstore

// FirstKey returns the smallest key.
func (m *Map[K, V]) FirstKey() (K, bool, error) {
	return m.navigate(nil, true, false)
}

// LastKey returns the largest key.
func (m *Map[K, V]) LastKey() (K, bool, error) {
	return m.navigate(nil, false, false)
}

// CeilingKey returns the smallest key equal to or larger than key.
func (m *Map[K, V]) CeilingKey(key K) (K, bool, error) {
	return m.navigate(&key, true, false)
}

// HigherKey returns the smallest key strictly larger than key.
func (m *Map[K, V]) HigherKey(key K) (K, bool, error) {
	return m.navigate(&key, true, true)
}

// FloorKey returns the largest key equal to or smaller than key.
func (m *Map[K, V]) FloorKey(key K) (K, bool, error) {
	return m.navigate(&key, false, false)
}

// LowerKey returns the largest key strictly smaller than key.
func (m *Map[K, V]) LowerKey(key K) (K, bool, error) {
	return m.navigate(&key, false, true)
}

func (m *Map[K, V]) navigate(key *K, min, excluding bool) (K, bool, error) {
	var zero K
	root, done, err := m.acquireRoot()
	if err != nil {
		return zero, false, err
	}
	defer done()
	return m.minMax(root, key, min, excluding)
}

// minMax finds the smallest (min) or largest key relative to key; a nil key
// selects the first or last key of the subtree.
func (m *Map[K, V]) minMax(p *page[K, V], key *K, min, excluding bool) (K, bool, error) {
	var zero K
	if p.isLeaf() {
		n := p.keyCount()
		var x int
		switch {
		case key == nil && min:
			x = 0
		case key == nil:
			x = n - 1
		default:
			i, found := p.search(*key)
			switch {
			case min && found && excluding:
				x = i + 1
			case min:
				x = i
			case found && !excluding:
				x = i
			default:
				x = i - 1
			}
		}
		if x < 0 || x >= n {
			return zero, false, nil
		}
		return p.keys[x], true, nil
	}

	x := 0
	switch {
	case key != nil:
		x = p.childIndex(*key)
	case !min:
		x = p.childCount() - 1
	}
	for x >= 0 && x < p.childCount() {
		c, err := p.childPage(x)
		if err != nil {
			return zero, false, err
		}
		k, found, err := m.minMax(c, key, min, excluding)
		if err != nil || found {
			return k, found, err
		}
		if min {
			x++
		} else {
			x--
		}
	}
	return zero, false, nil
}

// KeyAt returns the key at the given position in ascending order.
func (m *Map[K, V]) KeyAt(index int64) (K, bool, error) {
	var zero K
	root, done, err := m.acquireRoot()
	if err != nil {
		return zero, false, err
	}
	defer done()

	if index < 0 || index >= root.total {
		return zero, false, nil
	}
	p := root
	for p.node {
		next := -1
		for i, c := range p.children {
			if index < c.count {
				next = i
				break
			}
			index -= c.count
		}
		if next < 0 {
			return zero, false, corruptf("map %d: child counts do not add up", m.id)
		}
		if p, err = p.childPage(next); err != nil {
			return zero, false, err
		}
	}
	if index >= int64(p.keyCount()) {
		return zero, false, corruptf("map %d: leaf holds %d keys, expected more than %d", m.id, p.keyCount(), index)
	}
	return p.keys[index], true, nil
}

// IndexOf returns the position of key in ascending order. When the key is
// absent the result is -(insertionPoint)-1.
func (m *Map[K, V]) IndexOf(key K) (int64, error) {
	root, done, err := m.acquireRoot()
	if err != nil {
		return 0, err
	}
	defer done()

	var offset int64
	p := root
	for p.node {
		x := p.childIndex(key)
		for _, c := range p.children[:x] {
			offset += c.count
		}
		if p, err = p.childPage(x); err != nil {
			return 0, err
		}
	}
	i, found := p.search(key)
	if found {
		return offset + int64(i), nil
	}
	return -(offset + int64(i)) - 1, nil
}
