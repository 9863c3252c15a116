package mvstore

import "iter"

type cursorFrame[K, V any] struct {
	p *page[K, V]
	i int
}

// Cursor iterates over the entries of a map in ascending key order. It reads
// the root that was current when it was created and is not affected by later
// writes. A Cursor is not safe for concurrent use.
//
//	c, err := m.CursorFrom(10)
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	for c.Next() {
//		fmt.Println(c.Key(), c.Value())
//	}
//	return c.Err()
type Cursor[K, V any] struct {
	stack []cursorFrame[K, V]
	key   K
	value V
	err   error
	done  func()
	// match filters keys; leaf is false for the bounding keys of R-tree
	// nodes, which decide whether a subtree is visited.
	match func(key K, leaf bool) bool
}

// Cursor returns a cursor positioned before the first entry.
func (m *Map[K, V]) Cursor() (*Cursor[K, V], error) {
	return m.cursor(nil, nil)
}

// CursorFrom returns a cursor positioned before the first key that is equal
// to or larger than from.
func (m *Map[K, V]) CursorFrom(from K) (*Cursor[K, V], error) {
	return m.cursor(&from, nil)
}

func (m *Map[K, V]) cursor(from *K, match func(K, bool) bool) (*Cursor[K, V], error) {
	root, done, err := m.acquireRoot()
	if err != nil {
		return nil, err
	}
	c := &Cursor[K, V]{done: done, match: match}
	c.descend(root, from)
	return c, nil
}

func (c *Cursor[K, V]) descend(p *page[K, V], from *K) {
	for {
		if p.isLeaf() || from == nil {
			i := 0
			if from != nil {
				i, _ = p.search(*from)
			}
			c.stack = append(c.stack, cursorFrame[K, V]{p: p, i: i})
			return
		}
		i := p.childIndex(*from)
		c.stack = append(c.stack, cursorFrame[K, V]{p: p, i: i + 1})
		child, err := p.childPage(i)
		if err != nil {
			c.fail(err)
			return
		}
		p = child
	}
}

// Next advances to the next entry and reports whether there is one.
func (c *Cursor[K, V]) Next() bool {
	if c.err != nil {
		return false
	}
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]
		p := top.p
		if p.isLeaf() {
			for top.i < p.keyCount() {
				i := top.i
				top.i++
				if c.match == nil || c.match(p.keys[i], true) {
					c.key, c.value = p.keys[i], p.values[i]
					return true
				}
			}
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}
		if top.i >= p.childCount() {
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}
		i := top.i
		top.i++
		if c.match != nil && !c.match(p.keys[i], false) {
			continue
		}
		child, err := p.childPage(i)
		if err != nil {
			c.fail(err)
			return false
		}
		c.stack = append(c.stack, cursorFrame[K, V]{p: child})
	}
	c.Close()
	return false
}

// Key returns the key of the current entry.
func (c *Cursor[K, V]) Key() K { return c.key }

// Value returns the value of the current entry.
func (c *Cursor[K, V]) Value() V { return c.value }

// Err returns the error that stopped the iteration, if any.
func (c *Cursor[K, V]) Err() error { return c.err }

// Close releases the version held by the cursor. It is called automatically
// when Next returns false.
func (c *Cursor[K, V]) Close() {
	c.stack = nil
	if c.done != nil {
		c.done()
		c.done = nil
	}
}

func (c *Cursor[K, V]) fail(err error) {
	c.err = err
	c.Close()
}

// All iterates over all entries in ascending key order. Iteration stops early
// on a read error; use Cursor to observe it.
func (m *Map[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		c, err := m.Cursor()
		if err != nil {
			return
		}
		defer c.Close()
		for c.Next() {
			if !yield(c.Key(), c.Value()) {
				return
			}
		}
		m.store.logIterError(c.Err())
	}
}

// Keys iterates over the keys starting at the first key equal to or larger
// than from.
func (m *Map[K, V]) Keys(from K) iter.Seq[K] {
	return m.KeyIterator(&from)
}

// KeyIterator iterates over the keys in ascending order, starting at the first
// key equal to or larger than *from, or at the first key if from is nil.
func (m *Map[K, V]) KeyIterator(from *K) iter.Seq[K] {
	return func(yield func(K) bool) {
		c, err := m.cursor(from, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for c.Next() {
			if !yield(c.Key()) {
				return
			}
		}
		m.store.logIterError(c.Err())
	}
}
