package mvstore

import (
	"slices"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/hupe1980/mvstore/datatype"
	"github.com/hupe1980/mvstore/internal/compress"
	"github.com/hupe1980/mvstore/internal/format"
	"github.com/hupe1980/mvstore/internal/hash"
)

const (
	pageOverhead      = 16
	childOverhead     = 12
	minCompressLength = 128
)

// mutation identifies one write operation. Pages it creates may be changed
// in place until the operation publishes a new root; persisted pages it
// replaces are collected in removed and accounted as garbage once the write
// succeeds.
type mutation struct {
	version int64
	removed []int64
}

type child[K, V any] struct {
	page  *page[K, V]
	pos   int64
	count int64
}

// page is a node or leaf of a map's tree. Once persisted or reachable from a
// published root it is never modified.
type page[K, V any] struct {
	m        *Map[K, V]
	w        *mutation
	pos      atomic.Int64
	node     bool
	keys     []K
	values   []V
	children []child[K, V]
	total    int64
	memory   int
}

func newLeaf[K, V any](m *Map[K, V], w *mutation, keys []K, values []V) *page[K, V] {
	p := &page[K, V]{m: m, w: w, keys: keys, values: values}
	p.recalculate()
	return p
}

func newNode[K, V any](m *Map[K, V], w *mutation, keys []K, children []child[K, V]) *page[K, V] {
	p := &page[K, V]{m: m, w: w, node: true, keys: keys, children: children}
	p.recalculate()
	return p
}

func (p *page[K, V]) isLeaf() bool { return !p.node }

func (p *page[K, V]) keyCount() int { return len(p.keys) }

func (p *page[K, V]) childCount() int { return len(p.children) }

// search returns the index of key, or the insertion point when absent.
func (p *page[K, V]) search(key K) (int, bool) {
	return slices.BinarySearchFunc(p.keys, key, p.m.keyType.Compare)
}

// childIndex returns the child of a B-tree node that covers key.
func (p *page[K, V]) childIndex(key K) int {
	i, found := p.search(key)
	if found {
		i++
	}
	return i
}

func (p *page[K, V]) childPos(i int) int64 {
	c := p.children[i]
	if c.page != nil {
		return c.page.pos.Load()
	}
	return c.pos
}

func (p *page[K, V]) childPage(i int) (*page[K, V], error) {
	c := p.children[i]
	if c.page != nil {
		return c.page, nil
	}
	return p.m.readPage(c.pos)
}

func (p *page[K, V]) copyOnWrite(w *mutation) *page[K, V] {
	pos := p.pos.Load()
	if p.w == w && pos == 0 {
		return p
	}
	c := &page[K, V]{
		m:        p.m,
		w:        w,
		node:     p.node,
		keys:     slices.Clone(p.keys),
		values:   slices.Clone(p.values),
		children: slices.Clone(p.children),
		total:    p.total,
		memory:   p.memory,
	}
	if pos != 0 {
		w.removed = append(w.removed, pos)
	}
	return c
}

func (p *page[K, V]) keyMemory(k K) int { return p.m.keyType.Memory(k) }

func (p *page[K, V]) insertLeaf(i int, k K, v V) {
	p.keys = slices.Insert(p.keys, i, k)
	p.values = slices.Insert(p.values, i, v)
	p.total++
	p.memory += p.keyMemory(k) + p.m.valueType.Memory(v)
}

func (p *page[K, V]) insertNode(i int, k K, c *page[K, V]) {
	p.keys = slices.Insert(p.keys, i, k)
	p.children = slices.Insert(p.children, i, child[K, V]{page: c, pos: c.pos.Load(), count: c.total})
	p.total += c.total
	p.memory += p.keyMemory(k) + childOverhead
}

// remove deletes entry i of a leaf, or child i of a node together with one
// adjacent separator key.
func (p *page[K, V]) remove(i int) {
	if p.isLeaf() {
		p.memory -= p.keyMemory(p.keys[i]) + p.m.valueType.Memory(p.values[i])
		p.keys = slices.Delete(p.keys, i, i+1)
		p.values = slices.Delete(p.values, i, i+1)
		p.total--
		return
	}
	k := i
	if k == len(p.keys) {
		k--
	}
	if k >= 0 {
		p.memory -= p.keyMemory(p.keys[k])
		p.keys = slices.Delete(p.keys, k, k+1)
	}
	p.total -= p.children[i].count
	p.memory -= childOverhead
	p.children = slices.Delete(p.children, i, i+1)
}

func (p *page[K, V]) setKey(i int, k K) {
	p.memory += p.keyMemory(k) - p.keyMemory(p.keys[i])
	p.keys[i] = k
}

func (p *page[K, V]) setValue(i int, v V) V {
	old := p.values[i]
	p.memory += p.m.valueType.Memory(v) - p.m.valueType.Memory(old)
	p.values[i] = v
	return old
}

func (p *page[K, V]) setChild(i int, c *page[K, V]) {
	p.total += c.total - p.children[i].count
	p.children[i] = child[K, V]{page: c, pos: c.pos.Load(), count: c.total}
}

// split moves the upper part of a B-tree page starting at at into a new right
// sibling and returns the separator key for the parent.
func (p *page[K, V]) split(at int, w *mutation) (K, *page[K, V]) {
	sep := p.keys[at]
	var right *page[K, V]
	if p.isLeaf() {
		right = newLeaf(p.m, w, slices.Clone(p.keys[at:]), slices.Clone(p.values[at:]))
		p.keys = slices.Clip(p.keys[:at])
		p.values = slices.Clip(p.values[:at])
	} else {
		right = newNode(p.m, w, slices.Clone(p.keys[at+1:]), slices.Clone(p.children[at+1:]))
		p.keys = slices.Clip(p.keys[:at])
		p.children = slices.Clip(p.children[:at+1])
	}
	p.recalculate()
	return sep, right
}

func (p *page[K, V]) recalculate() {
	mem := pageOverhead
	for _, k := range p.keys {
		mem += p.keyMemory(k)
	}
	if p.isLeaf() {
		for _, v := range p.values {
			mem += p.m.valueType.Memory(v)
		}
		p.total = int64(len(p.keys))
	} else {
		mem += childOverhead * len(p.children)
		var total int64
		for _, c := range p.children {
			total += c.count
		}
		p.total = total
	}
	p.memory = mem
}

// writeUnsaved writes every page of the subtree that has no position yet,
// children first.
func (p *page[K, V]) writeUnsaved(cw *chunkWriter) error {
	if p.pos.Load() != 0 {
		return nil
	}
	for i := range p.children {
		if c := p.children[i].page; c != nil {
			if err := c.writeUnsaved(cw); err != nil {
				return err
			}
		}
	}
	return p.write(cw)
}

func (p *page[K, V]) write(cw *chunkWriter) error {
	b := &cw.buf
	start := b.Len()
	typ := byte(0)

	b.PutUint32(0)
	b.PutUint16(0)
	b.PutUvarint(uint64(p.m.id))
	typePos := b.Len()
	b.PutByte(0)
	b.PutUvarint(uint64(len(p.keys)))
	if p.node {
		typ |= format.PageTypeNode
		if p.m.spatial {
			typ |= format.PageTypeSpatial
		}
		for i := range p.children {
			pos := p.childPos(i)
			if pos == 0 {
				return errors.AssertionFailedf("map %d: child %d written before its parent", p.m.id, i)
			}
			b.PutUint64(uint64(pos))
		}
		for _, c := range p.children {
			b.PutUvarint(uint64(c.count))
		}
	}

	payload := &cw.payload
	payload.Reset()
	for _, k := range p.keys {
		p.m.keyType.Write(payload, k)
	}
	if p.isLeaf() {
		for _, v := range p.values {
			p.m.valueType.Write(payload, v)
		}
	}

	data := payload.Bytes()
	stored := false
	if cw.compression != compress.None && len(data) >= minCompressLength {
		c, ok, err := compress.Compress(cw.compression, data)
		if err != nil {
			return errors.Wrapf(err, "map %d: compress page", p.m.id)
		}
		if ok {
			typ |= format.PageTypeCompressed
			b.PutUvarint(uint64(len(data)))
			b.PutRaw(c)
			stored = true
		}
	}
	if !stored {
		b.PutRaw(data)
	}

	length := b.Len() - start
	b.SetUint32(start, uint32(length))
	b.SetUint16(start+4, hash.PageCheck(cw.id, uint32(start), uint32(length)))
	b.SetByte(typePos, typ)

	pos := format.PagePos(cw.id, uint32(start), length, p.node)
	p.pos.Store(pos)
	cw.pages++
	cw.written = append(cw.written, p)
	p.m.store.cachePage(pos, p, p.memory)
	return nil
}

// unsave forgets the position assigned by a commit that failed.
func (p *page[K, V]) unsave() { p.pos.Store(0) }

// decodePage parses a page record read from pos.
func decodePage[K, V any](m *Map[K, V], pos int64, data []byte, codec compress.Type) (*page[K, V], error) {
	h, err := format.ParsePageHeader(pos, data)
	if err != nil {
		return nil, err
	}
	if h.MapID != m.id {
		return nil, corruptf("page %x: belongs to map %d, expected %d", pos, h.MapID, m.id)
	}

	p := &page[K, V]{m: m, node: h.IsNode()}
	p.pos.Store(pos)
	if p.node {
		p.children = make([]child[K, V], len(h.Children))
		for i := range p.children {
			p.children[i] = child[K, V]{pos: h.Children[i], count: h.Counts[i]}
		}
	}

	payload := datatype.NewReadBuffer(h.Payload)
	if h.IsCompressed() {
		size := int(payload.Uvarint())
		if err := payload.Err(); err != nil {
			return nil, markCorrupt(err, "page %x", pos)
		}
		plain, err := compress.Decompress(codec, h.Payload[payload.Pos():], size)
		if err != nil {
			return nil, markCorrupt(err, "page %x: decompress", pos)
		}
		payload = datatype.NewReadBuffer(plain)
	}

	p.keys = make([]K, h.KeyCount)
	for i := range p.keys {
		p.keys[i] = m.keyType.Read(payload)
	}
	if !p.node {
		p.values = make([]V, h.KeyCount)
		for i := range p.values {
			p.values[i] = m.valueType.Read(payload)
		}
	}
	if err := payload.Err(); err != nil {
		return nil, markCorrupt(err, "page %x payload", pos)
	}
	p.recalculate()
	return p, nil
}
