package backup

import (
	"bytes"
	"context"
	"io"
	"slices"
	"sync"
)

// MemoryTarget keeps backups in memory. It is safe for concurrent use.
type MemoryTarget struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryTarget creates an empty MemoryTarget.
func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{blobs: make(map[string][]byte)}
}

// Put reads the whole image before storing it.
func (m *MemoryTarget) Put(_ context.Context, name string, r io.Reader) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[name] = buf.Bytes()
	return nil
}

// Get returns a copy of the image stored under name.
func (m *MemoryTarget) Get(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[name]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(data), nil
}

// Names returns the names of all stored images in ascending order.
func (m *MemoryTarget) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.blobs))
	for name := range m.blobs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
