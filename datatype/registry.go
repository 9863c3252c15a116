package datatype

import (
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrUnsupportedType is returned when a persisted type name cannot be resolved.
var ErrUnsupportedType = errors.New("unsupported data type")

// Factory builds data types from their persisted names. Factories form a
// chain: a factory that does not know a name asks its parent.
type Factory interface {
	// SetParent sets the factory consulted for names this factory does not know.
	SetParent(parent Factory)

	// Build returns the type for name, or false if neither this factory nor any
	// parent knows it.
	Build(name string) (DataType[any], bool)
}

// FuncFactory is a Factory backed by a function.
type FuncFactory struct {
	fn     func(name string) (DataType[any], bool)
	parent Factory
}

// NewFactory returns a factory that resolves names with fn.
func NewFactory(fn func(name string) (DataType[any], bool)) *FuncFactory {
	return &FuncFactory{fn: fn}
}

// SetParent implements Factory.
func (f *FuncFactory) SetParent(parent Factory) { f.parent = parent }

// Build implements Factory.
func (f *FuncFactory) Build(name string) (DataType[any], bool) {
	if f.fn != nil {
		if t, ok := f.fn(name); ok {
			return t, true
		}
	}
	if f.parent != nil {
		return f.parent.Build(name)
	}
	return nil, false
}

// BuiltinFactory resolves the built-in names and spatial types "r<dims>".
type BuiltinFactory struct{}

// SetParent implements Factory. The built-in factory is always the root.
func (BuiltinFactory) SetParent(Factory) {}

// Build implements Factory.
func (BuiltinFactory) Build(name string) (DataType[any], bool) {
	switch name {
	case "i":
		return Erase(Int32), true
	case "l":
		return Erase(Int64), true
	case "s":
		return Erase(String), true
	case "b":
		return Erase(Bytes), true
	case "d":
		return Erase(Float64), true
	}
	if dims, ok := strings.CutPrefix(name, "r"); ok {
		n, err := strconv.Atoi(dims)
		if err == nil && n > 0 && n <= MaxDimensions {
			return Erase[SpatialKey](NewSpatialType(n)), true
		}
	}
	return nil, false
}

// Registry resolves and caches types by name for one store.
type Registry struct {
	factory Factory

	mu    sync.RWMutex
	types map[string]DataType[any]
}

// NewRegistry returns a registry. A non-nil custom factory is consulted first
// and falls back to the built-in types.
func NewRegistry(custom Factory) *Registry {
	var f Factory = BuiltinFactory{}
	if custom != nil {
		custom.SetParent(f)
		f = custom
	}
	return &Registry{
		factory: f,
		types:   make(map[string]DataType[any]),
	}
}

// Lookup returns the type registered under name.
func (r *Registry) Lookup(name string) (DataType[any], error) {
	r.mu.RLock()
	t, ok := r.types[name]
	r.mu.RUnlock()
	if ok {
		return t, nil
	}
	t, ok = r.factory.Build(name)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedType, "type %q", name)
	}
	r.mu.Lock()
	r.types[name] = t
	r.mu.Unlock()
	return t, nil
}
