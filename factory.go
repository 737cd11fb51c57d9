package modhost

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Factories maps module names to their constructors. A module directory is
// only loadable when a factory with its manifest name is registered.
type Factories struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewFactories creates an empty factory registry.
func NewFactories() *Factories {
	return &Factories{factories: make(map[string]Factory)}
}

// Register adds a factory under name.
func (f *Factories) Register(name string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("%w: %s", ErrFactoryNil, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.factories[name]; exists {
		return fmt.Errorf("%w: %s", ErrFactoryExists, name)
	}
	f.factories[name] = factory
	return nil
}

// MustRegister is Register that panics on error, for use from init.
func (f *Factories) MustRegister(name string, factory Factory) {
	if err := f.Register(name, factory); err != nil {
		panic(err)
	}
}

// Lookup returns the factory registered under name.
func (f *Factories) Lookup(name string) (Factory, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	factory, ok := f.factories[name]
	return factory, ok
}

// Names returns the registered names, sorted.
func (f *Factories) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Sorted(maps.Keys(f.factories))
}

var defaultFactories = NewFactories()

// Register adds a factory to the process-wide registry used by cores built
// without WithFactories. It panics when name is already registered.
func Register(name string, factory Factory) {
	defaultFactories.MustRegister(name, factory)
}

// DefaultFactories returns the process-wide registry.
func DefaultFactories() *Factories {
	return defaultFactories
}
