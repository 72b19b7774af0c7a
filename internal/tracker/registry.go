package tracker

import (
	"fmt"
	"sort"
	"sync"
)

// SourceFactory builds a source tracker from its configuration.
type SourceFactory func(cfg *Config) (SourceTracker, error)

// SinkFactory builds a sink tracker from its configuration.
type SinkFactory func(cfg *Config) (SinkTracker, error)

// Registry manages registered tracker adapters.
// Adapters register themselves at init time, and the registry
// provides access to them by name.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]SourceFactory
	sinks   map[string]SinkFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]SourceFactory),
		sinks:   make(map[string]SinkFactory),
	}
}

var globalRegistry = NewRegistry()

// RegisterSource adds a source factory to the global registry.
// This is typically called from adapter init() functions.
func RegisterSource(name string, factory SourceFactory) {
	globalRegistry.RegisterSource(name, factory)
}

// RegisterSink adds a sink factory to the global registry.
func RegisterSink(name string, factory SinkFactory) {
	globalRegistry.RegisterSink(name, factory)
}

// NewSource creates the named source tracker from the global registry.
func NewSource(name string, cfg *Config) (SourceTracker, error) {
	return globalRegistry.NewSource(name, cfg)
}

// NewSink creates the named sink tracker from the global registry.
func NewSink(name string, cfg *Config) (SinkTracker, error) {
	return globalRegistry.NewSink(name, cfg)
}

// List returns the names of all registered trackers, sources first.
func List() []string {
	return globalRegistry.List()
}

// RegisterSource adds a source factory to this registry.
func (r *Registry) RegisterSource(name string, factory SourceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterSink adds a sink factory to this registry.
func (r *Registry) RegisterSink(name string, factory SinkFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = factory
}

// NewSource creates a new instance of the named source tracker.
func (r *Registry) NewSource(name string, cfg *Config) (SourceTracker, error) {
	r.mu.RLock()
	factory := r.sources[name]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unknown source tracker %q (available: %v)", name, sortedKeys(r, true))
	}
	return factory(cfg)
}

// NewSink creates a new instance of the named sink tracker.
func (r *Registry) NewSink(name string, cfg *Config) (SinkTracker, error) {
	r.mu.RLock()
	factory := r.sinks[name]
	r.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unknown sink tracker %q (available: %v)", name, sortedKeys(r, false))
	}
	return factory(cfg)
}

// List returns the names of all registered trackers, sorted alphabetically
// within each kind.
func (r *Registry) List() []string {
	return append(sortedKeys(r, true), sortedKeys(r, false)...)
}

func sortedKeys(r *Registry, sources bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	if sources {
		for name := range r.sources {
			names = append(names, name)
		}
	} else {
		for name := range r.sinks {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
