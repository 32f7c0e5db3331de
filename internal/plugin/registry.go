package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// Factory builds one plugin instance. Called once per load and again after
// every restart, so it must not retain state across instances.
type Factory func() (Plugin, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a factory available under the given entry name. Intended
// to be called from plugin init functions; it panics on empty or duplicate
// names, matching how database/sql treats driver registration.
func Register(entry string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if entry == "" {
		panic("plugin: Register with empty entry name")
	}
	if factory == nil {
		panic("plugin: Register with nil factory for " + entry)
	}
	if _, dup := registry[entry]; dup {
		panic("plugin: Register called twice for " + entry)
	}
	registry[entry] = factory
}

// New instantiates the plugin registered under entry.
func New(entry string) (Plugin, error) {
	registryMu.RLock()
	factory, ok := registry[entry]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntry, entry)
	}
	p, err := factory()
	if err != nil {
		return nil, fmt.Errorf("construct plugin %q: %w", entry, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: factory for %q returned nil", ErrNilFactory, entry)
	}
	return p, nil
}

// Entries lists registered entry names in sorted order.
func Entries() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
