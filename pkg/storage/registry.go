package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// Factory creates an unconstructed backend handle.
type Factory func() Backend

// ErrDuplicateBackend is returned when two backends register under one name.
var ErrDuplicateBackend = errors.New("storage backend already registered")

// Registry is the catalog of backends compiled into the binary. A backend
// becomes available to a deployment when its name also appears as an
// entry in the installation's plugin directory.
//
// All methods are safe for concurrent access.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry holds the external backends that register themselves
// from their package init functions.
var DefaultRegistry = NewRegistry()

// Register adds a backend factory to the DefaultRegistry.
func Register(name string, f Factory) error {
	return DefaultRegistry.Register(name, f)
}

// MustRegister is like Register but panics on error. Intended for init
// functions.
func MustRegister(name string, f Factory) {
	if err := DefaultRegistry.Register(name, f); err != nil {
		panic(err)
	}
}

// Register adds a backend factory under name.
func (r *Registry) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("registering storage backend: name and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBackend, name)
	}
	r.factories[name] = f
	return nil
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Factory returns the factory registered under name.
func (r *Registry) Factory(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	return f, ok
}

// Discover returns the registered backends enabled in pluginDir, sorted.
// A backend is enabled by a file or directory named after it. A missing
// plugin directory enables nothing.
func (r *Registry) Discover(pluginDir string) ([]string, error) {
	if pluginDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(pluginDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading plugin directory %s: %w", filepath.Clean(pluginDir), err)
	}

	var found []string
	for _, entry := range entries {
		if _, ok := r.Factory(entry.Name()); ok {
			found = append(found, entry.Name())
		}
	}
	slices.Sort(found)
	return found, nil
}
