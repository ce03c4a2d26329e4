package resource

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rhuss/authcore/pkg/tenancy"
)

// Key namespaces a resource type, e.g. "storage.layer" or "totp.config".
type Key string

// Factory constructs a resource on first access. It may perform I/O.
type Factory func() (any, error)

type entryKey struct {
	scope tenancy.Scope
	key   Key
}

// Distributor maps (scope, key) to a resource.
//
// All methods are safe for concurrent access. The registry lock is held
// only while checking or inserting; factories run outside of it, and
// concurrent callers of GetOrCreate for the same entry wait on that entry's
// in-flight construction only. A resource whose entry or scope is removed
// while its factory runs is handed to the waiting callers but not stored.
type Distributor struct {
	mu       sync.RWMutex
	entries  map[entryKey]any
	inflight singleflight.Group

	// epoch counts removals. entryGone and scopeGone hold the epoch of the
	// latest removal of an entry or a scope.
	epoch     uint64
	entryGone map[entryKey]uint64
	scopeGone map[tenancy.Scope]uint64
}

// New creates an empty Distributor.
func New() *Distributor {
	return &Distributor{
		entries:   make(map[entryKey]any),
		entryGone: make(map[entryKey]uint64),
		scopeGone: make(map[tenancy.Scope]uint64),
	}
}

// Get returns the resource registered under (scope, key).
func (d *Distributor) Get(scope tenancy.Scope, key Key) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.entries[entryKey{scope, key}]
	return v, ok
}

// Set registers value under (scope, key) unless a resource is already
// present, in which case the existing resource is returned and value is
// discarded.
func (d *Distributor) Set(scope tenancy.Scope, key Key, value any) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := entryKey{scope, key}
	if existing, ok := d.entries[k]; ok {
		return existing
	}
	d.entries[k] = value
	return value
}

// GetOrCreate returns the resource under (scope, key), constructing it
// with factory if absent. Concurrent first-time callers observe the same
// instance. A factory error is returned to every waiting caller and is not
// cached, so a later call retries construction.
func (d *Distributor) GetOrCreate(scope tenancy.Scope, key Key, factory Factory) (any, error) {
	if v, ok := d.Get(scope, key); ok {
		return v, nil
	}

	v, err, _ := d.inflight.Do(flightKey(scope, key), func() (any, error) {
		// A flight that finished between our Get and Do has already stored it.
		if v, ok := d.Get(scope, key); ok {
			return v, nil
		}
		d.mu.RLock()
		since := d.epoch
		d.mu.RUnlock()
		created, err := factory()
		if err != nil {
			return nil, err
		}
		return d.store(since, entryKey{scope, key}, created), nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating resource %s in %s: %w", key, scope, err)
	}
	return v, nil
}

// store registers value like Set unless (scope, key) was removed after epoch
// since. A removed entry is not recreated; value is returned unstored.
func (d *Distributor) store(since uint64, k entryKey, value any) any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entryGone[k] > since {
		return value
	}
	for scope, at := range d.scopeGone {
		if at > since && scope.Contains(k.scope) {
			return value
		}
	}
	if existing, ok := d.entries[k]; ok {
		return existing
	}
	d.entries[k] = value
	return value
}

// Remove drops the resource under (scope, key). It reports whether a
// resource was present.
func (d *Distributor) Remove(scope tenancy.Scope, key Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := entryKey{scope, key}
	_, ok := d.entries[k]
	delete(d.entries, k)
	d.epoch++
	d.entryGone[k] = d.epoch
	return ok
}

// RemoveScope drops every resource owned by scope or by a scope nested
// under it: removing an app also removes all of its tenants. It returns the
// number of resources removed.
func (d *Distributor) RemoveScope(scope tenancy.Scope) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.epoch++
	d.scopeGone[scope] = d.epoch
	removed := 0
	for k := range d.entries {
		if scope.Contains(k.scope) {
			delete(d.entries, k)
			removed++
		}
	}
	return removed
}

// WithKey returns a snapshot of every resource registered under key,
// indexed by scope.
func (d *Distributor) WithKey(key Key) map[tenancy.Scope]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[tenancy.Scope]any)
	for k, v := range d.entries {
		if k.key == key {
			out[k.scope] = v
		}
	}
	return out
}

// ReplaceKey atomically replaces every resource under key with values and
// returns the resources it displaced.
func (d *Distributor) ReplaceKey(key Key, values map[tenancy.Scope]any) map[tenancy.Scope]any {
	d.mu.Lock()
	defer d.mu.Unlock()
	previous := make(map[tenancy.Scope]any)
	for k, v := range d.entries {
		if k.key == key {
			previous[k.scope] = v
			delete(d.entries, k)
		}
	}
	for scope, v := range values {
		d.entries[entryKey{scope, key}] = v
	}
	return previous
}

// Clear drops every resource. Called on shutdown.
func (d *Distributor) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.entries)
	clear(d.entryGone)
	d.epoch++
	d.scopeGone = map[tenancy.Scope]uint64{tenancy.ProcessScope(): d.epoch}
}

// Len returns the number of registered resources.
func (d *Distributor) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func flightKey(scope tenancy.Scope, key Key) string {
	return scope.String() + "#" + string(key)
}
