package objstore

import (
	"fmt"
	"net/url"
	"sync"
)

// ObjectStoreRegistry is a cache of explicitly registered, live store
// instances keyed by their exact table URL. It never constructs stores
// on demand; that is the FactoryRegistry's job. The two resolution
// paths are deliberately orthogonal: one is explicit-cache lookup, the
// other dynamic construction.
type ObjectStoreRegistry interface {
	// RegisterStore inserts or replaces the entry for url, returning
	// the store it displaced, if any.
	RegisterStore(u *url.URL, store ObjectStore) ObjectStore

	// GetStore returns the store registered for url, failing with an
	// ErrNotRegistered-wrapped error when absent.
	GetStore(u *url.URL) (ObjectStore, error)

	// AllStores returns a point-in-time snapshot of all entries, keyed
	// by URL string, for enumeration by diagnostics.
	AllStores() map[string]ObjectStore
}

// DefaultObjectStoreRegistry is the default ObjectStoreRegistry.
//
// Keys are full URL strings including path and query, so two URLs
// differing only by path are distinct entries even when they share a
// scheme. Entries are independent: concurrent registration and lookup
// of unrelated URLs never contend, and a concurrent GetStore observes
// either the old or the new value for a key, never a torn state.
type DefaultObjectStoreRegistry struct {
	stores sync.Map // url string -> ObjectStore
}

// NewObjectStoreRegistry returns an empty registry.
func NewObjectStoreRegistry() *DefaultObjectStoreRegistry {
	return &DefaultObjectStoreRegistry{}
}

// RegisterStore inserts or replaces the entry for u, returning the
// displaced store or nil.
func (r *DefaultObjectStoreRegistry) RegisterStore(u *url.URL, store ObjectStore) ObjectStore {
	prev, loaded := r.stores.Swap(u.String(), store)
	if !loaded {
		return nil
	}
	return prev.(ObjectStore)
}

// GetStore returns the store registered for u.
func (r *DefaultObjectStoreRegistry) GetStore(u *url.URL) (ObjectStore, error) {
	v, ok := r.stores.Load(u.String())
	if !ok {
		return nil, fmt.Errorf("%w: no suitable object store found for %s, did you forget to register it?", ErrNotRegistered, u.String())
	}
	return v.(ObjectStore), nil
}

// AllStores returns a snapshot of all registered stores.
func (r *DefaultObjectStoreRegistry) AllStores() map[string]ObjectStore {
	out := make(map[string]ObjectStore)
	r.stores.Range(func(key, value any) bool {
		out[key.(string)] = value.(ObjectStore)
		return true
	})
	return out
}

// defaultStores is the process-wide store registry for ergonomic
// top-level entry points. Library code should prefer an injected
// ObjectStoreRegistry.
var defaultStores = sync.OnceValue(NewObjectStoreRegistry)

// Stores returns the process-wide store registry.
func Stores() *DefaultObjectStoreRegistry {
	return defaultStores()
}

var _ ObjectStoreRegistry = (*DefaultObjectStoreRegistry)(nil)
