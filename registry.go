package objstore

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// ObjectStoreFactory constructs a storage backend for a table location.
// Factories are stateless across calls: every ParseURLOpts invocation
// builds a fresh, fully decorated store.
type ObjectStoreFactory interface {
	// ParseURLOpts builds a store for the given URL, returning the
	// decorated store and the root path within it. It fails with an
	// ErrInvalidLocation-wrapped error when the URL cannot be mapped to
	// the backend's namespace.
	ParseURLOpts(u *url.URL, options StorageOptions) (ObjectStore, Path, error)
}

// FactoryRegistry maps URL schemes to object store factories.
//
// Keys are normalized to the "<scheme>://" form. The registry is safe
// for concurrent registration and lookup; entries are independent, so
// unrelated lookups never contend.
//
// This is a pure construction path: resolving a URL always re-invokes
// the factory. Caching of live store instances is the job of
// ObjectStoreRegistry.
type FactoryRegistry struct {
	factories sync.Map // "<scheme>://" -> ObjectStoreFactory
}

// NewFactoryRegistry returns an empty registry. Most callers want the
// process-wide Factories() instance, which backend packages populate
// from init().
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{}
}

// schemeKey normalizes a scheme or scheme URL to the "<scheme>://" form.
func schemeKey(scheme string) string {
	scheme = strings.TrimSuffix(scheme, "://")
	return scheme + "://"
}

// Register associates factory with scheme, replacing any previous
// registration. The scheme may be given bare ("s3") or in URL form
// ("s3://").
//
// Register panics if factory is nil.
func (r *FactoryRegistry) Register(scheme string, factory ObjectStoreFactory) {
	if factory == nil {
		panic("objstore: Register factory is nil")
	}
	r.factories.Store(schemeKey(scheme), factory)
}

// Lookup returns the factory registered for scheme, if any.
func (r *FactoryRegistry) Lookup(scheme string) (ObjectStoreFactory, bool) {
	v, ok := r.factories.Load(schemeKey(scheme))
	if !ok {
		return nil, false
	}
	return v.(ObjectStoreFactory), true
}

// Schemes returns the registered scheme keys in sorted order.
func (r *FactoryRegistry) Schemes() []string {
	var schemes []string
	r.factories.Range(func(key, _ any) bool {
		schemes = append(schemes, key.(string))
		return true
	})
	sort.Strings(schemes)
	return schemes
}

// StoreFor resolves a store for the given table URL: it derives the
// URL's scheme, looks up the registered factory and delegates to it.
// The root path reported by the factory is dropped; use ParseURLOpts on
// the factory directly when it is needed.
func (r *FactoryRegistry) StoreFor(u *url.URL, options StorageOptions) (ObjectStore, error) {
	factory, ok := r.Lookup(u.Scheme)
	if !ok {
		return nil, fmt.Errorf("%w: no factory registered for %q", ErrInvalidLocation, u.String())
	}
	store, _, err := factory.ParseURLOpts(u, options)
	return store, err
}

// defaultFactories is the process-wide registry. Backend packages
// register their schemes here from init().
var defaultFactories = sync.OnceValue(NewFactoryRegistry)

// Factories returns the process-wide factory registry.
func Factories() *FactoryRegistry {
	return defaultFactories()
}

// RegisterFactory registers factory in the process-wide registry.
func RegisterFactory(scheme string, factory ObjectStoreFactory) {
	Factories().Register(scheme, factory)
}

// StoreFor resolves a store for the given URL using the process-wide
// factory registry.
func StoreFor(u *url.URL, options StorageOptions) (ObjectStore, error) {
	return Factories().StoreFor(u, options)
}
