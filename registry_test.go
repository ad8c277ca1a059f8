package objstore

import (
	"errors"
	"net/url"
	"testing"
)

// stubFactory returns a fixed store and root path.
type stubFactory struct {
	store ObjectStore
	root  Path
}

func (f stubFactory) ParseURLOpts(_ *url.URL, _ StorageOptions) (ObjectStore, Path, error) {
	return f.store, f.root, nil
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q) failed: %v", raw, err)
	}
	return u
}

func TestFactoryRegistryRegisterLookup(t *testing.T) {
	reg := NewFactoryRegistry()
	f := stubFactory{store: newStubStore()}

	reg.Register("stub", f)

	if _, ok := reg.Lookup("stub"); !ok {
		t.Error("Lookup(stub) failed after Register")
	}
	// Both spellings resolve to the same entry.
	if _, ok := reg.Lookup("stub://"); !ok {
		t.Error("Lookup(stub://) failed after Register(stub)")
	}
	if _, ok := reg.Lookup("nope"); ok {
		t.Error("Lookup(nope) succeeded for unregistered scheme")
	}
}

func TestFactoryRegistryRegisterOverwrites(t *testing.T) {
	reg := NewFactoryRegistry()
	first := stubFactory{store: newStubStore()}
	second := stubFactory{store: newStubStore()}

	reg.Register("stub", first)
	reg.Register("stub://", second)

	got, ok := reg.Lookup("stub")
	if !ok {
		t.Fatal("Lookup failed")
	}
	if got.(stubFactory).store != second.store {
		t.Error("Lookup returned the first factory after re-registration")
	}
}

func TestFactoryRegistryRegisterNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Register(nil) did not panic")
		}
	}()
	NewFactoryRegistry().Register("stub", nil)
}

func TestFactoryRegistrySchemes(t *testing.T) {
	reg := NewFactoryRegistry()
	reg.Register("s3", stubFactory{})
	reg.Register("file", stubFactory{})
	reg.Register("memory", stubFactory{})

	got := reg.Schemes()
	want := []string{"file://", "memory://", "s3://"}
	if len(got) != len(want) {
		t.Fatalf("Schemes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Schemes[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFactoryRegistryStoreFor(t *testing.T) {
	reg := NewFactoryRegistry()
	inner := newStubStore()
	reg.Register("stub", stubFactory{store: inner, root: NewPath("root")})

	store, err := reg.StoreFor(mustParse(t, "stub://bucket/table"), StorageOptions{})
	if err != nil {
		t.Fatalf("StoreFor failed: %v", err)
	}
	if store != ObjectStore(inner) {
		t.Error("StoreFor returned a different store than the factory built")
	}
}

func TestFactoryRegistryStoreForUnknownScheme(t *testing.T) {
	reg := NewFactoryRegistry()

	_, err := reg.StoreFor(mustParse(t, "bogus://bucket/table"), StorageOptions{})
	if !errors.Is(err, ErrInvalidLocation) {
		t.Errorf("StoreFor error = %v, want ErrInvalidLocation", err)
	}
}

func TestRegisterFactoryProcessWide(t *testing.T) {
	inner := newStubStore()
	RegisterFactory("objstore-test-scheme", stubFactory{store: inner})

	store, err := StoreFor(mustParse(t, "objstore-test-scheme://x"), StorageOptions{})
	if err != nil {
		t.Fatalf("StoreFor failed: %v", err)
	}
	if store != ObjectStore(inner) {
		t.Error("process-wide StoreFor returned a different store")
	}
}
