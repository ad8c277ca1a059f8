package objstore

import (
	"errors"
	"testing"
)

func TestObjectStoreRegistryRegisterAndGet(t *testing.T) {
	reg := NewObjectStoreRegistry()
	u := mustParse(t, "memory://tables/events")
	store := newStubStore()

	if prev := reg.RegisterStore(u, store); prev != nil {
		t.Errorf("first RegisterStore displaced %v, want nil", prev)
	}

	got, err := reg.GetStore(u)
	if err != nil {
		t.Fatalf("GetStore failed: %v", err)
	}
	if got != ObjectStore(store) {
		t.Error("GetStore returned a different store")
	}
}

func TestObjectStoreRegistryReplaceReturnsPrevious(t *testing.T) {
	reg := NewObjectStoreRegistry()
	u := mustParse(t, "s3://bucket/table")
	first := newStubStore()
	second := newStubStore()

	reg.RegisterStore(u, first)
	prev := reg.RegisterStore(u, second)
	if prev != ObjectStore(first) {
		t.Error("RegisterStore did not return the displaced store")
	}

	got, err := reg.GetStore(u)
	if err != nil {
		t.Fatalf("GetStore failed: %v", err)
	}
	if got != ObjectStore(second) {
		t.Error("GetStore returned the displaced store after replacement")
	}
}

func TestObjectStoreRegistryGetMissing(t *testing.T) {
	reg := NewObjectStoreRegistry()

	_, err := reg.GetStore(mustParse(t, "s3://unknown/table"))
	if !errors.Is(err, ErrNotRegistered) {
		t.Errorf("GetStore error = %v, want ErrNotRegistered", err)
	}
}

func TestObjectStoreRegistryKeysAreFullURLs(t *testing.T) {
	reg := NewObjectStoreRegistry()
	a := newStubStore()
	b := newStubStore()

	reg.RegisterStore(mustParse(t, "s3://bucket/table-a"), a)
	reg.RegisterStore(mustParse(t, "s3://bucket/table-b"), b)

	got, err := reg.GetStore(mustParse(t, "s3://bucket/table-a"))
	if err != nil {
		t.Fatalf("GetStore failed: %v", err)
	}
	if got != ObjectStore(a) {
		t.Error("URLs differing only by path collided")
	}
}

func TestObjectStoreRegistryAllStores(t *testing.T) {
	reg := NewObjectStoreRegistry()
	reg.RegisterStore(mustParse(t, "memory://a"), newStubStore())
	reg.RegisterStore(mustParse(t, "memory://b"), newStubStore())

	all := reg.AllStores()
	if len(all) != 2 {
		t.Fatalf("AllStores returned %d entries, want 2", len(all))
	}
	for _, key := range []string{"memory://a", "memory://b"} {
		if _, ok := all[key]; !ok {
			t.Errorf("AllStores missing key %q", key)
		}
	}
}
