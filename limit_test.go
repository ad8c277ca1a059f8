package objstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLimitStoreHandlerIdentity(t *testing.T) {
	inner := newStubStore()

	for _, opts := range []StorageOptions{
		{},
		{ConcurrencyLimitKey: ""},
		{ConcurrencyLimitKey: "abc"},
		{ConcurrencyLimitKey: "0"},
		{ConcurrencyLimitKey: "-4"},
	} {
		got := LimitStoreHandler(inner, opts)
		if got != ObjectStore(inner) {
			t.Errorf("LimitStoreHandler(%v) wrapped the store, want identity", opts)
		}
	}
}

func TestLimitStoreHandlerWraps(t *testing.T) {
	inner := newStubStore()
	got := LimitStoreHandler(inner, StorageOptions{ConcurrencyLimitKey: "4"})
	ls, ok := got.(*LimitStore)
	if !ok {
		t.Fatalf("LimitStoreHandler returned %T, want *LimitStore", got)
	}
	if ls.String() != "LimitStore(4, Stub)" {
		t.Errorf("String = %q, want %q", ls.String(), "LimitStore(4, Stub)")
	}
}

// trackingStore counts concurrently in-flight Puts.
type trackingStore struct {
	*stubStore
	gate    chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (s *trackingStore) Put(ctx context.Context, location Path, payload []byte) (PutResult, error) {
	n := s.active.Add(1)
	for {
		seen := s.maxSeen.Load()
		if n <= seen || s.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	<-s.gate
	s.active.Add(-1)
	return s.stubStore.Put(ctx, location, payload)
}

func TestLimitStoreBoundsConcurrency(t *testing.T) {
	const limit = 3
	const workers = 12

	inner := &trackingStore{stubStore: newStubStore(), gate: make(chan struct{})}
	store := NewLimitStore(inner, limit)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Put(ctx, NewPath("obj"), []byte("x")); err != nil {
				t.Errorf("Put failed: %v", err)
			}
		}()
	}

	// Let every worker through the gate, one slot at a time.
	for i := 0; i < workers; i++ {
		inner.gate <- struct{}{}
	}
	wg.Wait()

	if max := inner.maxSeen.Load(); max > limit {
		t.Errorf("observed %d concurrent operations, limit is %d", max, limit)
	}
}

func TestLimitStorePermitHeldUntilBodyClosed(t *testing.T) {
	inner := newStubStore()
	store := NewLimitStore(inner, 1)
	ctx := context.Background()

	if _, err := store.Put(ctx, NewPath("obj"), []byte("payload")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	res, err := store.Get(ctx, NewPath("obj"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// The single permit is held by the open body.
	blocked, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := store.Head(blocked, NewPath("obj")); err == nil {
		t.Error("Head acquired a permit while the body held it")
	}

	if _, err := res.Bytes(); err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}

	// Closed body released the permit.
	if _, err := store.Head(ctx, NewPath("obj")); err != nil {
		t.Errorf("Head after body close failed: %v", err)
	}
}

func TestLimitStoreCancelledAcquire(t *testing.T) {
	inner := newStubStore()
	store := NewLimitStore(inner, 1)
	ctx := context.Background()

	if _, err := store.Put(ctx, NewPath("obj"), []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	res, err := store.Get(ctx, NewPath("obj"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer func() { _ = res.Body.Close() }()

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := store.Delete(cancelled, NewPath("obj")); err == nil {
		t.Error("Delete with cancelled context should fail while permits are exhausted")
	}
}

func TestLimitStoreListHoldsPermit(t *testing.T) {
	inner := newStubStore()
	store := NewLimitStore(inner, 2)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if _, err := store.Put(ctx, NewPath(k), []byte("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	var got []string
	for meta, err := range store.List(ctx, nil) {
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		got = append(got, meta.Location.String())
	}
	if len(got) != 3 {
		t.Errorf("List = %v, want 3 objects", got)
	}

	// Permit released after iteration: the store is usable again at
	// full capacity.
	if _, err := store.Head(ctx, NewPath("a")); err != nil {
		t.Errorf("Head after List failed: %v", err)
	}
}
