package objstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIOStorageBackendResultParity(t *testing.T) {
	inner := newStubStore()
	rt := NewIORuntime(&RuntimeConfig{MultiThreaded: true, WorkerThreads: 2})
	defer rt.Shutdown()

	store := NewIOStorageBackend(inner, rt)
	ctx := context.Background()
	loc := NewPath("data/part-0.parquet")

	if _, err := store.Put(ctx, loc, []byte("payload")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	res, err := store.Get(ctx, loc)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, err := res.Bytes()
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("Get data = %q, want %q", data, "payload")
	}

	meta, err := store.Head(ctx, loc)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if meta.Size != int64(len("payload")) {
		t.Errorf("Head Size = %d, want %d", meta.Size, len("payload"))
	}

	part, err := store.GetRange(ctx, loc, 0, 3)
	if err != nil {
		t.Fatalf("GetRange failed: %v", err)
	}
	if string(part) != "pay" {
		t.Errorf("GetRange = %q, want %q", part, "pay")
	}

	if err := store.Delete(ctx, loc); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Head(ctx, loc); !IsNotFound(err) {
		t.Errorf("Head after Delete error = %v, want ErrNotFound", err)
	}
}

func TestIOStorageBackendErrorsPassThrough(t *testing.T) {
	rt := NewIORuntime(nil)
	defer rt.Shutdown()

	store := NewIOStorageBackend(newStubStore(), rt)

	_, err := store.Get(context.Background(), NewPath("missing"))
	if !IsNotFound(err) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
	var joinErr *JoinError
	if errors.As(err, &joinErr) {
		t.Error("a plain inner error should not be wrapped in JoinError")
	}
}

func TestIOStorageBackendPanicPropagates(t *testing.T) {
	rt := NewIORuntime(nil)
	defer rt.Shutdown()

	store := NewIOStorageBackend(&panicStore{stubStore: newStubStore()}, rt)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("panic in dispatched task was swallowed")
		}
		if r != "kaboom" {
			t.Errorf("recovered %v, want the original panic value", r)
		}
	}()
	_, _ = store.Head(context.Background(), NewPath("x"))
}

type panicStore struct {
	*stubStore
}

func (s *panicStore) Head(context.Context, Path) (ObjectMeta, error) {
	panic("kaboom")
}

func TestIOStorageBackendAbandonedCaller(t *testing.T) {
	rt := NewIORuntime(nil)
	defer rt.Shutdown()

	inner := &slowStore{stubStore: newStubStore(), started: make(chan struct{}), block: make(chan struct{})}
	store := NewIOStorageBackend(inner, rt)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := store.Head(ctx, NewPath("x"))
		done <- err
	}()

	<-inner.started
	cancel()
	err := <-done

	var joinErr *JoinError
	if !errors.As(err, &joinErr) {
		t.Fatalf("error = %T (%v), want *JoinError", err, err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("JoinError should wrap context.Canceled, got %v", err)
	}
	close(inner.block)
}

type slowStore struct {
	*stubStore
	started chan struct{}
	block   chan struct{}
}

func (s *slowStore) Head(ctx context.Context, location Path) (ObjectMeta, error) {
	close(s.started)
	<-s.block
	return s.stubStore.Head(ctx, location)
}

// A caller that gives up must not cancel the operation it already
// handed to the pool; the work finishes with a live context.
func TestIOStorageBackendDispatchedWorkRunsToCompletion(t *testing.T) {
	rt := NewIORuntime(nil)
	defer rt.Shutdown()

	inner := &recordingStore{
		stubStore: newStubStore(),
		started:   make(chan struct{}),
		block:     make(chan struct{}),
		ctxErr:    make(chan error, 1),
	}
	store := NewIOStorageBackend(inner, rt)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := store.Put(ctx, NewPath("obj"), []byte("x"))
		done <- err
	}()

	<-inner.started
	cancel()

	var joinErr *JoinError
	if err := <-done; !errors.As(err, &joinErr) {
		t.Fatalf("error = %T (%v), want *JoinError", err, err)
	}

	close(inner.block)
	if err := <-inner.ctxErr; err != nil {
		t.Errorf("dispatched work observed cancellation: %v", err)
	}
	if _, err := inner.Head(context.Background(), NewPath("obj")); err != nil {
		t.Errorf("abandoned Put did not run to completion: %v", err)
	}
}

type recordingStore struct {
	*stubStore
	started chan struct{}
	block   chan struct{}
	ctxErr  chan error
}

func (s *recordingStore) Put(ctx context.Context, location Path, payload []byte) (PutResult, error) {
	close(s.started)
	<-s.block
	s.ctxErr <- ctx.Err()
	return s.stubStore.Put(ctx, location, payload)
}

func TestIORuntimeBusyPoolHonoursCancellation(t *testing.T) {
	rt := NewIORuntime(&RuntimeConfig{MultiThreaded: false})
	defer rt.Shutdown()

	inner := &slowStore{stubStore: newStubStore(), started: make(chan struct{}), block: make(chan struct{})}
	store := NewIOStorageBackend(inner, rt)

	occupied := make(chan struct{})
	go func() {
		defer close(occupied)
		_, _ = store.Head(context.Background(), NewPath("x"))
	}()
	<-inner.started

	// The only worker is busy; a cancelled caller must fail promptly
	// instead of queueing behind it.
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := store.Head(ctx, NewPath("y"))
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		var joinErr *JoinError
		if !errors.As(err, &joinErr) {
			t.Fatalf("error = %T (%v), want *JoinError", err, err)
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("JoinError should wrap context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller stayed queued behind the busy pool")
	}

	close(inner.block)
	<-occupied
}

func TestIOStorageBackendRuntimeShutdown(t *testing.T) {
	rt := NewIORuntime(nil)
	store := NewIOStorageBackend(newStubStore(), rt)

	rt.Shutdown()

	_, err := store.Head(context.Background(), NewPath("x"))
	var joinErr *JoinError
	if !errors.As(err, &joinErr) {
		t.Fatalf("error = %T (%v), want *JoinError", err, err)
	}
	if !errors.Is(err, ErrRuntimeShutdown) {
		t.Errorf("JoinError should wrap ErrRuntimeShutdown, got %v", err)
	}
}

func TestIOStorageBackendListDelegates(t *testing.T) {
	inner := newStubStore()
	rt := NewIORuntime(nil)
	defer rt.Shutdown()

	store := NewIOStorageBackend(inner, rt)
	ctx := context.Background()
	for _, k := range []string{"a", "b/c"} {
		if _, err := inner.Put(ctx, NewPath(k), []byte("x")); err != nil {
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
	if len(got) != 2 || got[0] != "a" || got[1] != "b/c" {
		t.Errorf("List = %v, want [a b/c]", got)
	}

	res, err := store.ListWithDelimiter(ctx, nil)
	if err != nil {
		t.Fatalf("ListWithDelimiter failed: %v", err)
	}
	if len(res.Objects) != 1 || len(res.CommonPrefixes) != 1 {
		t.Errorf("ListWithDelimiter = %+v, want one object and one common prefix", res)
	}
}

func TestNewIORuntimeSingleThreaded(t *testing.T) {
	rt := NewIORuntime(&RuntimeConfig{MultiThreaded: false, ThreadName: "test-rt"})
	defer rt.Shutdown()

	store := NewIOStorageBackend(newStubStore(), rt)
	ctx := context.Background()

	// Serialized execution still completes every dispatched task.
	for i := 0; i < 10; i++ {
		if _, err := store.Put(ctx, NewPath("obj"), []byte("x")); err != nil {
			t.Fatalf("Put %d failed: %v", i, err)
		}
	}
}

func TestIORuntimeShutdownIdempotent(t *testing.T) {
	rt := NewIORuntime(nil)
	rt.Shutdown()
	rt.Shutdown()

	// Submitting after shutdown fails promptly rather than hanging.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := NewIOStorageBackend(newStubStore(), rt).Head(context.Background(), NewPath("x"))
		if err == nil {
			t.Error("Head on shut-down runtime succeeded")
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Head on shut-down runtime hung")
	}
}
