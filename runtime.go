package objstore

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/grokify/mogo/log/slogutil"
)

// ErrRuntimeShutdown is returned (wrapped in a JoinError) when work is
// dispatched to, or awaited on, an IO runtime that has been shut down.
var ErrRuntimeShutdown = errors.New("objstore: io runtime is shut down")

// RuntimeConfig describes how to build one isolated IO runtime.
type RuntimeConfig struct {
	// MultiThreaded selects a multi-worker pool. When false the runtime
	// runs a single worker and WorkerThreads is ignored.
	MultiThreaded bool

	// WorkerThreads is the worker count for a multi-threaded runtime.
	// 0 means GOMAXPROCS.
	WorkerThreads int

	// ThreadName labels the runtime's workers in logs. Empty means
	// "io-runtime".
	ThreadName string

	// EnableIO and EnableTime mirror the driver switches of the
	// execution contexts this configuration is exchanged with. The Go
	// scheduler provides both unconditionally; the fields are carried
	// for configuration-shape compatibility and are informational.
	EnableIO   bool
	EnableTime bool

	// Logger receives worker diagnostics, including the stack of any
	// panic recovered in a dispatched task before it is re-raised.
	// Nil means no logging.
	Logger *slog.Logger
}

// IORuntime is an isolated pool of workers on which storage I/O runs.
// Work is submitted as closures and executed by the pool's workers,
// independent of the goroutine that issued it.
type IORuntime struct {
	tasks  chan func()
	done   chan struct{}
	stop   sync.Once
	name   string
	logger *slog.Logger
}

// NewIORuntime builds an independent IO runtime from config. A nil
// config builds a multi-threaded runtime with GOMAXPROCS workers.
func NewIORuntime(config *RuntimeConfig) *IORuntime {
	workers := runtime.GOMAXPROCS(0)
	name := "io-runtime"
	logger := slogutil.Null()
	if config != nil {
		if !config.MultiThreaded {
			workers = 1
		} else if config.WorkerThreads > 0 {
			workers = config.WorkerThreads
		}
		if config.ThreadName != "" {
			name = config.ThreadName
		}
		if config.Logger != nil {
			logger = config.Logger
		}
	}

	rt := &IORuntime{
		tasks:  make(chan func()),
		done:   make(chan struct{}),
		name:   name,
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		go rt.worker()
	}
	return rt
}

func (rt *IORuntime) worker() {
	for {
		select {
		case task := <-rt.tasks:
			task()
		case <-rt.done:
			return
		}
	}
}

// Shutdown stops the runtime's workers. Work already dispatched but not
// yet completed surfaces to its awaiting callers as a JoinError. The
// process-wide default runtime is never shut down; Shutdown exists for
// independently built runtimes and tests.
func (rt *IORuntime) Shutdown() {
	rt.stop.Do(func() { close(rt.done) })
}

// submit hands a task to the pool. After Shutdown it fails rather
// than racing a draining worker for the task channel, and a caller
// whose context ends while all workers are busy gives up instead of
// queueing behind them.
func (rt *IORuntime) submit(ctx context.Context, task func()) error {
	select {
	case <-rt.done:
		return ErrRuntimeShutdown
	default:
	}
	select {
	case rt.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-rt.done:
		return ErrRuntimeShutdown
	}
}

// Process-wide default runtime, built lazily on first use. The first
// caller's configuration wins; see DefaultIORuntime.
var (
	defaultRTOnce sync.Once
	defaultRT     *IORuntime
)

// DefaultIORuntime returns the process-wide IO runtime, building it
// from config on first use. It is memoized: later callers receive the
// already-built runtime even when they pass a different configuration,
// which is silently ignored. Callers that need distinct settings must
// build their own runtime with NewIORuntime. The default runtime lives
// for the remainder of the process.
func DefaultIORuntime(config *RuntimeConfig) *IORuntime {
	defaultRTOnce.Do(func() { defaultRT = NewIORuntime(config) })
	return defaultRT
}

// taskResult carries the outcome of a dispatched task back to the
// awaiting caller. Exactly one of the three outcomes is set: a value,
// an error, or a recovered panic.
type taskResult[T any] struct {
	val      T
	err      error
	panicked bool
	panicVal any
	stack    []byte
}

// spawnIO runs fn on rt and awaits its outcome. The closure owns every
// value it touches; callers pass copies of path arguments so no
// caller-side state is shared with the pool.
//
// Three outcomes are distinguished: a normal result is passed through;
// a caller that stops waiting (context done) or a runtime that shuts
// down yields a JoinError; a panic inside fn is re-raised here, in the
// calling goroutine, preserving crash semantics across the pool
// boundary rather than downgrading the fault to an error value.
//
// fn receives a context detached from the caller's cancellation: once
// dispatched, the operation runs to completion on the pool even after
// the caller has been handed its JoinError. The caller's ctx bounds
// only the submit and the await.
func spawnIO[T any](ctx context.Context, rt *IORuntime, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	results := make(chan taskResult[T], 1)

	opCtx := context.WithoutCancel(ctx)
	task := func() {
		var res taskResult[T]
		func() {
			defer func() {
				if r := recover(); r != nil {
					res.panicked = true
					res.panicVal = r
					res.stack = debug.Stack()
				}
			}()
			res.val, res.err = fn(opCtx)
		}()
		results <- res
	}

	if err := rt.submit(ctx, task); err != nil {
		return zero, &JoinError{Op: op, Err: err}
	}

	select {
	case res := <-results:
		if res.panicked {
			rt.logger.Error("panic in dispatched storage task",
				slog.String("op", op),
				slog.String("runtime", rt.name),
				slog.Any("panic", res.panicVal),
				slog.String("stack", string(res.stack)),
			)
			panic(res.panicVal)
		}
		return res.val, res.err
	case <-ctx.Done():
		return zero, &JoinError{Op: op, Err: ctx.Err()}
	case <-rt.done:
		return zero, &JoinError{Op: op, Err: ErrRuntimeShutdown}
	}
}

// IOStorageBackend redirects every operation of the wrapped store onto
// a dedicated IO runtime, so storage I/O never runs on the caller's
// execution context. It is a pure dispatch shim with no state of its
// own; the inner store is shared, not owned, and may be used directly
// elsewhere.
//
// Listing operations are the exception: a lazy, potentially unbounded
// sequence cannot be handed across the pool boundary without buffering
// machinery this wrapper does not provide, so List, ListWithOffset and
// ListWithDelimiter delegate to the inner store on the caller's own
// context.
//
// Once dispatched, work is not cancelled: a caller that stops waiting
// gets a JoinError while the in-flight operation runs to completion on
// the pool.
type IOStorageBackend struct {
	inner ObjectStore
	rt    *IORuntime
}

// NewIOStorageBackend wraps store so its I/O runs on rt. A nil rt uses
// the process-wide default runtime.
func NewIOStorageBackend(store ObjectStore, rt *IORuntime) *IOStorageBackend {
	if rt == nil {
		rt = DefaultIORuntime(nil)
	}
	return &IOStorageBackend{inner: store, rt: rt}
}

func (b *IOStorageBackend) String() string {
	return "IOStorageBackend"
}

func (b *IOStorageBackend) Put(ctx context.Context, location Path, payload []byte) (PutResult, error) {
	inner := b.inner
	return spawnIO(ctx, b.rt, "put", func(ctx context.Context) (PutResult, error) {
		return inner.Put(ctx, location, payload)
	})
}

func (b *IOStorageBackend) PutOpts(ctx context.Context, location Path, payload []byte, opts PutOptions) (PutResult, error) {
	inner := b.inner
	return spawnIO(ctx, b.rt, "put_opts", func(ctx context.Context) (PutResult, error) {
		return inner.PutOpts(ctx, location, payload, opts)
	})
}

func (b *IOStorageBackend) Get(ctx context.Context, location Path) (*GetResult, error) {
	inner := b.inner
	return spawnIO(ctx, b.rt, "get", func(ctx context.Context) (*GetResult, error) {
		return inner.Get(ctx, location)
	})
}

func (b *IOStorageBackend) GetOpts(ctx context.Context, location Path, opts GetOptions) (*GetResult, error) {
	inner := b.inner
	return spawnIO(ctx, b.rt, "get_opts", func(ctx context.Context) (*GetResult, error) {
		return inner.GetOpts(ctx, location, opts)
	})
}

func (b *IOStorageBackend) GetRange(ctx context.Context, location Path, offset, length int64) ([]byte, error) {
	inner := b.inner
	return spawnIO(ctx, b.rt, "get_range", func(ctx context.Context) ([]byte, error) {
		return inner.GetRange(ctx, location, offset, length)
	})
}

func (b *IOStorageBackend) Head(ctx context.Context, location Path) (ObjectMeta, error) {
	inner := b.inner
	return spawnIO(ctx, b.rt, "head", func(ctx context.Context) (ObjectMeta, error) {
		return inner.Head(ctx, location)
	})
}

func (b *IOStorageBackend) Delete(ctx context.Context, location Path) error {
	inner := b.inner
	_, err := spawnIO(ctx, b.rt, "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, inner.Delete(ctx, location)
	})
	return err
}

func (b *IOStorageBackend) List(ctx context.Context, prefix *Path) iter.Seq2[ObjectMeta, error] {
	return b.inner.List(ctx, prefix)
}

func (b *IOStorageBackend) ListWithOffset(ctx context.Context, prefix *Path, offset Path) iter.Seq2[ObjectMeta, error] {
	return b.inner.ListWithOffset(ctx, prefix, offset)
}

func (b *IOStorageBackend) ListWithDelimiter(ctx context.Context, prefix *Path) (ListResult, error) {
	return b.inner.ListWithDelimiter(ctx, prefix)
}

func (b *IOStorageBackend) Copy(ctx context.Context, from, to Path) error {
	inner := b.inner
	_, err := spawnIO(ctx, b.rt, "copy", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, inner.Copy(ctx, from, to)
	})
	return err
}

func (b *IOStorageBackend) CopyIfNotExists(ctx context.Context, from, to Path) error {
	inner := b.inner
	_, err := spawnIO(ctx, b.rt, "copy_if_not_exists", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, inner.CopyIfNotExists(ctx, from, to)
	})
	return err
}

func (b *IOStorageBackend) RenameIfNotExists(ctx context.Context, from, to Path) error {
	inner := b.inner
	_, err := spawnIO(ctx, b.rt, "rename_if_not_exists", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, inner.RenameIfNotExists(ctx, from, to)
	})
	return err
}

func (b *IOStorageBackend) PutMultipart(ctx context.Context, location Path) (MultipartUpload, error) {
	inner := b.inner
	return spawnIO(ctx, b.rt, "put_multipart", func(ctx context.Context) (MultipartUpload, error) {
		return inner.PutMultipart(ctx, location)
	})
}

func (b *IOStorageBackend) PutMultipartOpts(ctx context.Context, location Path, opts PutMultipartOptions) (MultipartUpload, error) {
	inner := b.inner
	return spawnIO(ctx, b.rt, "put_multipart_opts", func(ctx context.Context) (MultipartUpload, error) {
		return inner.PutMultipartOpts(ctx, location, opts)
	})
}

var _ ObjectStore = (*IOStorageBackend)(nil)
