package objstore

import (
	"context"
	"fmt"
	"io"
	"iter"
	"strconv"
	"sync"

	"golang.org/x/sync/semaphore"
)

// LimitStore bounds the number of concurrently in-flight operations on
// the wrapped store. Requests beyond the limit block until a slot
// frees; waiters are served in arrival order, so no request starves
// under bounded load.
//
// A permit is held for the full life of an operation, including any
// streamed body or lazy listing it returns: a Get's permit is released
// when its Body is closed, a listing's when iteration ends.
type LimitStore struct {
	inner ObjectStore
	limit int
	sem   *semaphore.Weighted
}

// NewLimitStore wraps store so that at most limit operations are
// in-flight at once. Most callers want LimitStoreHandler, which reads
// the limit from StorageOptions and skips the wrap when none is
// configured.
func NewLimitStore(store ObjectStore, limit int) *LimitStore {
	return &LimitStore{
		inner: store,
		limit: limit,
		sem:   semaphore.NewWeighted(int64(limit)),
	}
}

// LimitStoreHandler wraps store in a LimitStore when the
// OBJECT_STORE_CONCURRENCY_LIMIT option parses as a positive integer.
// An absent or unparsable value means no limiting: the store is
// returned unchanged, with no indirection layer.
func LimitStoreHandler(store ObjectStore, options StorageOptions) ObjectStore {
	raw, ok := options.Get(ConcurrencyLimitKey)
	if !ok {
		return store
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return store
	}
	return NewLimitStore(store, limit)
}

func (s *LimitStore) String() string {
	return fmt.Sprintf("LimitStore(%d, %s)", s.limit, s.inner)
}

func (s *LimitStore) acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

func (s *LimitStore) release() {
	s.sem.Release(1)
}

func (s *LimitStore) Put(ctx context.Context, location Path, payload []byte) (PutResult, error) {
	if err := s.acquire(ctx); err != nil {
		return PutResult{}, err
	}
	defer s.release()
	return s.inner.Put(ctx, location, payload)
}

func (s *LimitStore) PutOpts(ctx context.Context, location Path, payload []byte, opts PutOptions) (PutResult, error) {
	if err := s.acquire(ctx); err != nil {
		return PutResult{}, err
	}
	defer s.release()
	return s.inner.PutOpts(ctx, location, payload, opts)
}

// wrapBody ties the held permit to the result body: the permit is
// released exactly once, when the body is closed.
func (s *LimitStore) wrapBody(res *GetResult) *GetResult {
	res.Body = &permitReadCloser{inner: res.Body, release: s.release}
	return res
}

func (s *LimitStore) Get(ctx context.Context, location Path) (*GetResult, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	res, err := s.inner.Get(ctx, location)
	if err != nil {
		s.release()
		return nil, err
	}
	return s.wrapBody(res), nil
}

func (s *LimitStore) GetOpts(ctx context.Context, location Path, opts GetOptions) (*GetResult, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	res, err := s.inner.GetOpts(ctx, location, opts)
	if err != nil {
		s.release()
		return nil, err
	}
	return s.wrapBody(res), nil
}

func (s *LimitStore) GetRange(ctx context.Context, location Path, offset, length int64) ([]byte, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	return s.inner.GetRange(ctx, location, offset, length)
}

func (s *LimitStore) Head(ctx context.Context, location Path) (ObjectMeta, error) {
	if err := s.acquire(ctx); err != nil {
		return ObjectMeta{}, err
	}
	defer s.release()
	return s.inner.Head(ctx, location)
}

func (s *LimitStore) Delete(ctx context.Context, location Path) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.inner.Delete(ctx, location)
}

// limitSeq holds a permit for the duration of a lazy listing.
func (s *LimitStore) limitSeq(ctx context.Context, seq iter.Seq2[ObjectMeta, error]) iter.Seq2[ObjectMeta, error] {
	return func(yield func(ObjectMeta, error) bool) {
		if err := s.acquire(ctx); err != nil {
			yield(ObjectMeta{}, err)
			return
		}
		defer s.release()
		for meta, err := range seq {
			if !yield(meta, err) {
				return
			}
		}
	}
}

func (s *LimitStore) List(ctx context.Context, prefix *Path) iter.Seq2[ObjectMeta, error] {
	return s.limitSeq(ctx, s.inner.List(ctx, prefix))
}

func (s *LimitStore) ListWithOffset(ctx context.Context, prefix *Path, offset Path) iter.Seq2[ObjectMeta, error] {
	return s.limitSeq(ctx, s.inner.ListWithOffset(ctx, prefix, offset))
}

func (s *LimitStore) ListWithDelimiter(ctx context.Context, prefix *Path) (ListResult, error) {
	if err := s.acquire(ctx); err != nil {
		return ListResult{}, err
	}
	defer s.release()
	return s.inner.ListWithDelimiter(ctx, prefix)
}

func (s *LimitStore) Copy(ctx context.Context, from, to Path) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.inner.Copy(ctx, from, to)
}

func (s *LimitStore) CopyIfNotExists(ctx context.Context, from, to Path) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.inner.CopyIfNotExists(ctx, from, to)
}

func (s *LimitStore) RenameIfNotExists(ctx context.Context, from, to Path) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.inner.RenameIfNotExists(ctx, from, to)
}

func (s *LimitStore) PutMultipart(ctx context.Context, location Path) (MultipartUpload, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	upload, err := s.inner.PutMultipart(ctx, location)
	if err != nil {
		return nil, err
	}
	return &limitUpload{inner: upload, store: s}, nil
}

func (s *LimitStore) PutMultipartOpts(ctx context.Context, location Path, opts PutMultipartOptions) (MultipartUpload, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()
	upload, err := s.inner.PutMultipartOpts(ctx, location, opts)
	if err != nil {
		return nil, err
	}
	return &limitUpload{inner: upload, store: s}, nil
}

// permitReadCloser releases a concurrency permit when closed.
type permitReadCloser struct {
	inner   io.ReadCloser
	release func()
	once    sync.Once
}

func (p *permitReadCloser) Read(b []byte) (int, error) {
	return p.inner.Read(b)
}

func (p *permitReadCloser) Close() error {
	err := p.inner.Close()
	p.once.Do(p.release)
	return err
}

// limitUpload applies the concurrency limit to each multipart call.
type limitUpload struct {
	inner MultipartUpload
	store *LimitStore
}

func (u *limitUpload) PutPart(ctx context.Context, data []byte) error {
	if err := u.store.acquire(ctx); err != nil {
		return err
	}
	defer u.store.release()
	return u.inner.PutPart(ctx, data)
}

func (u *limitUpload) Complete(ctx context.Context) (PutResult, error) {
	if err := u.store.acquire(ctx); err != nil {
		return PutResult{}, err
	}
	defer u.store.release()
	return u.inner.Complete(ctx)
}

func (u *limitUpload) Abort(ctx context.Context) error {
	if err := u.store.acquire(ctx); err != nil {
		return err
	}
	defer u.store.release()
	return u.inner.Abort(ctx)
}

var _ ObjectStore = (*LimitStore)(nil)
