package objstore

import (
	"context"
	"fmt"
	"iter"
)

// PrefixStore rebases every path of the wrapped store under a fixed
// prefix. Callers never observe the prefix: paths are prepended on the
// way in and stripped from returned metadata on the way out.
type PrefixStore struct {
	inner  ObjectStore
	prefix Path
}

// NewPrefixStore wraps store so that all operations are rooted at
// prefix. Most callers want URLPrefixHandler, which skips the wrap for
// the root prefix.
func NewPrefixStore(store ObjectStore, prefix Path) *PrefixStore {
	return &PrefixStore{inner: store, prefix: prefix}
}

// URLPrefixHandler wraps store in a PrefixStore when prefix is not the
// root path. For the root prefix the store is returned unchanged; no
// indirection layer is introduced.
func URLPrefixHandler(store ObjectStore, prefix Path) ObjectStore {
	if prefix.IsRoot() {
		return store
	}
	return NewPrefixStore(store, prefix)
}

func (s *PrefixStore) String() string {
	return fmt.Sprintf("PrefixObjectStore(%s)", s.prefix)
}

// full rebases a caller path into the inner store's namespace.
func (s *PrefixStore) full(location Path) Path {
	return s.prefix.Join(location)
}

// strip removes the prefix from a metadata path returned by the inner
// store.
func (s *PrefixStore) strip(meta ObjectMeta) (ObjectMeta, bool) {
	loc, ok := meta.Location.StripPrefix(s.prefix)
	if !ok {
		return meta, false
	}
	meta.Location = loc
	return meta, true
}

func (s *PrefixStore) Put(ctx context.Context, location Path, payload []byte) (PutResult, error) {
	return s.inner.Put(ctx, s.full(location), payload)
}

func (s *PrefixStore) PutOpts(ctx context.Context, location Path, payload []byte, opts PutOptions) (PutResult, error) {
	return s.inner.PutOpts(ctx, s.full(location), payload, opts)
}

func (s *PrefixStore) Get(ctx context.Context, location Path) (*GetResult, error) {
	res, err := s.inner.Get(ctx, s.full(location))
	if err != nil {
		return nil, err
	}
	res.Meta.Location = location
	return res, nil
}

func (s *PrefixStore) GetOpts(ctx context.Context, location Path, opts GetOptions) (*GetResult, error) {
	res, err := s.inner.GetOpts(ctx, s.full(location), opts)
	if err != nil {
		return nil, err
	}
	res.Meta.Location = location
	return res, nil
}

func (s *PrefixStore) GetRange(ctx context.Context, location Path, offset, length int64) ([]byte, error) {
	return s.inner.GetRange(ctx, s.full(location), offset, length)
}

func (s *PrefixStore) Head(ctx context.Context, location Path) (ObjectMeta, error) {
	meta, err := s.inner.Head(ctx, s.full(location))
	if err != nil {
		return ObjectMeta{}, err
	}
	meta.Location = location
	return meta, nil
}

func (s *PrefixStore) Delete(ctx context.Context, location Path) error {
	return s.inner.Delete(ctx, s.full(location))
}

// stripSeq strips the prefix from every entry of an inner listing.
// Entries outside the prefix cannot legally appear and are dropped.
func (s *PrefixStore) stripSeq(seq iter.Seq2[ObjectMeta, error]) iter.Seq2[ObjectMeta, error] {
	return func(yield func(ObjectMeta, error) bool) {
		for meta, err := range seq {
			if err != nil {
				if !yield(ObjectMeta{}, err) {
					return
				}
				continue
			}
			stripped, ok := s.strip(meta)
			if !ok {
				continue
			}
			if !yield(stripped, nil) {
				return
			}
		}
	}
}

func (s *PrefixStore) List(ctx context.Context, prefix *Path) iter.Seq2[ObjectMeta, error] {
	full := s.prefix
	if prefix != nil {
		full = s.full(*prefix)
	}
	return s.stripSeq(s.inner.List(ctx, &full))
}

func (s *PrefixStore) ListWithOffset(ctx context.Context, prefix *Path, offset Path) iter.Seq2[ObjectMeta, error] {
	full := s.prefix
	if prefix != nil {
		full = s.full(*prefix)
	}
	return s.stripSeq(s.inner.ListWithOffset(ctx, &full, s.full(offset)))
}

func (s *PrefixStore) ListWithDelimiter(ctx context.Context, prefix *Path) (ListResult, error) {
	full := s.prefix
	if prefix != nil {
		full = s.full(*prefix)
	}
	res, err := s.inner.ListWithDelimiter(ctx, &full)
	if err != nil {
		return ListResult{}, err
	}
	out := ListResult{}
	for _, cp := range res.CommonPrefixes {
		if stripped, ok := cp.StripPrefix(s.prefix); ok {
			out.CommonPrefixes = append(out.CommonPrefixes, stripped)
		}
	}
	for _, meta := range res.Objects {
		if stripped, ok := s.strip(meta); ok {
			out.Objects = append(out.Objects, stripped)
		}
	}
	return out, nil
}

func (s *PrefixStore) Copy(ctx context.Context, from, to Path) error {
	return s.inner.Copy(ctx, s.full(from), s.full(to))
}

func (s *PrefixStore) CopyIfNotExists(ctx context.Context, from, to Path) error {
	return s.inner.CopyIfNotExists(ctx, s.full(from), s.full(to))
}

func (s *PrefixStore) RenameIfNotExists(ctx context.Context, from, to Path) error {
	return s.inner.RenameIfNotExists(ctx, s.full(from), s.full(to))
}

func (s *PrefixStore) PutMultipart(ctx context.Context, location Path) (MultipartUpload, error) {
	return s.inner.PutMultipart(ctx, s.full(location))
}

func (s *PrefixStore) PutMultipartOpts(ctx context.Context, location Path, opts PutMultipartOptions) (MultipartUpload, error) {
	return s.inner.PutMultipartOpts(ctx, s.full(location), opts)
}

var _ ObjectStore = (*PrefixStore)(nil)
