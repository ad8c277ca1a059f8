package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
)

// stubStore is a minimal in-memory ObjectStore for decorator tests.
type stubStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newStubStore() *stubStore {
	return &stubStore{objects: make(map[string][]byte)}
}

func (s *stubStore) String() string { return "Stub" }

func (s *stubStore) Put(ctx context.Context, location Path, payload []byte) (PutResult, error) {
	return s.PutOpts(ctx, location, payload, PutOptions{})
}

func (s *stubStore) PutOpts(_ context.Context, location Path, payload []byte, opts PutOptions) (PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.Mode == PutModeCreate {
		if _, ok := s.objects[location.String()]; ok {
			return PutResult{}, fmt.Errorf("%w: %s", ErrAlreadyExists, location)
		}
	}
	s.objects[location.String()] = bytes.Clone(payload)
	return PutResult{ETag: fmt.Sprintf("stub-%d", len(payload))}, nil
}

func (s *stubStore) Get(ctx context.Context, location Path) (*GetResult, error) {
	return s.GetOpts(ctx, location, GetOptions{})
}

func (s *stubStore) GetOpts(_ context.Context, location Path, _ GetOptions) (*GetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[location.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	return &GetResult{
		Meta:  ObjectMeta{Location: location, Size: int64(len(data))},
		Range: Range{Start: 0, End: int64(len(data))},
		Body:  io.NopCloser(bytes.NewReader(bytes.Clone(data))),
	}, nil
}

func (s *stubStore) GetRange(ctx context.Context, location Path, offset, length int64) ([]byte, error) {
	res, err := s.Get(ctx, location)
	if err != nil {
		return nil, err
	}
	data, err := res.Bytes()
	if err != nil {
		return nil, err
	}
	if offset < 0 || offset+length > int64(len(data)) {
		return nil, fmt.Errorf("%w: range out of bounds", ErrInvalidPath)
	}
	return data[offset : offset+length], nil
}

func (s *stubStore) Head(_ context.Context, location Path) (ObjectMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[location.String()]
	if !ok {
		return ObjectMeta{}, fmt.Errorf("%w: %s", ErrNotFound, location)
	}
	return ObjectMeta{Location: location, Size: int64(len(data)), LastModified: time.Now()}, nil
}

func (s *stubStore) Delete(_ context.Context, location Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, location.String())
	return nil
}

func (s *stubStore) keys(prefix *Path) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.objects {
		if prefix != nil && !prefix.IsRoot() && !NewPath(k).HasPrefix(*prefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *stubStore) List(_ context.Context, prefix *Path) iter.Seq2[ObjectMeta, error] {
	return func(yield func(ObjectMeta, error) bool) {
		for _, k := range s.keys(prefix) {
			s.mu.Lock()
			size := int64(len(s.objects[k]))
			s.mu.Unlock()
			if !yield(ObjectMeta{Location: NewPath(k), Size: size}, nil) {
				return
			}
		}
	}
}

func (s *stubStore) ListWithOffset(_ context.Context, prefix *Path, offset Path) iter.Seq2[ObjectMeta, error] {
	return func(yield func(ObjectMeta, error) bool) {
		for _, k := range s.keys(prefix) {
			if k <= offset.String() {
				continue
			}
			if !yield(ObjectMeta{Location: NewPath(k)}, nil) {
				return
			}
		}
	}
}

func (s *stubStore) ListWithDelimiter(_ context.Context, prefix *Path) (ListResult, error) {
	base := Path{}
	if prefix != nil {
		base = *prefix
	}
	res := ListResult{}
	seenDirs := make(map[string]bool)
	for _, k := range s.keys(prefix) {
		rest, ok := NewPath(k).StripPrefix(base)
		if !ok {
			continue
		}
		parts := rest.Parts()
		if len(parts) == 1 {
			res.Objects = append(res.Objects, ObjectMeta{Location: NewPath(k)})
			continue
		}
		dir := base.Child(parts[0]).String()
		if !seenDirs[dir] {
			seenDirs[dir] = true
			res.CommonPrefixes = append(res.CommonPrefixes, NewPath(dir))
		}
	}
	return res, nil
}

func (s *stubStore) Copy(_ context.Context, from, to Path) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[from.String()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, from)
	}
	s.objects[to.String()] = bytes.Clone(data)
	return nil
}

func (s *stubStore) CopyIfNotExists(ctx context.Context, from, to Path) error {
	s.mu.Lock()
	_, exists := s.objects[to.String()]
	s.mu.Unlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, to)
	}
	return s.Copy(ctx, from, to)
}

func (s *stubStore) RenameIfNotExists(ctx context.Context, from, to Path) error {
	if err := s.CopyIfNotExists(ctx, from, to); err != nil {
		return err
	}
	return s.Delete(ctx, from)
}

func (s *stubStore) PutMultipart(ctx context.Context, location Path) (MultipartUpload, error) {
	return s.PutMultipartOpts(ctx, location, PutMultipartOptions{})
}

func (s *stubStore) PutMultipartOpts(_ context.Context, location Path, _ PutMultipartOptions) (MultipartUpload, error) {
	return &stubUpload{store: s, location: location}, nil
}

type stubUpload struct {
	store    *stubStore
	location Path
	parts    []string
}

func (u *stubUpload) PutPart(_ context.Context, data []byte) error {
	u.parts = append(u.parts, string(data))
	return nil
}

func (u *stubUpload) Complete(ctx context.Context) (PutResult, error) {
	return u.store.Put(ctx, u.location, []byte(strings.Join(u.parts, "")))
}

func (u *stubUpload) Abort(context.Context) error {
	u.parts = nil
	return nil
}

var _ ObjectStore = (*stubStore)(nil)
