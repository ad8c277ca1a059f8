// Package memory provides an in-process ephemeral object store.
//
// The memory backend is useful for:
//   - Unit testing without filesystem access
//   - Temporary tables and scratch space
//   - Development and prototyping
//
// Data is held in RAM and lost when the process exits. Importing the
// package registers a factory for the memory:// scheme.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"maps"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/tablekit/objstore"
)

func init() {
	objstore.RegisterFactory("memory", Factory{})
}

// object is one stored entry.
type object struct {
	data    []byte
	meta    map[string]string
	ctype   string
	modTime time.Time
	etag    string
}

// Store implements objstore.ObjectStore in process memory.
type Store struct {
	mu      sync.RWMutex
	objects map[string]*object
	nextTag uint64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{objects: make(map[string]*object)}
}

func (s *Store) String() string { return "InMemory" }

// etagLocked issues a store-unique entity tag. Caller holds the write
// lock.
func (s *Store) etagLocked() string {
	s.nextTag++
	return fmt.Sprintf("%d", s.nextTag)
}

func (s *Store) Put(ctx context.Context, location objstore.Path, payload []byte) (objstore.PutResult, error) {
	return s.PutOpts(ctx, location, payload, objstore.PutOptions{})
}

func (s *Store) PutOpts(ctx context.Context, location objstore.Path, payload []byte, opts objstore.PutOptions) (objstore.PutResult, error) {
	if err := ctx.Err(); err != nil {
		return objstore.PutResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := location.String()
	if opts.Mode == objstore.PutModeCreate {
		if _, exists := s.objects[key]; exists {
			return objstore.PutResult{}, fmt.Errorf("%w: %s", objstore.ErrAlreadyExists, location)
		}
	}

	// Copy payload and metadata so later caller mutations cannot
	// reach stored state.
	data := make([]byte, len(payload))
	copy(data, payload)

	tag := s.etagLocked()
	s.objects[key] = &object{
		data:    data,
		meta:    maps.Clone(opts.Metadata),
		ctype:   opts.ContentType,
		modTime: time.Now(),
		etag:    tag,
	}
	return objstore.PutResult{ETag: tag}, nil
}

// lookup returns the object at location, or ErrNotFound.
func (s *Store) lookup(location objstore.Path) (*object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, exists := s.objects[location.String()]
	if !exists {
		return nil, fmt.Errorf("%w: %s", objstore.ErrNotFound, location)
	}
	return obj, nil
}

func metaFor(location objstore.Path, obj *object) objstore.ObjectMeta {
	return objstore.ObjectMeta{
		Location:     location,
		Size:         int64(len(obj.data)),
		LastModified: obj.modTime,
		ETag:         obj.etag,
	}
}

func (s *Store) Get(ctx context.Context, location objstore.Path) (*objstore.GetResult, error) {
	return s.GetOpts(ctx, location, objstore.GetOptions{})
}

func (s *Store) GetOpts(ctx context.Context, location objstore.Path, opts objstore.GetOptions) (*objstore.GetResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	obj, err := s.lookup(location)
	if err != nil {
		return nil, err
	}

	if opts.IfMatch != "" && opts.IfMatch != obj.etag {
		return nil, fmt.Errorf("%w: etag %q does not match %q", objstore.ErrPreconditionFailed, obj.etag, opts.IfMatch)
	}
	if opts.IfNoneMatch != "" && opts.IfNoneMatch == obj.etag {
		return nil, fmt.Errorf("%w: etag %q matches %q", objstore.ErrPreconditionFailed, obj.etag, opts.IfNoneMatch)
	}

	meta := metaFor(location, obj)

	rng := objstore.Range{Start: 0, End: meta.Size}
	if opts.Range != nil {
		rng = *opts.Range
		if rng.Start < 0 || rng.End > meta.Size || rng.Start > rng.End {
			return nil, fmt.Errorf("%w: range [%d, %d) out of bounds for object of %d bytes",
				objstore.ErrInvalidPath, rng.Start, rng.End, meta.Size)
		}
	}

	if opts.HeadOnly {
		return &objstore.GetResult{
			Meta:  meta,
			Range: rng,
			Body:  io.NopCloser(bytes.NewReader(nil)),
		}, nil
	}

	// Copy so later writers cannot race the returned body.
	data := make([]byte, rng.Length())
	copy(data, obj.data[rng.Start:rng.End])

	return &objstore.GetResult{
		Meta:  meta,
		Range: rng,
		Body:  io.NopCloser(bytes.NewReader(data)),
	}, nil
}

func (s *Store) GetRange(ctx context.Context, location objstore.Path, offset, length int64) ([]byte, error) {
	res, err := s.GetOpts(ctx, location, objstore.GetOptions{
		Range: &objstore.Range{Start: offset, End: offset + length},
	})
	if err != nil {
		return nil, err
	}
	return res.Bytes()
}

func (s *Store) Head(ctx context.Context, location objstore.Path) (objstore.ObjectMeta, error) {
	if err := ctx.Err(); err != nil {
		return objstore.ObjectMeta{}, err
	}
	obj, err := s.lookup(location)
	if err != nil {
		return objstore.ObjectMeta{}, err
	}
	return metaFor(location, obj), nil
}

func (s *Store) Delete(ctx context.Context, location objstore.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, location.String())
	s.mu.Unlock()
	return nil
}

// snapshot returns sorted metadata for every object below prefix.
func (s *Store) snapshot(prefix *objstore.Path) []objstore.ObjectMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var metas []objstore.ObjectMeta
	for key, obj := range s.objects {
		loc := objstore.NewPath(key)
		if prefix != nil && !loc.HasPrefix(*prefix) {
			continue
		}
		metas = append(metas, metaFor(loc, obj))
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Location.String() < metas[j].Location.String()
	})
	return metas
}

func (s *Store) List(ctx context.Context, prefix *objstore.Path) iter.Seq2[objstore.ObjectMeta, error] {
	metas := s.snapshot(prefix)
	return func(yield func(objstore.ObjectMeta, error) bool) {
		for _, meta := range metas {
			if err := ctx.Err(); err != nil {
				yield(objstore.ObjectMeta{}, err)
				return
			}
			if !yield(meta, nil) {
				return
			}
		}
	}
}

func (s *Store) ListWithOffset(ctx context.Context, prefix *objstore.Path, offset objstore.Path) iter.Seq2[objstore.ObjectMeta, error] {
	metas := s.snapshot(prefix)
	return func(yield func(objstore.ObjectMeta, error) bool) {
		for _, meta := range metas {
			if err := ctx.Err(); err != nil {
				yield(objstore.ObjectMeta{}, err)
				return
			}
			if meta.Location.String() <= offset.String() {
				continue
			}
			if !yield(meta, nil) {
				return
			}
		}
	}
}

func (s *Store) ListWithDelimiter(ctx context.Context, prefix *objstore.Path) (objstore.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return objstore.ListResult{}, err
	}

	base := objstore.Path{}
	if prefix != nil {
		base = *prefix
	}

	res := objstore.ListResult{}
	seen := make(map[string]bool)
	for _, meta := range s.snapshot(prefix) {
		rest, ok := meta.Location.StripPrefix(base)
		if !ok {
			continue
		}
		parts := rest.Parts()
		switch len(parts) {
		case 0:
			// The prefix itself names an object; skip it.
		case 1:
			res.Objects = append(res.Objects, meta)
		default:
			dir := base.Child(parts[0])
			if !seen[dir.String()] {
				seen[dir.String()] = true
				res.CommonPrefixes = append(res.CommonPrefixes, dir)
			}
		}
	}
	return res, nil
}

func (s *Store) copyLocked(from, to objstore.Path, failIfExists bool) error {
	src, exists := s.objects[from.String()]
	if !exists {
		return fmt.Errorf("%w: %s", objstore.ErrNotFound, from)
	}
	if failIfExists {
		if _, exists := s.objects[to.String()]; exists {
			return fmt.Errorf("%w: %s", objstore.ErrAlreadyExists, to)
		}
	}

	data := make([]byte, len(src.data))
	copy(data, src.data)
	s.objects[to.String()] = &object{
		data:    data,
		meta:    maps.Clone(src.meta),
		ctype:   src.ctype,
		modTime: time.Now(),
		etag:    s.etagLocked(),
	}
	return nil
}

func (s *Store) Copy(ctx context.Context, from, to objstore.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked(from, to, false)
}

func (s *Store) CopyIfNotExists(ctx context.Context, from, to objstore.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked(from, to, true)
}

func (s *Store) RenameIfNotExists(ctx context.Context, from, to objstore.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.copyLocked(from, to, true); err != nil {
		return err
	}
	delete(s.objects, from.String())
	return nil
}

func (s *Store) PutMultipart(ctx context.Context, location objstore.Path) (objstore.MultipartUpload, error) {
	return s.PutMultipartOpts(ctx, location, objstore.PutMultipartOptions{})
}

func (s *Store) PutMultipartOpts(ctx context.Context, location objstore.Path, opts objstore.PutMultipartOptions) (objstore.MultipartUpload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &multipartUpload{store: s, location: location, opts: opts}, nil
}

// multipartUpload buffers parts until Complete assembles them into a
// single object.
type multipartUpload struct {
	store    *Store
	location objstore.Path
	opts     objstore.PutMultipartOptions
	mu       sync.Mutex
	parts    [][]byte
	done     bool
}

func (u *multipartUpload) PutPart(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return fmt.Errorf("objstore/memory: multipart upload for %s already finished", u.location)
	}
	part := make([]byte, len(data))
	copy(part, data)
	u.parts = append(u.parts, part)
	return nil
}

func (u *multipartUpload) Complete(ctx context.Context) (objstore.PutResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return objstore.PutResult{}, fmt.Errorf("objstore/memory: multipart upload for %s already finished", u.location)
	}
	u.done = true
	return u.store.PutOpts(ctx, u.location, bytes.Join(u.parts, nil), objstore.PutOptions{
		ContentType: u.opts.ContentType,
		Metadata:    u.opts.Metadata,
	})
}

func (u *multipartUpload) Abort(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.done = true
	u.parts = nil
	return nil
}

// Factory builds memory-backed stores for memory:// table URLs.
//
// The root path is taken from the URL's decoded host and path; the raw
// store is wrapped with a prefix decorator when the path is not the
// root, then with a concurrency limit if one is configured. Every call
// builds a fresh ephemeral store.
type Factory struct{}

// ParseURLOpts implements objstore.ObjectStoreFactory.
func (Factory) ParseURLOpts(u *url.URL, options objstore.StorageOptions) (objstore.ObjectStore, objstore.Path, error) {
	// u.Host and u.Path are already percent-decoded by url.Parse.
	path, err := objstore.ParsePath(u.Host + "/" + u.Path)
	if err != nil {
		return nil, objstore.Path{}, fmt.Errorf("%w: %s: %v", objstore.ErrInvalidLocation, u.String(), err)
	}
	store := objstore.LimitStoreHandler(objstore.URLPrefixHandler(New(), path), options)
	return store, path, nil
}

var (
	_ objstore.ObjectStore        = (*Store)(nil)
	_ objstore.ObjectStoreFactory = Factory{}
)
