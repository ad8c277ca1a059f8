// Package file provides a local-filesystem object store anchored at a
// root directory.
//
// Objects are plain files below the root; writes go through a temp
// file and rename so concurrent readers never observe partial commits.
// Importing the package registers a factory for the file:// scheme.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tablekit/objstore"
)

func init() {
	objstore.RegisterFactory("file", Factory{})
}

// Store implements objstore.ObjectStore on a local filesystem subtree.
type Store struct {
	root string
}

// New creates a store anchored at root, which must be an existing
// directory.
func New(root string) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", objstore.ErrInvalidLocation, root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %q is not a directory", objstore.ErrInvalidLocation, root)
	}
	return &Store{root: root}, nil
}

func (s *Store) String() string {
	return fmt.Sprintf("LocalFileSystem(%s)", s.root)
}

// fullPath maps an object path onto the filesystem.
func (s *Store) fullPath(location objstore.Path) string {
	return filepath.Join(s.root, filepath.FromSlash(location.String()))
}

// relPath maps a filesystem path back into the store's namespace.
func (s *Store) relPath(fsPath string) (objstore.Path, error) {
	rel, err := filepath.Rel(s.root, fsPath)
	if err != nil {
		return objstore.Path{}, err
	}
	return objstore.NewPath(filepath.ToSlash(rel)), nil
}

// etagFor derives an entity tag from file metadata, changing whenever
// the file is rewritten.
func etagFor(info fs.FileInfo) string {
	return fmt.Sprintf("%x-%x", info.ModTime().UnixNano(), info.Size())
}

func metaFor(location objstore.Path, info fs.FileInfo) objstore.ObjectMeta {
	return objstore.ObjectMeta{
		Location:     location,
		Size:         info.Size(),
		LastModified: info.ModTime(),
		ETag:         etagFor(info),
	}
}

func translateError(err error, location objstore.Path) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %s", objstore.ErrNotFound, location)
	case os.IsExist(err):
		return fmt.Errorf("%w: %s", objstore.ErrAlreadyExists, location)
	default:
		return err
	}
}

func (s *Store) Put(ctx context.Context, location objstore.Path, payload []byte) (objstore.PutResult, error) {
	return s.PutOpts(ctx, location, payload, objstore.PutOptions{})
}

func (s *Store) PutOpts(ctx context.Context, location objstore.Path, payload []byte, opts objstore.PutOptions) (objstore.PutResult, error) {
	if err := ctx.Err(); err != nil {
		return objstore.PutResult{}, err
	}

	dst := s.fullPath(location)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return objstore.PutResult{}, fmt.Errorf("creating directory for %s: %w", location, err)
	}

	if opts.Mode == objstore.PutModeCreate {
		// O_EXCL gives the existence check atomically.
		f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return objstore.PutResult{}, translateError(err, location)
		}
		if _, err := f.Write(payload); err != nil {
			_ = f.Close()
			_ = os.Remove(dst)
			return objstore.PutResult{}, fmt.Errorf("writing %s: %w", location, err)
		}
		if err := f.Close(); err != nil {
			return objstore.PutResult{}, fmt.Errorf("writing %s: %w", location, err)
		}
	} else {
		tmp, err := os.CreateTemp(filepath.Dir(dst), ".objstore-*")
		if err != nil {
			return objstore.PutResult{}, fmt.Errorf("staging %s: %w", location, err)
		}
		if _, err := tmp.Write(payload); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return objstore.PutResult{}, fmt.Errorf("writing %s: %w", location, err)
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmp.Name())
			return objstore.PutResult{}, fmt.Errorf("writing %s: %w", location, err)
		}
		if err := os.Rename(tmp.Name(), dst); err != nil {
			_ = os.Remove(tmp.Name())
			return objstore.PutResult{}, fmt.Errorf("committing %s: %w", location, err)
		}
	}

	info, err := os.Stat(dst)
	if err != nil {
		return objstore.PutResult{}, translateError(err, location)
	}
	return objstore.PutResult{ETag: etagFor(info)}, nil
}

func (s *Store) Get(ctx context.Context, location objstore.Path) (*objstore.GetResult, error) {
	return s.GetOpts(ctx, location, objstore.GetOptions{})
}

func (s *Store) GetOpts(ctx context.Context, location objstore.Path, opts objstore.GetOptions) (*objstore.GetResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.fullPath(location))
	if err != nil {
		return nil, translateError(err, location)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, translateError(err, location)
	}
	meta := metaFor(location, info)

	if opts.IfMatch != "" && opts.IfMatch != meta.ETag {
		_ = f.Close()
		return nil, fmt.Errorf("%w: etag %q does not match %q", objstore.ErrPreconditionFailed, meta.ETag, opts.IfMatch)
	}
	if opts.IfNoneMatch != "" && opts.IfNoneMatch == meta.ETag {
		_ = f.Close()
		return nil, fmt.Errorf("%w: etag %q matches %q", objstore.ErrPreconditionFailed, meta.ETag, opts.IfNoneMatch)
	}

	rng := objstore.Range{Start: 0, End: meta.Size}
	if opts.Range != nil {
		rng = *opts.Range
		if rng.Start < 0 || rng.End > meta.Size || rng.Start > rng.End {
			_ = f.Close()
			return nil, fmt.Errorf("%w: range [%d, %d) out of bounds for object of %d bytes",
				objstore.ErrInvalidPath, rng.Start, rng.End, meta.Size)
		}
	}

	if opts.HeadOnly {
		_ = f.Close()
		return &objstore.GetResult{Meta: meta, Range: rng, Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	if rng.Start > 0 {
		if _, err := f.Seek(rng.Start, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("seeking %s to %d: %w", location, rng.Start, err)
		}
	}

	var body io.ReadCloser = f
	if rng.Length() < meta.Size {
		body = &limitedReadCloser{r: io.LimitReader(f, rng.Length()), closer: f}
	}

	return &objstore.GetResult{Meta: meta, Range: rng, Body: body}, nil
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
	info, err := os.Stat(s.fullPath(location))
	if err != nil {
		return objstore.ObjectMeta{}, translateError(err, location)
	}
	if info.IsDir() {
		return objstore.ObjectMeta{}, fmt.Errorf("%w: %s", objstore.ErrNotFound, location)
	}
	return metaFor(location, info), nil
}

func (s *Store) Delete(ctx context.Context, location objstore.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.fullPath(location))
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return err
}

// walk lazily yields metadata for every file below prefix, in lexical
// order, skipping objects up to and including skipPast when non-nil.
func (s *Store) walk(ctx context.Context, prefix *objstore.Path, skipPast *objstore.Path) iter.Seq2[objstore.ObjectMeta, error] {
	start := s.root
	if prefix != nil && !prefix.IsRoot() {
		start = s.fullPath(*prefix)
	}
	return func(yield func(objstore.ObjectMeta, error) bool) {
		err := filepath.WalkDir(start, func(fsPath string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				if os.IsNotExist(err) || os.IsPermission(err) {
					return nil
				}
				return err
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".objstore-") {
				return nil
			}
			loc, err := s.relPath(fsPath)
			if err != nil {
				return err
			}
			if skipPast != nil && loc.String() <= skipPast.String() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if !yield(metaFor(loc, info), nil) {
				return fs.SkipAll
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			yield(objstore.ObjectMeta{}, err)
		}
	}
}

func (s *Store) List(ctx context.Context, prefix *objstore.Path) iter.Seq2[objstore.ObjectMeta, error] {
	return s.walk(ctx, prefix, nil)
}

func (s *Store) ListWithOffset(ctx context.Context, prefix *objstore.Path, offset objstore.Path) iter.Seq2[objstore.ObjectMeta, error] {
	return s.walk(ctx, prefix, &offset)
}

func (s *Store) ListWithDelimiter(ctx context.Context, prefix *objstore.Path) (objstore.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return objstore.ListResult{}, err
	}

	base := objstore.Path{}
	if prefix != nil {
		base = *prefix
	}

	entries, err := os.ReadDir(s.fullPath(base))
	if err != nil {
		if os.IsNotExist(err) {
			return objstore.ListResult{}, nil
		}
		return objstore.ListResult{}, err
	}

	res := objstore.ListResult{}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".objstore-") {
			continue
		}
		if entry.IsDir() {
			res.CommonPrefixes = append(res.CommonPrefixes, base.Child(entry.Name()))
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return objstore.ListResult{}, err
		}
		res.Objects = append(res.Objects, metaFor(base.Child(entry.Name()), info))
	}
	sort.Slice(res.Objects, func(i, j int) bool {
		return res.Objects[i].Location.String() < res.Objects[j].Location.String()
	})
	return res, nil
}

func (s *Store) Copy(ctx context.Context, from, to objstore.Path) error {
	return s.copyFile(ctx, from, to, false)
}

func (s *Store) CopyIfNotExists(ctx context.Context, from, to objstore.Path) error {
	return s.copyFile(ctx, from, to, true)
}

func (s *Store) copyFile(ctx context.Context, from, to objstore.Path, failIfExists bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(s.fullPath(from))
	if err != nil {
		return translateError(err, from)
	}
	defer func() { _ = src.Close() }()

	dst := s.fullPath(to)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", to, err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if failIfExists {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	out, err := os.OpenFile(dst, flags, 0o644)
	if err != nil {
		return translateError(err, to)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return fmt.Errorf("copying %s to %s: %w", from, to, err)
	}
	return out.Close()
}

func (s *Store) RenameIfNotExists(ctx context.Context, from, to objstore.Path) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := s.fullPath(to)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", to, err)
	}

	// Link then unlink: the link fails atomically when dst exists.
	if err := os.Link(s.fullPath(from), dst); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", objstore.ErrAlreadyExists, to)
		}
		return translateError(err, from)
	}
	return os.Remove(s.fullPath(from))
}

func (s *Store) PutMultipart(ctx context.Context, location objstore.Path) (objstore.MultipartUpload, error) {
	return s.PutMultipartOpts(ctx, location, objstore.PutMultipartOptions{})
}

func (s *Store) PutMultipartOpts(ctx context.Context, location objstore.Path, _ objstore.PutMultipartOptions) (objstore.MultipartUpload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dst := s.fullPath(location)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", location, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".objstore-*")
	if err != nil {
		return nil, fmt.Errorf("staging %s: %w", location, err)
	}
	return &multipartUpload{store: s, location: location, tmp: tmp}, nil
}

// multipartUpload stages parts in a temp file; Complete renames it
// into place.
type multipartUpload struct {
	store    *Store
	location objstore.Path
	mu       sync.Mutex
	tmp      *os.File
	done     bool
}

func (u *multipartUpload) PutPart(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return fmt.Errorf("objstore/file: multipart upload for %s already finished", u.location)
	}
	_, err := u.tmp.Write(data)
	return err
}

func (u *multipartUpload) Complete(ctx context.Context) (objstore.PutResult, error) {
	if err := ctx.Err(); err != nil {
		return objstore.PutResult{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return objstore.PutResult{}, fmt.Errorf("objstore/file: multipart upload for %s already finished", u.location)
	}
	u.done = true

	if err := u.tmp.Close(); err != nil {
		_ = os.Remove(u.tmp.Name())
		return objstore.PutResult{}, fmt.Errorf("writing %s: %w", u.location, err)
	}
	dst := u.store.fullPath(u.location)
	if err := os.Rename(u.tmp.Name(), dst); err != nil {
		_ = os.Remove(u.tmp.Name())
		return objstore.PutResult{}, fmt.Errorf("committing %s: %w", u.location, err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		return objstore.PutResult{}, translateError(err, u.location)
	}
	return objstore.PutResult{ETag: etagFor(info)}, nil
}

func (u *multipartUpload) Abort(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return nil
	}
	u.done = true
	_ = u.tmp.Close()
	return os.Remove(u.tmp.Name())
}

// limitedReadCloser bounds a ranged read while closing the underlying
// file.
type limitedReadCloser struct {
	r      io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.closer.Close() }

// Factory builds filesystem-rooted stores for file:// table URLs.
//
// The URL must map to an existing local directory: an empty or
// localhost host and an absolute path. The reported root path is
// always "/" since the filesystem root is already the anchor; only the
// concurrency limit decorator is applied.
type Factory struct{}

// ParseURLOpts implements objstore.ObjectStoreFactory.
func (Factory) ParseURLOpts(u *url.URL, options objstore.StorageOptions) (objstore.ObjectStore, objstore.Path, error) {
	root, err := urlToFilePath(u)
	if err != nil {
		return nil, objstore.Path{}, err
	}
	store, err := New(root)
	if err != nil {
		return nil, objstore.Path{}, err
	}
	return objstore.LimitStoreHandler(store, options), objstore.Path{}, nil
}

// urlToFilePath maps a file:// URL to a local filesystem path.
func urlToFilePath(u *url.URL) (string, error) {
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("%w: %s: file URLs cannot name a remote host", objstore.ErrInvalidLocation, u.String())
	}
	// u.Path is already percent-decoded; only the opaque form is raw.
	p := u.Path
	if p == "" {
		decoded, err := url.PathUnescape(u.Opaque)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", objstore.ErrInvalidLocation, u.String(), err)
		}
		p = decoded
	}
	if p == "" || !filepath.IsAbs(filepath.FromSlash(p)) {
		return "", fmt.Errorf("%w: %s: not an absolute filesystem path", objstore.ErrInvalidLocation, u.String())
	}
	return filepath.FromSlash(p), nil
}

var (
	_ objstore.ObjectStore        = (*Store)(nil)
	_ objstore.ObjectStoreFactory = Factory{}
)
