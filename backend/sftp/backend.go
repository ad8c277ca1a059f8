// Package sftp provides an object store on a remote SFTP server.
//
// Importing the package registers a factory for the sftp:// scheme.
// The table URL names the server and root directory
// (sftp://user@host:port/srv/tables); credentials come from the URL
// userinfo or from StorageOptions.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"net/url"
	"os"
	gopath "path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/tablekit/objstore"
)

func init() {
	objstore.RegisterFactory("sftp", Factory{})
}

// Store implements objstore.ObjectStore over an SFTP session.
type Store struct {
	client    *sftp.Client
	sshClient *ssh.Client
	root      string
	host      string

	mu     sync.RWMutex
	closed bool
}

// New connects to the configured server and anchors a store at
// cfg.Root.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var authMethods []ssh.AuthMethod
	if cfg.Password != "" {
		authMethods = append(authMethods, ssh.Password(cfg.Password))
	}
	if cfg.KeyFile != "" {
		auth, err := keyFileAuth(cfg.KeyFile, cfg.KeyPassphrase)
		if err != nil {
			return nil, err
		}
		authMethods = append(authMethods, auth)
	}
	if len(authMethods) == 0 {
		return nil, errors.New("objstore/sftp: either a password or a key file is required")
	}

	sshConfig := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // G106: known-hosts verification not yet wired
		Timeout:         time.Duration(cfg.Timeout) * time.Second,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	sshClient, err := ssh.Dial("tcp", addr, sshConfig)
	if err != nil {
		return nil, fmt.Errorf("objstore/sftp: connecting to %s: %w", addr, err)
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("objstore/sftp: starting sftp subsystem on %s: %w", addr, err)
	}

	root := cfg.Root
	if root == "" {
		root = "."
	}
	return &Store{
		client:    client,
		sshClient: sshClient,
		root:      root,
		host:      cfg.Host,
	}, nil
}

// keyFileAuth loads a private key file as an SSH auth method.
func keyFileAuth(keyFile, passphrase string) (ssh.AuthMethod, error) {
	keyData, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("objstore/sftp: reading key file %s: %w", keyFile, err)
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		return nil, fmt.Errorf("objstore/sftp: parsing key file %s: %w", keyFile, err)
	}
	return ssh.PublicKeys(signer), nil
}

func (s *Store) String() string {
	return fmt.Sprintf("SFTP(%s, %s)", s.host, s.root)
}

// Close tears down the SFTP session and SSH connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.client.Close()
	if cerr := s.sshClient.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("objstore/sftp: store is closed")
	}
	return nil
}

func (s *Store) fullPath(location objstore.Path) string {
	return gopath.Join(s.root, location.String())
}

func (s *Store) relPath(remote string) objstore.Path {
	rel := strings.TrimPrefix(strings.TrimPrefix(remote, s.root), "/")
	return objstore.NewPath(rel)
}

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
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %s", objstore.ErrNotFound, location)
	case errors.Is(err, os.ErrExist):
		return fmt.Errorf("%w: %s", objstore.ErrAlreadyExists, location)
	default:
		return err
	}
}

func (s *Store) Put(ctx context.Context, location objstore.Path, payload []byte) (objstore.PutResult, error) {
	return s.PutOpts(ctx, location, payload, objstore.PutOptions{})
}

func (s *Store) PutOpts(ctx context.Context, location objstore.Path, payload []byte, opts objstore.PutOptions) (objstore.PutResult, error) {
	if err := s.checkClosed(); err != nil {
		return objstore.PutResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return objstore.PutResult{}, err
	}

	remote := s.fullPath(location)
	if err := s.client.MkdirAll(gopath.Dir(remote)); err != nil {
		return objstore.PutResult{}, fmt.Errorf("creating directory for %s: %w", location, err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if opts.Mode == objstore.PutModeCreate {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := s.client.OpenFile(remote, flags)
	if err != nil {
		return objstore.PutResult{}, translateError(err, location)
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return objstore.PutResult{}, fmt.Errorf("writing %s: %w", location, err)
	}
	if err := f.Close(); err != nil {
		return objstore.PutResult{}, fmt.Errorf("writing %s: %w", location, err)
	}

	info, err := s.client.Stat(remote)
	if err != nil {
		return objstore.PutResult{}, translateError(err, location)
	}
	return objstore.PutResult{ETag: etagFor(info)}, nil
}

func (s *Store) Get(ctx context.Context, location objstore.Path) (*objstore.GetResult, error) {
	return s.GetOpts(ctx, location, objstore.GetOptions{})
}

func (s *Store) GetOpts(ctx context.Context, location objstore.Path, opts objstore.GetOptions) (*objstore.GetResult, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := s.client.Open(s.fullPath(location))
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
	if err := s.checkClosed(); err != nil {
		return objstore.ObjectMeta{}, err
	}
	if err := ctx.Err(); err != nil {
		return objstore.ObjectMeta{}, err
	}
	info, err := s.client.Stat(s.fullPath(location))
	if err != nil {
		return objstore.ObjectMeta{}, translateError(err, location)
	}
	if info.IsDir() {
		return objstore.ObjectMeta{}, fmt.Errorf("%w: %s", objstore.ErrNotFound, location)
	}
	return metaFor(location, info), nil
}

func (s *Store) Delete(ctx context.Context, location objstore.Path) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.client.Remove(s.fullPath(location))
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// walk lazily yields metadata for every file below prefix using the
// remote walker, skipping objects up to and including skipPast when
// non-nil.
func (s *Store) walk(ctx context.Context, prefix *objstore.Path, skipPast *objstore.Path) iter.Seq2[objstore.ObjectMeta, error] {
	start := s.root
	if prefix != nil && !prefix.IsRoot() {
		start = s.fullPath(*prefix)
	}
	return func(yield func(objstore.ObjectMeta, error) bool) {
		if err := s.checkClosed(); err != nil {
			yield(objstore.ObjectMeta{}, err)
			return
		}
		walker := s.client.Walk(start)
		for walker.Step() {
			if err := ctx.Err(); err != nil {
				yield(objstore.ObjectMeta{}, err)
				return
			}
			if err := walker.Err(); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				if !yield(objstore.ObjectMeta{}, err) {
					return
				}
				continue
			}
			info := walker.Stat()
			if info.IsDir() {
				continue
			}
			loc := s.relPath(walker.Path())
			if skipPast != nil && loc.String() <= skipPast.String() {
				continue
			}
			if !yield(metaFor(loc, info), nil) {
				return
			}
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
	if err := s.checkClosed(); err != nil {
		return objstore.ListResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return objstore.ListResult{}, err
	}

	base := objstore.Path{}
	if prefix != nil {
		base = *prefix
	}

	entries, err := s.client.ReadDir(s.fullPath(base))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return objstore.ListResult{}, nil
		}
		return objstore.ListResult{}, err
	}

	res := objstore.ListResult{}
	for _, info := range entries {
		if info.IsDir() {
			res.CommonPrefixes = append(res.CommonPrefixes, base.Child(info.Name()))
			continue
		}
		res.Objects = append(res.Objects, metaFor(base.Child(info.Name()), info))
	}
	sort.Slice(res.Objects, func(i, j int) bool {
		return res.Objects[i].Location.String() < res.Objects[j].Location.String()
	})
	return res, nil
}

func (s *Store) copyFile(ctx context.Context, from, to objstore.Path, failIfExists bool) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := s.client.Open(s.fullPath(from))
	if err != nil {
		return translateError(err, from)
	}
	defer func() { _ = src.Close() }()

	remote := s.fullPath(to)
	if err := s.client.MkdirAll(gopath.Dir(remote)); err != nil {
		return fmt.Errorf("creating directory for %s: %w", to, err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if failIfExists {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	dst, err := s.client.OpenFile(remote, flags)
	if err != nil {
		return translateError(err, to)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = s.client.Remove(remote)
		return fmt.Errorf("copying %s to %s: %w", from, to, err)
	}
	return dst.Close()
}

func (s *Store) Copy(ctx context.Context, from, to objstore.Path) error {
	return s.copyFile(ctx, from, to, false)
}

func (s *Store) CopyIfNotExists(ctx context.Context, from, to objstore.Path) error {
	return s.copyFile(ctx, from, to, true)
}

func (s *Store) RenameIfNotExists(ctx context.Context, from, to objstore.Path) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	remote := s.fullPath(to)
	if err := s.client.MkdirAll(gopath.Dir(remote)); err != nil {
		return fmt.Errorf("creating directory for %s: %w", to, err)
	}
	// The SFTP rename request fails when the target exists, which is
	// exactly the semantics wanted here.
	if err := s.client.Rename(s.fullPath(from), remote); err != nil {
		if _, statErr := s.client.Stat(remote); statErr == nil {
			return fmt.Errorf("%w: %s", objstore.ErrAlreadyExists, to)
		}
		return translateError(err, from)
	}
	return nil
}

func (s *Store) PutMultipart(ctx context.Context, location objstore.Path) (objstore.MultipartUpload, error) {
	return s.PutMultipartOpts(ctx, location, objstore.PutMultipartOptions{})
}

func (s *Store) PutMultipartOpts(ctx context.Context, location objstore.Path, _ objstore.PutMultipartOptions) (objstore.MultipartUpload, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	remote := s.fullPath(location)
	if err := s.client.MkdirAll(gopath.Dir(remote)); err != nil {
		return nil, fmt.Errorf("creating directory for %s: %w", location, err)
	}
	staged := gopath.Dir(remote) + "/.objstore-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	f, err := s.client.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
	if err != nil {
		return nil, fmt.Errorf("staging %s: %w", location, err)
	}
	return &multipartUpload{store: s, location: location, staged: staged, f: f}, nil
}

// multipartUpload stages parts in a hidden remote file; Complete
// renames it into place.
type multipartUpload struct {
	store    *Store
	location objstore.Path
	staged   string
	mu       sync.Mutex
	f        *sftp.File
	done     bool
}

func (u *multipartUpload) PutPart(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return fmt.Errorf("objstore/sftp: multipart upload for %s already finished", u.location)
	}
	_, err := u.f.Write(data)
	return err
}

func (u *multipartUpload) Complete(ctx context.Context) (objstore.PutResult, error) {
	if err := ctx.Err(); err != nil {
		return objstore.PutResult{}, err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return objstore.PutResult{}, fmt.Errorf("objstore/sftp: multipart upload for %s already finished", u.location)
	}
	u.done = true

	if err := u.f.Close(); err != nil {
		_ = u.store.client.Remove(u.staged)
		return objstore.PutResult{}, fmt.Errorf("writing %s: %w", u.location, err)
	}
	remote := u.store.fullPath(u.location)
	if err := u.store.client.PosixRename(u.staged, remote); err != nil {
		_ = u.store.client.Remove(u.staged)
		return objstore.PutResult{}, fmt.Errorf("committing %s: %w", u.location, err)
	}
	info, err := u.store.client.Stat(remote)
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
	_ = u.f.Close()
	return u.store.client.Remove(u.staged)
}

// limitedReadCloser bounds a ranged read while closing the underlying
// remote file.
type limitedReadCloser struct {
	r      io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.closer.Close() }

// Factory builds SFTP-backed stores for sftp:// table URLs. The server
// and root directory come from the URL; credentials come from the URL
// userinfo or from StorageOptions. The reported root path is "/",
// matching the file scheme.
type Factory struct{}

// ParseURLOpts implements objstore.ObjectStoreFactory.
func (Factory) ParseURLOpts(u *url.URL, options objstore.StorageOptions) (objstore.ObjectStore, objstore.Path, error) {
	if u.Hostname() == "" {
		return nil, objstore.Path{}, fmt.Errorf("%w: %s: missing host", objstore.ErrInvalidLocation, u.String())
	}

	port := 0
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, objstore.Path{}, fmt.Errorf("%w: %s: bad port %q", objstore.ErrInvalidLocation, u.String(), p)
		}
		port = n
	}

	cfg, err := ConfigFromOptions(u.Hostname(), port, u.Path, options)
	if err != nil {
		return nil, objstore.Path{}, err
	}
	if ui := u.User; ui != nil {
		if name := ui.Username(); name != "" {
			cfg.User = name
		}
		if pw, ok := ui.Password(); ok {
			cfg.Password = pw
		}
	}

	store, err := New(cfg)
	if err != nil {
		return nil, objstore.Path{}, err
	}
	return objstore.LimitStoreHandler(store, options), objstore.Path{}, nil
}

var (
	_ objstore.ObjectStore        = (*Store)(nil)
	_ objstore.ObjectStoreFactory = Factory{}
)
