// Package objstore provides a pluggable object-storage abstraction for
// table and transaction-log workloads.
//
// It maps table location URLs (memory://, file://, and registered cloud
// schemes such as s3://) to concrete storage backends through a common
// capability contract, with composable decorators for path prefixing and
// concurrency limiting, and an optional isolation wrapper that moves all
// I/O onto a dedicated worker pool.
//
// Basic usage:
//
//	u, _ := url.Parse("memory://tables/events")
//	store, err := objstore.StoreFor(u, objstore.StorageOptions{})
//	if err != nil {
//	    // unregistered scheme or bad location
//	}
//	_, err = store.Put(ctx, objstore.NewPath("_delta_log/00000000000000000000.json"), payload)
//
// Backend packages register their factories in init(); import them for
// their side effects:
//
//	import (
//	    _ "github.com/tablekit/objstore/backend/file"
//	    _ "github.com/tablekit/objstore/backend/memory"
//	)
package objstore

import (
	"context"
	"fmt"
	"io"
	"iter"
	"time"
)

// ObjectMeta describes an object stored in a backend.
type ObjectMeta struct {
	// Location is the full path of the object within the store.
	Location Path

	// Size is the object size in bytes.
	Size int64

	// LastModified is the time the object was created or last overwritten.
	LastModified time.Time

	// ETag is the backend's entity tag for the object, if any.
	ETag string
}

// PutResult is returned by successful put and multipart-complete operations.
type PutResult struct {
	// ETag of the stored object, if the backend provides one.
	ETag string

	// Version of the stored object, for versioned backends.
	Version string
}

// GetResult is the outcome of a Get or GetOpts call.
//
// Body streams the object payload and must be closed by the caller.
// Decorators that hold resources (e.g. concurrency permits) release them
// when Body is closed.
type GetResult struct {
	// Meta describes the object being read.
	Meta ObjectMeta

	// Range is the byte range covered by Body, [Start, End).
	Range Range

	// Body streams the object content.
	Body io.ReadCloser
}

// Bytes reads the remainder of the body and closes it.
func (r *GetResult) Bytes() ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(r.Body)
}

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int64
	End   int64
}

// Length returns the number of bytes in the range.
func (r Range) Length() int64 { return r.End - r.Start }

// PutMode controls the overwrite behavior of a put operation.
type PutMode int

const (
	// PutModeOverwrite unconditionally writes the object (default).
	PutModeOverwrite PutMode = iota

	// PutModeCreate fails with ErrAlreadyExists if the object exists.
	PutModeCreate
)

// PutOptions configures a PutOpts call.
type PutOptions struct {
	// Mode selects overwrite semantics.
	Mode PutMode

	// ContentType is a MIME type hint stored alongside the object where
	// the backend supports it.
	ContentType string

	// Metadata is backend-specific object metadata.
	Metadata map[string]string
}

// GetOptions configures a GetOpts call.
type GetOptions struct {
	// Range restricts the read to a byte range. Nil reads the whole object.
	Range *Range

	// IfMatch makes the read conditional on the object's ETag matching.
	IfMatch string

	// IfNoneMatch makes the read conditional on the ETag not matching.
	IfNoneMatch string

	// HeadOnly requests metadata only; Body is empty when set.
	HeadOnly bool
}

// PutMultipartOptions configures a PutMultipartOpts call.
type PutMultipartOptions struct {
	// ContentType is a MIME type hint for the assembled object.
	ContentType string

	// Metadata is backend-specific object metadata.
	Metadata map[string]string
}

// ListResult is the outcome of ListWithDelimiter: the objects and
// pseudo-directories directly under a prefix.
type ListResult struct {
	// CommonPrefixes are the pseudo-directories one level below the prefix.
	CommonPrefixes []Path

	// Objects are the objects directly below the prefix.
	Objects []ObjectMeta
}

// MultipartUpload is a stateful multipart upload session.
//
// Parts are uploaded in call order with PutPart; Complete assembles them
// into the final object, Abort discards the session. After Complete or
// Abort the session must not be reused.
type MultipartUpload interface {
	// PutPart uploads the next part. Backends may impose minimum part
	// sizes for all parts except the last.
	PutPart(ctx context.Context, data []byte) error

	// Complete assembles the uploaded parts into the final object.
	Complete(ctx context.Context) (PutResult, error)

	// Abort discards the session and any uploaded parts.
	Abort(ctx context.Context) error
}

// ObjectStore is the capability contract every storage backend variant
// implements: concrete transports (memory, file, s3, sftp, ...) and
// decorators alike. Decorators are ObjectStores that own another
// ObjectStore.
//
// Implementations are safe for concurrent use by multiple goroutines.
// All blocking operations accept a context.Context for cancellation.
//
// ObjectStore implementations also implement fmt.Stringer; the string
// form is the store's displayed identity, used in logs and diagnostics.
type ObjectStore interface {
	fmt.Stringer

	// Put writes payload at location, overwriting any existing object.
	Put(ctx context.Context, location Path, payload []byte) (PutResult, error)

	// PutOpts writes payload at location with explicit put options.
	PutOpts(ctx context.Context, location Path, payload []byte, opts PutOptions) (PutResult, error)

	// Get reads the object at location. Returns ErrNotFound if absent.
	Get(ctx context.Context, location Path) (*GetResult, error)

	// GetOpts reads the object at location with explicit get options.
	GetOpts(ctx context.Context, location Path, opts GetOptions) (*GetResult, error)

	// GetRange reads length bytes starting at offset.
	GetRange(ctx context.Context, location Path, offset, length int64) ([]byte, error)

	// Head returns metadata for the object at location without reading it.
	Head(ctx context.Context, location Path) (ObjectMeta, error)

	// Delete removes the object at location.
	Delete(ctx context.Context, location Path) error

	// List lazily yields metadata for all objects below prefix. A nil
	// prefix lists the whole store. The sequence may be unbounded for
	// remote stores; iteration stops when the consumer breaks or the
	// context is done, in which case the final yield carries the error.
	List(ctx context.Context, prefix *Path) iter.Seq2[ObjectMeta, error]

	// ListWithOffset behaves like List but skips objects up to and
	// including offset, in lexical path order.
	ListWithOffset(ctx context.Context, prefix *Path, offset Path) iter.Seq2[ObjectMeta, error]

	// ListWithDelimiter lists objects and common prefixes directly below
	// prefix, without recursing.
	ListWithDelimiter(ctx context.Context, prefix *Path) (ListResult, error)

	// Copy copies the object at from to to, overwriting to.
	Copy(ctx context.Context, from, to Path) error

	// CopyIfNotExists copies from to to, failing with ErrAlreadyExists
	// if to already exists.
	CopyIfNotExists(ctx context.Context, from, to Path) error

	// RenameIfNotExists moves from to to, failing with ErrAlreadyExists
	// if to already exists.
	RenameIfNotExists(ctx context.Context, from, to Path) error

	// PutMultipart starts a multipart upload session for location.
	PutMultipart(ctx context.Context, location Path) (MultipartUpload, error)

	// PutMultipartOpts starts a multipart upload session with options.
	PutMultipartOpts(ctx context.Context, location Path, opts PutMultipartOptions) (MultipartUpload, error)
}
