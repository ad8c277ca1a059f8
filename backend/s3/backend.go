// Package s3 provides an object store on S3-compatible services:
// AWS S3, Cloudflare R2, MinIO, Wasabi and others.
//
// Importing the package registers a factory for the s3:// scheme. The
// factory parses credentials and the retry policy from StorageOptions,
// anchors the store at the URL's bucket, and applies the prefix and
// concurrency-limit decorators like the built-in schemes.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tablekit/objstore"
)

func init() {
	objstore.RegisterFactory("s3", Factory{})
}

// ErrBucketRequired is returned when construction is attempted without
// a bucket.
var ErrBucketRequired = errors.New("objstore/s3: bucket is required")

// apiClient is the slice of the S3 API the store calls. *s3.Client
// satisfies it; tests substitute a local fake.
type apiClient interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ apiClient = (*s3.Client)(nil)

// Store implements objstore.ObjectStore on an S3 bucket.
type Store struct {
	client   apiClient
	uploader *manager.Uploader
	bucket   string
	partSize int64
	retry    objstore.RetryConfig
}

// New creates an S3 store from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, ErrBucketRequired
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)
		optFns = append(optFns, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("objstore/s3: loading AWS config: %w", err)
	}

	var s3OptFns []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3OptFns = append(s3OptFns, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3OptFns = append(s3OptFns, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	if cfg.PartSize <= 0 {
		cfg.PartSize = 5 * 1024 * 1024
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}

	client := s3.NewFromConfig(awsCfg, s3OptFns...)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = cfg.PartSize
		u.Concurrency = cfg.Concurrency
	})

	return &Store{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		partSize: cfg.PartSize,
		retry:    cfg.Retry,
	}, nil
}

func (s *Store) String() string {
	return fmt.Sprintf("AmazonS3(%s)", s.bucket)
}

// isTransient reports whether an S3 request failed for a reason worth
// retrying: network timeouts and temporary conditions.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		code := status.HTTPStatusCode()
		return code == 429 || code >= 500
	}
	return false
}

// do runs op under the store's retry policy.
func (s *Store) do(ctx context.Context, op func() error) error {
	return s.retry.Do(ctx, isTransient, op)
}

// translateError maps S3 API errors onto the objstore sentinels.
func translateError(err error, location objstore.Path) error {
	if err == nil {
		return nil
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %s", objstore.ErrNotFound, location)
	}
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %s", objstore.ErrNotFound, location)
		case "PreconditionFailed":
			return fmt.Errorf("%w: %s", objstore.ErrPreconditionFailed, location)
		}
	}
	return err
}

func derefETag(etag *string) string {
	if etag == nil {
		return ""
	}
	return strings.Trim(*etag, `"`)
}

func (s *Store) Put(ctx context.Context, location objstore.Path, payload []byte) (objstore.PutResult, error) {
	return s.PutOpts(ctx, location, payload, objstore.PutOptions{})
}

func (s *Store) PutOpts(ctx context.Context, location objstore.Path, payload []byte, opts objstore.PutOptions) (objstore.PutResult, error) {
	// Large unconditional writes go through the transfer manager, which
	// splits them into concurrent multipart uploads. Conditional writes
	// must stay on PutObject for the IfNoneMatch header.
	//
	// The request body is rebuilt on every attempt: a retried request
	// captures the reader's current position as the stream start, so a
	// reader drained by a failed attempt would re-send as empty.
	newInput := func() *s3.PutObjectInput {
		input := &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(location.String()),
			Body:   bytes.NewReader(payload),
		}
		if opts.ContentType != "" {
			input.ContentType = aws.String(opts.ContentType)
		}
		if len(opts.Metadata) > 0 {
			input.Metadata = opts.Metadata
		}
		return input
	}

	if opts.Mode == objstore.PutModeOverwrite && int64(len(payload)) > s.partSize {
		var out *manager.UploadOutput
		err := s.do(ctx, func() error {
			var err error
			out, err = s.uploader.Upload(ctx, newInput())
			return err
		})
		if err != nil {
			return objstore.PutResult{}, translateError(err, location)
		}
		return objstore.PutResult{ETag: derefETag(out.ETag)}, nil
	}

	var out *s3.PutObjectOutput
	err := s.do(ctx, func() error {
		input := newInput()
		if opts.Mode == objstore.PutModeCreate {
			input.IfNoneMatch = aws.String("*")
		}
		var err error
		out, err = s.client.PutObject(ctx, input)
		return err
	})
	if err != nil {
		var apiErr interface{ ErrorCode() string }
		if opts.Mode == objstore.PutModeCreate && errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return objstore.PutResult{}, fmt.Errorf("%w: %s", objstore.ErrAlreadyExists, location)
		}
		return objstore.PutResult{}, translateError(err, location)
	}
	return objstore.PutResult{ETag: derefETag(out.ETag)}, nil
}

func (s *Store) Get(ctx context.Context, location objstore.Path) (*objstore.GetResult, error) {
	return s.GetOpts(ctx, location, objstore.GetOptions{})
}

func (s *Store) GetOpts(ctx context.Context, location objstore.Path, opts objstore.GetOptions) (*objstore.GetResult, error) {
	if opts.HeadOnly {
		meta, err := s.Head(ctx, location)
		if err != nil {
			return nil, err
		}
		return &objstore.GetResult{
			Meta:  meta,
			Range: objstore.Range{Start: 0, End: meta.Size},
			Body:  io.NopCloser(strings.NewReader("")),
		}, nil
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(location.String()),
	}
	if opts.Range != nil {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", opts.Range.Start, opts.Range.End-1))
	}
	if opts.IfMatch != "" {
		input.IfMatch = aws.String(opts.IfMatch)
	}
	if opts.IfNoneMatch != "" {
		input.IfNoneMatch = aws.String(opts.IfNoneMatch)
	}

	var out *s3.GetObjectOutput
	err := s.do(ctx, func() error {
		var err error
		out, err = s.client.GetObject(ctx, input)
		return err
	})
	if err != nil {
		return nil, translateError(err, location)
	}

	size := aws.ToInt64(out.ContentLength)
	rng := objstore.Range{Start: 0, End: size}
	if opts.Range != nil {
		rng = *opts.Range
	}
	return &objstore.GetResult{
		Meta: objstore.ObjectMeta{
			Location:     location,
			Size:         size,
			LastModified: aws.ToTime(out.LastModified),
			ETag:         derefETag(out.ETag),
		},
		Range: rng,
		Body:  out.Body,
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
	var out *s3.HeadObjectOutput
	err := s.do(ctx, func() error {
		var err error
		out, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(location.String()),
		})
		return err
	})
	if err != nil {
		return objstore.ObjectMeta{}, translateError(err, location)
	}
	return objstore.ObjectMeta{
		Location:     location,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		ETag:         derefETag(out.ETag),
	}, nil
}

func (s *Store) Delete(ctx context.Context, location objstore.Path) error {
	err := s.do(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(location.String()),
		})
		return err
	})
	return translateError(err, location)
}

// list pages through ListObjectsV2 lazily; each page is fetched only
// as iteration demands it.
func (s *Store) list(ctx context.Context, prefix *objstore.Path, startAfter string) iter.Seq2[objstore.ObjectMeta, error] {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}
	if prefix != nil && !prefix.IsRoot() {
		input.Prefix = aws.String(prefix.String() + objstore.Delimiter)
	}
	if startAfter != "" {
		input.StartAfter = aws.String(startAfter)
	}

	return func(yield func(objstore.ObjectMeta, error) bool) {
		paginator := s3.NewListObjectsV2Paginator(s.client, input)
		for paginator.HasMorePages() {
			var page *s3.ListObjectsV2Output
			err := s.do(ctx, func() error {
				var err error
				page, err = paginator.NextPage(ctx)
				return err
			})
			if err != nil {
				yield(objstore.ObjectMeta{}, err)
				return
			}
			for _, obj := range page.Contents {
				meta := objstore.ObjectMeta{
					Location:     objstore.NewPath(aws.ToString(obj.Key)),
					Size:         aws.ToInt64(obj.Size),
					LastModified: aws.ToTime(obj.LastModified),
					ETag:         derefETag(obj.ETag),
				}
				if !yield(meta, nil) {
					return
				}
			}
		}
	}
}

func (s *Store) List(ctx context.Context, prefix *objstore.Path) iter.Seq2[objstore.ObjectMeta, error] {
	return s.list(ctx, prefix, "")
}

func (s *Store) ListWithOffset(ctx context.Context, prefix *objstore.Path, offset objstore.Path) iter.Seq2[objstore.ObjectMeta, error] {
	return s.list(ctx, prefix, offset.String())
}

func (s *Store) ListWithDelimiter(ctx context.Context, prefix *objstore.Path) (objstore.ListResult, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Delimiter: aws.String(objstore.Delimiter),
	}
	if prefix != nil && !prefix.IsRoot() {
		input.Prefix = aws.String(prefix.String() + objstore.Delimiter)
	}

	res := objstore.ListResult{}
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := s.do(ctx, func() error {
			var err error
			page, err = paginator.NextPage(ctx)
			return err
		})
		if err != nil {
			return objstore.ListResult{}, err
		}
		for _, cp := range page.CommonPrefixes {
			res.CommonPrefixes = append(res.CommonPrefixes, objstore.NewPath(aws.ToString(cp.Prefix)))
		}
		for _, obj := range page.Contents {
			res.Objects = append(res.Objects, objstore.ObjectMeta{
				Location:     objstore.NewPath(aws.ToString(obj.Key)),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
				ETag:         derefETag(obj.ETag),
			})
		}
	}
	return res, nil
}

func (s *Store) Copy(ctx context.Context, from, to objstore.Path) error {
	err := s.do(ctx, func() error {
		_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(to.String()),
			CopySource: aws.String(s.bucket + "/" + from.String()),
		})
		return err
	})
	return translateError(err, from)
}

// CopyIfNotExists is not supported: S3 offers no atomic
// copy-unless-exists primitive, and a check-then-copy would silently
// lose the race this operation exists to win.
func (s *Store) CopyIfNotExists(ctx context.Context, from, to objstore.Path) error {
	return fmt.Errorf("%w: s3 copy-if-not-exists", objstore.ErrNotSupported)
}

// RenameIfNotExists is not supported, for the same reason as
// CopyIfNotExists.
func (s *Store) RenameIfNotExists(ctx context.Context, from, to objstore.Path) error {
	return fmt.Errorf("%w: s3 rename-if-not-exists", objstore.ErrNotSupported)
}

func (s *Store) PutMultipart(ctx context.Context, location objstore.Path) (objstore.MultipartUpload, error) {
	return s.PutMultipartOpts(ctx, location, objstore.PutMultipartOptions{})
}

func (s *Store) PutMultipartOpts(ctx context.Context, location objstore.Path, opts objstore.PutMultipartOptions) (objstore.MultipartUpload, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(location.String()),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}

	var out *s3.CreateMultipartUploadOutput
	err := s.do(ctx, func() error {
		var err error
		out, err = s.client.CreateMultipartUpload(ctx, input)
		return err
	})
	if err != nil {
		return nil, translateError(err, location)
	}
	return &multipartUpload{
		store:    s,
		location: location,
		uploadID: aws.ToString(out.UploadId),
	}, nil
}

// multipartUpload tracks an in-progress S3 multipart session.
type multipartUpload struct {
	store    *Store
	location objstore.Path
	uploadID string
	parts    []types.CompletedPart
	partNum  int32
}

func (u *multipartUpload) PutPart(ctx context.Context, data []byte) error {
	u.partNum++
	num := u.partNum

	var out *s3.UploadPartOutput
	err := u.store.do(ctx, func() error {
		var err error
		out, err = u.store.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(u.store.bucket),
			Key:        aws.String(u.location.String()),
			UploadId:   aws.String(u.uploadID),
			PartNumber: aws.Int32(num),
			Body:       bytes.NewReader(data),
		})
		return err
	})
	if err != nil {
		return translateError(err, u.location)
	}
	u.parts = append(u.parts, types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(num),
	})
	return nil
}

func (u *multipartUpload) Complete(ctx context.Context) (objstore.PutResult, error) {
	var out *s3.CompleteMultipartUploadOutput
	err := u.store.do(ctx, func() error {
		var err error
		out, err = u.store.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(u.store.bucket),
			Key:      aws.String(u.location.String()),
			UploadId: aws.String(u.uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{
				Parts: u.parts,
			},
		})
		return err
	})
	if err != nil {
		return objstore.PutResult{}, translateError(err, u.location)
	}
	return objstore.PutResult{ETag: derefETag(out.ETag)}, nil
}

func (u *multipartUpload) Abort(ctx context.Context) error {
	err := u.store.do(ctx, func() error {
		_, err := u.store.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(u.store.bucket),
			Key:      aws.String(u.location.String()),
			UploadId: aws.String(u.uploadID),
		})
		return err
	})
	return translateError(err, u.location)
}

// Factory builds S3-backed stores for s3:// table URLs. The bucket is
// the URL host; the URL path becomes the root prefix.
type Factory struct{}

// ParseURLOpts implements objstore.ObjectStoreFactory.
func (Factory) ParseURLOpts(u *url.URL, options objstore.StorageOptions) (objstore.ObjectStore, objstore.Path, error) {
	if u.Host == "" {
		return nil, objstore.Path{}, fmt.Errorf("%w: %s: missing bucket", objstore.ErrInvalidLocation, u.String())
	}

	cfg, err := ConfigFromOptions(u.Host, options)
	if err != nil {
		return nil, objstore.Path{}, err
	}
	inner, err := New(context.Background(), cfg)
	if err != nil {
		return nil, objstore.Path{}, err
	}

	// EscapedPath keeps the single decode inside PathFromURLPath;
	// u.Path has already been decoded once by url.Parse.
	path, err := objstore.PathFromURLPath(u.EscapedPath())
	if err != nil {
		return nil, objstore.Path{}, fmt.Errorf("%w: %s: %v", objstore.ErrInvalidLocation, u.String(), err)
	}
	store := objstore.LimitStoreHandler(objstore.URLPrefixHandler(inner, path), options)
	return store, path, nil
}

var (
	_ objstore.ObjectStore        = (*Store)(nil)
	_ objstore.ObjectStoreFactory = Factory{}
)
