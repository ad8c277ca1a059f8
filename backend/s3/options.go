package s3

import (
	"errors"
	"os"
	"strconv"

	"github.com/tablekit/objstore"
)

// errMustBePositiveInt normalizes the two failure modes of a positive
// integer option: unparsable and out of range.
func errMustBePositiveInt(err error) error {
	if err != nil {
		return err
	}
	return errors.New("must be a positive integer")
}

// Config holds configuration for the S3 backend.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string

	// Region is the AWS region (e.g. "us-east-1"). If empty, the
	// AWS_REGION or AWS_DEFAULT_REGION environment variable applies.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible services
	// (MinIO, R2, Wasabi). Leave empty for AWS S3.
	Endpoint string

	// AccessKeyID is the access key. If empty, the SDK's default
	// credential chain applies (environment, shared config, IAM role).
	AccessKeyID string

	// SecretAccessKey is the secret key paired with AccessKeyID.
	SecretAccessKey string

	// SessionToken is an optional token for temporary credentials.
	SessionToken string

	// UsePathStyle forces path-style addressing, required by MinIO and
	// some older S3-compatible services.
	UsePathStyle bool

	// PartSize is the multipart part size in bytes. Default 5MB, the
	// S3 minimum.
	PartSize int64

	// Concurrency is the number of concurrent part transfers used by
	// the upload/download managers. Default 5.
	Concurrency int

	// Retry is the retry policy applied to transient request failures.
	Retry objstore.RetryConfig
}

// Option keys understood by ConfigFromOptions, alongside the retry
// keys parsed by objstore.ParseRetryConfig.
const (
	regionKey          = "aws_region"
	endpointKey        = "aws_endpoint"
	accessKeyIDKey     = "aws_access_key_id"
	secretAccessKeyKey = "aws_secret_access_key"
	sessionTokenKey    = "aws_session_token"
	pathStyleKey       = "aws_virtual_hosted_style_request"
	partSizeKey        = "multipart_part_size"
	concurrencyKey     = "multipart_concurrency"
)

// ConfigFromOptions builds a Config for bucket from a StorageOptions
// bag. Recognized keys override environment defaults; unrecognized
// keys are ignored. The retry policy is parsed with
// objstore.ParseRetryConfig, so malformed retry values fail the whole
// construction.
func ConfigFromOptions(bucket string, options objstore.StorageOptions) (Config, error) {
	retry, err := objstore.ParseRetryConfig(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Bucket: bucket,
		Region: os.Getenv("AWS_REGION"),
		Retry:  retry,
	}
	if cfg.Region == "" {
		cfg.Region = os.Getenv("AWS_DEFAULT_REGION")
	}

	if v, ok := options.Get(regionKey); ok {
		cfg.Region = v
	}
	if v, ok := options.Get(endpointKey); ok {
		cfg.Endpoint = v
	}
	if v, ok := options.Get(accessKeyIDKey); ok {
		cfg.AccessKeyID = v
	}
	if v, ok := options.Get(secretAccessKeyKey); ok {
		cfg.SecretAccessKey = v
	}
	if v, ok := options.Get(sessionTokenKey); ok {
		cfg.SessionToken = v
	}
	if v, ok := options.Get(pathStyleKey); ok {
		// The option names virtual-hosted style; path style is its
		// negation.
		cfg.UsePathStyle = !objstore.StrIsTruthy(v)
	}
	if v, ok := options.Get(partSizeKey); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, &objstore.OptionError{Key: partSizeKey, Value: v, Err: errMustBePositiveInt(err)}
		}
		cfg.PartSize = n
	}
	if v, ok := options.Get(concurrencyKey); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, &objstore.OptionError{Key: concurrencyKey, Value: v, Err: errMustBePositiveInt(err)}
		}
		cfg.Concurrency = n
	}

	return cfg, nil
}
