package objstore

import "strings"

// Storage option keys recognized by this package. Keys not listed here
// are ignored by the core and forwarded opaquely to backend factories.
const (
	// ConcurrencyLimitKey bounds the number of concurrently in-flight
	// operations on a store. See LimitStoreHandler.
	ConcurrencyLimitKey = "OBJECT_STORE_CONCURRENCY_LIMIT"

	// MaxRetriesKey is the maximum number of retry attempts for
	// cloud-capable backends. See ParseRetryConfig.
	MaxRetriesKey = "max_retries"

	// RetryTimeoutKey bounds the total time spent retrying a request.
	RetryTimeoutKey = "retry_timeout"

	// InitBackoffKey is the delay before the first retry.
	InitBackoffKey = "backoff_config.init_backoff"

	// MaxBackoffKey caps the delay between retries.
	MaxBackoffKey = "backoff_config.max_backoff"

	// BackoffBaseKey is the multiplier applied to the delay after each
	// retry.
	BackoffBaseKey = "backoff_config.base"
)

// StorageOptions is the opaque string-keyed configuration bag passed to
// every factory. Keys are case-sensitive. Factories only borrow the map
// during construction and must not retain or mutate it.
type StorageOptions map[string]string

// Get returns the value for key and whether it is present.
func (o StorageOptions) Get(key string) (string, bool) {
	v, ok := o[key]
	return v, ok
}

// StrIsTruthy returns true for the string values conventionally
// associated with true: "1", "true", "on", "yes" and "y", in any case.
// Every other value, including the empty string, is falsy.
func StrIsTruthy(val string) bool {
	switch strings.ToLower(val) {
	case "1", "true", "on", "yes", "y":
		return true
	default:
		return false
	}
}
