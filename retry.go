package objstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"
)

// BackoffConfig shapes the delay between retry attempts.
type BackoffConfig struct {
	// InitBackoff is the delay before the first retry.
	InitBackoff time.Duration

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration

	// Base is the multiplier applied to the delay after each attempt.
	Base float64
}

// RetryConfig is the retry policy cloud-capable backends parse from
// StorageOptions.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts. 0 means fail
	// on the first error.
	MaxRetries int

	// RetryTimeout bounds the total time spent on an operation across
	// all attempts.
	RetryTimeout time.Duration

	// Backoff shapes the delay between attempts.
	Backoff BackoffConfig
}

// DefaultRetryConfig returns the retry policy used when StorageOptions
// carries no retry keys.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   10,
		RetryTimeout: 3 * time.Minute,
		Backoff: BackoffConfig{
			InitBackoff: 100 * time.Millisecond,
			MaxBackoff:  15 * time.Second,
			Base:        2,
		},
	}
}

// ParseRetryConfig parses a retry policy from StorageOptions.
//
// Recognized keys: max_retries, retry_timeout,
// backoff_config.init_backoff, backoff_config.max_backoff and
// backoff_config.base. Absent keys keep their defaults; a present key
// that fails to parse fails the whole parse with an OptionError naming
// the key and raw value. Durations use the Go grammar ("300s", "1h").
func ParseRetryConfig(options StorageOptions) (RetryConfig, error) {
	cfg := DefaultRetryConfig()

	if raw, ok := options.Get(MaxRetriesKey); ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			if err == nil {
				err = errors.New("must be a non-negative integer")
			}
			return RetryConfig{}, &OptionError{Key: MaxRetriesKey, Value: raw, Err: err}
		}
		cfg.MaxRetries = n
	}

	if raw, ok := options.Get(RetryTimeoutKey); ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return RetryConfig{}, &OptionError{Key: RetryTimeoutKey, Value: raw, Err: err}
		}
		cfg.RetryTimeout = d
	}

	if raw, ok := options.Get(InitBackoffKey); ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return RetryConfig{}, &OptionError{Key: InitBackoffKey, Value: raw, Err: err}
		}
		cfg.Backoff.InitBackoff = d
	}

	if raw, ok := options.Get(MaxBackoffKey); ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return RetryConfig{}, &OptionError{Key: MaxBackoffKey, Value: raw, Err: err}
		}
		cfg.Backoff.MaxBackoff = d
	}

	if raw, ok := options.Get(BackoffBaseKey); ok {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return RetryConfig{}, &OptionError{Key: BackoffBaseKey, Value: raw, Err: err}
		}
		cfg.Backoff.Base = f
	}

	return cfg, nil
}

// RetryError indicates an operation failed after all retry attempts.
type RetryError struct {
	Attempts int
	LastErr  error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("objstore: operation failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryError) Unwrap() error { return e.LastErr }

// Do runs op, retrying transient failures with exponential backoff
// until it succeeds, MaxRetries is exhausted, RetryTimeout elapses or
// ctx is done. retryable decides whether an error is worth retrying; a
// nil retryable retries every error.
func (c RetryConfig) Do(ctx context.Context, retryable func(error) bool, op func() error) error {
	if c.MaxRetries <= 0 {
		return op()
	}

	backoff := c.Backoff
	if backoff.InitBackoff <= 0 {
		backoff.InitBackoff = 100 * time.Millisecond
	}
	if backoff.MaxBackoff <= 0 {
		backoff.MaxBackoff = 15 * time.Second
	}
	if backoff.Base <= 1 {
		backoff.Base = 2
	}

	if c.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.RetryTimeout)
		defer cancel()
	}

	var lastErr error
	delay := backoff.InitBackoff

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == c.MaxRetries {
			break
		}

		// Jitter spreads retry timing to avoid thundering herd;
		// math/rand suffices for that.
		jittered := delay + time.Duration((rand.Float64()*2-1)*float64(delay)*0.1) //nolint:gosec // G404: timing jitter only

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}

		delay = time.Duration(float64(delay) * backoff.Base)
		if delay > backoff.MaxBackoff {
			delay = backoff.MaxBackoff
		}
	}

	return &RetryError{Attempts: c.MaxRetries + 1, LastErr: lastErr}
}
