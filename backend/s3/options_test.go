package s3

import (
	"errors"
	"testing"
	"time"

	"github.com/tablekit/objstore"
)

func TestConfigFromOptions(t *testing.T) {
	cfg, err := ConfigFromOptions("my-bucket", objstore.StorageOptions{
		"aws_region":            "eu-central-1",
		"aws_endpoint":          "http://localhost:9000",
		"aws_access_key_id":     "AKID",
		"aws_secret_access_key": "SECRET",
		"aws_session_token":     "TOKEN",
		"multipart_part_size":   "8388608",
		"multipart_concurrency": "8",
	})
	if err != nil {
		t.Fatalf("ConfigFromOptions failed: %v", err)
	}

	if cfg.Bucket != "my-bucket" {
		t.Errorf("Bucket = %q, want my-bucket", cfg.Bucket)
	}
	if cfg.Region != "eu-central-1" {
		t.Errorf("Region = %q, want eu-central-1", cfg.Region)
	}
	if cfg.Endpoint != "http://localhost:9000" {
		t.Errorf("Endpoint = %q", cfg.Endpoint)
	}
	if cfg.AccessKeyID != "AKID" || cfg.SecretAccessKey != "SECRET" || cfg.SessionToken != "TOKEN" {
		t.Error("credential options not mapped")
	}
	if cfg.PartSize != 8388608 {
		t.Errorf("PartSize = %d, want 8388608", cfg.PartSize)
	}
	if cfg.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", cfg.Concurrency)
	}
}

func TestConfigFromOptionsRegionEnvFallback(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "ap-southeast-2")

	cfg, err := ConfigFromOptions("b", objstore.StorageOptions{})
	if err != nil {
		t.Fatalf("ConfigFromOptions failed: %v", err)
	}
	if cfg.Region != "ap-southeast-2" {
		t.Errorf("Region = %q, want ap-southeast-2 from environment", cfg.Region)
	}

	// An explicit option wins over the environment.
	cfg, err = ConfigFromOptions("b", objstore.StorageOptions{"aws_region": "us-west-1"})
	if err != nil {
		t.Fatalf("ConfigFromOptions failed: %v", err)
	}
	if cfg.Region != "us-west-1" {
		t.Errorf("Region = %q, want us-west-1 from options", cfg.Region)
	}
}

func TestConfigFromOptionsPathStyle(t *testing.T) {
	tests := []struct {
		value string
		want  bool // UsePathStyle
	}{
		{"true", false},
		{"1", false},
		{"false", true},
		{"0", true},
	}
	for _, tt := range tests {
		cfg, err := ConfigFromOptions("b", objstore.StorageOptions{
			"aws_virtual_hosted_style_request": tt.value,
		})
		if err != nil {
			t.Fatalf("ConfigFromOptions failed: %v", err)
		}
		if cfg.UsePathStyle != tt.want {
			t.Errorf("UsePathStyle for %q = %v, want %v", tt.value, cfg.UsePathStyle, tt.want)
		}
	}

	cfg, err := ConfigFromOptions("b", objstore.StorageOptions{})
	if err != nil {
		t.Fatalf("ConfigFromOptions failed: %v", err)
	}
	if cfg.UsePathStyle {
		t.Error("UsePathStyle should default to false")
	}
}

func TestConfigFromOptionsMalformed(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"multipart_part_size", "lots"},
		{"multipart_part_size", "-1"},
		{"multipart_concurrency", "0"},
		{"multipart_concurrency", "many"},
	}
	for _, tt := range tests {
		_, err := ConfigFromOptions("b", objstore.StorageOptions{tt.key: tt.value})
		var optErr *objstore.OptionError
		if !errors.As(err, &optErr) {
			t.Errorf("ConfigFromOptions(%s=%q) error = %v, want *OptionError", tt.key, tt.value, err)
			continue
		}
		if optErr.Key != tt.key {
			t.Errorf("OptionError.Key = %q, want %q", optErr.Key, tt.key)
		}
	}
}

func TestConfigFromOptionsRetry(t *testing.T) {
	cfg, err := ConfigFromOptions("b", objstore.StorageOptions{
		"max_retries":   "4",
		"retry_timeout": "90s",
	})
	if err != nil {
		t.Fatalf("ConfigFromOptions failed: %v", err)
	}
	if cfg.Retry.MaxRetries != 4 {
		t.Errorf("Retry.MaxRetries = %d, want 4", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.RetryTimeout != 90*time.Second {
		t.Errorf("Retry.RetryTimeout = %v, want 90s", cfg.Retry.RetryTimeout)
	}

	// A malformed retry option fails the whole construction.
	if _, err := ConfigFromOptions("b", objstore.StorageOptions{"max_retries": "abc"}); err == nil {
		t.Error("malformed max_retries accepted")
	}
}

func TestFactoryRegistered(t *testing.T) {
	if _, ok := objstore.Factories().Lookup("s3"); !ok {
		t.Error("s3 scheme not registered")
	}
}
