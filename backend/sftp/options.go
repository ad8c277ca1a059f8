package sftp

import (
	"errors"
	"strconv"

	"github.com/tablekit/objstore"
)

// Errors specific to the SFTP backend.
var (
	ErrHostRequired = errors.New("objstore/sftp: host is required")
	ErrUserRequired = errors.New("objstore/sftp: user is required")
)

// Config holds configuration for the SFTP backend.
type Config struct {
	// Host is the SFTP server hostname or IP address (required).
	Host string

	// Port is the SSH port. Default: 22.
	Port int

	// User is the SSH username (required).
	User string

	// Password is the SSH password. Either Password or KeyFile must be
	// provided.
	Password string

	// KeyFile is the path to an SSH private key file.
	KeyFile string

	// KeyPassphrase is the passphrase for encrypted private keys.
	KeyPassphrase string

	// Root is the base directory on the remote server. All paths are
	// relative to it.
	Root string

	// Timeout is the connection timeout in seconds. Default: 30.
	Timeout int
}

// Option keys understood by ConfigFromOptions.
const (
	userKey          = "sftp_user"
	passwordKey      = "sftp_password"
	keyFileKey       = "sftp_key_file"
	keyPassphraseKey = "sftp_key_passphrase"
	timeoutKey       = "sftp_timeout"
)

// ConfigFromOptions builds a Config from a StorageOptions bag for a
// server address taken from the table URL. Unrecognized keys are
// ignored; a malformed timeout fails the construction.
func ConfigFromOptions(host string, port int, root string, options objstore.StorageOptions) (Config, error) {
	cfg := Config{
		Host:    host,
		Port:    port,
		Root:    root,
		Timeout: 30,
	}
	if cfg.Port <= 0 {
		cfg.Port = 22
	}

	if v, ok := options.Get(userKey); ok {
		cfg.User = v
	}
	if v, ok := options.Get(passwordKey); ok {
		cfg.Password = v
	}
	if v, ok := options.Get(keyFileKey); ok {
		cfg.KeyFile = v
	}
	if v, ok := options.Get(keyPassphraseKey); ok {
		cfg.KeyPassphrase = v
	}
	if v, ok := options.Get(timeoutKey); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			if err == nil {
				err = errors.New("must be a positive integer")
			}
			return Config{}, &objstore.OptionError{Key: timeoutKey, Value: v, Err: err}
		}
		cfg.Timeout = n
	}

	return cfg, nil
}

// Validate checks that required fields are present.
func (c Config) Validate() error {
	if c.Host == "" {
		return ErrHostRequired
	}
	if c.User == "" {
		return ErrUserRequired
	}
	return nil
}
