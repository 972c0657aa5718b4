// Package s3 implements provider.ObjectStore for AWS S3 and S3-compatible storage.
package s3

import "github.com/3leaps/ocrfleet/pkg/provider/awsconfig"

// Config configures an S3 object store.
//
// Unlike a single-bucket client, the store addresses buckets per call: each
// job names its own input/output bucket.
type Config struct {
	awsconfig.Config

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	// Required for most S3-compatible stores and useful for local development.
	ForcePathStyle bool

	// MaxLineBytes bounds a single line of an item list.
	// Zero uses DefaultMaxLineBytes.
	MaxLineBytes int
}

// DefaultMaxLineBytes is the default per-line limit when reading item lists.
const DefaultMaxLineBytes = 64 * 1024

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.MaxLineBytes < 0 {
		return &awsconfig.ConfigError{Field: "MaxLineBytes", Message: "must not be negative"}
	}
	return nil
}
