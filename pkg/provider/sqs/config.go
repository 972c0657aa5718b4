// Package sqs implements provider.Queue for AWS SQS.
package sqs

import (
	"time"

	"github.com/3leaps/ocrfleet/pkg/provider/awsconfig"
)

// Config configures an SQS queue adapter.
type Config struct {
	awsconfig.Config

	// WaitTime is the long-poll duration of a single Receive call.
	// It bounds how long a loop takes to observe a shutdown request.
	// Zero uses DefaultWaitTime; SQS caps it at 20s.
	WaitTime time.Duration

	// MaxMessages is the maximum batch size of a Receive call (1-10).
	// Zero uses DefaultMaxMessages.
	MaxMessages int

	// VisibilityTimeout hides received messages from other consumers until
	// they are acknowledged. Zero keeps the queue's own setting.
	VisibilityTimeout time.Duration
}

const (
	// DefaultWaitTime is the default long-poll duration.
	DefaultWaitTime = 10 * time.Second

	// MaxWaitTime is the SQS upper bound for long polling.
	MaxWaitTime = 20 * time.Second

	// DefaultMaxMessages is the default receive batch size.
	DefaultMaxMessages = 10

	// maxBatchEntries is the SQS limit for batch deletes.
	maxBatchEntries = 10
)

// Validate checks configuration bounds.
func (c *Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.WaitTime < 0 || c.WaitTime > MaxWaitTime {
		return &awsconfig.ConfigError{Field: "WaitTime", Message: "must be between 0s and 20s"}
	}
	if c.MaxMessages < 0 || c.MaxMessages > 10 {
		return &awsconfig.ConfigError{Field: "MaxMessages", Message: "must be between 1 and 10"}
	}
	if c.VisibilityTimeout < 0 {
		return &awsconfig.ConfigError{Field: "VisibilityTimeout", Message: "must not be negative"}
	}
	return nil
}
