package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/3leaps/ocrfleet/pkg/fleet"
	"github.com/3leaps/ocrfleet/pkg/provider/awsconfig"
	"github.com/3leaps/ocrfleet/pkg/provider/s3"
	"github.com/3leaps/ocrfleet/pkg/provider/sqs"
)

// Config is the complete ocrfleet configuration.
type Config struct {
	AWS      AWSConfig      `mapstructure:"aws" yaml:"aws"`
	Queues   QueuesConfig   `mapstructure:"queues" yaml:"queues"`
	Fleet    FleetConfig    `mapstructure:"fleet" yaml:"fleet"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	Manager  ManagerConfig  `mapstructure:"manager" yaml:"manager"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// AWSConfig configures access to EC2, SQS and S3.
type AWSConfig struct {
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Profile         string `mapstructure:"profile" yaml:"profile,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"-"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"-"`
	// ForcePathStyle is needed by most S3-compatible endpoints.
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// QueuesConfig names the queues and tunes receive behavior.
type QueuesConfig struct {
	// Submissions is owned by clients and looked up, never created.
	Submissions string `mapstructure:"submissions" yaml:"submissions"`
	// Work and Results are created at startup and deleted on shutdown.
	Work    string `mapstructure:"work" yaml:"work"`
	Results string `mapstructure:"results" yaml:"results"`

	WaitTime          time.Duration `mapstructure:"wait_time" yaml:"wait_time"`
	MaxMessages       int           `mapstructure:"max_messages" yaml:"max_messages"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`
}

// FleetConfig sizes and configures worker instances.
type FleetConfig struct {
	Ceiling          int      `mapstructure:"ceiling" yaml:"ceiling"`
	InstanceType     string   `mapstructure:"instance_type" yaml:"instance_type"`
	IAMProfile       string   `mapstructure:"iam_profile" yaml:"iam_profile,omitempty"`
	KeyName          string   `mapstructure:"key_name" yaml:"key_name,omitempty"`
	SecurityGroupIDs []string `mapstructure:"security_group_ids" yaml:"security_group_ids,omitempty"`
	UserData         string   `mapstructure:"user_data" yaml:"user_data,omitempty"`
	// UserDataFile is read at startup and takes precedence over UserData.
	UserDataFile string `mapstructure:"user_data_file" yaml:"user_data_file,omitempty"`
}

// DispatchConfig throttles and retries work-item sends.
type DispatchConfig struct {
	// RateLimit is sends per second; zero disables limiting.
	RateLimit            float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst                int           `mapstructure:"burst" yaml:"burst"`
	SendRetries          int           `mapstructure:"send_retries" yaml:"send_retries"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval" yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval" yaml:"retry_max_interval"`
}

// ManagerConfig controls job handling and shutdown.
type ManagerConfig struct {
	SelfTerminate   bool          `mapstructure:"self_terminate" yaml:"self_terminate"`
	PublishAttempts int           `mapstructure:"publish_attempts" yaml:"publish_attempts"`
	NotifyFailures  bool          `mapstructure:"notify_failures" yaml:"notify_failures"`
	MaxLineBytes    int           `mapstructure:"max_line_bytes" yaml:"max_line_bytes"`
	CleanupTimeout  time.Duration `mapstructure:"cleanup_timeout" yaml:"cleanup_timeout"`
}

// ServerConfig configures the optional status server.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// Format is "console" or "json".
	Format string `mapstructure:"format" yaml:"format"`
	// File, when set, receives a JSON copy of every entry with rotation.
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if (c.AWS.AccessKeyID != "") != (c.AWS.SecretAccessKey != "") {
		add("aws: access_key_id and secret_access_key must be set together")
	}
	if strings.TrimSpace(c.Queues.Submissions) == "" {
		add("queues.submissions is required")
	}
	if strings.TrimSpace(c.Queues.Work) == "" {
		add("queues.work is required")
	}
	if strings.TrimSpace(c.Queues.Results) == "" {
		add("queues.results is required")
	}
	if c.Queues.Work == c.Queues.Results {
		add("queues.work and queues.results must differ")
	}
	if c.Queues.WaitTime < 0 || c.Queues.WaitTime > sqs.MaxWaitTime {
		add("queues.wait_time must be between 0s and %s", sqs.MaxWaitTime)
	}
	if c.Queues.MaxMessages < 1 || c.Queues.MaxMessages > 10 {
		add("queues.max_messages must be between 1 and 10")
	}
	if c.Fleet.Ceiling < 1 || c.Fleet.Ceiling >= fleet.AccountInstanceLimit {
		add("fleet.ceiling must be between 1 and %d", fleet.AccountInstanceLimit-1)
	}
	if c.Dispatch.RateLimit < 0 {
		add("dispatch.rate_limit must not be negative")
	}
	if c.Dispatch.SendRetries < 0 {
		add("dispatch.send_retries must not be negative")
	}
	if c.Manager.PublishAttempts < 1 {
		add("manager.publish_attempts must be at least 1")
	}
	if c.Server.Enabled && (c.Server.Port < 0 || c.Server.Port > 65535) {
		add("server.port must be between 0 and 65535")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		add("logging.format must be console or json")
	}
	return errors.Join(errs...)
}

// AWSProvider returns the shared AWS settings for the provider adapters.
func (c *Config) AWSProvider() awsconfig.Config {
	return awsconfig.Config{
		Region:          c.AWS.Region,
		Endpoint:        c.AWS.Endpoint,
		Profile:         c.AWS.Profile,
		AccessKeyID:     c.AWS.AccessKeyID,
		SecretAccessKey: c.AWS.SecretAccessKey,
	}
}

// S3 returns the object store settings.
func (c *Config) S3() s3.Config {
	return s3.Config{
		Config:         c.AWSProvider(),
		ForcePathStyle: c.AWS.ForcePathStyle,
		MaxLineBytes:   c.Manager.MaxLineBytes,
	}
}

// SQS returns the queue settings.
func (c *Config) SQS() sqs.Config {
	return sqs.Config{
		Config:            c.AWSProvider(),
		WaitTime:          c.Queues.WaitTime,
		MaxMessages:       c.Queues.MaxMessages,
		VisibilityTimeout: c.Queues.VisibilityTimeout,
	}
}

// LaunchParams returns the worker launch parameters for image.
func (c *Config) LaunchParams(image string) (fleet.LaunchParams, error) {
	userData := c.Fleet.UserData
	if c.Fleet.UserDataFile != "" {
		b, err := os.ReadFile(c.Fleet.UserDataFile)
		if err != nil {
			return fleet.LaunchParams{}, fmt.Errorf("read user data file: %w", err)
		}
		userData = string(b)
	}
	return fleet.LaunchParams{
		ImageID:          image,
		InstanceType:     c.Fleet.InstanceType,
		IAMProfile:       c.Fleet.IAMProfile,
		KeyName:          c.Fleet.KeyName,
		SecurityGroupIDs: c.Fleet.SecurityGroupIDs,
		UserData:         userData,
	}, nil
}
