// Package cmd implements the ocrfleet command line.
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/ocrfleet/internal/config"
	"github.com/3leaps/ocrfleet/internal/observability"
)

const serviceName = "ocrfleet"

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata, normally set from ldflags in main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile     string
	logLevel    string
	logFormat   string
	awsRegion   string
	awsEndpoint string
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "ocrfleet",
	Short: "Batch OCR manager for an EC2 worker fleet",
	Long: `ocrfleet runs the manager node of a batch OCR pipeline.

Clients submit jobs on an SQS queue. The manager scales an EC2 worker fleet,
fans image URLs out to workers, collects their OCR text and publishes one
HTML page per job to S3.

Configuration is read from ocrfleet.yaml (current directory or user config
directory), OCRFLEET_* environment variables and flags, in increasing order
of precedence.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Path to config file")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "", "Log format (console, json)")
	pf.StringVar(&awsRegion, "region", "", "AWS region")
	pf.StringVar(&awsEndpoint, "endpoint", "", "Custom AWS endpoint (LocalStack, moto)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Shorthand for --log-level debug")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	observability.InitCLILogger(serviceName, false)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		observability.CLILogger.Error("Command failed", zap.Error(err))
		return exitCodeOf(err)
	}
	return 0
}

// initApp loads configuration, applies flag overrides and configures logging.
func initApp(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx, flagOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load config", err)
	}
	if err := cfg.Validate(); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid config", err)
	}

	if err := observability.ConfigureCLILogger(serviceName, observability.LoggerConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging config", err)
	}

	observability.CLILogger.Debug("Config loaded",
		zap.String("region", cfg.AWS.Region),
		zap.String("endpoint", cfg.AWS.Endpoint),
		zap.String("version", versionInfo.Version))
	return nil
}

// flagOverrides returns the persistent flags the user actually set, keyed
// by config path.
func flagOverrides(cmd *cobra.Command) map[string]any {
	o := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("config") {
		o[config.ConfigFileKey] = cfgFile
	}
	if flags.Changed("region") {
		o["aws.region"] = awsRegion
	}
	if flags.Changed("endpoint") {
		o["aws.endpoint"] = awsEndpoint
	}
	if flags.Changed("log-format") {
		o["logging.format"] = logFormat
	}
	switch {
	case flags.Changed("log-level"):
		o["logging.level"] = logLevel
	case verbose:
		o["logging.level"] = "debug"
	}
	return o
}

// currentConfig returns the configuration loaded by initApp.
func currentConfig() (*config.Config, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Config not loaded", errors.New("initApp did not run"))
	}
	return cfg, nil
}

// exitCodeError carries a process exit code through cobra.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error {
	return e.err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &exitCodeError{code: code, message: message, err: err}
}

func exitCodeOf(err error) int {
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return 1
}
