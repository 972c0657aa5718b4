// Package config loads ocrfleet configuration.
//
// Precedence, highest first: runtime overrides, OCRFLEET_* environment
// variables, the config file, built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/ocrfleet/pkg/fleet"
	"github.com/3leaps/ocrfleet/pkg/provider/s3"
	"github.com/3leaps/ocrfleet/pkg/provider/sqs"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "OCRFLEET"

// ConfigFileKey is the override key naming an explicit config file.
const ConfigFileKey = "config_file"

// EnvSpec maps an environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load builds the configuration and records it for GetConfig.
// Each override is a nested map merged over the other sources, in order.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	if err := readConfigFile(v, overrides); err != nil {
		return nil, err
	}

	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetDefaults registers built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("aws.region", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.force_path_style", false)

	v.SetDefault("queues.submissions", "localAppToManagerQueue")
	v.SetDefault("queues.work", "managerToWorkersQueue")
	v.SetDefault("queues.results", "workerToManagerQueue")
	v.SetDefault("queues.wait_time", sqs.DefaultWaitTime.String())
	v.SetDefault("queues.max_messages", sqs.DefaultMaxMessages)
	v.SetDefault("queues.visibility_timeout", "60s")

	v.SetDefault("fleet.ceiling", fleet.DefaultCeiling)
	v.SetDefault("fleet.instance_type", "t2.micro")
	v.SetDefault("fleet.iam_profile", "")
	v.SetDefault("fleet.key_name", "")
	v.SetDefault("fleet.security_group_ids", []string{})
	v.SetDefault("fleet.user_data", "")
	v.SetDefault("fleet.user_data_file", "")

	v.SetDefault("dispatch.rate_limit", 50.0)
	v.SetDefault("dispatch.burst", 10)
	v.SetDefault("dispatch.send_retries", 3)
	v.SetDefault("dispatch.retry_initial_interval", "200ms")
	v.SetDefault("dispatch.retry_max_interval", "5s")

	v.SetDefault("manager.self_terminate", true)
	v.SetDefault("manager.publish_attempts", 5)
	v.SetDefault("manager.notify_failures", false)
	v.SetDefault("manager.max_line_bytes", s3.DefaultMaxLineBytes)
	v.SetDefault("manager.cleanup_timeout", "2m")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)
}

// getEnvSpecs lists the short environment variable aliases. Every other key
// is reachable through its full path, e.g. OCRFLEET_DISPATCH_RATE_LIMIT.
func getEnvSpecs() []EnvSpec {
	short := []struct{ name, path string }{
		{"REGION", "aws.region"},
		{"ENDPOINT", "aws.endpoint"},
		{"PROFILE", "aws.profile"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_FORMAT", "logging.format"},
		{"LOG_FILE", "logging.file"},
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"CEILING", "fleet.ceiling"},
		{"SELF_TERMINATE", "manager.self_terminate"},
	}
	out := make([]EnvSpec, 0, len(short))
	for _, s := range short {
		out = append(out, EnvSpec{Name: EnvPrefix + "_" + s.name, Path: s.path})
	}
	return out
}

// applyOverrides sets every leaf of a nested map at the highest viper
// precedence, so overrides beat environment variables.
func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, key, nested)
			continue
		}
		v.Set(key, val)
	}
}

// readConfigFile loads an explicit config file named by the overrides, or
// ocrfleet.yaml from the working directory or user config directory.
func readConfigFile(v *viper.Viper, overrides []map[string]any) error {
	explicit := ""
	for _, o := range overrides {
		if p, ok := o[ConfigFileKey].(string); ok && p != "" {
			explicit = p
		}
	}
	if env := os.Getenv(EnvPrefix + "_CONFIG"); explicit == "" && env != "" {
		explicit = env
	}

	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName("ocrfleet")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "ocrfleet"))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}
