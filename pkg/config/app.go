package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. PRESERVO_DATABASE_PATH.
const EnvPrefix = "PRESERVO"

// SetDefaults registers the default configuration, relative to dataDir.
func SetDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("database.path", filepath.Join(dataDir, "preservo.db"))
	v.SetDefault("database.max_open_conns", 4)

	v.SetDefault("archive.root", filepath.Join(dataDir, "archive"))
	v.SetDefault("archive.compression", "deflate")

	v.SetDefault("registry.catalog", filepath.Join(dataDir, "catalog.yaml"))
	v.SetDefault("services.spool_dir", filepath.Join(dataDir, "spool"))

	v.SetDefault("executor.max_parallel", 4)
	v.SetDefault("executor.work_dir", "")
	v.SetDefault("executor.delivery_root", filepath.Join(dataDir, "deliveries"))
	v.SetDefault("executor.recover", true)

	v.SetDefault("server.addr", "127.0.0.1:8420")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.delay", 500*time.Millisecond)

	v.SetDefault("policy.admins", []string{})
	v.SetDefault("policy.readers", []string{})
	v.SetDefault("policy.public_read", false)
	v.SetDefault("policy.paths", []string{})

	v.SetDefault("telemetry.service_name", "preservo")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.logging.level", "info")
	v.SetDefault("telemetry.logging.format", "console")
	v.SetDefault("telemetry.logging.output", "stderr")
	v.SetDefault("telemetry.tracing.enabled", false)
	v.SetDefault("telemetry.tracing.exporter", "none")
	v.SetDefault("telemetry.tracing.sampling_rate", 1.0)
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.path", "/metrics")
	v.SetDefault("telemetry.metrics.namespace", "preservo")
	v.SetDefault("telemetry.events.enabled", true)
	v.SetDefault("telemetry.events.buffer_size", 256)
	v.SetDefault("telemetry.events.async", true)
}

// NewViper returns a viper instance with defaults and environment overrides.
func NewViper(dataDir string) *viper.Viper {
	v := viper.New()
	SetDefaults(v, dataDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration file, if any, into v and decodes and
// validates the result.
func Load(v *viper.Viper, path string) (*AppConfig, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Executor.SFTP != nil {
		cfg.Executor.SFTP.ApplyDefaults()
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags of an application configuration.
func Validate(cfg *AppConfig) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	// Struct tags of the sftp section were checked above; this resolves
	// and checks its key file.
	if cfg.Executor.SFTP != nil {
		if err := cfg.Executor.SFTP.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: executor.sftp: %w", err)
		}
	}
	return nil
}
