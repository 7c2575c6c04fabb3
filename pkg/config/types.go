package config

import (
	"fmt"
	"time"

	"github.com/preservo/preservo/pkg/policy"
	"github.com/preservo/preservo/pkg/telemetry"
	sshtransport "github.com/preservo/preservo/pkg/transports/ssh"
)

// AppConfig is the configuration of a preservo process.
type AppConfig struct {
	Database  DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Archive   ArchiveConfig    `mapstructure:"archive" yaml:"archive"`
	Registry  RegistryConfig   `mapstructure:"registry" yaml:"registry"`
	Services  ServicesConfig   `mapstructure:"services" yaml:"services"`
	Executor  ExecutorConfig   `mapstructure:"executor" yaml:"executor"`
	Server    ServerConfig     `mapstructure:"server" yaml:"server"`
	Watch     WatchConfig      `mapstructure:"watch" yaml:"watch"`
	Policy    policy.Config    `mapstructure:"policy" yaml:"policy"`
	Telemetry telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file, or :memory:.
	Path         string `mapstructure:"path" yaml:"path" validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
}

// ArchiveConfig configures the package archive.
type ArchiveConfig struct {
	// Root holds the packages directory.
	Root        string `mapstructure:"root" yaml:"root" validate:"required"`
	Compression string `mapstructure:"compression" yaml:"compression" validate:"omitempty,oneof=deflate zstd"`
}

// RegistryConfig points at the format and service catalog.
type RegistryConfig struct {
	Catalog string `mapstructure:"catalog" yaml:"catalog" validate:"required"`
}

// ServicesConfig configures the service invoker.
type ServicesConfig struct {
	// SpoolDir holds the jobs of asynchronous services.
	SpoolDir string `mapstructure:"spool_dir" yaml:"spool_dir" validate:"required"`
}

// ExecutorConfig configures plan processing.
type ExecutorConfig struct {
	// MaxParallel bounds the plans processed at once.
	MaxParallel int `mapstructure:"max_parallel" yaml:"max_parallel" validate:"gte=1,lte=256"`

	// WorkDir is where packages are unpacked.
	WorkDir string `mapstructure:"work_dir" yaml:"work_dir"`

	// DeliveryRoot receives delivered files.
	DeliveryRoot string `mapstructure:"delivery_root" yaml:"delivery_root" validate:"required"`

	// Recover restarts running plans at startup.
	Recover bool `mapstructure:"recover" yaml:"recover"`

	// SFTP uploads deliveries to a remote host instead of DeliveryRoot.
	SFTP *sshtransport.Config `mapstructure:"sftp" yaml:"sftp,omitempty"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// WatchConfig configures the package watcher.
type WatchConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	Delay   time.Duration `mapstructure:"delay" yaml:"delay"`
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number where the error occurred.
	Line int `json:"line,omitempty"`

	// Column is the column number where the error occurred.
	Column int `json:"column,omitempty"`

	// Path is the field path to the error location.
	Path string `json:"path,omitempty"`

	// Message describes the validation error.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors collects every problem found in one document.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "no errors"
	case 1:
		return e[0].Error()
	default:
		return fmt.Sprintf("%s (and %d more errors)", e[0].Error(), len(e)-1)
	}
}
