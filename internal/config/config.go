// Package config provides configuration types, defaults, and persistence for probing.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zjrosen/probing/internal/log"
	"github.com/zjrosen/probing/internal/profile"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverJSONL  = "jsonl"
)

// Config holds all probing configuration.
type Config struct {
	// Profiling is the profiling spec string, e.g. "on,mode=random,rate=0.2".
	// Empty leaves profiling disabled.
	Profiling string        `mapstructure:"profiling" yaml:"profiling"`
	Storage   StorageConfig `mapstructure:"storage" yaml:"storage"`
	OTel      OTelConfig    `mapstructure:"otel" yaml:"otel"`
	Metrics   MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	LogPath   string        `mapstructure:"log_path" yaml:"log_path"`
	LogLevel  string        `mapstructure:"log_level" yaml:"log_level"`
}

// StorageConfig selects where trace rows go.
type StorageConfig struct {
	// Driver is one of "memory", "sqlite", "jsonl".
	// Default: "sqlite"
	Driver string `mapstructure:"driver" yaml:"driver"`

	// Path is the database or JSONL file. Ignored by the memory driver.
	// Default: ~/.probing/probing.db
	Path string `mapstructure:"path" yaml:"path"`
}

// OTelConfig mirrors trace rows into OpenTelemetry spans.
type OTelConfig struct {
	// Enabled controls whether spans are exported.
	// Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "stdout", "otlp"
	Exporter string `mapstructure:"exporter" yaml:"exporter"`

	// OTLPEndpoint is the collector endpoint for "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`

	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// ProfilingConfig returns the parsed profiling spec.
func (c Config) ProfilingConfig() profile.Config {
	return profile.Parse(c.Profiling)
}

// DefaultDataDir returns ~/.probing or empty string if home dir unavailable.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".probing")
}

// DefaultStoragePath returns the default SQLite database path.
func DefaultStoragePath() string {
	dir := DefaultDataDir()
	if dir == "" {
		return "probing.db"
	}
	return filepath.Join(dir, "probing.db")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Profiling: "",
		Storage: StorageConfig{
			Driver: DriverSQLite,
			Path:   DefaultStoragePath(),
		},
		OTel: OTelConfig{
			Enabled:      false,
			Exporter:     "stdout",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "probing",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func (c Config) Validate() error {
	if err := ValidateStorage(c.Storage); err != nil {
		return err
	}
	if err := ValidateOTel(c.OTel); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// ValidateStorage checks the storage section.
func ValidateStorage(s StorageConfig) error {
	switch strings.ToLower(s.Driver) {
	case "", DriverMemory:
		return nil
	case DriverSQLite, DriverJSONL:
		if s.Path == "" {
			return fmt.Errorf("storage.path is required when driver is %q", s.Driver)
		}
		return nil
	default:
		return fmt.Errorf("storage.driver must be \"memory\", \"sqlite\", or \"jsonl\", got %q", s.Driver)
	}
}

// ValidateOTel checks the otel section.
func ValidateOTel(o OTelConfig) error {
	if o.SampleRate < 0.0 || o.SampleRate > 1.0 {
		return fmt.Errorf("otel.sample_rate must be between 0.0 and 1.0, got %v", o.SampleRate)
	}

	if o.Exporter != "" {
		switch o.Exporter {
		case "none", "stdout", "otlp":
		default:
			return fmt.Errorf("otel.exporter must be \"none\", \"stdout\", or \"otlp\", got %q", o.Exporter)
		}
	}

	if o.Enabled && o.Exporter == "otlp" && o.OTLPEndpoint == "" {
		return fmt.Errorf("otel.otlp_endpoint is required when exporter is \"otlp\"")
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Probing Configuration

# Profiling spec: toggle? ("," option)*
# Examples:
#   on
#   random:0.1,tracepy=on
#   on,exprs=loss@trainStep
profiling: ""

# Where trace, module and variable rows are stored
storage:
  driver: sqlite            # memory, sqlite, or jsonl
  # path: ~/.probing/probing.db

# Mirror spans into OpenTelemetry
otel:
  enabled: false
  exporter: stdout          # none, stdout, or otlp
  otlp_endpoint: localhost:4317
  sample_rate: 1.0
  service_name: probing

# Prometheus metrics endpoint (demo command)
metrics:
  enabled: false
  addr: 127.0.0.1:9464

# Debug log file (empty disables logging)
# log_path: ~/.probing/debug.log
log_level: info
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
