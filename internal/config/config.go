// Package config provides the server settings: logging, metrics, and
// audit configuration. Settings are operational tuning only — the
// catalog file (endpoint, databases, users) is protocol data and
// lives in internal/catalog.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Settings is the server settings document.
type Settings struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Audit   AuditConfig   `yaml:"audit"`
	Catalog CatalogConfig `yaml:"catalog"`
}

// LoggingConfig controls the slog handler and optional file output.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, text
	File       string `yaml:"file"`   // empty = stdout only
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig controls the optional Prometheus/health HTTP
// endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// AuditConfig controls the audit trail.
type AuditConfig struct {
	Enabled bool         `yaml:"enabled"`
	LogFile string       `yaml:"log_file"`
	Events  []string     `yaml:"events"`
	Syslog  SyslogConfig `yaml:"syslog"`
}

// SyslogConfig points the audit trail at a syslog daemon.
type SyslogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Network string `yaml:"network"` // udp, tcp; empty = local socket
	Address string `yaml:"address"`
	Tag     string `yaml:"tag"`
}

// CatalogConfig tunes catalog behavior.
type CatalogConfig struct {
	WatchFile bool `yaml:"watch_file"`
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() *Settings {
	return &Settings{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9187",
		},
		Audit: AuditConfig{
			Syslog: SyslogConfig{Tag: "docstore"},
		},
	}
}

// Load reads settings from a YAML file and applies environment
// variable overrides. An empty path loads defaults only.
func Load(path string) (*Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), s); err != nil {
			return nil, fmt.Errorf("failed to parse settings file: %w", err)
		}
	}

	s.applyEnvOverrides()

	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

func (s *Settings) applyEnvOverrides() {
	if v := os.Getenv("DOCSTORE_LOG_LEVEL"); v != "" {
		s.Logging.Level = v
	}
	if v := os.Getenv("DOCSTORE_LOG_FORMAT"); v != "" {
		s.Logging.Format = v
	}
	if v := os.Getenv("DOCSTORE_LOG_FILE"); v != "" {
		s.Logging.File = v
	}
	if v := os.Getenv("DOCSTORE_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Metrics.Enabled = b
		}
	}
	if v := os.Getenv("DOCSTORE_METRICS_ADDRESS"); v != "" {
		s.Metrics.Address = v
	}
	if v := os.Getenv("DOCSTORE_AUDIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Audit.Enabled = b
		}
	}
	if v := os.Getenv("DOCSTORE_CATALOG_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Catalog.WatchFile = b
		}
	}
}

// Validate rejects settings the server cannot act on.
func (s *Settings) Validate() error {
	switch s.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", s.Logging.Level)
	}
	switch s.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", s.Logging.Format)
	}
	if s.Metrics.Enabled && s.Metrics.Address == "" {
		return fmt.Errorf("metrics enabled without an address")
	}
	if s.Audit.Enabled && s.Audit.LogFile == "" && !s.Audit.Syslog.Enabled {
		return fmt.Errorf("audit enabled without a log file or syslog sink")
	}
	return nil
}
