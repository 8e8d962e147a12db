package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if s.Logging.Level != "info" || s.Logging.Format != "json" {
		t.Errorf("defaults = %+v", s.Logging)
	}
	if s.Metrics.Enabled {
		t.Error("metrics enabled by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	os.WriteFile(path, []byte(`
logging:
  level: debug
  format: text
metrics:
  enabled: true
  address: "127.0.0.1:9999"
catalog:
  watch_file: true
`), 0o644)

	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Logging.Level != "debug" || s.Logging.Format != "text" {
		t.Errorf("logging = %+v", s.Logging)
	}
	if !s.Metrics.Enabled || s.Metrics.Address != "127.0.0.1:9999" {
		t.Errorf("metrics = %+v", s.Metrics)
	}
	if !s.Catalog.WatchFile {
		t.Error("watch_file not applied")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DOCSTORE_LOG_LEVEL", "warn")
	t.Setenv("DOCSTORE_METRICS_ENABLED", "true")
	s, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if s.Logging.Level != "warn" {
		t.Errorf("level = %s", s.Logging.Level)
	}
	if !s.Metrics.Enabled {
		t.Error("env metrics override not applied")
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []func(*Settings){
		func(s *Settings) { s.Logging.Level = "loud" },
		func(s *Settings) { s.Logging.Format = "xml" },
		func(s *Settings) { s.Metrics.Enabled = true; s.Metrics.Address = "" },
		func(s *Settings) { s.Audit.Enabled = true },
	}
	for i, mutate := range cases {
		s := DefaultSettings()
		mutate(s)
		if err := s.Validate(); err == nil {
			t.Errorf("case %d: invalid settings accepted", i)
		}
	}
}
