package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"tracking uri", func(c *Config) string { return c.Destination.TrackingURI }, "http://localhost:5000"},
		{"token", func(c *Config) string { return c.Destination.Token }, ""},
		{"checkpoint path", func(c *Config) string { return c.Import.CheckpointPath }, "import_checkpoint.json.zst"},
		{"report path", func(c *Config) string { return c.Import.ReportPath }, "import_report.json"},
		{"prefix", func(c *Config) string { return c.Import.ExperimentNamePrefix }, ""},
		{"db path", func(c *Config) string { return c.Store.DBPath }, "mlmigrate.db"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if cfg.Import.Workers < 4 {
		t.Errorf("Import.Workers = %d, want at least 4", cfg.Import.Workers)
	}
	if cfg.Import.UseConcurrency {
		t.Error("Import.UseConcurrency = true, want false")
	}
	if cfg.Destination.Timeout != 60*time.Second {
		t.Errorf("Destination.Timeout = %v, want 60s", cfg.Destination.Timeout)
	}
	if cfg.Destination.RetryAttempts != 3 {
		t.Errorf("Destination.RetryAttempts = %d, want 3", cfg.Destination.RetryAttempts)
	}
}

func TestDefaultWorkers(t *testing.T) {
	if got := DefaultWorkers(); got < 4 {
		t.Errorf("DefaultWorkers() = %d, want >= 4", got)
	}
}

// TestLoad tests loading a valid config file
func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "mlmigrate.yaml")

	configContent := `
destination:
  tracking_uri: "https://dest.example.com"
  timeout: 90s
  retry_attempts: 5
import:
  experiment_name_prefix: "/Migrated/"
  delete_model: true
  use_concurrency: true
  workers: 12
  report_path: "/tmp/report.json"
store:
  db_path: "/var/lib/mlmigrate/history.db"
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Destination.TrackingURI != "https://dest.example.com" {
		t.Errorf("Destination.TrackingURI = %q", cfg.Destination.TrackingURI)
	}
	if cfg.Destination.Timeout != 90*time.Second {
		t.Errorf("Destination.Timeout = %v, want 90s", cfg.Destination.Timeout)
	}
	if cfg.Destination.RetryAttempts != 5 {
		t.Errorf("Destination.RetryAttempts = %d, want 5", cfg.Destination.RetryAttempts)
	}
	if cfg.Import.ExperimentNamePrefix != "/Migrated/" {
		t.Errorf("Import.ExperimentNamePrefix = %q", cfg.Import.ExperimentNamePrefix)
	}
	if !cfg.Import.DeleteModel || !cfg.Import.UseConcurrency {
		t.Errorf("expected delete_model and use_concurrency to be true: %+v", cfg.Import)
	}
	if cfg.Import.Workers != 12 {
		t.Errorf("Import.Workers = %d, want 12", cfg.Import.Workers)
	}
	if cfg.Import.ReportPath != "/tmp/report.json" {
		t.Errorf("Import.ReportPath = %q", cfg.Import.ReportPath)
	}
	// Unset keys keep their defaults.
	if cfg.Import.CheckpointPath != "import_checkpoint.json.zst" {
		t.Errorf("Import.CheckpointPath = %q, want default", cfg.Import.CheckpointPath)
	}
	if cfg.Store.DBPath != "/var/lib/mlmigrate/history.db" {
		t.Errorf("Store.DBPath = %q", cfg.Store.DBPath)
	}
}

// TestLoadInvalidYAML tests that Load returns an error for invalid YAML
func TestLoadInvalidYAML(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "invalid.yaml")

	invalidContent := `
destination:
  tracking_uri: "http://x"
  invalid: [unclosed bracket
`
	if err := os.WriteFile(configFile, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Load() succeeded, want error for invalid YAML")
	}
}

func TestLoadRejectsNegativeWorkers(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(configFile, []byte("import:\n  workers: -2\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Load() succeeded, want validation error")
	}
}

// TestLoadNonexistentFile tests that Load returns an error for missing files
func TestLoadNonexistentFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/to/config.yaml"); err == nil {
		t.Error("Load() succeeded, want error for nonexistent file")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MLFLOW_TRACKING_URI", "https://env.example.com")
	t.Setenv("DATABRICKS_TOKEN", "dapi-123")
	t.Setenv("MLFLOW_TRACKING_TOKEN", "")
	t.Setenv("MLMIGRATE_WORKERS", "7")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv() failed: %v", err)
	}

	if cfg.Destination.TrackingURI != "https://env.example.com" {
		t.Errorf("TrackingURI = %q", cfg.Destination.TrackingURI)
	}
	if cfg.Destination.Token != "dapi-123" {
		t.Errorf("Token = %q, want dapi-123", cfg.Destination.Token)
	}
	if cfg.Import.Workers != 7 {
		t.Errorf("Workers = %d, want 7", cfg.Import.Workers)
	}

	t.Setenv("MLFLOW_TRACKING_TOKEN", "mlflow-456")
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv() failed: %v", err)
	}
	if cfg.Destination.Token != "mlflow-456" {
		t.Errorf("Token = %q, want MLFLOW_TRACKING_TOKEN to win", cfg.Destination.Token)
	}
}

func TestApplyEnvInvalidWorkers(t *testing.T) {
	t.Setenv("MLMIGRATE_WORKERS", "many")
	if err := DefaultConfig().ApplyEnv(); err == nil {
		t.Error("ApplyEnv() succeeded, want error")
	}
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Destination.Token = "secret"

	red := cfg.Redacted()
	if red.Destination.Token != "REDACTED" {
		t.Errorf("Redacted token = %q", red.Destination.Token)
	}
	if cfg.Destination.Token != "secret" {
		t.Error("Redacted() modified the original config")
	}

	data, err := yaml.Marshal(red)
	if err != nil {
		t.Fatalf("yaml.Marshal failed: %v", err)
	}
	if string(data) == "" {
		t.Error("expected non-empty YAML")
	}
}
