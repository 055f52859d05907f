package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Destination DestinationConfig `yaml:"destination"`
	Import      ImportConfig      `yaml:"import"`
	Store       StoreConfig       `yaml:"store"`
}

// DestinationConfig describes the tracking server that receives the import
type DestinationConfig struct {
	TrackingURI   string        `yaml:"tracking_uri"`
	Token         string        `yaml:"token,omitempty"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
}

// ImportConfig holds defaults for the import commands. Command-line flags
// take precedence over these values.
type ImportConfig struct {
	ExperimentNamePrefix string `yaml:"experiment_name_prefix"`
	DeleteModel          bool   `yaml:"delete_model"`
	UseSrcUserID         bool   `yaml:"use_src_user_id"`
	ImportMetadataTags   bool   `yaml:"import_metadata_tags"`
	UseConcurrency       bool   `yaml:"use_concurrency"`
	Workers              int    `yaml:"workers"`
	Verbose              bool   `yaml:"verbose"`
	CheckpointPath       string `yaml:"checkpoint_path"`
	ReportPath           string `yaml:"report_path"`
}

// StoreConfig holds import history settings
type StoreConfig struct {
	DBPath string `yaml:"db_path"`
}

// DefaultWorkers is the pool size used when none is configured: the number
// of available CPUs, but never fewer than 4.
func DefaultWorkers() int {
	n := runtime.NumCPU()
	if n < 4 {
		return 4
	}
	return n
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Destination: DestinationConfig{
			TrackingURI:   "http://localhost:5000",
			Timeout:       60 * time.Second,
			RetryAttempts: 3,
		},
		Import: ImportConfig{
			Workers:        DefaultWorkers(),
			CheckpointPath: "import_checkpoint.json.zst",
			ReportPath:     "import_report.json",
		},
		Store: StoreConfig{
			DBPath: "mlmigrate.db",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"mlmigrate.yaml",
		"/etc/mlmigrate/mlmigrate.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "mlmigrate", "mlmigrate.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// ApplyEnv overlays environment variables on top of the loaded config.
// MLFLOW_TRACKING_TOKEN wins over DATABRICKS_TOKEN when both are set.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("MLFLOW_TRACKING_URI"); v != "" {
		c.Destination.TrackingURI = v
	}
	if v := os.Getenv("DATABRICKS_TOKEN"); v != "" {
		c.Destination.Token = v
	}
	if v := os.Getenv("MLFLOW_TRACKING_TOKEN"); v != "" {
		c.Destination.Token = v
	}
	if v := os.Getenv("MLMIGRATE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MLMIGRATE_WORKERS %q: %w", v, err)
		}
		c.Import.Workers = n
	}
	return c.Validate()
}

// Validate checks values that would otherwise fail deep inside an import
func (c *Config) Validate() error {
	if c.Destination.TrackingURI == "" {
		return fmt.Errorf("destination.tracking_uri is required")
	}
	if c.Import.Workers < 0 {
		return fmt.Errorf("import.workers must not be negative, got %d", c.Import.Workers)
	}
	if c.Destination.RetryAttempts < 0 {
		return fmt.Errorf("destination.retry_attempts must not be negative, got %d", c.Destination.RetryAttempts)
	}
	return nil
}

// Redacted returns a copy safe for printing
func (c *Config) Redacted() *Config {
	cp := *c
	if cp.Destination.Token != "" {
		cp.Destination.Token = "REDACTED"
	}
	return &cp
}
