package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/mlmigrate/internal/config"
	"github.com/BadgerOps/mlmigrate/internal/store"
	"github.com/BadgerOps/mlmigrate/internal/tracking"
)

var (
	// Global flags
	cfgPath   string
	dbPath    string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore  *store.Store
	globalClient *tracking.Client
)

// initializeComponents opens the history store and builds the tracking client
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	path := globalCfg.Store.DBPath
	if path == "" {
		path = "mlmigrate.db"
	}
	st, err := store.New(path, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	client, err := tracking.NewClient(tracking.Options{
		TrackingURI:   globalCfg.Destination.TrackingURI,
		Token:         globalCfg.Destination.Token,
		Timeout:       globalCfg.Destination.Timeout,
		RetryAttempts: globalCfg.Destination.RetryAttempts,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create tracking client: %w", err)
	}
	globalClient = client

	logger.Debug("components initialized", "db_path", path, "tracking_uri", globalCfg.Destination.TrackingURI)
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
		"show":    true,
	}
	return skipInitCmds[cmdName]
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mlmigrate",
		Short: "Bulk import of exported tracking-server experiments and models",
		Long: `mlmigrate imports a directory written by a tracking-server export into a
destination tracking server. Experiments and their runs are imported first,
parent/child run links are rewired to the new run ids, then registered models
are recreated with their versions pointing at the imported runs.

The destination is taken from the config file, MLFLOW_TRACKING_URI and
MLFLOW_TRACKING_TOKEN (or DATABRICKS_TOKEN). A .env file in the working
directory is loaded first.`,
		Example: `  mlmigrate import --input-dir ./export
  mlmigrate import --input-dir ./export --use-concurrency --workers 8
  mlmigrate import-experiment --input-dir ./export/experiments/12 --experiment-name churn
  mlmigrate history
  mlmigrate history <batch-id> --failed
  mlmigrate config show`,
		Version:      "0.1.0",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// .env values fill in variables not already set in the environment
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				logger.Warn("failed to load .env file", "error", err)
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if err := globalCfg.ApplyEnv(); err != nil {
				return fmt.Errorf("invalid environment: %w", err)
			}

			// Override with command-line flags if provided
			if dbPath != "" {
				globalCfg.Store.DBPath = dbPath
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "tracking_uri", globalCfg.Destination.TrackingURI)
			}

			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "override import history database path")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	cmd.AddCommand(
		newImportCmd(),
		newImportExperimentCmd(),
		newHistoryCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
