package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/mlmigrate/internal/config"
	"github.com/BadgerOps/mlmigrate/internal/engine"
	"github.com/BadgerOps/mlmigrate/internal/modelimport"
	"github.com/BadgerOps/mlmigrate/internal/runimport"
	"github.com/BadgerOps/mlmigrate/internal/tracking"
)

var (
	importInputDir       string
	importDeleteModel    bool
	importVerbose        bool
	importUseSrcUserID   bool
	importMetadataTags   bool
	importUseConcurrency bool
	importNamePrefix     string
	importWorkers        int
	importAllowPartial   bool
	importCheckpointPath string
	importReportPath     string
)

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import all exported experiments and registered models",
		Long: `Import every experiment listed in the export manifest, then every
registered model. Runs keep their parent/child links through a source to
destination run id mapping, which is checkpointed to disk between the two
phases and used to rewrite model version sources.

A failure of one run, experiment or model does not stop the batch. The
outcome is written to the import report; the command exits non-zero when
anything failed unless --allow-partial is set.`,
		Example: `  mlmigrate import --input-dir ./export
  mlmigrate import --input-dir ./export --delete-model --use-src-user-id
  mlmigrate import --input-dir ./export --use-concurrency --workers 8
  mlmigrate import --input-dir ./export --experiment-name-prefix migrated/`,
		RunE: importRun,
	}

	cmd.Flags().StringVar(&importInputDir, "input-dir", "", "export directory to import (required)")
	cmd.Flags().BoolVar(&importDeleteModel, "delete-model", false, "delete destination models before importing them")
	cmd.Flags().BoolVar(&importVerbose, "verbose", false, "log each model version as it is imported")
	cmd.Flags().BoolVar(&importUseSrcUserID, "use-src-user-id", false, "create runs as the source user")
	cmd.Flags().BoolVar(&importMetadataTags, "import-metadata-tags", false, "keep export metadata tags and add source identity tags")
	cmd.Flags().BoolVar(&importUseConcurrency, "use-concurrency", false, "import experiments in parallel")
	cmd.Flags().StringVar(&importNamePrefix, "experiment-name-prefix", "", "prefix prepended to destination experiment names")
	cmd.Flags().IntVar(&importWorkers, "workers", 0, "number of parallel workers (default from config, 0 uses the CPU count)")
	cmd.Flags().BoolVar(&importAllowPartial, "allow-partial", false, "exit zero even when some items failed")
	cmd.Flags().StringVar(&importCheckpointPath, "checkpoint", "", "override run mapping checkpoint path")
	cmd.Flags().StringVar(&importReportPath, "report", "", "override import report path")

	cmd.MarkFlagRequired("input-dir")

	return cmd
}

// importOptions starts from the import section of cfg and applies every
// flag set on the command line, so a flag can also switch a config value off.
func importOptions(cmd *cobra.Command, cfg config.ImportConfig) engine.ImportOptions {
	opts := engine.ImportOptions{
		InputDir:             importInputDir,
		ExperimentNamePrefix: cfg.ExperimentNamePrefix,
		DeleteModel:          cfg.DeleteModel,
		UseSrcUserID:         cfg.UseSrcUserID,
		ImportMetadataTags:   cfg.ImportMetadataTags,
		UseConcurrency:       cfg.UseConcurrency,
		Verbose:              cfg.Verbose,
		Workers:              cfg.Workers,
		CheckpointPath:       cfg.CheckpointPath,
		ReportPath:           cfg.ReportPath,
	}

	flags := cmd.Flags()
	if flags.Changed("experiment-name-prefix") {
		opts.ExperimentNamePrefix = importNamePrefix
	}
	if flags.Changed("delete-model") {
		opts.DeleteModel = importDeleteModel
	}
	if flags.Changed("use-src-user-id") {
		opts.UseSrcUserID = importUseSrcUserID
	}
	if flags.Changed("import-metadata-tags") {
		opts.ImportMetadataTags = importMetadataTags
	}
	if flags.Changed("use-concurrency") {
		opts.UseConcurrency = importUseConcurrency
	}
	if flags.Changed("verbose") {
		opts.Verbose = importVerbose
	}
	if flags.Changed("workers") {
		opts.Workers = importWorkers
	}
	if flags.Changed("checkpoint") {
		opts.CheckpointPath = importCheckpointPath
	}
	if flags.Changed("report") {
		opts.ReportPath = importReportPath
	}

	if opts.CheckpointPath == "" {
		opts.CheckpointPath = engine.DefaultCheckpointPath
	}
	if opts.ReportPath == "" {
		opts.ReportPath = engine.DefaultReportPath
	}
	return opts
}

// newBulkImporter wires the tracking client into the bulk importer.
func newBulkImporter(client *tracking.Client) *engine.BulkImporter {
	newRunImporter := func(opts runimport.Options) engine.RunImporter {
		return runimport.New(client, opts, logger)
	}
	return engine.NewBulkImporter(client, client, newRunImporter, modelimport.New(client, logger), globalStore, logger)
}

func importRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if globalClient == nil {
		return fmt.Errorf("tracking client not initialized")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	opts := importOptions(cmd, globalCfg.Import)
	bi := newBulkImporter(globalClient)

	if !quiet {
		fmt.Printf("Importing %s into %s...\n\n", opts.InputDir, globalCfg.Destination.TrackingURI)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchProgress(watchCtx, bi)
	}()

	report, err := bi.ImportAll(ctx, opts)
	stopWatch()
	<-done

	if report != nil && !quiet {
		printImportReport(report, opts)
	}
	if err != nil {
		if engine.IsPartial(err) && importAllowPartial {
			logger.Warn("import finished with failures", "exceptions", len(report.Exceptions))
			return nil
		}
		return fmt.Errorf("import failed: %w", err)
	}
	return nil
}

// watchProgress logs tracker snapshots until ctx is done. The tracker is
// created by ImportAll, so it is polled for until it appears.
func watchProgress(ctx context.Context, bi *engine.BulkImporter) {
	var tracker *engine.ImportTracker
	for {
		if tracker = bi.ActiveProgress(); tracker != nil {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}

	last := time.Time{}
	for {
		ch := tracker.Wait()
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
		if time.Since(last) < time.Second {
			continue
		}
		last = time.Now()
		s := tracker.Snapshot()
		logger.Info("progress", "phase", s.Phase, "completed", s.Completed, "failed", s.Failed,
			"total", s.Total, "percent", fmt.Sprintf("%.0f", s.Percent), "elapsed", s.Elapsed)
	}
}

func printImportReport(report *engine.ImportReport, opts engine.ImportOptions) {
	exp := report.ExperimentImport
	models := report.ModelImport

	fmt.Printf("Import results (batch %s): %s\n", report.BatchID, report.Status)
	fmt.Printf("  Experiments: %s of %s\n", humanize.Comma(int64(exp.ExperimentsImported)), humanize.Comma(int64(exp.Experiments)))
	fmt.Printf("  Runs: %s of %s\n", humanize.Comma(int64(exp.RunsImported)), humanize.Comma(int64(exp.Runs)))
	if exp.PermissionsApplied > 0 || exp.PermissionsFailed > 0 {
		fmt.Printf("  Permissions: %d applied, %d failed\n", exp.PermissionsApplied, exp.PermissionsFailed)
	}
	fmt.Printf("  Models: %s of %s\n", humanize.Comma(int64(models.ModelsImported)), humanize.Comma(int64(models.Models)))
	fmt.Printf("  Model versions: %s of %s\n", humanize.Comma(int64(models.VersionsImported)), humanize.Comma(int64(models.Versions)))
	fmt.Printf("  Duration: %s\n", time.Duration(report.Duration*float64(time.Second)).Round(100*time.Millisecond))
	fmt.Printf("  Report: %s\n", opts.ReportPath)
	if len(report.Exceptions) > 0 {
		fmt.Printf("  Exceptions (%d):\n", len(report.Exceptions))
		for _, e := range report.Exceptions {
			fmt.Printf("    - %s\n", e)
		}
	}
}
