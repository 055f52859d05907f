package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/mlmigrate/internal/engine"
	"github.com/BadgerOps/mlmigrate/internal/manifest"
	"github.com/BadgerOps/mlmigrate/internal/runimport"
)

var (
	expInputDir       string
	expName           string
	expJustPeek       bool
	expUseSrcUserID   bool
	expMetadataTags   bool
	expSkipPermission bool
)

func newImportExperimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-experiment",
		Short: "Import a single exported experiment",
		Long: `Import the runs of one exported experiment directory into a destination
experiment. The destination name defaults to the exported experiment name.
Parent links are repaired among the runs of this experiment only.

Use --just-peek to print what the export contains without importing.`,
		Example: `  mlmigrate import-experiment --input-dir ./export/experiments/12
  mlmigrate import-experiment --input-dir ./export/experiments/12 --experiment-name churn-copy
  mlmigrate import-experiment --input-dir ./export/experiments/12 --just-peek`,
		RunE: importExperimentRun,
	}

	cmd.Flags().StringVar(&expInputDir, "input-dir", "", "exported experiment directory (required)")
	cmd.Flags().StringVar(&expName, "experiment-name", "", "destination experiment name (default: exported name)")
	cmd.Flags().BoolVar(&expJustPeek, "just-peek", false, "summarize the export without importing")
	cmd.Flags().BoolVar(&expUseSrcUserID, "use-src-user-id", false, "create runs as the source user")
	cmd.Flags().BoolVar(&expMetadataTags, "import-metadata-tags", false, "keep export metadata tags and add source identity tags")
	cmd.Flags().BoolVar(&expSkipPermission, "skip-permissions", false, "do not replicate the experiment access-control list")

	cmd.MarkFlagRequired("input-dir")

	return cmd
}

func importExperimentRun(cmd *cobra.Command, args []string) error {
	summary, err := manifest.Peek(expInputDir)
	if err != nil {
		return fmt.Errorf("reading experiment export: %w", err)
	}

	name := expName
	if name == "" {
		name = summary.Name
	}
	if name == "" {
		return fmt.Errorf("export has no experiment name, use --experiment-name")
	}

	if expJustPeek {
		printPeek(summary, name)
		return nil
	}

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

	runOpts := runimport.Options{
		UseSrcUserID:       globalCfg.Import.UseSrcUserID,
		ImportMetadataTags: globalCfg.Import.ImportMetadataTags,
	}
	if cmd.Flags().Changed("use-src-user-id") {
		runOpts.UseSrcUserID = expUseSrcUserID
	}
	if cmd.Flags().Changed("import-metadata-tags") {
		runOpts.ImportMetadataTags = expMetadataTags
	}
	runs := runimport.New(globalClient, runOpts, logger)

	var perms engine.PermissionClient = globalClient
	if expSkipPermission {
		perms = nil
	}
	res, err := engine.NewExperimentImporter(globalClient, runs, perms, logger).ImportExperiment(ctx, name, expInputDir)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	failures := res.Failures()
	if !quiet {
		printExperimentResult(res, failures)
	}
	if len(failures) > 0 || len(res.Unresolved) > 0 {
		return fmt.Errorf("%w: %d failed items, %d unresolved parents", engine.ErrPartialImport, len(failures), len(res.Unresolved))
	}
	return nil
}

func printPeek(s *manifest.Summary, destName string) {
	fmt.Printf("Experiment export: %s\n", s.Dir)
	fmt.Printf("  Source name: %s\n", s.Name)
	fmt.Printf("  Source id: %s\n", s.SourceID)
	fmt.Printf("  Destination name: %s\n", destName)
	fmt.Printf("  Runs exported: %d\n", s.OKRuns)
	fmt.Printf("  Runs failed to export: %d\n", s.FailedRuns)
	if s.HasPermissions {
		fmt.Println("  Permissions: yes")
	} else {
		fmt.Println("  Permissions: no")
	}
}

func printExperimentResult(res *engine.ExperimentResult, failures []engine.ItemResult) {
	fmt.Printf("Experiment %s (id %s):\n", res.DestName, res.DestID)
	fmt.Printf("  Runs: %d of %d\n", len(res.Runs), res.RunsAttempted)
	if res.PermissionsApplied > 0 || res.PermissionsFailed > 0 {
		fmt.Printf("  Permissions: %d applied, %d failed\n", res.PermissionsApplied, res.PermissionsFailed)
	}
	for _, id := range res.Unresolved {
		fmt.Printf("  Unresolved parent: run %s\n", id)
	}
	if len(failures) > 0 {
		fmt.Println("  Errors:")
		for _, f := range failures {
			fmt.Printf("    - %s %s: %v\n", f.Kind, f.SourceID, f.Err)
		}
	}
}
