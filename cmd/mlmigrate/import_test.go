package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/mlmigrate/internal/config"
	"github.com/BadgerOps/mlmigrate/internal/engine"
	"github.com/BadgerOps/mlmigrate/internal/store"
	"github.com/BadgerOps/mlmigrate/internal/tracking"
)

// newTestImportCmd builds the import command with its output files in a temp
// dir. Flags are set on the command so the Changed state matches a real run.
func newTestImportCmd(t *testing.T, inputDir string, extra ...string) (*cobra.Command, string) {
	t.Helper()
	out := t.TempDir()
	cmd := newImportCmd()
	// Rebinding resets the flag variables to their defaults.
	t.Cleanup(func() { _ = newImportCmd() })
	setFlags(t, cmd, append([]string{
		"input-dir", inputDir,
		"checkpoint", filepath.Join(out, "checkpoint.json.zst"),
		"report", filepath.Join(out, "report.json"),
	}, extra...)...)
	return cmd, out
}

func TestImportOptionsConfigDefaults(t *testing.T) {
	cmd := newImportCmd()
	setFlags(t, cmd, "input-dir", "/export")

	cfg := config.DefaultConfig().Import
	cfg.ExperimentNamePrefix = "cfg/"
	cfg.DeleteModel = true
	cfg.Workers = 3
	cfg.CheckpointPath = ""
	cfg.ReportPath = ""

	opts := importOptions(cmd, cfg)
	if opts.InputDir != "/export" || opts.ExperimentNamePrefix != "cfg/" || !opts.DeleteModel || opts.Workers != 3 {
		t.Errorf("config values not applied: %+v", opts)
	}
	if opts.CheckpointPath != engine.DefaultCheckpointPath || opts.ReportPath != engine.DefaultReportPath {
		t.Errorf("default paths not applied: %+v", opts)
	}
}

func TestImportOptionsFlagsOverrideConfig(t *testing.T) {
	cfg := config.DefaultConfig().Import
	cfg.ExperimentNamePrefix = "cfg/"
	cfg.DeleteModel = true
	cfg.UseConcurrency = true
	cfg.UseSrcUserID = true
	cfg.Verbose = true
	cfg.Workers = 3

	cmd := newImportCmd()
	setFlags(t, cmd,
		"experiment-name-prefix", "",
		"delete-model", "false",
		"use-concurrency", "false",
		"use-src-user-id", "false",
		"import-metadata-tags", "true",
		"workers", "9",
		"report", "/tmp/r.json",
	)

	opts := importOptions(cmd, cfg)
	if opts.ExperimentNamePrefix != "" {
		t.Errorf("prefix = %q, want empty from flag", opts.ExperimentNamePrefix)
	}
	if opts.DeleteModel || opts.UseConcurrency || opts.UseSrcUserID {
		t.Errorf("false flags should switch config values off: %+v", opts)
	}
	if !opts.ImportMetadataTags || opts.Workers != 9 || opts.ReportPath != "/tmp/r.json" {
		t.Errorf("flags should override config: %+v", opts)
	}
	if !opts.Verbose {
		t.Error("unset flag should keep the config value")
	}
}

func TestImportRun(t *testing.T) {
	srv, client := newTestClient(t)
	st := newTestStore(t)
	cfg := config.DefaultConfig()
	cfg.Destination.TrackingURI = srv.URL
	useGlobals(t, cfg, client, st)
	cmd, out := newTestImportCmd(t, writeTestExport(t))

	var err error
	stdout := captureStdout(t, func() {
		err = importRun(cmd, nil)
	})
	if err != nil {
		t.Fatalf("importRun returned error: %v", err)
	}
	for _, want := range []string{"success", "Experiments: 2 of 2", "Runs: 3 of 3", "Models: 1 of 1"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("summary missing %q:\n%s", want, stdout)
		}
	}

	data, err := os.ReadFile(filepath.Join(out, "report.json"))
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	var report engine.ImportReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("invalid report: %v", err)
	}
	if report.Status != store.StatusSuccess || report.ModelImport.VersionsImported != 1 {
		t.Errorf("unexpected report: %+v", report)
	}

	var alphaID string
	for _, e := range srv.Experiments() {
		if e.Name == "alpha" {
			alphaID = e.ExperimentID
		}
	}
	runs := srv.RunsInExperiment(alphaID)
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs in alpha, got %d", len(runs))
	}
	child, parent := runs[0], runs[1]
	if got, _ := srv.RunTag(child.Info.RunID, tracking.TagParentRunID); got != parent.Info.RunID {
		t.Errorf("parent tag = %q, want %q", got, parent.Info.RunID)
	}

	batches, err := st.ListBatches(0)
	if err != nil || len(batches) != 1 || batches[0].Status != store.StatusSuccess {
		t.Errorf("batch not recorded: %+v %v", batches, err)
	}
}

func TestImportRunPartialFailure(t *testing.T) {
	srv, client := newTestClient(t)
	srv.FailExperiment(func(name string) bool { return name == "alpha" })
	cfg := config.DefaultConfig()
	cfg.Destination.TrackingURI = srv.URL
	useGlobals(t, cfg, client, nil)
	dir := writeTestExport(t)
	cmd, _ := newTestImportCmd(t, dir)

	var err error
	stdout := captureStdout(t, func() {
		err = importRun(cmd, nil)
	})
	if !errors.Is(err, engine.ErrPartialImport) {
		t.Fatalf("expected ErrPartialImport, got %v", err)
	}
	if !strings.Contains(stdout, "partial") || !strings.Contains(stdout, "alpha") {
		t.Errorf("summary should show the partial status and failed experiment:\n%s", stdout)
	}

	cmd, _ = newTestImportCmd(t, dir, "allow-partial", "true")
	captureStdout(t, func() {
		err = importRun(cmd, nil)
	})
	if err != nil {
		t.Errorf("--allow-partial should succeed, got %v", err)
	}
}

func TestImportRunMissingManifest(t *testing.T) {
	srv, client := newTestClient(t)
	cfg := config.DefaultConfig()
	cfg.Destination.TrackingURI = srv.URL
	useGlobals(t, cfg, client, nil)
	cmd, _ := newTestImportCmd(t, t.TempDir(), "allow-partial", "true")

	var err error
	captureStdout(t, func() {
		err = importRun(cmd, nil)
	})
	if err == nil || engine.IsPartial(err) {
		t.Fatalf("expected a fatal error, got %v", err)
	}
	if len(srv.Experiments()) != 0 {
		t.Error("nothing should be created when the manifest is missing")
	}
}

func TestImportRunRequiresClient(t *testing.T) {
	useGlobals(t, config.DefaultConfig(), nil, nil)
	if err := importRun(newImportCmd(), nil); err == nil {
		t.Fatal("expected error without a tracking client")
	}
}

func TestWatchProgressStopsOnCancel(t *testing.T) {
	useGlobals(t, config.DefaultConfig(), nil, nil)
	bi := engine.NewBulkImporter(nil, nil, nil, nil, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		watchProgress(ctx, bi)
	}()
	cancel()
	<-done
}
