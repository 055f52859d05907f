package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/mlmigrate/internal/config"
	"github.com/BadgerOps/mlmigrate/internal/store"
	"github.com/BadgerOps/mlmigrate/internal/tracking"
	"github.com/BadgerOps/mlmigrate/internal/tracking/trackingtest"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	_ = w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading captured stdout: %v", err)
	}
	_ = r.Close()
	return string(data)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// useGlobals swaps the command globals for the duration of a test.
func useGlobals(t *testing.T, cfg *config.Config, client *tracking.Client, st *store.Store) {
	t.Helper()
	origCfg, origClient, origStore, origLogger, origQuiet := globalCfg, globalClient, globalStore, logger, quiet
	globalCfg = cfg
	globalClient = client
	globalStore = st
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	quiet = false
	t.Cleanup(func() {
		globalCfg, globalClient, globalStore, logger, quiet = origCfg, origClient, origStore, origLogger, origQuiet
	})
}

// newTestClient starts a fake tracking server and a client pointed at it.
func newTestClient(t *testing.T) (*trackingtest.Server, *tracking.Client) {
	t.Helper()
	srv := trackingtest.NewServer()
	t.Cleanup(srv.Close)
	client, err := tracking.NewClient(tracking.Options{TrackingURI: srv.URL, BackoffBase: time.Millisecond},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return srv, client
}

// setFlags sets name/value pairs on cmd's flag set.
func setFlags(t *testing.T, cmd *cobra.Command, kv ...string) {
	t.Helper()
	for i := 0; i+1 < len(kv); i += 2 {
		if err := cmd.Flags().Set(kv[i], kv[i+1]); err != nil {
			t.Fatalf("setting --%s: %v", kv[i], err)
		}
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// writeTestExport lays out an export with experiments "alpha" (runs p and c,
// c a child of p) and "beta" (run b), and a model "scorer" built from run b.
func writeTestExport(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "experiments", "manifest.json"), mustJSON(t, map[string]any{
		"experiments": []map[string]string{{"id": "1", "name": "alpha"}, {"id": "2", "name": "beta"}},
	}))
	writeFile(t, filepath.Join(dir, "experiments", "1", "manifest.json"), mustJSON(t, map[string]any{
		"experiment":  map[string]string{"experiment_id": "1", "name": "alpha"},
		"export_info": map[string]any{"ok_runs": []string{"p", "c"}, "failed_runs": []string{"x"}},
	}))
	writeFile(t, filepath.Join(dir, "experiments", "1", "p", "run.json"),
		`{"info": {"run_id": "p", "experiment_id": "1", "run_name": "parent", "status": "FINISHED", "start_time": 1, "end_time": 2}}`)
	writeFile(t, filepath.Join(dir, "experiments", "1", "c", "run.json"),
		`{"info": {"run_id": "c", "experiment_id": "1", "run_name": "child", "status": "FINISHED", "start_time": 1, "end_time": 2},
		  "tags": {"mlflow.parentRunId": "p"}}`)
	writeFile(t, filepath.Join(dir, "experiments", "2", "manifest.json"), mustJSON(t, map[string]any{
		"experiment":  map[string]string{"experiment_id": "2", "name": "beta"},
		"export_info": map[string]any{"ok_runs": []string{"b"}, "failed_runs": []string{}},
	}))
	writeFile(t, filepath.Join(dir, "experiments", "2", "b", "run.json"),
		`{"info": {"run_id": "b", "experiment_id": "2", "run_name": "train", "status": "FINISHED", "start_time": 3, "end_time": 4},
		  "params": {"depth": "6"}}`)

	writeFile(t, filepath.Join(dir, "models", "manifest.json"), `{"ok_models": ["scorer"]}`)
	writeFile(t, filepath.Join(dir, "models", "scorer", "model.json"),
		`{"registered_model": {"name": "scorer", "latest_versions": [
			{"version": "1", "source": "runs:/b/model", "run_id": "b", "current_stage": "Production"}
		]}}`)
	return dir
}
