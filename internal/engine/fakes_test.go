package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/BadgerOps/mlmigrate/internal/modelimport"
	"github.com/BadgerOps/mlmigrate/internal/runimport"
	"github.com/BadgerOps/mlmigrate/internal/tracking"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend is an in-memory ExperimentBackend.
type fakeBackend struct {
	mu          sync.Mutex
	experiments map[string]string // name -> id
	tags        map[string]map[string]string
	setTagCalls int
	failCreate  func(name string) bool
	failSetTag  error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		experiments: make(map[string]string),
		tags:        make(map[string]map[string]string),
	}
}

func (f *fakeBackend) GetOrCreateExperiment(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil && f.failCreate(name) {
		return "", errors.New("backend unavailable")
	}
	if id, ok := f.experiments[name]; ok {
		return id, nil
	}
	id := "exp-" + name
	f.experiments[name] = id
	return id, nil
}

func (f *fakeBackend) SetTag(_ context.Context, runID, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setTagCalls++
	if f.failSetTag != nil {
		return f.failSetTag
	}
	if f.tags[runID] == nil {
		f.tags[runID] = make(map[string]string)
	}
	f.tags[runID][key] = value
	return nil
}

func (f *fakeBackend) tag(runID, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tags[runID][key]
}

// fakeRunImporter derives everything from the run directory name. The
// destination run id is "dst-<source id>".
type fakeRunImporter struct {
	mu       sync.Mutex
	parents  map[string]string // source run -> source parent
	fail     map[string]bool
	attempts []string
	opts     runimport.Options
}

func (f *fakeRunImporter) ImportRun(_ context.Context, experimentID, runDir string) (*tracking.RunInfo, string, error) {
	src := filepath.Base(runDir)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, src)
	if f.fail[src] {
		return nil, "", fmt.Errorf("importing %s: simulated failure", src)
	}
	return &tracking.RunInfo{RunID: "dst-" + src, ExperimentID: experimentID, Status: tracking.RunStatusFinished}, f.parents[src], nil
}

func (f *fakeRunImporter) attempted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.attempts...)
	sort.Strings(out)
	return out
}

func (f *fakeRunImporter) factory() RunImporterFactory {
	return func(opts runimport.Options) RunImporter {
		f.opts = opts
		return f
	}
}

// fakePerms records patched entries and can be told to fail.
type fakePerms struct {
	mu    sync.Mutex
	calls []tracking.AccessControlRequest
	fail  bool
}

func (f *fakePerms) PatchExperimentPermissions(_ context.Context, _ string, acl []tracking.AccessControlRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, acl...)
	if f.fail {
		return errors.New("permissions endpoint unavailable")
	}
	return nil
}

// fakeModelImporter resolves each model's runs through the mapping.
type fakeModelImporter struct {
	mu       sync.Mutex
	runs     map[string][]string // model -> source runs of its versions
	resolved map[string][]string // model -> destination run ids
}

func (f *fakeModelImporter) ImportModel(_ context.Context, name, _ string, runs tracking.RunInfoMapping, _, _ bool) (*modelimport.Result, error) {
	res := &modelimport.Result{Name: name, VersionsTotal: len(f.runs[name])}
	var dst []string
	for _, src := range f.runs[name] {
		info, ok := runs[src]
		if !ok {
			return res, fmt.Errorf("run %s was not imported", src)
		}
		dst = append(dst, info.RunID)
		res.VersionsImported++
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved == nil {
		f.resolved = make(map[string][]string)
	}
	f.resolved[name] = dst
	return res, nil
}

// fixtureExperiment describes one exported experiment.
type fixtureExperiment struct {
	id, name    string
	okRuns      []string
	failedRuns  []string
	permissions string // raw permissions.json, empty for none
}

func writeJSONFile(t *testing.T, path string, v any) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	var data []byte
	switch s := v.(type) {
	case string:
		data = []byte(s)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// writeExport lays out an export directory and returns it.
func writeExport(t *testing.T, exps []fixtureExperiment, models []string) string {
	t.Helper()
	dir := t.TempDir()

	refs := make([]map[string]string, 0, len(exps))
	for _, e := range exps {
		refs = append(refs, map[string]string{"id": e.id, "name": e.name})
		expDir := filepath.Join(dir, "experiments", e.id)
		failed := e.failedRuns
		if failed == nil {
			failed = []string{}
		}
		writeJSONFile(t, filepath.Join(expDir, "manifest.json"), map[string]any{
			"experiment":  map[string]string{"experiment_id": e.id, "name": e.name},
			"export_info": map[string]any{"ok_runs": e.okRuns, "failed_runs": failed},
		})
		if e.permissions != "" {
			writeJSONFile(t, filepath.Join(expDir, "permissions.json"), e.permissions)
		}
		for _, r := range append(append([]string{}, e.okRuns...), failed...) {
			if err := os.MkdirAll(filepath.Join(expDir, r), 0o755); err != nil {
				t.Fatalf("mkdir run: %v", err)
			}
		}
	}
	writeJSONFile(t, filepath.Join(dir, "experiments", "manifest.json"), map[string]any{"experiments": refs})

	if models == nil {
		models = []string{}
	}
	writeJSONFile(t, filepath.Join(dir, "models", "manifest.json"), map[string]any{"ok_models": models})
	for _, m := range models {
		if err := os.MkdirAll(filepath.Join(dir, "models", m), 0o755); err != nil {
			t.Fatalf("mkdir model: %v", err)
		}
	}
	return dir
}
