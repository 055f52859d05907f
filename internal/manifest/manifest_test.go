package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestReadExperiments(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "experiments", "manifest.json"),
		`{"experiments": [{"id": "1", "name": "alpha"}, {"id": "2", "name": "beta"}]}`)

	exps, err := ReadExperiments(dir)
	if err != nil {
		t.Fatalf("ReadExperiments() failed: %v", err)
	}
	if len(exps) != 2 {
		t.Fatalf("expected 2 experiments, got %d", len(exps))
	}
	if exps[0].ID != "1" || exps[0].Name != "alpha" || exps[1].Name != "beta" {
		t.Errorf("unexpected experiments: %+v", exps)
	}
}

func TestReadExperimentsMissingManifest(t *testing.T) {
	if _, err := ReadExperiments(t.TempDir()); err == nil {
		t.Fatal("expected error for missing manifest")
	}
}

func TestReadExperimentsMalformed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "experiments", "manifest.json"), `{"experiments": [`)
	if _, err := ReadExperiments(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestReadExperimentsRejectsEntriesWithoutID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "experiments", "manifest.json"), `{"experiments": [{"name": "x"}]}`)
	if _, err := ReadExperiments(dir); err == nil {
		t.Fatal("expected error for entry without id")
	}
}

func TestReadCombinedTopManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "manifest.json"),
		`{"experiments": [{"id": "e1", "name": "one"}], "ok_models": ["m1", "m2"]}`)

	exps, err := ReadExperiments(dir)
	if err != nil {
		t.Fatalf("ReadExperiments() failed: %v", err)
	}
	if len(exps) != 1 || exps[0].ID != "e1" {
		t.Errorf("unexpected experiments: %+v", exps)
	}

	models, err := ReadModels(dir)
	if err != nil {
		t.Fatalf("ReadModels() failed: %v", err)
	}
	if len(models) != 2 || models[0] != "m1" {
		t.Errorf("unexpected models: %v", models)
	}
}

func TestReadModels(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "models", "manifest.json"), `{"ok_models": ["churn"], "failed_models": ["broken"]}`)

	models, err := ReadModels(dir)
	if err != nil {
		t.Fatalf("ReadModels() failed: %v", err)
	}
	if len(models) != 1 || models[0] != "churn" {
		t.Errorf("unexpected models: %v", models)
	}
}

func TestReadExperiment(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "manifest.json"),
		`{"experiment": {"experiment_id": "7", "name": "src"}, "export_info": {"ok_runs": ["r1", "r2"], "failed_runs": ["r3"]}}`)

	exp, err := ReadExperiment(dir)
	if err != nil {
		t.Fatalf("ReadExperiment() failed: %v", err)
	}
	if len(exp.ExportInfo.OKRuns) != 2 || len(exp.ExportInfo.FailedRuns) != 1 {
		t.Errorf("unexpected export info: %+v", exp.ExportInfo)
	}
}

func TestReadPermissions(t *testing.T) {
	dir := t.TempDir()

	if _, err := ReadPermissions(dir); !errors.Is(err, ErrNoPermissions) {
		t.Fatalf("expected ErrNoPermissions, got %v", err)
	}

	writeFile(t, filepath.Join(dir, "permissions.json"), `{
		"access_control_list": [
			{"user_name": "ann@example.com", "all_permissions": [{"permission_level": "CAN_MANAGE"}]},
			{"group_name": "admins", "all_permissions": [{"permission_level": "CAN_READ", "inherited": true}]}
		]
	}`)

	perms, err := ReadPermissions(dir)
	if err != nil {
		t.Fatalf("ReadPermissions() failed: %v", err)
	}
	if len(perms.AccessControlList) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(perms.AccessControlList))
	}
	if perms.AccessControlList[0].UserName != "ann@example.com" {
		t.Errorf("unexpected user: %+v", perms.AccessControlList[0])
	}
	if perms.AccessControlList[1].GroupName != "admins" || !perms.AccessControlList[1].AllPermissions[0].Inherited {
		t.Errorf("unexpected group entry: %+v", perms.AccessControlList[1])
	}
}

func TestPeek(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "manifest.json"),
		`{"experiment": {"experiment_id": "42", "name": "fraud"}, "export_info": {"ok_runs": ["a", "b", "c"], "failed_runs": []}}`)
	writeFile(t, filepath.Join(dir, "permissions.json"), `{"access_control_list": []}`)

	s, err := Peek(dir)
	if err != nil {
		t.Fatalf("Peek() failed: %v", err)
	}
	if s.Name != "fraud" || s.SourceID != "42" || s.OKRuns != 3 || s.FailedRuns != 0 || !s.HasPermissions {
		t.Errorf("unexpected summary: %+v", s)
	}
}
