// Package manifest reads the JSON index files written by the export side:
// which experiments and models were exported, which runs of each experiment
// succeeded, and the experiment access-control lists.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// File and directory names inside an export directory.
const (
	ExperimentsDir  = "experiments"
	ModelsDir       = "models"
	ManifestFile    = "manifest.json"
	PermissionsFile = "permissions.json"
)

// ErrNoPermissions is returned by ReadPermissions when the experiment was
// exported without an access-control list.
var ErrNoPermissions = errors.New("no permissions file")

// ExperimentRef names one exported experiment.
type ExperimentRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Top is the top-level export manifest. Exports that split experiments and
// models into separate directories carry only one of the two lists per file.
type Top struct {
	Experiments []ExperimentRef `json:"experiments"`
	OKModels    []string        `json:"ok_models"`
}

// ExportInfo lists the runs of one experiment by export outcome.
type ExportInfo struct {
	OKRuns     []string `json:"ok_runs"`
	FailedRuns []string `json:"failed_runs"`
}

// Experiment is the per-experiment manifest.
type Experiment struct {
	Experiment map[string]any `json:"experiment,omitempty"`
	ExportInfo ExportInfo     `json:"export_info"`
}

// Permission is one level granted by an access-control entry.
type Permission struct {
	PermissionLevel string   `json:"permission_level"`
	Inherited       bool     `json:"inherited,omitempty"`
	InheritedFrom   []string `json:"inherited_from_object,omitempty"`
}

// AccessControlEntry grants permissions to a user or a group.
type AccessControlEntry struct {
	UserName       string       `json:"user_name,omitempty"`
	GroupName      string       `json:"group_name,omitempty"`
	AllPermissions []Permission `json:"all_permissions"`
}

// Permissions is the content of permissions.json.
type Permissions struct {
	AccessControlList []AccessControlEntry `json:"access_control_list"`
}

// readJSON decodes a JSON file into v.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// ReadExperiments reads the experiment list from inputDir/experiments/manifest.json,
// falling back to a combined inputDir/manifest.json.
func ReadExperiments(inputDir string) ([]ExperimentRef, error) {
	top, err := readTop(inputDir, ExperimentsDir)
	if err != nil {
		return nil, err
	}
	for i, e := range top.Experiments {
		if e.ID == "" {
			return nil, fmt.Errorf("experiment manifest entry %d has no id", i)
		}
		if e.Name == "" {
			return nil, fmt.Errorf("experiment manifest entry %d (%s) has no name", i, e.ID)
		}
	}
	return top.Experiments, nil
}

// ReadModels reads the exported model list from inputDir/models/manifest.json,
// falling back to a combined inputDir/manifest.json.
func ReadModels(inputDir string) ([]string, error) {
	top, err := readTop(inputDir, ModelsDir)
	if err != nil {
		return nil, err
	}
	for i, m := range top.OKModels {
		if m == "" {
			return nil, fmt.Errorf("model manifest entry %d is empty", i)
		}
	}
	return top.OKModels, nil
}

func readTop(inputDir, subdir string) (*Top, error) {
	path := filepath.Join(inputDir, subdir, ManifestFile)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		path = filepath.Join(inputDir, ManifestFile)
	}

	var top Top
	if err := readJSON(path, &top); err != nil {
		return nil, err
	}
	return &top, nil
}

// ReadExperiment reads the per-experiment manifest in expDir.
func ReadExperiment(expDir string) (*Experiment, error) {
	var exp Experiment
	if err := readJSON(filepath.Join(expDir, ManifestFile), &exp); err != nil {
		return nil, err
	}
	return &exp, nil
}

// ReadPermissions reads expDir/permissions.json. It returns ErrNoPermissions
// when the file does not exist.
func ReadPermissions(expDir string) (*Permissions, error) {
	path := filepath.Join(expDir, PermissionsFile)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoPermissions
	}

	var perms Permissions
	if err := readJSON(path, &perms); err != nil {
		return nil, err
	}
	return &perms, nil
}

// Summary describes an exported experiment without importing it.
type Summary struct {
	Dir            string
	Name           string
	SourceID       string
	OKRuns         int
	FailedRuns     int
	HasPermissions bool
}

// Peek summarizes the export in expDir.
func Peek(expDir string) (*Summary, error) {
	exp, err := ReadExperiment(expDir)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Dir:        expDir,
		OKRuns:     len(exp.ExportInfo.OKRuns),
		FailedRuns: len(exp.ExportInfo.FailedRuns),
	}
	if name, ok := exp.Experiment["name"].(string); ok {
		s.Name = name
	}
	if id, ok := exp.Experiment["experiment_id"].(string); ok {
		s.SourceID = id
	}
	if _, err := os.Stat(filepath.Join(expDir, PermissionsFile)); err == nil {
		s.HasPermissions = true
	}
	return s, nil
}
