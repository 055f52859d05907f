// Package modelimport recreates exported registered models and their
// versions, pointing each version at the destination copy of its run.
package modelimport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/BadgerOps/mlmigrate/internal/tracking"
)

// ModelFile is the name of the exported model metadata file.
const ModelFile = "model.json"

// StageNone is the stage of a version that was never transitioned.
const StageNone = "None"

// Client is the subset of the tracking API needed to import a model.
type Client interface {
	CreateRegisteredModel(ctx context.Context, name, description string, tags []tracking.Tag) error
	DeleteRegisteredModel(ctx context.Context, name string) error
	CreateModelVersion(ctx context.Context, req tracking.CreateModelVersionRequest) (*tracking.ModelVersion, error)
	TransitionModelVersionStage(ctx context.Context, name, version, stage string) error
}

// ExportedVersion is one version entry of model.json.
type ExportedVersion struct {
	Version      string            `json:"version"`
	Source       string            `json:"source"`
	RunID        string            `json:"run_id"`
	CurrentStage string            `json:"current_stage"`
	Description  string            `json:"description"`
	Tags         map[string]string `json:"tags"`
}

// ExportedModel is the registered_model object of model.json.
type ExportedModel struct {
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Tags           map[string]string `json:"tags"`
	LatestVersions []ExportedVersion `json:"latest_versions"`
}

// Result summarizes one imported model.
type Result struct {
	Name             string
	VersionsTotal    int
	VersionsImported int
}

// Importer creates registered models in the destination.
type Importer struct {
	client Client
	logger *slog.Logger
}

// New creates an Importer.
func New(client Client, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{client: client, logger: logger}
}

// ReadModel reads modelDir/model.json.
func ReadModel(modelDir string) (*ExportedModel, error) {
	path := filepath.Join(modelDir, ModelFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var doc struct {
		RegisteredModel ExportedModel `json:"registered_model"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &doc.RegisteredModel, nil
}

// ImportModel imports the model exported in modelDir under modelName. Runs
// referenced by versions are resolved through runs. A version failure does
// not stop the remaining versions; all failures come back as one
// *multierror.Error alongside the partial Result.
func (im *Importer) ImportModel(ctx context.Context, modelName, modelDir string, runs tracking.RunInfoMapping, deleteExisting, verbose bool) (*Result, error) {
	src, err := ReadModel(modelDir)
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = src.Name
	}

	if deleteExisting {
		if err := im.client.DeleteRegisteredModel(ctx, modelName); err != nil && !tracking.IsNotFound(err) {
			return nil, fmt.Errorf("deleting model %s: %w", modelName, err)
		}
	}

	if err := im.client.CreateRegisteredModel(ctx, modelName, src.Description, tagList(src.Tags)); err != nil {
		if !tracking.IsAlreadyExists(err) {
			return nil, fmt.Errorf("creating model %s: %w", modelName, err)
		}
		im.logger.Debug("registered model already exists", "model", modelName)
	}

	versions := append([]ExportedVersion(nil), src.LatestVersions...)
	sort.SliceStable(versions, func(i, j int) bool {
		return versionNumber(versions[i].Version) < versionNumber(versions[j].Version)
	})

	res := &Result{Name: modelName, VersionsTotal: len(versions)}
	var errs *multierror.Error
	for _, v := range versions {
		if err := ctx.Err(); err != nil {
			errs = multierror.Append(errs, err)
			break
		}
		if err := im.importVersion(ctx, modelName, v, runs, verbose); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("version %s: %w", v.Version, err))
			continue
		}
		res.VersionsImported++
	}
	return res, errs.ErrorOrNil()
}

func (im *Importer) importVersion(ctx context.Context, modelName string, v ExportedVersion, runs tracking.RunInfoMapping, verbose bool) error {
	req := tracking.CreateModelVersionRequest{
		Name:        modelName,
		Source:      v.Source,
		Description: v.Description,
		Tags:        tagList(v.Tags),
	}
	if v.RunID != "" {
		info, ok := runs[v.RunID]
		if !ok {
			return fmt.Errorf("run %s was not imported", v.RunID)
		}
		req.RunID = info.RunID
		req.Source = RewriteSource(v.Source, v.RunID, info.RunID)
	}

	mv, err := im.client.CreateModelVersion(ctx, req)
	if err != nil {
		return fmt.Errorf("creating version: %w", err)
	}

	if v.CurrentStage != "" && v.CurrentStage != StageNone {
		if err := im.client.TransitionModelVersionStage(ctx, modelName, mv.Version, v.CurrentStage); err != nil {
			return fmt.Errorf("transitioning to %s: %w", v.CurrentStage, err)
		}
	}

	level := slog.LevelDebug
	if verbose {
		level = slog.LevelInfo
	}
	im.logger.Log(ctx, level, "imported model version",
		"model", modelName, "src_version", v.Version, "dst_version", mv.Version,
		"run_id", req.RunID, "stage", v.CurrentStage)
	return nil
}

// RewriteSource replaces the source run id embedded in a version source with
// the destination run id. Both runs:/<id>/... URIs and artifact locations
// containing /<id>/artifacts are handled; other sources are returned as is.
func RewriteSource(source, srcRunID, dstRunID string) string {
	if srcRunID == "" || srcRunID == dstRunID {
		return source
	}
	if rest, ok := strings.CutPrefix(source, "runs:/"+srcRunID+"/"); ok {
		return "runs:/" + dstRunID + "/" + rest
	}
	if source == "runs:/"+srcRunID {
		return "runs:/" + dstRunID
	}
	return strings.Replace(source, "/"+srcRunID+"/artifacts", "/"+dstRunID+"/artifacts", 1)
}

// versionNumber orders versions numerically; non-numeric versions sort last.
func versionNumber(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return n
}

func tagList(m map[string]string) []tracking.Tag {
	if len(m) == 0 {
		return nil
	}
	tags := make([]tracking.Tag, 0, len(m))
	for k, v := range m {
		tags = append(tags, tracking.Tag{Key: k, Value: v})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Key < tags[j].Key })
	return tags
}
