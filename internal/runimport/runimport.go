// Package runimport recreates one exported run in a destination experiment.
package runimport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BadgerOps/mlmigrate/internal/tracking"
)

// RunFile is the name of the exported run metadata file inside a run directory.
const RunFile = "run.json"

// Log-batch limits of the tracking backend.
const (
	MaxMetricsPerBatch = 1000
	MaxParamsPerBatch  = 100
	MaxTagsPerBatch    = 100
)

// Tag prefixes for export metadata.
const (
	exportTagPrefix   = "mlflow_export_import."
	metadataTagPrefix = exportTagPrefix + "metadata."
)

// Client is the subset of the tracking API needed to import a run.
type Client interface {
	CreateRun(ctx context.Context, req tracking.CreateRunRequest) (*tracking.Run, error)
	LogBatch(ctx context.Context, runID string, metrics []tracking.Metric, params []tracking.Param, tags []tracking.Tag) error
	UpdateRun(ctx context.Context, runID, status string, endTime int64) (*tracking.RunInfo, error)
}

// Options controls how source identity is carried into the destination.
type Options struct {
	UseSrcUserID       bool
	ImportMetadataTags bool
}

// MetricPoint is one exported metric value.
type MetricPoint struct {
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// ExportedRun is the content of run.json.
type ExportedRun struct {
	Info    tracking.RunInfo         `json:"info"`
	Params  map[string]string        `json:"params"`
	Metrics map[string][]MetricPoint `json:"metrics"`
	Tags    map[string]string        `json:"tags"`
}

// Importer creates destination runs from exported run directories.
type Importer struct {
	client Client
	opts   Options
	logger *slog.Logger
}

// New creates an Importer.
func New(client Client, opts Options, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{client: client, opts: opts, logger: logger}
}

// ReadRun reads runDir/run.json.
func ReadRun(runDir string) (*ExportedRun, error) {
	path := filepath.Join(runDir, RunFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var run ExportedRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if run.Info.RunID == "" {
		return nil, fmt.Errorf("%s: run has no run_id", path)
	}
	return &run, nil
}

// ImportRun creates a run in experimentID from the export in runDir and
// returns the destination run info together with the source parent run id
// (empty for top-level runs). The parent tag is never written here; the
// caller repairs it once the parent's destination id is known.
func (im *Importer) ImportRun(ctx context.Context, experimentID, runDir string) (*tracking.RunInfo, string, error) {
	src, err := ReadRun(runDir)
	if err != nil {
		return nil, "", err
	}

	srcParent := src.Tags[tracking.TagParentRunID]
	tags := im.destinationTags(src)

	req := tracking.CreateRunRequest{
		ExperimentID: experimentID,
		RunName:      src.Info.RunName,
		StartTime:    src.Info.StartTime,
	}
	if im.opts.UseSrcUserID {
		req.UserID = src.Info.UserID
	}

	run, err := im.client.CreateRun(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("creating run for %s: %w", src.Info.RunID, err)
	}
	runID := run.Info.RunID

	if err := im.logData(ctx, runID, src, tags); err != nil {
		im.terminate(ctx, runID, tracking.RunStatusFailed, src.Info.EndTime)
		return nil, "", fmt.Errorf("logging data for %s: %w", src.Info.RunID, err)
	}

	status := terminalStatus(src.Info.Status)
	if status != src.Info.Status && src.Info.Status != "" {
		im.logger.Warn("run was not terminated at export time", "src_run_id", src.Info.RunID,
			"status", src.Info.Status, "imported_as", status)
	}
	info, err := im.client.UpdateRun(ctx, runID, status, src.Info.EndTime)
	if err != nil {
		return nil, "", fmt.Errorf("updating run %s: %w", runID, err)
	}

	// Fill in anything the update response left out.
	out := run.Info
	out.Status = status
	out.EndTime = src.Info.EndTime
	if info != nil && info.RunID != "" {
		out = mergeInfo(out, *info)
	}

	im.logger.Debug("imported run", "src_run_id", src.Info.RunID, "dst_run_id", runID, "parent", srcParent)
	return &out, srcParent, nil
}

// destinationTags filters source tags for the destination run.
func (im *Importer) destinationTags(src *ExportedRun) []tracking.Tag {
	var tags []tracking.Tag
	for k, v := range src.Tags {
		if k == tracking.TagParentRunID {
			continue
		}
		if strings.HasPrefix(k, exportTagPrefix) && !im.opts.ImportMetadataTags {
			continue
		}
		tags = append(tags, tracking.Tag{Key: k, Value: v})
	}
	if im.opts.ImportMetadataTags {
		tags = append(tags,
			tracking.Tag{Key: metadataTagPrefix + "run_id", Value: src.Info.RunID},
			tracking.Tag{Key: metadataTagPrefix + "experiment_id", Value: src.Info.ExperimentID},
			tracking.Tag{Key: metadataTagPrefix + "user_id", Value: src.Info.UserID},
		)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Key < tags[j].Key })
	return tags
}

// logData sends params, metrics and tags in chunks within the backend limits.
func (im *Importer) logData(ctx context.Context, runID string, src *ExportedRun, tags []tracking.Tag) error {
	params := make([]tracking.Param, 0, len(src.Params))
	for k, v := range src.Params {
		params = append(params, tracking.Param{Key: k, Value: v})
	}
	sort.Slice(params, func(i, j int) bool { return params[i].Key < params[j].Key })

	keys := make([]string, 0, len(src.Metrics))
	for k := range src.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var metrics []tracking.Metric
	for _, k := range keys {
		for _, p := range src.Metrics[k] {
			metrics = append(metrics, tracking.Metric{Key: k, Value: p.Value, Timestamp: p.Timestamp, Step: p.Step})
		}
	}

	for _, p := range chunk(params, MaxParamsPerBatch) {
		if err := im.client.LogBatch(ctx, runID, nil, p, nil); err != nil {
			return fmt.Errorf("params: %w", err)
		}
	}
	for _, m := range chunk(metrics, MaxMetricsPerBatch) {
		if err := im.client.LogBatch(ctx, runID, m, nil, nil); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	for _, t := range chunk(tags, MaxTagsPerBatch) {
		if err := im.client.LogBatch(ctx, runID, nil, nil, t); err != nil {
			return fmt.Errorf("tags: %w", err)
		}
	}
	return nil
}

// terminate marks a half-imported run so it does not stay RUNNING.
func (im *Importer) terminate(ctx context.Context, runID, status string, endTime int64) {
	if _, err := im.client.UpdateRun(ctx, runID, status, endTime); err != nil {
		im.logger.Warn("failed to terminate run", "run_id", runID, "error", err)
	}
}

// terminalStatus maps a source run status to the status the imported run
// ends with. Nothing will ever finish an imported run that was still active
// at export time, so RUNNING and SCHEDULED runs end as KILLED.
func terminalStatus(src string) string {
	switch src {
	case "":
		return tracking.RunStatusFinished
	case tracking.RunStatusFinished, tracking.RunStatusFailed, tracking.RunStatusKilled:
		return src
	default:
		return tracking.RunStatusKilled
	}
}

func mergeInfo(base, update tracking.RunInfo) tracking.RunInfo {
	if update.ExperimentID != "" {
		base.ExperimentID = update.ExperimentID
	}
	if update.RunName != "" {
		base.RunName = update.RunName
	}
	if update.UserID != "" {
		base.UserID = update.UserID
	}
	if update.Status != "" {
		base.Status = update.Status
	}
	if update.StartTime != 0 {
		base.StartTime = update.StartTime
	}
	if update.EndTime != 0 {
		base.EndTime = update.EndTime
	}
	if update.LifecycleStage != "" {
		base.LifecycleStage = update.LifecycleStage
	}
	if update.ArtifactURI != "" {
		base.ArtifactURI = update.ArtifactURI
	}
	return base
}

// chunk splits s into consecutive slices of at most n elements.
func chunk[T any](s []T, n int) [][]T {
	var out [][]T
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	if len(s) > 0 {
		out = append(out, s)
	}
	return out
}
