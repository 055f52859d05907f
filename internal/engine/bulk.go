package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/mlmigrate/internal/config"
	"github.com/BadgerOps/mlmigrate/internal/manifest"
	"github.com/BadgerOps/mlmigrate/internal/modelimport"
	"github.com/BadgerOps/mlmigrate/internal/pool"
	"github.com/BadgerOps/mlmigrate/internal/runimport"
	"github.com/BadgerOps/mlmigrate/internal/safety"
	"github.com/BadgerOps/mlmigrate/internal/store"
	"github.com/BadgerOps/mlmigrate/internal/tracking"
)

// Default output locations, relative to the working directory.
const (
	DefaultCheckpointPath = "import_checkpoint.json.zst"
	DefaultReportPath     = "import_report.json"
)

// ImportOptions configures a bulk import.
type ImportOptions struct {
	InputDir             string
	ExperimentNamePrefix string
	DeleteModel          bool
	UseSrcUserID         bool
	ImportMetadataTags   bool
	UseConcurrency       bool
	Verbose              bool
	Workers              int // <= 0 uses config.DefaultWorkers()
	CheckpointPath       string
	ReportPath           string
}

// BulkImporter imports every experiment of an export, then every model.
type BulkImporter struct {
	backend        ExperimentBackend
	perms          PermissionClient
	newRunImporter RunImporterFactory
	models         ModelImporter
	store          *store.Store
	logger         *slog.Logger

	trackerMu     sync.RWMutex
	activeTracker *ImportTracker
}

// NewBulkImporter creates a BulkImporter. st may be nil, in which case no
// import history is recorded.
func NewBulkImporter(
	backend ExperimentBackend,
	perms PermissionClient,
	newRunImporter RunImporterFactory,
	models ModelImporter,
	st *store.Store,
	logger *slog.Logger,
) *BulkImporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &BulkImporter{
		backend:        backend,
		perms:          perms,
		newRunImporter: newRunImporter,
		models:         models,
		store:          st,
		logger:         logger,
	}
}

// ActiveProgress returns the tracker of the running or last import, or nil.
func (b *BulkImporter) ActiveProgress() *ImportTracker {
	b.trackerMu.RLock()
	defer b.trackerMu.RUnlock()
	return b.activeTracker
}

// experimentOutcome pairs a manifest entry with its import result.
type experimentOutcome struct {
	ref      manifest.ExperimentRef
	destName string
	result   *ExperimentResult
	err      error
}

// phaseOne is the merged state of the experiment phase.
type phaseOne struct {
	global      RunIdentityMapping
	checkpoints []ExperimentCheckpoint
	items       []ItemResult
	exceptions  []Exception
	stats       ExperimentStats
}

// ImportAll runs a full import of the export in opts.InputDir. Missing or
// malformed top-level manifests and checkpoint failures abort the batch with
// an error. Any other failure is isolated to its item and recorded in the
// report; in that case the report is returned together with an error
// wrapping ErrPartialImport.
func (b *BulkImporter) ImportAll(ctx context.Context, opts ImportOptions) (*ImportReport, error) {
	start := time.Now()
	if opts.Workers <= 0 {
		opts.Workers = config.DefaultWorkers()
	}
	if opts.CheckpointPath == "" {
		opts.CheckpointPath = DefaultCheckpointPath
	}
	if opts.ReportPath == "" {
		opts.ReportPath = DefaultReportPath
	}

	exps, err := manifest.ReadExperiments(opts.InputDir)
	if err != nil {
		return nil, fmt.Errorf("reading experiments manifest: %w", err)
	}
	models, err := manifest.ReadModels(opts.InputDir)
	if err != nil {
		return nil, fmt.Errorf("reading models manifest: %w", err)
	}

	batch := &store.Batch{
		ID:               uuid.NewString(),
		InputDir:         opts.InputDir,
		Status:           store.StatusRunning,
		ExperimentsTotal: len(exps),
		ModelsTotal:      len(models),
		ReportPath:       opts.ReportPath,
		StartTime:        start,
	}
	b.createBatch(batch)

	tracker := NewImportTracker(batch.ID)
	b.trackerMu.Lock()
	b.activeTracker = tracker
	b.trackerMu.Unlock()

	b.logger.Info("import starting", "batch_id", batch.ID, "input_dir", opts.InputDir,
		"experiments", len(exps), "models", len(models), "workers", opts.Workers,
		"use_concurrency", opts.UseConcurrency)

	// Phase 1: experiments.
	phase1Start := time.Now()
	tracker.StartPhase(PhaseExperiment, len(exps))
	outcomes := b.importExperiments(ctx, opts, exps, tracker)
	p1 := b.mergeExperiments(ctx, outcomes)
	p1.stats.Duration = seconds(time.Since(phase1Start))
	b.logger.Info("experiments imported",
		"experiments", p1.stats.ExperimentsImported, "of", p1.stats.Experiments,
		"runs", p1.stats.RunsImported, "exceptions", p1.stats.Exceptions,
		"duration", time.Since(phase1Start).Round(time.Millisecond))

	if err := ctx.Err(); err != nil {
		tracker.SetPhase(PhaseFailed)
		b.finishBatch(batch, nil, p1.items, err)
		return nil, fmt.Errorf("import cancelled after experiments: %w", err)
	}

	// Checkpoint round trip. Phase 2 only sees what was read back.
	tracker.SetPhase(PhaseCheckpoint)
	cp, err := b.checkpoint(opts.CheckpointPath, batch.ID, p1)
	if err != nil {
		tracker.SetPhase(PhaseFailed)
		b.finishBatch(batch, nil, p1.items, err)
		return nil, err
	}

	// Phase 2: models.
	phase2Start := time.Now()
	tracker.StartPhase(PhaseModel, len(models))
	modelStats, modelItems, modelExceptions := b.importModels(ctx, opts, models, cp.RunInfos(), tracker)
	modelStats.Duration = seconds(time.Since(phase2Start))
	b.logger.Info("models imported", "models", modelStats.ModelsImported, "of", modelStats.Models,
		"exceptions", modelStats.Exceptions, "duration", time.Since(phase2Start).Round(time.Millisecond))

	exceptions := append(append([]Exception{}, cp.Exceptions...), modelExceptions...)
	report := newReport(batch.ID, cp.Stats, modelStats, exceptions, time.Since(start))

	items := append(p1.items, modelItems...)
	if err := WriteReport(opts.ReportPath, report); err != nil {
		tracker.SetPhase(PhaseFailed)
		b.finishBatch(batch, report, items, err)
		return report, err
	}
	tracker.SetPhase(PhaseComplete)
	b.finishBatch(batch, report, items, nil)

	b.logger.Info("import complete", "batch_id", batch.ID, "status", report.Status,
		"exceptions", len(report.Exceptions), "report", opts.ReportPath)

	if combined := report.Err(); combined != nil {
		return report, fmt.Errorf("%w: %w", ErrPartialImport, combined)
	}
	return report, nil
}

// importExperiments runs one experiment import per manifest entry. Without
// concurrency the pool has a single worker and entries run in manifest order.
func (b *BulkImporter) importExperiments(ctx context.Context, opts ImportOptions, exps []manifest.ExperimentRef, tracker *ImportTracker) []experimentOutcome {
	workers := 1
	if opts.UseConcurrency {
		workers = opts.Workers
	}

	runImporter := b.newRunImporter(runimport.Options{
		UseSrcUserID:       opts.UseSrcUserID,
		ImportMetadataTags: opts.ImportMetadataTags,
	})
	importer := NewExperimentImporter(b.backend, runImporter, b.perms, b.logger)
	expRoot := filepath.Join(opts.InputDir, manifest.ExperimentsDir)

	outcomes := make([]experimentOutcome, len(exps))
	tasks := make([]pool.Task[*ExperimentResult], len(exps))
	for i, ref := range exps {
		destName := opts.ExperimentNamePrefix + ref.Name
		outcomes[i] = experimentOutcome{ref: ref, destName: destName}
		tasks[i] = pool.Task[*ExperimentResult]{
			Name: ref.ID,
			Run: func(ctx context.Context) (*ExperimentResult, error) {
				tracker.ItemStarted(destName)
				dir, err := safety.EntityDir(expRoot, ref.ID)
				if err == nil {
					var res *ExperimentResult
					res, err = importer.ImportExperiment(ctx, destName, dir)
					if err == nil {
						tracker.ItemCompleted(destName)
						return res, nil
					}
				}
				tracker.ItemFailed(destName, err.Error())
				return nil, err
			},
		}
	}

	results := pool.New[*ExperimentResult](workers, b.logger).Execute(ctx, tasks)
	for i, r := range results {
		outcomes[i].result = r.Value
		outcomes[i].err = r.Err
		if r.Err != nil {
			b.logger.Error("experiment import failed", "experiment", outcomes[i].destName, "source_id", outcomes[i].ref.ID, "error", r.Err)
		}
	}
	return outcomes
}

// mergeExperiments folds per-experiment results into the batch-wide mapping
// in manifest order. A source run id already claimed by an earlier
// experiment is reported and left out. Parents that live in another
// experiment are repaired against the merged mapping.
func (b *BulkImporter) mergeExperiments(ctx context.Context, outcomes []experimentOutcome) *phaseOne {
	p := &phaseOne{global: make(RunIdentityMapping)}
	p.stats.Experiments = len(outcomes)

	record := func(it ItemResult) {
		p.items = append(p.items, it)
		if it.Failed() && it.Kind != store.KindPermission {
			p.exceptions = append(p.exceptions, newException(PhaseExperiment, it))
		}
	}

	for _, o := range outcomes {
		if o.err != nil {
			record(ItemResult{Kind: store.KindExperiment, SourceID: o.ref.ID, Err: o.err})
			continue
		}
		res := o.result
		p.stats.ExperimentsImported++
		p.stats.Runs += res.RunsAttempted
		p.stats.PermissionsApplied += res.PermissionsApplied
		p.stats.PermissionsFailed += res.PermissionsFailed
		record(ItemResult{Kind: store.KindExperiment, SourceID: o.ref.ID, DestID: res.DestID})
		for _, it := range res.Items {
			record(it)
		}

		entry := ExperimentCheckpoint{
			SourceID: o.ref.ID,
			DestName: res.DestName,
			DestID:   res.DestID,
			Runs:     make(RunIdentityMapping, len(res.Runs)),
			Infos:    make(tracking.RunInfoMapping, len(res.Runs)),
		}
		for _, src := range sortedKeys(res.Runs) {
			id := res.Runs[src]
			if _, taken := p.global[src]; taken {
				record(ItemResult{Kind: store.KindMapping, SourceID: src, DestID: id.DestRunID,
					Err: fmt.Errorf("source run %s already imported by another experiment", src)})
				continue
			}
			p.global[src] = id
			entry.Runs[src] = id
			entry.Infos[src] = res.Infos[src]
		}
		p.checkpoints = append(p.checkpoints, entry)
	}

	for _, o := range outcomes {
		if o.err != nil || len(o.result.Unresolved) == 0 {
			continue
		}
		items, still := RepairParentTags(ctx, b.backend, o.result.Runs, o.result.Unresolved, p.global)
		for _, it := range items {
			record(it)
		}
		for _, child := range still {
			id := o.result.Runs[child]
			record(ItemResult{Kind: store.KindTag, SourceID: child, DestID: id.DestRunID,
				Err: fmt.Errorf("parent run %s was not imported in this batch", id.SrcParentRunID)})
		}
	}

	p.stats.RunsImported = len(p.global)
	p.stats.Exceptions = len(p.exceptions)
	return p
}

// checkpoint writes the phase-one state and reads it back.
func (b *BulkImporter) checkpoint(path, batchID string, p *phaseOne) (*Checkpoint, error) {
	cp := &Checkpoint{
		Schema:      CheckpointSchema,
		BatchID:     batchID,
		Created:     time.Now().UTC(),
		Experiments: p.checkpoints,
		Exceptions:  p.exceptions,
		Stats:       p.stats,
	}
	if err := WriteCheckpoint(path, cp); err != nil {
		return nil, err
	}
	b.logger.Info("saved run mapping checkpoint", "path", path, "runs", len(p.global))

	loaded, err := ReadCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if loaded.BatchID != batchID {
		return nil, fmt.Errorf("checkpoint %s belongs to batch %s, not %s", path, loaded.BatchID, batchID)
	}
	return loaded, nil
}

// importModels imports every model on the pool. Model import is always
// parallel.
func (b *BulkImporter) importModels(ctx context.Context, opts ImportOptions, models []string, runs tracking.RunInfoMapping, tracker *ImportTracker) (ModelStats, []ItemResult, []Exception) {
	modelRoot := filepath.Join(opts.InputDir, manifest.ModelsDir)

	tasks := make([]pool.Task[*modelimport.Result], len(models))
	for i, name := range models {
		tasks[i] = pool.Task[*modelimport.Result]{
			Name: name,
			Run: func(ctx context.Context) (*modelimport.Result, error) {
				tracker.ItemStarted(name)
				dir, err := safety.EntityDir(modelRoot, name)
				if err != nil {
					tracker.ItemFailed(name, err.Error())
					return nil, err
				}
				res, err := b.models.ImportModel(ctx, name, dir, runs, opts.DeleteModel, opts.Verbose)
				if err != nil {
					tracker.ItemFailed(name, err.Error())
				} else {
					tracker.ItemCompleted(name)
				}
				return res, err
			},
		}
	}

	stats := ModelStats{Models: len(models)}
	var items []ItemResult
	var exceptions []Exception
	for _, r := range pool.New[*modelimport.Result](opts.Workers, b.logger).Execute(ctx, tasks) {
		if r.Value != nil {
			stats.Versions += r.Value.VersionsTotal
			stats.VersionsImported += r.Value.VersionsImported
		}
		it := ItemResult{Kind: store.KindModel, SourceID: r.Name, DestID: r.Name, Err: r.Err}
		items = append(items, it)
		if r.Err != nil {
			exceptions = append(exceptions, newException(PhaseModel, it))
			continue
		}
		stats.ModelsImported++
	}
	stats.Exceptions = len(exceptions)
	return stats, items, exceptions
}

func (b *BulkImporter) createBatch(batch *store.Batch) {
	if b.store == nil {
		return
	}
	if err := b.store.CreateBatch(batch); err != nil {
		b.logger.Warn("failed to record import batch", "batch_id", batch.ID, "error", err)
	}
}

// finishBatch records the batch outcome and its items. Store failures are
// logged only.
func (b *BulkImporter) finishBatch(batch *store.Batch, report *ImportReport, items []ItemResult, err error) {
	if b.store == nil {
		return
	}

	batch.EndTime = time.Now()
	switch {
	case err != nil:
		batch.Status = store.StatusFailed
		batch.ErrorMessage = err.Error()
	case report != nil:
		batch.Status = report.Status
	}
	if report != nil {
		batch.ExperimentsImported = report.ExperimentImport.ExperimentsImported
		batch.RunsTotal = report.ExperimentImport.Runs
		batch.RunsImported = report.ExperimentImport.RunsImported
		batch.ModelsImported = report.ModelImport.ModelsImported
		batch.Exceptions = len(report.Exceptions)
	}

	if err := b.store.UpdateBatch(batch); err != nil {
		b.logger.Warn("failed to update import batch", "batch_id", batch.ID, "error", err)
	}

	storeItems := make([]store.Item, 0, len(items))
	for _, it := range items {
		storeItems = append(storeItems, it.storeItem())
	}
	if err := b.store.RecordItems(batch.ID, storeItems); err != nil {
		b.logger.Warn("failed to record import items", "batch_id", batch.ID, "error", err)
	}
}

func sortedKeys(m RunIdentityMapping) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsPartial reports whether err only signals item failures in an otherwise
// completed import.
func IsPartial(err error) bool {
	return errors.Is(err, ErrPartialImport)
}
