package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BadgerOps/mlmigrate/internal/manifest"
	"github.com/BadgerOps/mlmigrate/internal/safety"
	"github.com/BadgerOps/mlmigrate/internal/store"
	"github.com/BadgerOps/mlmigrate/internal/tracking"
)

// Permission levels in priority order, highest first.
var permissionRank = map[string]int{
	"CAN_MANAGE": 3,
	"CAN_EDIT":   2,
	"CAN_READ":   1,
}

// ExperimentResult is what one experiment import hands back to the caller.
type ExperimentResult struct {
	DestName      string
	DestID        string
	Runs          RunIdentityMapping
	Infos         tracking.RunInfoMapping
	RunsAttempted int

	// Source run ids whose parent was not imported in this experiment.
	Unresolved []string

	Items              []ItemResult
	PermissionsApplied int
	PermissionsFailed  int
}

// Failures returns the failed items, excluding permissions.
func (r *ExperimentResult) Failures() []ItemResult {
	var out []ItemResult
	for _, it := range r.Items {
		if it.Failed() && it.Kind != store.KindPermission {
			out = append(out, it)
		}
	}
	return out
}

// ExperimentImporter imports the runs of one exported experiment.
type ExperimentImporter struct {
	backend ExperimentBackend
	runs    RunImporter
	perms   PermissionClient
	logger  *slog.Logger
}

// NewExperimentImporter creates an ExperimentImporter. A nil perms client
// skips permission replication.
func NewExperimentImporter(backend ExperimentBackend, runs RunImporter, perms PermissionClient, logger *slog.Logger) *ExperimentImporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExperimentImporter{backend: backend, runs: runs, perms: perms, logger: logger}
}

// ImportExperiment imports every ok run exported in expDir into the
// destination experiment destName, then repairs parent links and replicates
// permissions. A returned error means the experiment itself could not be
// resolved or read; individual run failures are reported in the result.
func (e *ExperimentImporter) ImportExperiment(ctx context.Context, destName, expDir string) (*ExperimentResult, error) {
	expID, err := e.backend.GetOrCreateExperiment(ctx, destName)
	if err != nil {
		return nil, fmt.Errorf("resolving experiment %q: %w", destName, err)
	}

	exp, err := manifest.ReadExperiment(expDir)
	if err != nil {
		return nil, fmt.Errorf("experiment %q: %w", destName, err)
	}

	runIDs := exp.ExportInfo.OKRuns
	res := &ExperimentResult{
		DestName:      destName,
		DestID:        expID,
		Runs:          make(RunIdentityMapping, len(runIDs)),
		Infos:         make(tracking.RunInfoMapping, len(runIDs)),
		RunsAttempted: len(runIDs),
	}

	e.logger.Info("importing experiment", "experiment", destName, "experiment_id", expID, "runs", len(runIDs))
	if n := len(exp.ExportInfo.FailedRuns); n > 0 {
		e.logger.Warn("skipping runs that failed to export", "experiment", destName, "count", n)
	}

	var children []string
	for _, srcRunID := range runIDs {
		if err := ctx.Err(); err != nil {
			res.Items = append(res.Items, ItemResult{Kind: store.KindRun, SourceID: srcRunID, Err: err})
			continue
		}

		if _, dup := res.Runs[srcRunID]; dup {
			res.Items = append(res.Items, ItemResult{Kind: store.KindRun, SourceID: srcRunID,
				Err: fmt.Errorf("run %s listed twice in manifest", srcRunID)})
			continue
		}

		info, srcParent, err := e.importRun(ctx, expID, expDir, srcRunID)
		if err != nil {
			e.logger.Error("run import failed", "experiment", destName, "run_id", srcRunID, "error", err)
			res.Items = append(res.Items, ItemResult{Kind: store.KindRun, SourceID: srcRunID, Err: err})
			continue
		}
		res.Runs[srcRunID] = RunIdentity{DestRunID: info.RunID, SrcParentRunID: srcParent}
		res.Infos[srcRunID] = *info
		res.Items = append(res.Items, ItemResult{Kind: store.KindRun, SourceID: srcRunID, DestID: info.RunID})
		if srcParent != "" {
			children = append(children, srcRunID)
		}
	}

	items, unresolved := RepairParentTags(ctx, e.backend, res.Runs, children, res.Runs)
	res.Items = append(res.Items, items...)
	res.Unresolved = unresolved

	e.importPermissions(ctx, res, expDir)

	e.logger.Info("experiment imported", "experiment", destName,
		"runs_imported", len(res.Runs), "runs", res.RunsAttempted, "unresolved_parents", len(unresolved))
	return res, nil
}

func (e *ExperimentImporter) importRun(ctx context.Context, expID, expDir, srcRunID string) (*tracking.RunInfo, string, error) {
	runDir, err := safety.EntityDir(expDir, srcRunID)
	if err != nil {
		return nil, "", fmt.Errorf("run %s: %w", srcRunID, err)
	}
	info, srcParent, err := e.runs.ImportRun(ctx, expID, runDir)
	if err != nil {
		return nil, "", err
	}
	if info == nil || info.RunID == "" {
		return nil, "", fmt.Errorf("run %s: importer returned no destination run", srcRunID)
	}
	return info, srcParent, nil
}

// RepairParentTags points the parent tag of each child run at the
// destination id of its parent, looked up in parents. children are source
// run ids present in runs. Children whose parent is not in parents are
// returned unresolved. Setting a tag to the value it already has is a no-op
// on the backend, so repeating a repair is safe.
func RepairParentTags(ctx context.Context, backend ExperimentBackend, runs RunIdentityMapping, children []string, parents RunIdentityMapping) ([]ItemResult, []string) {
	var items []ItemResult
	var unresolved []string
	for _, child := range children {
		id := runs[child]
		parent, ok := parents[id.SrcParentRunID]
		if !ok {
			unresolved = append(unresolved, child)
			continue
		}
		err := backend.SetTag(ctx, id.DestRunID, tracking.TagParentRunID, parent.DestRunID)
		if err != nil {
			err = fmt.Errorf("setting parent of %s to %s: %w", child, parent.DestRunID, err)
		}
		items = append(items, ItemResult{Kind: store.KindTag, SourceID: child, DestID: id.DestRunID, Err: err})
	}
	return items, unresolved
}

// importPermissions replicates the exported access-control list. Failures
// are logged and counted and never fail the experiment.
func (e *ExperimentImporter) importPermissions(ctx context.Context, res *ExperimentResult, expDir string) {
	if e.perms == nil {
		return
	}
	perms, err := manifest.ReadPermissions(expDir)
	if errors.Is(err, manifest.ErrNoPermissions) {
		return
	}
	if err != nil {
		e.logger.Warn("experiment permissions not imported", "experiment", res.DestName, "error", err)
		res.PermissionsFailed++
		res.Items = append(res.Items, ItemResult{Kind: store.KindPermission, SourceID: res.DestName, DestID: res.DestID, Err: err})
		return
	}

	for _, ace := range perms.AccessControlList {
		req, ok := accessControlRequest(ace)
		if !ok {
			e.logger.Warn("skipping access control entry without principal or level", "experiment", res.DestName)
			continue
		}
		principal := req.UserName + req.GroupName

		err := e.perms.PatchExperimentPermissions(ctx, res.DestID, []tracking.AccessControlRequest{req})
		if err != nil {
			e.logger.Warn("permission not imported", "experiment", res.DestName,
				"principal", principal, "level", req.PermissionLevel, "error", err)
			res.PermissionsFailed++
		} else {
			e.logger.Debug("permission imported", "experiment", res.DestName, "principal", principal, "level", req.PermissionLevel)
			res.PermissionsApplied++
		}
		res.Items = append(res.Items, ItemResult{Kind: store.KindPermission, SourceID: principal, DestID: res.DestID, Err: err})
	}
}

// accessControlRequest converts an exported entry, keeping only its highest
// ranked permission level. Unknown levels rank below every known level and
// ties keep the first listed.
func accessControlRequest(ace manifest.AccessControlEntry) (tracking.AccessControlRequest, bool) {
	req := tracking.AccessControlRequest{UserName: ace.UserName}
	if req.UserName == "" {
		req.GroupName = ace.GroupName
	}
	if req.UserName == "" && req.GroupName == "" {
		return req, false
	}

	best := -1
	for _, p := range ace.AllPermissions {
		if p.PermissionLevel == "" {
			continue
		}
		if rank := permissionRank[p.PermissionLevel]; rank > best {
			best = rank
			req.PermissionLevel = p.PermissionLevel
		}
	}
	return req, req.PermissionLevel != ""
}
