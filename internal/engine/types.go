package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/BadgerOps/mlmigrate/internal/modelimport"
	"github.com/BadgerOps/mlmigrate/internal/runimport"
	"github.com/BadgerOps/mlmigrate/internal/store"
	"github.com/BadgerOps/mlmigrate/internal/tracking"
)

// ErrPartialImport is returned by ImportAll when the batch completed but at
// least one item failed. The report is still returned and written.
var ErrPartialImport = errors.New("import completed with failures")

// ExperimentBackend resolves destination experiments and writes run tags.
type ExperimentBackend interface {
	GetOrCreateExperiment(ctx context.Context, name string) (string, error)
	SetTag(ctx context.Context, runID, key, value string) error
}

// RunImporter creates one destination run from an exported run directory and
// returns it together with the source parent run id, if any.
type RunImporter interface {
	ImportRun(ctx context.Context, experimentID, runDir string) (*tracking.RunInfo, string, error)
}

// RunImporterFactory builds a RunImporter for the given import options.
type RunImporterFactory func(opts runimport.Options) RunImporter

// PermissionClient replicates experiment access-control entries.
type PermissionClient interface {
	PatchExperimentPermissions(ctx context.Context, experimentID string, acl []tracking.AccessControlRequest) error
}

// ModelImporter imports one registered model using the batch run mapping.
type ModelImporter interface {
	ImportModel(ctx context.Context, modelName, modelDir string, runs tracking.RunInfoMapping, deleteExisting, verbose bool) (*modelimport.Result, error)
}

// RunIdentity links a destination run to its source parent.
type RunIdentity struct {
	DestRunID      string `json:"destination_run_id"`
	SrcParentRunID string `json:"source_parent_run_id,omitempty"`
}

// RunIdentityMapping maps source run ids to destination run identities.
type RunIdentityMapping map[string]RunIdentity

// ItemResult is the outcome of one unit of work: a run, a tag repair, a
// permission entry, an experiment or a model.
type ItemResult struct {
	Kind     string // store.Kind*
	SourceID string
	DestID   string
	Err      error
}

// Failed reports whether the item failed.
func (r ItemResult) Failed() bool { return r.Err != nil }

func (r ItemResult) storeItem() store.Item {
	it := store.Item{Kind: r.Kind, SourceID: r.SourceID, DestID: r.DestID, Status: store.StatusSuccess}
	if r.Err != nil {
		it.Status = store.StatusFailed
		it.Error = r.Err.Error()
	}
	return it
}

// Exception is a failure recorded in the report.
type Exception struct {
	Phase    ImportPhase `json:"phase"`
	Kind     string      `json:"kind"`
	SourceID string      `json:"source_id"`
	Error    string      `json:"error"`
}

func (e Exception) String() string {
	return fmt.Sprintf("%s %s %s: %s", e.Phase, e.Kind, e.SourceID, e.Error)
}

func newException(phase ImportPhase, r ItemResult) Exception {
	return Exception{Phase: phase, Kind: r.Kind, SourceID: r.SourceID, Error: r.Err.Error()}
}
