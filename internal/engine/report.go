package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/BadgerOps/mlmigrate/internal/store"
)

// ExperimentStats summarizes the experiment phase.
type ExperimentStats struct {
	Experiments         int     `json:"experiments"`
	ExperimentsImported int     `json:"experiments_imported"`
	Runs                int     `json:"runs"`
	RunsImported        int     `json:"runs_imported"`
	PermissionsApplied  int     `json:"permissions_applied"`
	PermissionsFailed   int     `json:"permissions_failed"`
	Exceptions          int     `json:"exceptions"`
	Duration            float64 `json:"duration"`
}

// ModelStats summarizes the model phase.
type ModelStats struct {
	Models           int     `json:"models"`
	ModelsImported   int     `json:"models_imported"`
	Versions         int     `json:"versions"`
	VersionsImported int     `json:"versions_imported"`
	Exceptions       int     `json:"exceptions"`
	Duration         float64 `json:"duration"`
}

// ImportReport is the terminal artifact of a batch. Durations are seconds.
type ImportReport struct {
	BatchID          string          `json:"batch_id"`
	Status           string          `json:"status"`
	Duration         float64         `json:"duration"`
	ExperimentImport ExperimentStats `json:"experiment_import"`
	ModelImport      ModelStats      `json:"model_import"`
	Exceptions       []Exception     `json:"exceptions"`
}

func newReport(batchID string, exp ExperimentStats, models ModelStats, exceptions []Exception, elapsed time.Duration) *ImportReport {
	r := &ImportReport{
		BatchID:          batchID,
		Duration:         seconds(elapsed),
		ExperimentImport: exp,
		ModelImport:      models,
		Exceptions:       append([]Exception{}, exceptions...),
	}
	imported := exp.ExperimentsImported + exp.RunsImported + models.ModelsImported
	switch {
	case len(r.Exceptions) == 0:
		r.Status = store.StatusSuccess
	case imported == 0:
		r.Status = store.StatusFailed
	default:
		r.Status = store.StatusPartial
	}
	return r
}

// Err combines the recorded exceptions into one error, or returns nil.
func (r *ImportReport) Err() error {
	var errs *multierror.Error
	for _, e := range r.Exceptions {
		errs = multierror.Append(errs, errors.New(e.String()))
	}
	return errs.ErrorOrNil()
}

// WriteReport writes the report as indented JSON, replacing path atomically.
func WriteReport(path string, r *ImportReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := writeFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

// seconds rounds d to tenths of a second.
func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*10) / 10
}
