package store

import "time"

// Batch statuses
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Item kinds recorded per batch
const (
	KindExperiment = "experiment"
	KindRun        = "run"
	KindModel      = "model"
	KindPermission = "permission"
	KindTag        = "tag"
	KindMapping    = "mapping"
)

// Batch records one bulk import execution
type Batch struct {
	ID                  string // uuid
	InputDir            string
	Status              string // "running", "success", "partial", "failed"
	ExperimentsTotal    int
	ExperimentsImported int
	RunsTotal           int
	RunsImported        int
	ModelsTotal         int
	ModelsImported      int
	Exceptions          int
	ReportPath          string
	ErrorMessage        string
	StartTime           time.Time
	EndTime             time.Time
}

// Item records the outcome of importing one entity within a batch
type Item struct {
	ID       int64
	BatchID  string
	Kind     string // experiment, run, model, permission, tag, mapping
	SourceID string
	DestID   string
	Status   string // "success" or "failed"
	Error    string
}
