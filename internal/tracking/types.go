package tracking

// TagParentRunID links a nested run to its parent run.
const TagParentRunID = "mlflow.parentRunId"

// Run statuses
const (
	RunStatusRunning  = "RUNNING"
	RunStatusFinished = "FINISHED"
	RunStatusFailed   = "FAILED"
	RunStatusKilled   = "KILLED"
)

// Backend error codes
const (
	ErrorCodeNotFound      = "RESOURCE_DOES_NOT_EXIST"
	ErrorCodeAlreadyExists = "RESOURCE_ALREADY_EXISTS"
)

// Tag is a key/value tag on an experiment, run, model or model version.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Param is a run parameter.
type Param struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metric is one logged metric value.
type Metric struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

// Experiment is a named container of runs.
type Experiment struct {
	ExperimentID     string `json:"experiment_id"`
	Name             string `json:"name"`
	ArtifactLocation string `json:"artifact_location,omitempty"`
	LifecycleStage   string `json:"lifecycle_stage,omitempty"`
	Tags             []Tag  `json:"tags,omitempty"`
}

// RunInfo is the metadata record of a run. Times are epoch milliseconds.
type RunInfo struct {
	RunID          string `json:"run_id"`
	ExperimentID   string `json:"experiment_id"`
	RunName        string `json:"run_name,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	Status         string `json:"status,omitempty"`
	StartTime      int64  `json:"start_time,omitempty"`
	EndTime        int64  `json:"end_time,omitempty"`
	LifecycleStage string `json:"lifecycle_stage,omitempty"`
	ArtifactURI    string `json:"artifact_uri,omitempty"`
}

// RunInfoMapping maps a source run id to the info of the destination run
// created from it.
type RunInfoMapping map[string]RunInfo

// RunData holds the logged values of a run.
type RunData struct {
	Metrics []Metric `json:"metrics,omitempty"`
	Params  []Param  `json:"params,omitempty"`
	Tags    []Tag    `json:"tags,omitempty"`
}

// Run is a run with its data.
type Run struct {
	Info RunInfo `json:"info"`
	Data RunData `json:"data"`
}

// CreateRunRequest describes a run to create.
type CreateRunRequest struct {
	ExperimentID string `json:"experiment_id"`
	UserID       string `json:"user_id,omitempty"`
	RunName      string `json:"run_name,omitempty"`
	StartTime    int64  `json:"start_time,omitempty"`
	Tags         []Tag  `json:"tags,omitempty"`
}

// ModelVersion is one version of a registered model.
type ModelVersion struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Source       string `json:"source"`
	RunID        string `json:"run_id,omitempty"`
	CurrentStage string `json:"current_stage,omitempty"`
	Description  string `json:"description,omitempty"`
	Status       string `json:"status,omitempty"`
	Tags         []Tag  `json:"tags,omitempty"`
}

// CreateModelVersionRequest describes a model version to create.
type CreateModelVersionRequest struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	RunID       string `json:"run_id,omitempty"`
	Description string `json:"description,omitempty"`
	Tags        []Tag  `json:"tags,omitempty"`
}

// AccessControlRequest grants one permission level to a user or a group.
type AccessControlRequest struct {
	UserName        string `json:"user_name,omitempty"`
	GroupName       string `json:"group_name,omitempty"`
	PermissionLevel string `json:"permission_level"`
}
