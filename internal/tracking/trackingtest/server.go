// Package trackingtest provides an in-memory tracking server for tests.
package trackingtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BadgerOps/mlmigrate/internal/tracking"
)

// RegisteredModel is the stored form of a created registered model.
type RegisteredModel struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Tags        []tracking.Tag `json:"tags,omitempty"`
}

// Server is an httptest server implementing the subset of the tracking REST
// API used by mlmigrate. All state is kept in memory.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	nextID       int
	experiments  map[string]*tracking.Experiment // by id
	runs         map[string]*tracking.Run        // by id
	models       map[string]*RegisteredModel
	versions     map[string][]tracking.ModelVersion // by model name
	permissions  map[string][]tracking.AccessControlRequest
	requestCount map[string]int

	failPermissions bool
	failExperiment  func(name string) bool
}

// NewServer starts a new fake tracking server. Close it when done.
func NewServer() *Server {
	s := &Server{
		experiments:  make(map[string]*tracking.Experiment),
		runs:         make(map[string]*tracking.Run),
		models:       make(map[string]*RegisteredModel),
		versions:     make(map[string][]tracking.ModelVersion),
		permissions:  make(map[string][]tracking.AccessControlRequest),
		requestCount: make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/2.0/mlflow/experiments/get-by-name", s.getExperimentByName)
	mux.HandleFunc("/api/2.0/mlflow/experiments/create", s.createExperiment)
	mux.HandleFunc("/api/2.0/mlflow/runs/create", s.createRun)
	mux.HandleFunc("/api/2.0/mlflow/runs/log-batch", s.logBatch)
	mux.HandleFunc("/api/2.0/mlflow/runs/update", s.updateRun)
	mux.HandleFunc("/api/2.0/mlflow/runs/set-tag", s.setTag)
	mux.HandleFunc("/api/2.0/mlflow/registered-models/create", s.createModel)
	mux.HandleFunc("/api/2.0/mlflow/registered-models/delete", s.deleteModel)
	mux.HandleFunc("/api/2.0/mlflow/model-versions/create", s.createVersion)
	mux.HandleFunc("/api/2.0/mlflow/model-versions/transition-stage", s.transitionStage)
	mux.HandleFunc("/api/2.0/preview/permissions/experiments/", s.patchPermissions)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requestCount[r.URL.Path]++
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	return s
}

// FailPermissions makes every permissions PATCH answer 500.
func (s *Server) FailPermissions(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPermissions = fail
}

// FailExperiment makes experiment creation fail for names matching fn.
func (s *Server) FailExperiment(fn func(name string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failExperiment = fn
}

// Requests returns how many requests hit the given path.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCount[path]
}

// AddExperiment seeds an experiment and returns its id.
func (s *Server) AddExperiment(name, lifecycleStage string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID()
	s.experiments[id] = &tracking.Experiment{ExperimentID: id, Name: name, LifecycleStage: lifecycleStage}
	return id
}

// Experiments returns all experiments sorted by name.
func (s *Server) Experiments() []tracking.Experiment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tracking.Experiment
	for _, e := range s.experiments {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run returns a copy of the run with the given id.
func (s *Server) Run(id string) (tracking.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return tracking.Run{}, false
	}
	return *r, true
}

// RunsInExperiment returns the runs of one experiment.
func (s *Server) RunsInExperiment(experimentID string) []tracking.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tracking.Run
	for _, r := range s.runs {
		if r.Info.ExperimentID == experimentID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.RunName < out[j].Info.RunName })
	return out
}

// RunTag returns the value of a tag on a run.
func (s *Server) RunTag(runID, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return "", false
	}
	for _, t := range r.Data.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// Model returns a registered model and its versions.
func (s *Server) Model(name string) (RegisteredModel, []tracking.ModelVersion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[name]
	if !ok {
		return RegisteredModel{}, nil, false
	}
	return *m, append([]tracking.ModelVersion(nil), s.versions[name]...), true
}

// Permissions returns the access-control entries patched onto an experiment.
func (s *Server) Permissions(experimentID string) []tracking.AccessControlRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tracking.AccessControlRequest(nil), s.permissions[experimentID]...)
}

func (s *Server) newID() string {
	s.nextID++
	return strconv.Itoa(s.nextID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error_code": code, "message": msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PARAMETER_VALUE", err.Error())
		return false
	}
	return true
}

func (s *Server) getExperimentByName(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("experiment_name")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.experiments {
		if e.Name == name {
			writeJSON(w, http.StatusOK, map[string]any{"experiment": e})
			return
		}
	}
	writeError(w, http.StatusNotFound, tracking.ErrorCodeNotFound, fmt.Sprintf("experiment %q not found", name))
}

func (s *Server) createExperiment(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failExperiment != nil && s.failExperiment(in.Name) {
		writeError(w, http.StatusBadRequest, "INVALID_STATE", "experiment creation disabled")
		return
	}
	for _, e := range s.experiments {
		if e.Name == in.Name {
			writeError(w, http.StatusBadRequest, tracking.ErrorCodeAlreadyExists, "experiment exists")
			return
		}
	}
	id := s.newID()
	s.experiments[id] = &tracking.Experiment{ExperimentID: id, Name: in.Name, LifecycleStage: "active"}
	writeJSON(w, http.StatusOK, map[string]string{"experiment_id": id})
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var in tracking.CreateRunRequest
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[in.ExperimentID]; !ok {
		writeError(w, http.StatusNotFound, tracking.ErrorCodeNotFound, "no such experiment")
		return
	}
	id := "run-" + s.newID()
	userID := in.UserID
	if userID == "" {
		userID = "importer"
	}
	run := &tracking.Run{
		Info: tracking.RunInfo{
			RunID:          id,
			ExperimentID:   in.ExperimentID,
			RunName:        in.RunName,
			UserID:         userID,
			Status:         tracking.RunStatusRunning,
			StartTime:      in.StartTime,
			LifecycleStage: "active",
			ArtifactURI:    "dbfs:/databricks/mlflow-tracking/" + in.ExperimentID + "/" + id + "/artifacts",
		},
		Data: tracking.RunData{Tags: append([]tracking.Tag(nil), in.Tags...)},
	}
	s.runs[id] = run
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) logBatch(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RunID   string            `json:"run_id"`
		Metrics []tracking.Metric `json:"metrics"`
		Params  []tracking.Param  `json:"params"`
		Tags    []tracking.Tag    `json:"tags"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[in.RunID]
	if !ok {
		writeError(w, http.StatusNotFound, tracking.ErrorCodeNotFound, "no such run")
		return
	}
	run.Data.Metrics = append(run.Data.Metrics, in.Metrics...)
	run.Data.Params = append(run.Data.Params, in.Params...)
	for _, t := range in.Tags {
		setTag(run, t.Key, t.Value)
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) updateRun(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RunID   string `json:"run_id"`
		Status  string `json:"status"`
		EndTime int64  `json:"end_time"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[in.RunID]
	if !ok {
		writeError(w, http.StatusNotFound, tracking.ErrorCodeNotFound, "no such run")
		return
	}
	run.Info.Status = in.Status
	run.Info.EndTime = in.EndTime
	writeJSON(w, http.StatusOK, map[string]any{"run_info": run.Info})
}

func (s *Server) setTag(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RunID string `json:"run_id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[in.RunID]
	if !ok {
		writeError(w, http.StatusNotFound, tracking.ErrorCodeNotFound, "no such run")
		return
	}
	setTag(run, in.Key, in.Value)
	writeJSON(w, http.StatusOK, map[string]any{})
}

func setTag(run *tracking.Run, key, value string) {
	for i := range run.Data.Tags {
		if run.Data.Tags[i].Key == key {
			run.Data.Tags[i].Value = value
			return
		}
	}
	run.Data.Tags = append(run.Data.Tags, tracking.Tag{Key: key, Value: value})
}

func (s *Server) createModel(w http.ResponseWriter, r *http.Request) {
	var in RegisteredModel
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[in.Name]; ok {
		writeError(w, http.StatusBadRequest, tracking.ErrorCodeAlreadyExists, "model exists")
		return
	}
	s.models[in.Name] = &RegisteredModel{Name: in.Name, Description: in.Description, Tags: in.Tags}
	writeJSON(w, http.StatusOK, map[string]any{"registered_model": s.models[in.Name]})
}

func (s *Server) deleteModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "BAD_REQUEST", "use DELETE")
		return
	}
	var in struct {
		Name string `json:"name"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[in.Name]; !ok {
		writeError(w, http.StatusNotFound, tracking.ErrorCodeNotFound, "no such model")
		return
	}
	delete(s.models, in.Name)
	delete(s.versions, in.Name)
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) createVersion(w http.ResponseWriter, r *http.Request) {
	var in tracking.CreateModelVersionRequest
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.models[in.Name]; !ok {
		writeError(w, http.StatusNotFound, tracking.ErrorCodeNotFound, "no such model")
		return
	}
	if in.RunID != "" {
		if _, ok := s.runs[in.RunID]; !ok {
			writeError(w, http.StatusNotFound, tracking.ErrorCodeNotFound, "no such run")
			return
		}
	}
	mv := tracking.ModelVersion{
		Name:         in.Name,
		Version:      strconv.Itoa(len(s.versions[in.Name]) + 1),
		Source:       in.Source,
		RunID:        in.RunID,
		Description:  in.Description,
		CurrentStage: "None",
		Status:       "READY",
		Tags:         in.Tags,
	}
	s.versions[in.Name] = append(s.versions[in.Name], mv)
	writeJSON(w, http.StatusOK, map[string]any{"model_version": mv})
}

func (s *Server) transitionStage(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		Stage   string `json:"stage"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range s.versions[in.Name] {
		if v.Version == in.Version {
			s.versions[in.Name][i].CurrentStage = in.Stage
			writeJSON(w, http.StatusOK, map[string]any{"model_version": s.versions[in.Name][i]})
			return
		}
	}
	writeError(w, http.StatusNotFound, tracking.ErrorCodeNotFound, "no such version")
}

func (s *Server) patchPermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		writeError(w, http.StatusMethodNotAllowed, "BAD_REQUEST", "use PATCH")
		return
	}
	s.mu.Lock()
	fail := s.failPermissions
	s.mu.Unlock()
	if fail {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "permissions service unavailable")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/2.0/preview/permissions/experiments/")
	var in struct {
		AccessControlList []tracking.AccessControlRequest `json:"access_control_list"`
	}
	if !decode(w, r, &in) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[id]; !ok {
		writeError(w, http.StatusNotFound, tracking.ErrorCodeNotFound, "no such experiment")
		return
	}
	s.permissions[id] = append(s.permissions[id], in.AccessControlList...)
	writeJSON(w, http.StatusOK, map[string]any{"access_control_list": s.permissions[id]})
}
