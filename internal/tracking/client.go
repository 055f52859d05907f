// Package tracking is a client for the REST API of the destination tracking
// server: experiments, runs, registered models and experiment permissions.
package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	apiPrefix         = "/api/2.0/mlflow/"
	permissionsPrefix = "/api/2.0/preview/permissions/"
)

// Options configures a Client.
type Options struct {
	TrackingURI      string
	Token            string
	Timeout          time.Duration
	RetryAttempts    int           // 0 defaults to 3
	BackoffBase      time.Duration // 0 defaults to 1s
	MaxResponseBytes int64         // 0 defaults to 32 MiB
	HTTPClient       *http.Client  // nil builds one from Timeout
}

// Client talks to a tracking server with retry logic.
type Client struct {
	baseURL       *url.URL
	token         string
	httpClient    *http.Client
	retryAttempts int
	backoffBase   time.Duration
	maxResponse   int64
	logger        *slog.Logger
	userAgent     string
}

// NewClient creates a tracking client with the given logger.
func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	u, err := parseTrackingURI(opts.TrackingURI)
	if err != nil {
		return nil, err
	}
	if opts.Token != "" && u.Scheme == "http" && !isLocal(u) {
		logger.Warn("sending token over plain http", "host", u.Host)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(opts.Timeout)
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = defaultMaxResponseBytes
	}

	return &Client{
		baseURL:       u,
		token:         opts.Token,
		httpClient:    httpClient,
		retryAttempts: opts.RetryAttempts,
		backoffBase:   opts.BackoffBase,
		maxResponse:   opts.MaxResponseBytes,
		logger:        logger,
		userAgent:     "mlmigrate/1.0",
	}, nil
}

// APIError is an error response from the tracking server.
type APIError struct {
	StatusCode int
	Status     string
	ErrorCode  string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("tracking api error %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("tracking api error %d: %s", e.StatusCode, e.Status)
}

// IsNotFound reports whether err says the requested resource does not exist.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == ErrorCodeNotFound || apiErr.StatusCode == http.StatusNotFound
	}
	return false
}

// IsAlreadyExists reports whether err says the resource already exists.
func IsAlreadyExists(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == ErrorCodeAlreadyExists
	}
	return false
}

// call performs an idempotent API request under the mlflow prefix.
func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, in, out any) error {
	return c.do(ctx, method, apiPrefix+endpoint, query, in, out, true)
}

// callOnce performs a request that creates or appends server-side state.
// A 5xx or transport failure may arrive after the server committed it, so
// only throttling answers are retried.
func (c *Client) callOnce(ctx context.Context, endpoint string, in, out any) error {
	return c.do(ctx, http.MethodPost, apiPrefix+endpoint, nil, in, out, false)
}

// do performs a request, retrying transient failures with exponential
// backoff. 4xx answers other than 429 are returned immediately. When
// idempotent is false, only 429 answers are retried.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any, idempotent bool) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", path, err)
		}
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s %s cancelled: %w", method, path, ctx.Err())
		default:
		}

		err := c.attempt(ctx, method, u.String(), body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if shouldNotRetry(err) {
			return err
		}
		if !idempotent && !isThrottled(err) {
			return fmt.Errorf("%s %s failed, not retried: %w", method, path, err)
		}

		c.logger.Warn("tracking request failed", "method", method, "path", path, "attempt", attempt, "error", err)

		if attempt < c.retryAttempts {
			delay := c.backoffDelay(attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("%s %s cancelled during retry: %w", method, path, ctx.Err())
			}
		}
	}

	return fmt.Errorf("%s %s failed after %d attempts: %w", method, path, c.retryAttempts, lastErr)
}

// attempt performs a single request.
func (c *Client) attempt(ctx context.Context, method, target string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := readBody(resp.Body, c.maxResponse)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Status: resp.Status}
		var payload struct {
			ErrorCode string `json:"error_code"`
			Message   string `json:"message"`
		}
		if json.Unmarshal(data, &payload) == nil {
			apiErr.ErrorCode = payload.ErrorCode
			apiErr.Message = payload.Message
		}
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// backoffDelay calculates exponential backoff with jitter up to half the delay.
func (c *Client) backoffDelay(attempt int) time.Duration {
	exponentialDelay := time.Duration(math.Pow(2, float64(attempt-1))) * c.backoffBase
	maxJitter := int64(exponentialDelay / 2)
	if maxJitter <= 0 {
		return exponentialDelay
	}
	return exponentialDelay + time.Duration(rand.Int63n(maxJitter))
}

// shouldNotRetry returns true if the error should not trigger a retry.
func shouldNotRetry(err error) bool {
	if errors.Is(err, ErrResponseTooLarge) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
			return true
		}
	}
	return false
}

// isThrottled reports whether the server rejected the request before
// handling it.
func isThrottled(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// ============================================================================
// Experiments
// ============================================================================

// GetExperimentByName looks up an experiment by name.
func (c *Client) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	var out struct {
		Experiment Experiment `json:"experiment"`
	}
	err := c.call(ctx, http.MethodGet, "experiments/get-by-name", url.Values{"experiment_name": {name}}, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out.Experiment, nil
}

// CreateExperiment creates an experiment and returns its id.
func (c *Client) CreateExperiment(ctx context.Context, name string) (string, error) {
	var out struct {
		ExperimentID string `json:"experiment_id"`
	}
	in := map[string]string{"name": name}
	if err := c.call(ctx, http.MethodPost, "experiments/create", nil, in, &out); err != nil {
		return "", err
	}
	return out.ExperimentID, nil
}

// GetOrCreateExperiment returns the id of the active experiment with the
// given name, creating it when it does not exist. A concurrent creator of the
// same name is tolerated by re-reading after an already-exists answer.
func (c *Client) GetOrCreateExperiment(ctx context.Context, name string) (string, error) {
	exp, err := c.GetExperimentByName(ctx, name)
	if err == nil {
		if exp.LifecycleStage == "deleted" {
			return "", fmt.Errorf("experiment %q exists but is deleted", name)
		}
		return exp.ExperimentID, nil
	}
	if !IsNotFound(err) {
		return "", fmt.Errorf("getting experiment %q: %w", name, err)
	}

	id, err := c.CreateExperiment(ctx, name)
	if err == nil {
		c.logger.Info("created experiment", "name", name, "experiment_id", id)
		return id, nil
	}
	if !IsAlreadyExists(err) {
		return "", fmt.Errorf("creating experiment %q: %w", name, err)
	}

	exp, err = c.GetExperimentByName(ctx, name)
	if err != nil {
		return "", fmt.Errorf("getting experiment %q after concurrent create: %w", name, err)
	}
	return exp.ExperimentID, nil
}

// ============================================================================
// Runs
// ============================================================================

// CreateRun creates a run.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (*Run, error) {
	var out struct {
		Run Run `json:"run"`
	}
	if err := c.callOnce(ctx, "runs/create", req, &out); err != nil {
		return nil, err
	}
	return &out.Run, nil
}

// LogBatch logs metrics, params and tags on a run in one request.
func (c *Client) LogBatch(ctx context.Context, runID string, metrics []Metric, params []Param, tags []Tag) error {
	in := struct {
		RunID   string   `json:"run_id"`
		Metrics []Metric `json:"metrics,omitempty"`
		Params  []Param  `json:"params,omitempty"`
		Tags    []Tag    `json:"tags,omitempty"`
	}{runID, metrics, params, tags}
	return c.callOnce(ctx, "runs/log-batch", in, nil)
}

// UpdateRun sets a run's terminal status and end time.
func (c *Client) UpdateRun(ctx context.Context, runID, status string, endTime int64) (*RunInfo, error) {
	in := struct {
		RunID   string `json:"run_id"`
		Status  string `json:"status"`
		EndTime int64  `json:"end_time,omitempty"`
	}{runID, status, endTime}
	var out struct {
		RunInfo RunInfo `json:"run_info"`
	}
	if err := c.call(ctx, http.MethodPost, "runs/update", nil, in, &out); err != nil {
		return nil, err
	}
	return &out.RunInfo, nil
}

// SetTag sets one tag on a run, replacing any previous value.
func (c *Client) SetTag(ctx context.Context, runID, key, value string) error {
	in := struct {
		RunID string `json:"run_id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	}{runID, key, value}
	return c.call(ctx, http.MethodPost, "runs/set-tag", nil, in, nil)
}

// ============================================================================
// Registered models
// ============================================================================

// CreateRegisteredModel creates a registered model.
func (c *Client) CreateRegisteredModel(ctx context.Context, name, description string, tags []Tag) error {
	in := struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Tags        []Tag  `json:"tags,omitempty"`
	}{name, description, tags}
	return c.call(ctx, http.MethodPost, "registered-models/create", nil, in, nil)
}

// DeleteRegisteredModel deletes a registered model and all its versions.
func (c *Client) DeleteRegisteredModel(ctx context.Context, name string) error {
	in := map[string]string{"name": name}
	return c.call(ctx, http.MethodDelete, "registered-models/delete", nil, in, nil)
}

// CreateModelVersion creates a model version.
func (c *Client) CreateModelVersion(ctx context.Context, req CreateModelVersionRequest) (*ModelVersion, error) {
	var out struct {
		ModelVersion ModelVersion `json:"model_version"`
	}
	if err := c.callOnce(ctx, "model-versions/create", req, &out); err != nil {
		return nil, err
	}
	return &out.ModelVersion, nil
}

// TransitionModelVersionStage moves a model version to a stage.
func (c *Client) TransitionModelVersionStage(ctx context.Context, name, version, stage string) error {
	in := struct {
		Name                    string `json:"name"`
		Version                 string `json:"version"`
		Stage                   string `json:"stage"`
		ArchiveExistingVersions bool   `json:"archive_existing_versions"`
	}{name, version, stage, false}
	return c.call(ctx, http.MethodPost, "model-versions/transition-stage", nil, in, nil)
}

// ============================================================================
// Permissions
// ============================================================================

// PatchExperimentPermissions adds access-control entries to an experiment.
func (c *Client) PatchExperimentPermissions(ctx context.Context, experimentID string, acl []AccessControlRequest) error {
	in := struct {
		AccessControlList []AccessControlRequest `json:"access_control_list"`
	}{acl}
	path := permissionsPrefix + "experiments/" + url.PathEscape(experimentID)
	return c.do(ctx, http.MethodPatch, path, nil, in, nil, true)
}
