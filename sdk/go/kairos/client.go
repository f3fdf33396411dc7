package kairos

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of a Kairos coordinator (e.g. "http://localhost:8080").
	BaseURL string

	// ServiceID identifies the calling service account.
	ServiceID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Kairos API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, ServiceID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kairos: BaseURL is required")
	}
	if cfg.ServiceID == "" {
		return nil, fmt.Errorf("kairos: ServiceID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("kairos: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.ServiceID, cfg.APIKey, httpClient),
	}, nil
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// Enqueue submits a task. Enqueue does not deduplicate: retrying a request
// whose response was lost may create a second task.
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResponse, error) {
	var resp EnqueueResponse
	if err := c.post(ctx, "/v1/tasks", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTask retrieves one task.
func (c *Client) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	var resp Task
	if err := c.get(ctx, "/v1/tasks/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListTasks returns one page of tasks, newest first.
func (c *Client) ListTasks(ctx context.Context, opts *ListTasksOptions) (*TaskPage, error) {
	params := url.Values{}
	if opts != nil {
		if opts.State != "" {
			params.Set("state", string(opts.State))
		}
		if opts.TaskType != "" {
			params.Set("task_type", opts.TaskType)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	path := "/v1/tasks"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var list listEnvelope
	if err := c.getRaw(ctx, path, &list); err != nil {
		return nil, err
	}
	page := &TaskPage{HasMore: list.HasMore}
	if list.Total != nil {
		page.Total = *list.Total
	}
	if err := json.Unmarshal(list.Data, &page.Tasks); err != nil {
		return nil, fmt.Errorf("kairos: decode tasks: %w", err)
	}
	return page, nil
}

// WaitForTask polls a task until it reaches a terminal state or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, id uuid.UUID, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.State.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// CancelTask fails a task that has not finished yet. A worker still executing
// it loses its lease. Cancelling a finished task returns an error for which
// IsConflict is true.
func (c *Client) CancelTask(ctx context.Context, id uuid.UUID, reason string) (*Task, error) {
	var resp Task
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}
	if err := c.post(ctx, "/v1/tasks/"+id.String()+"/cancel", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TaskEvents returns the lifecycle history of a task after event id after
// (0 for all of it).
func (c *Client) TaskEvents(ctx context.Context, id uuid.UUID, after int64) ([]TaskEvent, error) {
	path := "/v1/tasks/" + id.String() + "/events"
	if after > 0 {
		path += "?after=" + strconv.FormatInt(after, 10)
	}
	var resp []TaskEvent
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// WatchTask streams a task's events to fn, starting after event id after,
// until the task finishes, fn returns an error, or ctx ends. It returns nil
// once the terminal event has been delivered.
func (c *Client) WatchTask(ctx context.Context, id uuid.UUID, after int64, fn func(TaskEvent) error) error {
	// The stream outlives any per-request timeout on the configured client.
	streamClient := *c.client
	streamClient.Timeout = 0

	for attempt := 0; ; attempt++ {
		token, err := c.tokenMgr.getToken(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tasks/"+id.String()+"/events", nil)
		if err != nil {
			return fmt.Errorf("kairos: create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "text/event-stream")
		if after > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(after, 10))
		}

		resp, err := streamClient.Do(req)
		if err != nil {
			return fmt.Errorf("kairos: watch task: %w", err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			_ = resp.Body.Close()
			c.tokenMgr.invalidate()
			continue
		}
		if resp.StatusCode >= 400 {
			raw, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			return parseErrorResponse(resp.StatusCode, raw)
		}
		err = readEventStream(resp.Body, fn)
		_ = resp.Body.Close()
		return err
	}
}

// readEventStream decodes SSE messages until a terminal event, an error from
// fn, or the end of the body.
func readEventStream(body io.Reader, fn func(TaskEvent) error) error {
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev TaskEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("kairos: decode task event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.State.Terminal() {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("kairos: read event stream: %w", err)
	}
	return fmt.Errorf("kairos: event stream ended before the task finished")
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Workers lists workers with their computed liveness.
func (c *Client) Workers(ctx context.Context) ([]Worker, error) {
	var resp []Worker
	if err := c.get(ctx, "/v1/workers", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// QueueHealth returns the backlog and worker summary.
func (c *Client) QueueHealth(ctx context.Context) (*QueueHealth, error) {
	var resp QueueHealth
	if err := c.get(ctx, "/v1/queue/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health probes the coordinator without authenticating. A 503 still decodes
// the body so callers can inspect which dependency is down.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("kairos: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kairos: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kairos: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, parseErrorResponse(resp.StatusCode, raw)
	}
	var out HealthStatus
	if err := unwrapData(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Scoring
// ---------------------------------------------------------------------------

// IngestMetrics scores an engagement snapshot. Re-ingesting the same content
// replaces its score.
func (c *Client) IngestMetrics(ctx context.Context, rec MetricsRecord) (*Score, error) {
	var resp Score
	if err := c.post(ctx, "/v1/metrics", rec, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetScore retrieves the score of one piece of content.
func (c *Client) GetScore(ctx context.Context, contentID string) (*Score, error) {
	var resp Score
	if err := c.get(ctx, "/v1/scores/"+url.PathEscape(contentID), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Winners returns content scoring at or above threshold, best first. A nil
// threshold uses the server's reward threshold.
func (c *Client) Winners(ctx context.Context, threshold *float64, limit int) ([]Score, error) {
	params := url.Values{}
	if threshold != nil {
		params.Set("threshold", strconv.FormatFloat(*threshold, 'f', -1, 64))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/winners"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var resp []Score
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Timing
// ---------------------------------------------------------------------------

// SampleSlot draws a slot for the context by Thompson sampling.
func (c *Client) SampleSlot(ctx context.Context, req SampleRequest) (*SampleResponse, error) {
	var resp SampleResponse
	if err := c.post(ctx, "/v1/timing/sample", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RecordOutcome feeds a binary outcome for a slot back to the optimizer.
func (c *Client) RecordOutcome(ctx context.Context, timingContext string, slot Slot, success bool) (*TimingSlot, error) {
	body := map[string]any{"context": timingContext, "slot": slot, "success": success}
	var resp TimingSlot
	if err := c.post(ctx, "/v1/timing/reward", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Schedule samples a slot and enqueues a task to run at its next occurrence.
func (c *Client) Schedule(ctx context.Context, req ScheduleRequest) (*ScheduleResponse, error) {
	var resp ScheduleResponse
	if err := c.post(ctx, "/v1/timing/schedule", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TimingSlots returns the persisted posteriors for a context.
func (c *Client) TimingSlots(ctx context.Context, timingContext string) ([]TimingSlot, error) {
	var resp []TimingSlot
	if err := c.get(ctx, "/v1/timing/"+url.PathEscape(timingContext), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// listEnvelope is the server's list response wrapper.
type listEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Total   *int            `json:"total"`
	HasMore bool            `json:"has_more"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kairos: marshal request body: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, encoded, func(raw []byte) error {
		return unwrapData(raw, dest)
	})
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	return c.do(ctx, http.MethodGet, path, nil, func(raw []byte) error {
		return unwrapData(raw, dest)
	})
}

func (c *Client) getRaw(ctx context.Context, path string, dest any) error {
	return c.do(ctx, http.MethodGet, path, nil, func(raw []byte) error {
		return json.Unmarshal(raw, dest)
	})
}

// do sends an authenticated request. A 401 on a cached token triggers one
// re-authentication and retry, which covers server-side key rotation.
func (c *Client) do(ctx context.Context, method, path string, body []byte, decode func([]byte) error) error {
	for attempt := 0; ; attempt++ {
		token, err := c.tokenMgr.getToken(ctx)
		if err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("kairos: create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("kairos: %s %s: %w", method, req.URL.Path, err)
		}
		raw, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("kairos: read response body: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			c.tokenMgr.invalidate()
			continue
		}
		if resp.StatusCode >= 400 {
			return parseErrorResponse(resp.StatusCode, raw)
		}
		if resp.StatusCode == http.StatusNoContent {
			return nil
		}
		return decode(raw)
	}
}

// unwrapData decodes the "data" member of the server's response envelope.
func unwrapData(raw []byte, dest any) error {
	if dest == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("kairos: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("kairos: response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
