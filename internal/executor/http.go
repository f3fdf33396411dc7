// Package executor provides built-in task executors.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ashita-ai/kairos/internal/config"
	"github.com/ashita-ai/kairos/internal/model"
	"github.com/ashita-ai/kairos/internal/worker"
)

// maxResponseBytes caps how much of a response body becomes the task result.
const maxResponseBytes = 1 << 20

// HTTP posts the task payload to a fixed URL. The task ID is sent as the
// Idempotency-Key header so the receiver can deduplicate redeliveries.
//
// 2xx responses succeed with the response body as the result. 408, 425, 429
// and 5xx responses and transport errors are transient; any other status is
// permanent.
type HTTP struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
}

// NewHTTP creates an HTTP executor. The per-task deadline comes from the
// context; client is optional.
func NewHTTP(target string, headers map[string]string, client *http.Client) (*HTTP, error) {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("executor: invalid url %q", target)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &HTTP{url: target, headers: headers, httpClient: client}, nil
}

// FromConfig builds the executor for a family that declares one.
func FromConfig(fc config.FamilyConfig) (*HTTP, error) {
	if fc.HTTP == nil {
		return nil, fmt.Errorf("executor: family %q has no http executor", fc.TaskType)
	}
	return NewHTTP(fc.HTTP.URL, fc.HTTP.Headers, nil)
}

// Execute implements worker.Executor.
func (h *HTTP) Execute(ctx context.Context, task model.Task) (json.RawMessage, error) {
	body := task.Payload
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, worker.Permanent(fmt.Errorf("executor: create request: %w", err))
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", task.IdempotencyKey())
	req.Header.Set("X-Kairos-Task-Type", task.TaskType)
	req.Header.Set("X-Kairos-Attempt", strconv.Itoa(task.AttemptCount))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("executor: send request: %w", ctx.Err())
		}
		return nil, worker.Transient(fmt.Errorf("executor: send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, worker.Transient(fmt.Errorf("executor: read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := fmt.Errorf("executor: status %d: %s", resp.StatusCode, truncate(raw, 512))
		if retryable(resp.StatusCode) {
			return nil, worker.Transient(statusErr)
		}
		return nil, worker.Permanent(statusErr)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, worker.Permanentf("executor: response is not JSON")
	}
	return json.RawMessage(raw), nil
}

func retryable(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
