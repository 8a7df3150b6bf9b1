package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/planguard/control-plane/pkg/models"
)

const maxResponseBytes = 4 << 20

// HTTPPlanner calls a remote planning service:
//
//	POST <url>  {"prompt": "...", "context": [{"content": "...", "priority": 1}]}
//	→ {"steps": [...], "confidence": 0.9}
type HTTPPlanner struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPPlanner(url string, timeout time.Duration) *HTTPPlanner {
	return &HTTPPlanner{url: url, timeout: timeout, client: &http.Client{}}
}

func (p *HTTPPlanner) Plan(ctx context.Context, req PlanRequest) (*PlanResult, error) {
	if req.Context == nil {
		req.Context = []models.ContextItem{}
	}
	body, err := postJSON(ctx, p.client, p.url, p.timeout, req)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	result, err := ParsePlannerOutput(body)
	if err != nil {
		return nil, fmt.Errorf("planner: %w", err)
	}
	log.Debug().Int("steps", len(result.Steps)).Float64("confidence", result.Confidence).Msg("Planner returned plan")
	return result, nil
}

// HTTPExecutor calls a remote execution service with one step:
//
//	POST <url>  {"step": {...}, "context": {...}}
//	→ {"result": ..., "entities": [...], "error": "..."}
type HTTPExecutor struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPExecutor(url string, timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{url: url, timeout: timeout, client: &http.Client{}}
}

func (x *HTTPExecutor) Execute(ctx context.Context, step models.Step, stepCtx map[string]interface{}) (*ExecutionOutput, error) {
	if stepCtx == nil {
		stepCtx = map[string]interface{}{}
	}
	payload := map[string]interface{}{"step": step, "context": stepCtx}
	body, err := postJSON(ctx, x.client, x.url, x.timeout, payload)
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	out, err := ParseExecutorOutput(body)
	if err != nil {
		return nil, fmt.Errorf("executor: %w", err)
	}
	return out, nil
}

// postJSON posts v and returns the response body. Timeouts and non-2xx
// replies are reported as ErrUnavailable.
func postJSON(ctx context.Context, client *http.Client, url string, timeout time.Duration, v interface{}) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
