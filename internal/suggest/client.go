// Package suggest is a thin client for the remote fix-suggestion service.
//
// Every call is a single attempt under a fixed timeout. GetFixSuggestions and
// TestConnection never fail: they log and degrade to "no suggestions" or
// false. The remaining calls return their errors to the caller.
package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/nadmax/cihealer/internal/metrics"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// stamp flattens data into the request map and adds the timestamp field.
func (c *Client) stamp(data any) (map[string]any, error) {
	fields := map[string]any{}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
	}
	fields["timestamp"] = c.now().UTC().Format(time.RFC3339)
	return fields, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, out any) (err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		var statusErr *StatusError
		var parseErr *ParseError
		switch {
		case err == nil:
		case errors.Is(err, ErrTimeout):
			result = "timeout"
		case errors.As(err, &statusErr):
			result = "status_error"
		case errors.As(err, &parseErr):
			result = "parse_error"
		default:
			result = "error"
		}
		metrics.RecordSuggestionRequest(endpoint, result, time.Since(start))
	}()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %s %s: %v", ErrTimeout, method, endpoint, err)
		}
		return fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: reading %s: %v", ErrTimeout, endpoint, err)
		}
		return fmt.Errorf("failed to read %s response: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		// informational endpoints may answer 204 or an empty 200
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil
		}
		var discard any
		out = &discard
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ParseError{Endpoint: endpoint, Err: err}
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint, requestType string, data any, out any) error {
	fields, err := c.stamp(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", requestType, err)
	}

	body, err := json.Marshal(envelope{Type: requestType, Data: fields})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", requestType, err)
	}

	if err := c.do(ctx, http.MethodPost, endpoint, bytes.NewReader(body), out); err != nil {
		c.logger.Error("suggestion service request failed", "endpoint", endpoint, "error", err)
		return err
	}
	return nil
}

// TestConnection calls /health and reports whether the service answered 2xx.
func (c *Client) TestConnection(ctx context.Context) bool {
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		c.logger.Warn("suggestion service unavailable", "error", err)
		return false
	}
	return true
}

// GetFixSuggestions returns the service's suggestions for an error kind.
// Any failure yields an empty list.
func (c *Client) GetFixSuggestions(ctx context.Context, errorType, errContext string) []Suggestion {
	var resp suggestionsResponse
	err := c.post(ctx, "/suggestions", "suggestions", map[string]any{
		"error_type": errorType,
		"context":    errContext,
	}, &resp)
	if err != nil {
		c.logger.Warn("no remote suggestions", "error_type", errorType, "error", err)
		return []Suggestion{}
	}

	if resp.Suggestions == nil {
		return []Suggestion{}
	}
	return resp.Suggestions
}

func (c *Client) SendErrorReport(ctx context.Context, report ErrorReport) error {
	return c.post(ctx, "/error-report", "error_report", report, nil)
}

func (c *Client) RequestFix(ctx context.Context, req FixRequest) (*FixResponse, error) {
	var resp FixResponse
	if err := c.post(ctx, "/fix-request", "fix_request", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SendLearningData(ctx context.Context, data LearningData) error {
	return c.post(ctx, "/learning-data", "learning_data", data, nil)
}

func (c *Client) RequestOptimization(ctx context.Context, req OptimizationRequest) (*OptimizationResult, error) {
	var resp OptimizationResult
	if err := c.post(ctx, "/optimization-request", "optimization_request", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ValidateFix(ctx context.Context, v FixValidation) (*ValidationResult, error) {
	var resp ValidationResult
	if err := c.post(ctx, "/validate-fix", "fix_validation", v, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OptimizeWorkflow sends a workflow definition for review.
func (c *Client) OptimizeWorkflow(ctx context.Context, workflowPath, content string) (*OptimizationResult, error) {
	var resp OptimizationResult
	err := c.post(ctx, "/workflow-optimization", "workflow_optimization", map[string]any{
		"workflow_path": workflowPath,
		"content":       content,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
