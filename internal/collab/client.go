package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/leadengine/internal/config"
	"github.com/ignite/leadengine/internal/domain"
	"github.com/ignite/leadengine/internal/pkg/httpretry"
	"github.com/ignite/leadengine/internal/pkg/logger"
)

// CallRecorder persists one row per collaborator request.
type CallRecorder interface {
	RecordAPICall(ctx context.Context, c domain.APICall) error
}

// StatusError is a non-2xx collaborator response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collaborator error (status %d): %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return domain.ErrExternalFailure }

// Client is the shared JSON transport of every collaborator.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer

	service  string
	recorder CallRecorder
}

// NewClient builds a client from an endpoint configuration.
func NewClient(cfg config.EndpointConfig) *Client {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpretry.NewRetryClient(&http.Client{Timeout: timeout}, cfg.MaxRetries),
	}
}

// SetHTTPClient swaps the transport, mostly for tests.
func (c *Client) SetHTTPClient(client httpretry.HTTPDoer) {
	c.httpClient = client
}

// Observe records every request made through c under the service name.
// Recording failures are logged and never fail the call.
func (c *Client) Observe(service string, r CallRecorder) *Client {
	c.service = service
	c.recorder = r
	return c
}

func (c *Client) record(ctx context.Context, method, endpoint string, began time.Time, status int, ok bool) {
	if c.recorder == nil {
		return
	}
	call := domain.APICall{
		Service:    c.service,
		Operation:  method + " " + endpoint,
		Success:    ok,
		StatusCode: status,
		Duration:   time.Since(began),
	}
	if err := c.recorder.RecordAPICall(context.WithoutCancel(ctx), call); err != nil {
		logger.Warn("api call not recorded", "service", c.service, "operation", call.Operation, "error", err)
	}
}

// do sends body as JSON and decodes a 2xx answer into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	began := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(ctx, method, endpoint, began, 0, false)
		return fmt.Errorf("%s %s: %v: %w", method, endpoint, err, domain.ErrExternalFailure)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	c.record(ctx, method, endpoint, began, resp.StatusCode, err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300)
	if err != nil {
		return fmt.Errorf("read response body: %v: %w", err, domain.ErrExternalFailure)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse response: %v: %w", err, domain.ErrExternalFailure)
	}
	return nil
}
