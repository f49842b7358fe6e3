// Package client triggers pipeline jobs on a running worker over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/tendant/camera-trap-pipeline/pkg/pipeline"
)

// Client is an HTTP client for triggering pipeline processing
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new pipeline client. Connection errors and 5xx responses
// are retried.
func New(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 30 * time.Second
	return NewWithHTTPClient(baseURL, rc.StandardClient())
}

// NewWithHTTPClient creates a new pipeline client with a custom HTTP client
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// IngestCSV enqueues a CSV ingest
func (c *Client) IngestCSV(ctx context.Context, req pipeline.ProcessRequest) (*pipeline.ProcessResponse, error) {
	return c.enqueue(ctx, "/v1/ingest", req)
}

// IngestMedia enqueues a single-image ingest
func (c *Client) IngestMedia(ctx context.Context, req pipeline.ProcessRequest) (*pipeline.ProcessResponse, error) {
	return c.enqueue(ctx, "/v1/media", req)
}

func (c *Client) enqueue(ctx context.Context, path string, req pipeline.ProcessRequest) (*pipeline.ProcessResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var processResp pipeline.ProcessResponse
	if err := c.do(httpReq, http.StatusAccepted, &processResp); err != nil {
		return nil, err
	}
	return &processResp, nil
}

// RunStatus is the worker's view of one run
type RunStatus struct {
	RunID  string `json:"run_id"`
	Name   string `json:"name,omitempty"`
	State  string `json:"state"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Status fetches the state of a run
func (c *Client) Status(ctx context.Context, runID string) (*RunStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/runs/"+runID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	var st RunStatus
	if err := c.do(httpReq, http.StatusOK, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) do(httpReq *http.Request, want int, out any) error {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
