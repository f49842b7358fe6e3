// Package cameratrap talks to the camera-trap REST API: project schemas,
// overlap queries, document bulk updates and upload session status.
package cameratrap

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/tendant/camera-trap-pipeline/internal/batch"
	"github.com/tendant/camera-trap-pipeline/internal/schema"
)

// API paths
const (
	PathProjectAggregate = "/project/aggregate"
	PathAnnotationExists = "/media/annotation/exists"
	PathSessionUpdate    = "/upload-session/bulk-update"
)

// Request headers
const (
	UserHeader = "camera-trap-user-id" // acting user, on every request
	HoldHeader = "camera-trap-hold"    // "true" on payloads that overlap existing data
)

// Config configures the API client.
type Config struct {
	BaseURL     string
	Credentials string // "user:password"
	UserID      string // default acting user when a call has none
	RetryMax    int
	Timeout     time.Duration
}

// Client is a retrying camera-trap API client. It implements
// batch.SchemaSource, batch.OverlapChecker, batch.Committer and
// batch.StatusReporter.
type Client struct {
	baseURL string
	auth    string
	userID  string
	http    *retryablehttp.Client
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a client.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	if cfg.RetryMax > 0 {
		rc.RetryMax = cfg.RetryMax
	}
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		userID:  cfg.UserID,
		http:    rc,
		logger:  logger.Named("cameratrap"),
		now:     time.Now,
	}
	if cfg.Credentials != "" {
		c.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(cfg.Credentials))
	}
	return c
}

// apiError is a non-2xx response.
type apiError struct {
	Path   string
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("camera-trap %s: status %d: %s", e.Path, e.Status, e.Body)
}

// reqOpts carries the per-request headers.
type reqOpts struct {
	user string
	hold bool
}

// post sends body as JSON and decodes the response into out when out is not
// nil.
func (c *Client) post(ctx context.Context, path string, o reqOpts, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth != "" {
		req.Header.Set("Authorization", c.auth)
	}
	userID := o.user
	if userID == "" {
		userID = c.userID
	}
	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}
	if o.hold {
		req.Header.Set(HoldHeader, "true")
	}

	start := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("camera-trap %s: %w", path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("api call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", c.now().Sub(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// FetchSchema loads the project's field schema. A project without enabled
// fields yields a nil schema.
func (c *Client) FetchSchema(ctx context.Context, projectID string) (*schema.FieldSchema, error) {
	var res struct {
		Results []schema.ProjectFieldRow `json:"results"`
	}
	if err := c.post(ctx, PathProjectAggregate, reqOpts{}, schema.ProjectPipeline(projectID), &res); err != nil {
		return nil, err
	}
	return schema.FromProjectRows(res.Results), nil
}

// OverlapExists reports whether any annotation falls inside q's span.
func (c *Client) OverlapExists(ctx context.Context, q batch.OverlapQuery) (bool, error) {
	var res struct {
		Results json.RawMessage `json:"results"`
	}
	if err := c.post(ctx, PathAnnotationExists, reqOpts{}, map[string]any{"query": q.Filter()}, &res); err != nil {
		return false, err
	}
	r := strings.TrimSpace(string(res.Results))
	return r != "" && r != "null" && r != "[]" && r != "false", nil
}

// Commit posts the payload's documents to its bulk-update endpoint. Held
// payloads carry HoldHeader so the API may refuse them.
func (c *Client) Commit(ctx context.Context, p batch.CommitPayload) error {
	if len(p.Documents) == 0 {
		return nil
	}
	return c.post(ctx, p.Collection, reqOpts{user: p.Upload.UserID, hold: p.Hold}, p.Documents, nil)
}

// ReportStatus upserts the upload session.
func (c *Client) ReportStatus(ctx context.Context, r batch.StatusReport) error {
	return c.post(ctx, PathSessionUpdate, reqOpts{user: r.UserID}, []batch.SessionUpsert{r.Upsert(c.now())}, nil)
}
