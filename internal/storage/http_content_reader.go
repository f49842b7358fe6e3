package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
)

// newRetryingClient returns an *http.Client that retries connection errors
// and 5xx responses.
func newRetryingClient() *http.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.Logger = nil
	return c.StandardClient()
}

// HTTPContentReader reads uploads through the simple-content HTTP API
type HTTPContentReader struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPContentReader creates a reader for the API at baseURL
func NewHTTPContentReader(baseURL string) *HTTPContentReader {
	return &HTTPContentReader{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newRetryingClient(),
	}
}

func (cr *HTTPContentReader) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cr.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return cr.httpClient.Do(req)
}

// GetReaderByContentID downloads an upload by content id
func (cr *HTTPContentReader) GetReaderByContentID(ctx context.Context, contentID string) (io.ReadCloser, error) {
	resp, err := cr.get(ctx, fmt.Sprintf("/api/v1/contents/%s/download", contentID))
	if err != nil {
		return nil, fmt.Errorf("failed to download content: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("content %s: %w", contentID, ErrNotFound)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
}

// GetReader implements Reader with key as a content id
func (cr *HTTPContentReader) GetReader(ctx context.Context, key string) (io.ReadCloser, error) {
	return cr.GetReaderByContentID(ctx, key)
}

// Exists checks whether the API knows the content id
func (cr *HTTPContentReader) Exists(ctx context.Context, key string) (bool, error) {
	resp, err := cr.get(ctx, fmt.Sprintf("/api/v1/contents/%s", key))
	if err != nil {
		return false, fmt.Errorf("failed to check content: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

// GetMetadata returns size and mime type from the details endpoint
func (cr *HTTPContentReader) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	resp, err := cr.get(ctx, fmt.Sprintf("/api/v1/contents/%s/details", key))
	if err != nil {
		return nil, fmt.Errorf("failed to get content details: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("content %s: %w", key, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("details failed with status %d", resp.StatusCode)
	}

	var details struct {
		FileSize int64  `json:"file_size"`
		MimeType string `json:"mime_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&details); err != nil {
		return nil, fmt.Errorf("failed to decode details: %w", err)
	}
	return &Metadata{Size: details.FileSize, ContentType: details.MimeType}, nil
}
