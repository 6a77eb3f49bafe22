package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/config"
)

// ImageProcessor defines the interface for the imaging microservice: crop
// region detection (single and bulk) and layout-split detection.
type ImageProcessor interface {
	GenerateCrop(ctx context.Context, item *CropItem) (*CropOutcome, error)
	GenerateCropBulk(ctx context.Context, items []CropItem) ([]CropOutcome, error)
	DetectSplit(ctx context.Context, imageURL string) (*SplitOutcome, error)
	HealthCheck(ctx context.Context) error
}

// ImagingClient implements ImageProcessor for the internal imaging service.
type ImagingClient struct {
	httpClient *http.Client
	baseURL    string
}

// CropItem is one page to crop: where the scan lives and where the cropped
// derivative should be written.
type CropItem struct {
	Key       string `json:"key"`
	ImageURL  string `json:"image_url"`
	OutputKey string `json:"output_key"`
}

// CropOutcome is the detected content region and the written derivative.
type CropOutcome struct {
	Key        string  `json:"key"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
	OutputKey  string  `json:"output_key"`
	Error      string  `json:"error,omitempty"`
}

// SplitOutcome reports whether a scan is a two-page spread.
type SplitOutcome struct {
	IsSpread   bool    `json:"is_spread"`
	GutterX    int     `json:"gutter_x,omitempty"`
	Confidence float64 `json:"confidence"`
}

// NewImagingClient creates a new imaging service client.
func NewImagingClient(cfg *config.ImagingConfig) *ImagingClient {
	return &ImagingClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.ServiceURL,
	}
}

// GenerateCrop detects and renders the content crop for a single page.
func (c *ImagingClient) GenerateCrop(ctx context.Context, item *CropItem) (*CropOutcome, error) {
	var result CropOutcome
	if err := c.post(ctx, "/crop", item, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GenerateCropBulk crops a group of pages in one call. A failure of the call
// as a whole is a chunk-level error; callers fall back to per-item crops.
func (c *ImagingClient) GenerateCropBulk(ctx context.Context, items []CropItem) ([]CropOutcome, error) {
	req := struct {
		Items []CropItem `json:"items"`
	}{Items: items}

	var result struct {
		Results []CropOutcome `json:"results"`
	}
	if err := c.post(ctx, "/crop/bulk", req, &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

// DetectSplit analyzes a scan for a two-page spread layout.
func (c *ImagingClient) DetectSplit(ctx context.Context, imageURL string) (*SplitOutcome, error) {
	req := map[string]string{"image_url": imageURL}
	var result SplitOutcome
	if err := c.post(ctx, "/split/detect", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// HealthCheck checks if the imaging service is available.
func (c *ImagingClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("imaging service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// post sends a POST request with JSON body and parses the response.
func (c *ImagingClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Transientf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transientf("failed to read response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if retryableStatus(resp.StatusCode) {
			return Transientf("imaging service error (status %d): %s", resp.StatusCode, string(respBody))
		}
		return fmt.Errorf("imaging service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration.
func (c *ImagingClient) IsConfigured() bool {
	return c.baseURL != ""
}
