package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/Embassy-of-the-Free-Mind/sourcelibrary-v2-sub002/internal/config"
)

// BatchSubmitter defines the interface for the provider's asynchronous batch
// API: submit a group of requests, poll until terminal, fetch results.
type BatchSubmitter interface {
	Submit(ctx context.Context, model string, requests []BatchRequest, label string) (*BatchJob, error)
	PollStatus(ctx context.Context, ref string) (*BatchStatus, error)
	FetchResults(ctx context.Context, ref string) ([]BatchResult, error)
}

// BatchClient implements BatchSubmitter over HTTP.
type BatchClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// BatchRequest is a single keyed request inside a batch submission. Key is
// echoed back by the provider so results can be matched to pages.
type BatchRequest struct {
	Key     string          `json:"custom_id"`
	Payload json.RawMessage `json:"body"`
}

// BatchJob is the provider's handle for an accepted submission.
type BatchJob struct {
	Ref   string `json:"id"`
	State string `json:"status"`
}

// BatchStatus is a poll snapshot of a submitted batch.
type BatchStatus struct {
	Ref   string `json:"id"`
	State string `json:"status"`
	Stats struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
	Error string `json:"error,omitempty"`
}

// BatchResult is one keyed outcome from a completed batch.
type BatchResult struct {
	Key    string `json:"custom_id"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	Usage  struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewBatchClient creates a new batch API client.
func NewBatchClient(cfg *config.BatchConfig) *BatchClient {
	return &BatchClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
	}
}

// Submit hands a group of keyed requests to the provider as one asynchronous
// batch and returns the provider's reference.
func (c *BatchClient) Submit(ctx context.Context, model string, requests []BatchRequest, label string) (*BatchJob, error) {
	body := map[string]interface{}{
		"model":    model,
		"requests": requests,
		"metadata": map[string]string{"label": label},
	}

	var result BatchJob
	if err := c.post(ctx, "/batches", body, &result); err != nil {
		return nil, err
	}
	log.Printf("[Batch API] Submitted %d requests (label=%s) — ref=%s state=%s", len(requests), label, result.Ref, result.State)
	return &result, nil
}

// PollStatus retrieves the current state of a submitted batch.
func (c *BatchClient) PollStatus(ctx context.Context, ref string) (*BatchStatus, error) {
	var result BatchStatus
	if err := c.get(ctx, "/batches/"+ref, &result); err != nil {
		return nil, err
	}
	log.Printf("[Batch API] Poll (ref=%s) — state=%s completed=%d failed=%d", ref, result.State, result.Stats.Completed, result.Stats.Failed)
	return &result, nil
}

// FetchResults downloads the keyed outcomes of a terminal batch.
func (c *BatchClient) FetchResults(ctx context.Context, ref string) ([]BatchResult, error) {
	var result struct {
		Results []BatchResult `json:"results"`
	}
	if err := c.get(ctx, "/batches/"+ref+"/results", &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

// post sends a POST request with JSON body.
func (c *BatchClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses the JSON response.
func (c *BatchClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response.
func (c *BatchClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Batch API] ✗ %s %s — request failed: %v", req.Method, req.URL.String(), err)
		return Transientf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transientf("failed to read response: %v", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[Batch API] ✗ %d %s %s — %s", resp.StatusCode, req.Method, req.URL.String(), string(respBody))
		if retryableStatus(resp.StatusCode) {
			return Transientf("batch API error (status %d): %s", resp.StatusCode, string(respBody))
		}
		return fmt.Errorf("batch API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration.
func (c *BatchClient) IsConfigured() bool {
	return c.apiKey != ""
}
