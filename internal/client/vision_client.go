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

// TextCompleter defines the interface for synchronous vision completions
// (page transcription and translation).
type TextCompleter interface {
	Complete(ctx context.Context, req *VisionRequest) (*VisionResult, error)
}

// VisionClient implements TextCompleter against an OpenAI-compatible
// chat-completions API with image input.
type VisionClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// VisionRequest is one completion call: a system prompt, a user prompt and
// optionally the page image to look at.
type VisionRequest struct {
	Model     string
	System    string
	User      string
	ImageURL  string
	MaxTokens int
}

// VisionResult carries the completion text plus token usage for provenance.
type VisionResult struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

type chatContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type chatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type chatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewVisionClient creates a new vision API client.
func NewVisionClient(cfg *config.VisionConfig) *VisionClient {
	return &VisionClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}
}

// Complete sends a chat completion request with optional image content.
func (c *VisionClient) Complete(ctx context.Context, req *VisionRequest) (*VisionResult, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	userContent := []chatContent{{Type: "text", Text: req.User}}
	if req.ImageURL != "" {
		userContent = append(userContent, chatContent{
			Type: "image_url",
			ImageURL: &struct {
				URL string `json:"url"`
			}{URL: req.ImageURL},
		})
	}

	body := chatCompletionRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: userContent},
		},
		MaxTokens: req.MaxTokens,
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, Transientf("failed to send request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transientf("failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		if retryableStatus(resp.StatusCode) {
			return nil, Transientf("vision API error (status %d): %s", resp.StatusCode, string(respBody))
		}
		return nil, fmt.Errorf("vision API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &VisionResult{
		Text:             chatResp.Choices[0].Message.Content,
		PromptTokens:     chatResp.Usage.PromptTokens,
		CompletionTokens: chatResp.Usage.CompletionTokens,
		TotalTokens:      chatResp.Usage.TotalTokens,
	}, nil
}

// IsConfigured returns true if the client has valid configuration.
func (c *VisionClient) IsConfigured() bool {
	return c.apiKey != ""
}
