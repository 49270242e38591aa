// Package ai provides the vision-model provider used as the eventually
// loop's last-resort check: a screenshot plus a yes/no question when
// structured snapshots have been exhausted.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sentienceapi/sentience-go/pkg/retry"
)

// GenerateOptions tune a single vision call.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
}

// Response is the provider's answer.
type Response struct {
	Content string
}

// VisionProvider is the optional capability the eventually loop probes
// before escalating to a screenshot check.
type VisionProvider interface {
	SupportsVision() bool
	GenerateWithImage(ctx context.Context, systemPrompt, userPrompt, imageB64 string, opts GenerateOptions) (*Response, error)
}

// ClaudeVision implements VisionProvider against the Anthropic messages API.
type ClaudeVision struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClaudeVision creates a vision client. Model defaults to a current
// multimodal model when empty.
func NewClaudeVision(apiKey, model string) *ClaudeVision {
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &ClaudeVision{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: "https://api.anthropic.com",
		HTTPClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// SupportsVision reports whether the client is usable for image checks.
func (c *ClaudeVision) SupportsVision() bool { return c.APIKey != "" }

type visionRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content []any  `json:"content"`
}

type visionResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// GenerateWithImage sends one multimodal request with retry.
func (c *ClaudeVision) GenerateWithImage(ctx context.Context, systemPrompt, userPrompt, imageB64 string, opts GenerateOptions) (*Response, error) {
	var resp *Response
	err := retry.DoWithRetryable(ctx, retry.DefaultConfig(), isRetryableAPIError, func() error {
		r, err := c.callOnce(ctx, systemPrompt, userPrompt, imageB64, opts)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	return resp, err
}

func (c *ClaudeVision) callOnce(ctx context.Context, systemPrompt, userPrompt, imageB64 string, opts GenerateOptions) (*Response, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 256
	}
	req := visionRequest{
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		System:      systemPrompt,
		Messages: []message{{
			Role: "user",
			Content: []any{
				map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": "image/png",
						"data":       imageB64,
					},
				},
				map[string]any{"type": "text", "text": userPrompt},
			},
		}},
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &apiError{status: resp.StatusCode, body: string(body)}
	}

	var parsed visionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return nil, fmt.Errorf("empty response from API")
	}
	return &Response{Content: sb.String()}, nil
}

// apiError carries the HTTP status so the retry predicate can branch on it.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.status, e.body)
}

// isRetryableAPIError retries rate limits, server errors, and transient
// network failures; client errors are permanent.
func isRetryableAPIError(err error) bool {
	var api *apiError
	if errors.As(err, &api) {
		return api.status == http.StatusTooManyRequests || api.status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset")
}
