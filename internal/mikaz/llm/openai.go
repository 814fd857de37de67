package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zvwgvx/Mikaz/common/retry"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 120 * time.Second
)

// Config configures the OpenAI-compatible completion provider.
type Config struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local models (Ollama),
	// Azure OpenAI, or any other OpenAI-compatible proxy.
	// Defaults to https://api.openai.com/v1 when empty.
	BaseURL string

	// Model is the default chat model, used when the request does not carry
	// a per-user model. Defaults to gpt-4o-mini when empty.
	Model string

	// Timeout bounds a single completion call, the dominant latency source
	// of the whole system. Defaults to 120 s.
	Timeout time.Duration

	// MaxAttempts is the total number of tries per call for transient
	// upstream failures (429, 5xx). Defaults to 2.
	MaxAttempts int
}

// openAIProvider implements Provider against the OpenAI chat completions API.
type openAIProvider struct {
	cfg    Config
	client *http.Client
}

// New returns a Provider backed by the OpenAI (or compatible) chat API.
// The returned provider is safe for concurrent use.
func New(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	return &openAIProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal OpenAI wire types ---

type oaiRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type oaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends the prompt to the chat completions endpoint. Transient
// upstream failures are retried with exponential backoff; rate limiting maps
// to ErrRateLimit so callers can phrase the status message accordingly.
func (p *openAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("llm: request has no messages")
	}
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	start := time.Now()
	var resp *Response
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  p.cfg.MaxAttempts,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		ShouldRetry:  isTransient,
	}, func() error {
		var callErr error
		resp, callErr = p.call(ctx, model, req.Messages)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	resp.LatencyMS = time.Since(start).Milliseconds()
	return resp, nil
}

// call performs one HTTP round trip.
func (p *openAIProvider) call(ctx context.Context, model string, messages []Message) (*Response, error) {
	body, err := json.Marshal(oaiRequest{Model: model, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}

	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: call backend: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimit
	case httpResp.StatusCode >= 500:
		return nil, fmt.Errorf("llm: backend error: status %d", httpResp.StatusCode)
	case httpResp.StatusCode != http.StatusOK:
		var parsed oaiResponse
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Error != nil {
			return nil, fmt.Errorf("llm: backend rejected request: %s", parsed.Error.Message)
		}
		return nil, fmt.Errorf("llm: backend rejected request: status %d", httpResp.StatusCode)
	}

	var parsed oaiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("llm: parse response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("llm: backend error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return nil, ErrEmptyResponse
	}

	return &Response{Content: content, Model: parsed.Model}, nil
}

// isTransient classifies errors worth retrying: rate limiting, network
// failures, and 5xx-class backend failures. Context cancellation and request
// rejections are final.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrRateLimit) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "llm: backend error: status") ||
		strings.Contains(msg, "llm: call backend")
}
