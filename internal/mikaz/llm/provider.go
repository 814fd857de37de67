// Package llm provides the completion backend for Mikaz: a small capability
// interface plus an OpenAI-compatible chat completions implementation.
//
// Backend failure is an expected outcome, not an exceptional one — the
// dispatcher turns provider errors into short user-facing status strings and
// the queue worker carries on with the next request.
package llm

import (
	"context"
	"errors"
)

// ErrRateLimit is returned when the upstream API reports a rate-limiting
// condition (HTTP 429). Callers should surface a try-again message rather
// than a generic failure.
var ErrRateLimit = errors.New("llm: upstream rate limit exceeded")

// ErrEmptyResponse is returned when the API answers successfully but with no
// usable completion text.
var ErrEmptyResponse = errors.New("llm: empty completion from backend")

// Message is a single turn in the prompt sent to the backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the input to a single completion call.
type Request struct {
	// Messages is the ordered prompt: system prompt, history, current turn.
	Messages []Message
	// Model overrides the provider's default model when non-empty.
	Model string
}

// Response is the completion produced by the backend.
type Response struct {
	// Content is the assistant's reply text.
	Content string
	// Model is the model name echoed back by the provider (may be empty).
	Model string
	// LatencyMS is the observed round-trip time in milliseconds.
	LatencyMS int64
}

// Provider produces chat completions. Implementations must be safe for
// concurrent use and must honor context cancellation so an in-progress call
// aborts promptly on shutdown.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
