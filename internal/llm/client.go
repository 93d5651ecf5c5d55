// Package llm provides chat completion clients for the scoring, citation and
// PGX extraction engines.
//
// Two providers are supported, OpenAI Chat Completions and the Anthropic
// Messages API. Both retry transient failures (429, 5xx and network errors)
// and return *APIError for everything the provider rejected.
//
// Example usage:
//
//	client, err := llm.NewClient(llm.FactoryConfig{Provider: "openai", OpenAI: llm.OpenAIConfig{APIKey: key}})
//	resp, err := client.Complete(ctx, llm.Request{
//		System: scoringPrompt,
//		Prompt: paperText,
//		JSON:   true,
//	})
package llm

import (
	"context"
	"time"
)

// Request is a single-turn chat completion request.
type Request struct {
	// System holds the instructions sent as the system message.
	System string
	// Prompt is the user message.
	Prompt string
	// JSON asks the provider for a JSON object response where supported.
	JSON bool
	// MaxTokens bounds the response length. Zero uses the provider default.
	MaxTokens int
}

// Response is the text returned by a provider.
type Response struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
	// Duration covers the whole call, retries included.
	Duration time.Duration
}

// Client sends chat completion requests to an LLM provider.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Complete returns the first text completion for req.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Provider returns the name of the LLM provider (e.g., "openai", "anthropic").
	Provider() string

	// Model returns the model identifier being used.
	Model() string
}
