package adapter

import (
	"context"
)

// DefaultMaxTokens bounds completion length when a request does not set one.
const DefaultMaxTokens = 4096

// Adapter defines the interface for LLM provider adapters. One Generate
// call performs exactly one outbound model invocation: retries, caching,
// and fallbacks are the caller's business.
type Adapter interface {
	// Generate sends a request to the model and returns the raw response.
	Generate(ctx context.Context, model string, req Request) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

func maxTokensOrDefault(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return DefaultMaxTokens
}
