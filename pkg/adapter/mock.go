package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockAdapter returns deterministic responses for local runs and tests.
// Rules are consulted in the order they were added; the first rule whose
// match is a substring of the prompt wins.
type MockAdapter struct {
	mu       sync.Mutex
	rules    []mockRule
	fallback string
	calls    []MockCall

	Usage *Usage
}

type mockRule struct {
	match string
	text  string
	err   error
}

// MockCall records one Generate invocation.
type MockCall struct {
	Model   string
	Request Request
}

// NewMockAdapter creates a mock adapter that echoes prompts by default.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{fallback: "mock response:"}
}

// Respond registers a canned response for prompts containing match.
func (a *MockAdapter) Respond(match, text string) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = append(a.rules, mockRule{match: match, text: text})
	return a
}

// FailWith registers an error for prompts containing match.
func (a *MockAdapter) FailWith(match string, err error) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = append(a.rules, mockRule{match: match, err: err})
	return a
}

// Calls returns a copy of the recorded invocations.
func (a *MockAdapter) Calls() []MockCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]MockCall(nil), a.calls...)
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return "mock"
}

// Models returns the list of supported mock models.
func (a *MockAdapter) Models() []string {
	return []string{"mock-1"}
}

// Generate returns the first matching canned response or echoes the prompt.
func (a *MockAdapter) Generate(ctx context.Context, model string, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if model == "" {
		model = "mock-1"
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, MockCall{Model: model, Request: req})

	for _, rule := range a.rules {
		if !strings.Contains(req.Prompt, rule.match) {
			continue
		}
		if rule.err != nil {
			return nil, rule.err
		}
		return &Response{Text: rule.text, Usage: a.Usage}, nil
	}

	return &Response{
		Text:  fmt.Sprintf("%s\n%s", a.fallback, req.Prompt),
		Usage: a.Usage,
	}, nil
}
