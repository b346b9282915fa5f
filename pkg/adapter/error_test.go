package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type fakeNetError struct {
	timeout bool
}

func (e *fakeNetError) Error() string   { return "fake net error" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return true }

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("stage craft: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"net timeout", &fakeNetError{timeout: true}, true},
		{"adapter timeout flag", &Error{Provider: "deepseek", Timeout: true}, true},
		{"plain adapter error", &Error{Provider: "openai", Status: 400}, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTimeout(tt.err); got != tt.want {
				t.Errorf("IsTimeout(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &Error{Provider: "anthropic", Status: 429}, true},
		{"server error", &Error{Provider: "openai", Status: 503}, true},
		{"wrapped server error", fmt.Errorf("stage craft: %w", &Error{Provider: "openai", Status: 500}), true},
		{"temporary flag", &Error{Provider: "deepseek", Temporary: true}, true},
		{"bad request", &Error{Provider: "openai", Status: 400}, false},
		{"connection failure", &fakeNetError{}, true},
		{"timeout is not unavailable", context.DeadlineExceeded, false},
		{"canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUnavailable(tt.err); got != tt.want {
				t.Errorf("IsUnavailable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(context.DeadlineExceeded) {
		t.Error("IsTransient(deadline) = false")
	}
	if !IsTransient(&Error{Status: 429}) {
		t.Error("IsTransient(429) = false")
	}
	if IsTransient(&Error{Status: 401}) {
		t.Error("IsTransient(401) = true")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &Error{Provider: "deepseek", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is did not reach the wrapped cause")
	}
	if err.Error() != "deepseek: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}
	statusOnly := &Error{Provider: "openai", Status: 503}
	if statusOnly.Error() != "openai error (status=503)" {
		t.Errorf("Error() = %q", statusOnly.Error())
	}
}
