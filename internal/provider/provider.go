// Package provider wraps each external language-model service behind one
// uniform contract. The pool holds adapters in tier order and carries no
// routing logic; selection and retry live in the router package.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Params are the per-request generation settings passed to an adapter.
type Params struct {
	Temperature float32
	MaxTokens   int
}

// Reply is a successful provider response.
type Reply struct {
	Text       string
	TokensUsed int
	Latency    time.Duration
}

// Adapter is the uniform contract every external provider implements.
//
// Send blocks until the provider responds, the context is canceled, or the
// call fails. Failures are returned as *Error with a categorized kind; an
// adapter never panics and never returns an uncategorized provider error.
type Adapter interface {
	// ID returns the configured provider identifier (e.g. "gemini-flash").
	ID() string

	// Model returns the provider-qualified model name for observability.
	Model() string

	// Send submits a prompt and returns the generated reply.
	Send(ctx context.Context, prompt string, params Params) (*Reply, error)
}

// FailureKind categorizes a provider failure for routing decisions.
type FailureKind int

const (
	// FailureTransient covers network errors, timeouts, and 5xx responses.
	// The next provider is tried; this provider stays eligible for future requests.
	FailureTransient FailureKind = iota
	// FailureRateLimited means the provider rejected the call for quota reasons.
	FailureRateLimited
	// FailureAuth means credentials were rejected. The provider is disabled
	// until configuration reload.
	FailureAuth
	// FailureInvalidResponse means the provider answered with an unusable
	// payload (empty or malformed).
	FailureInvalidResponse
)

// String returns the failure kind label used in logs and events.
func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "transient"
	case FailureRateLimited:
		return "rate_limited"
	case FailureAuth:
		return "auth"
	case FailureInvalidResponse:
		return "invalid_response"
	default:
		return "unknown"
	}
}

// Error is a categorized provider failure.
type Error struct {
	Provider string
	Kind     FailureKind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// errEmptyModelOutput marks a structurally valid response with no text.
var errEmptyModelOutput = errors.New("empty model output")

// AsError extracts a *Error from err, or wraps it as transient when the
// adapter produced a bare error. Routing always sees a categorized failure.
func AsError(providerID string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Provider: providerID, Kind: FailureTransient, Err: err}
}

// failurePatterns maps error substrings to failure kinds, matched
// case-insensitively against err.Error().
//
// NOTE: String matching is used because Genkit and the provider SDKs do not
// expose typed errors for these conditions. Re-evaluate if Genkit adds
// structured error types.
var failurePatterns = []struct {
	kind    FailureKind
	substrs []string
}{
	{FailureRateLimited, []string{"rate limit", "quota exceeded", "resource exhausted", "429"}},
	{FailureAuth, []string{"api key", "unauthorized", "unauthenticated", "permission denied", "401", "403"}},
	{FailureTransient, []string{"500", "502", "503", "504", "unavailable", "connection reset", "timeout", "temporary", "deadline exceeded"}},
}

// Categorize converts a raw provider SDK error into a categorized *Error.
// Context cancellation and deadline expiry are transient: the router treats
// them as a failed attempt, never as a hang.
func Categorize(providerID string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Provider: providerID, Kind: FailureTransient, Err: err}
	}

	lower := strings.ToLower(err.Error())
	for _, group := range failurePatterns {
		for _, sub := range group.substrs {
			if strings.Contains(lower, sub) {
				return &Error{Provider: providerID, Kind: group.kind, Err: err}
			}
		}
	}
	return &Error{Provider: providerID, Kind: FailureTransient, Err: err}
}
