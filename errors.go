package draftguard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors.
var (
	ErrQuotaExceeded      = errors.New("draftguard: monthly quota exceeded")
	ErrAllModelsExhausted = errors.New("draftguard: all models exhausted")
	ErrMissingCredential  = errors.New("draftguard: provider credential not configured")
	ErrNoCandidates       = errors.New("draftguard: no candidate models")
	ErrApplyUsedAI        = errors.New("draftguard: apply run reported AI usage")
	ErrInvalidWorkKey     = errors.New("draftguard: invalid work key")

	// ErrNoCallIssued wraps failures that happened before any provider
	// request was sent, e.g. a context cancelled during model discovery.
	ErrNoCallIssued = errors.New("draftguard: no provider call issued")
)

// FailureKind tells whether a provider failure carried an HTTP status.
type FailureKind int

const (
	// FailureTransport is a failure without a status: the request never got a
	// response (dial, TLS, timeout, reset).
	FailureTransport FailureKind = iota
	// FailureStatus is a non-2xx response; StatusCode is set.
	FailureStatus
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransport:
		return "transport"
	case FailureStatus:
		return "status"
	default:
		return "unknown"
	}
}

// ProviderError is a single failed provider call.
type ProviderError struct {
	Kind       FailureKind
	StatusCode int
	Model      string
	Message    string
	Err        error
}

// TransportError wraps a failure that produced no HTTP response.
func TransportError(model string, err error) *ProviderError {
	return &ProviderError{Kind: FailureTransport, Model: model, Err: err}
}

// StatusError builds a ProviderError for a non-2xx response.
func StatusError(model string, status int, message string) *ProviderError {
	return &ProviderError{Kind: FailureStatus, StatusCode: status, Model: model, Message: strings.TrimSpace(message)}
}

func (e *ProviderError) Error() string {
	switch e.Kind {
	case FailureStatus:
		if e.Message != "" {
			return fmt.Sprintf("draftguard: model=%s status=%d: %s", e.Model, e.StatusCode, e.Message)
		}
		return fmt.Sprintf("draftguard: model=%s status=%d", e.Model, e.StatusCode)
	default:
		return fmt.Sprintf("draftguard: model=%s transport: %v", e.Model, e.Err)
	}
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another candidate should be tried.
// Transport failures, 429, 403, 404 and any 5xx are retryable.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case FailureTransport:
		return true
	case FailureStatus:
		switch {
		case e.StatusCode == http.StatusTooManyRequests,
			e.StatusCode == http.StatusForbidden,
			e.StatusCode == http.StatusNotFound,
			e.StatusCode >= 500:
			return true
		}
		return false
	default:
		return false
	}
}

// IsRetryable classifies an error returned by a provider call. A ProviderError
// decides for itself, so a per-request HTTP timeout stays a retryable
// transport failure. Other errors carry no status and are treated like
// transport failures, except a bare context error, which is never retryable.
// Cancellation of the caller's context is detected by Client.Generate.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMissingCredential) || errors.Is(err, ErrNoCallIssued) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// FallbackError is returned by Client.Generate when no candidate succeeded.
// Err is ErrAllModelsExhausted when the chain ran out, otherwise the
// non-retryable cause that stopped it.
type FallbackError struct {
	Err      error
	Last     error
	Tried    []string
	Attempts int
}

func (e *FallbackError) Error() string {
	if e.Last != nil && e.Last != e.Err {
		return fmt.Sprintf("draftguard: tried=[%s] attempts=%d: %v: %v",
			strings.Join(e.Tried, ","), e.Attempts, e.Err, e.Last)
	}
	return fmt.Sprintf("draftguard: tried=[%s] attempts=%d: %v",
		strings.Join(e.Tried, ","), e.Attempts, e.Err)
}

func (e *FallbackError) Unwrap() []error {
	if e.Last != nil && e.Last != e.Err {
		return []error{e.Err, e.Last}
	}
	return []error{e.Err}
}

// QuotaExceededError carries the blocking evaluation back to the caller.
type QuotaExceededError struct {
	TenantID   string
	Evaluation QuotaEvaluation
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("draftguard: tenant=%s used=%d: %v", e.TenantID, e.Evaluation.Used, ErrQuotaExceeded)
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// providerInvoked reports whether err can only have happened after a provider
// request was issued. Usage is recorded for those failures.
func providerInvoked(err error) bool {
	if err == nil {
		return true
	}
	return !errors.Is(err, ErrMissingCredential) &&
		!errors.Is(err, ErrNoCandidates) &&
		!errors.Is(err, ErrNoCallIssued)
}
