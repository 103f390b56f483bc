package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind discriminates terminal failures surfaced to callers.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindNoProviders         Kind = "no_providers_configured"
	KindExhausted           Kind = "all_candidates_exhausted"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindRateLimited         Kind = "rate_limited"
	KindProviderError       Kind = "provider_error"
	KindApprovalRequired    Kind = "approval_required"
	KindCostCeiling         Kind = "cost_ceiling_exceeded"
	KindCycleDetected       Kind = "cycle_detected"
	KindInvalidWorkflowRef  Kind = "invalid_workflow_reference"
	KindTimeout             Kind = "timeout"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal_error"
)

type Error struct {
	Kind       Kind
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, reason string) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so errors.Is(err, &Error{Kind: k}) works
// as a kind check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether a step-level retry may succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindValidation, KindApprovalRequired, KindCostCeiling, KindCycleDetected,
		KindInvalidWorkflowRef, KindCancelled, KindTimeout:
		return false
	}
	return true
}

// KindOf returns the Kind carried by err, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// As extracts an *Error from err, converting foreign errors to KindInternal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(KindInternal, err, "unexpected error")
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation, KindCycleDetected, KindInvalidWorkflowRef:
		return http.StatusBadRequest
	case KindApprovalRequired:
		return http.StatusAccepted
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNoProviders, KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case KindExhausted, KindProviderError:
		return http.StatusBadGateway
	case KindCostCeiling:
		return http.StatusPaymentRequired
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return 499
	}
	return http.StatusInternalServerError
}
