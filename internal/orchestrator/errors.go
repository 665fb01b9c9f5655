package orchestrator

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies dispatch and poll failures.
type Kind string

const (
	KindInsufficientCredits  Kind = "insufficient_credits"
	KindProviderRejected     Kind = "provider_rejected"
	KindProviderUnreachable  Kind = "provider_unreachable"
	KindConfigurationMissing Kind = "configuration_missing"
	KindMalformedResponse    Kind = "malformed_response"
	KindInvalidRequest       Kind = "invalid_request"
	KindDuplicateRequest     Kind = "duplicate_request"
	KindInternal             Kind = "internal"
)

// Error is returned by Dispatch and Poll. Status is the HTTP status the
// caller should answer with; Details is the raw provider body when there
// is one.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Details []byte
	Cause   error
	// RefundFailed is set when the compensating credit could not be issued.
	RefundFailed bool
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// CreditAffecting reports whether the error follows a debit and therefore
// came with a compensation attempt.
func (e *Error) CreditAffecting() bool {
	switch e.Kind {
	case KindProviderRejected, KindProviderUnreachable, KindMalformedResponse:
		return true
	}
	return false
}

func newError(kind Kind, status int, msg string, cause error) *Error {
	return &Error{Kind: kind, Status: status, Message: msg, Cause: cause}
}

func invalidRequest(format string, args ...any) *Error {
	return newError(KindInvalidRequest, http.StatusBadRequest, fmt.Sprintf(format, args...), nil)
}

// providerStatus keeps the provider's own error status, falling back to 502
// for anything that is not a client or server error.
func providerStatus(code int) int {
	if code >= 400 && code <= 599 {
		return code
	}
	return http.StatusBadGateway
}

// AsError extracts an *Error, wrapping anything else as internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return newError(KindInternal, http.StatusInternalServerError, "", err)
}
