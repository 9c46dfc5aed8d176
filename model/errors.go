package model

import (
	"fmt"
	"strings"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// ErrCapabilityRequired is the structured code the entitlement backend
// attaches to mutations it rejects for a missing capability.
const ErrCapabilityRequired = "CAPABILITY_REQUIRED"

// CapabilityRequiredPrefix is the wire-compatible message prefix carrying
// the same signal. The backend guarantees that a capability-blocked
// mutation fails with a message beginning with this exact literal,
// followed by the capability id as the first token. Older backends emit
// only the message form, so the prefix match alone is authoritative.
const CapabilityRequiredPrefix = "CAPABILITY_REQUIRED:"

// ErrorEnvelope is the standard error response envelope returned by
// clearance. It implements the error interface.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR.
func NewValidationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrValidationError, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The entitlement backend is temporarily unavailable",
	}
}

// NewBackendTimeoutError returns a BACKEND_TIMEOUT error.
func NewBackendTimeoutError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendTimeout,
		Message: "The entitlement backend did not respond in time",
	}
}

// CapabilityDenial is a classified authorization denial: the backend
// rejected a mutation because the tenant lacks a capability. Denials are
// policy rejections, not transient failures, and must never be retried.
type CapabilityDenial struct {
	CapabilityID string `json:"capability_id"`
	Message      string `json:"message"`
}

// ParseCapabilityDenial inspects an arbitrary rejection value and reports
// whether it is a capability denial, extracting the denied capability id.
//
// It is total over its input: nil values, plain strings, errors, decoded
// JSON objects, and objects without a message field all classify safely
// as "not a capability denial". Validation errors, conflicts, and
// row-level permission errors never match; only the exact
// CAPABILITY_REQUIRED: prefix (or the structured code together with a
// conforming message) does.
func ParseCapabilityDenial(v any) (*CapabilityDenial, bool) {
	msg, code := denialMessage(v)

	if !strings.HasPrefix(msg, CapabilityRequiredPrefix) {
		return nil, false
	}
	// A structured code, when present, must corroborate the prefix.
	if code != "" && code != ErrCapabilityRequired {
		return nil, false
	}

	rest := strings.TrimSpace(msg[len(CapabilityRequiredPrefix):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil, false
	}
	return &CapabilityDenial{CapabilityID: fields[0], Message: msg}, true
}

// denialMessage extracts a message and optional structured code from the
// shapes rejected mutations arrive in.
func denialMessage(v any) (msg, code string) {
	switch t := v.(type) {
	case nil:
		return "", ""
	case *ErrorEnvelope:
		if t == nil {
			return "", ""
		}
		return t.Message, t.Code
	case ErrorEnvelope:
		return t.Message, t.Code
	case error:
		return t.Error(), ""
	case string:
		return t, ""
	case map[string]any:
		m, _ := t["message"].(string)
		c, _ := t["code"].(string)
		return m, c
	default:
		return "", ""
	}
}
