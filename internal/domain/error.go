package domain

import (
	"context"
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeConfig       ErrorCode = "CONFIG"
	CodeRegistry     ErrorCode = "REGISTRY"
	CodeValidation   ErrorCode = "VALIDATION"
	CodeTransport    ErrorCode = "TRANSPORT"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeProtocol     ErrorCode = "PROTOCOL"
	CodePolicyDenied ErrorCode = "POLICY_DENIED"
	CodeUnavailable  ErrorCode = "UNAVAILABLE"
	CodeInternal     ErrorCode = "INTERNAL"
	CodeCancelled    ErrorCode = "CANCELLED"
)

type Error struct {
	Code      ErrorCode
	Op        string
	Message   string
	Cause     error
	Retryable bool
	Meta      map[string]string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// WithMeta returns a copy of e carrying an extra metadata pair.
func (e *Error) WithMeta(key, value string) *Error {
	if e == nil {
		return nil
	}
	meta := make(map[string]string, len(e.Meta)+1)
	for k, v := range e.Meta {
		meta[k] = v
	}
	meta[key] = value
	clone := *e
	clone.Meta = meta
	return &clone
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:      code,
		Op:        op,
		Message:   msg,
		Cause:     cause,
		Retryable: defaultRetryable(code),
	}
}

// Retryable builds an error whose retry flag is set explicitly.
func Retryable(code ErrorCode, op, msg string, cause error, retryable bool) *Error {
	err := E(code, op, msg, cause)
	err.Retryable = retryable
	return err
}

// Wrap annotates err with op. An error that already names an operation keeps it.
func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:      existing.Code,
			Op:        op,
			Message:   existing.Message,
			Cause:     existing.Cause,
			Retryable: existing.Retryable,
			Meta:      existing.Meta,
		}
	}
	if mapped, ok := CodeFrom(err); ok {
		code = mapped
	}
	return E(code, op, "", err)
}

func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return CodeProtocol, true
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled, true
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout, true
	case errors.Is(err, ErrInvalidToolName), errors.Is(err, ErrInvalidSchema), errors.Is(err, ErrInvalidArguments):
		return CodeValidation, true
	case errors.Is(err, ErrToolNotFound), errors.Is(err, ErrDuplicateTool):
		return CodeRegistry, true
	case errors.Is(err, ErrToolDisabled), errors.Is(err, ErrPermissionDenied):
		return CodePolicyDenied, true
	case errors.Is(err, ErrSessionNotReady), errors.Is(err, ErrQueueFull), errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrSessionClosed):
		return CodeUnavailable, true
	case errors.Is(err, ErrNoClientForwarder), errors.Is(err, ErrNoLocalProvider):
		return CodeUnavailable, true
	case errors.Is(err, ErrUnsupportedProtocol):
		return CodeTransport, true
	default:
		return "", false
	}
}

// IsRetryable reports whether err is a kind the router may retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Retryable
	}
	code, ok := CodeFrom(err)
	if !ok {
		return false
	}
	return defaultRetryable(code)
}

// PublicMessage renders err for callers across a trust boundary.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	code, ok := CodeFrom(err)
	if !ok {
		return string(CodeInternal) + ": internal error"
	}
	if code == CodeInternal {
		return string(CodeInternal) + ": internal error"
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Message != "" {
		return fmt.Sprintf("%s: %s", code, domainErr.Message)
	}
	return fmt.Sprintf("%s: %s", code, err.Error())
}

func defaultRetryable(code ErrorCode) bool {
	switch code {
	case CodeUnavailable, CodeTimeout, CodeTransport:
		return true
	default:
		return false
	}
}
