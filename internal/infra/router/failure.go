package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"magictunnel/internal/domain"
)

// Backend failures collapse onto domain codes. Unavailable and Timeout retry;
// an upstream failure retries only when the backend says so.

func unavailable(op, msg string, cause error) *domain.Error {
	return domain.E(domain.CodeUnavailable, op, msg, cause)
}

func invalidInput(op, msg string, cause error) *domain.Error {
	if cause == nil {
		cause = domain.ErrInvalidArguments
	}
	return domain.E(domain.CodeValidation, op, msg, cause)
}

func upstreamFailure(op string, code int, msg string, retryable bool) *domain.Error {
	return domain.Retryable(domain.CodeProtocol, op, msg, nil, retryable).
		WithMeta("code", strconv.Itoa(code))
}

func policyDenied(op, reason string, cause error) *domain.Error {
	return domain.E(domain.CodePolicyDenied, op, reason, cause).WithMeta("reason", reason)
}

// contextFailure maps an error seen while ctx was ending. It returns nil if
// ctx is still live.
func contextFailure(ctx context.Context, op string, cause error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return domain.E(domain.CodeTimeout, op, "deadline exceeded", cause)
	case errors.Is(ctx.Err(), context.Canceled):
		return domain.E(domain.CodeCancelled, op, "cancelled", cause)
	}
	return nil
}

func configError(op string, format string, args ...any) *domain.Error {
	return domain.E(domain.CodeConfig, op, fmt.Sprintf(format, args...), nil)
}
