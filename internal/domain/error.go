package domain

import (
	"context"
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeFailedPrecond    ErrorCode = "FAILED_PRECONDITION"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInternal         ErrorCode = "INTERNAL"
	CodeCanceled         ErrorCode = "CANCELED"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
)

// ErrProviderUnavailable is the opaque category for every provider-level
// failure: launch, handshake and transport failures all match it.
var ErrProviderUnavailable = errors.New("provider unavailable")

var (
	ErrLaunchFailure    = fmt.Errorf("%w: launch failure", ErrProviderUnavailable)
	ErrHandshakeFailure = fmt.Errorf("%w: handshake failure", ErrProviderUnavailable)
	ErrTransportFailure = fmt.Errorf("%w: transport failure", ErrProviderUnavailable)
)

var (
	ErrProtocol           = errors.New("protocol error")
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrStreamClosed       = errors.New("stream closed")
	ErrProviderStopped    = errors.New("provider stopped")
	ErrInvalidCommand     = errors.New("invalid command")
	ErrExecutableNotFound = errors.New("executable not found")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrToolNotFound       = errors.New("tool not found")
	ErrInvalidArguments   = errors.New("invalid arguments")
	ErrFetchTimeout       = errors.New("fetch timed out")
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

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

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
	switch {
	case errors.Is(err, ErrInvalidArguments), errors.Is(err, ErrInvalidCommand):
		return CodeInvalidArgument, true
	case errors.Is(err, ErrUnknownProvider), errors.Is(err, ErrToolNotFound):
		return CodeNotFound, true
	case errors.Is(err, ErrExecutableNotFound):
		return CodeFailedPrecond, true
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied, true
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, ErrProviderStopped):
		return CodeUnavailable, true
	case errors.Is(err, ErrFetchTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded, true
	case errors.Is(err, context.Canceled):
		return CodeCanceled, true
	case errors.Is(err, ErrProtocol):
		return CodeInternal, true
	default:
		return "", false
	}
}
