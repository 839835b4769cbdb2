package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorCode represents a classified pipeline error.
type ErrorCode string

const (
	ErrTransport        ErrorCode = "transport"
	ErrHTTPStatus       ErrorCode = "http_status"
	ErrRateLimit        ErrorCode = "rate_limit"
	ErrTimeout          ErrorCode = "timeout"
	ErrExtraction       ErrorCode = "extraction"
	ErrInvalidRecord    ErrorCode = "validation"
	ErrPersistence      ErrorCode = "persistence"
	ErrFatalStorage     ErrorCode = "fatal_storage"
	ErrContextCancelled ErrorCode = "context_cancelled"
	ErrProcessingError  ErrorCode = "processing_error"
)

// Pipeline stages used in PipelineError.Stage.
const (
	StageListing = "listing"
	StageFetch   = "fetch"
	StageExtract = "extract"
	StagePersist = "persist"
)

// PipelineError is a structured error for a single entity's failure.
type PipelineError struct {
	Code       ErrorCode
	Stage      string
	Entity     string
	StatusCode int
	Message    string
	Cause      error
}

func (e *PipelineError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Stage != "" {
		b.WriteString(": ")
		b.WriteString(e.Stage)
	}
	if e.Entity != "" {
		fmt.Fprintf(&b, " %q", e.Entity)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// New builds a PipelineError with the given code wrapping cause.
func New(code ErrorCode, stage, entity string, cause error) *PipelineError {
	pe := &PipelineError{Code: code, Stage: stage, Entity: entity, Cause: cause}
	if cause != nil {
		pe.Message = cause.Error()
	}
	return pe
}

// NewHTTPStatus builds the error for a non-2xx response.
func NewHTTPStatus(entity string, status int) *PipelineError {
	code := ErrHTTPStatus
	if status == 429 {
		code = ErrRateLimit
	}
	return &PipelineError{
		Code:       code,
		Stage:      StageFetch,
		Entity:     entity,
		StatusCode: status,
		Message:    fmt.Sprintf("unexpected status %d", status),
	}
}

// ClassifyError inspects an error and returns a *PipelineError with the appropriate code.
// Errors that are already classified are returned unchanged. Anything unrecognised gets
// the default code for its stage.
func ClassifyError(err error, stage string) *PipelineError {
	if err == nil {
		return nil
	}

	var existing *PipelineError
	if errors.As(err, &existing) {
		return existing
	}

	pe := &PipelineError{
		Stage:   stage,
		Cause:   err,
		Message: err.Error(),
	}

	if errors.Is(err, ErrStorageUnavailable) {
		pe.Code = ErrFatalStorage
		return pe
	}

	if errors.Is(err, ErrValidation) {
		pe.Code = ErrInvalidRecord
		return pe
	}

	if errors.Is(err, context.DeadlineExceeded) {
		pe.Code = ErrTimeout
		pe.Message = "operation timed out"
		return pe
	}

	if errors.Is(err, context.Canceled) {
		pe.Code = ErrContextCancelled
		pe.Message = "operation cancelled"
		return pe
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			pe.Code = ErrTimeout
		} else {
			pe.Code = ErrTransport
		}
		return pe
	}

	lower := strings.ToLower(pe.Message)
	if strings.Contains(lower, "429") || strings.Contains(lower, "too many requests") {
		pe.Code = ErrRateLimit
		return pe
	}
	if strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host") || strings.Contains(lower, "connection reset") {
		pe.Code = ErrTransport
		return pe
	}

	switch stage {
	case StageFetch, StageListing:
		pe.Code = ErrTransport
	case StageExtract:
		pe.Code = ErrExtraction
	case StagePersist:
		pe.Code = ErrPersistence
	default:
		pe.Code = ErrProcessingError
	}
	return pe
}

// CodeOf returns the code of the first PipelineError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsFatal reports whether err means no further record can be persisted in this run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return true
	}
	return CodeOf(err) == ErrFatalStorage
}

// IsErrorRetryable returns true if the error is likely transient and worth retrying
// in a later run.
func IsErrorRetryable(err error) bool {
	code := CodeOf(err)
	if code == "" {
		return false
	}
	return IsRetryable(code)
}
