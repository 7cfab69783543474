// Package errors provides custom error types and utilities for the pipeline.
// It implements a structured error handling approach with error codes, CLI
// exit-code mapping, and support for error wrapping and stack traces.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode represents a unique error code for categorizing errors.
type ErrorCode string

// Error codes for the pipeline components
const (
	// General errors
	ErrCodeUnknown  ErrorCode = "UNKNOWN"
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeConfig   ErrorCode = "CONFIG_ERROR"

	// Collector errors
	ErrCodeCollector            ErrorCode = "COLLECTOR_ERROR"
	ErrCodeDownloadFailure      ErrorCode = "DOWNLOAD_FAILURE"
	ErrCodeDownloadNonRetryable ErrorCode = "DOWNLOAD_NON_RETRYABLE"
	ErrCodeSampleDownload       ErrorCode = "SAMPLE_DOWNLOAD_FAILURE"
	ErrCodeStateCorrupt         ErrorCode = "STATE_CORRUPT"
	ErrCodeRowCountMismatch     ErrorCode = "ROW_COUNT_MISMATCH"

	// Queue-processing errors (aggregator and other bus consumers)
	ErrCodeQueueProcessing ErrorCode = "QUEUE_PROCESSING_ERROR"

	// AMQP pusher errors
	ErrCodePusherInactive    ErrorCode = "PUSHER_INACTIVE"
	ErrCodePendingMessages   ErrorCode = "PENDING_MESSAGES"
	ErrCodeWorkerJoinTimeout ErrorCode = "WORKER_JOIN_TIMEOUT"
	ErrCodeConnectionLock    ErrorCode = "CONNECTION_LOCK_TIMEOUT"

	// Event DB errors
	ErrCodeEventDatabase ErrorCode = "EVENT_DATABASE_ERROR"

	// Knowledge-base collaborator errors
	ErrCodeKnowledgeBaseData ErrorCode = "KNOWLEDGE_BASE_DATA_ERROR"
)

// exitCodeMap maps error codes to CLI exit codes (0 is reserved for success).
var exitCodeMap = map[ErrorCode]int{
	ErrCodeUnknown:              1,
	ErrCodeInternal:             1,
	ErrCodeConfig:               2,
	ErrCodeCollector:            3,
	ErrCodeDownloadFailure:      3,
	ErrCodeDownloadNonRetryable: 3,
	ErrCodeSampleDownload:       3,
	ErrCodeStateCorrupt:         3,
	ErrCodeRowCountMismatch:     3,
	ErrCodeQueueProcessing:      4,
	ErrCodePusherInactive:       5,
	ErrCodePendingMessages:      5,
	ErrCodeWorkerJoinTimeout:    5,
	ErrCodeConnectionLock:       5,
	ErrCodeEventDatabase:        6,
	ErrCodeKnowledgeBaseData:    7,
}

// AppError represents a structured pipeline error.
type AppError struct {
	Code       ErrorCode
	Message    string
	Details    string
	cause      error
	stackTrace string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Code))
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Details != "" {
		sb.WriteString(" (")
		sb.WriteString(e.Details)
		sb.WriteString(")")
	}
	if e.cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *AppError) Unwrap() error {
	return e.cause
}

// StackTrace returns the captured stack trace.
func (e *AppError) StackTrace() string {
	return e.stackTrace
}

// WithDetails returns a copy of the error with extra detail text.
func (e *AppError) WithDetails(details string) *AppError {
	clone := *e
	clone.Details = details
	return &clone
}

// New creates a new AppError with the given code and message.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		stackTrace: captureStackTrace(),
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Code:       code,
		Message:    message,
		cause:      err,
		stackTrace: captureStackTrace(),
	}
}

// Wrapf wraps an existing error with a code and a formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// GetCode extracts the ErrorCode from an error chain, or ErrCodeUnknown.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeUnknown
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// ExitCode maps an error to a process exit code. A nil error maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if code, ok := exitCodeMap[GetCode(err)]; ok {
		return code
	}
	return 1
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// captureStackTrace captures the current goroutine's stack, skipping the
// frames of this package.
func captureStackTrace() string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var sb strings.Builder
	for {
		frame, more := frames.Next()
		if strings.Contains(frame.File, "runtime/") {
			break
		}
		fmt.Fprintf(&sb, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return sb.String()
}

// TruncatedSummary renders err as a single line, cut to at most limit runes.
// Used when wrapping driver-level database errors whose text may embed whole
// statements.
func TruncatedSummary(err error, limit int) string {
	if err == nil {
		return ""
	}
	s := strings.Join(strings.Fields(err.Error()), " ")
	runes := []rune(s)
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return s
}
