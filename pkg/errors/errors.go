// Package errors provides the structured error type used across navcache, with
// error codes, categories and operational context.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
)

// ErrorCode identifies a class of failure.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Cache
	ErrCodeNoFetcherMiss ErrorCode = "NO_FETCHER_MISS"
	ErrCodeFetchTimeout  ErrorCode = "FETCH_TIMEOUT"
	ErrCodeFetchFailed   ErrorCode = "FETCH_FAILED"
	ErrCodeCacheFull     ErrorCode = "CACHE_FULL"

	// Durable storage
	ErrCodeStorageBackend ErrorCode = "STORAGE_BACKEND"
	ErrCodeQuotaExceeded  ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeKeyNotFound    ErrorCode = "KEY_NOT_FOUND"
	ErrCodeCorruptState   ErrorCode = "CORRUPT_STATE"
	ErrCodeCircuitOpen    ErrorCode = "CIRCUIT_OPEN"

	// Prediction
	ErrCodePredictionDataInsufficient ErrorCode = "PREDICTION_DATA_INSUFFICIENT"

	// Lifecycle
	ErrCodeNotInitialized   ErrorCode = "NOT_INITIALIZED"
	ErrCodeAlreadyStarted   ErrorCode = "ALREADY_STARTED"
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"

	// Operations
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryCache         ErrorCategory = "cache"
	CategoryStorage       ErrorCategory = "storage"
	CategoryPrediction    ErrorCategory = "prediction"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// Error is a structured error with context and metadata.
type Error struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable bool   `json:"retryable"`
	Stack     string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *Error) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// Fields flattens the error into logger fields.
func (e *Error) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"error_code": string(e.Code),
		"category":   string(e.Category),
	}
	if e.Operation != "" {
		fields["operation"] = e.Operation
	}
	if e.Cause != nil {
		fields["cause"] = e.Cause.Error()
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields[k] = e.Context[k]
	}
	return fields
}

// NewError creates a new error with defaults derived from its code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Wrap creates a new error with the given cause.
func Wrap(cause error, code ErrorCode, message string) *Error {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeConfigLoad, ErrCodeConfigSave:
		return CategoryConfiguration
	case ErrCodeNoFetcherMiss, ErrCodeFetchTimeout, ErrCodeFetchFailed, ErrCodeCacheFull:
		return CategoryCache
	case ErrCodeStorageBackend, ErrCodeQuotaExceeded, ErrCodeKeyNotFound, ErrCodeCorruptState,
		ErrCodeCircuitOpen:
		return CategoryStorage
	case ErrCodePredictionDataInsufficient:
		return CategoryPrediction
	case ErrCodeNotInitialized, ErrCodeAlreadyStarted, ErrCodeComponentStopped, ErrCodeInvalidState:
		return CategoryState
	case ErrCodeOperationCanceled, ErrCodeRetryExhausted, ErrCodeValidationFailed:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeFetchTimeout, ErrCodeStorageBackend, ErrCodeInternalError:
		return true
	default:
		return false
	}
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *Error) WithStack() *Error {
	e.Stack = CaptureStack(2)
	return e
}

// HasCode reports whether err or anything it wraps is an *Error with code.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	for err != nil {
		if stderrors.As(err, &e) {
			if e.Code == code {
				return true
			}
			err = e.Cause
			continue
		}
		return false
	}
	return false
}

// CodeOf returns the code of the outermost *Error in err's chain.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// NoFetcherMiss reports a key that is absent from both tiers with no fetcher.
func NoFetcherMiss(key string) *Error {
	return NewError(ErrCodeNoFetcherMiss, "key not cached and no fetcher supplied").
		WithComponent("cache").
		WithOperation("get").
		WithContext("key", key)
}

// FetchTimeout reports a fetcher that exceeded its deadline.
func FetchTimeout(key string, timeout time.Duration, cause error) *Error {
	return NewError(ErrCodeFetchTimeout, fmt.Sprintf("fetch exceeded %s", timeout)).
		WithComponent("cache").
		WithOperation("fetch").
		WithContext("key", key).
		WithCause(cause)
}

// StorageBackend wraps a durable tier failure.
func StorageBackend(operation, key string, cause error) *Error {
	return NewError(ErrCodeStorageBackend, "durable backend failure").
		WithComponent("durable").
		WithOperation(operation).
		WithContext("key", key).
		WithCause(cause)
}
