// Package errors provides the error taxonomy shared by the hylo simulator.
// Every failure that crosses a package boundary is a *ServiceError carrying
// its category, the operation that failed and whether a retry makes sense.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType categorizes a failure
type ErrorType string

const (
	// ErrorTypeTransport is a failure reaching the registry or the ledger:
	// connection errors, unreadable bodies and 5xx answers.
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeRejected is an authoritative refusal by the ledger
	ErrorTypeRejected ErrorType = "rejected"
	// ErrorTypeStaleRoster means the registry poll failed and the roster
	// cache is serving its last good snapshot
	ErrorTypeStaleRoster ErrorType = "stale_roster"
	// ErrorTypeValidation represents invalid input or configuration
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeDatabase represents Postgres, Redis or InfluxDB failures
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeKafka represents event stream failures
	ErrorTypeKafka ErrorType = "kafka"
	// ErrorTypeTimeout represents an operation that ran out of time
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents everything else
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is a categorized error with operation context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the operation may succeed if repeated
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches a key/value pair and returns the receiver
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a ServiceError without a cause
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: retryableType(errorType),
	}
}

// Wrap wraps err with a category and operation. A nil err yields nil.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := retryableType(errorType) && retryableCause(err)

	var se *ServiceError
	if errors.As(err, &se) {
		retryable = se.Retryable
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

func retryableType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransport, ErrorTypeTimeout, ErrorTypeKafka, ErrorTypeDatabase:
		return true
	default:
		return false
	}
}

// retryableCause rejects causes that can never succeed on a second attempt
func retryableCause(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"network is unreachable",
	"no such host",
	"timeout",
	"temporary failure",
	"broken pipe",
	"eof",
}

// looksTransient classifies plain errors by their message
func looksTransient(err error) bool {
	if !retryableCause(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsType reports whether any ServiceError in err's chain has the given type
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Type == errorType {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable reports whether err is worth retrying
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return err != nil && looksTransient(err)
}

// GetContext returns the context map of the outermost ServiceError
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
