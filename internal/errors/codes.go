package errors

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for CVR and transform operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors (4xx equivalent)
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeNotFound        ErrorCode = 1001
	ErrCodeURLNotAllowed   ErrorCode = 1002

	// Coordination errors
	ErrCodeOwnership              ErrorCode = 3000
	ErrCodeConcurrentModification ErrorCode = 3001
	ErrCodeRowsBehind             ErrorCode = 3002

	// Server errors (5xx equivalent)
	ErrCodeInternal    ErrorCode = 2000
	ErrCodeUnavailable ErrorCode = 2001
)

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts SyncError to a gRPC status for the connection layer
func (e *SyncError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *SyncError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeURLNotAllowed:
		return codes.PermissionDenied
	case ErrCodeOwnership:
		return codes.FailedPrecondition
	case ErrCodeConcurrentModification:
		return codes.Aborted
	case ErrCodeRowsBehind:
		return codes.Unavailable
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewSyncError creates a new SyncError
func NewSyncError(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInvalidArgument, message, cause)
}

// Ownership is the fatal rejection returned when another, newer task owns
// the CVR. The connection must redirect; it is never retried locally.
func Ownership(cvrID, owner string, grantedAt time.Time) *SyncError {
	return NewSyncError(ErrCodeOwnership,
		fmt.Sprintf("CVR %s is owned by task %s since %s", cvrID, owner, grantedAt.Format(time.RFC3339Nano)), nil).
		WithDetail("cvr_id", cvrID).
		WithDetail("owner", owner).
		WithDetail("granted_at", grantedAt)
}

// ConcurrentModification reports an optimistic-concurrency violation: the
// stored version no longer matches the version the caller's snapshot was
// built from. Recoverable by reloading and recomputing.
func ConcurrentModification(cvrID, expected, actual string) *SyncError {
	return NewSyncError(ErrCodeConcurrentModification,
		fmt.Sprintf("CVR %s was modified concurrently: expected version %s, found %s", cvrID, expected, actual), nil).
		WithDetail("cvr_id", cvrID).
		WithDetail("expected_version", expected).
		WithDetail("actual_version", actual)
}

// RowsBehind reports that the row tier failed to catch up to the committed
// metadata version within the retry budget. Retryable: the ownership grant
// stays in place, so a later attempt from the same task can succeed once the
// background flush settles.
func RowsBehind(cvrID, version, rowsVersion string, attempts int) *SyncError {
	return NewSyncError(ErrCodeRowsBehind,
		fmt.Sprintf("CVR %s rows at version %s have not caught up to metadata version %s after %d attempts", cvrID, rowsVersion, version, attempts), nil).
		WithDetail("cvr_id", cvrID).
		WithDetail("version", version).
		WithDetail("rows_version", rowsVersion).
		WithDetail("attempts", attempts)
}

// URLNotAllowed reports a custom transform URL that does not match the
// configured allow-list. Raised before any network call is made.
func URLNotAllowed(url string) *SyncError {
	return NewSyncError(ErrCodeURLNotAllowed,
		fmt.Sprintf("transform URL %q does not match the configured allow-list", url), nil).
		WithDetail("url", url)
}

func NotFound(what, id string) *SyncError {
	return NewSyncError(ErrCodeNotFound, fmt.Sprintf("%s not found: %s", what, id), nil).
		WithDetail("id", id)
}

func InternalError(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *SyncError {
	return NewSyncError(ErrCodeUnavailable, message, cause)
}

// IsCode reports whether err is a SyncError carrying the given code
func IsCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}
