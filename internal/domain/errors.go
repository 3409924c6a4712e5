package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrAuthInvalid    = fmt.Errorf("authentication failed")
	ErrRateLimit      = fmt.Errorf("rate limit exceeded")
	ErrUpstream       = fmt.Errorf("upstream provider error")
	ErrNoCredentials  = fmt.Errorf("no upstream credentials available")
	ErrTurnInProgress = fmt.Errorf("a turn is already streaming")
	ErrToolNotFound   = fmt.Errorf("tool not found")
	ErrInvalidInput   = fmt.Errorf("invalid input")
	ErrTimeout        = fmt.Errorf("operation timed out")

	// ErrGatewayAuthFailed is returned when a client token does not verify.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Pool.Evict")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err may succeed on a later attempt with
// a different (or the same) credential.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit)
}

// IsFatalCredentialError reports whether err indicates the credential used
// for the attempt is permanently unusable (permission or billing).
func IsFatalCredentialError(err error) bool {
	return errors.Is(err, ErrAuthInvalid)
}

// ErrorCode is a machine-parseable error category, persisted in transcript
// rows and used for monitoring.
type ErrorCode string

const (
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeAuthInvalid   ErrorCode = "AUTH_INVALID"
	CodeRateLimit     ErrorCode = "RATE_LIMIT"
	CodeUpstream      ErrorCode = "UPSTREAM_ERROR"
	CodeNoCredentials ErrorCode = "NO_CREDENTIALS"
	CodeToolNotFound  ErrorCode = "TOOL_NOT_FOUND"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeGatewayAuth   ErrorCode = "GATEWAY_AUTH"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
// Order matters for ErrorCodeOf: more specific sentinels are listed first.
var errorCodeMap = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrGatewayAuthFailed, CodeGatewayAuth},
	{ErrNoCredentials, CodeNoCredentials},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrRateLimit, CodeRateLimit},
	{ErrUpstream, CodeUpstream},
	{ErrToolNotFound, CodeToolNotFound},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrTimeout, CodeTimeout},
}

// ErrorCodeOf returns the machine-parseable code for err, walking the error
// chain with errors.Is. Returns CodeUnknown if no sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, m := range errorCodeMap {
		if errors.Is(err, m.sentinel) {
			return m.code
		}
	}
	return CodeUnknown
}
