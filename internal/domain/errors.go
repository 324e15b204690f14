package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrInvalidState = fmt.Errorf("invalid state")
)

// Sentinel errors for the domain layer.
var (
	// Routing errors.
	ErrCapacityExceeded = fmt.Errorf("router queue at capacity")
	ErrRouterClosed     = fmt.Errorf("router stopped")

	// Agent errors.
	ErrAlreadyInitialized = fmt.Errorf("agent already initialized")
	ErrAgentShutdown      = fmt.Errorf("agent shut down")

	// Backend errors.
	ErrBackendNotFound = fmt.Errorf("completion backend not found")
	ErrBackend         = fmt.Errorf("completion backend error")
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
	ErrCircuitOpen     = fmt.Errorf("circuit open")

	// Configuration errors.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrDecryption = fmt.Errorf("decryption failed")
	ErrEncryption = fmt.Errorf("encryption operation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Scheduler.Submit")
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

// IsRetryableError reports whether err is a transient backend error.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrCircuitOpen)
}

// ErrorCode is a machine-parseable error category for logs and metrics labels.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeInvalidState      ErrorCode = "INVALID_STATE"
	CodeCapacityExceeded  ErrorCode = "CAPACITY_EXCEEDED"
	CodeRouterClosed      ErrorCode = "ROUTER_CLOSED"
	CodeAlreadyInit       ErrorCode = "ALREADY_INITIALIZED"
	CodeAgentShutdown     ErrorCode = "AGENT_SHUTDOWN"
	CodeBackendNotFound   ErrorCode = "BACKEND_NOT_FOUND"
	CodeBackend           ErrorCode = "BACKEND"
	CodeContextOverflow   ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeDecryption        ErrorCode = "DECRYPTION"
	CodeEncryption        ErrorCode = "ENCRYPTION"
)

// errorCodes is ordered most specific first so wrapped chains resolve
// deterministically.
var errorCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrCapacityExceeded, CodeCapacityExceeded},
	{ErrRouterClosed, CodeRouterClosed},
	{ErrAlreadyInitialized, CodeAlreadyInit},
	{ErrAgentShutdown, CodeAgentShutdown},
	{ErrBackendNotFound, CodeBackendNotFound},
	{ErrContextOverflow, CodeContextOverflow},
	{ErrRateLimit, CodeRateLimit},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrBackend, CodeBackend},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrDecryption, CodeDecryption},
	{ErrEncryption, CodeEncryption},
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrInvalidState, CodeInvalidState},
}

// ErrorCodeOf returns the machine-parseable error code for err.
// Returns CodeUnknown if no sentinel matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
