// Package kerrors implements the core's closed error taxonomy.
//
// Every error surfaced by a core component is, or wraps, a *Error carrying a
// fixed Kind and an IsRecoverable flag. Callers that need to branch on the
// underlying cause use errors.As rather than string matching.
package kerrors

import (
	"errors"
	"fmt"
	"time"
)

// Kind is one member of the closed error taxonomy.
type Kind string

const (
	KindConfig           Kind = "config"
	KindAuthentication   Kind = "authentication"
	KindRateLimit        Kind = "rate_limit"
	KindInvalidModel     Kind = "invalid_model"
	KindRequestFailed    Kind = "request_failed"
	KindInvalidResponse  Kind = "invalid_response"
	KindNetwork          Kind = "network"
	KindSerialization    Kind = "serialization"
	KindPlanning         Kind = "planning"
	KindContext          Kind = "context"
	KindExecution        Kind = "execution"
	KindTask             Kind = "task"
	KindProvider         Kind = "provider"
	KindValidation       Kind = "validation"
	KindFileSystem       Kind = "filesystem"
	KindInvalidPath      Kind = "invalid_path"
	KindPermissionDenied Kind = "permission_denied"
	KindSecurity         Kind = "security"
	KindNotFound         Kind = "not_found"
	KindAlreadyExists    Kind = "already_exists"
	KindTimeout          Kind = "timeout"
	KindCancelled        Kind = "cancelled"
	KindIO               Kind = "io"
)

// recoverableKinds mirrors §7: Timeout and Network-flavored HTTP are
// recoverable; everything else defaults to non-recoverable unless the
// constructor says otherwise (RateLimit and RequestFailed can go either way
// depending on the HTTP status that produced them, so they are set
// per-instance rather than being fixed here).
var recoverableKinds = map[Kind]bool{
	KindTimeout: true,
	KindNetwork: true,
}

// Error is the concrete type behind every error this module returns.
type Error struct {
	Kind  Kind
	msg   string
	cause error

	// Kind-specific fields, populated only when relevant.
	TaskID     string
	Field      string
	Path       string
	Provider   string
	Ms         int64
	Op         string
	RetryAfter time.Duration

	recoverable    bool
	recoverableSet bool
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// IsRecoverable reports the is_recoverable flag from §7.
func (e *Error) IsRecoverable() bool {
	if e.recoverableSet {
		return e.recoverable
	}
	return recoverableKinds[e.Kind]
}

// Category returns the static category string used by logging/audit code.
func (e *Error) Category() string { return string(e.Kind) }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, cause: cause}
}

func withRecoverable(e *Error, r bool) *Error {
	e.recoverable = r
	e.recoverableSet = true
	return e
}

// Constructors for the kinds named directly in §7/§4.4 that carry extra
// fields or a fixed recoverability.

func NewTask(taskID, msg string) *Error {
	return &Error{Kind: KindTask, msg: msg, TaskID: taskID}
}

func NewProvider(provider, msg string) *Error {
	return &Error{Kind: KindProvider, msg: msg, Provider: provider}
}

func NewValidation(field, msg string) *Error {
	return withRecoverable(&Error{Kind: KindValidation, msg: msg, Field: field}, false)
}

func NewFileSystem(path string, cause error) *Error {
	return &Error{Kind: KindFileSystem, msg: "filesystem operation failed", Path: path, cause: cause}
}

func NewInvalidPath(path, msg string) *Error {
	return withRecoverable(&Error{Kind: KindInvalidPath, msg: msg, Path: path}, false)
}

func NewSecurity(msg string) *Error {
	return withRecoverable(New(KindSecurity, msg), false)
}

func NewPermissionDenied(path string) *Error {
	return withRecoverable(&Error{Kind: KindPermissionDenied, msg: "permission denied", Path: path}, false)
}

func NewTimeout(ms int64) *Error {
	return withRecoverable(&Error{Kind: KindTimeout, msg: "operation timed out", Ms: ms}, true)
}

func NewCancelled(op string) *Error {
	return &Error{Kind: KindCancelled, msg: "operation cancelled", Op: op}
}

func NewNetwork(msg string, cause error) *Error {
	return withRecoverable(&Error{Kind: KindNetwork, msg: msg, cause: cause}, true)
}

// NewRateLimit builds a RateLimit error. Rate limits are recoverable: the
// retry wrapper in internal/provider is the one place that acts on this.
// retryAfter carries the provider's Retry-After hint, if any (spec.md:69);
// zero means "no hint, fall back to exponential backoff".
func NewRateLimit(msg string, retryAfter time.Duration) *Error {
	e := withRecoverable(New(KindRateLimit, msg), true)
	e.RetryAfter = retryAfter
	return e
}

func NewAuthentication(msg string) *Error {
	return withRecoverable(New(KindAuthentication, msg), false)
}

func NewInvalidModel(model string) *Error {
	return withRecoverable(New(KindInvalidModel, "unknown model: "+model), false)
}

// NewRequestFailed wraps a non-2xx HTTP status. statusCode >= 500 is
// recoverable per the retry policy in §4.2; everything else is not.
func NewRequestFailed(statusCode int, msg string) *Error {
	return withRecoverable(&Error{Kind: KindRequestFailed, msg: msg}, statusCode >= 500)
}

func NewInvalidResponse(msg string) *Error {
	return withRecoverable(New(KindInvalidResponse, msg), false)
}

// Is implements errors.Is support keyed on Kind, so callers can write
// errors.Is(err, kerrors.Sentinel(KindSecurity)).
type sentinel struct{ kind Kind }

func (s sentinel) Error() string { return string(s.kind) }

// Sentinel returns a comparable value usable with errors.Is to test only the
// Kind of an error, ignoring message and fields.
func Sentinel(kind Kind) error { return sentinel{kind} }

func (e *Error) Is(target error) bool {
	if s, ok := target.(sentinel); ok {
		return e.Kind == s.kind
	}
	return false
}

// As-compatible helper for callers that just want the Kind.
func KindOf(err error) (Kind, bool) {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Kind, true
	}
	return "", false
}
