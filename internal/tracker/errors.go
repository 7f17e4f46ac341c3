package tracker

import (
	"errors"
	"fmt"
	"time"

	"github.com/JohanCodinha/epicsync/internal/domain"
)

// Kind classifies a tracker error. The set is closed: the sync engine
// switches exhaustively over it to decide retry, skip, or halt.
type Kind int

const (
	// KindUnknown covers unclassified failures; treated as non-retryable.
	KindUnknown Kind = iota
	// KindNotFound means the issue, epic, or transition does not exist.
	KindNotFound
	// KindAuth means credentials are missing, invalid, or lack permission.
	// Fatal for the whole run.
	KindAuth
	// KindRateLimited means the tracker asked us to slow down (HTTP 429).
	KindRateLimited
	// KindTransient covers timeouts and 5xx responses; retried with backoff.
	KindTransient
	// KindValidation means the tracker rejected a field value.
	KindValidation
)

// String returns the string representation of an error kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is a classified tracker failure.
type Error struct {
	Kind       Kind
	Key        domain.IssueKey // issue involved, if any
	Field      string          // offending field for validation errors
	RetryAfter time.Duration   // server-requested delay for rate limits
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("tracker %s error", e.Kind)
	if e.Key != "" {
		msg += fmt.Sprintf(" for %s", e.Key)
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %s)", e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error wrapping err.
func NewError(kind Kind, key domain.IssueKey, err error) *Error {
	return &Error{Kind: kind, Key: key, Err: err}
}

// KindOf extracts the Kind from an error chain, KindUnknown if unclassified.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether the error is worth retrying with backoff.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	}
	return false
}

// IsFatal reports whether the error should halt the whole run rather than
// fail a single operation. Auth failures never fix themselves mid-run.
func IsFatal(err error) bool {
	return KindOf(err) == KindAuth
}

// RetryAfterOf extracts the server-requested delay, zero if none.
func RetryAfterOf(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
