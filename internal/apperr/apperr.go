// Package apperr defines the error taxonomy shared across the core: a small
// set of kinds, each mapping to one HTTP status, so a thin router layer can
// translate any returned error without knowing domain specifics.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds from spec §7's error taxonomy.
type Kind string

const (
	KindUnauthenticated  Kind = "unauthenticated"
	KindForbidden        Kind = "forbidden"
	KindValidation       Kind = "validation"
	KindInsufficientFund Kind = "insufficient_funds"
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindRoundStale       Kind = "round_stale"
	KindSettlementClosed Kind = "settlement_closed"
	KindRateLimited      Kind = "rate_limited"
	KindDownstream       Kind = "downstream"
	KindInternal         Kind = "internal"
)

// statusOf maps each Kind to the HTTP status spec.md §7 prescribes.
var statusOf = map[Kind]int{
	KindUnauthenticated:  401,
	KindForbidden:        403,
	KindValidation:       400,
	KindInsufficientFund: 402,
	KindConflict:         409,
	KindNotFound:         404,
	KindRoundStale:       400,
	KindSettlementClosed: 400,
	KindRateLimited:      429,
	KindDownstream:       502,
	KindInternal:         500,
}

// Error is a typed error carrying a Kind alongside a message and optional
// wrapped cause. Compare kinds with errors.As, not type assertion, so
// wrapping with fmt.Errorf("...: %w", err) keeps working.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// HTTPStatus returns the status code for err, defaulting to 500 when err is
// not an *Error (or is nil, in which case it returns 200).
func HTTPStatus(err error) int {
	if err == nil {
		return 200
	}
	var e *Error
	if errors.As(err, &e) {
		if status, ok := statusOf[e.Kind]; ok {
			return status
		}
	}
	return 500
}

// KindOf extracts the Kind from err, returning KindInternal when err is not
// an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err's kind (anywhere in its chain) equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Sentinel errors raised deep inside storage and engine code. The not-found
// ones already carry KindNotFound so HTTPStatus/KindOf resolve correctly
// without a handler having to translate them at the API boundary — callers
// that need a custom message can still Wrap a fresh *Error instead.
// ErrDegradedSeed is a plain error with no Kind, so it resolves as internal.
var (
	ErrRoundNotFound   = New(KindNotFound, "round not found")
	ErrBetNotFound     = New(KindNotFound, "bet not found")
	ErrUserNotFound    = New(KindNotFound, "user not found")
	ErrPaymentNotFound = New(KindNotFound, "payment intent not found")
	ErrDegradedSeed    = errors.New("no committed seed available and degraded rounds are disabled")
)
