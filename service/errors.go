package service

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can branch without type switches
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindQuotaExceeded
	KindNotFound
	KindProviderFailure
	KindStoreUnavailable
	KindLockTimeout
	KindInvalidInput
)

func (k ErrorKind) String() string {
	switch k {
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindNotFound:
		return "not_found"
	case KindProviderFailure:
		return "provider_failure"
	case KindStoreUnavailable:
		return "store_unavailable"
	case KindLockTimeout:
		return "lock_timeout"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Error is the tagged error returned by ledger, cache and pipeline operations
type Error struct {
	Kind  ErrorKind
	Op    string
	Owner string
	Err   error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Owner != "" {
		msg += fmt.Sprintf(" (owner %s)", e.Owner)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrQuotaExceeded) works
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

var (
	ErrQuotaExceeded    = &Error{Kind: KindQuotaExceeded}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrProviderFailure  = &Error{Kind: KindProviderFailure}
	ErrStoreUnavailable = &Error{Kind: KindStoreUnavailable}
	ErrLockTimeout      = &Error{Kind: KindLockTimeout}
	ErrInvalidInput     = &Error{Kind: KindInvalidInput}
)

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func newError(kind ErrorKind, op, owner string, err error) *Error {
	return &Error{Kind: kind, Op: op, Owner: owner, Err: err}
}
