// Package apperr defines the error kinds returned by the ledger engines.
//
// Every rejected operation returns an *Error carrying a Kind and a
// human-readable reason. Because contractapi hands the error string back to
// the submitting client, the string form is "KIND: reason" so clients can
// switch on the prefix.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	InvalidInput                  Kind = "INVALID_INPUT"
	NotFound                      Kind = "NOT_FOUND"
	DuplicateIdentity             Kind = "DUPLICATE_IDENTITY"
	DuplicateExternalID           Kind = "DUPLICATE_EXTERNAL_ID"
	InvalidBloodType              Kind = "INVALID_BLOOD_TYPE"
	InvalidExpiry                 Kind = "INVALID_EXPIRY"
	NotAProvider                  Kind = "NOT_A_PROVIDER"
	Unauthorized                  Kind = "UNAUTHORIZED"
	AccessDenied                  Kind = "ACCESS_DENIED"
	NotActive                     Kind = "NOT_ACTIVE"
	AlreadyTerminal               Kind = "ALREADY_TERMINAL"
	Expired                       Kind = "EXPIRED"
	InsufficientRemainingQuantity Kind = "INSUFFICIENT_REMAINING_QUANTITY"
	Internal                      Kind = "INTERNAL"
)

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Reason string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches another *Error by kind, and a bare Kind value.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *Error:
		return t.Kind == e.Kind
	case Kind:
		return t == e.Kind
	}
	return false
}

// Error lets a Kind be used directly as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// New returns an error of the given kind.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap classifies a lower-level failure, usually ledger I/O, as Internal.
func Wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: Internal, Reason: fmt.Sprintf(format, args...), cause: err}
}

// KindOf reports the kind of err, or Internal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

var kinds = []Kind{
	InvalidInput, NotFound, DuplicateIdentity, DuplicateExternalID,
	InvalidBloodType, InvalidExpiry, NotAProvider, Unauthorized,
	AccessDenied, NotActive, AlreadyTerminal, Expired,
	InsufficientRemainingQuantity, Internal,
}

// Parse recovers the kind from a rejection message received by a client.
// The peer may prefix the chaincode message, so the kind is searched for
// rather than expected at the start.
func Parse(msg string) Kind {
	for _, k := range kinds {
		if strings.Contains(msg, string(k)+":") {
			return k
		}
	}
	return Internal
}
