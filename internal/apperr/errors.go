// Package apperr is the error taxonomy shared by the dispatch core and its boundaries.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuth
	KindForbidden
	KindNotFound
	KindInvalidTransition
	KindInvalidState
	KindAlreadyTaken
	KindAlreadyRated
	KindOfferExpired
	KindStoreUnavailable
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindValidation:        "validation",
	KindAuth:              "auth",
	KindForbidden:         "forbidden",
	KindNotFound:          "not_found",
	KindInvalidTransition: "invalid_transition",
	KindInvalidState:      "invalid_state",
	KindAlreadyTaken:      "already_taken",
	KindAlreadyRated:      "already_rated",
	KindOfferExpired:      "offer_expired",
	KindStoreUnavailable:  "store_unavailable",
}

func (k Kind) String() string { return kindNames[k] }

// HTTPStatus maps a kind onto the status code returned by the API.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidTransition, KindInvalidState, KindAlreadyTaken, KindAlreadyRated, KindOfferExpired:
		return http.StatusConflict
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Code names the precise failure mode within a kind.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks by kind.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrAuth              = &Error{Kind: KindAuth}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
	ErrAlreadyTaken      = &Error{Kind: KindAlreadyTaken}
	ErrAlreadyRated      = &Error{Kind: KindAlreadyRated}
	ErrOfferExpired      = &Error{Kind: KindOfferExpired}
	ErrStoreUnavailable  = &Error{Kind: KindStoreUnavailable}
)

func New(kind Kind, code, msg string) *Error { return &Error{Kind: kind, Code: code, Msg: msg} }

func Wrap(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: kind.String(), Err: err}
}

func Validation(code, msg string) *Error { return New(KindValidation, code, msg) }
func Auth(msg string) *Error             { return New(KindAuth, "unauthorized", msg) }
func NotFound(code, msg string) *Error   { return New(KindNotFound, code, msg) }

// Forbidden is an authenticated caller acting outside its role or ride.
func Forbidden(code, msg string) *Error { return New(KindForbidden, code, msg) }

func InvalidTransition(from, to fmt.Stringer) *Error {
	return New(KindInvalidTransition, "invalid_transition", fmt.Sprintf("cannot move from %s to %s", from, to))
}

// Unavailable wraps an infrastructure fault from a store or index.
func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindStoreUnavailable, Code: "store_unavailable", Msg: op, Err: err}
}

// KindOf classifies err; unclassified errors are KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the failure code of a classified error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
