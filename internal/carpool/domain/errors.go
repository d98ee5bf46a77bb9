package domain

import "errors"

// Kind classifies domain failures so callers can branch without matching text.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNotFound
	KindOfferUnavailable
	KindNotAuthorized
	KindConcurrencyConflict
	KindInvalid
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindOfferUnavailable:
		return "offer_unavailable"
	case KindNotAuthorized:
		return "not_authorized"
	case KindConcurrencyConflict:
		return "concurrency_conflict"
	case KindInvalid:
		return "invalid"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Msg
}

// Is matches another *Error of the same kind. A target without a message
// matches every error of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrOfferNotFound       = &Error{Kind: KindNotFound, Msg: "ride offer not found"}
	ErrRequesterNotFound   = &Error{Kind: KindNotFound, Msg: "user not found"}
	ErrRequestNotFound     = &Error{Kind: KindNotFound, Msg: "ride request not found"}
	ErrOfferUnavailable    = &Error{Kind: KindOfferUnavailable, Msg: "ride offer not available"}
	ErrNotAuthorized       = &Error{Kind: KindNotAuthorized, Msg: "not authorized"}
	ErrConcurrencyConflict = &Error{Kind: KindConcurrencyConflict, Msg: "concurrent modification"}
	ErrEmailTaken          = &Error{Kind: KindConflict, Msg: "email already registered"}
	ErrInvalidCredentials  = &Error{Kind: KindInvalid, Msg: "invalid credentials"}
)

// Invalid builds a validation failure.
func Invalid(msg string) error {
	return &Error{Kind: KindInvalid, Msg: msg}
}

// KindOf returns the kind of the first domain error in the chain.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}
