package auth

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound           = errors.New("auth: not found")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrAccountDisabled    = errors.New("auth: account disabled")
)

// Kind classifies authentication and authorization failures.
type Kind int

const (
	KindUnauthenticated Kind = iota + 1
	KindForbidden
	KindMalformed
	KindInvalidSignature
	KindExpired
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindMalformed:
		return "malformed"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Status is the HTTP status a boundary reports for the kind. Token
// failures all surface as 401 so callers cannot tell them apart.
func (k Kind) Status() int {
	if k == KindForbidden {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// PublicMessage is the only text a caller outside the process ever sees.
func (k Kind) PublicMessage() string {
	if k == KindForbidden {
		return "forbidden"
	}
	return "unauthenticated"
}

// Error is the closed error type produced by the codec and the guard.
// Reason is for logs only.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := "auth: " + e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrExpired)
// works regardless of reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrUnauthenticated  = &Error{Kind: KindUnauthenticated}
	ErrForbidden        = &Error{Kind: KindForbidden}
	ErrMalformed        = &Error{Kind: KindMalformed}
	ErrInvalidSignature = &Error{Kind: KindInvalidSignature}
	ErrExpired          = &Error{Kind: KindExpired}
)

func newError(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: cause}
}

// KindOf extracts the failure kind. Errors that are not *Error report
// false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Forbidden reasons recorded on guard denials.
const (
	ReasonNoOrgContext     = "no organization context"
	ReasonNotMember        = "not a member"
	ReasonInsufficientRole = "insufficient role"
	ReasonNoPrincipal      = "no principal"
)
