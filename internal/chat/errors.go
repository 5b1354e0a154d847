package chat

import (
	"errors"
	"fmt"
)

// Kind is the failure category surfaced to callers of either transport.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindForbidden
	KindConflict
	KindNotFound
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindForbidden:
		return "Forbidden"
	case KindConflict:
		return "Conflict"
	case KindNotFound:
		return "NotFound"
	case KindRateLimited:
		return "RateLimited"
	default:
		return "Internal"
	}
}

// Error carries a Kind and a human-readable message. Err, when set, is the
// underlying cause and is never shown to callers.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("chat: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	if e.Msg == "" {
		return "chat: " + e.Kind.String()
	}
	return fmt.Sprintf("chat: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the bare sentinels below by Kind, so errors.Is(err, ErrForbidden)
// holds for every Forbidden error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrForbidden       = &Error{Kind: KindForbidden}
	ErrConflict        = &Error{Kind: KindConflict}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrInternal        = &Error{Kind: KindInternal}
)

// ErrDuplicateKey is returned by stores when a uniqueness constraint
// rejected a write. It never reaches a transport.
var ErrDuplicateKey = errors.New("chat: duplicate key")

// Errorf builds an error of the given kind for callers outside the package,
// such as transports rejecting an undecodable payload.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func invalidArgument(msg string) error { return &Error{Kind: KindInvalidArgument, Msg: msg} }
func forbidden(msg string) error       { return &Error{Kind: KindForbidden, Msg: msg} }
func conflict(msg string) error        { return &Error{Kind: KindConflict, Msg: msg} }
func notFound(msg string) error        { return &Error{Kind: KindNotFound, Msg: msg} }
func rateLimited(msg string) error     { return &Error{Kind: KindRateLimited, Msg: msg} }

func internal(op string, err error) error {
	return &Error{Kind: KindInternal, Msg: op, Err: err}
}

// KindOf returns the category of err. Anything outside the taxonomy is
// Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns the text safe to show a caller. Internal failures
// never leak their cause.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return "internal error"
	}
	if e.Msg == "" {
		return e.Kind.String()
	}
	return e.Msg
}
