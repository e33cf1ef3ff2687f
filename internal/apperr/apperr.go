// Package apperr defines the typed error taxonomy returned by hub operations and the outbound wire
// representation of those errors.
package apperr

import "fmt"

// Kind classifies the outcome of a failed operation. Every operation in the hub reports failure as one of these
// kinds rather than an ad-hoc error string, so the gateway can map any error to a stable wire code.
type Kind string

const (
	// KindInvalid marks malformed or out-of-policy input (bad username, oversized avatar, empty message body).
	KindInvalid Kind = "invalid"
	// KindAuthRequired marks an operation attempted before a session authenticated.
	KindAuthRequired Kind = "auth_required"
	// KindAuthRejected marks a failed login or token verification.
	KindAuthRejected Kind = "auth_rejected"
	// KindForbidden marks an operation the caller is authenticated for but not entitled to perform
	// (posting as a persona you do not own, claiming a redpacket you're not a member for).
	KindForbidden Kind = "forbidden"
	// KindNotFound marks a reference to an entity that does not exist.
	KindNotFound Kind = "not_found"
	// KindConflict marks a uniqueness violation (username taken, duplicate friend request).
	KindConflict Kind = "conflict"
	// KindAlreadyClaimed marks a redpacket claim attempt by an account that already holds a share.
	KindAlreadyClaimed Kind = "already_claimed"
	// KindExhausted marks a redpacket claim attempt after every share has been distributed.
	KindExhausted Kind = "exhausted"
	// KindInconsistent marks a state the system detected as internally contradictory and refused to act on
	// (e.g. a redpacket with an unknown distribution, or a computed claim amount outside the remaining balance).
	KindInconsistent Kind = "inconsistent"
	// KindInternal marks an unexpected failure with no more specific classification.
	KindInternal Kind = "internal"
)

// Error is the typed error type carried through service and repository layers. Every exported hub operation that
// can fail returns one of these (wrapped or bare) so that callers can type-assert the Kind instead of matching
// error strings.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New constructs an Error of the given kind with a human-readable message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and message to an underlying error, preserving it for errors.Unwrap/errors.Is.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so callers can write
// errors.Is(err, apperr.New(apperr.KindNotFound, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err, defaulting to KindInternal if err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if asError(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
