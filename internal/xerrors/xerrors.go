// Package xerrors implements a closed set of error kinds as a typed
// hierarchy, so a facade's propagation policy can switch on Kind instead
// of string-matching wrapped errors.
package xerrors

import (
	"errors"
	"fmt"

	"xconnect/pkg/xctype"
)

// Error wraps an underlying cause with a classified error kind and,
// where applicable, the request identifier it applies to.
type Error struct {
	Kind  xctype.ErrorKind
	ReqID string // empty if not tied to a specific pending request
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(kind xctype.ErrorKind, reqID, msg string, cause error) *Error {
	return &Error{Kind: kind, ReqID: reqID, msg: msg, cause: cause}
}

// Transport wraps a connection-level failure (dial, send, unexpected close).
func Transport(msg string, cause error) *Error { return newErr(xctype.ErrTransport, "", msg, cause) }

// Timeout wraps a request or connect timeout.
func Timeout(reqID, msg string) *Error { return newErr(xctype.ErrTimeout, reqID, msg, nil) }

// Protocol wraps a malformed or unexpected frame.
func Protocol(msg string, cause error) *Error { return newErr(xctype.ErrProtocol, "", msg, cause) }

// Auth wraps a token-invalid or auth-refusal failure.
func Auth(msg string, cause error) *Error { return newErr(xctype.ErrAuth, "", msg, cause) }

// Validation wraps a bad-input failure returned synchronously to the
// caller. id identifies the offending order or request, if any.
func Validation(id, msg string) *Error { return newErr(xctype.ErrValidation, id, msg, nil) }

// Venue wraps an exchange-reported business error, optionally tied to a req_id.
func Venue(reqID, msg string) *Error { return newErr(xctype.ErrVenue, reqID, msg, nil) }

// Reconciliation wraps a reconciliation-path failure. It never fails an
// operation outright; it only ever accompanies an
// UnreconciledExchangeUpdate event. id identifies the affected order, if
// known.
func Reconciliation(id, msg string, cause error) *Error {
	return newErr(xctype.ErrReconciliation, id, msg, cause)
}

// Kind extracts the classified error kind from err, if it (or something
// it wraps) is an *Error.
func Kind(err error) (xctype.ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// ErrInsufficientInfo names the case where a cancellation or
// reconciliation path cannot recover enough fields to act. No function
// in this module returns it: the reconciler makes a single store lookup
// and, when that finds nothing, emits an UnreconciledExchangeUpdate
// event and returns nil, never querying a second time.
var ErrInsufficientInfo = errors.New("insufficient information to proceed")
