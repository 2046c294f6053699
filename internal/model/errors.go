package model

import (
    "errors"
    "fmt"
    "strings"
)

// Kind classifies why an operation on a session was rejected.  The values
// are stable strings so they can be returned to API clients as-is.
type Kind string

const (
    KindInvalidArgument Kind = "INVALID_ARGUMENT"
    KindNotFound        Kind = "NOT_FOUND"
    KindAlreadyExists   Kind = "ALREADY_EXISTS"
    KindNotBookable     Kind = "NOT_BOOKABLE"
    KindSessionFull     Kind = "SESSION_FULL"
    KindAlreadyBooked   Kind = "ALREADY_BOOKED"
    KindNotReady        Kind = "NOT_READY"
    KindAlreadyTerminal Kind = "ALREADY_TERMINAL"
    KindPartialFailure  Kind = "PARTIAL_FAILURE"
    KindMalformed       Kind = "MALFORMED_DOCUMENT"
)

// Error is the discriminated error returned by booking and settlement.  It
// keeps the session, rider and failing riders so nothing about the failure
// is lost on the way to the caller.
type Error struct {
    Kind       Kind
    OperatorID string
    SessionID  string
    RiderID    string
    RiderIDs   []string // riders whose hold operation failed (PARTIAL_FAILURE)
    Err        error    // underlying cause, if any
}

// Sentinels for errors.Is comparisons.  Matching is by Kind only.
var (
    ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
    ErrNotFound        = &Error{Kind: KindNotFound}
    ErrAlreadyExists   = &Error{Kind: KindAlreadyExists}
    ErrNotBookable     = &Error{Kind: KindNotBookable}
    ErrSessionFull     = &Error{Kind: KindSessionFull}
    ErrAlreadyBooked   = &Error{Kind: KindAlreadyBooked}
    ErrNotReady        = &Error{Kind: KindNotReady}
    ErrAlreadyTerminal = &Error{Kind: KindAlreadyTerminal}
    ErrPartialFailure  = &Error{Kind: KindPartialFailure}
    ErrMalformed       = &Error{Kind: KindMalformed}
)

func (e *Error) Error() string {
    var b strings.Builder
    b.WriteString(strings.ToLower(string(e.Kind)))
    if e.SessionID != "" {
        fmt.Fprintf(&b, " session=%s/%s", e.OperatorID, e.SessionID)
    }
    if e.RiderID != "" {
        fmt.Fprintf(&b, " rider=%s", e.RiderID)
    }
    if len(e.RiderIDs) > 0 {
        fmt.Fprintf(&b, " riders=[%s]", strings.Join(e.RiderIDs, ","))
    }
    if e.Err != nil {
        fmt.Fprintf(&b, ": %v", e.Err)
    }
    return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, which lets the package level
// sentinels be used with errors.Is regardless of the context fields.
func (e *Error) Is(target error) bool {
    t, ok := target.(*Error)
    return ok && t.Kind == e.Kind
}

// KindOf returns the Kind carried by err, or "" when err is not an *Error.
func KindOf(err error) Kind {
    var e *Error
    if errors.As(err, &e) {
        return e.Kind
    }
    return ""
}

// Reject builds an *Error for the given session and rider.
func Reject(kind Kind, operatorID, sessionID, riderID string) *Error {
    return &Error{Kind: kind, OperatorID: operatorID, SessionID: sessionID, RiderID: riderID}
}
