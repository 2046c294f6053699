// Package repository defines error types that are reused across the session
// stores.  These sentinel values allow higher layers such as the booking and
// settlement services to distinguish between different failure scenarios.
// For example, ErrSessionNotFound indicates that no document exists for the
// requested key, while ErrConflict signals that a concurrent writer changed
// the document between the read and the write of a transaction.
package repository

import (
    "errors"

    "github.com/iliyamo/session-escrow/internal/model"
)

// ErrSessionNotFound is returned when no session document exists for the
// (operator, session) key.  Services translate this into NOT_FOUND.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned by Create when the key is already taken.
var ErrSessionExists = errors.New("session already exists")

// ErrConflict is returned when an optimistic write lost against a
// concurrent writer.  Transactions retry on it internally; it only escapes
// when the retry budget is exhausted.
var ErrConflict = errors.New("conflict")

// ErrMalformedSession is returned when a stored document does not satisfy
// the session schema.  The document is never handed to callers.
var ErrMalformedSession = errors.New("malformed session document")

// DomainError translates a store error into the *model.Error reported to
// callers.  Errors that already carry a Kind pass through unchanged and
// unknown errors (including an exhausted conflict budget) are returned as is.
func DomainError(err error, operatorID, sessionID, riderID string) error {
    if err == nil {
        return nil
    }
    if model.KindOf(err) != "" {
        return err
    }
    var kind model.Kind
    switch {
    case errors.Is(err, ErrSessionNotFound):
        kind = model.KindNotFound
    case errors.Is(err, ErrSessionExists):
        kind = model.KindAlreadyExists
    case errors.Is(err, ErrMalformedSession):
        kind = model.KindMalformed
    default:
        return err
    }
    e := model.Reject(kind, operatorID, sessionID, riderID)
    e.Err = err
    return e
}
