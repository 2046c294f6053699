// Package lifecycle holds the session state machine.  Everything here is
// pure: callers compute the post-state with these functions and then
// commit it through the store.
package lifecycle

import "github.com/iliyamo/session-escrow/internal/model"

// NextStatus derives the non-terminal status from seat counts.  It must only
// be applied while the session is not final.
func NextStatus(bookedSeats, totalSeats, minRidersToConfirm int) model.SessionStatus {
    switch {
    case bookedSeats >= totalSeats:
        return model.StatusFull
    case bookedSeats >= minRidersToConfirm:
        return model.StatusMinReached
    default:
        return model.StatusOpen
    }
}

// CanClaim reports whether an operator may capture the session's holds.
func CanClaim(s model.SessionStatus) bool {
    return s == model.StatusMinReached || s == model.StatusFull
}

// IsFinal reports whether s is absorbing.
func IsFinal(s model.SessionStatus) bool {
    return s == model.StatusClaimed || s == model.StatusCancelled
}

// IsBookable reports whether seats may still be added (capacity permitting).
func IsBookable(s model.SessionStatus) bool {
    return !IsFinal(s)
}

// Transition is an event applied to a session.
type Transition string

const (
    SeatAdded       Transition = "seat_added"
    ClaimRequested  Transition = "claim_requested"
    CancelRequested Transition = "cancel_requested"
)

// Apply returns the status a session moves to when t is applied.  The
// returned Kind is empty on success and names the rejection otherwise; the
// status is unchanged on rejection.
func Apply(s *model.Session, t Transition) (model.SessionStatus, model.Kind) {
    switch t {
    case SeatAdded:
        if !IsBookable(s.Status) {
            return s.Status, model.KindNotBookable
        }
        if s.BookedSeats >= s.TotalSeats {
            return s.Status, model.KindSessionFull
        }
        return NextStatus(s.BookedSeats+1, s.TotalSeats, s.MinRidersToConfirm), ""
    case ClaimRequested:
        if !CanClaim(s.Status) {
            return s.Status, model.KindNotReady
        }
        return model.StatusClaimed, ""
    case CancelRequested:
        if IsFinal(s.Status) {
            return s.Status, model.KindAlreadyTerminal
        }
        return model.StatusCancelled, ""
    }
    return s.Status, model.KindInvalidArgument
}
