package model

import "time"

// SessionStatus is the lifecycle state of a session.  OPEN, MIN_REACHED and
// FULL are derived from seat counts; CLAIMED and CANCELLED are terminal and
// sticky once reached.
type SessionStatus string

const (
    StatusOpen       SessionStatus = "OPEN"
    StatusMinReached SessionStatus = "MIN_REACHED"
    StatusFull       SessionStatus = "FULL"
    StatusClaimed    SessionStatus = "CLAIMED"
    StatusCancelled  SessionStatus = "CANCELLED"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
    switch s {
    case StatusOpen, StatusMinReached, StatusFull, StatusClaimed, StatusCancelled:
        return true
    }
    return false
}

// PaymentStatus tracks the escrow hold attached to a rider booking.
type PaymentStatus string

const (
    PaymentAuthorized PaymentStatus = "AUTHORIZED"
    PaymentCaptured   PaymentStatus = "CAPTURED"
    PaymentCancelled  PaymentStatus = "CANCELLED"
)

// Valid reports whether p is one of the known payment statuses.
func (p PaymentStatus) Valid() bool {
    switch p {
    case PaymentAuthorized, PaymentCaptured, PaymentCancelled:
        return true
    }
    return false
}

// Session is one bookable instance of an operator's recurring offering.  It
// is persisted as a single document keyed by (OperatorID, SessionID) and is
// mutated only by seat reservations and settlement runs.
//
// Fields:
//  OperatorID         – owner of the session.
//  SessionID          – identifier unique per operator.
//  Title              – display name set at creation.
//  StartsAt           – scheduled start (informational).
//  TotalSeats         – capacity, immutable after creation.
//  BookedSeats        – always equal to len(RidersProfile).
//  MinRidersToConfirm – occupancy needed before the session can be claimed.
//  PricePerSeat       – hold amount per rider in minor currency units.
//  Status             – lifecycle state.
//  RidersProfile      – one entry per rider, in booking order.
//  ClaimedAt          – set once when the session becomes CLAIMED.
//  CancelledAt        – set once when the session becomes CANCELLED.
//  CreatedAt          – creation timestamp.
type Session struct {
    OperatorID         string         `json:"operatorId"`
    SessionID          string         `json:"sessionId"`
    Title              string         `json:"title,omitempty"`
    StartsAt           *time.Time     `json:"startsAt,omitempty"`
    TotalSeats         int            `json:"totalSeats"`
    BookedSeats        int            `json:"bookedSeats"`
    MinRidersToConfirm int            `json:"minRidersToConfirm"`
    PricePerSeat       int64          `json:"pricePerSeat"`
    Status             SessionStatus  `json:"status"`
    RidersProfile      []RiderBooking `json:"ridersProfile"`
    ClaimedAt          *time.Time     `json:"claimedAt,omitempty"`
    CancelledAt        *time.Time     `json:"cancelledAt,omitempty"`
    CreatedAt          time.Time      `json:"createdAt"`
}

// RiderBooking is a single rider's seat within a session together with the
// escrow hold that pays for it.  It has no identity outside its session.
type RiderBooking struct {
    RiderID       string        `json:"riderId"`
    HoldID        string        `json:"holdId"`
    PaymentStatus PaymentStatus `json:"paymentStatus"`
}

// Rider returns the index of riderID in the riders profile, or -1.
func (s *Session) Rider(riderID string) int {
    for i := range s.RidersProfile {
        if s.RidersProfile[i].RiderID == riderID {
            return i
        }
    }
    return -1
}

// AuthorizedRiders returns the bookings whose hold has not been settled yet.
func (s *Session) AuthorizedRiders() []RiderBooking {
    out := make([]RiderBooking, 0, len(s.RidersProfile))
    for _, r := range s.RidersProfile {
        if r.PaymentStatus == PaymentAuthorized {
            out = append(out, r)
        }
    }
    return out
}

// Clone returns a deep copy so callers can mutate it without aliasing the
// riders slice or timestamps of the original.
func (s *Session) Clone() *Session {
    c := *s
    c.RidersProfile = append([]RiderBooking(nil), s.RidersProfile...)
    c.StartsAt = cloneTime(s.StartsAt)
    c.ClaimedAt = cloneTime(s.ClaimedAt)
    c.CancelledAt = cloneTime(s.CancelledAt)
    return &c
}

func cloneTime(t *time.Time) *time.Time {
    if t == nil {
        return nil
    }
    v := *t
    return &v
}

// SessionPatch is the partial write made at the end of a settlement run.
// Payments maps rider IDs to the status their hold reached; Status, when
// set, is the terminal status to apply with At as its timestamp.
type SessionPatch struct {
    Payments map[string]PaymentStatus
    Status   *SessionStatus
    At       time.Time
}
