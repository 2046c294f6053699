// Package queue defines the session events exchanged over the message broker,
// the publisher used by the booking and settlement services and the consumer
// that writes the settlement log.
package queue

import (
    "time"

    "github.com/google/uuid"
)

// EventType is used as the routing key on the events exchange.
type EventType string

const (
    EventSeatReserved        EventType = "seat.reserved"
    EventSessionClaimed      EventType = "session.claimed"
    EventSessionClaimPartial EventType = "session.claim_partial"
    EventSessionCancelled    EventType = "session.cancelled"
)

// Event is published after a committed reservation and after every
// settlement attempt.  Settlement events carry the riders whose holds were
// moved and the riders whose holds are still authorized, so a consumer can
// reconcile without reading the session store.
type Event struct {
    ID         string    `json:"id"`
    Type       EventType `json:"type"`
    OperatorID string    `json:"operator_id"`
    SessionID  string    `json:"session_id"`
    Status     string    `json:"status"`
    OccurredAt string    `json:"occurred_at"`

    // Set on seat.reserved.
    RiderID     string `json:"rider_id,omitempty"`
    HoldID      string `json:"hold_id,omitempty"`
    BookedSeats int    `json:"booked_seats,omitempty"`

    // Set on settlement events.  Failed riders were attempted in this run;
    // Unresolved also includes riders who booked while it was running.
    Settled    []string `json:"settled,omitempty"`
    Failed     []string `json:"failed,omitempty"`
    Unresolved []string `json:"unresolved,omitempty"`
}

// NewEvent stamps a fresh id and the occurrence time in RFC3339.
func NewEvent(t EventType, operatorID, sessionID, status string, at time.Time) Event {
    return Event{
        ID:         uuid.NewString(),
        Type:       t,
        OperatorID: operatorID,
        SessionID:  sessionID,
        Status:     status,
        OccurredAt: at.UTC().Format(time.RFC3339),
    }
}
