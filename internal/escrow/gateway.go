// Package escrow wraps the payment provider used to hold rider funds.  A
// hold is an authorized but uncaptured charge: it is created at checkout,
// captured when the operator claims the session and released when the
// session is cancelled.
package escrow

import (
	"context"
	"errors"
)

// Gateway creates, captures and releases holds identified by an opaque id.
type Gateway interface {
	Create(ctx context.Context, amount int64, currency string, metadata Metadata) (string, error)
	Capture(ctx context.Context, holdID string) error
	Cancel(ctx context.Context, holdID string) error
}

// Metadata is attached to every hold so provider-side records can be traced
// back to the session and rider.
type Metadata struct {
	OperatorID string
	SessionID  string
	RiderID    string
}

func (m Metadata) asMap() map[string]any {
	return map[string]any{
		"operator_id": m.OperatorID,
		"session_id":  m.SessionID,
		"rider_id":    m.RiderID,
	}
}

var (
	// ErrInvalidHold is returned for empty hold ids or non-positive amounts.
	ErrInvalidHold = errors.New("invalid hold")
	// ErrDeclined is returned when the provider refuses to authorize a hold.
	ErrDeclined = errors.New("hold declined")
)
