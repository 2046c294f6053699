package repository

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "math/rand"
    "time"

    "github.com/iliyamo/session-escrow/internal/lifecycle"
    "github.com/iliyamo/session-escrow/internal/model"
)

// TxFunc mutates the current session in place.  Returning an error aborts
// the transaction without writing; the error is returned unchanged.
type TxFunc func(s *model.Session) error

// SessionStore is the transactional document store behind booking and
// settlement.  Implementations guarantee that RunTransaction applies fn to
// the latest committed version of the document and retries on write
// conflicts, so two transactions on the same key never interleave.
type SessionStore interface {
    Create(ctx context.Context, s *model.Session) error
    Get(ctx context.Context, operatorID, sessionID string) (*model.Session, error)
    RunTransaction(ctx context.Context, operatorID, sessionID string, fn TxFunc) (*model.Session, error)
    Update(ctx context.Context, operatorID, sessionID string, p model.SessionPatch) (*model.Session, error)
}

const defaultMaxAttempts = 20

type storeOptions struct {
    maxAttempts int
}

// StoreOption configures a session store.
type StoreOption func(*storeOptions)

// WithMaxAttempts bounds how many times a transaction is retried on conflict.
func WithMaxAttempts(n int) StoreOption {
    return func(o *storeOptions) {
        if n > 0 {
            o.maxAttempts = n
        }
    }
}

func buildOptions(opts []StoreOption) storeOptions {
    o := storeOptions{maxAttempts: defaultMaxAttempts}
    for _, opt := range opts {
        opt(&o)
    }
    return o
}

// withRetry runs fn until it returns something other than ErrConflict, the
// attempt budget runs out or ctx is done.  A short jittered pause between
// attempts spreads out writers that collided.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
    var err error
    for i := 0; i < attempts; i++ {
        if err = fn(); !errors.Is(err, ErrConflict) {
            return err
        }
        pause := time.Duration(i+1)*time.Millisecond + time.Duration(rand.Intn(1000))*time.Microsecond
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(pause):
        }
    }
    return fmt.Errorf("%w: gave up after %d attempts", err, attempts)
}

// CheckSchema validates the structural invariants of a session document:
// seat bounds, rider uniqueness, known enums and a status consistent with
// the seat counts while the session is not final.
func CheckSchema(s *model.Session) error {
    switch {
    case s.OperatorID == "" || s.SessionID == "":
        return errors.New("operatorId and sessionId are required")
    case s.TotalSeats <= 0:
        return errors.New("totalSeats must be positive")
    case s.MinRidersToConfirm <= 0 || s.MinRidersToConfirm > s.TotalSeats:
        return errors.New("minRidersToConfirm must be between 1 and totalSeats")
    case s.PricePerSeat <= 0:
        return errors.New("pricePerSeat must be positive")
    case s.BookedSeats < 0 || s.BookedSeats > s.TotalSeats:
        return errors.New("bookedSeats out of range")
    case s.BookedSeats != len(s.RidersProfile):
        return fmt.Errorf("bookedSeats=%d does not match %d riders", s.BookedSeats, len(s.RidersProfile))
    case !s.Status.Valid():
        return fmt.Errorf("unknown status %q", s.Status)
    }
    seen := make(map[string]struct{}, len(s.RidersProfile))
    for _, r := range s.RidersProfile {
        if r.RiderID == "" || r.HoldID == "" {
            return errors.New("rider booking requires riderId and holdId")
        }
        if !r.PaymentStatus.Valid() {
            return fmt.Errorf("rider %s has unknown payment status %q", r.RiderID, r.PaymentStatus)
        }
        if _, dup := seen[r.RiderID]; dup {
            return fmt.Errorf("rider %s appears twice", r.RiderID)
        }
        seen[r.RiderID] = struct{}{}
    }
    if !lifecycle.IsFinal(s.Status) {
        if want := lifecycle.NextStatus(s.BookedSeats, s.TotalSeats, s.MinRidersToConfirm); s.Status != want {
            return fmt.Errorf("status %s inconsistent with seat counts (want %s)", s.Status, want)
        }
    }
    return nil
}

// decodeSession parses a stored document strictly.  Unknown fields, schema
// violations and a key that differs from the row key are all reported as
// ErrMalformedSession.
func decodeSession(raw []byte, operatorID, sessionID string) (*model.Session, error) {
    dec := json.NewDecoder(bytes.NewReader(raw))
    dec.DisallowUnknownFields()
    var s model.Session
    if err := dec.Decode(&s); err != nil {
        return nil, fmt.Errorf("%w: %v", ErrMalformedSession, err)
    }
    if s.OperatorID != operatorID || s.SessionID != sessionID {
        return nil, fmt.Errorf("%w: key mismatch", ErrMalformedSession)
    }
    if s.RidersProfile == nil {
        s.RidersProfile = []model.RiderBooking{}
    }
    if err := CheckSchema(&s); err != nil {
        return nil, fmt.Errorf("%w: %v", ErrMalformedSession, err)
    }
    return &s, nil
}

// encodeSession validates s before it is written so a buggy TxFunc can never
// persist a document that later reads would reject.
func encodeSession(s *model.Session) ([]byte, error) {
    if err := CheckSchema(s); err != nil {
        return nil, fmt.Errorf("%w: %v", ErrMalformedSession, err)
    }
    return json.Marshal(s)
}

// applyPatch merges a settlement outcome into the latest document.  Payment
// statuses only move away from AUTHORIZED, and a terminal status is only
// applied when the session is not already final.  CLAIMED additionally
// requires that no hold is left AUTHORIZED after the merge, which covers
// riders that booked after the settlement run read the session.
func applyPatch(s *model.Session, p model.SessionPatch) {
    for riderID, st := range p.Payments {
        i := s.Rider(riderID)
        if i < 0 || st == model.PaymentAuthorized {
            continue
        }
        if s.RidersProfile[i].PaymentStatus == model.PaymentAuthorized {
            s.RidersProfile[i].PaymentStatus = st
        }
    }
    if p.Status == nil || lifecycle.IsFinal(s.Status) {
        return
    }
    at := p.At.UTC()
    switch *p.Status {
    case model.StatusClaimed:
        if len(s.AuthorizedRiders()) > 0 {
            return
        }
        s.Status = model.StatusClaimed
        s.ClaimedAt = &at
    case model.StatusCancelled:
        s.Status = model.StatusCancelled
        s.CancelledAt = &at
    }
}
