// Package booking creates sessions and reserves seats in them.  Every seat
// reservation is a single store transaction, so concurrent riders can never
// push a session past its capacity.
package booking

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/iliyamo/session-escrow/internal/clock"
	"github.com/iliyamo/session-escrow/internal/escrow"
	"github.com/iliyamo/session-escrow/internal/lifecycle"
	"github.com/iliyamo/session-escrow/internal/model"
	"github.com/iliyamo/session-escrow/internal/queue"
	"github.com/iliyamo/session-escrow/internal/repository"
)

// EventPublisher receives the seat.reserved event after each committed
// reservation.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.Event) error
}

type Service struct {
	store    repository.SessionStore
	gateway  escrow.Gateway
	events   EventPublisher
	clock    clock.Clock
	currency string
}

const defaultCurrency = "usd"

type Option func(*Service)

// WithCurrency sets the currency used for holds created at checkout.
func WithCurrency(c string) Option {
	return func(s *Service) {
		if c != "" {
			s.currency = c
		}
	}
}

// WithPublisher enables domain events.
func WithPublisher(p EventPublisher) Option {
	return func(s *Service) {
		s.events = p
	}
}

func NewService(store repository.SessionStore, gateway escrow.Gateway, clk clock.Clock, opts ...Option) *Service {
	svc := &Service{
		store:    store,
		gateway:  gateway,
		clock:    clk,
		currency: defaultCurrency,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type CreateSessionInput struct {
	OperatorID         string
	SessionID          string
	Title              string
	StartsAt           *time.Time
	TotalSeats         int
	MinRidersToConfirm int
	PricePerSeat       int64
}

// CreateSession stores a new OPEN session with no riders.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (*model.Session, error) {
	sess := &model.Session{
		OperatorID:         in.OperatorID,
		SessionID:          in.SessionID,
		Title:              in.Title,
		StartsAt:           in.StartsAt,
		TotalSeats:         in.TotalSeats,
		MinRidersToConfirm: in.MinRidersToConfirm,
		PricePerSeat:       in.PricePerSeat,
		Status:             model.StatusOpen,
		RidersProfile:      []model.RiderBooking{},
		CreatedAt:          s.clock.Now(),
	}
	if err := repository.CheckSchema(sess); err != nil {
		e := model.Reject(model.KindInvalidArgument, in.OperatorID, in.SessionID, "")
		e.Err = err
		return nil, e
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, repository.DomainError(err, in.OperatorID, in.SessionID, "")
	}
	return sess, nil
}

// GetSession returns the current session document.
func (s *Service) GetSession(ctx context.Context, operatorID, sessionID string) (*model.Session, error) {
	if operatorID == "" || sessionID == "" {
		return nil, model.Reject(model.KindInvalidArgument, operatorID, sessionID, "")
	}
	sess, err := s.store.Get(ctx, operatorID, sessionID)
	if err != nil {
		return nil, repository.DomainError(err, operatorID, sessionID, "")
	}
	return sess, nil
}

// ReserveSeat books one seat for riderID paid by the already authorized
// hold holdID.  Checks run in a fixed order and the first failure wins:
// NOT_FOUND, NOT_BOOKABLE, SESSION_FULL, ALREADY_BOOKED.  The returned
// session is the committed post-state.
func (s *Service) ReserveSeat(ctx context.Context, operatorID, sessionID, riderID, holdID string) (*model.Session, error) {
	if operatorID == "" || sessionID == "" || riderID == "" || holdID == "" {
		return nil, model.Reject(model.KindInvalidArgument, operatorID, sessionID, riderID)
	}

	out, err := s.store.RunTransaction(ctx, operatorID, sessionID, func(cur *model.Session) error {
		return addRider(cur, riderID, holdID)
	})
	if err != nil {
		return nil, repository.DomainError(err, operatorID, sessionID, riderID)
	}

	ev := queue.NewEvent(queue.EventSeatReserved, operatorID, sessionID, string(out.Status), s.clock.Now())
	ev.RiderID = riderID
	ev.HoldID = holdID
	ev.BookedSeats = out.BookedSeats
	s.publish(ctx, ev)
	return out, nil
}

// addRider applies a seat reservation to cur in place.
func addRider(cur *model.Session, riderID, holdID string) error {
	next, kind := lifecycle.Apply(cur, lifecycle.SeatAdded)
	if kind != "" {
		return model.Reject(kind, cur.OperatorID, cur.SessionID, riderID)
	}
	if cur.Rider(riderID) >= 0 {
		return model.Reject(model.KindAlreadyBooked, cur.OperatorID, cur.SessionID, riderID)
	}
	cur.RidersProfile = append(cur.RidersProfile, model.RiderBooking{
		RiderID:       riderID,
		HoldID:        holdID,
		PaymentStatus: model.PaymentAuthorized,
	})
	cur.BookedSeats = len(cur.RidersProfile)
	cur.Status = next
	return nil
}

type CheckoutInput struct {
	OperatorID string
	SessionID  string
	RiderID    string
	CardToken  string
}

// Checkout authorizes a hold for the session's seat price on the rider's
// card and reserves the seat with it.  Sessions that would reject the rider
// are turned away before any hold is created.  If the reservation still
// fails, the new hold is released again.
func (s *Service) Checkout(ctx context.Context, in CheckoutInput) (*model.Session, error) {
	if in.OperatorID == "" || in.SessionID == "" || in.RiderID == "" || in.CardToken == "" {
		return nil, model.Reject(model.KindInvalidArgument, in.OperatorID, in.SessionID, in.RiderID)
	}

	cur, err := s.store.Get(ctx, in.OperatorID, in.SessionID)
	if err != nil {
		return nil, repository.DomainError(err, in.OperatorID, in.SessionID, in.RiderID)
	}
	if err := addRider(cur.Clone(), in.RiderID, "precheck"); err != nil {
		return nil, err
	}

	holdID, err := s.gateway.Create(escrow.WithCard(ctx, in.CardToken), cur.PricePerSeat, s.currency, escrow.Metadata{
		OperatorID: in.OperatorID,
		SessionID:  in.SessionID,
		RiderID:    in.RiderID,
	})
	if err != nil {
		return nil, fmt.Errorf("create hold: %w", err)
	}

	out, err := s.ReserveSeat(ctx, in.OperatorID, in.SessionID, in.RiderID, holdID)
	if err != nil {
		if cerr := s.gateway.Cancel(context.WithoutCancel(ctx), holdID); cerr != nil {
			log.Printf("booking: release hold %s after rejected reservation failed: %v", holdID, cerr)
		}
		return nil, err
	}
	return out, nil
}

func (s *Service) publish(ctx context.Context, ev queue.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		log.Printf("booking: publish %s for %s/%s failed: %v", ev.Type, ev.OperatorID, ev.SessionID, err)
	}
}
