// Package settlement captures or releases the escrow holds of a session.
//
// A settlement run reads the session, calls the gateway once per rider whose
// hold is still AUTHORIZED and writes the per-rider outcome back in a single
// patch.  Gateway failures never abort the run: every rider is attempted and
// the failures are reported together, so calling Claim or Cancel again only
// touches the riders that are still unresolved.
package settlement

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/session-escrow/internal/clock"
	"github.com/iliyamo/session-escrow/internal/escrow"
	"github.com/iliyamo/session-escrow/internal/lifecycle"
	"github.com/iliyamo/session-escrow/internal/model"
	"github.com/iliyamo/session-escrow/internal/queue"
	"github.com/iliyamo/session-escrow/internal/repository"
)

// EventPublisher receives one event per settlement run.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.Event) error
}

// Outcome summarises a settlement run.
type Outcome string

const (
	AllCaptured    Outcome = "ALL_CAPTURED"
	PartialFailure Outcome = "PARTIAL_FAILURE"
	Cancelled      Outcome = "CANCELLED"
)

// RiderResult is the outcome of one gateway call.  PaymentStatus is the
// status the rider's hold reached; it stays AUTHORIZED when Err is set.
type RiderResult struct {
	RiderID       string
	HoldID        string
	PaymentStatus model.PaymentStatus
	Err           error
}

// Result is returned by Claim and Cancel.  Riders lists only the riders
// attempted in this run and Failed those of them whose gateway call failed.
// Unresolved lists every rider whose hold is still AUTHORIZED in the
// persisted session, which also covers riders who booked while the run was
// in flight and were never attempted.
type Result struct {
	Outcome    Outcome
	Session    *model.Session
	Riders     []RiderResult
	Failed     []string
	Unresolved []string
}

type Coordinator struct {
	store       repository.SessionStore
	gateway     escrow.Gateway
	events      EventPublisher
	clock       clock.Clock
	concurrency int
}

const defaultConcurrency = 4

type Option func(*Coordinator)

// WithConcurrency bounds the number of gateway calls in flight per run.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithPublisher enables settlement events.
func WithPublisher(p EventPublisher) Option {
	return func(c *Coordinator) {
		c.events = p
	}
}

func NewCoordinator(store repository.SessionStore, gateway escrow.Gateway, clk clock.Clock, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		gateway:     gateway,
		clock:       clk,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Claim captures every AUTHORIZED hold of a session that reached its
// minimum occupancy.  The session becomes CLAIMED only when no hold is left
// AUTHORIZED; otherwise the captured riders are persisted, the status is
// left as it was and a PARTIAL_FAILURE error naming the unresolved riders
// is returned together with the result.
func (c *Coordinator) Claim(ctx context.Context, operatorID, sessionID string) (*Result, error) {
	cur, err := c.load(ctx, operatorID, sessionID, lifecycle.ClaimRequested)
	if err != nil {
		return nil, err
	}

	riders := c.settle(ctx, cur.AuthorizedRiders(), c.gateway.Capture, model.PaymentCaptured)
	patch := model.SessionPatch{Payments: payments(riders), At: c.clock.Now()}
	if len(failedIDs(riders)) == 0 {
		claimed := model.StatusClaimed
		patch.Status = &claimed
	}

	out, err := c.store.Update(context.WithoutCancel(ctx), operatorID, sessionID, patch)
	if err != nil {
		log.Printf("settlement: persisting claim of %s/%s failed: %v", operatorID, sessionID, err)
		return nil, repository.DomainError(err, operatorID, sessionID, "")
	}

	res := &Result{Session: out, Riders: riders, Failed: failedIDs(riders), Unresolved: unresolved(out)}
	switch out.Status {
	case model.StatusClaimed:
		res.Outcome = AllCaptured
		c.publish(ctx, queue.EventSessionClaimed, res)
		return res, nil
	case model.StatusCancelled:
		log.Printf("settlement: %s/%s was cancelled during claim; %d holds captured", operatorID, sessionID, len(riders)-len(res.Failed))
		res.Outcome = PartialFailure
		c.publish(ctx, queue.EventSessionClaimPartial, res)
		return res, model.Reject(model.KindAlreadyTerminal, operatorID, sessionID, "")
	}

	res.Outcome = PartialFailure
	c.publish(ctx, queue.EventSessionClaimPartial, res)
	return res, &model.Error{
		Kind:       model.KindPartialFailure,
		OperatorID: operatorID,
		SessionID:  sessionID,
		RiderIDs:   res.Unresolved,
	}
}

// Cancel releases every AUTHORIZED hold and marks the session CANCELLED
// once all riders were attempted, whether or not the releases succeeded.
// Riders whose release failed stay AUTHORIZED and are listed in
// Result.Unresolved for reconciliation.
func (c *Coordinator) Cancel(ctx context.Context, operatorID, sessionID string) (*Result, error) {
	cur, err := c.load(ctx, operatorID, sessionID, lifecycle.CancelRequested)
	if err != nil {
		return nil, err
	}

	riders := c.settle(ctx, cur.AuthorizedRiders(), c.gateway.Cancel, model.PaymentCancelled)
	cancelled := model.StatusCancelled
	patch := model.SessionPatch{Payments: payments(riders), Status: &cancelled, At: c.clock.Now()}

	out, err := c.store.Update(context.WithoutCancel(ctx), operatorID, sessionID, patch)
	if err != nil {
		log.Printf("settlement: persisting cancel of %s/%s failed: %v", operatorID, sessionID, err)
		return nil, repository.DomainError(err, operatorID, sessionID, "")
	}

	res := &Result{Outcome: Cancelled, Session: out, Riders: riders, Failed: failedIDs(riders), Unresolved: unresolved(out)}
	if out.Status != model.StatusCancelled {
		log.Printf("settlement: %s/%s reached %s before cancel was written", operatorID, sessionID, out.Status)
		return res, model.Reject(model.KindAlreadyTerminal, operatorID, sessionID, "")
	}
	if len(res.Unresolved) > 0 {
		log.Printf("settlement: %s/%s cancelled with %d unreleased holds: %v", operatorID, sessionID, len(res.Unresolved), res.Unresolved)
	}
	c.publish(ctx, queue.EventSessionCancelled, res)
	return res, nil
}

// load reads the session and checks that t may be applied to it.
func (c *Coordinator) load(ctx context.Context, operatorID, sessionID string, t lifecycle.Transition) (*model.Session, error) {
	if operatorID == "" || sessionID == "" {
		return nil, model.Reject(model.KindInvalidArgument, operatorID, sessionID, "")
	}
	cur, err := c.store.Get(ctx, operatorID, sessionID)
	if err != nil {
		return nil, repository.DomainError(err, operatorID, sessionID, "")
	}
	if _, kind := lifecycle.Apply(cur, t); kind != "" {
		return nil, model.Reject(kind, operatorID, sessionID, "")
	}
	return cur, nil
}

// settle runs op for every rider with at most c.concurrency calls in
// flight.  Tasks never return an error to the group so one failed hold
// does not stop the others.
func (c *Coordinator) settle(ctx context.Context, riders []model.RiderBooking, op func(context.Context, string) error, to model.PaymentStatus) []RiderResult {
	results := make([]RiderResult, len(riders))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, r := range riders {
		i, r := i, r
		g.Go(func() error {
			res := RiderResult{RiderID: r.RiderID, HoldID: r.HoldID, PaymentStatus: to}
			if err := op(ctx, r.HoldID); err != nil {
				log.Printf("settlement: hold %s of rider %s not moved to %s: %v", r.HoldID, r.RiderID, to, err)
				res.PaymentStatus = model.PaymentAuthorized
				res.Err = err
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func payments(riders []RiderResult) map[string]model.PaymentStatus {
	out := make(map[string]model.PaymentStatus, len(riders))
	for _, r := range riders {
		if r.Err == nil {
			out[r.RiderID] = r.PaymentStatus
		}
	}
	return out
}

func failedIDs(riders []RiderResult) []string {
	var ids []string
	for _, r := range riders {
		if r.Err != nil {
			ids = append(ids, r.RiderID)
		}
	}
	return ids
}

func unresolved(s *model.Session) []string {
	var ids []string
	for _, r := range s.AuthorizedRiders() {
		ids = append(ids, r.RiderID)
	}
	return ids
}

func (c *Coordinator) publish(ctx context.Context, t queue.EventType, res *Result) {
	if c.events == nil {
		return
	}
	s := res.Session
	ev := queue.NewEvent(t, s.OperatorID, s.SessionID, string(s.Status), c.clock.Now())
	for _, r := range res.Riders {
		if r.Err == nil {
			ev.Settled = append(ev.Settled, r.RiderID)
		}
	}
	ev.Failed = res.Failed
	ev.Unresolved = res.Unresolved
	if err := c.events.Publish(ctx, ev); err != nil {
		log.Printf("settlement: publish %s for %s/%s failed: %v", t, s.OperatorID, s.SessionID, err)
	}
}
