package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iliyamo/session-escrow/internal/clock"
	"github.com/iliyamo/session-escrow/internal/escrow"
	"github.com/iliyamo/session-escrow/internal/model"
	"github.com/iliyamo/session-escrow/internal/queue"
	"github.com/iliyamo/session-escrow/internal/repository"
)

var now = time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu        sync.Mutex
	created   []escrow.Metadata
	amounts   []int64
	cancelled []string
	createErr error
	onCreate  func()
}

func (g *fakeGateway) Create(ctx context.Context, amount int64, currency string, md escrow.Metadata) (string, error) {
	if g.onCreate != nil {
		g.onCreate()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	g.created = append(g.created, md)
	g.amounts = append(g.amounts, amount)
	return fmt.Sprintf("hold-%d", len(g.created)), nil
}

func (g *fakeGateway) Capture(ctx context.Context, holdID string) error { return nil }

func (g *fakeGateway) Cancel(ctx context.Context, holdID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, holdID)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []queue.Event
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, ev queue.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func newTestService(t *testing.T, total, min int) (*Service, *repository.MemorySessionStore, *fakeGateway, *fakePublisher) {
	t.Helper()
	store := repository.NewMemorySessionStore()
	gw := &fakeGateway{}
	pub := &fakePublisher{}
	svc := NewService(store, gw, clock.NewFixed(now), WithPublisher(pub), WithCurrency("thb"))
	if _, err := svc.CreateSession(context.Background(), CreateSessionInput{
		OperatorID:         "op-1",
		SessionID:          "s-1",
		Title:              "Thursday doubles",
		TotalSeats:         total,
		MinRidersToConfirm: min,
		PricePerSeat:       15000,
	}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return svc, store, gw, pub
}

func TestService_CreateSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates open session", func(t *testing.T) {
		svc := NewService(repository.NewMemorySessionStore(), &fakeGateway{}, clock.NewFixed(now))
		s, err := svc.CreateSession(ctx, CreateSessionInput{OperatorID: "op", SessionID: "s", TotalSeats: 4, MinRidersToConfirm: 2, PricePerSeat: 100})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if s.Status != model.StatusOpen || s.BookedSeats != 0 || !s.CreatedAt.Equal(now) {
			t.Fatalf("unexpected session %+v", s)
		}
		got, err := svc.GetSession(ctx, "op", "s")
		if err != nil || got.TotalSeats != 4 {
			t.Fatalf("expected stored session, got %+v %v", got, err)
		}
	})

	t.Run("duplicate key", func(t *testing.T) {
		svc, _, _, _ := newTestService(t, 3, 2)
		_, err := svc.CreateSession(ctx, CreateSessionInput{OperatorID: "op-1", SessionID: "s-1", TotalSeats: 3, MinRidersToConfirm: 1, PricePerSeat: 1})
		if !errors.Is(err, model.ErrAlreadyExists) {
			t.Fatalf("expected ALREADY_EXISTS, got %v", err)
		}
	})

	invalid := map[string]CreateSessionInput{
		"zero seats":       {OperatorID: "op", SessionID: "s", TotalSeats: 0, MinRidersToConfirm: 1, PricePerSeat: 1},
		"min above total":  {OperatorID: "op", SessionID: "s", TotalSeats: 2, MinRidersToConfirm: 3, PricePerSeat: 1},
		"min zero":         {OperatorID: "op", SessionID: "s", TotalSeats: 2, MinRidersToConfirm: 0, PricePerSeat: 1},
		"free seat":        {OperatorID: "op", SessionID: "s", TotalSeats: 2, MinRidersToConfirm: 1, PricePerSeat: 0},
		"missing operator": {SessionID: "s", TotalSeats: 2, MinRidersToConfirm: 1, PricePerSeat: 1},
	}
	for name, in := range invalid {
		t.Run(name, func(t *testing.T) {
			svc := NewService(repository.NewMemorySessionStore(), &fakeGateway{}, clock.NewFixed(now))
			if _, err := svc.CreateSession(ctx, in); !errors.Is(err, model.ErrInvalidArgument) {
				t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
			}
		})
	}
}

func TestService_ReserveSeat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("rejects empty ids", func(t *testing.T) {
		svc, _, _, _ := newTestService(t, 3, 2)
		cases := [][4]string{
			{"", "s-1", "a", "h"},
			{"op-1", "", "a", "h"},
			{"op-1", "s-1", "", "h"},
			{"op-1", "s-1", "a", ""},
		}
		for _, c := range cases {
			if _, err := svc.ReserveSeat(ctx, c[0], c[1], c[2], c[3]); model.KindOf(err) != model.KindInvalidArgument {
				t.Fatalf("%v: expected INVALID_ARGUMENT, got %v", c, err)
			}
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		svc, _, _, _ := newTestService(t, 3, 2)
		_, err := svc.ReserveSeat(ctx, "op-1", "missing", "a", "h")
		if !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("expected NOT_FOUND, got %v", err)
		}
		var e *model.Error
		if !errors.As(err, &e) || e.SessionID != "missing" || e.RiderID != "a" {
			t.Fatalf("expected session and rider in error, got %+v", e)
		}
	})

	t.Run("status follows seat counts", func(t *testing.T) {
		svc, _, _, pub := newTestService(t, 3, 2)
		want := []model.SessionStatus{model.StatusOpen, model.StatusMinReached, model.StatusFull}
		for i, rider := range []string{"a", "b", "c"} {
			s, err := svc.ReserveSeat(ctx, "op-1", "s-1", rider, "hold-"+rider)
			if err != nil {
				t.Fatalf("reserve %s: %v", rider, err)
			}
			if s.BookedSeats != i+1 || len(s.RidersProfile) != i+1 {
				t.Fatalf("expected %d seats, got %d/%d", i+1, s.BookedSeats, len(s.RidersProfile))
			}
			if s.Status != want[i] {
				t.Fatalf("after %s expected %s, got %s", rider, want[i], s.Status)
			}
			last := s.RidersProfile[i]
			if last.RiderID != rider || last.HoldID != "hold-"+rider || last.PaymentStatus != model.PaymentAuthorized {
				t.Fatalf("unexpected booking %+v", last)
			}
		}
		if _, err := svc.ReserveSeat(ctx, "op-1", "s-1", "d", "hold-d"); !errors.Is(err, model.ErrSessionFull) {
			t.Fatalf("expected SESSION_FULL, got %v", err)
		}
		if len(pub.events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(pub.events))
		}
		ev := pub.events[2]
		if ev.Type != queue.EventSeatReserved || ev.RiderID != "c" || ev.BookedSeats != 3 || ev.Status != "FULL" {
			t.Fatalf("unexpected event %+v", ev)
		}
	})

	t.Run("same rider twice", func(t *testing.T) {
		svc, _, _, _ := newTestService(t, 3, 2)
		if _, err := svc.ReserveSeat(ctx, "op-1", "s-1", "a", "h1"); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if _, err := svc.ReserveSeat(ctx, "op-1", "s-1", "b", "h2"); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		_, err := svc.ReserveSeat(ctx, "op-1", "s-1", "a", "h3")
		if !errors.Is(err, model.ErrAlreadyBooked) {
			t.Fatalf("expected ALREADY_BOOKED, got %v", err)
		}
		s, _ := svc.GetSession(ctx, "op-1", "s-1")
		if s.BookedSeats != 2 {
			t.Fatalf("expected rejected booking to leave 2 seats, got %d", s.BookedSeats)
		}
	})

	t.Run("full wins over already booked", func(t *testing.T) {
		svc, _, _, _ := newTestService(t, 1, 1)
		if _, err := svc.ReserveSeat(ctx, "op-1", "s-1", "a", "h1"); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if _, err := svc.ReserveSeat(ctx, "op-1", "s-1", "a", "h2"); !errors.Is(err, model.ErrSessionFull) {
			t.Fatalf("expected SESSION_FULL, got %v", err)
		}
	})

	t.Run("terminal session is not bookable", func(t *testing.T) {
		svc, store, _, _ := newTestService(t, 3, 2)
		if _, err := svc.ReserveSeat(ctx, "op-1", "s-1", "a", "h1"); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		cancelled := model.StatusCancelled
		if _, err := store.Update(ctx, "op-1", "s-1", model.SessionPatch{Status: &cancelled, At: now}); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		_, err := svc.ReserveSeat(ctx, "op-1", "s-1", "a", "h2")
		if !errors.Is(err, model.ErrNotBookable) {
			t.Fatalf("expected NOT_BOOKABLE ahead of ALREADY_BOOKED, got %v", err)
		}
		s, _ := svc.GetSession(ctx, "op-1", "s-1")
		if s.Status != model.StatusCancelled || s.BookedSeats != 1 {
			t.Fatalf("expected sticky CANCELLED with 1 seat, got %s %d", s.Status, s.BookedSeats)
		}
	})

	t.Run("malformed document", func(t *testing.T) {
		svc, store, _, _ := newTestService(t, 3, 2)
		store.PutRaw("op-1", "s-1", []byte(`{"operatorId":"op-1","sessionId":"s-1","totalSeats":-1}`))
		if _, err := svc.ReserveSeat(ctx, "op-1", "s-1", "a", "h"); !errors.Is(err, model.ErrMalformed) {
			t.Fatalf("expected MALFORMED_DOCUMENT, got %v", err)
		}
	})

	t.Run("publish failure does not fail the reservation", func(t *testing.T) {
		svc, _, _, pub := newTestService(t, 3, 2)
		pub.err = errors.New("broker down")
		if _, err := svc.ReserveSeat(ctx, "op-1", "s-1", "a", "h"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	})
}

func TestService_ReserveSeatConcurrent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	const riders, seats = 24, 5
	svc, _, _, _ := newTestService(t, seats, 2)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		full int
	)
	for i := 0; i < riders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.ReserveSeat(ctx, "op-1", "s-1", fmt.Sprintf("rider-%02d", i), fmt.Sprintf("hold-%02d", i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrSessionFull):
				full++
			default:
				t.Errorf("rider %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if ok != seats || full != riders-seats {
		t.Fatalf("expected %d commits and %d SESSION_FULL, got %d and %d", seats, riders-seats, ok, full)
	}
	s, err := svc.GetSession(ctx, "op-1", "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.BookedSeats != seats || len(s.RidersProfile) != seats || s.Status != model.StatusFull {
		t.Fatalf("expected FULL with %d riders, got %s %d/%d", seats, s.Status, s.BookedSeats, len(s.RidersProfile))
	}
}

func TestService_Checkout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates hold and reserves", func(t *testing.T) {
		svc, _, gw, _ := newTestService(t, 3, 2)
		s, err := svc.Checkout(ctx, CheckoutInput{OperatorID: "op-1", SessionID: "s-1", RiderID: "a", CardToken: "tokn_1"})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if s.RidersProfile[0].HoldID != "hold-1" {
			t.Fatalf("expected hold-1, got %s", s.RidersProfile[0].HoldID)
		}
		want := escrow.Metadata{OperatorID: "op-1", SessionID: "s-1", RiderID: "a"}
		if len(gw.created) != 1 || gw.created[0] != want || gw.amounts[0] != 15000 {
			t.Fatalf("unexpected holds %+v %v", gw.created, gw.amounts)
		}
	})

	t.Run("requires card token", func(t *testing.T) {
		svc, _, gw, _ := newTestService(t, 3, 2)
		_, err := svc.Checkout(ctx, CheckoutInput{OperatorID: "op-1", SessionID: "s-1", RiderID: "a"})
		if !errors.Is(err, model.ErrInvalidArgument) || len(gw.created) != 0 {
			t.Fatalf("expected INVALID_ARGUMENT without hold, got %v", err)
		}
	})

	t.Run("rejects before creating a hold", func(t *testing.T) {
		svc, _, gw, _ := newTestService(t, 1, 1)
		if _, err := svc.ReserveSeat(ctx, "op-1", "s-1", "a", "h1"); err != nil {
			t.Fatalf("reserve: %v", err)
		}
		_, err := svc.Checkout(ctx, CheckoutInput{OperatorID: "op-1", SessionID: "s-1", RiderID: "b", CardToken: "tokn"})
		if !errors.Is(err, model.ErrSessionFull) || len(gw.created) != 0 {
			t.Fatalf("expected SESSION_FULL without hold, got %v (%d holds)", err, len(gw.created))
		}
	})

	t.Run("declined card", func(t *testing.T) {
		svc, _, gw, _ := newTestService(t, 3, 2)
		gw.createErr = escrow.ErrDeclined
		_, err := svc.Checkout(ctx, CheckoutInput{OperatorID: "op-1", SessionID: "s-1", RiderID: "a", CardToken: "tokn"})
		if !errors.Is(err, escrow.ErrDeclined) {
			t.Fatalf("expected ErrDeclined, got %v", err)
		}
		s, _ := svc.GetSession(ctx, "op-1", "s-1")
		if s.BookedSeats != 0 {
			t.Fatalf("expected no seat booked, got %d", s.BookedSeats)
		}
	})

	t.Run("releases hold when seat is taken meanwhile", func(t *testing.T) {
		svc, _, gw, _ := newTestService(t, 1, 1)
		gw.onCreate = func() {
			gw.onCreate = nil
			if _, err := svc.ReserveSeat(ctx, "op-1", "s-1", "other", "hold-other"); err != nil {
				t.Errorf("concurrent reserve: %v", err)
			}
		}
		_, err := svc.Checkout(ctx, CheckoutInput{OperatorID: "op-1", SessionID: "s-1", RiderID: "a", CardToken: "tokn"})
		if !errors.Is(err, model.ErrSessionFull) {
			t.Fatalf("expected SESSION_FULL, got %v", err)
		}
		if len(gw.cancelled) != 1 || gw.cancelled[0] != "hold-1" {
			t.Fatalf("expected hold-1 released, got %v", gw.cancelled)
		}
	})
}
