package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/session-escrow/internal/booking"
	"github.com/iliyamo/session-escrow/internal/clock"
	"github.com/iliyamo/session-escrow/internal/escrow"
	"github.com/iliyamo/session-escrow/internal/handler"
	"github.com/iliyamo/session-escrow/internal/middleware"
	"github.com/iliyamo/session-escrow/internal/model"
	"github.com/iliyamo/session-escrow/internal/repository"
	"github.com/iliyamo/session-escrow/internal/settlement"
	"github.com/iliyamo/session-escrow/internal/utils"
)

const secret = "test-secret"

// flakyGateway wraps the memory gateway and fails captures for listed holds.
type flakyGateway struct {
	*escrow.MemoryGateway
	failCapture map[string]bool
}

func (g *flakyGateway) Capture(ctx context.Context, holdID string) error {
	if g.failCapture[holdID] {
		return errors.New("capture unavailable")
	}
	return g.MemoryGateway.Capture(ctx, holdID)
}

func newServer(t *testing.T) (*echo.Echo, *flakyGateway) {
	t.Helper()
	store := repository.NewMemorySessionStore()
	gw := &flakyGateway{MemoryGateway: escrow.NewMemoryGateway(), failCapture: map[string]bool{}}
	clk := clock.NewFixed(time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC))
	h := handler.NewSessionHandler(
		booking.NewService(store, gw, clk),
		settlement.NewCoordinator(store, gw, clk),
		nil,
		5*time.Second,
	)
	e := echo.New()
	Register(e, Deps{Sessions: h, JWTSecret: secret})
	return e, gw
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	tok, err := utils.NewAccessToken(secret, sub, role, time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	return tok.Token
}

func do(t *testing.T, e *echo.Echo, method, path, bearer, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, out
}

func TestHealth(t *testing.T) {
	e, _ := newServer(t)
	rec, _ := do(t, e, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	e, gw := newServer(t)
	op := token(t, "op-1", middleware.RoleOperator)
	base := "/v1/operators/op-1/sessions"

	rec, _ := do(t, e, http.MethodPost, base, op, `{"session_id":"s-1","title":"Sunday ride","total_seats":3,"min_riders_to_confirm":2,"price_per_seat":1500}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d %s", rec.Code, rec.Body.String())
	}
	rec, body := do(t, e, http.MethodPost, base, op, `{"session_id":"s-1","total_seats":3,"min_riders_to_confirm":2,"price_per_seat":1500}`)
	if rec.Code != http.StatusConflict || body["code"] != string(model.KindAlreadyExists) {
		t.Fatalf("duplicate: expected 409 ALREADY_EXISTS, got %d %v", rec.Code, body)
	}

	for _, rider := range []string{"alice", "bob"} {
		rec, body = do(t, e, http.MethodPost, base+"/s-1/checkout", token(t, rider, middleware.RoleRider), `{"card_token":"tokn_test"}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("checkout %s: expected 201, got %d %s", rider, rec.Code, rec.Body.String())
		}
	}
	if body["status"] != string(model.StatusMinReached) || body["bookedSeats"] != float64(2) {
		t.Fatalf("expected MIN_REACHED with 2 seats, got %v", body)
	}

	rec, body = do(t, e, http.MethodPost, base+"/s-1/checkout", token(t, "alice", middleware.RoleRider), `{"card_token":"tokn_test"}`)
	if rec.Code != http.StatusConflict || body["code"] != string(model.KindAlreadyBooked) {
		t.Fatalf("rebook: expected 409 ALREADY_BOOKED, got %d %v", rec.Code, body)
	}

	rec, body = do(t, e, http.MethodGet, base+"/s-1", "", "")
	if rec.Code != http.StatusOK || body["sessionId"] != "s-1" {
		t.Fatalf("get: expected session, got %d %v", rec.Code, body)
	}
	riders := body["ridersProfile"].([]any)
	bobHold := riders[1].(map[string]any)["holdId"].(string)

	gw.failCapture[bobHold] = true
	rec, body = do(t, e, http.MethodPost, base+"/s-1/claim", op, "")
	if rec.Code != http.StatusBadGateway || body["code"] != string(model.KindPartialFailure) {
		t.Fatalf("claim: expected 502 PARTIAL_FAILURE, got %d %v", rec.Code, body)
	}
	if ids := body["rider_ids"].([]any); len(ids) != 1 || ids[0] != "bob" {
		t.Fatalf("expected bob unresolved, got %v", ids)
	}
	result := body["result"].(map[string]any)
	if result["outcome"] != string(settlement.PartialFailure) {
		t.Fatalf("unexpected result %v", result)
	}
	if failed := result["failed"].([]any); len(failed) != 1 || failed[0] != "bob" {
		t.Fatalf("expected bob failed, got %v", result["failed"])
	}

	delete(gw.failCapture, bobHold)
	rec, body = do(t, e, http.MethodPost, base+"/s-1/claim", op, "")
	if rec.Code != http.StatusOK || body["outcome"] != string(settlement.AllCaptured) {
		t.Fatalf("retry claim: expected 200 ALL_CAPTURED, got %d %v", rec.Code, body)
	}
	if h, _ := gw.Lookup(bobHold); h.State != escrow.HoldCaptured {
		t.Fatalf("expected bob's hold captured, got %s", h.State)
	}

	rec, body = do(t, e, http.MethodPost, base+"/s-1/cancel", op, "")
	if rec.Code != http.StatusConflict || body["code"] != string(model.KindAlreadyTerminal) {
		t.Fatalf("cancel claimed: expected 409 ALREADY_TERMINAL, got %d %v", rec.Code, body)
	}
	rec, body = do(t, e, http.MethodPost, base+"/s-1/checkout", token(t, "carol", middleware.RoleRider), `{"card_token":"tokn_test"}`)
	if rec.Code != http.StatusConflict || body["code"] != string(model.KindNotBookable) {
		t.Fatalf("book claimed: expected 409 NOT_BOOKABLE, got %d %v", rec.Code, body)
	}
}

func TestCancelOverHTTP(t *testing.T) {
	e, gw := newServer(t)
	op := token(t, "op-1", middleware.RoleOperator)
	base := "/v1/operators/op-1/sessions"
	if rec, _ := do(t, e, http.MethodPost, base, op, `{"session_id":"s-2","total_seats":4,"min_riders_to_confirm":3,"price_per_seat":900}`); rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	rec, body := do(t, e, http.MethodPost, base+"/s-2/checkout", token(t, "dan", middleware.RoleRider), `{"card_token":"tokn"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: %d %v", rec.Code, body)
	}
	hold := body["ridersProfile"].([]any)[0].(map[string]any)["holdId"].(string)

	rec, body = do(t, e, http.MethodPost, base+"/s-2/claim", op, "")
	if rec.Code != http.StatusConflict || body["code"] != string(model.KindNotReady) {
		t.Fatalf("claim early: expected 409 NOT_READY, got %d %v", rec.Code, body)
	}
	rec, body = do(t, e, http.MethodPost, base+"/s-2/cancel", op, "")
	if rec.Code != http.StatusOK || body["outcome"] != string(settlement.Cancelled) {
		t.Fatalf("cancel: expected 200 CANCELLED, got %d %v", rec.Code, body)
	}
	if h, _ := gw.Lookup(hold); h.State != escrow.HoldReleased {
		t.Fatalf("expected hold released, got %s", h.State)
	}
}

func TestReserveWithExistingHold(t *testing.T) {
	e, _ := newServer(t)
	op := token(t, "op-1", middleware.RoleOperator)
	base := "/v1/operators/op-1/sessions"
	if rec, _ := do(t, e, http.MethodPost, base, op, `{"session_id":"s-3","total_seats":1,"min_riders_to_confirm":1,"price_per_seat":100}`); rec.Code != http.StatusCreated {
		t.Fatalf("create: %d", rec.Code)
	}
	rider := token(t, "erin", middleware.RoleRider)
	rec, body := do(t, e, http.MethodPost, base+"/s-3/reservations", rider, `{"hold_id":""}`)
	if rec.Code != http.StatusBadRequest || body["code"] != string(model.KindInvalidArgument) {
		t.Fatalf("empty hold: expected 400, got %d %v", rec.Code, body)
	}
	if rec, _ = do(t, e, http.MethodPost, base+"/s-3/reservations", rider, `{"hold_id":"chrg_1"}`); rec.Code != http.StatusCreated {
		t.Fatalf("reserve: expected 201, got %d", rec.Code)
	}
	rec, body = do(t, e, http.MethodPost, base+"/s-3/reservations", token(t, "finn", middleware.RoleRider), `{"hold_id":"chrg_2"}`)
	if rec.Code != http.StatusConflict || body["code"] != string(model.KindSessionFull) {
		t.Fatalf("full: expected 409 SESSION_FULL, got %d %v", rec.Code, body)
	}
	rec, body = do(t, e, http.MethodGet, "/v1/operators/op-1/sessions/missing", "", "")
	if rec.Code != http.StatusNotFound || body["code"] != string(model.KindNotFound) {
		t.Fatalf("missing: expected 404, got %d %v", rec.Code, body)
	}
}

func TestAccessControl(t *testing.T) {
	e, _ := newServer(t)
	base := "/v1/operators/op-1/sessions"
	create := `{"session_id":"s-4","total_seats":2,"min_riders_to_confirm":1,"price_per_seat":100}`

	tests := []struct {
		name   string
		method string
		path   string
		bearer string
		want   int
	}{
		{"no token", http.MethodPost, base, "", http.StatusUnauthorized},
		{"garbage token", http.MethodPost, base, "abc", http.StatusUnauthorized},
		{"rider cannot create", http.MethodPost, base, token(t, "op-1", middleware.RoleRider), http.StatusForbidden},
		{"other operator", http.MethodPost, base, token(t, "op-2", middleware.RoleOperator), http.StatusForbidden},
		{"operator cannot checkout", http.MethodPost, base + "/s-4/checkout", token(t, "op-1", middleware.RoleOperator), http.StatusForbidden},
		{"other operator cannot claim", http.MethodPost, base + "/s-4/claim", token(t, "op-2", middleware.RoleOperator), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, e, tt.method, tt.path, tt.bearer, create)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}
