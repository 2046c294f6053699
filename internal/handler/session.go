package handler

import (
    "context"
    "net/http"
    "time"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/session-escrow/internal/booking"
    "github.com/iliyamo/session-escrow/internal/middleware"
    "github.com/iliyamo/session-escrow/internal/model"
    "github.com/iliyamo/session-escrow/internal/settlement"
)

// SessionHandler exposes session creation, booking and settlement over
// HTTP.  Operators address their sessions as
// /v1/operators/:operator_id/sessions/:session_id; riders are identified by
// the subject of their access token.
type SessionHandler struct {
    Booking    *booking.Service
    Settlement *settlement.Coordinator
    Cache      *middleware.ResponseCache // may be nil
    // SettlementTimeout bounds a claim or cancel request.  Zero means no
    // extra deadline.
    SettlementTimeout time.Duration
}

func NewSessionHandler(b *booking.Service, s *settlement.Coordinator, cache *middleware.ResponseCache, timeout time.Duration) *SessionHandler {
    if b == nil || s == nil {
        panic("nil service passed to NewSessionHandler")
    }
    return &SessionHandler{Booking: b, Settlement: s, Cache: cache, SettlementTimeout: timeout}
}

type createSessionRequest struct {
    SessionID          string     `json:"session_id"`
    Title              string     `json:"title"`
    StartsAt           *time.Time `json:"starts_at"`
    TotalSeats         int        `json:"total_seats"`
    MinRidersToConfirm int        `json:"min_riders_to_confirm"`
    PricePerSeat       int64      `json:"price_per_seat"`
}

type checkoutRequest struct {
    CardToken string `json:"card_token"`
}

type reserveRequest struct {
    HoldID string `json:"hold_id"`
}

type riderResult struct {
    RiderID       string              `json:"rider_id"`
    HoldID        string              `json:"hold_id"`
    PaymentStatus model.PaymentStatus `json:"payment_status"`
    Error         string              `json:"error,omitempty"`
}

type settlementResponse struct {
    Outcome    settlement.Outcome `json:"outcome"`
    Session    *model.Session     `json:"session"`
    Riders     []riderResult      `json:"riders"`
    Failed     []string           `json:"failed"`
    Unresolved []string           `json:"unresolved"`
}

// Create handles POST /v1/operators/:operator_id/sessions.
func (h *SessionHandler) Create(c echo.Context) error {
    var req createSessionRequest
    if err := c.Bind(&req); err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body", "code": string(model.KindInvalidArgument)})
    }
    s, err := h.Booking.CreateSession(c.Request().Context(), booking.CreateSessionInput{
        OperatorID:         c.Param("operator_id"),
        SessionID:          req.SessionID,
        Title:              req.Title,
        StartsAt:           req.StartsAt,
        TotalSeats:         req.TotalSeats,
        MinRidersToConfirm: req.MinRidersToConfirm,
        PricePerSeat:       req.PricePerSeat,
    })
    if err != nil {
        return writeError(c, err)
    }
    return c.JSON(http.StatusCreated, s)
}

// Get handles GET /v1/operators/:operator_id/sessions/:session_id.
func (h *SessionHandler) Get(c echo.Context) error {
    s, err := h.Booking.GetSession(c.Request().Context(), c.Param("operator_id"), c.Param("session_id"))
    if err != nil {
        return writeError(c, err)
    }
    return c.JSON(http.StatusOK, s)
}

// Checkout handles POST .../:session_id/checkout.  A hold is authorized on
// the rider's card and the seat reserved with it.
func (h *SessionHandler) Checkout(c echo.Context) error {
    var req checkoutRequest
    if err := c.Bind(&req); err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body", "code": string(model.KindInvalidArgument)})
    }
    op, sess := c.Param("operator_id"), c.Param("session_id")
    s, err := h.Booking.Checkout(c.Request().Context(), booking.CheckoutInput{
        OperatorID: op,
        SessionID:  sess,
        RiderID:    middleware.UserID(c),
        CardToken:  req.CardToken,
    })
    if err != nil {
        return writeError(c, err)
    }
    h.invalidate(c.Request().Context(), op, sess)
    return c.JSON(http.StatusCreated, s)
}

// Reserve handles POST .../:session_id/reservations for a hold the client
// already authorized with the provider.
func (h *SessionHandler) Reserve(c echo.Context) error {
    var req reserveRequest
    if err := c.Bind(&req); err != nil {
        return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body", "code": string(model.KindInvalidArgument)})
    }
    op, sess := c.Param("operator_id"), c.Param("session_id")
    s, err := h.Booking.ReserveSeat(c.Request().Context(), op, sess, middleware.UserID(c), req.HoldID)
    if err != nil {
        return writeError(c, err)
    }
    h.invalidate(c.Request().Context(), op, sess)
    return c.JSON(http.StatusCreated, s)
}

// Claim handles POST .../:session_id/claim.  A partial failure answers 502
// with the per-rider outcome so the operator can retry.
func (h *SessionHandler) Claim(c echo.Context) error {
    return h.settle(c, h.Settlement.Claim)
}

// Cancel handles POST .../:session_id/cancel.
func (h *SessionHandler) Cancel(c echo.Context) error {
    return h.settle(c, h.Settlement.Cancel)
}

func (h *SessionHandler) settle(c echo.Context, run func(context.Context, string, string) (*settlement.Result, error)) error {
    ctx := c.Request().Context()
    if h.SettlementTimeout > 0 {
        var cancel context.CancelFunc
        ctx, cancel = context.WithTimeout(ctx, h.SettlementTimeout)
        defer cancel()
    }
    op, sess := c.Param("operator_id"), c.Param("session_id")
    res, err := run(ctx, op, sess)
    if res != nil {
        h.invalidate(c.Request().Context(), op, sess)
    }
    if err != nil {
        status, body := errorBody(err)
        if res != nil {
            body["result"] = toSettlementResponse(res)
        }
        return c.JSON(status, body)
    }
    return c.JSON(http.StatusOK, toSettlementResponse(res))
}

func toSettlementResponse(res *settlement.Result) settlementResponse {
    out := settlementResponse{
        Outcome:    res.Outcome,
        Session:    res.Session,
        Riders:     make([]riderResult, 0, len(res.Riders)),
        Failed:     res.Failed,
        Unresolved: res.Unresolved,
    }
    if out.Failed == nil {
        out.Failed = []string{}
    }
    if out.Unresolved == nil {
        out.Unresolved = []string{}
    }
    for _, r := range res.Riders {
        rr := riderResult{RiderID: r.RiderID, HoldID: r.HoldID, PaymentStatus: r.PaymentStatus}
        if r.Err != nil {
            rr.Error = r.Err.Error()
        }
        out.Riders = append(out.Riders, rr)
    }
    return out
}

func (h *SessionHandler) invalidate(ctx context.Context, operatorID, sessionID string) {
    h.Cache.Invalidate(context.WithoutCancel(ctx), SessionPath(operatorID, sessionID))
}

// SessionPath is the URL path of a session resource.
func SessionPath(operatorID, sessionID string) string {
    return "/v1/operators/" + operatorID + "/sessions/" + sessionID
}
