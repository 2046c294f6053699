package handler

import (
    "errors"
    "log"
    "net/http"

    "github.com/labstack/echo/v4"

    "github.com/iliyamo/session-escrow/internal/escrow"
    "github.com/iliyamo/session-escrow/internal/model"
    "github.com/iliyamo/session-escrow/internal/repository"
)

// statusForKind maps a rejection kind to its HTTP status.
var statusForKind = map[model.Kind]int{
    model.KindInvalidArgument: http.StatusBadRequest,
    model.KindNotFound:        http.StatusNotFound,
    model.KindAlreadyExists:   http.StatusConflict,
    model.KindNotBookable:     http.StatusConflict,
    model.KindSessionFull:     http.StatusConflict,
    model.KindAlreadyBooked:   http.StatusConflict,
    model.KindNotReady:        http.StatusConflict,
    model.KindAlreadyTerminal: http.StatusConflict,
    model.KindPartialFailure:  http.StatusBadGateway,
    model.KindMalformed:       http.StatusInternalServerError,
}

// errorBody builds the JSON error payload and status for err.  Domain
// errors expose their kind as "code"; infrastructure errors are logged and
// reported generically.
func errorBody(err error) (int, echo.Map) {
    var e *model.Error
    if errors.As(err, &e) {
        status, ok := statusForKind[e.Kind]
        if !ok {
            status = http.StatusInternalServerError
        }
        body := echo.Map{"error": err.Error(), "code": string(e.Kind)}
        if len(e.RiderIDs) > 0 {
            body["rider_ids"] = e.RiderIDs
        }
        if e.Kind == model.KindMalformed {
            log.Printf("handler: %v", err)
            body["error"] = "stored session is malformed"
        }
        return status, body
    }
    switch {
    case errors.Is(err, escrow.ErrDeclined):
        return http.StatusPaymentRequired, echo.Map{"error": err.Error(), "code": "PAYMENT_DECLINED"}
    case errors.Is(err, escrow.ErrInvalidHold):
        return http.StatusBadRequest, echo.Map{"error": err.Error(), "code": string(model.KindInvalidArgument)}
    case errors.Is(err, repository.ErrConflict):
        log.Printf("handler: %v", err)
        return http.StatusServiceUnavailable, echo.Map{"error": "session is busy, retry later", "code": "CONFLICT"}
    }
    log.Printf("handler: %v", err)
    return http.StatusInternalServerError, echo.Map{"error": "internal error", "code": "INTERNAL"}
}

func writeError(c echo.Context, err error) error {
    status, body := errorBody(err)
    return c.JSON(status, body)
}
