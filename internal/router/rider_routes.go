package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/session-escrow/internal/middleware"
)

// RegisterRider registers RIDER-scoped endpoints.  The rider booking a seat
// is always the subject of the access token.
func RegisterRider(e *echo.Echo, d Deps) {
	mw := append([]echo.MiddlewareFunc{
		middleware.JWTAuth(d.JWTSecret),
		middleware.RequireRole(middleware.RoleRider),
	}, d.limiter()...)
	g := e.Group(sessionsPrefix, mw...)

	g.POST("/:session_id/checkout", d.Sessions.Checkout)
	g.POST("/:session_id/reservations", d.Sessions.Reserve)
}
