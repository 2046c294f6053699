package router // router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/session-escrow/internal/middleware" // JWT + role middlewares
)

// RegisterOperator registers OPERATOR-scoped endpoints.  All routes require a
// valid JWT with the OPERATOR role whose subject matches :operator_id, so an
// operator can only create and settle its own sessions.
func RegisterOperator(e *echo.Echo, d Deps) {
	mw := append([]echo.MiddlewareFunc{
		middleware.JWTAuth(d.JWTSecret),
		middleware.RequireRole(middleware.RoleOperator),
	}, d.limiter()...)
	g := e.Group(sessionsPrefix, mw...)
	owner := middleware.RequireOwner("operator_id")

	g.POST("", d.Sessions.Create, owner)
	g.POST("/:session_id/claim", d.Sessions.Claim, owner)
	g.POST("/:session_id/cancel", d.Sessions.Cancel, owner)
}
