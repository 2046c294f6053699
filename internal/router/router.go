package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4" // import the Echo web framework to handle routing

	"github.com/iliyamo/session-escrow/internal/handler"    // session and health handlers
	"github.com/iliyamo/session-escrow/internal/middleware" // JWT, role, rate limit and cache middleware
)

// sessionsPrefix is the collection path of an operator's sessions.
const sessionsPrefix = "/v1/operators/:operator_id/sessions"

// Deps bundles everything the routes need.  RateLimit and Cache may be nil
// when Redis is unavailable.
type Deps struct {
	Sessions  *handler.SessionHandler
	JWTSecret string
	RateLimit echo.MiddlewareFunc
	Cache     *middleware.ResponseCache
	DB        handler.Pinger
}

func (d Deps) limiter() []echo.MiddlewareFunc {
	if d.RateLimit == nil {
		return nil
	}
	return []echo.MiddlewareFunc{d.RateLimit}
}

// Register wires every route of the API.
func Register(e *echo.Echo, d Deps) {
	RegisterRoutes(e, d.DB)
	RegisterPublic(e, d)
	RegisterOperator(e, d)
	RegisterRider(e, d)
}

// RegisterRoutes registers routes that do not require authentication and are
// not rate limited.  Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo, db handler.Pinger) {
	e.GET("/healthz", handler.Health(db))
}

// RegisterPublic registers the unauthenticated session read.  Responses are
// cached in Redis and invalidated by every write to the session.
func RegisterPublic(e *echo.Echo, d Deps) {
	g := e.Group(sessionsPrefix, d.limiter()...)
	g.GET("/:session_id", d.Sessions.Get, d.Cache.Middleware())
}
