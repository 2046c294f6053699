package middleware

// identity.go holds the context keys set by JWTAuth and the helpers that
// read them back.

import "github.com/labstack/echo/v4"

const (
    userIDKey = "user_id"
    roleKey   = "role"
)

// Roles carried in the "role" claim.
const (
    RoleOperator = "OPERATOR"
    RoleRider    = "RIDER"
)

// UserID returns the authenticated subject, or "" for anonymous requests.
func UserID(c echo.Context) string {
    if v, ok := c.Get(userIDKey).(string); ok {
        return v
    }
    return ""
}

// Role returns the authenticated role, or "".
func Role(c echo.Context) string {
    if v, ok := c.Get(roleKey).(string); ok {
        return v
    }
    return ""
}
