package middleware

import (
	"github.com/labstack/echo/v4"

	"relay-gateway-go/internal/policy"
)

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from the inbound request before any handler sees them.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			policy.StripHopByHop(c.Request().Header)
			return next(c)
		}
	}
}
