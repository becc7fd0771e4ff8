package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimit returns a per-client-IP token bucket limiter. Rejected requests
// get a plain-text 429.
func RateLimit(requestsPerSecond float64) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(requestsPerSecond))
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.String(http.StatusTooManyRequests, "gateway: rate limit exceeded")
		},
		ErrorHandler: func(c echo.Context, _ error) error {
			return c.String(http.StatusForbidden, "gateway: client not identified")
		},
	})
}
