package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"relay-gateway-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Duration covers the streamed response body.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			err := next(c)

			m.RequestsTotal.WithLabelValues(labels(c, err)...).Inc()
			m.RequestDuration.WithLabelValues(labels(c, err)...).Observe(time.Since(start).Seconds())

			return err
		}
	}
}

// labels returns method, status_code and route for the finished request.
// A returned error has not been written yet, so its status is taken from the
// error itself: *echo.HTTPError carries a code, anything else becomes 500.
func labels(c echo.Context, err error) []string {
	statusCode := c.Response().Status
	if err != nil && !c.Response().Committed {
		statusCode = http.StatusInternalServerError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			statusCode = he.Code
		}
	}
	return []string{
		metrics.NormalizeMethod(c.Request().Method),
		strconv.Itoa(statusCode),
		metrics.NormalizePath(c.Request().URL.Path),
	}
}
