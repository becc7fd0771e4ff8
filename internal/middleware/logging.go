// Package middleware provides Echo middleware for logging, metrics and
// hop-by-hop header handling.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"relay-gateway-go/internal/metrics"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Responses with a 5xx status are logged at warn level.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if res.Status >= 500 {
				level = slog.LevelWarn
			}

			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"route", metrics.NormalizePath(req.URL.Path),
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
