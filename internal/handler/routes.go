package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Every path that is not a fixed route names a gateway target.
func RegisterRoutes(e *echo.Echo, gateway *GatewayHandler, relay *RelayHandler, media *MediaHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.Any("/relay", relay.Handle)
	e.Any("/media", media.Handle)
	e.Any("/*", gateway.Handle)
}
