package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"relay-gateway-go/internal/config"
	"relay-gateway-go/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	service *service.ProxyService
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, svc *service.ProxyService, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, service: svc, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":    "ok",
		"version":   string(h.version),
		"mode":      h.service.Mode(),
		"relay_url": h.cfg.Upstream.RelayURL,
	})
}
