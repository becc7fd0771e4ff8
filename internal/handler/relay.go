package handler

import (
	"io"
	"log/slog"

	"github.com/labstack/echo/v4"

	"relay-gateway-go/internal/service"
)

// RelayHandler is the second hop: it fetches the target named in q and
// returns the upstream response without interpreting it.
type RelayHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.ProxyService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle relays the request and streams the raw upstream response back.
func (h *RelayHandler) Handle(c echo.Context) error {
	pr, err := service.NewQueryRequest(c.Request())
	if err != nil {
		return respondError(c, h.logger, "relay", err)
	}

	resp, err := h.service.Relay(pr)
	if err != nil {
		return respondError(c, h.logger, "relay", err)
	}
	defer func() { _ = resp.Body.Close() }()

	writeHeader(c, resp.StatusCode, resp.Header)
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body", "err", err, "target_host", pr.Target.Host)
	}
	return nil
}
