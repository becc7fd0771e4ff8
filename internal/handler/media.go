package handler

import (
	"io"
	"log/slog"

	"github.com/labstack/echo/v4"

	"relay-gateway-go/internal/media"
	"relay-gateway-go/internal/service"
)

// MediaHandler relays a single media resource with caller-chosen
// content type and disposition. HTML is never rewritten here.
type MediaHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewMediaHandler creates a MediaHandler.
func NewMediaHandler(svc *service.ProxyService, logger *slog.Logger) *MediaHandler {
	return &MediaHandler{
		service: svc,
		logger:  logger.With("component", "media_handler"),
	}
}

// Handle fetches the target named in q and streams it back with the
// disposition built from the download, format and filename flags.
func (h *MediaHandler) Handle(c echo.Context) error {
	pr, err := service.NewQueryRequest(c.Request())
	if err != nil {
		return respondError(c, h.logger, "media", err)
	}

	resp, err := h.service.Fetch(pr)
	if err != nil {
		return respondError(c, h.logger, "media", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var body io.Reader = resp.Body
	if pr.Mode.Format == "" && resp.Header.Get("Content-Encoding") == "" && hasBody(pr.Method, resp.StatusCode) {
		body = media.Sniff(resp.Header, resp.Body)
	}
	media.Apply(resp.Header, pr.Mode, pr.Target)

	writeHeader(c, resp.StatusCode, resp.Header)
	if _, err := io.Copy(c.Response(), body); err != nil {
		h.logger.Error("streaming media body", "err", err, "target_host", pr.Target.Host)
	}
	return nil
}
