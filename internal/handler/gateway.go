package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/labstack/echo/v4"

	"relay-gateway-go/internal/config"
	"relay-gateway-go/internal/media"
	"relay-gateway-go/internal/metrics"
	"relay-gateway-go/internal/rewrite"
	"relay-gateway-go/internal/service"
)

// GatewayHandler is the ingress: it fetches the target named in the request
// path and rewrites HTML responses so that every link routes back through it.
type GatewayHandler struct {
	service *service.ProxyService
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewGatewayHandler creates a GatewayHandler.
func NewGatewayHandler(svc *service.ProxyService, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		service: svc,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With("component", "gateway_handler"),
	}
}

// Handle fetches the target and streams the response back, rewriting
// Location and any HTML body.
func (h *GatewayHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr, err := service.NewGatewayRequest(req)
	if err != nil {
		return respondError(c, h.logger, "gateway", err)
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return respondError(c, h.logger, "gateway", err)
	}
	defer func() { _ = resp.Body.Close() }()

	rw := rewrite.New(rewrite.Context{ProxyOrigin: h.proxyOrigin(c), Base: pr.Target}, h.logger)

	if loc := resp.Header.Get("Location"); loc != "" {
		resp.Header.Set("Location", rw.Rewrite(loc, rewrite.KindURL))
	}
	if pr.Mode.Any() {
		media.Apply(resp.Header, pr.Mode, pr.Target)
	}

	var body io.Reader = resp.Body
	transform := !pr.Mode.Download && isHTML(resp.Header.Get("Content-Type")) && hasBody(req.Method, resp.StatusCode)
	if transform {
		decoded, err := rewrite.Decode(resp.Header.Get("Content-Encoding"), resp.Body)
		switch {
		case errors.Is(err, rewrite.ErrUnsupportedEncoding):
			h.logger.Debug("passing html through untransformed", "err", err, "target_host", pr.Target.Host)
			transform = false
		case err != nil:
			return respondError(c, h.logger, "gateway", err)
		default:
			defer func() { _ = decoded.Close() }()
			body = decoded
			resp.Header.Del("Content-Encoding")
			resp.Header.Del("Content-Length")
		}
	}

	writeHeader(c, resp.StatusCode, resp.Header)

	if !transform {
		if _, err := io.Copy(c.Response(), body); err != nil {
			h.logger.Error("streaming response body", "err", err, "target_host", pr.Target.Host)
		}
		return nil
	}

	// The status line is already sent; a failure here truncates the document.
	if err := rewrite.Transform(c.Response(), body, rw); err != nil {
		h.logger.Error("transforming html", "err", err, "target_host", pr.Target.Host)
	}
	h.recordStats(rw.Stats())
	return nil
}

// proxyOrigin is the prefix of every rewritten URL.
func (h *GatewayHandler) proxyOrigin(c echo.Context) string {
	if h.cfg.Server.PublicOrigin != "" {
		return h.cfg.Server.PublicOrigin
	}
	return c.Scheme() + "://" + c.Request().Host
}

func (h *GatewayHandler) recordStats(s rewrite.Stats) {
	if h.metrics == nil {
		return
	}
	h.metrics.RewrittenAttributes.Add(float64(s.Rewritten))
	h.metrics.RewriteFailures.Add(float64(s.Failed))
}

func isHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return strings.EqualFold(mt, "text/html")
}
