package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"relay-gateway-go/internal/client"
	"relay-gateway-go/internal/service"
)

// respondError maps err onto a plain-text response whose body starts with
// prefix. Client errors never reach the upstream; transport failures are 502;
// anything else is 500 with the error message.
func respondError(c echo.Context, logger *slog.Logger, prefix string, err error) error {
	path := c.Request().URL.Path

	switch {
	case errors.Is(err, service.ErrMissingTarget):
		logger.Debug("rejected request", "err", err, "path", path)
		return c.String(http.StatusBadRequest, prefix+": no target specified")
	case errors.Is(err, service.ErrInvalidTarget):
		logger.Debug("rejected request", "err", err, "path", path)
		return c.String(http.StatusBadRequest, prefix+": invalid target URL")
	case errors.Is(err, client.ErrBuildRequest):
		logger.Error("building upstream request", "err", err, "path", path)
		return c.String(http.StatusInternalServerError, prefix+": "+err.Error())
	case isTransportError(err):
		logger.Error("upstream unreachable", "err", err, "path", path)
		return c.String(http.StatusBadGateway, prefix+": upstream unreachable: "+err.Error())
	default:
		logger.Error("unexpected error", "err", err, "path", path)
		return c.String(http.StatusInternalServerError, prefix+": "+err.Error())
	}
}

func isTransportError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// writeHeader copies src into the response headers and sends the status line.
func writeHeader(c echo.Context, status int, src http.Header) {
	dst := c.Response().Header()
	for key, vals := range src {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}
	c.Response().WriteHeader(status)
}

// hasBody reports whether a response to method with status carries a body.
func hasBody(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}
