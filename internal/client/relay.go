// Package client provides the outbound HTTP client used by every relay hop.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"relay-gateway-go/internal/config"
	"relay-gateway-go/internal/metrics"
	"relay-gateway-go/internal/model"
)

// ErrBuildRequest wraps failures to construct the outbound request. They are
// not transport failures.
var ErrBuildRequest = errors.New("build upstream request")

// RelayClient performs exactly one outbound request per call. It never
// follows redirects and never retries.
type RelayClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewRelayClient creates a RelayClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewRelayClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.ResponseHeaderTimeoutSeconds) * time.Second,
		// Bodies are relayed with their original Content-Encoding.
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &RelayClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "relay_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// A non-2xx status is not an error. The caller is responsible for closing the
// response body.
func (c *RelayClient) Do(req *http.Request) (*model.RelayResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via RelayResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.UpstreamErrors.WithLabelValues(method).Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.RelayResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream sends method to rawURL with the given headers and streamed body.
// A Host entry in header is moved to the request's Host field, which is what
// the transport puts on the wire. The context controls the lifetime of the
// upstream request, including reading its body.
func (c *RelayClient) DoStream(ctx context.Context, method, rawURL string, header http.Header, body io.Reader) (*model.RelayResponse, error) {
	if body == http.NoBody {
		body = nil
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBuildRequest, err)
	}

	req.Header = header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
	}
	req.Header.Del("Host")
	if cl := req.Header.Get("Content-Length"); cl != "" && body != nil {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			req.ContentLength = n
		}
	}
	// An absent User-Agent must stay absent rather than become Go's default.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header["User-Agent"] = []string{""}
	}

	return c.Do(req)
}
