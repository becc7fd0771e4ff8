// Package service implements request parsing and the forwarding logic of
// each relay stage.
package service

import (
	"fmt"
	"log/slog"
	"net/url"

	"relay-gateway-go/internal/client"
	"relay-gateway-go/internal/config"
	"relay-gateway-go/internal/model"
	"relay-gateway-go/internal/policy"
)

// ProxyService sends parsed requests to their targets, either directly or via
// a second-hop relay.
type ProxyService struct {
	client   *client.RelayClient
	logger   *slog.Logger
	relayURL *url.URL // nil in direct mode
}

// NewProxyService creates a ProxyService. A configured relay_url switches the
// gateway to two-hop mode.
func NewProxyService(c *client.RelayClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	s := &ProxyService{
		client: c,
		logger: logger.With("component", "proxy_service"),
	}
	if cfg.Upstream.TwoHop() {
		u, err := url.Parse(cfg.Upstream.RelayURL)
		if err != nil {
			return nil, fmt.Errorf("parse upstream relay_url: %w", err)
		}
		s.relayURL = u
	}
	return s, nil
}

// Mode returns "two-hop" or "direct".
func (s *ProxyService) Mode() string {
	if s.relayURL != nil {
		return "two-hop"
	}
	return "direct"
}

// Forward performs the ingress fetch. The response headers are sanitized for
// the client; the body is the raw upstream stream and must be closed by the
// caller.
func (s *ProxyService) Forward(pr *model.RelayRequest) (*model.RelayResponse, error) {
	stage, rawURL := policy.StageDirect, pr.Target.String()
	if s.relayURL != nil {
		stage, rawURL = policy.StageForward, s.relayTargetURL(pr.Target)
	}

	header := policy.SanitizeRequest(pr.Header, pr.Target, stage)
	policy.NarrowAcceptEncoding(header)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target_host", pr.Target.Host,
		"stage", stage.String(),
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, rawURL, header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	policy.SanitizeResponse(resp.Header)
	return resp, nil
}

// Relay performs the second-hop fetch. Request headers are sanitized again
// regardless of what the first hop sent, and the upstream response is
// returned as is apart from identity, hop-by-hop and CORS headers.
func (s *ProxyService) Relay(pr *model.RelayRequest) (*model.RelayResponse, error) {
	header := policy.SanitizeRequest(pr.Header, pr.Target, policy.StageDirect)

	s.logger.Debug("relaying request",
		"method", pr.Method,
		"target_host", pr.Target.Host,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, pr.Target.String(), header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("relay to upstream: %w", err)
	}

	policy.PrepareRelayResponse(resp.Header)
	return resp, nil
}

// Fetch performs the media-relay fetch: always direct, with content-type and
// disposition decided later from the mode flags.
func (s *ProxyService) Fetch(pr *model.RelayRequest) (*model.RelayResponse, error) {
	header := policy.SanitizeRequest(pr.Header, pr.Target, policy.StageDirect)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, pr.Target.String(), header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch media: %w", err)
	}
	return resp, nil
}

// relayTargetURL encodes target as the q parameter of the relay URL.
func (s *ProxyService) relayTargetURL(target *url.URL) string {
	u := *s.relayURL
	q := u.Query()
	q.Set("q", target.String())
	u.RawQuery = q.Encode()
	return u.String()
}
