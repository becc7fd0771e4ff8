package service

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"relay-gateway-go/internal/model"
)

var (
	// ErrMissingTarget is returned when the request names no target URL.
	ErrMissingTarget = errors.New("no target specified")
	// ErrInvalidTarget is returned when the target is not an absolute http(s) URL.
	ErrInvalidTarget = errors.New("invalid target URL")
)

// modeFlagKeys are gateway query parameters never forwarded to a target.
var modeFlagKeys = map[string]bool{
	"download": true,
	"format":   true,
	"filename": true,
}

// collapsedScheme matches a scheme whose "//" was merged by an intermediary,
// as in "https:/example.com".
var collapsedScheme = regexp.MustCompile(`^(?i)(https?):/+`)

// ParseTarget validates raw as an absolute http or https URL.
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissingTarget
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	return u, nil
}

// ParseModeFlags reads download, format and filename from the gateway query.
// download is set by presence unless its value is "0" or "false".
func ParseModeFlags(q url.Values) model.ModeFlags {
	var m model.ModeFlags
	if vals, ok := q["download"]; ok {
		v := ""
		if len(vals) > 0 {
			v = strings.ToLower(vals[0])
		}
		m.Download = v != "0" && v != "false"
	}
	m.Format = strings.ToLower(strings.TrimSpace(q.Get("format")))
	m.Filename = strings.TrimSpace(q.Get("filename"))
	return m
}

// StripModeFlags removes mode flag parameters from a raw query string,
// keeping every other parameter byte for byte and in order.
func StripModeFlags(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, p := range parts {
		key, _, _ := strings.Cut(p, "=")
		if k, err := url.QueryUnescape(key); err == nil && modeFlagKeys[k] {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "&")
}

// GatewayTarget extracts the raw target URL from an ingress request URL.
//
// The target is normally embedded in the path as "/<absoluteURL>", with the
// request's own query (minus mode flags) belonging to the target. A request
// to "/" may name the target in the q parameter instead.
func GatewayTarget(u *url.URL) string {
	p := strings.TrimPrefix(u.EscapedPath(), "/")
	if p == "" {
		return u.Query().Get("q")
	}

	if !hasHTTPScheme(p) {
		if dec, err := url.PathUnescape(p); err == nil && hasHTTPScheme(dec) {
			// Fully encoded target: its query travels inside the path.
			return collapsedScheme.ReplaceAllString(dec, "$1://")
		}
	}

	raw := collapsedScheme.ReplaceAllString(p, "$1://")
	if rest := StripModeFlags(u.RawQuery); rest != "" {
		raw += "?" + rest
	}
	return raw
}

func hasHTTPScheme(s string) bool {
	return collapsedScheme.MatchString(s)
}

// NewGatewayRequest parses an ingress request into a RelayRequest.
func NewGatewayRequest(r *http.Request) (*model.RelayRequest, error) {
	return newRelayRequest(r, GatewayTarget(r.URL))
}

// NewQueryRequest parses a request that names its target in the q parameter,
// as the second-hop and media endpoints do.
func NewQueryRequest(r *http.Request) (*model.RelayRequest, error) {
	return newRelayRequest(r, r.URL.Query().Get("q"))
}

func newRelayRequest(r *http.Request, rawTarget string) (*model.RelayRequest, error) {
	target, err := ParseTarget(rawTarget)
	if err != nil {
		return nil, err
	}
	return &model.RelayRequest{
		Ctx:    r.Context(),
		Method: r.Method,
		Target: target,
		Header: r.Header,
		Body:   r.Body,
		Mode:   ParseModeFlags(r.URL.Query()),
	}, nil
}
