// Package model defines shared types for the relay gateway.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ModeFlags are the caller-supplied query parameters that control
// disposition and content-type handling rather than the fetch itself.
type ModeFlags struct {
	Download bool
	Format   string
	Filename string
}

// Any reports whether at least one mode flag was supplied.
func (m ModeFlags) Any() bool {
	return m.Download || m.Format != "" || m.Filename != ""
}

// RelayRequest is a parsed inbound request bound for a single target URL.
// Target is always an absolute http(s) URL.
type RelayRequest struct {
	Ctx    context.Context
	Method string
	Target *url.URL
	Header http.Header
	Body   io.ReadCloser
	Mode   ModeFlags
}

// RelayResponse is the upstream response to be streamed back.
type RelayResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
