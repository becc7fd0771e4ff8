// Package policy implements the header sanitization rules applied to every
// outbound request and every relayed response.
package policy

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Stage identifies which hop is building the outbound request.
type Stage int

const (
	// StageDirect is a hop that fetches the target itself (second hop or a
	// single-hop gateway).
	StageDirect Stage = iota
	// StageForward is a first hop that hands the request to a second-hop relay.
	StageForward
)

func (s Stage) String() string {
	switch s {
	case StageDirect:
		return "direct"
	case StageForward:
		return "forward"
	default:
		return "unknown"
	}
}

// identityHeaders are edge-platform forwarding and identity headers that
// must never reach a target.
var identityHeaders = []string{
	"Cf-Connecting-Ip",
	"Cf-Connecting-Ipv6",
	"Cf-Ray",
	"Cf-Visitor",
	"Cf-Worker",
	"Cf-Ipcountry",
	"Cf-Ew-Via",
	"Cdn-Loop",
	"True-Client-Ip",
	"X-Real-Ip",
	"X-Forwarded-For",
	"X-Forwarded-Proto",
	"X-Forwarded-Host",
	"X-Forwarded-Port",
	"Forwarded",
	"Via",
}

// hopByHopHeaders apply to a single transport connection and are not relayed.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// blockingResponseHeaders stop a rewritten document from working under the
// gateway's origin.
var blockingResponseHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Frame-Options",
	"X-Xss-Protection",
}

// cookieDomainPattern matches a Domain attribute inside a Set-Cookie value.
var cookieDomainPattern = regexp.MustCompile(`(?i);\s*domain=[^;]*`)

// decodableEncodings is the Accept-Encoding sent by stages whose response
// may be rewritten.
const decodableEncodings = "gzip, deflate"

// IdentityHeaders returns a copy of the identity header denylist.
func IdentityHeaders() []string {
	return append([]string(nil), identityHeaders...)
}

// SanitizeRequest builds the outbound header set for a request to target.
// The inbound header set is not modified. User-Agent passes through untouched.
//
// StageDirect sets Host to the target hostname. StageForward leaves Host
// unset so the transport addresses the relay hop by its own name.
func SanitizeRequest(in http.Header, target *url.URL, stage Stage) http.Header {
	out := in.Clone()
	if out == nil {
		out = make(http.Header)
	}

	StripHopByHop(out)
	for _, h := range identityHeaders {
		out.Del(h)
	}

	origin := Origin(target)
	out.Del("Host")
	if stage == StageDirect {
		out.Set("Host", target.Hostname())
	}
	out.Set("Referer", origin+"/")
	out.Set("Origin", origin)

	return out
}

// NarrowAcceptEncoding limits Accept-Encoding to encodings the HTML
// transformer can decode. A header that was absent stays absent.
func NarrowAcceptEncoding(h http.Header) {
	if h.Get("Accept-Encoding") == "" {
		return
	}
	h.Set("Accept-Encoding", decodableEncodings)
}

// SanitizeResponse removes blocking and hop-by-hop headers, unbinds cookies
// from the target's domain and opens CORS. It modifies h in place.
func SanitizeResponse(h http.Header) {
	StripHopByHop(h)
	for _, name := range blockingResponseHeaders {
		h.Del(name)
	}
	if cookies := h.Values("Set-Cookie"); len(cookies) > 0 {
		rewritten := make([]string, len(cookies))
		for i, c := range cookies {
			rewritten[i] = StripCookieDomain(c)
		}
		h["Set-Cookie"] = rewritten
	}
	OpenCORS(h)
}

// PrepareRelayResponse readies a second-hop response for the first hop: the
// upstream headers stay intact except for identity and hop-by-hop headers,
// and CORS is opened.
func PrepareRelayResponse(h http.Header) {
	StripHopByHop(h)
	for _, name := range identityHeaders {
		h.Del(name)
	}
	OpenCORS(h)
}

// OpenCORS allows any origin to read the response and its Location header.
func OpenCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Expose-Headers", "Location")
}

// StripCookieDomain removes every Domain attribute from a Set-Cookie value,
// leaving the remaining attributes in order.
func StripCookieDomain(cookie string) string {
	return cookieDomainPattern.ReplaceAllString(cookie, "")
}

// StripHopByHop removes hop-by-hop headers, including any listed in Connection.
func StripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// Origin returns scheme://host[:port] of u.
func Origin(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
