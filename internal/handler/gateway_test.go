package handler

import (
	"bytes"
	"compress/gzip"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"relay-gateway-go/internal/client"
	"relay-gateway-go/internal/config"
	"relay-gateway-go/internal/metrics"
	"relay-gateway-go/internal/service"
)

const publicOrigin = "https://gw.example.net"

func testConfig(relayURL, origin string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{PublicOrigin: origin},
		Upstream: config.UpstreamConfig{
			RelayURL:                     relayURL,
			ResponseHeaderTimeoutSeconds: 10,
			IdleConnections:              10,
		},
	}
}

// newTestEcho builds a fully routed gateway.
func newTestEcho(t *testing.T, cfg *config.Config, m *metrics.Metrics) *echo.Echo {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := service.NewProxyService(client.NewRelayClient(cfg, logger, m), cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}

	e := echo.New()
	RegisterRoutes(e,
		NewGatewayHandler(svc, cfg, m, logger),
		NewRelayHandler(svc, logger),
		NewMediaHandler(svc, logger),
		NewHealthHandler(cfg, svc, "test"),
	)
	return e
}

func serve(e *echo.Echo, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, http.NoBody)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestGateway_ClientErrors(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig("", publicOrigin), nil)

	tests := []struct {
		name     string
		path     string
		wantBody string
	}{
		{"no target", "/", "gateway: no target specified"},
		{"empty q", "/?q=", "gateway: no target specified"},
		{"relative q", "/?q=%2Fonly%2Fpath", "gateway: invalid target URL"},
		{"ftp scheme", "/?q=" + "ftp%3A%2F%2Fexample.com%2F", "gateway: invalid target URL"},
		{"not a url", "/not-a-target", "gateway: invalid target URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e, http.MethodGet, tt.path, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Errorf("Content-Type = %q, want text/plain", ct)
			}
		})
	}

	if n := calls.Load(); n != 0 {
		t.Errorf("upstream calls = %d, want 0", n)
	}
}

func TestGateway_RewritesHTML(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/news/index.html" || r.URL.RawQuery != "page=2" {
			t.Errorf("upstream got %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Add("Set-Cookie", "sid=1; Domain=example.com; Path=/")
		_, _ = io.WriteString(w, `<html><body><a href="story.html">s</a><img src="/i.png" srcset="a.png 1x, b.png 2x"><a href="javascript:void(0)">j</a></body></html>`)
	}))
	defer upstream.Close()

	m := metrics.New()
	e := newTestEcho(t, testConfig("", publicOrigin), m)
	rec := serve(e, http.MethodGet, "/"+upstream.URL+"/news/index.html?page=2&format=html", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	prefix := publicOrigin + "/" + upstream.URL
	body := rec.Body.String()
	for _, want := range []string{
		`<a href="` + prefix + `/news/story.html">s</a>`,
		`src="` + prefix + `/i.png"`,
		`srcset="` + prefix + `/news/a.png 1x, ` + prefix + `/news/b.png 2x"`,
		`<a href="javascript:void(0)">j</a>`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q\nbody: %s", want, body)
		}
	}

	if v := rec.Header().Get("Content-Security-Policy"); v != "" {
		t.Errorf("Content-Security-Policy = %q, want it removed", v)
	}
	if v := rec.Header().Get("Set-Cookie"); v != "sid=1; Path=/" {
		t.Errorf("Set-Cookie = %q, want %q", v, "sid=1; Path=/")
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", v)
	}
	if v := rec.Header().Get("Content-Disposition"); v != "inline" {
		t.Errorf("Content-Disposition = %q, want inline for a format flag", v)
	}

	if got := counterValue(t, m, "relay_gateway_rewritten_attributes_total"); got != 4 {
		t.Errorf("rewritten attributes = %v, want 4", got)
	}
}

func TestGateway_ProxyOriginFromRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<a href="/x">x</a>`)
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig("", ""), nil)
	rec := serve(e, http.MethodGet, "/"+upstream.URL+"/", nil)

	want := `<a href="http://example.com/` + upstream.URL + `/x">x</a>`
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestGateway_DecodesGzipHTML(t *testing.T) {
	var gotEncoding string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEncoding = r.Header.Get("Accept-Encoding")
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = io.WriteString(zw, `<script src="app.js"></script>`)
		_ = zw.Close()

		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig("", publicOrigin), nil)
	rec := serve(e, http.MethodGet, "/"+upstream.URL+"/", http.Header{"Accept-Encoding": {"gzip, deflate, br, zstd"}})

	if gotEncoding != "gzip, deflate" {
		t.Errorf("upstream Accept-Encoding = %q, want %q", gotEncoding, "gzip, deflate")
	}
	if v := rec.Header().Get("Content-Encoding"); v != "" {
		t.Errorf("Content-Encoding = %q, want identity", v)
	}
	want := `<script src="` + publicOrigin + "/" + upstream.URL + `/app.js"></script>`
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}

func TestGateway_UnsupportedEncodingPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write([]byte{0x0b, 0x02, 0x80})
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig("", publicOrigin), nil)
	rec := serve(e, http.MethodGet, "/"+upstream.URL+"/", nil)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Header().Get("Content-Encoding") != "br" {
		t.Errorf("Content-Encoding = %q, want br", rec.Header().Get("Content-Encoding"))
	}
	if !bytes.Equal(rec.Body.Bytes(), []byte{0x0b, 0x02, 0x80}) {
		t.Errorf("body = %v, want it untouched", rec.Body.Bytes())
	}
}

func TestGateway_RewritesLocation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/login" {
			t.Error("redirect should not be followed")
		}
		w.Header().Set("Location", "/login?next=%2F")
		w.WriteHeader(http.StatusFound)
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig("", publicOrigin), nil)
	rec := serve(e, http.MethodGet, "/"+upstream.URL+"/account", nil)

	if rec.Code != http.StatusFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusFound)
	}
	want := publicOrigin + "/" + upstream.URL + "/login?next=%2F"
	if loc := rec.Header().Get("Location"); loc != want {
		t.Errorf("Location = %q, want %q", loc, want)
	}
}

func TestGateway_DownloadSkipsRewrite(t *testing.T) {
	const doc = `<a href="/x">x</a>`
	var gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, doc)
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig("", publicOrigin), nil)
	rec := serve(e, http.MethodGet, "/"+upstream.URL+"/page.html?lang=en&download&filename=saved", nil)

	if gotQuery != "lang=en" {
		t.Errorf("upstream query = %q, want %q", gotQuery, "lang=en")
	}
	if rec.Body.String() != doc {
		t.Errorf("body = %q, want it untouched", rec.Body.String())
	}
	want := `attachment; filename="saved.html"`
	if v := rec.Header().Get("Content-Disposition"); v != want {
		t.Errorf("Content-Disposition = %q, want %q", v, want)
	}
}

func TestGateway_PassesThroughNonHTML(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"href":"/x"}`)
	}))
	defer upstream.Close()

	e := newTestEcho(t, testConfig("", publicOrigin), nil)
	rec := serve(e, http.MethodGet, "/"+upstream.URL+"/api", nil)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if rec.Body.String() != `{"href":"/x"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestGateway_UpstreamUnreachable(t *testing.T) {
	e := newTestEcho(t, testConfig("", publicOrigin), nil)
	rec := serve(e, http.MethodGet, "/http://127.0.0.1:1/", nil)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if !strings.HasPrefix(rec.Body.String(), "gateway: upstream unreachable") {
		t.Errorf("body = %q, want upstream unreachable diagnostic", rec.Body.String())
	}
}

func TestGateway_TwoHopChain(t *testing.T) {
	var targetHits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		targetHits.Add(1)
		for _, h := range []string{"X-Forwarded-For", "Cf-Connecting-Ip", "X-Real-Ip"} {
			if v := r.Header.Get(h); v != "" {
				t.Errorf("target received %s = %q", h, v)
			}
		}
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Frame-Options", "DENY")
		_, _ = io.WriteString(w, `<a href="next.html">n</a>`)
	}))
	defer target.Close()

	second := httptest.NewServer(newTestEcho(t, testConfig("", ""), nil))
	defer second.Close()

	first := newTestEcho(t, testConfig(second.URL+"/relay", publicOrigin), nil)
	rec := serve(first, http.MethodGet, "/"+target.URL+"/dir/", http.Header{
		"X-Forwarded-For":  {"198.51.100.1"},
		"Cf-Connecting-Ip": {"198.51.100.1"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if n := targetHits.Load(); n != 1 {
		t.Errorf("target hits = %d, want 1", n)
	}
	if v := rec.Header().Get("X-Frame-Options"); v != "" {
		t.Errorf("X-Frame-Options = %q, want it removed by the ingress", v)
	}
	want := `<a href="` + publicOrigin + "/" + target.URL + `/dir/next.html">n</a>`
	if rec.Body.String() != want {
		t.Errorf("body = %q, want %q", rec.Body.String(), want)
	}
}
