// Package media holds the static extension-to-MIME table and the
// Content-Type / Content-Disposition rules for relayed binary responses.
package media

import (
	"bufio"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"relay-gateway-go/internal/model"
	"relay-gateway-go/internal/policy"
)

// DefaultExtension is used when neither format nor the target path yields one.
const DefaultExtension = "bin"

// sniffLen is how many leading body bytes are inspected when sniffing.
const sniffLen = 3072

// types maps a lower-case extension to its content type. Read-only.
var types = map[string]string{
	"aac":  "audio/aac",
	"avi":  "video/x-msvideo",
	"bin":  "application/octet-stream",
	"css":  "text/css",
	"csv":  "text/csv",
	"flac": "audio/flac",
	"gif":  "image/gif",
	"htm":  "text/html",
	"html": "text/html",
	"ico":  "image/x-icon",
	"jpeg": "image/jpeg",
	"jpg":  "image/jpeg",
	"js":   "text/javascript",
	"json": "application/json",
	"m3u8": "application/vnd.apple.mpegurl",
	"m4a":  "audio/mp4",
	"mkv":  "video/x-matroska",
	"mov":  "video/quicktime",
	"mp3":  "audio/mpeg",
	"mp4":  "video/mp4",
	"mpd":  "application/dash+xml",
	"oga":  "audio/ogg",
	"ogg":  "audio/ogg",
	"ogv":  "video/ogg",
	"opus": "audio/opus",
	"pdf":  "application/pdf",
	"png":  "image/png",
	"svg":  "image/svg+xml",
	"ts":   "video/mp2t",
	"txt":  "text/plain",
	"wav":  "audio/wav",
	"weba": "audio/webm",
	"webm": "video/webm",
	"webp": "image/webp",
	"xml":  "application/xml",
	"zip":  "application/zip",
}

// Lookup returns the content type for a format key. Keys are case-insensitive
// and may carry a leading dot.
func Lookup(format string) (string, bool) {
	ct, ok := types[normalize(format)]
	return ct, ok
}

func normalize(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// ResolveExtension picks the disposition filename extension: an explicit
// format first, then the extension of the target's last path segment,
// then DefaultExtension.
func ResolveExtension(format string, target *url.URL) string {
	if f := normalize(format); f != "" {
		return f
	}
	if target != nil {
		if ext := normalize(path.Ext(path.Base(target.Path))); validExtension(ext) {
			return ext
		}
	}
	return DefaultExtension
}

func validExtension(ext string) bool {
	if ext == "" || len(ext) > 10 {
		return false
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// Disposition builds the Content-Disposition value for the given flags.
func Disposition(mode model.ModeFlags, target *url.URL) string {
	kind := "inline"
	if mode.Download {
		kind = "attachment"
	}
	if mode.Filename == "" {
		return kind
	}
	name := mode.Filename + "." + ResolveExtension(mode.Format, target)
	return kind + `; filename="` + quoteEscaper.Replace(name) + `"`
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", "", "\n", "")

// Apply rewrites the response headers for a relayed media response.
// A known format overrides the upstream Content-Type; unknown formats are ignored.
func Apply(h http.Header, mode model.ModeFlags, target *url.URL) {
	if ct, ok := Lookup(mode.Format); ok {
		h.Set("Content-Type", ct)
	}
	h.Set("Content-Disposition", Disposition(mode, target))
	policy.SanitizeResponse(h)
}

// Sniff fills in a missing Content-Type by inspecting the start of body.
// It returns a reader that yields the full, unconsumed body.
func Sniff(h http.Header, body io.Reader) io.Reader {
	if h.Get("Content-Type") != "" {
		return body
	}
	br := bufio.NewReaderSize(body, sniffLen)
	head, _ := br.Peek(sniffLen)
	if len(head) > 0 {
		h.Set("Content-Type", mimetype.Detect(head).String())
	}
	return br
}
