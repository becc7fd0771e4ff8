// Package rewrite turns URLs found in HTML attributes into proxy-wrapped
// absolute URLs and streams HTML documents through that rewriting.
package rewrite

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"unicode"
)

// Kind selects how an attribute value is interpreted.
type Kind int

const (
	// KindURL is a single URL (href, src, action).
	KindURL Kind = iota
	// KindURLList is a comma-separated list of "url [descriptor]" entries (srcset).
	KindURLList
)

// ErrNotFetchable is returned by Resolve for URLs whose scheme the gateway
// cannot relay, such as javascript: or tel:.
var ErrNotFetchable = errors.New("scheme is not fetchable")

// skipPrefixes mark values that are never rewritten.
var skipPrefixes = []string{"data:", "mailto:", "#"}

// handlers is the dispatch table indexed by Kind.
var handlers = [...]func(*Rewriter, string) string{
	KindURL:     (*Rewriter).rewriteURL,
	KindURLList: (*Rewriter).rewriteList,
}

// Context is shared by every rewrite of one response and is never modified.
type Context struct {
	// ProxyOrigin is scheme://host[:port] of the gateway, without a trailing slash.
	ProxyOrigin string
	// Base is the absolute URL of the document being rewritten.
	Base *url.URL
}

// Stats counts the outcome of rewrites performed by a Rewriter.
type Stats struct {
	Rewritten int
	Failed    int
}

// Rewriter rewrites attribute values for a single response.
// It is not safe for concurrent use.
type Rewriter struct {
	ctx    Context
	prefix string
	logger *slog.Logger
	stats  Stats
}

// New creates a Rewriter for one document.
func New(ctx Context, logger *slog.Logger) *Rewriter {
	ctx.ProxyOrigin = strings.TrimSuffix(ctx.ProxyOrigin, "/")
	return &Rewriter{
		ctx:    ctx,
		prefix: ctx.ProxyOrigin + "/",
		logger: logger,
	}
}

// Stats returns the counts accumulated so far.
func (r *Rewriter) Stats() Stats {
	return r.stats
}

// Rewrite returns value rewritten according to kind. Values that are
// skipped or fail to resolve are returned unchanged.
func (r *Rewriter) Rewrite(value string, kind Kind) string {
	if kind < 0 || int(kind) >= len(handlers) {
		return value
	}
	return handlers[kind](r, value)
}

// Wrap returns "<proxyOrigin>/<absolute>" for an already absolute URL.
func (r *Rewriter) Wrap(absolute string) string {
	return r.prefix + absolute
}

func (r *Rewriter) rewriteURL(value string) string {
	trimmed := strings.TrimSpace(value)
	if r.skip(trimmed) {
		return value
	}

	abs, err := Resolve(r.ctx.Base, trimmed)
	if err != nil {
		if !errors.Is(err, ErrNotFetchable) {
			r.stats.Failed++
			r.logger.Debug("attribute rewrite failed", "value", value, "err", err)
		}
		return value
	}

	r.stats.Rewritten++
	return r.Wrap(abs)
}

func (r *Rewriter) rewriteList(value string) string {
	parts := strings.Split(value, ",")
	entries := make([]string, 0, len(parts))
	for _, part := range parts {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}
		u, descriptor := entry, ""
		if i := strings.IndexFunc(entry, unicode.IsSpace); i >= 0 {
			u, descriptor = entry[:i], strings.TrimSpace(entry[i:])
		}
		rewritten := r.rewriteURL(u)
		if descriptor != "" {
			rewritten += " " + descriptor
		}
		entries = append(entries, rewritten)
	}
	return strings.Join(entries, ", ")
}

func (r *Rewriter) skip(value string) bool {
	if value == "" || strings.HasPrefix(value, r.prefix) {
		return true
	}
	lower := strings.ToLower(value)
	for _, p := range skipPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// Resolve resolves ref against base and returns the absolute URL.
// Only http and https results are accepted.
func Resolve(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", ref, err)
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", fmt.Errorf("resolve %q: %w", ref, ErrNotFetchable)
	}
	if u.Host == "" {
		return "", fmt.Errorf("resolve %q: missing host", ref)
	}
	return u.String(), nil
}
