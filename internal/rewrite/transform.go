package rewrite

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/net/html"
)

// ErrUnsupportedEncoding is returned by Decode for content codings the
// transformer cannot undo.
var ErrUnsupportedEncoding = errors.New("unsupported content encoding")

// targets lists the rewritten attributes per element.
var targets = map[string]map[string]Kind{
	"a":      {"href": KindURL},
	"form":   {"action": KindURL},
	"img":    {"src": KindURL, "srcset": KindURLList, "data-src": KindURL, "data-srcset": KindURLList},
	"source": {"src": KindURL, "srcset": KindURLList},
	"image":  {"href": KindURL},
	"script": {"src": KindURL},
	"link":   {"href": KindURL},
	"iframe": {"src": KindURL},
	"audio":  {"src": KindURL},
	"video":  {"src": KindURL},
	"track":  {"src": KindURL},
}

// Targeted reports whether attr on element is rewritten.
func Targeted(element, attr string) (Kind, bool) {
	k, ok := targets[element][attr]
	return k, ok
}

// Transform copies an HTML document from src to dst in a single pass,
// rewriting targeted attributes as their start tags are read. Everything
// other than a rewritten start tag is emitted byte for byte.
func Transform(dst io.Writer, src io.Reader, rw *Rewriter) error {
	z := html.NewTokenizer(src)
	var raw []byte

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return fmt.Errorf("tokenize html: %w", err)
			}
			return nil

		case html.StartTagToken, html.SelfClosingTagToken:
			// TagName lower-cases the buffer in place; keep the original bytes.
			raw = append(raw[:0], z.Raw()...)
			name, hasAttr := z.TagName()
			attrs, ok := targets[string(name)]
			if !ok || !hasAttr {
				if _, err := dst.Write(raw); err != nil {
					return err
				}
				continue
			}

			tok, changed := rewriteTag(z, tt, string(name), attrs, rw)
			out := raw
			if changed {
				out = []byte(tok.String())
			}
			if _, err := dst.Write(out); err != nil {
				return err
			}

		default:
			if _, err := dst.Write(z.Raw()); err != nil {
				return err
			}
		}
	}
}

func rewriteTag(z *html.Tokenizer, tt html.TokenType, name string, attrs map[string]Kind, rw *Rewriter) (html.Token, bool) {
	tok := html.Token{Type: tt, Data: name}
	changed := false
	for more := true; more; {
		var key, val []byte
		key, val, more = z.TagAttr()
		a := html.Attribute{Key: string(key), Val: string(val)}
		if kind, ok := attrs[a.Key]; ok {
			if v := rw.Rewrite(a.Val, kind); v != a.Val {
				a.Val = v
				changed = true
			}
		}
		tok.Attr = append(tok.Attr, a)
	}
	return tok, changed
}

// Decode wraps body with a decoder for the given Content-Encoding.
// An empty or identity encoding returns body unchanged.
func Decode(encoding string, body io.Reader) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return io.NopCloser(body), nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	case "deflate":
		return newDeflateReader(body)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}

// newDeflateReader accepts both zlib-wrapped and raw deflate streams, since
// servers disagree on what "deflate" means.
func newDeflateReader(body io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(body)
	head, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if len(head) == 2 && head[0]&0x0f == 8 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0 {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return zr, nil
	}
	return flate.NewReader(br), nil
}
