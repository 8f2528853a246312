// Package inject inserts a fixed block of <meta> tags into HTML documents.
package inject

import (
	"bytes"
	"html"
	"log/slog"
	"mime"
	"strings"
	"unicode/utf8"

	"gallery-proxy/internal/config"
)

// Injector rewrites HTML bodies by placing its meta block right after the
// first <head> opening tag.
type Injector struct {
	block    []byte
	maxBytes int64
}

// New builds an Injector from config. Only non-empty values produce a tag.
func New(cfg *config.Config) *Injector {
	var b strings.Builder
	if v := cfg.Inject.SiteVerification; v != "" {
		b.WriteString(`<meta name="google-site-verification" content="` + html.EscapeString(v) + `">`)
	}
	if v := cfg.Inject.AdsAccount; v != "" {
		b.WriteString(`<meta name="google-adsense-account" content="` + html.EscapeString(v) + `">`)
	}
	return &Injector{block: []byte(b.String()), maxBytes: cfg.Inject.MaxBytes}
}

// Enabled reports whether there is anything to inject.
func (i *Injector) Enabled() bool {
	return len(i.block) > 0
}

// LogStatus reports at startup whether HTML responses will be rewritten.
func (i *Injector) LogStatus(logger *slog.Logger) {
	if !i.Enabled() {
		logger.Warn("html meta injection disabled: set GOOGLE_SITE_VERIFICATION or GOOGLE_ADS_CLIENT_ID to enable",
			"component", "inject")
		return
	}
	logger.Info("html meta injection enabled", "component", "inject", "max_bytes", i.maxBytes)
}

// Block returns the markup inserted after <head>.
func (i *Injector) Block() []byte {
	return i.block
}

// MaxBytes is the largest body the injector will buffer; larger ones pass through.
func (i *Injector) MaxBytes() int64 {
	return i.maxBytes
}

// IsHTML reports whether a Content-Type header value names an HTML document.
func IsHTML(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		// Tolerate sloppy parameters as long as the media type itself is HTML.
		mt = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return strings.EqualFold(mt, "text/html")
}

// Rewrite returns body with the meta block inserted after the first <head>
// tag. The second result is false, and body is returned untouched, when the
// body is not valid UTF-8 or has no <head> tag.
func (i *Injector) Rewrite(body []byte) ([]byte, bool) {
	if !i.Enabled() || !utf8.Valid(body) {
		return body, false
	}
	at := headEnd(body)
	if at < 0 {
		return body, false
	}

	out := make([]byte, 0, len(body)+len(i.block))
	out = append(out, body[:at]...)
	out = append(out, i.block...)
	out = append(out, body[at:]...)
	return out, true
}

// headEnd returns the offset just past the '>' closing the first <head ...>
// opening tag, or -1. <header> and <heading> are not matches.
func headEnd(body []byte) int {
	const tag = "<head"
	for off := 0; off+len(tag) <= len(body); {
		idx := indexFold(body[off:], tag)
		if idx < 0 {
			return -1
		}
		start := off + idx
		next := start + len(tag)
		if next >= len(body) {
			return -1
		}
		switch body[next] {
		case '>':
			return next + 1
		case ' ', '\t', '\n', '\r', '\f', '/':
			if end := bytes.IndexByte(body[next:], '>'); end >= 0 {
				return next + end + 1
			}
			return -1
		}
		off = next
	}
	return -1
}

// indexFold is an ASCII case-insensitive bytes.Index for a lowercase needle.
func indexFold(s []byte, needle string) int {
	n := len(needle)
	for i := 0; i+n <= len(s); i++ {
		if s[i] != '<' {
			continue
		}
		match := true
		for j := 1; j < n; j++ {
			c := s[i+j]
			if 'A' <= c && c <= 'Z' {
				c += 'a' - 'A'
			}
			if c != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
