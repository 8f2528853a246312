package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"gallery-proxy/internal/client"
	"gallery-proxy/internal/inject"
	"gallery-proxy/internal/metrics"
	"gallery-proxy/internal/model"
	"gallery-proxy/internal/service"
)

// Client-facing messages. They never carry backend addresses or error text.
const (
	msgStarting     = "Backend is starting, please retry shortly."
	msgTimeout      = "Backend timed out."
	msgDisconnected = "Client disconnected."
	msgFailed       = "Backend request failed."
)

// ProxyHandler forwards ordinary HTTP requests to the backend.
type ProxyHandler struct {
	service  *service.ProxyService
	injector *inject.Injector
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, inj *inject.Injector, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		injector: inj,
		logger:   logger.With("component", "proxy_handler"),
		metrics:  m,
	}
}

// Handle proxies the request to the backend and relays the response. HTML
// responses small enough to buffer get the meta block injected; everything
// else is streamed through unchanged.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawPath:       req.URL.RawPath,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if h.rewritable(req.Method, resp) {
		return h.writeRewritten(c, resp)
	}

	copyHeaders(c.Response().Header(), resp.Header)
	c.Response().WriteHeader(resp.StatusCode)

	// The status line is already out, so a failure here can only truncate
	// the body. Log it and move on.
	if err := stream(c.Response(), resp.Body, resp.ContentLength < 0); err != nil {
		h.logger.Warn("streaming response body", "err", err, "path", req.URL.Path)
	}
	return nil
}

// rewritable reports whether resp is an HTML document the injector may
// edit. Encoded bodies are left alone since the bytes are not markup.
func (h *ProxyHandler) rewritable(method string, resp *model.ProxyResponse) bool {
	if !h.injector.Enabled() || method == http.MethodHead {
		return false
	}
	if !inject.IsHTML(resp.Header.Get(echo.HeaderContentType)) {
		return false
	}
	switch {
	case resp.StatusCode < http.StatusOK,
		resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusNotModified:
		return false
	}
	if ce := resp.Header.Get(echo.HeaderContentEncoding); ce != "" && !strings.EqualFold(ce, "identity") {
		h.observeRewrite("skipped")
		return false
	}
	return true
}

func (h *ProxyHandler) writeRewritten(c echo.Context, resp *model.ProxyResponse) error {
	limit := h.injector.MaxBytes()
	buf, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return h.mapError(c, err)
	}

	w := c.Response()
	copyHeaders(w.Header(), resp.Header)

	if int64(len(buf)) > limit {
		h.observeRewrite("skipped")
		w.WriteHeader(resp.StatusCode)
		if _, err := w.Write(buf); err != nil {
			return nil
		}
		if err := stream(w, resp.Body, resp.ContentLength < 0); err != nil {
			h.logger.Warn("streaming oversized html body", "err", err, "path", c.Request().URL.Path)
		}
		return nil
	}

	out, injected := h.injector.Rewrite(buf)
	if injected {
		h.observeRewrite("injected")
		w.Header().Set(echo.HeaderContentLength, strconv.Itoa(len(out)))
	} else {
		h.observeRewrite("no_head")
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(out); err != nil {
		h.logger.Warn("writing html body", "err", err, "path", c.Request().URL.Path)
	}
	return nil
}

func (h *ProxyHandler) observeRewrite(result string) {
	if h.metrics != nil {
		h.metrics.HTMLRewrites.WithLabelValues(result).Inc()
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	path := c.Request().URL.Path

	switch {
	case errors.Is(err, context.Canceled):
		h.logger.Debug("client went away", "err", err, "path", path)
		return c.String(http.StatusBadGateway, msgDisconnected)
	case client.IsUnavailable(err):
		h.logger.Warn("backend unavailable", "err", err, "path", path)
		c.Response().Header().Set("Retry-After", "5")
		return c.String(http.StatusServiceUnavailable, msgStarting)
	case client.IsTimeout(err):
		h.logger.Error("backend timed out", "err", err, "path", path)
		return c.String(http.StatusBadGateway, msgTimeout)
	default:
		h.logger.Error("proxy error", "err", err, "path", path)
		return c.String(http.StatusBadGateway, msgFailed)
	}
}

// copyHeaders replaces dst values with the backend's, so nothing set earlier
// in the chain is merged into a proxied header.
func copyHeaders(dst, src http.Header) {
	for key, vals := range src {
		dst[key] = append([]string(nil), vals...)
	}
}

// stream copies body to w. With flush set every chunk is pushed to the
// client as soon as it arrives, which keeps long-polling and event
// streams live.
func stream(w http.ResponseWriter, body io.Reader, flush bool) error {
	if !flush {
		_, err := io.Copy(w, body)
		return err
	}

	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			_ = rc.Flush()
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
