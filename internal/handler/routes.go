package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gallery-proxy/internal/config"
	"gallery-proxy/internal/metrics"
	"gallery-proxy/internal/middleware"
	"gallery-proxy/internal/relay"
	"gallery-proxy/internal/static"
)

// DispatchHandler routes every path the proxy does not own itself.
type DispatchHandler struct {
	proxy  *ProxyHandler
	verify *VerificationHandler
	ws     http.Handler
}

// NewDispatchHandler creates a DispatchHandler.
func NewDispatchHandler(proxy *ProxyHandler, verify *VerificationHandler, ws http.Handler) *DispatchHandler {
	return &DispatchHandler{proxy: proxy, verify: verify, ws: ws}
}

// Handle sends verification file requests to disk, WebSocket upgrades to the
// relay and everything else to the HTTP proxy.
func (d *DispatchHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodGet || req.Method == http.MethodHead {
		if _, ok := static.Match(req.URL.Path); ok {
			return d.verify.Serve(c)
		}
	}

	if relay.IsWebSocketUpgrade(req) {
		d.ws.ServeHTTP(c.Response(), req)
		return nil
	}

	return d.proxy.Handle(c)
}

// RegisterRoutes wires all route handlers onto the Echo instance. Security
// headers go on the proxy's own routes only; backend responses are relayed
// as the backend sent them.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, health *HealthHandler, dispatch *DispatchHandler) {
	local := middleware.SecurityHeaders()

	e.Match([]string{http.MethodGet, http.MethodHead}, "/health", health.Health, local)
	e.GET("/proxy/status", health.Status, local)

	if cfg.Metrics.Enabled {
		h := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
		e.GET(cfg.Metrics.Path, echo.WrapHandler(h), local)
	}

	e.Any("/", dispatch.Handle)
	e.Any("/*", dispatch.Handle)
}
