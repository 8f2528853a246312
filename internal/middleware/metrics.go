package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"gallery-proxy/internal/metrics"
	"gallery-proxy/internal/relay"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. WebSocket sessions are counted but kept out of the
// latency histogram, since their duration is the session lifetime.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()
			upgrade := relay.IsWebSocketUpgrade(c.Request())

			err := next(c)

			// An *echo.HTTPError has not been written yet; the central error
			// handler writes it later, so take the code from the error.
			statusCode := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}
			// The relay writes the 101 on the hijacked connection.
			if upgrade && !c.Response().Committed && err == nil {
				statusCode = http.StatusSwitchingProtocols
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(c.Request().URL.Path)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			if !upgrade {
				m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
			}

			return err
		}
	}
}
