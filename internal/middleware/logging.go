// Package middleware provides Echo middleware for logging, metrics and
// security headers.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"gallery-proxy/internal/relay"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Liveness probes are logged at debug level. WebSocket sessions are logged
// once, when the session ends.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if req.URL.Path == "/health" && res.Status < 400 {
				level = slog.LevelDebug
			}

			rid := res.Header().Get(echo.HeaderXRequestID)
			if rid == "" {
				rid = req.Header.Get(echo.HeaderXRequestID)
			}

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", rid,
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if relay.IsWebSocketUpgrade(req) {
				attrs = append(attrs, "websocket", true)
			}

			logger.Log(context.Background(), level, "request", attrs...)

			return err
		}
	}
}
