package middleware

import (
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"gallery-proxy/internal/config"
	"gallery-proxy/internal/metrics"
)

// LocalPaths lists the routes the proxy answers itself.
func LocalPaths(cfg *config.Config) []string {
	paths := []string{"/health", "/proxy/status"}
	if cfg.Metrics.Enabled {
		paths = append(paths, cfg.Metrics.Path)
	}
	return paths
}

// Stack returns the server-wide middleware in installation order.
func Stack(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) []echo.MiddlewareFunc {
	mws := []echo.MiddlewareFunc{
		echomw.Recover(),
		RequestID(LocalPaths(cfg)...),
		RequestLogger(logger),
	}
	if cfg.Metrics.Enabled {
		mws = append(mws, MetricsMiddleware(m))
	}
	mws = append(mws, echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	if cfg.Server.RateLimit.Enabled {
		mws = append(mws, RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
	}
	return mws
}
