package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"gallery-proxy/internal/client"
	"gallery-proxy/internal/config"
	"gallery-proxy/internal/handler"
	"gallery-proxy/internal/inject"
	"gallery-proxy/internal/metrics"
	"gallery-proxy/internal/middleware"
	"gallery-proxy/internal/relay"
	"gallery-proxy/internal/service"
	"gallery-proxy/internal/static"
	"gallery-proxy/internal/supervisor"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("gallery-proxy"),
		kong.Description("Public front door for a supervised gallery app: reverse proxy, WebSocket relay and HTML meta injection."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			client.NewBackendClient,
			service.NewProxyService,
			inject.New,
			static.New,
			relay.New,
			supervisor.New,
			newHealthHandler,
			handler.NewProxyHandler,
			handler.NewVerificationHandler,
			newDispatchHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, logInjection, startSupervisor, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadHeaderTimeout = 10 * time.Second
	// No read or write deadline: WebSocket sessions and streamed responses
	// are long-lived. The backend client timeout bounds ordinary requests.
	e.Server.IdleTimeout = 120 * time.Second

	e.Use(middleware.Stack(cfg, logger, m)...)
	if cfg.Server.RateLimit.Enabled {
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func newHealthHandler(sup *supervisor.Supervisor, rl *relay.Relay, v handler.Version) *handler.HealthHandler {
	return handler.NewHealthHandler(sup, rl, v)
}

func newDispatchHandler(p *handler.ProxyHandler, v *handler.VerificationHandler, rl *relay.Relay) *handler.DispatchHandler {
	return handler.NewDispatchHandler(p, v, rl)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func logInjection(inj *inject.Injector, logger *slog.Logger) {
	inj.LogStatus(logger)
}

// startSupervisor launches the backend without waiting for it. Readiness is
// polled in the background so the listener, and /health with it, comes up
// immediately; requests that arrive early get a 503.
func startSupervisor(lc fx.Lifecycle, sup *supervisor.Supervisor, cfg *config.Config, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := sup.Start(); err != nil {
				cancel()
				return fmt.Errorf("start backend: %w", err)
			}
			go sup.AwaitReady(ctx, cfg.Backend.ReadyTimeout(), cfg.Backend.PollInterval())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			logger.Info("stopping backend")
			return sup.Stop(ctx)
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "backend", cfg.Backend.Addr())
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
