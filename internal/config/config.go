// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/gallery-proxy/config.toml",
	"configs/config.toml",
}

// reservedPaths are served by the proxy itself and never forwarded to the backend.
var reservedPaths = []string{"/health", "/proxy/status"}

// CLI holds command-line arguments parsed by Kong. Every field can also be
// set through the environment, so the binary runs without arguments.
type CLI struct {
	Config           string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host             string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port             int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BackendPort      int    `kong:"help='Loopback port of the supervised backend (overrides config).',env='BACKEND_PORT'"`
	LogLevel         string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	StaticDir        string `kong:"help='Directory holding google{token}.html verification files.',env='STATIC_DIR'"`
	SiteVerification string `kong:"help='google-site-verification meta token.',env='GOOGLE_SITE_VERIFICATION'"`
	AdsAccount       string `kong:"help='google-adsense-account meta value.',env='GOOGLE_ADS_CLIENT_ID'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Backend  BackendConfig  `toml:"backend"`
	Upstream UpstreamConfig `toml:"upstream"`
	Inject   InjectConfig   `toml:"inject"`
	Static   StaticConfig   `toml:"static"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds public listener settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// BackendConfig describes the supervised application process and where it listens.
type BackendConfig struct {
	Host                string            `toml:"host"`
	Port                int               `toml:"port"`
	HealthPath          string            `toml:"health_path"`
	Command             []string          `toml:"command"`
	Env                 map[string]string `toml:"env"`
	External            bool              `toml:"external"` // backend is started by someone else; only probe it
	ReadyTimeoutSeconds int               `toml:"ready_timeout_seconds"`
	PollIntervalMS      int               `toml:"poll_interval_ms"`
	ProbeTimeoutMS      int               `toml:"probe_timeout_ms"`
	StopGraceSeconds    int               `toml:"stop_grace_seconds"`
	Restart             bool              `toml:"restart"`
	MaxRestarts         int               `toml:"max_restarts"`
}

// UpstreamConfig holds settings for requests forwarded to the backend.
type UpstreamConfig struct {
	TimeoutSeconds int                  `toml:"timeout_seconds"`
	CircuitBreaker CircuitBreakerConfig `toml:"circuit_breaker"`
}

// CircuitBreakerConfig trips after consecutive connection failures to the backend.
type CircuitBreakerConfig struct {
	Enabled          bool `toml:"enabled"`
	FailureThreshold int  `toml:"failure_threshold"`
	OpenSeconds      int  `toml:"open_seconds"`
}

// InjectConfig holds the meta tags inserted after <head> in HTML responses.
// Injection is off when both values are empty.
type InjectConfig struct {
	SiteVerification string `toml:"site_verification"`
	AdsAccount       string `toml:"ads_account"`
	MaxBytes         int64  `toml:"max_bytes"`
}

// StaticConfig locates the verification files.
type StaticConfig struct {
	Dir string `toml:"dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file, if any, and applies CLI and environment
// overrides. When no explicit path is given (via --config or CONFIG_PATH), it
// searches /etc/gallery-proxy/config.toml then configs/config.toml; finding
// neither is fine and yields the defaults.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.BackendPort != 0 {
		c.Backend.Port = cli.BackendPort
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.StaticDir != "" {
		c.Static.Dir = cli.StaticDir
	}
	if cli.SiteVerification != "" {
		c.Inject.SiteVerification = cli.SiteVerification
	}
	if cli.AdsAccount != "" {
		c.Inject.AdsAccount = cli.AdsAccount
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Backend.Port < 0 || c.Backend.Port > 65535 {
		return fmt.Errorf("backend.port must be 0–65535; got %d", c.Backend.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Inject.MaxBytes < 0 {
		return fmt.Errorf("inject.max_bytes must be non-negative; got %d", c.Inject.MaxBytes)
	}
	nonNegative := []struct {
		name  string
		value int
	}{
		{"backend.ready_timeout_seconds", c.Backend.ReadyTimeoutSeconds},
		{"backend.poll_interval_ms", c.Backend.PollIntervalMS},
		{"backend.probe_timeout_ms", c.Backend.ProbeTimeoutMS},
		{"backend.stop_grace_seconds", c.Backend.StopGraceSeconds},
		{"backend.max_restarts", c.Backend.MaxRestarts},
		{"upstream.circuit_breaker.failure_threshold", c.Upstream.CircuitBreaker.FailureThreshold},
		{"upstream.circuit_breaker.open_seconds", c.Upstream.CircuitBreaker.OpenSeconds},
	}
	for _, f := range nonNegative {
		if f.value < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", f.name, f.value)
		}
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// The backend is a supervised child on the same host.
	if h := c.Backend.Host; h != "" && h != "localhost" {
		ip := net.ParseIP(h)
		if ip == nil || !ip.IsLoopback() {
			return fmt.Errorf("backend.host must be a loopback address; got %q", h)
		}
	}
	if p := c.Backend.HealthPath; p != "" && p[0] != '/' {
		return fmt.Errorf("backend.health_path must start with '/'; got %q", p)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}

	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedPaths {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}

	if c.Backend.Host == "" {
		c.Backend.Host = "127.0.0.1"
	}
	if c.Backend.Port == 0 {
		c.Backend.Port = 8501
	}
	if c.Backend.HealthPath == "" {
		c.Backend.HealthPath = "/healthz"
	}
	if len(c.Backend.Command) == 0 && !c.Backend.External {
		c.Backend.Command = defaultCommand(c.Backend.Host, c.Backend.Port)
		if c.Backend.Env == nil {
			c.Backend.Env = map[string]string{"STREAMLIT_SERVER_HEADLESS": "true"}
		}
	}
	if c.Backend.ReadyTimeoutSeconds == 0 {
		c.Backend.ReadyTimeoutSeconds = 30
	}
	if c.Backend.PollIntervalMS == 0 {
		c.Backend.PollIntervalMS = 1000
	}
	if c.Backend.ProbeTimeoutMS == 0 {
		c.Backend.ProbeTimeoutMS = 2000
	}
	if c.Backend.StopGraceSeconds == 0 {
		c.Backend.StopGraceSeconds = 10
	}
	if c.Backend.MaxRestarts == 0 {
		c.Backend.MaxRestarts = 5
	}

	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.CircuitBreaker.FailureThreshold == 0 {
		c.Upstream.CircuitBreaker.FailureThreshold = 5
	}
	if c.Upstream.CircuitBreaker.OpenSeconds == 0 {
		c.Upstream.CircuitBreaker.OpenSeconds = 3
	}

	if c.Inject.MaxBytes == 0 {
		c.Inject.MaxBytes = 5 * 1024 * 1024 // 5 MB
	}
	if c.Static.Dir == "" {
		c.Static.Dir = "static"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// defaultCommand runs the gallery app under Streamlit bound to the backend address.
func defaultCommand(host string, port int) []string {
	return []string{
		"python3", "-m", "streamlit", "run", "app.py",
		"--server.port=" + strconv.Itoa(port),
		"--server.address=" + host,
		"--server.headless=true",
		"--server.enableCORS=true",
		"--server.enableXsrfProtection=false",
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Addr returns the backend address as host:port.
func (c *BackendConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BaseURL is the origin HTTP requests are forwarded to.
func (c *BackendConfig) BaseURL() string {
	return "http://" + c.Addr()
}

// WebSocketURL is the origin WebSocket sessions are dialed against.
func (c *BackendConfig) WebSocketURL() string {
	return "ws://" + c.Addr()
}

// HealthURL is polled by the supervisor while the backend starts.
func (c *BackendConfig) HealthURL() string {
	return c.BaseURL() + c.HealthPath
}

// ReadyTimeout bounds the startup readiness wait.
func (c *BackendConfig) ReadyTimeout() time.Duration {
	return time.Duration(c.ReadyTimeoutSeconds) * time.Second
}

// PollInterval is the delay between readiness probes.
func (c *BackendConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ProbeTimeout bounds a single readiness probe.
func (c *BackendConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMS) * time.Millisecond
}

// StopGrace is how long the child gets between SIGTERM and SIGKILL.
func (c *BackendConfig) StopGrace() time.Duration {
	return time.Duration(c.StopGraceSeconds) * time.Second
}

// Timeout bounds a single forwarded HTTP request.
func (c *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
