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
	"/etc/coap-proxy/config.toml",
	"configs/config.toml",
}

// pskPlaceholder is the value shipped in the example config.
const pskPlaceholder = "CHANGE_ME"

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config       string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host         string `kong:"help='Admin HTTP listen host (overrides config).',env='HOST'"`
	Port         int    `kong:"short='p',help='Admin HTTP listen port (overrides config).',env='PORT'"`
	CoAPPort     int    `kong:"name='coap-port',help='CoAP listen port (overrides config).',env='COAP_PORT'"`
	DTLSIdentity string `kong:"name='dtls-identity',help='DTLS PSK identity (overrides config).',env='DTLS_IDENTITY'"`
	DTLSPSK      string `kong:"name='dtls-psk',help='DTLS pre-shared key (overrides config).',env='DTLS_PSK'"`
	LogLevel     string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	CoAP      CoAPConfig      `toml:"coap"`
	DTLS      DTLSConfig      `toml:"dtls"`
	Transport TransportConfig `toml:"transport"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds admin HTTP server settings.
type ServerConfig struct {
	Host      string          `toml:"host"`
	Port      int             `toml:"port"` // 0 means "use default" (8080)
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// CoAPConfig holds the CoAP ingress listener settings.
type CoAPConfig struct {
	Host        string          `toml:"host"`
	Port        int             `toml:"port"` // 0 means "use default" (5683)
	ForwardPath string          `toml:"forward_path"`
	RateLimit   RateLimitConfig `toml:"rate_limit"`
}

// DTLSConfig holds the PSK credentials used towards coaps:// origins.
type DTLSConfig struct {
	Identity string `toml:"identity"`
	PSK      string `toml:"psk"`
}

// TransportConfig holds CoAP transmission parameters and pool sizing.
type TransportConfig struct {
	AckTimeoutMS           int `toml:"ack_timeout_ms"`
	MaxRetransmit          int `toml:"max_retransmit"`
	NStart                 int `toml:"nstart"`
	ExchangeTimeoutSeconds int `toml:"exchange_timeout_seconds"` // 0 means MAX_TRANSMIT_WAIT
	PoolSize               int `toml:"pool_size"`
	Workers                int `toml:"workers"`
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

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/coap-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
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
	if cli.CoAPPort != 0 {
		c.CoAP.Port = cli.CoAPPort
	}
	if cli.DTLSIdentity != "" {
		c.DTLS.Identity = cli.DTLSIdentity
	}
	if cli.DTLSPSK != "" {
		c.DTLS.PSK = cli.DTLSPSK
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// DTLS credentials: both or neither.
	if c.DTLS.PSK == pskPlaceholder {
		return fmt.Errorf("dtls.psk contains placeholder value; set a real key or leave empty to disable coaps forwarding")
	}
	if (c.DTLS.Identity == "") != (c.DTLS.PSK == "") {
		return fmt.Errorf("dtls.identity and dtls.psk must be set together")
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.CoAP.Port < 0 || c.CoAP.Port > 65535 {
		return fmt.Errorf("coap.port must be 0–65535; got %d", c.CoAP.Port)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.CoAP.RateLimit.Enabled && c.CoAP.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("coap.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.CoAP.RateLimit.RequestsPerSecond)
	}
	if c.CoAP.RateLimit.Burst < 0 {
		return fmt.Errorf("coap.rate_limit.burst must be non-negative; got %d", c.CoAP.RateLimit.Burst)
	}
	if strings.Contains(strings.Trim(c.CoAP.ForwardPath, "/"), "/") {
		return fmt.Errorf("coap.forward_path must be a single path segment; got %q", c.CoAP.ForwardPath)
	}

	t := c.Transport
	if t.AckTimeoutMS < 0 {
		return fmt.Errorf("transport.ack_timeout_ms must be non-negative; got %d", t.AckTimeoutMS)
	}
	// 2^(n+1) grows fast; more than 8 retransmissions is never useful on UDP.
	if t.MaxRetransmit < 0 || t.MaxRetransmit > 8 {
		return fmt.Errorf("transport.max_retransmit must be 0–8; got %d", t.MaxRetransmit)
	}
	if t.NStart < 0 {
		return fmt.Errorf("transport.nstart must be non-negative; got %d", t.NStart)
	}
	if t.ExchangeTimeoutSeconds < 0 {
		return fmt.Errorf("transport.exchange_timeout_seconds must be non-negative; got %d", t.ExchangeTimeoutSeconds)
	}
	if t.PoolSize < 0 {
		return fmt.Errorf("transport.pool_size must be non-negative; got %d", t.PoolSize)
	}
	if t.Workers < 0 {
		return fmt.Errorf("transport.workers must be non-negative; got %d", t.Workers)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with defaults. For integer fields zero
// means "unset" because TOML cannot distinguish an explicit 0 from an omitted
// key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.CoAP.Host == "" {
		c.CoAP.Host = "0.0.0.0"
	}
	if c.CoAP.Port == 0 {
		c.CoAP.Port = 5683
	}
	c.CoAP.ForwardPath = strings.Trim(c.CoAP.ForwardPath, "/")
	if c.CoAP.ForwardPath == "" {
		c.CoAP.ForwardPath = "coap2coap"
	}
	if c.Transport.AckTimeoutMS == 0 {
		c.Transport.AckTimeoutMS = 2000
	}
	if c.Transport.MaxRetransmit == 0 {
		c.Transport.MaxRetransmit = 4
	}
	if c.Transport.NStart == 0 {
		c.Transport.NStart = 1
	}
	if c.Transport.PoolSize == 0 {
		c.Transport.PoolSize = 16
	}
	if c.Transport.Workers == 0 {
		c.Transport.Workers = 256
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

// Addr returns the admin server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ListenAddr returns the CoAP listen address as host:port.
func (c *CoAPConfig) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// AckTimeout returns the CoAP ACK_TIMEOUT.
func (c *TransportConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMS) * time.Millisecond
}

// ExchangeTimeout returns the configured exchange deadline, or zero to let
// the transport derive it from the transmission parameters.
func (c *TransportConfig) ExchangeTimeout() time.Duration {
	return time.Duration(c.ExchangeTimeoutSeconds) * time.Second
}

// SecureEnabled reports whether DTLS credentials are configured.
func (c *DTLSConfig) SecureEnabled() bool {
	return c.Identity != "" && c.PSK != ""
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may hold the DTLS pre-shared key.
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
