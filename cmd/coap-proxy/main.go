package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/alitto/pond/v2"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"coap-proxy-go/internal/coapnet"
	"coap-proxy-go/internal/config"
	"coap-proxy-go/internal/handler"
	"coap-proxy-go/internal/ingress"
	"coap-proxy-go/internal/metrics"
	"coap-proxy-go/internal/middleware"
	"coap-proxy-go/internal/pool"
	"coap-proxy-go/internal/service"
	"coap-proxy-go/internal/translate"
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
		kong.Name("coap-proxy"),
		kong.Description("CoAP forward proxy for coap:// and coaps:// origins."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newWorkers,
			newTransportConfig,
			newEndpointPool,
			newSecureSessionCache,
			translate.New,
			newForwarder,
			newIngressHandler,
			newCoAPServer,
			newHealthHandler,
			newEcho,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startAdminServer, startCoAPServer),
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

	return slog.New(h).With("service", "coap-proxy")
}

func newWorkers(cfg *config.Config) pond.Pool {
	return pond.NewPool(cfg.Transport.Workers)
}

func newTransportConfig(cfg *config.Config) coapnet.Config {
	return coapnet.Config{
		AckTimeout:      cfg.Transport.AckTimeout(),
		MaxRetransmit:   uint32(cfg.Transport.MaxRetransmit),
		NStart:          uint32(cfg.Transport.NStart),
		ExchangeTimeout: cfg.Transport.ExchangeTimeout(),
	}
}

func newEndpointPool(cfg *config.Config, tc coapnet.Config, workers pond.Pool, logger *slog.Logger, m *metrics.Metrics) *pool.Pool[service.Endpoint] {
	return pool.New(cfg.Transport.PoolSize,
		func() (service.Endpoint, error) {
			return coapnet.NewPlainEndpoint(tc, workers, logger, m), nil
		},
		closeEndpoint,
		m,
	)
}

// newSecureSessionCache always returns a cache; without credentials it has
// no factory and coaps:// forwards fail with 5.00.
func newSecureSessionCache(cfg *config.Config, tc coapnet.Config, workers pond.Pool, logger *slog.Logger, m *metrics.Metrics) *service.SecureSessionCache {
	if !cfg.DTLS.SecureEnabled() {
		logger.Info("dtls credentials not configured; coaps forwarding disabled")
		return service.NewSecureSessionCache("", nil, nil, m)
	}
	factory := func(identity string, psk []byte) (service.Endpoint, error) {
		ep, err := coapnet.NewSecureEndpoint(tc, identity, psk, workers, logger, m)
		if err != nil {
			return nil, err
		}
		return ep, nil
	}
	return service.NewSecureSessionCache(cfg.DTLS.Identity, []byte(cfg.DTLS.PSK), factory, m)
}

func newForwarder(t *translate.CoAPTranslator, p *pool.Pool[service.Endpoint], s *service.SecureSessionCache, logger *slog.Logger, m *metrics.Metrics) *service.Forwarder {
	return service.NewForwarder(t, p, s, logger, m)
}

func newIngressHandler(f *service.Forwarder, cfg *config.Config, tc coapnet.Config, logger *slog.Logger, m *metrics.Metrics) *ingress.Handler {
	wait := tc.ExchangeTimeout
	if wait <= 0 {
		wait = coapnet.MaxTransmitWait(tc.AckTimeout, tc.MaxRetransmit)
	}
	ic := ingress.Config{
		ForwardPath: cfg.CoAP.ForwardPath,
		// Leave room for the endpoint's own deadline to report first.
		WaitTimeout: wait + time.Second,
	}
	if cfg.CoAP.RateLimit.Enabled {
		ic.RequestsPerSecond = cfg.CoAP.RateLimit.RequestsPerSecond
		ic.Burst = cfg.CoAP.RateLimit.Burst
		logger.Info("coap rate limiter enabled", "rps", ic.RequestsPerSecond, "burst", ic.Burst)
	}
	return ingress.NewHandler(f, ic, logger, m)
}

func newCoAPServer(cfg *config.Config, h *ingress.Handler, logger *slog.Logger) *ingress.Server {
	return ingress.NewServer(cfg.CoAP.ListenAddr(), h, logger)
}

func newHealthHandler(cfg *config.Config, v handler.Version, p *pool.Pool[service.Endpoint], s *service.SecureSessionCache) *handler.HealthHandler {
	return handler.NewHealthHandler(cfg, v, p, s)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 10 * time.Second
	e.Server.WriteTimeout = 30 * time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 5 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.AdminHeaders())

	if cfg.Metrics.Enabled {
		e.Use(middleware.AdminMetrics(m))
	}
	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimit(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst))
		logger.Info("admin rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func closeEndpoint(ep service.Endpoint) error {
	if c, ok := ep.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startAdminServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting admin server", "addr", addr)
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("admin server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down admin server")
			return e.Shutdown(ctx)
		},
	})
}

func startCoAPServer(
	lc fx.Lifecycle,
	s *ingress.Server,
	endpoints *pool.Pool[service.Endpoint],
	secure *service.SecureSessionCache,
	workers pond.Pool,
	logger *slog.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			return s.Start()
		},
		OnStop: func(ctx context.Context) error {
			errs := []error{s.Stop(), endpoints.Close(), secure.Close()}

			done := make(chan struct{})
			go func() {
				workers.StopAndWait()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				logger.Warn("exchanges still running at shutdown")
				errs = append(errs, ctx.Err())
			}
			return errors.Join(errs...)
		},
	})
}
