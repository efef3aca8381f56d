package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"coap-proxy-go/internal/config"
	"coap-proxy-go/internal/pool"
)

// Version is a string type for dependency injection of the build version.
type Version string

// PoolStatter reports plain endpoint pool usage.
type PoolStatter interface {
	Stats() pool.Stats
}

// BuildCounter reports how many secure transports were constructed.
type BuildCounter interface {
	Builds() int64
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	pool    PoolStatter
	secure  BuildCounter
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, p PoolStatter, s BuildCounter) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, pool: p, secure: s}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status        string     `json:"status"`
	Version       string     `json:"version"`
	CoAPAddr      string     `json:"coap_addr"`
	ForwardPath   string     `json:"forward_path"`
	SecureEnabled bool       `json:"secure_enabled"`
	SecureBuilds  int64      `json:"secure_session_builds"`
	EndpointPool  pool.Stats `json:"endpoint_pool"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := StatusResponse{
		Status:        "ok",
		Version:       string(h.version),
		CoAPAddr:      h.cfg.CoAP.ListenAddr(),
		ForwardPath:   h.cfg.CoAP.ForwardPath,
		SecureEnabled: h.cfg.DTLS.SecureEnabled(),
	}
	if h.secure != nil {
		resp.SecureBuilds = h.secure.Builds()
	}
	if h.pool != nil {
		resp.EndpointPool = h.pool.Stats()
	}
	return c.JSON(http.StatusOK, resp)
}
