package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"coap-proxy-go/internal/config"
	"coap-proxy-go/internal/pool"
)

type stubPool struct{ stats pool.Stats }

func (s stubPool) Stats() pool.Stats { return s.stats }

type stubBuilds int64

func (s stubBuilds) Builds() int64 { return int64(s) }

func TestHealthz(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, "test", nil, nil)
	if err := h.Healthz(c); err != nil {
		t.Fatalf("Healthz() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestStatus(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	cfg := &config.Config{
		CoAP: config.CoAPConfig{Host: "0.0.0.0", Port: 5683, ForwardPath: "coap2coap"},
		DTLS: config.DTLSConfig{Identity: "password", PSK: "sesame"},
	}
	p := stubPool{stats: pool.Stats{Size: 16, InUse: 2, Idle: 1, Created: 3}}
	h := NewHealthHandler(cfg, "1.2.3", p, stubBuilds(1))
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("body.status = %q, want %q", body.Status, "ok")
	}
	if body.Version != "1.2.3" {
		t.Errorf("body.version = %q, want %q", body.Version, "1.2.3")
	}
	if body.CoAPAddr != "0.0.0.0:5683" {
		t.Errorf("body.coap_addr = %q, want %q", body.CoAPAddr, "0.0.0.0:5683")
	}
	if !body.SecureEnabled || body.SecureBuilds != 1 {
		t.Errorf("secure = %v/%d, want true/1", body.SecureEnabled, body.SecureBuilds)
	}
	if body.EndpointPool != p.stats {
		t.Errorf("body.endpoint_pool = %+v, want %+v", body.EndpointPool, p.stats)
	}
}

func TestStatus_NoDTLS(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := NewHealthHandler(&config.Config{}, "dev", nil, nil)
	if err := h.Status(c); err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	var body StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.SecureEnabled {
		t.Error("body.secure_enabled = true, want false")
	}
}
