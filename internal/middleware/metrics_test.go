package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	dto "github.com/prometheus/client_model/go"

	"coap-proxy-go/internal/metrics"
)

// requestLabels returns the label sets of every admin request counter sample.
func requestLabels(t *testing.T, m *metrics.Metrics) []map[string]string {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var out []map[string]string
	for _, f := range families {
		if f.GetName() != "coap_proxy_admin_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			out = append(out, labelMap(metric))
		}
	}
	return out
}

func labelMap(metric *dto.Metric) map[string]string {
	labels := make(map[string]string)
	for _, lp := range metric.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels
}

func TestAdminMetrics_Labels(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		path      string
		handler   echo.HandlerFunc
		want      map[string]string
		routeless bool
	}{
		{
			name:    "ok",
			method:  http.MethodGet,
			path:    "/proxy/status",
			handler: func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
			want:    map[string]string{"method": "GET", "status_code": "200", "path_prefix": "/proxy/status"},
		},
		{
			name:    "http error",
			method:  http.MethodGet,
			path:    "/proxy/status",
			handler: func(c echo.Context) error { return echo.NewHTTPError(http.StatusServiceUnavailable, "busy") },
			want:    map[string]string{"method": "GET", "status_code": "503", "path_prefix": "/proxy/status"},
		},
		{
			name:    "unknown method",
			method:  "XYZZY",
			path:    "/healthz",
			handler: func(c echo.Context) error { return c.String(http.StatusOK, "ok") },
			want:    map[string]string{"method": "other", "path_prefix": "/healthz"},
		},
		{
			name:    "plain error",
			method:  http.MethodGet,
			path:    "/proxy/status",
			handler: func(c echo.Context) error { return errors.New("boom") },
			want:    map[string]string{"method": "GET", "status_code": "500", "path_prefix": "/proxy/status"},
		},
		{
			name:      "router not found",
			method:    http.MethodGet,
			path:      "/nonexistent",
			routeless: true,
			want:      map[string]string{"method": "GET", "status_code": "404", "path_prefix": "other"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := echo.New()
			e.Use(AdminMetrics(m))
			if !tt.routeless {
				e.Any(tt.path, tt.handler)
			}

			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			samples := requestLabels(t, m)
			if len(samples) != 1 {
				t.Fatalf("samples = %d, want 1", len(samples))
			}
			for k, v := range tt.want {
				if samples[0][k] != v {
					t.Errorf("%s = %q, want %q", k, samples[0][k], v)
				}
			}
		})
	}
}

func TestAdminMetrics_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(AdminMetrics(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	found := false
	for _, f := range families {
		if f.GetName() == "coap_proxy_admin_http_request_duration_seconds" {
			for _, metric := range f.GetMetric() {
				if metric.GetHistogram().GetSampleCount() > 0 {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected coap_proxy_admin_http_request_duration_seconds with at least one sample")
	}
}

func TestAdminMetrics_LabelsByRoutePattern(t *testing.T) {
	m := metrics.New()
	e := echo.New()
	e.Use(AdminMetrics(m))
	e.GET("/proxy/status/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("id"))
	})

	for _, id := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy/status/"+id, http.NoBody))
	}

	samples := requestLabels(t, m)
	if len(samples) != 1 {
		t.Fatalf("series = %d, want 1", len(samples))
	}
	if got := samples[0]["path_prefix"]; got != "/proxy/status" {
		t.Errorf("path_prefix = %q, want /proxy/status", got)
	}
}
