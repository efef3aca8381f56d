package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRateLimit(t *testing.T) {
	e := echo.New()
	e.Use(RateLimit(1, 2))
	e.GET("/proxy/status", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	var codes []int
	for range 5 {
		req := httptest.NewRequest(http.MethodGet, "/proxy/status", http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("burst requests: codes = %v, want two 200s first", codes)
	}
	got429 := false
	for _, c := range codes[2:] {
		if c == http.StatusTooManyRequests {
			got429 = true
		}
	}
	if !got429 {
		t.Errorf("codes = %v, want at least one 429 after burst", codes)
	}
}
