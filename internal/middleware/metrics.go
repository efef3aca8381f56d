package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"coap-proxy-go/internal/metrics"
)

// AdminMetrics records count and latency of admin requests, labelled by
// the matched route rather than the raw URL.
func AdminMetrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m.ObserveAdminRequest(c.Request().Method, statusOf(c, err), route, time.Since(start))
			return err
		}
	}
}

// statusOf is the status the client will see. Errors are written later by
// the echo error handler, which answers 500 for anything but *echo.HTTPError.
func statusOf(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
