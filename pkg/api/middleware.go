package api

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// requestMetrics returns middleware that records request counts and latency
// in the Prometheus registry and logs completed requests at debug level.
func requestMetrics() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)

			route := routeLabel(c.Request().URL.Path)
			method := c.Request().Method
			status := 0
			if resp, uerr := echo.UnwrapResponse(c.Response()); uerr == nil {
				status = resp.Status
			}
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}

			httpRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
			slog.Debug("HTTP request",
				"method", method,
				"path", c.Request().URL.Path,
				"status", status,
				"duration_ms", time.Since(start).Milliseconds())
			return err
		}
	}
}

// routeLabel collapses transaction ids so the route label stays bounded.
func routeLabel(p string) string {
	rest, ok := strings.CutPrefix(p, "/api/realtime/queue/")
	if !ok || rest == "" || rest == "pause" || rest == "resume" {
		return p
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return "/api/realtime/queue/:id" + rest[i:]
	}
	return "/api/realtime/queue/:id"
}
