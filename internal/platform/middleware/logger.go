package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/platform/api"
	"github.com/careportal/careportal/internal/platform/auth"
)

// Logger emits one structured line per request. When the request carries
// an authenticated principal the subject id is included, so the access log
// doubles as a coarse who-did-what trail alongside the audit log.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			}
			if pr, ok := auth.PrincipalFrom(c); ok {
				evt = evt.Str("subject", pr.SubjectID).Str("role", pr.Role)
			}

			evt.
				Str("request_id", api.RequestID(c)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
