package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/platform/api"
	"github.com/careportal/careportal/internal/platform/secrets"
)

// maxRequestIDLen caps caller-supplied correlation ids.
const maxRequestIDLen = 128

// RequestID attaches a correlation id to every request. A well-formed
// X-Request-ID from the caller is echoed back; an absent, oversized, or
// header-breaking value is replaced with a generated id. Downstream code
// reads the id via api.RequestID, and it lands in every log line, audit
// event, and response envelope.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(echo.HeaderXRequestID)
			if rid == "" || len(rid) > maxRequestIDLen || strings.ContainsAny(rid, "\r\n") {
				rid = secrets.NewID()
			}
			api.SetRequestID(c, rid)
			c.Response().Header().Set(echo.HeaderXRequestID, rid)
			return next(c)
		}
	}
}
