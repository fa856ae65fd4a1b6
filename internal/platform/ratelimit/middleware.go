package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// MiddlewareConfig wires one class budget onto a route group.
type MiddlewareConfig struct {
	Class Class
	// Key derives the budget key from the request. Defaults to the remote
	// address.
	Key func(c echo.Context) string
	// OnDeny runs before the 429 leaves, so denial observations (audit)
	// are on disk before the client hears the answer.
	OnDeny func(c echo.Context, res Result)
	// Bot, when set, flags requests to refuse regardless of budget. Used
	// by the registration class.
	Bot func(c echo.Context) bool
}

// Middleware counts the request against the class budget, writes the
// X-RateLimit-* headers on every counted response, and denies with 429 via
// ErrLimited once the budget is gone. Store failures surface as
// ErrStoreUnavailable: the limiter defends against brute force, so a broken
// store denies rather than admits.
func Middleware(l *Limiter, cfg MiddlewareConfig) echo.MiddlewareFunc {
	key := cfg.Key
	if key == nil {
		key = KeyByIP
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			res, err := l.Check(c.Request().Context(), cfg.Class, key(c))
			if err != nil {
				return err
			}

			if res.Allowed && cfg.Bot != nil && cfg.Bot(c) {
				res.Allowed = false
				res.Remaining = 0
				res.RetryAfter = time.Until(res.ResetAt)
				if res.RetryAfter < time.Second {
					res.RetryAfter = time.Second
				}
			}

			WriteHeaders(c.Response().Header(), res)
			if !res.Allowed {
				if cfg.OnDeny != nil {
					cfg.OnDeny(c, res)
				}
				return ErrLimited
			}
			return next(c)
		}
	}
}

// KeyByIP keys the budget on the caller's remote address.
func KeyByIP(c echo.Context) string {
	return c.RealIP()
}

// WriteHeaders sets the rate-limit response headers for one decision:
// X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset on every
// counted response, plus Retry-After when denied.
func WriteHeaders(h http.Header, res Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	if !res.Allowed {
		secs := int(res.RetryAfter / time.Second)
		if res.RetryAfter%time.Second != 0 {
			secs++
		}
		if secs < 1 {
			secs = 1
		}
		h.Set("Retry-After", strconv.Itoa(secs))
	}
}
