package middleware

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/platform/api"
	"github.com/careportal/careportal/internal/platform/audit"
)

// Timeout puts a deadline on each request. A handler that outlives its
// budget gets its context cancelled and the client receives a 503
// degraded envelope, with an UPSTREAM_TIMEOUT entry in the journal.
// Handlers must honor ctx cancellation; the goroutine running a stuck
// handler is abandoned, not killed.
func Timeout(budget time.Duration, auditor *audit.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), budget)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					if c.Response().Committed {
						return nil
					}
					if auditor != nil {
						e := &audit.Event{
							Type:       audit.TypeUpstreamTimeout,
							Outcome:    audit.OutcomeError,
							RemoteAddr: c.RealIP(),
							UserAgent:  c.Request().UserAgent(),
							RequestID:  api.RequestID(c),
							Details:    map[string]any{"path": c.Request().URL.Path},
						}
						// The request context is already dead; the write
						// rides its own deadline.
						_ = auditor.WriteSync(context.Background(), e)
					}
					return api.Degraded("request timed out").WithCause(ctx.Err())
				}
				// Client went away; nothing sensible left to write.
				return ctx.Err()
			}
		}
	}
}
