package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/platform/audit"
	"github.com/careportal/careportal/internal/platform/ratelimit"
	"github.com/careportal/careportal/internal/platform/redact"
	"github.com/careportal/careportal/internal/platform/secrets"
)

// ErrorHandler returns the single echo.HTTPErrorHandler for the server.
// Every error escaping a handler or middleware passes through here and
// leaves as an envelope; no other code writes error status codes.
func ErrorHandler(log zerolog.Logger, clock secrets.Clock) echo.HTTPErrorHandler {
	if clock == nil {
		clock = secrets.SystemClock{}
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		apiErr := Classify(err)
		status := apiErr.Status()
		// Every failure gets an opaque id so clients can quote something
		// that correlates with the journal without exposing internals.
		if apiErr.ErrorID == "" {
			apiErr.ErrorID = secrets.NewID()
		}
		env := Envelope{
			Success:    false,
			StatusCode: status,
			Message:    redact.String(apiErr.Message),
			Errors:     apiErr.Fields,
			ErrorID:    apiErr.ErrorID,
			Timestamp:  clock.Now(),
			RequestID:  RequestID(c),
		}

		ev := log.Warn()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Err(err).
			Int("status", status).
			Str("request_id", env.RequestID).
			Str("error_id", apiErr.ErrorID).
			Str("path", c.Request().URL.Path).
			Msg("request failed")

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, env)
		}
		if writeErr != nil {
			log.Error().Err(writeErr).Str("request_id", env.RequestID).Msg("write error response")
		}
	}
}

// Classify resolves any error to a typed *Error. Sentinels from the
// platform packages map to their contractual statuses; unrecognized errors
// become internal failures with the real cause kept off the wire.
func Classify(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, ratelimit.ErrLimited):
		return NewError(KindRateLimited, "too many requests").WithCause(err)
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		return Degraded("service temporarily unavailable").WithCause(err)
	case errors.Is(err, audit.ErrSinkUnavailable):
		return Degraded("service temporarily unavailable").WithCause(err)
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return fromHTTPError(httpErr)
	}

	return Internal("internal server error").WithCause(err)
}

func fromHTTPError(httpErr *echo.HTTPError) *Error {
	message := http.StatusText(httpErr.Code)
	if s, ok := httpErr.Message.(string); ok && s != "" {
		message = s
	}
	e := NewError(kindForStatus(httpErr.Code), message)
	e.status = httpErr.Code
	if httpErr.Internal != nil {
		e = e.WithCause(httpErr.Internal)
	}
	return e
}

// kindForStatus classifies statuses raised by echo itself (router 404/405,
// binder 400, body limit 413). The original status survives; the kind only
// drives logging and retry semantics.
func kindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized:
		return KindAuthentication
	case http.StatusForbidden:
		return KindAuthorization
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return KindNotFound
	case http.StatusConflict:
		return KindConflict
	case http.StatusUnprocessableEntity:
		return KindValidation
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return KindDegraded
	default:
		if status >= 400 && status < 500 {
			return KindMalformed
		}
		return KindInternal
	}
}
