// Package api owns the response envelope and the only place where error
// kinds become HTTP status codes. Handlers return errors; nothing outside
// this package writes a status for a failure.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Envelope is the body shape every endpoint returns, success or failure.
type Envelope struct {
	Success    bool         `json:"success"`
	StatusCode int          `json:"statusCode"`
	Message    string       `json:"message"`
	Data       any          `json:"data,omitempty"`
	Errors     []FieldError `json:"errors,omitempty"`
	ErrorID    string       `json:"errorId,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
	RequestID  string       `json:"requestId"`
}

// FieldError pins a validation failure to one input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// requestIDKey is where the request-id middleware parks the id on the echo
// context.
const requestIDKey = "request_id"

// RequestID returns the correlation id attached to this request.
func RequestID(c echo.Context) string {
	rid, _ := c.Get(requestIDKey).(string)
	return rid
}

// SetRequestID stores the correlation id for the rest of the request.
func SetRequestID(c echo.Context, rid string) {
	c.Set(requestIDKey, rid)
}

// Success writes a success envelope with the given status.
func Success(c echo.Context, status int, message string, data any) error {
	return c.JSON(status, Envelope{
		Success:    true,
		StatusCode: status,
		Message:    message,
		Data:       data,
		Timestamp:  time.Now().UTC(),
		RequestID:  RequestID(c),
	})
}

// OK writes a 200 success envelope.
func OK(c echo.Context, message string, data any) error {
	return Success(c, http.StatusOK, message, data)
}

// Created writes a 201 success envelope.
func Created(c echo.Context, message string, data any) error {
	return Success(c, http.StatusCreated, message, data)
}
