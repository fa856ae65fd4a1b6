package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/platform/api"
	"github.com/careportal/careportal/internal/platform/secrets"
)

func testClock() *secrets.FixedClock {
	return &secrets.FixedClock{Instant: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// newServer builds an echo instance with the envelope error handler and a
// trivial /ping route behind the given middleware.
func newServer(mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.HTTPErrorHandler = api.ErrorHandler(zerolog.Nop(), testClock())
	e.Use(mw...)
	e.GET("/ping", func(c echo.Context) error {
		return api.OK(c, "pong", nil)
	})
	return e
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) api.Envelope {
	t.Helper()
	var env api.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	return env
}

func TestRequestID_EchoesCallerID(t *testing.T) {
	e := newServer(RequestID())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(echo.HeaderXRequestID, "caller-supplied-1")
	rec := serve(e, req)

	if got := rec.Header().Get(echo.HeaderXRequestID); got != "caller-supplied-1" {
		t.Errorf("response id = %q, want caller's", got)
	}
	if env := decode(t, rec); env.RequestID != "caller-supplied-1" {
		t.Errorf("envelope requestId = %q, want caller's", env.RequestID)
	}
}

func TestRequestID_GeneratesWhenAbsent(t *testing.T) {
	e := newServer(RequestID())

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/ping", nil))

	rid := rec.Header().Get(echo.HeaderXRequestID)
	if rid == "" {
		t.Fatal("expected a generated request id")
	}
	if env := decode(t, rec); env.RequestID != rid {
		t.Errorf("envelope requestId = %q, header = %q", env.RequestID, rid)
	}
}

func TestRequestID_ReplacesHostileID(t *testing.T) {
	e := newServer(RequestID())

	for _, hostile := range []string{
		"evil\r\nSet-Cookie: x=1",
		strings.Repeat("a", 300),
	} {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(echo.HeaderXRequestID, hostile)
		rec := serve(e, req)

		got := rec.Header().Get(echo.HeaderXRequestID)
		if got == hostile || got == "" {
			t.Errorf("hostile id %q must be replaced, got %q", hostile, got)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := newServer(SecurityHeaders())

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/ping", nil))

	for header, want := range map[string]string{
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Referrer-Policy":           "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	e := newServer(Recovery(logger))
	e.GET("/boom", func(echo.Context) error {
		panic("handler exploded")
	})

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	env := decode(t, rec)
	if env.Success {
		t.Error("panic response must not claim success")
	}
	if strings.Contains(rec.Body.String(), "handler exploded") {
		t.Error("panic value leaked to the client")
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Error("panic must be logged")
	}

	// The server keeps serving after a panic.
	if after := serve(e, httptest.NewRequest(http.MethodGet, "/ping", nil)); after.Code != http.StatusOK {
		t.Errorf("post-panic status = %d, want 200", after.Code)
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	e := newServer(RequestID(), Logger(logger))

	serve(e, httptest.NewRequest(http.MethodGet, "/ping", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not json: %v (%q)", err, buf.String())
	}
	if line["method"] != "GET" || line["path"] != "/ping" {
		t.Errorf("log line = %v", line)
	}
	if rid, _ := line["request_id"].(string); rid == "" {
		t.Error("log line missing request_id")
	}
	if line["message"] != "request" {
		t.Errorf("message = %v, want request", line["message"])
	}
}

func TestLogger_ErrorsLogAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	e := newServer(Logger(logger))
	e.GET("/fail", func(echo.Context) error {
		return api.Internal("nope")
	})

	serve(e, httptest.NewRequest(http.MethodGet, "/fail", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not json: %v", err)
	}
	if line["level"] != "error" {
		t.Errorf("level = %v, want error", line["level"])
	}
}
