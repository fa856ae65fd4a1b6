package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/platform/api"
	"github.com/careportal/careportal/internal/platform/audit"
	"github.com/careportal/careportal/internal/platform/secrets"
	"github.com/careportal/careportal/internal/platform/token"
)

type stubSubjects struct {
	mu   sync.Mutex
	recs map[string]*SubjectRecord
	err  error
}

func (s *stubSubjects) Lookup(_ context.Context, subjectID string) (*SubjectRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	rec, ok := s.recs[subjectID]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	cp := *rec
	return &cp, nil
}

type stubRel struct {
	mu       sync.Mutex
	treating map[string]bool
	err      error
}

func (s *stubRel) HasProviderPatient(_ context.Context, providerID, patientID string, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	return s.treating[providerID+"/"+patientID], nil
}

type authFixture struct {
	e        *echo.Echo
	codec    *token.Codec
	subjects *stubSubjects
	rel      *stubRel
	seen     *MemorySeenStore
	sink     *audit.MemorySink
	auditor  *audit.Logger
	clock    *secrets.FixedClock
	pipeline *Pipeline
	guard    *Guard

	// principal, when set, is injected by injectPrincipal ahead of the
	// guard under test.
	principal *Principal
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	clock := &secrets.FixedClock{Instant: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	provider, err := secrets.NewStaticProvider(map[secrets.KeyUse]secrets.Keys{
		secrets.UseAccess:  {Primary: []byte(strings.Repeat("a", 32))},
		secrets.UseRefresh: {Primary: []byte(strings.Repeat("r", 32))},
		secrets.UseMedical: {Primary: []byte(strings.Repeat("m", 32))},
		secrets.UseReset:   {Primary: []byte(strings.Repeat("s", 32))},
	})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	codec, err := token.NewCodec(token.Config{
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 14 * 24 * time.Hour,
		MedicalTTL: 30 * time.Minute,
		ResetTTL:   30 * time.Minute,
		Skew:       time.Minute,
	}, provider, clock)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	sink := audit.NewMemorySink()
	auditor, err := audit.NewLogger(audit.Config{}, sink, zerolog.Nop(), clock)
	if err != nil {
		t.Fatalf("auditor: %v", err)
	}
	t.Cleanup(auditor.Close)

	seen := NewMemorySeenStore()
	t.Cleanup(seen.Close)

	f := &authFixture{
		codec:    codec,
		subjects: &stubSubjects{recs: make(map[string]*SubjectRecord)},
		rel:      &stubRel{treating: make(map[string]bool)},
		seen:     seen,
		sink:     sink,
		auditor:  auditor,
		clock:    clock,
	}
	f.pipeline = NewPipeline(codec, f.subjects, auditor, clock)
	f.guard = NewGuard(codec, f.rel, seen, auditor, clock)

	f.e = echo.New()
	f.e.HTTPErrorHandler = api.ErrorHandler(zerolog.Nop(), clock)
	f.e.GET("/protected", echoPrincipal, f.pipeline.Authenticate())
	f.e.GET("/optional", echoPrincipal, f.pipeline.AuthenticateOptional())
	return f
}

func echoPrincipal(c echo.Context) error {
	pr, ok := PrincipalFrom(c)
	if !ok {
		return api.OK(c, "anonymous", nil)
	}
	return api.OK(c, "ok", map[string]any{"subject": pr.SubjectID, "role": pr.Role})
}

// injectPrincipal plants the fixture's principal ahead of a guard under
// test, standing in for the pipeline.
func (f *authFixture) injectPrincipal() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if f.principal != nil {
				c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), f.principal)))
			}
			return next(c)
		}
	}
}

func (f *authFixture) addSubject(rec *SubjectRecord) {
	f.subjects.mu.Lock()
	defer f.subjects.mu.Unlock()
	f.subjects.recs[rec.SubjectID] = rec
}

func (f *authFixture) signAccess(t *testing.T, subject, role string) string {
	t.Helper()
	claims := &token.AccessClaims{Role: role}
	claims.Subject = subject
	raw, err := f.codec.SignAccess(claims)
	if err != nil {
		t.Fatalf("sign access: %v", err)
	}
	return raw
}

func (f *authFixture) get(t *testing.T, path string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func asBearer(tok string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set(echo.HeaderAuthorization, "Bearer "+tok)
	}
}

func readEnvelope(t *testing.T, rec *httptest.ResponseRecorder) api.Envelope {
	t.Helper()
	var env api.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	return env
}

func activeSubject(id, role string) *SubjectRecord {
	return &SubjectRecord{
		SubjectID:       id,
		Role:            role,
		Permissions:     []string{"records:read"},
		IsActive:        true,
		IsEmailVerified: true,
	}
}

func TestPipeline_ValidToken(t *testing.T) {
	f := newAuthFixture(t)
	f.addSubject(activeSubject("subj-1", "patient"))

	rec := f.get(t, "/protected", asBearer(f.signAccess(t, "subj-1", "patient")))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	env := readEnvelope(t, rec)
	data, _ := env.Data.(map[string]any)
	if data["subject"] != "subj-1" || data["role"] != "patient" {
		t.Errorf("principal = %v", data)
	}

	f.auditor.Close()
	if got := len(f.sink.ByType(audit.TypeAuthenticationSuccess)); got != 1 {
		t.Errorf("AUTHENTICATION_SUCCESS events = %d, want 1", got)
	}
}

func TestPipeline_CookieToken(t *testing.T) {
	f := newAuthFixture(t)
	f.addSubject(activeSubject("subj-1", "patient"))
	tok := f.signAccess(t, "subj-1", "patient")

	rec := f.get(t, "/protected", func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: CookieAccessToken, Value: tok})
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
}

func TestPipeline_MissingToken(t *testing.T) {
	f := newAuthFixture(t)

	rec := f.get(t, "/protected")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := len(f.sink.ByType(audit.TypeUnauthenticatedAttempt)); got != 1 {
		t.Errorf("UNAUTHENTICATED_ATTEMPT events = %d, want 1", got)
	}
}

func TestPipeline_MalformedHeaderDoesNotFallThrough(t *testing.T) {
	f := newAuthFixture(t)
	f.addSubject(activeSubject("subj-1", "patient"))
	tok := f.signAccess(t, "subj-1", "patient")

	// A broken Authorization header must not be rescued by a valid cookie.
	rec := f.get(t, "/protected", func(r *http.Request) {
		r.Header.Set(echo.HeaderAuthorization, "Basic dXNlcjpwdw==")
		r.AddCookie(&http.Cookie{Name: CookieAccessToken, Value: tok})
	})

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPipeline_GarbageToken(t *testing.T) {
	f := newAuthFixture(t)

	rec := f.get(t, "/protected", asBearer("garbage"))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	events := f.sink.ByType(audit.TypeInvalidToken)
	if len(events) != 1 {
		t.Fatalf("INVALID_TOKEN events = %d, want 1", len(events))
	}
	if events[0].Details["failure"] != "MALFORMED" {
		t.Errorf("failure = %v", events[0].Details["failure"])
	}
}

func TestPipeline_ExpiredToken(t *testing.T) {
	f := newAuthFixture(t)
	f.addSubject(activeSubject("subj-1", "patient"))
	tok := f.signAccess(t, "subj-1", "patient")

	f.clock.Advance(15*time.Minute + 2*time.Minute)

	rec := f.get(t, "/protected", asBearer(tok))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	events := f.sink.ByType(audit.TypeInvalidToken)
	if len(events) != 1 || events[0].Details["failure"] != "EXPIRED" {
		t.Errorf("events = %+v, want one EXPIRED failure", events)
	}
}

func TestPipeline_WrongTokenVariant(t *testing.T) {
	f := newAuthFixture(t)
	f.addSubject(activeSubject("subj-1", "patient"))
	refresh := &token.RefreshClaims{}
	refresh.Subject = "subj-1"
	raw, err := f.codec.SignRefresh(refresh)
	if err != nil {
		t.Fatalf("sign refresh: %v", err)
	}

	rec := f.get(t, "/protected", asBearer(raw))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("a refresh token must not open a protected route, status = %d", rec.Code)
	}
}

func TestPipeline_UnknownSubject(t *testing.T) {
	f := newAuthFixture(t)

	rec := f.get(t, "/protected", asBearer(f.signAccess(t, "ghost", "patient")))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := len(f.sink.ByType(audit.TypeInactiveOrMissingSubject)); got != 1 {
		t.Errorf("INACTIVE_OR_MISSING_SUBJECT events = %d, want 1", got)
	}
}

func TestPipeline_InactiveSubject(t *testing.T) {
	f := newAuthFixture(t)
	rec := activeSubject("subj-1", "patient")
	rec.IsActive = false
	f.addSubject(rec)

	res := f.get(t, "/protected", asBearer(f.signAccess(t, "subj-1", "patient")))

	if res.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", res.Code)
	}
	if got := len(f.sink.ByType(audit.TypeInactiveOrMissingSubject)); got != 1 {
		t.Errorf("INACTIVE_OR_MISSING_SUBJECT events = %d, want 1", got)
	}
}

func TestPipeline_PasswordChangeSupersedesToken(t *testing.T) {
	f := newAuthFixture(t)
	rec := activeSubject("subj-1", "patient")
	rec.PasswordUpdatedAt = f.clock.Now()
	f.addSubject(rec)

	// Minted in the same second as the change: survives.
	tok := f.signAccess(t, "subj-1", "patient")
	if res := f.get(t, "/protected", asBearer(tok)); res.Code != http.StatusOK {
		t.Fatalf("same-second token status = %d, want 200", res.Code)
	}

	// Minted before a later change: dead.
	f.clock.Advance(10 * time.Second)
	f.subjects.mu.Lock()
	f.subjects.recs["subj-1"].PasswordUpdatedAt = f.clock.Now()
	f.subjects.mu.Unlock()

	res := f.get(t, "/protected", asBearer(tok))
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("superseded token status = %d, want 401", res.Code)
	}
	var superseded bool
	for _, e := range f.sink.ByType(audit.TypeInvalidToken) {
		if e.Details["failure"] == "SUPERSEDED" {
			superseded = true
		}
	}
	if !superseded {
		t.Error("expected an INVALID_TOKEN event with failure SUPERSEDED")
	}
}

func TestPipeline_SubjectStoreError(t *testing.T) {
	f := newAuthFixture(t)
	f.subjects.err = errors.New("connection refused")

	rec := f.get(t, "/protected", asBearer(f.signAccess(t, "subj-1", "patient")))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 (infrastructure failure, not a denial)", rec.Code)
	}
}

func TestPipeline_Optional(t *testing.T) {
	f := newAuthFixture(t)
	f.addSubject(activeSubject("subj-1", "patient"))

	// No token: anonymous passage.
	res := f.get(t, "/optional")
	if res.Code != http.StatusOK {
		t.Fatalf("anonymous status = %d, want 200", res.Code)
	}
	if env := readEnvelope(t, res); env.Message != "anonymous" {
		t.Errorf("message = %q, expected no principal", env.Message)
	}

	// A valid token still attaches the principal.
	res = f.get(t, "/optional", asBearer(f.signAccess(t, "subj-1", "patient")))
	if env := readEnvelope(t, res); env.Message != "ok" {
		t.Errorf("message = %q, expected a principal", env.Message)
	}

	// A presented-but-bad token is still rejected.
	res = f.get(t, "/optional", asBearer("garbage"))
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", res.Code)
	}
}
