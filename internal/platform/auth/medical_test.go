package auth

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/careportal/careportal/internal/platform/audit"
	"github.com/careportal/careportal/internal/platform/token"
)

type failingSeenStore struct{ err error }

func (s failingSeenStore) MarkSeen(context.Context, string, time.Duration) (bool, error) {
	return false, s.err
}

func medicalRoute(f *authFixture, action string) {
	f.e.GET("/medical-records/:patientId/summary", okHandler,
		f.injectPrincipal(), f.guard.RequireMedicalScope(action, "patientId"))
}

func (f *authFixture) signMedical(t *testing.T, mut func(*token.MedicalClaims)) string {
	t.Helper()
	claims := &token.MedicalClaims{
		ProviderID:  "prov-1",
		PatientID:   "pat-1",
		RecordType:  "lab_results",
		Permissions: []string{token.PermissionRead},
		Reason:      "ongoing care review",
	}
	if mut != nil {
		mut(claims)
	}
	raw, err := f.codec.SignMedical(claims)
	if err != nil {
		t.Fatalf("sign medical: %v", err)
	}
	return raw
}

func withMedicalToken(tok string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set(HeaderMedicalToken, tok)
	}
}

func providerPrincipal() *Principal {
	return &Principal{SubjectID: "prov-1", Role: "provider", EmailVerified: true}
}

func TestRequireMedicalScope(t *testing.T) {
	f := newAuthFixture(t)
	medicalRoute(f, token.PermissionRead)
	f.principal = providerPrincipal()

	res := f.get(t, "/medical-records/pat-1/summary", withMedicalToken(f.signMedical(t, nil)))

	if res.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", res.Code, res.Body.String())
	}
	f.auditor.Close()
	events := f.sink.ByType(audit.TypeMedicalTokenAccess)
	if len(events) != 1 {
		t.Fatalf("MEDICAL_RECORD_TOKEN_ACCESS events = %d, want 1", len(events))
	}
	if events[0].Details["recordType"] != "lab_results" || events[0].Details["action"] != token.PermissionRead {
		t.Errorf("details = %v", events[0].Details)
	}
}

func TestRequireMedicalScope_MissingToken(t *testing.T) {
	f := newAuthFixture(t)
	medicalRoute(f, token.PermissionRead)
	f.principal = providerPrincipal()

	res := f.get(t, "/medical-records/pat-1/summary")

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.Code)
	}
	events := f.sink.ByType(audit.TypeInvalidToken)
	if len(events) != 1 || events[0].Details["failure"] != "MISSING" {
		t.Errorf("events = %+v, want one MISSING failure", events)
	}
}

func TestRequireMedicalScope_GarbageToken(t *testing.T) {
	f := newAuthFixture(t)
	medicalRoute(f, token.PermissionRead)
	f.principal = providerPrincipal()

	res := f.get(t, "/medical-records/pat-1/summary", withMedicalToken("garbage"))

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.Code)
	}
}

func TestRequireMedicalScope_BoundToAnotherProvider(t *testing.T) {
	f := newAuthFixture(t)
	medicalRoute(f, token.PermissionRead)
	f.principal = providerPrincipal()

	tok := f.signMedical(t, func(m *token.MedicalClaims) { m.ProviderID = "prov-2" })
	res := f.get(t, "/medical-records/pat-1/summary", withMedicalToken(tok))

	if res.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", res.Code)
	}
	events := f.sink.ByType(audit.TypeUnauthorizedPatient)
	if len(events) != 1 || events[0].Details["reason"] != "token bound to another provider" {
		t.Errorf("events = %+v", events)
	}
}

func TestRequireMedicalScope_BoundToAnotherPatient(t *testing.T) {
	f := newAuthFixture(t)
	medicalRoute(f, token.PermissionRead)
	f.principal = providerPrincipal()

	res := f.get(t, "/medical-records/pat-9/summary", withMedicalToken(f.signMedical(t, nil)))

	if res.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", res.Code)
	}
}

func TestRequireMedicalScope_ActionNotGranted(t *testing.T) {
	f := newAuthFixture(t)
	medicalRoute(f, token.PermissionWrite)
	f.principal = providerPrincipal()

	// A read-only token cannot open a write route.
	res := f.get(t, "/medical-records/pat-1/summary", withMedicalToken(f.signMedical(t, nil)))

	if res.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", res.Code)
	}
	events := f.sink.ByType(audit.TypeUnauthorizedPatient)
	if len(events) != 1 || events[0].Details["reason"] != "action not granted" {
		t.Errorf("events = %+v", events)
	}
}

func TestRequireMedicalScope_SingleUse(t *testing.T) {
	f := newAuthFixture(t)
	medicalRoute(f, token.PermissionRead)
	f.principal = providerPrincipal()
	tok := f.signMedical(t, nil)

	if res := f.get(t, "/medical-records/pat-1/summary", withMedicalToken(tok)); res.Code != http.StatusOK {
		t.Fatalf("first use status = %d, want 200", res.Code)
	}

	res := f.get(t, "/medical-records/pat-1/summary", withMedicalToken(tok))
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("second use status = %d, want 401", res.Code)
	}
	var reused bool
	for _, e := range f.sink.ByType(audit.TypeInvalidToken) {
		if e.Details["failure"] == "REUSED" {
			reused = true
		}
	}
	if !reused {
		t.Error("expected an INVALID_TOKEN event with failure REUSED")
	}
}

func TestRequireMedicalScope_SeenStoreOutage(t *testing.T) {
	f := newAuthFixture(t)
	f.guard = NewGuard(f.codec, f.rel, failingSeenStore{err: errors.New("connection refused")}, f.auditor, f.clock)
	medicalRoute(f, token.PermissionRead)
	f.principal = providerPrincipal()

	res := f.get(t, "/medical-records/pat-1/summary", withMedicalToken(f.signMedical(t, nil)))

	// Single-use enforcement fails closed.
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", res.Code)
	}
}

func TestRequireMedicalScope_Unauthenticated(t *testing.T) {
	f := newAuthFixture(t)
	medicalRoute(f, token.PermissionRead)
	f.principal = nil

	res := f.get(t, "/medical-records/pat-1/summary", withMedicalToken(f.signMedical(t, nil)))

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", res.Code)
	}
}

func TestMemorySeenStore(t *testing.T) {
	s := NewMemorySeenStore()
	defer s.Close()
	ctx := context.Background()

	seen, err := s.MarkSeen(ctx, "jti-1", time.Minute)
	if err != nil || seen {
		t.Fatalf("first mark = (%v, %v), want (false, nil)", seen, err)
	}
	seen, err = s.MarkSeen(ctx, "jti-1", time.Minute)
	if err != nil || !seen {
		t.Fatalf("second mark = (%v, %v), want (true, nil)", seen, err)
	}
	if seen, _ := s.MarkSeen(ctx, "jti-2", time.Minute); seen {
		t.Error("distinct ids must not collide")
	}
}

func TestMemorySeenStore_EntriesExpire(t *testing.T) {
	s := NewMemorySeenStore()
	defer s.Close()
	ctx := context.Background()

	if seen, _ := s.MarkSeen(ctx, "jti-1", 10*time.Millisecond); seen {
		t.Fatal("first mark must be unseen")
	}
	time.Sleep(30 * time.Millisecond)
	if seen, _ := s.MarkSeen(ctx, "jti-1", time.Minute); seen {
		t.Error("an expired record must not count as seen")
	}

	s.cleanup()
	if seen, _ := s.MarkSeen(ctx, "jti-1", time.Minute); !seen {
		t.Error("the re-marked record must survive cleanup")
	}
}

func TestRedisSeenStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisSeenStore(client)
	ctx := context.Background()

	seen, err := s.MarkSeen(ctx, "jti-1", time.Minute)
	if err != nil || seen {
		t.Fatalf("first mark = (%v, %v), want (false, nil)", seen, err)
	}
	seen, err = s.MarkSeen(ctx, "jti-1", time.Minute)
	if err != nil || !seen {
		t.Fatalf("second mark = (%v, %v), want (true, nil)", seen, err)
	}

	mr.FastForward(2 * time.Minute)
	if seen, _ := s.MarkSeen(ctx, "jti-1", time.Minute); seen {
		t.Error("the record must expire with the token")
	}
}
