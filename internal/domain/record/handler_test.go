package record

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
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
	"github.com/careportal/careportal/internal/platform/auth"
	"github.com/careportal/careportal/internal/platform/secrets"
	"github.com/careportal/careportal/internal/platform/token"
)

type mockHistoryStore struct {
	mu      sync.Mutex
	entries []HistoryEntry
	err     error
}

func (m *mockHistoryStore) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]HistoryEntry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, 0, m.err
	}
	var all []HistoryEntry
	for _, e := range m.entries {
		if e.PatientID == patientID {
			all = append(all, e)
		}
	}
	total := len(all)
	if offset >= total {
		return []HistoryEntry{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockHistoryStore) Summarize(_ context.Context, patientID string) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	sum := &Summary{PatientID: patientID, ByType: map[string]int{}}
	for _, e := range m.entries {
		if e.PatientID != patientID {
			continue
		}
		sum.ByType[e.RecordType]++
		sum.EntryCount++
		if sum.LastEntryAt == nil || e.RecordedAt.After(*sum.LastEntryAt) {
			at := e.RecordedAt
			sum.LastEntryAt = &at
		}
	}
	return sum, nil
}

func (m *mockHistoryStore) Add(_ context.Context, e *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, *e)
	return nil
}

type stubSubjects struct {
	recs map[string]*auth.SubjectRecord
}

func (s *stubSubjects) Lookup(_ context.Context, subjectID string) (*auth.SubjectRecord, error) {
	rec, ok := s.recs[subjectID]
	if !ok {
		return nil, auth.ErrSubjectNotFound
	}
	cp := *rec
	return &cp, nil
}

type stubRel struct {
	treating map[string]bool
}

func (s *stubRel) HasProviderPatient(_ context.Context, providerID, patientID string, _ time.Time) (bool, error) {
	return s.treating[providerID+"/"+patientID], nil
}

type fixture struct {
	e        *echo.Echo
	codec    *token.Codec
	store    *mockHistoryStore
	subjects *stubSubjects
	rel      *stubRel
	sink     *audit.MemorySink
	auditor  *audit.Logger
	clock    *secrets.FixedClock
}

func newFixture(t *testing.T) *fixture {
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

	seen := auth.NewMemorySeenStore()
	t.Cleanup(seen.Close)

	f := &fixture{
		codec: codec,
		store: &mockHistoryStore{},
		subjects: &stubSubjects{recs: map[string]*auth.SubjectRecord{
			"pat-1":  {SubjectID: "pat-1", Role: "patient", IsActive: true, IsEmailVerified: true},
			"pat-2":  {SubjectID: "pat-2", Role: "patient", IsActive: true, IsEmailVerified: true},
			"prov-1": {SubjectID: "prov-1", Role: "provider", IsActive: true, IsEmailVerified: true},
		}},
		rel:     &stubRel{treating: map[string]bool{}},
		sink:    sink,
		auditor: auditor,
		clock:   clock,
	}

	pipeline := auth.NewPipeline(codec, f.subjects, auditor, clock)
	guard := auth.NewGuard(codec, f.rel, seen, auditor, clock)

	f.e = echo.New()
	f.e.HTTPErrorHandler = api.ErrorHandler(zerolog.Nop(), clock)
	NewHandler(NewService(f.store, clock)).RegisterRoutes(f.e.Group("/api/v1"), pipeline, guard)
	return f
}

func (f *fixture) seed(patientID, recordType, title string) {
	f.store.entries = append(f.store.entries, HistoryEntry{
		ID:         "e-" + title,
		PatientID:  patientID,
		RecordType: recordType,
		Title:      title,
		Body:       "body of " + title,
		RecordedBy: "prov-1",
		RecordedAt: f.clock.Now(),
	})
}

func (f *fixture) accessToken(t *testing.T, subject, role string) string {
	t.Helper()
	claims := &token.AccessClaims{Role: role}
	claims.Subject = subject
	raw, err := f.codec.SignAccess(claims)
	if err != nil {
		t.Fatalf("sign access: %v", err)
	}
	return raw
}

func (f *fixture) medicalToken(t *testing.T, providerID, patientID string, perms ...string) string {
	t.Helper()
	raw, err := f.codec.SignMedical(&token.MedicalClaims{
		ProviderID:  providerID,
		PatientID:   patientID,
		RecordType:  TypeLabResult,
		Permissions: perms,
		Reason:      "ongoing care review",
	})
	if err != nil {
		t.Fatalf("sign medical: %v", err)
	}
	return raw
}

func (f *fixture) request(t *testing.T, method, path, accessToken string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if accessToken != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+accessToken)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func envelopeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env api.Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %q)", err, rec.Body.String())
	}
	m, ok := env.Data.(map[string]any)
	if !ok {
		t.Fatalf("data is %T, want object", env.Data)
	}
	return m
}

func TestMedicalHistory_PatientSelf(t *testing.T) {
	f := newFixture(t)
	f.seed("pat-1", TypeConsultationNote, "initial consult")
	f.seed("pat-1", TypeLabResult, "lipid panel")
	f.seed("pat-2", TypeLabResult, "other patient")

	rec := f.request(t, http.MethodGet, "/api/v1/patients/pat-1/medical-history",
		f.accessToken(t, "pat-1", "patient"), nil, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	data := envelopeData(t, rec)
	if total, _ := data["total"].(float64); total != 2 {
		t.Errorf("total = %v, want 2", data["total"])
	}
	entries, _ := data["data"].([]any)
	if len(entries) != 2 {
		t.Errorf("entries = %d, want 2", len(entries))
	}
	if strings.Contains(rec.Body.String(), "other patient") {
		t.Error("response leaked another patient's entry")
	}
}

func TestMedicalHistory_Pagination(t *testing.T) {
	f := newFixture(t)
	for _, title := range []string{"one", "two", "three"} {
		f.seed("pat-1", TypeConsultationNote, title)
	}

	rec := f.request(t, http.MethodGet, "/api/v1/patients/pat-1/medical-history?limit=2",
		f.accessToken(t, "pat-1", "patient"), nil, nil)
	data := envelopeData(t, rec)
	if entries, _ := data["data"].([]any); len(entries) != 2 {
		t.Errorf("page 1 entries = %d, want 2", len(entries))
	}
	if hasMore, _ := data["has_more"].(bool); !hasMore {
		t.Error("expected has_more on the first page")
	}

	rec = f.request(t, http.MethodGet, "/api/v1/patients/pat-1/medical-history?limit=2&offset=2",
		f.accessToken(t, "pat-1", "patient"), nil, nil)
	data = envelopeData(t, rec)
	if entries, _ := data["data"].([]any); len(entries) != 1 {
		t.Errorf("page 2 entries = %d, want 1", len(entries))
	}
}

func TestMedicalHistory_CrossPatientDenied(t *testing.T) {
	f := newFixture(t)
	f.seed("pat-2", TypeLabResult, "private result")

	rec := f.request(t, http.MethodGet, "/api/v1/patients/pat-2/medical-history",
		f.accessToken(t, "pat-1", "patient"), nil, nil)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "private result") {
		t.Error("denied response leaked record content")
	}
	if got := len(f.sink.ByType(audit.TypeUnauthorizedPatient)); got != 1 {
		t.Errorf("UNAUTHORIZED_PATIENT_ACCESS events = %d, want 1", got)
	}
}

func TestMedicalHistory_TreatingProvider(t *testing.T) {
	f := newFixture(t)
	f.seed("pat-1", TypeConsultationNote, "initial consult")
	f.rel.treating["prov-1/pat-1"] = true

	rec := f.request(t, http.MethodGet, "/api/v1/patients/pat-1/medical-history",
		f.accessToken(t, "prov-1", "provider"), nil, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}

	rec = f.request(t, http.MethodGet, "/api/v1/patients/pat-2/medical-history",
		f.accessToken(t, "prov-1", "provider"), nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("untreated patient status = %d, want 403", rec.Code)
	}
}

func TestMedicalHistory_Unauthenticated(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/api/v1/patients/pat-1/medical-history", "", nil, nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMedicalHistory_StoreError(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.New("connection refused")

	rec := f.request(t, http.MethodGet, "/api/v1/patients/pat-1/medical-history",
		f.accessToken(t, "pat-1", "patient"), nil, nil)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Error("internal cause leaked to the client")
	}
}

func TestRecordSummary(t *testing.T) {
	f := newFixture(t)
	f.seed("pat-1", TypeLabResult, "lipid panel")
	f.seed("pat-1", TypeLabResult, "cbc")
	f.seed("pat-1", TypePrescription, "amoxicillin")

	rec := f.request(t, http.MethodGet, "/api/v1/medical-records/pat-1/summary",
		f.accessToken(t, "prov-1", "provider"), nil,
		map[string]string{auth.HeaderMedicalToken: f.medicalToken(t, "prov-1", "pat-1", token.PermissionRead)})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	data := envelopeData(t, rec)
	if count, _ := data["entryCount"].(float64); count != 3 {
		t.Errorf("entryCount = %v, want 3", data["entryCount"])
	}
	byType, _ := data["byType"].(map[string]any)
	if n, _ := byType[TypeLabResult].(float64); n != 2 {
		t.Errorf("lab results = %v, want 2", byType[TypeLabResult])
	}

	f.auditor.Close()
	if got := len(f.sink.ByType(audit.TypeMedicalTokenAccess)); got != 1 {
		t.Errorf("MEDICAL_RECORD_TOKEN_ACCESS events = %d, want 1", got)
	}
}

func TestRecordSummary_TokenForAnotherPatient(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/api/v1/medical-records/pat-1/summary",
		f.accessToken(t, "prov-1", "provider"), nil,
		map[string]string{auth.HeaderMedicalToken: f.medicalToken(t, "prov-1", "pat-2", token.PermissionRead)})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestRecordSummary_NoMedicalToken(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/api/v1/medical-records/pat-1/summary",
		f.accessToken(t, "prov-1", "provider"), nil, nil)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAddEntry(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/medical-records/pat-1/entries",
		f.accessToken(t, "prov-1", "provider"),
		entryRequest{RecordType: TypePrescription, Title: "amoxicillin 500mg", Body: "3x daily for 7 days"},
		map[string]string{auth.HeaderMedicalToken: f.medicalToken(t, "prov-1", "pat-1", token.PermissionWrite)})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d (body %s)", rec.Code, rec.Body.String())
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if len(f.store.entries) != 1 {
		t.Fatalf("stored entries = %d, want 1", len(f.store.entries))
	}
	e := f.store.entries[0]
	if e.PatientID != "pat-1" || e.RecordedBy != "prov-1" {
		t.Errorf("entry = %+v", e)
	}
	if e.ID == "" {
		t.Error("entry id must be assigned")
	}
}

func TestAddEntry_ReadTokenDenied(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/medical-records/pat-1/entries",
		f.accessToken(t, "prov-1", "provider"),
		entryRequest{RecordType: TypePrescription, Title: "amoxicillin", Body: "3x daily"},
		map[string]string{auth.HeaderMedicalToken: f.medicalToken(t, "prov-1", "pat-1", token.PermissionRead)})

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 (read token cannot write)", rec.Code)
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if len(f.store.entries) != 0 {
		t.Error("nothing may be stored on a denied write")
	}
}

func TestAddEntry_Validation(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/medical-records/pat-1/entries",
		f.accessToken(t, "prov-1", "provider"),
		entryRequest{RecordType: "diary", Title: "", Body: "x"},
		map[string]string{auth.HeaderMedicalToken: f.medicalToken(t, "prov-1", "pat-1", token.PermissionWrite)})

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}
