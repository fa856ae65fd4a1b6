package record

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/careportal/careportal/internal/platform/api"
	"github.com/careportal/careportal/internal/platform/secrets"
)

type Service struct {
	store HistoryStore
	clock secrets.Clock
}

func NewService(store HistoryStore, clock secrets.Clock) *Service {
	if clock == nil {
		clock = secrets.SystemClock{}
	}
	return &Service{store: store, clock: clock}
}

func (s *Service) History(ctx context.Context, patientID string, limit, offset int) ([]HistoryEntry, int, error) {
	return s.store.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) Summarize(ctx context.Context, patientID string) (*Summary, error) {
	return s.store.Summarize(ctx, patientID)
}

// EntryParams is the input to AddEntry after transport decoding.
type EntryParams struct {
	PatientID  string
	RecordType string
	Title      string
	Body       string
	RecordedBy string
}

func (s *Service) AddEntry(ctx context.Context, p EntryParams) (*HistoryEntry, error) {
	var fields []api.FieldError
	if !ValidType(p.RecordType) {
		fields = append(fields, api.FieldError{Field: "recordType", Message: "unknown record type", Code: "INVALID"})
	}
	if strings.TrimSpace(p.Title) == "" {
		fields = append(fields, api.FieldError{Field: "title", Message: "title is required", Code: "REQUIRED"})
	}
	if strings.TrimSpace(p.Body) == "" {
		fields = append(fields, api.FieldError{Field: "body", Message: "body is required", Code: "REQUIRED"})
	}
	if len(fields) > 0 {
		return nil, api.Invalid("validation failed", fields...)
	}

	e := &HistoryEntry{
		ID:         uuid.NewString(),
		PatientID:  p.PatientID,
		RecordType: p.RecordType,
		Title:      strings.TrimSpace(p.Title),
		Body:       p.Body,
		RecordedBy: p.RecordedBy,
		RecordedAt: s.clock.Now(),
	}
	if err := s.store.Add(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}
