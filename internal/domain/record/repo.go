package record

import (
	"context"
	"errors"
)

// ErrNotFound means the requested record does not exist.
var ErrNotFound = errors.New("record: not found")

// HistoryStore persists patient history entries.
type HistoryStore interface {
	ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]HistoryEntry, int, error)
	Summarize(ctx context.Context, patientID string) (*Summary, error)
	Add(ctx context.Context, e *HistoryEntry) error
}
