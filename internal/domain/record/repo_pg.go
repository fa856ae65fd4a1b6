package record

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type historyStorePG struct {
	pool *pgxpool.Pool
}

func NewHistoryStore(pool *pgxpool.Pool) HistoryStore {
	return &historyStorePG{pool: pool}
}

const historyCols = `id, patient_id, record_type, title, body, recorded_by, recorded_at`

func (r *historyStorePG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]HistoryEntry, int, error) {
	var total int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM medical_history WHERE patient_id = $1`, patientID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("history count: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+historyCols+` FROM medical_history
		WHERE patient_id = $1
		ORDER BY recorded_at DESC, id
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("history list: %w", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.PatientID, &e.RecordType, &e.Title, &e.Body, &e.RecordedBy, &e.RecordedAt); err != nil {
			return nil, 0, fmt.Errorf("history scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("history rows: %w", err)
	}
	return entries, total, nil
}

func (r *historyStorePG) Summarize(ctx context.Context, patientID string) (*Summary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT record_type, count(*), max(recorded_at)
		FROM medical_history
		WHERE patient_id = $1
		GROUP BY record_type`, patientID)
	if err != nil {
		return nil, fmt.Errorf("history summarize: %w", err)
	}
	defer rows.Close()

	sum := &Summary{PatientID: patientID, ByType: map[string]int{}}
	for rows.Next() {
		var (
			typ    string
			count  int
			lastAt *time.Time
		)
		if err := rows.Scan(&typ, &count, &lastAt); err != nil {
			return nil, fmt.Errorf("history summarize scan: %w", err)
		}
		sum.ByType[typ] = count
		sum.EntryCount += count
		if lastAt != nil && (sum.LastEntryAt == nil || lastAt.After(*sum.LastEntryAt)) {
			t := *lastAt
			sum.LastEntryAt = &t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history summarize rows: %w", err)
	}
	return sum, nil
}

func (r *historyStorePG) Add(ctx context.Context, e *HistoryEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO medical_history (id, patient_id, record_type, title, body, recorded_by, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.PatientID, e.RecordType, e.Title, e.Body, e.RecordedBy, e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("history add: %w", err)
	}
	return nil
}
