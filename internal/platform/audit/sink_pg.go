package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGSink appends events to the audit_log table, which is list-partitioned by
// event type. Rows are insert-only; nothing in this service updates or
// deletes them.
type PGSink struct {
	pool *pgxpool.Pool
}

func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Write(ctx context.Context, e *Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("audit: encode details: %w", err)
	}

	const query = `
		INSERT INTO audit_log (
			event_type, severity, retention_class, occurred_at,
			subject_masked, target_masked, remote_addr, user_agent,
			request_id, outcome, details
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::jsonb)`

	_, err = s.pool.Exec(ctx, query,
		e.Type, string(e.Severity), string(e.Class), e.Timestamp,
		e.Subject, e.Target, e.RemoteAddr, e.UserAgent,
		e.RequestID, string(e.Outcome), string(details),
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}
