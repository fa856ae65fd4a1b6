package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes each event as a structured log line. It backs deployments
// that run without a database; the journal is then exactly as durable as
// the process's log stream, which is acceptable for development and demos
// but not for production retention.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit_journal").Logger()}
}

// Write emits the full journal record, including the retention class that a
// database sink would persist, so log-mode output can be replayed into a
// durable store later if needed.
func (s *LogSink) Write(_ context.Context, e *Event) error {
	evt := s.log.Info().
		Time("timestamp", e.Timestamp).
		Str("event_type", e.Type).
		Str("severity", string(e.Severity)).
		Str("retention_class", string(e.Class)).
		Int("retention_days", RetentionDays(e.Class)).
		Str("outcome", string(e.Outcome)).
		Str("subject", e.Subject).
		Str("target", e.Target).
		Str("request_id", e.RequestID).
		Str("remote_addr", e.RemoteAddr)
	if e.UserAgent != "" {
		evt = evt.Str("user_agent", e.UserAgent)
	}
	if len(e.Details) > 0 {
		evt = evt.Interface("details", e.Details)
	}
	evt.Msg("audit_event")
	return nil
}
