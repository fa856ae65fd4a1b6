package audit

import (
	"context"
	"sync"
)

// Sink is the durable destination for audit events. Implementations must be
// safe for concurrent use; the logger calls them from the drain goroutine
// and from synchronous denial paths at the same time.
type Sink interface {
	Write(ctx context.Context, e *Event) error
}

// MemorySink keeps events in memory. Used by tests and single-node
// development where a database is not running.
type MemorySink struct {
	mu     sync.Mutex
	events []*Event
	fail   error
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

// Events returns a snapshot of everything written so far.
func (s *MemorySink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns the written events carrying the given type, oldest first.
func (s *MemorySink) ByType(eventType string) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Event
	for _, e := range s.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// SetError makes every subsequent Write fail with err; nil restores service.
func (s *MemorySink) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}
