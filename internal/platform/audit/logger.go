// Package audit is the append-only security journal. Events flow through a
// small bounded buffer so request handling never waits on the sink; denial
// paths use WriteSync instead, which makes the event durable before the
// response leaves. When the sink stays down past a threshold the journal
// fails closed for high and emergency events.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/careportal/careportal/internal/platform/secrets"
)

// ErrSinkUnavailable is returned when an event that must not be lost cannot
// be made durable. The handler layer maps it to 503.
var ErrSinkUnavailable = errors.New("audit: sink unavailable")

var (
	bufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audit_buffer_depth",
		Help: "Events waiting in the audit buffer.",
	})
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_dropped_total",
		Help: "General events discarded on buffer overflow.",
	})
	sinkErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audit_sink_errors_total",
		Help: "Failed writes to the audit sink.",
	})
)

// Config bounds the journal's buffering and its patience with a broken sink.
type Config struct {
	// BufferSize is the async queue capacity. Default 256.
	BufferSize int
	// DownThreshold is how long the sink may keep failing before high and
	// emergency events fail closed. Default 30s.
	DownThreshold time.Duration
	// CallTimeout bounds each individual sink write. Default 2s.
	CallTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.DownThreshold <= 0 {
		c.DownThreshold = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 2 * time.Second
	}
}

// Logger owns the audit buffer and the single drain goroutine behind it.
type Logger struct {
	cfg   Config
	sink  Sink
	log   zerolog.Logger
	clock secrets.Clock

	mu        sync.Mutex
	queue     []*Event
	downSince time.Time

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	dropped uint64
}

// NewLogger starts the drain goroutine. The sink is a hard dependency: a nil
// sink is a configuration error, not a silent no-op journal.
func NewLogger(cfg Config, sink Sink, log zerolog.Logger, clock secrets.Clock) (*Logger, error) {
	if sink == nil {
		return nil, errors.New("audit: a sink is required")
	}
	if clock == nil {
		clock = secrets.SystemClock{}
	}
	cfg.setDefaults()

	l := &Logger{
		cfg:   cfg,
		sink:  sink,
		log:   log,
		clock: clock,
		queue: make([]*Event, 0, cfg.BufferSize),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.drain()
	return l, nil
}

// Write enqueues an event for asynchronous delivery. It returns an error
// only when the event's severity demands fail-closed handling and the sink
// has been down past the threshold. If the buffer is saturated with events
// that may not be dropped, Write degrades to a direct sink write rather
// than lose this one.
func (l *Logger) Write(ctx context.Context, e *Event) error {
	e.normalize(l.clock.Now())
	l.mirror(e)

	if e.Severity.FailClosed() && l.sinkDown() {
		return fmt.Errorf("%w: %s", ErrSinkUnavailable, e.Type)
	}
	if l.enqueue(e) {
		return nil
	}
	if droppable(e) {
		l.countDrop(e)
		return nil
	}
	if err := l.writeSink(ctx, e); err != nil {
		if e.Severity.FailClosed() {
			return fmt.Errorf("%w: %s", ErrSinkUnavailable, e.Type)
		}
		l.log.Error().Err(err).Str("event_type", e.Type).Msg("audit write lost to failing sink")
	}
	return nil
}

// WriteSync makes the event durable before returning. Denial-path events go
// through here so the journal entry exists before the response is flushed.
// Sink failures fail open for low and medium severities, closed otherwise.
func (l *Logger) WriteSync(ctx context.Context, e *Event) error {
	e.normalize(l.clock.Now())
	l.mirror(e)

	err := l.writeSink(ctx, e)
	if err == nil {
		return nil
	}
	if e.Severity.FailClosed() {
		return fmt.Errorf("%w: %s", ErrSinkUnavailable, e.Type)
	}
	l.log.Error().Err(err).Str("event_type", e.Type).Msg("audit write lost to failing sink")
	return nil
}

// Dropped returns how many general events overflow has discarded.
func (l *Logger) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close flushes the buffer and stops the drain goroutine. Events that still
// cannot be written are logged and abandoned; at shutdown there is nowhere
// left to hold them.
func (l *Logger) Close() {
	l.once.Do(func() {
		close(l.done)
		l.wg.Wait()
	})
}

// enqueue appends e if there is room. A full queue evicts its oldest
// droppable event to admit a must-keep one; with nothing droppable inside,
// admission fails and the caller writes through.
func (l *Logger) enqueue(e *Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	admitted := false
	switch {
	case len(l.queue) < l.cfg.BufferSize:
		l.queue = append(l.queue, e)
		admitted = true
	case droppable(e):
		// The newcomer is the general one; it is the drop.
	default:
		for i, q := range l.queue {
			if droppable(q) {
				copy(l.queue[i:], l.queue[i+1:])
				l.queue[len(l.queue)-1] = e
				l.dropped++
				droppedTotal.Inc()
				admitted = true
				break
			}
		}
	}
	bufferDepth.Set(float64(len(l.queue)))
	if admitted {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}
	return admitted
}

func (l *Logger) countDrop(e *Event) {
	l.mu.Lock()
	l.dropped++
	l.mu.Unlock()
	droppedTotal.Inc()
	l.log.Warn().Str("event_type", e.Type).Msg("audit buffer full, general event dropped")
}

// take pops up to n queued events.
func (l *Logger) take(n int) []*Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	if n > len(l.queue) {
		n = len(l.queue)
	}
	batch := make([]*Event, n)
	copy(batch, l.queue[:n])
	l.queue = append(l.queue[:0], l.queue[n:]...)
	bufferDepth.Set(float64(len(l.queue)))
	return batch
}

// requeue puts undelivered events back at the head, preserving order. The
// queue may briefly exceed its configured size here; that beats losing
// audit-class events while the sink recovers.
func (l *Logger) requeue(events []*Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(events, l.queue...)
	bufferDepth.Set(float64(len(l.queue)))
}

const drainBatch = 64
const retryDelay = 500 * time.Millisecond

func (l *Logger) drain() {
	defer l.wg.Done()
	for {
		batch := l.take(drainBatch)
		if batch == nil {
			select {
			case <-l.wake:
				continue
			case <-l.done:
				l.flush()
				return
			}
		}
		if !l.deliver(batch) {
			select {
			case <-time.After(retryDelay):
			case <-l.done:
				l.flush()
				return
			}
		}
	}
}

// deliver writes each event, requeueing the undelivered tail on failure.
// Returns false when the sink is refusing writes so the caller backs off.
func (l *Logger) deliver(batch []*Event) bool {
	for i, e := range batch {
		if err := l.writeSink(context.Background(), e); err != nil {
			l.log.Error().Err(err).Str("event_type", e.Type).Msg("audit sink write failed")
			keep := batch[i:]
			if droppable(e) {
				keep = batch[i+1:]
				l.countDrop(e)
			}
			if len(keep) > 0 {
				l.requeue(keep)
			}
			return false
		}
	}
	return true
}

// flush is the shutdown path: one attempt per remaining event.
func (l *Logger) flush() {
	for {
		batch := l.take(drainBatch)
		if batch == nil {
			return
		}
		for _, e := range batch {
			if err := l.writeSink(context.Background(), e); err != nil {
				l.log.Error().Err(err).Str("event_type", e.Type).Msg("audit event lost at shutdown")
			}
		}
	}
}

func (l *Logger) writeSink(ctx context.Context, e *Event) error {
	cctx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()

	err := l.sink.Write(cctx, e)

	l.mu.Lock()
	if err != nil {
		if l.downSince.IsZero() {
			l.downSince = l.clock.Now()
		}
	} else {
		l.downSince = time.Time{}
	}
	l.mu.Unlock()

	if err != nil {
		sinkErrorsTotal.Inc()
	}
	return err
}

func (l *Logger) sinkDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.downSince.IsZero() && l.clock.Now().Sub(l.downSince) > l.cfg.DownThreshold
}

// mirror writes the structured log copy of every event, sink health aside.
func (l *Logger) mirror(e *Event) {
	var evt *zerolog.Event
	switch e.Severity {
	case SeverityHigh, SeverityEmergency:
		evt = l.log.Error()
	case SeverityMedium:
		evt = l.log.Warn()
	default:
		evt = l.log.Info()
	}
	evt.
		Str("event_type", e.Type).
		Str("severity", string(e.Severity)).
		Str("outcome", string(e.Outcome)).
		Str("subject", e.Subject).
		Str("target", e.Target).
		Str("request_id", e.RequestID).
		Str("remote_addr", e.RemoteAddr)
	if len(e.Details) > 0 {
		evt.Interface("details", e.Details)
	}
	evt.Msg("audit")
}
