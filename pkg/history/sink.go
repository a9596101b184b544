package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackflow/stackflow/pkg/flow"
)

// Notification is the user-facing message delivered for a history entry.
type Notification struct {
	FlowID     string         `json:"flow_id,omitempty"`
	ResourceID string         `json:"resource_id"`
	Sequence   int64          `json:"sequence"`
	State      flow.StateID   `json:"state,omitempty"`
	Event      flow.EventKind `json:"event,omitempty"`
	Status     flow.Status    `json:"status"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
}

// FromEntry builds the notification for a history entry.
func FromEntry(e *flow.HistoryEntry) Notification {
	return Notification{
		FlowID:     e.FlowID,
		ResourceID: e.ResourceID,
		Sequence:   e.Sequence,
		State:      e.State,
		Event:      e.Event,
		Status:     e.Status,
		Message:    e.Message,
		Timestamp:  e.Timestamp,
	}
}

// Sink delivers notifications to an external consumer. Delivery is
// at-least-once: a sink may see the same notification twice.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, n Notification) error

// Notify calls f(ctx, n).
func (f SinkFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogSink writes notifications to a structured logger.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs every notification at info level.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notifications").Logger()}
}

// Notify logs the notification.
func (s *LogSink) Notify(_ context.Context, n Notification) error {
	s.logger.Info().
		Str("flow_id", n.FlowID).
		Str("resource_id", n.ResourceID).
		Int64("sequence", n.Sequence).
		Str("state", string(n.State)).
		Str("status", string(n.Status)).
		Msg(n.Message)
	return nil
}

// MultiSink fans a notification out to several sinks. Every sink is tried;
// the failures are joined.
type MultiSink []Sink

// Notify delivers to every sink.
func (m MultiSink) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps notifications in memory. It can be told to fail a number
// of deliveries first.
type MemorySink struct {
	mu            sync.Mutex
	notifications []Notification
	failures      int
	failErr       error
}

// NewMemorySink creates an empty memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// FailNext makes the next n deliveries fail with err.
func (s *MemorySink) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
	s.failErr = err
}

// Notify stores the notification unless a failure is pending.
func (s *MemorySink) Notify(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return s.failErr
	}
	s.notifications = append(s.notifications, n)
	return nil
}

// Notifications returns a copy of the delivered notifications.
func (s *MemorySink) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notification, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// Statuses returns the statuses of the delivered notifications in order.
func (s *MemorySink) Statuses() []flow.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]flow.Status, 0, len(s.notifications))
	for _, n := range s.notifications {
		out = append(out, n.Status)
	}
	return out
}
