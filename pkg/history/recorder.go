package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/retry"
	"github.com/stackflow/stackflow/pkg/telemetry"
)

// DefaultProgressInterval is the minimum spacing of progress entries per resource.
const DefaultProgressInterval = 30 * time.Second

// Appender persists history entries that are not tied to a transition.
type Appender interface {
	AppendHistory(ctx context.Context, entry *flow.HistoryEntry) error
}

// Recorder forwards history entries to a notification sink and writes
// non-transition entries. Sink failures never reach the caller.
type Recorder struct {
	appender Appender
	sink     Sink
	sinkName string
	policy   retry.Policy
	interval time.Duration
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time

	mu       sync.Mutex
	progress map[string]*progressState
}

type progressState struct {
	limiter    *rate.Limiter
	suppressed int
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSink sets the notification sink and the name it is reported under.
func WithSink(name string, sink Sink) Option {
	return func(r *Recorder) {
		r.sinkName = name
		r.sink = sink
	}
}

// WithRetryPolicy sets the delivery retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Recorder) { r.policy = p }
}

// WithProgressInterval sets the minimum spacing of progress entries.
func WithProgressInterval(d time.Duration) Option {
	return func(r *Recorder) { r.interval = d }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// WithClock sets the time source used for timestamps and throttling.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// DefaultDeliveryPolicy retries every delivery error three times, one second apart.
func DefaultDeliveryPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Delay: time.Second, All: true}
}

// NewRecorder creates a recorder. Without a sink, notifications are logged.
func NewRecorder(appender Appender, opts ...Option) *Recorder {
	r := &Recorder{
		appender: appender,
		policy:   DefaultDeliveryPolicy(),
		interval: DefaultProgressInterval,
		logger:   zerolog.Nop(),
		now:      time.Now,
		progress: make(map[string]*progressState),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sink == nil {
		r.sinkName = "log"
		r.sink = NewLogSink(r.logger)
	}
	return r
}

// Record forwards an entry that is already persisted. A final entry also
// drops the progress throttle of its resource.
func (r *Recorder) Record(ctx context.Context, entry *flow.HistoryEntry) {
	if entry.Status.IsFinal() {
		r.forget(entry.ResourceID)
	}
	r.deliver(ctx, FromEntry(entry))
}

// Append writes a resource-level entry and forwards it.
func (r *Recorder) Append(ctx context.Context, resourceID string, status flow.Status, message string) (*flow.HistoryEntry, error) {
	entry := &flow.HistoryEntry{
		ResourceID: resourceID,
		Status:     status,
		Message:    message,
	}
	if err := r.AppendEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// AppendEntry writes an entry that is not tied to a transition and forwards it.
func (r *Recorder) AppendEntry(ctx context.Context, entry *flow.HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now().UTC()
	}
	if err := r.appender.AppendHistory(ctx, entry); err != nil {
		return fmt.Errorf("failed to append history for %s: %w", entry.ResourceID, err)
	}
	r.deliver(ctx, FromEntry(entry))
	return nil
}

// Progress records a PROGRESS entry unless one was recorded for the resource
// within the progress interval. Suppressed reports are counted into the next
// entry that gets through.
func (r *Recorder) Progress(ctx context.Context, flowID, resourceID, message string) {
	r.mu.Lock()
	st, ok := r.progress[resourceID]
	if !ok {
		st = &progressState{limiter: rate.NewLimiter(rate.Every(r.interval), 1)}
		r.progress[resourceID] = st
	}
	if !st.limiter.AllowN(r.now(), 1) {
		st.suppressed++
		r.mu.Unlock()
		return
	}
	if st.suppressed > 0 {
		message = fmt.Sprintf("%s (%d similar updates suppressed)", message, st.suppressed)
		st.suppressed = 0
	}
	r.mu.Unlock()

	entry := &flow.HistoryEntry{
		FlowID:     flowID,
		ResourceID: resourceID,
		Status:     flow.StatusProgress,
		Message:    message,
	}
	if err := r.AppendEntry(ctx, entry); err != nil {
		r.logger.Warn().Err(err).Str("flow_id", flowID).Str("resource_id", resourceID).
			Msg("Failed to record progress")
	}
}

func (r *Recorder) forget(resourceID string) {
	r.mu.Lock()
	delete(r.progress, resourceID)
	r.mu.Unlock()
}

func (r *Recorder) deliver(ctx context.Context, n Notification) {
	err := retry.Run(ctx, r.policy, func(ctx context.Context) error {
		return r.sink.Notify(ctx, n)
	}, func(err error, attempt int, wait time.Duration) {
		r.metrics.RecordRetry("notify")
		r.logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).
			Str("resource_id", n.ResourceID).Msg("Retrying notification")
	})
	r.metrics.RecordNotification(r.sinkName, err)
	if err != nil {
		r.logger.Warn().Err(err).
			Str("sink", r.sinkName).
			Str("flow_id", n.FlowID).
			Str("resource_id", n.ResourceID).
			Str("status", string(n.Status)).
			Msg("Notification dropped")
	}
}
