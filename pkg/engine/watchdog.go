package engine

import (
	"context"
	"time"

	"github.com/stackflow/stackflow/pkg/flow"
	"github.com/stackflow/stackflow/pkg/telemetry"
)

// ActiveLister lists the active instances.
type ActiveLister interface {
	ListActive(ctx context.Context) ([]*flow.Instance, error)
}

// Watchdog reports instances that made no transition for longer than the
// ceiling. It only warns; stalled instances keep running.
type Watchdog struct {
	lister   ActiveLister
	ceiling  time.Duration
	interval time.Duration
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// NewWatchdog creates a watchdog checking every interval.
func NewWatchdog(lister ActiveLister, ceiling, interval time.Duration, t *telemetry.Telemetry) *Watchdog {
	if interval <= 0 {
		interval = time.Minute
	}
	w := &Watchdog{
		lister:   lister,
		ceiling:  ceiling,
		interval: interval,
		logger:   telemetry.Nop(),
		now:      time.Now,
	}
	if t != nil {
		w.logger = t.Logger.NewComponentLogger("watchdog")
		w.metrics = t.Metrics
	}
	return w
}

// Run checks periodically until ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
				w.logger.WithError(err).Warn("Stall check failed")
			}
		}
	}
}

// Check returns the stalled instances and updates the active and stalled gauges.
func (w *Watchdog) Check(ctx context.Context) ([]*flow.Instance, error) {
	active, err := w.lister.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	now := w.now()
	var stalled []*flow.Instance
	for _, inst := range active {
		idle := now.Sub(inst.LastTransitionAt)
		if w.ceiling <= 0 || idle <= w.ceiling {
			continue
		}
		stalled = append(stalled, inst)
		w.logger.WithFlowID(inst.ID).
			WithResourceID(inst.ResourceID).
			WithState(inst.DefinitionID, string(inst.CurrentState)).
			WithField("idle", idle.Round(time.Second).String()).
			Warn("Flow made no progress within the stall ceiling")
	}

	w.metrics.SetActiveFlows(float64(len(active)))
	w.metrics.SetStalledFlows(float64(len(stalled)))
	return stalled, nil
}
