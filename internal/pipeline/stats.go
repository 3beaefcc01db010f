package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dealerlink/leadrelay/internal/platform/messagebroker"
)

var (
	statOutcomesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Name:      "pipeline_outcomes_total",
			Help:      "Total pipeline outcomes reported over the stats subject.",
		},
		[]string{"outcome"},
	)

	processingDurationHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "lead_relay",
			Name:      "lead_processing_duration_seconds",
			Help:      "Duration of lead processing from queue entry to final outcome.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

const recentErrorLimit = 20

// StatsSnapshot is the read-only view served to the dashboard API.
type StatsSnapshot struct {
	Counts          map[StatOutcome]int64 `json:"counts"`
	AvgProcessingMS float64               `json:"avg_processing_ms"`
	RecentErrors    []string              `json:"recent_errors"`
	LastEventAt     *time.Time            `json:"last_event_at,omitempty"`
}

// StatsCollector owns the pipeline's aggregate statistics. Components
// report via StatEvent on the stats subject; nothing else writes here.
type StatsCollector struct {
	broker messagebroker.Client
	logger *slog.Logger

	mu            sync.Mutex
	counts        map[StatOutcome]int64
	durationSumMS int64
	durationCount int64
	recentErrors  []string
	lastEventAt   *time.Time

	sub messagebroker.Subscription
}

// NewStatsCollector creates a collector; call Start to begin consuming.
func NewStatsCollector(broker messagebroker.Client, logger *slog.Logger) *StatsCollector {
	return &StatsCollector{
		broker: broker,
		logger: logger.With("component", "stats_collector"),
		counts: make(map[StatOutcome]int64),
	}
}

// Start subscribes to the stats subject. No queue group: every instance
// keeps its own aggregate for its local dashboard/metrics endpoints.
func (c *StatsCollector) Start(ctx context.Context) error {
	sub, err := c.broker.Subscribe(ctx, SubjectStats, "", func(msg messagebroker.Message) {
		var ev StatEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			c.logger.Error("failed to unmarshal stat event", "error", err, "data", string(msg.Data()))
			return
		}
		c.record(ev)
	})
	if err != nil {
		return err
	}
	c.sub = sub
	return nil
}

// Stop tears down the subscription.
func (c *StatsCollector) Stop() {
	if c.sub != nil && c.sub.IsValid() {
		if err := c.sub.Unsubscribe(); err != nil {
			c.logger.Warn("failed to unsubscribe stats collector", "error", err)
		}
	}
}

func (c *StatsCollector) record(ev StatEvent) {
	statOutcomesCounter.WithLabelValues(string(ev.Outcome)).Inc()
	if ev.DurationMS > 0 {
		processingDurationHist.Observe(float64(ev.DurationMS) / 1000.0)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.counts[ev.Outcome]++
	if ev.DurationMS > 0 {
		c.durationSumMS += ev.DurationMS
		c.durationCount++
	}
	if ev.Error != "" {
		c.recentErrors = append(c.recentErrors, ev.Error)
		if len(c.recentErrors) > recentErrorLimit {
			c.recentErrors = c.recentErrors[len(c.recentErrors)-recentErrorLimit:]
		}
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	c.lastEventAt = &at
}

// Snapshot returns a copy of the current aggregates.
func (c *StatsCollector) Snapshot() StatsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make(map[StatOutcome]int64, len(c.counts))
	for k, v := range c.counts {
		counts[k] = v
	}
	var avg float64
	if c.durationCount > 0 {
		avg = float64(c.durationSumMS) / float64(c.durationCount)
	}
	errs := make([]string, len(c.recentErrors))
	copy(errs, c.recentErrors)

	return StatsSnapshot{
		Counts:          counts,
		AvgProcessingMS: avg,
		RecentErrors:    errs,
		LastEventAt:     c.lastEventAt,
	}
}

// Report publishes a stat event; errors are logged, never propagated, so
// statistics can't break the pipeline.
func Report(ctx context.Context, broker messagebroker.Client, logger *slog.Logger, ev StatEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("failed to marshal stat event", "error", err)
		return
	}
	if err := broker.Publish(ctx, SubjectStats, data); err != nil {
		logger.Warn("failed to publish stat event", "error", err)
	}
}
