// Package app implements the dead-letter queue service: failures land
// here with a typed payload, and the drain loop replays them through
// registered per-type handlers.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dealerlink/leadrelay/internal/dlq_service/domain"
)

var (
	deadLettersCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Subsystem: "dlq",
			Name:      "entries_total",
			Help:      "Total dead letters created, labeled by failure type.",
		},
		[]string{"failure_type"},
	)

	retriesCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Subsystem: "dlq",
			Name:      "retries_total",
			Help:      "Total dead letter retry attempts, labeled by result.",
		},
		[]string{"result"},
	)
)

// RetryHandler replays one dead letter. A nil return removes the entry;
// an error leaves it queued with an incremented attempt count.
type RetryHandler func(ctx context.Context, entry *domain.DeadLetterEntry) error

// Service is the DLQ front door: components add entries, the drain loop
// replays them in priority order.
type Service struct {
	repo   domain.DeadLetterRepository
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[domain.FailureType]RetryHandler

	drainInterval time.Duration
	drainBatch    int
}

func NewService(repo domain.DeadLetterRepository, drainInterval time.Duration, drainBatch int, logger *slog.Logger) *Service {
	return &Service{
		repo:          repo,
		logger:        logger.With("service", "dlq"),
		handlers:      make(map[domain.FailureType]RetryHandler),
		drainInterval: drainInterval,
		drainBatch:    drainBatch,
	}
}

// RegisterRetryHandler binds a handler to a failure type, replacing any
// previous binding.
func (s *Service) RegisterRetryHandler(failureType domain.FailureType, handler RetryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[failureType] = handler
}

// AddEntry persists a new dead letter.
func (s *Service) AddEntry(ctx context.Context, entry *domain.DeadLetterEntry) error {
	created, err := s.repo.Create(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to create dead letter: %w", err)
	}
	deadLettersCounter.WithLabelValues(string(entry.FailureType)).Inc()
	s.logger.WarnContext(ctx, "dead letter recorded",
		"id", created.ID, "failure_type", entry.FailureType, "priority", entry.Priority, "error", entry.ErrorMessage)
	return nil
}

// Run drains on a fixed interval until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	s.logger.Info("DLQ drain loop started", "interval", s.drainInterval, "batch", s.drainBatch)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("DLQ drain loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Drain(ctx)
		}
	}
}

// Drain replays up to one batch of pending entries in priority order.
// Entries whose failure type has no registered handler are skipped and
// stay queued.
func (s *Service) Drain(ctx context.Context) {
	entries, err := s.repo.ListPending(ctx, s.drainBatch)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list pending dead letters", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	s.logger.InfoContext(ctx, "draining dead letters", "count", len(entries))

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		s.retry(ctx, entry)
	}
}

func (s *Service) retry(ctx context.Context, entry *domain.DeadLetterEntry) {
	s.mu.RLock()
	handler, ok := s.handlers[entry.FailureType]
	s.mu.RUnlock()

	log := s.logger.With("id", entry.ID, "failure_type", entry.FailureType, "attempts", entry.Attempts)
	if !ok {
		log.WarnContext(ctx, "no retry handler registered; leaving entry queued")
		return
	}

	if err := handler(ctx, entry); err != nil {
		retriesCounter.WithLabelValues("failed").Inc()
		log.WarnContext(ctx, "dead letter retry failed", "error", err)
		if incErr := s.repo.IncrementAttempts(ctx, entry.ID, err.Error()); incErr != nil {
			log.ErrorContext(ctx, "failed to record retry attempt", "error", incErr)
		}
		return
	}

	retriesCounter.WithLabelValues("succeeded").Inc()
	if err := s.repo.Delete(ctx, entry.ID); err != nil {
		log.ErrorContext(ctx, "retry succeeded but delete failed", "error", err)
		return
	}
	log.InfoContext(ctx, "dead letter replayed and removed")
}
