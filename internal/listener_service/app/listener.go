// Package app implements the mailbox listener: it polls for unseen
// messages, extracts ADF payloads, and publishes them to the pipeline.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	dlqdomain "github.com/dealerlink/leadrelay/internal/dlq_service/domain"
	"github.com/dealerlink/leadrelay/internal/listener_service/domain"
	"github.com/dealerlink/leadrelay/internal/pipeline"
	"github.com/dealerlink/leadrelay/internal/platform/messagebroker"
)

var (
	messagesFetchedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Subsystem: "listener",
			Name:      "messages_fetched_total",
			Help:      "Total unseen messages fetched from the mailbox.",
		},
	)

	payloadsPublishedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Subsystem: "listener",
			Name:      "payloads_published_total",
			Help:      "Total extracted payloads published to the pipeline.",
		},
	)

	reconnectsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Subsystem: "listener",
			Name:      "reconnects_total",
			Help:      "Total IMAP reconnect attempts.",
		},
	)
)

// ListenerConfig tunes polling and reconnect behavior.
type ListenerConfig struct {
	PollInterval      time.Duration
	ReconnectDelay    time.Duration
	ReconnectMaxTries int
}

// Listener polls the mailbox on a fixed interval. A connection failure
// triggers bounded reconnects with a fixed delay; exhaustion parks a
// critical dead letter and stops the loop, leaving restart to the DLQ
// drain.
type Listener struct {
	client  domain.MailboxClient
	broker  messagebroker.Client
	dlqRepo dlqdomain.DeadLetterRepository
	cfg     ListenerConfig
	logger  *slog.Logger
}

func NewListener(
	client domain.MailboxClient,
	broker messagebroker.Client,
	dlqRepo dlqdomain.DeadLetterRepository,
	cfg ListenerConfig,
	logger *slog.Logger,
) *Listener {
	return &Listener{
		client:  client,
		broker:  broker,
		dlqRepo: dlqRepo,
		cfg:     cfg,
		logger:  logger.With("service", "listener"),
	}
}

// Run connects and polls until the context is cancelled or reconnects
// are exhausted.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.connectWithRetry(ctx); err != nil {
		return err
	}
	defer func() {
		if err := l.client.Close(); err != nil {
			l.logger.Warn("failed to close mailbox session", "error", err)
		}
	}()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	l.logger.Info("mailbox listener started", "poll_interval", l.cfg.PollInterval)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("mailbox listener stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := l.poll(ctx); err != nil {
				l.logger.Warn("poll failed; reconnecting", "error", err)
				if err := l.connectWithRetry(ctx); err != nil {
					return err
				}
			}
		}
	}
}

// connectWithRetry makes up to ReconnectMaxTries attempts with a fixed
// delay between them. Exhaustion dead-letters the outage.
func (l *Listener) connectWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= l.cfg.ReconnectMaxTries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reconnectsCounter.Inc()
		lastErr = l.client.Connect(ctx)
		if lastErr == nil {
			return nil
		}
		l.logger.Warn("mailbox connect failed",
			"attempt", attempt, "max_tries", l.cfg.ReconnectMaxTries, "error", lastErr)

		if attempt < l.cfg.ReconnectMaxTries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.ReconnectDelay):
			}
		}
	}

	errMsg := fmt.Sprintf("mailbox unreachable after %d attempts: %v", l.cfg.ReconnectMaxTries, lastErr)
	l.logger.Error("mailbox reconnects exhausted", "error", lastErr)
	_, dlqErr := l.dlqRepo.Create(ctx, &dlqdomain.DeadLetterEntry{
		FailureType:  dlqdomain.FailureTypeListenerReconnect,
		Payload:      []byte(`{}`),
		ErrorMessage: errMsg,
		Priority:     dlqdomain.PriorityCritical,
	})
	if dlqErr != nil {
		l.logger.Error("failed to dead-letter listener outage", "error", dlqErr)
	}
	return fmt.Errorf("%s", errMsg)
}

func (l *Listener) poll(ctx context.Context) error {
	messages, err := l.client.FetchUnseen(ctx)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		messagesFetchedCounter.Inc()
		l.handleMessage(ctx, msg)
	}
	return nil
}

// handleMessage publishes the payload if one exists, then marks the
// message seen either way; payload-less mail is noise, not an error.
func (l *Listener) handleMessage(ctx context.Context, msg *domain.Message) {
	log := l.logger.With("uid", msg.UID, "message_id", msg.MessageID)

	// Some vendor mailers omit Message-ID; the audit trail still needs a
	// stable reference for the queue entry.
	sourceID := msg.MessageID
	if sourceID == "" {
		sourceID = "generated-" + uuid.NewString()
	}

	payload, ok := ExtractPayload(msg)
	if !ok {
		log.InfoContext(ctx, "message carries no lead payload; skipping", "subject", msg.Subject)
	} else {
		ev := pipeline.RawLeadReceivedEvent{
			SourceMessageID: sourceID,
			Subject:         msg.Subject,
			From:            msg.From,
			To:              msg.To,
			MessageDate:     msg.Date,
			RawBody:         msg.TextBody,
			Payload:         payload,
		}
		data, err := json.Marshal(ev)
		if err != nil {
			log.ErrorContext(ctx, "failed to marshal raw lead event", "error", err)
			return
		}
		if err := l.broker.Publish(ctx, pipeline.SubjectRawLeadReceived, data); err != nil {
			// Leave the message unseen so the next poll retries it.
			log.ErrorContext(ctx, "failed to publish raw lead; leaving message unseen", "error", err)
			return
		}
		payloadsPublishedCounter.Inc()
		log.InfoContext(ctx, "lead payload published")
	}

	if err := l.client.MarkSeen(ctx, msg.UID); err != nil {
		log.WarnContext(ctx, "failed to mark message seen", "error", err)
	}
}
