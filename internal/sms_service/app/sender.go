// Package app implements the outbound SMS path: suppression, message
// formatting, provider sends with bounded retries, and the delivery
// timeout that catches providers that never report back.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dealerlink/leadrelay/internal/core_domain"
	dlqdomain "github.com/dealerlink/leadrelay/internal/dlq_service/domain"
	leaddomain "github.com/dealerlink/leadrelay/internal/lead_service/domain"
	"github.com/dealerlink/leadrelay/internal/pipeline"
	"github.com/dealerlink/leadrelay/internal/platform/clock"
	"github.com/dealerlink/leadrelay/internal/platform/messagebroker"
	"github.com/dealerlink/leadrelay/internal/sms_service/domain"
	"github.com/dealerlink/leadrelay/internal/sms_service/provider"
)

// SenderConfig tunes the outbound path.
type SenderConfig struct {
	FromNumber      string
	SegmentLimit    int
	OptOutNotice    string
	DeliveryTimeout time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
}

// Sender owns DeliveryRecords end to end: it creates them pending,
// moves them to sent on provider acceptance, and arms the timeout that
// moves silent ones to undelivered.
type Sender struct {
	deliveryRepo   domain.DeliveryRepository
	leadRepo       leaddomain.LeadRepository
	dealershipRepo leaddomain.DealershipRepository
	optOuts        domain.OptOutCache
	dlqRepo        dlqdomain.DeadLetterRepository
	prov           provider.Provider
	broker         messagebroker.Client
	clk            clock.Clock
	cfg            SenderConfig
	logger         *slog.Logger

	mu       sync.Mutex
	timeouts map[int64]clock.Timer // delivery id -> armed timeout
	retries  map[int64]clock.Timer // delivery id -> pending retry
}

func NewSender(
	deliveryRepo domain.DeliveryRepository,
	leadRepo leaddomain.LeadRepository,
	dealershipRepo leaddomain.DealershipRepository,
	optOuts domain.OptOutCache,
	dlqRepo dlqdomain.DeadLetterRepository,
	prov provider.Provider,
	broker messagebroker.Client,
	clk clock.Clock,
	cfg SenderConfig,
	logger *slog.Logger,
) *Sender {
	return &Sender{
		deliveryRepo:   deliveryRepo,
		leadRepo:       leadRepo,
		dealershipRepo: dealershipRepo,
		optOuts:        optOuts,
		dlqRepo:        dlqRepo,
		prov:           prov,
		broker:         broker,
		clk:            clk,
		cfg:            cfg,
		logger:         logger.With("component", "sms_sender"),
		timeouts:       make(map[int64]clock.Timer),
		retries:        make(map[int64]clock.Timer),
	}
}

// SendReply delivers one generated reply. Suppressed and phoneless
// leads are skipped, not failed; only send errors surface.
func (s *Sender) SendReply(ctx context.Context, ev pipeline.ReplyGeneratedEvent) error {
	log := s.logger.With("lead_id", ev.LeadID)

	if ev.CustomerPhone == "" {
		log.WarnContext(ctx, "lead has no phone number; skipping SMS reply")
		return nil
	}

	suppressed, err := s.isSuppressed(ctx, ev.LeadID, ev.CustomerPhone)
	if err != nil {
		log.ErrorContext(ctx, "suppression check failed; refusing to send", "error", err)
		return err
	}
	if suppressed {
		smsSuppressedCounter.Inc()
		log.InfoContext(ctx, "recipient opted out; suppressing reply", "phone", ev.CustomerPhone)
		return nil
	}

	from := s.resolveFrom(ctx, ev.DealershipID)
	body := FormatReply(Personalize(ev.ReplyText, ev.CustomerName), s.cfg.OptOutNotice, s.cfg.SegmentLimit)

	record, err := s.deliveryRepo.Create(ctx, &core_domain.DeliveryRecord{
		LeadID:       ev.LeadID,
		DealershipID: ev.DealershipID,
		PhoneNumber:  ev.CustomerPhone,
		MessageText:  body,
		Status:       core_domain.DeliveryStatusPending,
	})
	if err != nil {
		return fmt.Errorf("failed to create delivery record: %w", err)
	}

	s.attempt(ctx, record, provider.SendRequest{To: ev.CustomerPhone, From: from, Body: body}, 1)
	return nil
}

// resolveFrom picks the dealership's dedicated number when it has one,
// falling back to the shared configured number.
func (s *Sender) resolveFrom(ctx context.Context, dealershipID *int64) string {
	from := s.cfg.FromNumber
	if dealershipID != nil {
		if d, err := s.dealershipRepo.GetByID(ctx, *dealershipID); err == nil && d.SMSFromNumber != "" {
			from = d.SMSFromNumber
		}
	}
	return from
}

// isSuppressed consults the cache first, then the lead record; a cache
// miss with an opted-out lead back-fills the cache.
func (s *Sender) isSuppressed(ctx context.Context, leadID int64, phone string) (bool, error) {
	cached, err := s.optOuts.Contains(ctx, phone)
	if err != nil {
		s.logger.WarnContext(ctx, "opt-out cache unavailable; falling back to lead store", "error", err)
	} else if cached {
		return true, nil
	}

	lead, err := s.leadRepo.GetByID(ctx, leadID)
	if err != nil {
		return false, err
	}
	if lead.Status == core_domain.LeadStatusOptedOut {
		if err := s.optOuts.Add(ctx, phone); err != nil {
			s.logger.WarnContext(ctx, "failed to back-fill opt-out cache", "error", err)
		}
		return true, nil
	}
	return false, nil
}

func (s *Sender) attempt(ctx context.Context, record *core_domain.DeliveryRecord, req provider.SendRequest, attemptNo int) {
	log := s.logger.With("delivery_id", record.ID, "lead_id", record.LeadID, "attempt", attemptNo)

	// A STOP can land while a retry waits out its delay; re-check before
	// touching the provider again.
	if attemptNo > 1 {
		suppressed, err := s.isSuppressed(ctx, record.LeadID, req.To)
		if err != nil {
			log.WarnContext(ctx, "suppression re-check failed; proceeding with send", "error", err)
		} else if suppressed {
			smsSuppressedCounter.Inc()
			if err := s.deliveryRepo.MarkOptedOut(ctx, record.ID); err != nil {
				log.ErrorContext(ctx, "failed to mark delivery opted out", "error", err)
			}
			log.InfoContext(ctx, "recipient opted out mid-retry; abandoning delivery", "phone", req.To)
			return
		}
	}

	result, err := s.prov.Send(ctx, req)
	if err == nil {
		sentAt := s.clk.Now()
		if err := s.deliveryRepo.MarkSent(ctx, record.ID, result.ProviderMessageID, sentAt); err != nil {
			log.ErrorContext(ctx, "provider accepted message but MarkSent failed", "error", err)
		}
		if err := s.leadRepo.UpdateProcessingStatus(ctx, record.LeadID, core_domain.ProcessingStatusReplySent); err != nil {
			log.ErrorContext(ctx, "failed to update lead processing status", "error", err)
		}
		s.armTimeout(record.ID)
		smsSentCounter.Inc()
		log.InfoContext(ctx, "message sent", "provider_message_id", result.ProviderMessageID)
		pipeline.Report(ctx, s.broker, s.logger, pipeline.StatEvent{
			Outcome: pipeline.StatOutcomeSMSSent, Step: "sms_send",
		})
		return
	}

	if errors.Is(err, provider.ErrRejected) {
		log.WarnContext(ctx, "provider rejected message permanently", "error", err)
		s.fail(ctx, record, err)
		return
	}

	if attemptNo >= s.cfg.MaxRetries {
		log.ErrorContext(ctx, "send retries exhausted", "error", err)
		s.fail(ctx, record, err)
		return
	}

	smsRetriesCounter.Inc()
	if err := s.deliveryRepo.IncrementRetry(ctx, record.ID); err != nil {
		log.ErrorContext(ctx, "failed to increment retry count", "error", err)
	}
	delay := s.cfg.RetryBaseDelay * time.Duration(attemptNo)
	log.WarnContext(ctx, "send failed; retrying", "error", err, "delay", delay)

	// The retry outlives the triggering message's context.
	retryCtx := context.WithoutCancel(ctx)
	s.armRetry(record.ID, delay, func() {
		s.attempt(retryCtx, record, req, attemptNo+1)
	})
}

// ScheduleResend arms a delayed re-send for a delivery whose provider
// callback reported failure after a successful hand-off. The retry
// budget is shared with synchronous send errors; an exhausted record
// goes to the DLQ instead.
func (s *Sender) ScheduleResend(ctx context.Context, record *core_domain.DeliveryRecord) {
	log := s.logger.With("delivery_id", record.ID, "lead_id", record.LeadID)

	if domain.Exhausted(record, s.cfg.MaxRetries) {
		log.ErrorContext(ctx, "provider reported failure and retries are exhausted")
		s.fail(ctx, record, errors.New("provider reported delivery failure; retries exhausted"))
		return
	}

	smsRetriesCounter.Inc()
	if err := s.deliveryRepo.IncrementRetry(ctx, record.ID); err != nil {
		log.ErrorContext(ctx, "failed to increment retry count", "error", err)
	}

	req := provider.SendRequest{
		To:   record.PhoneNumber,
		From: s.resolveFrom(ctx, record.DealershipID),
		Body: record.MessageText,
	}
	nextAttempt := record.RetryCount + 2 // attempts consumed so far, plus this one
	delay := s.cfg.RetryBaseDelay * time.Duration(nextAttempt-1)
	log.WarnContext(ctx, "provider reported failure; re-sending", "attempt", nextAttempt, "delay", delay)

	retryCtx := context.WithoutCancel(ctx)
	s.armRetry(record.ID, delay, func() {
		s.attempt(retryCtx, record, req, nextAttempt)
	})
}

// armRetry tracks a delayed send attempt so Shutdown can stop it.
// Retries for one delivery are sequential, so a new timer simply
// replaces any previous entry.
func (s *Sender) armRetry(deliveryID int64, delay time.Duration, fn func()) {
	timer := s.clk.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.retries, deliveryID)
		s.mu.Unlock()
		fn()
	})

	s.mu.Lock()
	if prev, ok := s.retries[deliveryID]; ok {
		prev.Stop()
	}
	s.retries[deliveryID] = timer
	s.mu.Unlock()
}

func (s *Sender) fail(ctx context.Context, record *core_domain.DeliveryRecord, sendErr error) {
	errMsg := sendErr.Error()
	if err := s.deliveryRepo.UpdateStatus(ctx, record.ID, core_domain.DeliveryStatusFailed, &errMsg, nil); err != nil {
		s.logger.ErrorContext(ctx, "failed to mark delivery failed", "delivery_id", record.ID, "error", err)
	}
	if err := s.leadRepo.UpdateProcessingStatus(ctx, record.LeadID, core_domain.ProcessingStatusReplyFailed); err != nil {
		s.logger.ErrorContext(ctx, "failed to update lead processing status", "lead_id", record.LeadID, "error", err)
	}

	payload, err := json.Marshal(record)
	if err == nil {
		_, err = s.dlqRepo.Create(ctx, &dlqdomain.DeadLetterEntry{
			FailureType:  dlqdomain.FailureTypeSMSSend,
			Payload:      payload,
			ErrorMessage: errMsg,
			Priority:     dlqdomain.PriorityMedium,
			Metadata:     map[string]any{"lead_id": record.LeadID, "delivery_id": record.ID},
		})
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to dead-letter delivery", "delivery_id", record.ID, "error", err)
	}

	smsFailedCounter.Inc()
	pipeline.Report(ctx, s.broker, s.logger, pipeline.StatEvent{
		Outcome: pipeline.StatOutcomeSMSFailed, Step: "sms_send", Error: errMsg,
	})
}

// armTimeout schedules the undelivered fallback for a sent message.
// The DLR processor cancels it when a terminal report arrives first.
func (s *Sender) armTimeout(deliveryID int64) {
	timer := s.clk.AfterFunc(s.cfg.DeliveryTimeout, func() {
		s.onDeliveryTimeout(deliveryID)
	})

	s.mu.Lock()
	s.timeouts[deliveryID] = timer
	s.mu.Unlock()
}

// CancelTimeout stops the pending timeout for a delivery, if any.
func (s *Sender) CancelTimeout(deliveryID int64) {
	s.mu.Lock()
	timer, ok := s.timeouts[deliveryID]
	delete(s.timeouts, deliveryID)
	s.mu.Unlock()

	if ok {
		timer.Stop()
	}
}

func (s *Sender) onDeliveryTimeout(deliveryID int64) {
	ctx := context.Background()

	s.mu.Lock()
	delete(s.timeouts, deliveryID)
	s.mu.Unlock()

	record, err := s.deliveryRepo.GetByID(ctx, deliveryID)
	if err != nil {
		s.logger.Error("delivery timeout fired but record lookup failed", "delivery_id", deliveryID, "error", err)
		return
	}
	// A DLR may have landed between the timer firing and this lookup.
	if record.Status != core_domain.DeliveryStatusSent {
		return
	}

	errMsg := "no delivery report received before timeout"
	if err := s.deliveryRepo.UpdateStatus(ctx, deliveryID, core_domain.DeliveryStatusUndelivered, &errMsg, nil); err != nil {
		s.logger.Error("failed to mark delivery undelivered", "delivery_id", deliveryID, "error", err)
		return
	}
	// The lead record mirrors the outcome so nothing downstream keeps
	// waiting on a confirmation that will never come.
	if err := s.leadRepo.UpdateProcessingStatus(ctx, record.LeadID, core_domain.ProcessingStatusReplyUndelivered); err != nil {
		s.logger.Error("failed to update lead processing status", "lead_id", record.LeadID, "error", err)
	}
	deliveryTimeoutsCounter.Inc()
	s.logger.Warn("delivery timed out", "delivery_id", deliveryID, "lead_id", record.LeadID)
	pipeline.Report(ctx, s.broker, s.logger, pipeline.StatEvent{
		Outcome: pipeline.StatOutcomeSMSFailed, Step: "delivery_timeout", Error: errMsg,
	})
}

// ResumeTimeouts re-arms the delivery timeout for every record still in
// sent, picking up where a previous process left off. Records whose
// window already elapsed while no process was running are finalized
// immediately.
func (s *Sender) ResumeTimeouts(ctx context.Context) error {
	records, err := s.deliveryRepo.ListSent(ctx)
	if err != nil {
		return fmt.Errorf("failed to list in-flight deliveries: %w", err)
	}

	now := s.clk.Now()
	for _, record := range records {
		if record.SentAt == nil {
			continue
		}
		remaining := record.SentAt.Add(s.cfg.DeliveryTimeout).Sub(now)
		if remaining <= 0 {
			s.onDeliveryTimeout(record.ID)
			continue
		}
		deliveryID := record.ID
		timer := s.clk.AfterFunc(remaining, func() {
			s.onDeliveryTimeout(deliveryID)
		})
		s.mu.Lock()
		s.timeouts[deliveryID] = timer
		s.mu.Unlock()
	}
	if len(records) > 0 {
		s.logger.InfoContext(ctx, "resumed delivery timeouts", "count", len(records))
	}
	return nil
}

// Shutdown stops every armed delivery timeout and pending retry so a
// torn-down sender never fires against closed dependencies.
// ResumeTimeouts restores the timeout windows on the next start; an
// interrupted retry surfaces later as a failed or timed-out delivery.
func (s *Sender) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, timer := range s.timeouts {
		timer.Stop()
		delete(s.timeouts, id)
	}
	for id, timer := range s.retries {
		timer.Stop()
		delete(s.retries, id)
	}
}
