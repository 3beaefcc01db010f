// Package app implements lead processing: queue bookkeeping, parsing,
// dealership attribution, deduplicated persistence, and the downstream
// hand-off to the responder via the broker.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dealerlink/leadrelay/internal/core_domain"
	dlqdomain "github.com/dealerlink/leadrelay/internal/dlq_service/domain"
	"github.com/dealerlink/leadrelay/internal/lead_service/domain"
	"github.com/dealerlink/leadrelay/internal/lead_service/parser"
	"github.com/dealerlink/leadrelay/internal/pipeline"
	"github.com/dealerlink/leadrelay/internal/platform/messagebroker"
)

// Processor turns one raw payload into at most one persisted lead.
// Duplicates bump the existing record's counter and produce no new lead
// and no downstream event.
type Processor struct {
	leadRepo    domain.LeadRepository
	queueRepo   domain.QueueRepository
	logRepo     domain.ProcessingLogRepository
	dlqRepo     dlqdomain.DeadLetterRepository
	attributor  *Attributor
	broker      messagebroker.Client
	logger      *slog.Logger
	maxAttempts int
}

func NewProcessor(
	leadRepo domain.LeadRepository,
	queueRepo domain.QueueRepository,
	logRepo domain.ProcessingLogRepository,
	dlqRepo dlqdomain.DeadLetterRepository,
	attributor *Attributor,
	broker messagebroker.Client,
	maxAttempts int,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		leadRepo:    leadRepo,
		queueRepo:   queueRepo,
		logRepo:     logRepo,
		dlqRepo:     dlqRepo,
		attributor:  attributor,
		broker:      broker,
		logger:      logger.With("component", "lead_processor"),
		maxAttempts: maxAttempts,
	}
}

// ProcessLead runs the full pipeline for one raw payload:
// queue entry, parse, attribute, lock+dedup+upsert, queue finalization,
// audit log, and the ready event for new leads.
func (p *Processor) ProcessLead(ctx context.Context, rawPayload string, meta domain.SourceMetadata) domain.ProcessingResult {
	started := time.Now()

	entry, err := p.queueRepo.Create(ctx, &core_domain.QueueEntry{
		SourceMessageID:  meta.SourceMessageID,
		Subject:          meta.Subject,
		FromAddress:      meta.From,
		ToAddress:        meta.To,
		MessageDate:      meta.MessageDate,
		RawBody:          meta.RawBody,
		ExtractedPayload: rawPayload,
		MaxAttempts:      p.maxAttempts,
	})
	if err != nil {
		// Without a queue entry there is nothing to replay from; park the
		// payload in the DLQ so the lead is not lost.
		p.logger.ErrorContext(ctx, "failed to create queue entry", "source_message_id", meta.SourceMessageID, "error", err)
		p.deadLetter(ctx, rawPayload, meta, fmt.Sprintf("queue entry creation failed: %v", err))
		return p.failed(ctx, started, nil, []string{fmt.Sprintf("queue entry creation failed: %v", err)}, nil)
	}

	// A replayed message reuses its queue entry and bumps the attempt
	// counter; once the budget is spent the entry fails for good instead
	// of cycling through the dead letter queue again.
	if entry.MaxAttempts > 0 && entry.Attempts > entry.MaxAttempts {
		errMsg := fmt.Sprintf("giving up after %d processing attempts", entry.Attempts)
		p.logger.ErrorContext(ctx, "queue entry exceeded its attempt budget",
			"queue_entry_id", entry.ID, "attempts", entry.Attempts, "max_attempts", entry.MaxAttempts)
		if err := p.queueRepo.MarkFailed(ctx, entry.ID, []string{errMsg}); err != nil {
			p.logger.ErrorContext(ctx, "failed to mark queue entry failed", "queue_entry_id", entry.ID, "error", err)
		}
		p.appendLog(ctx, nil, "queue", core_domain.LogOutcomeError, errMsg, map[string]any{
			"queue_entry_id": entry.ID,
		})
		return p.failed(ctx, started, entry, []string{errMsg}, nil)
	}

	lead, parseErrs, warnings := parser.Parse([]byte(rawPayload))
	if len(parseErrs) > 0 {
		// A malformed payload fails the same way on every retry, so it is
		// not dead-lettered; the failed queue entry keeps it for manual
		// inspection.
		parseFailuresCounter.Inc()
		p.logger.WarnContext(ctx, "payload rejected by parser",
			"queue_entry_id", entry.ID, "errors", strings.Join(parseErrs, "; "))
		if err := p.queueRepo.MarkFailed(ctx, entry.ID, parseErrs); err != nil {
			p.logger.ErrorContext(ctx, "failed to mark queue entry failed", "queue_entry_id", entry.ID, "error", err)
		}
		p.appendLog(ctx, nil, "parse", core_domain.LogOutcomeError, strings.Join(parseErrs, "; "), map[string]any{
			"queue_entry_id": entry.ID,
		})
		return p.failed(ctx, started, entry, parseErrs, warnings)
	}
	for _, w := range warnings {
		p.appendLog(ctx, nil, "parse", core_domain.LogOutcomeWarning, w, map[string]any{
			"queue_entry_id": entry.ID,
		})
	}

	dealershipID, method, err := p.attributor.Attribute(ctx, lead.VendorName, lead.VendorEmail)
	if err != nil {
		// Attribution needs only a read; treat a lookup failure like a miss
		// rather than dropping the lead.
		p.logger.ErrorContext(ctx, "dealership lookup failed", "queue_entry_id", entry.ID, "error", err)
		dealershipID, method = nil, MatchMethodNone
	}
	attributionCounter.WithLabelValues(method).Inc()
	if dealershipID == nil {
		warnings = append(warnings, "lead could not be attributed to a dealership")
		p.appendLog(ctx, nil, "attribution", core_domain.LogOutcomeWarning, "no dealership match", map[string]any{
			"vendor_name": lead.VendorName, "vendor_email": lead.VendorEmail,
		})
	}

	record := &core_domain.LeadRecord{
		DealershipID:     dealershipID,
		CustomerName:     lead.CustomerName(),
		CustomerPhone:    lead.CustomerPhone,
		CustomerEmail:    lead.CustomerEmail,
		CustomerAddress:  lead.CustomerAddress,
		VehicleYear:      lead.VehicleYear,
		VehicleMake:      lead.VehicleMake,
		VehicleModel:     lead.VehicleModel,
		VehicleVIN:       lead.VehicleVIN,
		VehicleStock:     lead.VehicleStock,
		VendorName:       lead.VendorName,
		VendorEmail:      lead.VendorEmail,
		Fingerprint:      lead.Fingerprint,
		Status:           core_domain.LeadStatusNew,
		ProcessingStatus: core_domain.ProcessingStatusReceived,
		RawPayload:       rawPayload,
	}

	var (
		leadID      int64
		isDuplicate bool
	)
	err = p.leadRepo.WithFingerprintLock(ctx, lead.Fingerprint, func(ctx context.Context, tx pgx.Tx) error {
		existing, err := p.leadRepo.GetByFingerprintTx(ctx, tx, lead.Fingerprint)
		if err != nil {
			return err
		}
		// The upsert both inserts and bumps the duplicate counter; the prior
		// lookup only tells us which happened under the lock.
		result, err := p.leadRepo.UpsertTx(ctx, tx, record)
		if err != nil {
			return err
		}
		leadID = result.LeadID
		isDuplicate = existing != nil || !result.Inserted
		return nil
	})
	if err != nil {
		errMsg := fmt.Sprintf("lead persistence failed: %v", err)
		p.logger.ErrorContext(ctx, "lead persistence failed", "queue_entry_id", entry.ID, "error", err)
		if mfErr := p.queueRepo.MarkFailed(ctx, entry.ID, []string{errMsg}); mfErr != nil {
			p.logger.ErrorContext(ctx, "failed to mark queue entry failed", "queue_entry_id", entry.ID, "error", mfErr)
		}
		p.appendLog(ctx, nil, "persist", core_domain.LogOutcomeError, errMsg, map[string]any{
			"queue_entry_id": entry.ID, "fingerprint": lead.Fingerprint,
		})
		p.deadLetter(ctx, rawPayload, meta, errMsg)
		return p.failed(ctx, started, entry, []string{errMsg}, warnings)
	}

	if err := p.queueRepo.MarkProcessed(ctx, entry.ID, leadID); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark queue entry processed", "queue_entry_id", entry.ID, "error", err)
	}

	if isDuplicate {
		leadsProcessedCounter.WithLabelValues("duplicate").Inc()
		p.appendLog(ctx, &leadID, "dedup", core_domain.LogOutcomeSuccess, "duplicate submission; counter bumped", map[string]any{
			"fingerprint": lead.Fingerprint,
		})
		pipeline.Report(ctx, p.broker, p.logger, pipeline.StatEvent{
			Outcome:    pipeline.StatOutcomeDuplicate,
			Step:       "process_lead",
			DurationMS: time.Since(started).Milliseconds(),
		})
		return domain.ProcessingResult{Success: true, LeadID: &leadID, IsDuplicate: true, Warnings: warnings}
	}

	if err := p.leadRepo.UpdateProcessingStatus(ctx, leadID, core_domain.ProcessingStatusProcessed); err != nil {
		p.logger.ErrorContext(ctx, "failed to update processing status", "lead_id", leadID, "error", err)
	}

	leadsProcessedCounter.WithLabelValues("new").Inc()
	p.appendLog(ctx, &leadID, "persist", core_domain.LogOutcomeSuccess, "new lead persisted", map[string]any{
		"attribution_method": method,
	})

	p.publishLeadReady(ctx, pipeline.LeadReadyEvent{
		LeadID:        leadID,
		DealershipID:  dealershipID,
		CustomerName:  record.CustomerName,
		CustomerPhone: record.CustomerPhone,
		CustomerEmail: record.CustomerEmail,
		VehicleYear:   record.VehicleYear,
		VehicleMake:   record.VehicleMake,
		VehicleModel:  record.VehicleModel,
	})

	pipeline.Report(ctx, p.broker, p.logger, pipeline.StatEvent{
		Outcome:    pipeline.StatOutcomeProcessed,
		Step:       "process_lead",
		DurationMS: time.Since(started).Milliseconds(),
	})
	return domain.ProcessingResult{Success: true, LeadID: &leadID, Warnings: warnings}
}

func (p *Processor) publishLeadReady(ctx context.Context, ev pipeline.LeadReadyEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to marshal lead ready event", "lead_id", ev.LeadID, "error", err)
		return
	}
	if err := p.broker.Publish(ctx, pipeline.SubjectLeadReady, data); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish lead ready event", "lead_id", ev.LeadID, "error", err)
	}
}

func (p *Processor) appendLog(ctx context.Context, leadID *int64, step string, outcome core_domain.LogOutcome, message string, detail map[string]any) {
	err := p.logRepo.Append(ctx, &core_domain.ProcessingLogEntry{
		LeadID:  leadID,
		Step:    step,
		Outcome: outcome,
		Message: message,
		Detail:  detail,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to append processing log", "step", step, "error", err)
	}
}

func (p *Processor) deadLetter(ctx context.Context, rawPayload string, meta domain.SourceMetadata, errMsg string) {
	payload, err := json.Marshal(pipeline.RawLeadReceivedEvent{
		SourceMessageID: meta.SourceMessageID,
		Subject:         meta.Subject,
		From:            meta.From,
		To:              meta.To,
		MessageDate:     meta.MessageDate,
		RawBody:         meta.RawBody,
		Payload:         rawPayload,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to marshal dead letter payload", "error", err)
		return
	}
	_, err = p.dlqRepo.Create(ctx, &dlqdomain.DeadLetterEntry{
		FailureType:  dlqdomain.FailureTypeLeadProcessing,
		Payload:      payload,
		ErrorMessage: errMsg,
		Priority:     dlqdomain.PriorityHigh,
		Metadata:     map[string]any{"source_message_id": meta.SourceMessageID},
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to create dead letter entry", "error", err)
	}
}

func (p *Processor) failed(ctx context.Context, started time.Time, entry *core_domain.QueueEntry, errs, warnings []string) domain.ProcessingResult {
	leadsProcessedCounter.WithLabelValues("failed").Inc()
	var errMsg string
	if len(errs) > 0 {
		errMsg = errs[0]
	}
	pipeline.Report(ctx, p.broker, p.logger, pipeline.StatEvent{
		Outcome:    pipeline.StatOutcomeFailed,
		Step:       "process_lead",
		Error:      errMsg,
		DurationMS: time.Since(started).Milliseconds(),
	})
	return domain.ProcessingResult{Success: false, Errors: errs, Warnings: warnings}
}
