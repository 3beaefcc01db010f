package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dealerlink/leadrelay/internal/core_domain"
	leaddomain "github.com/dealerlink/leadrelay/internal/lead_service/domain"
	"github.com/dealerlink/leadrelay/internal/pipeline"
	"github.com/dealerlink/leadrelay/internal/sms_service/domain"
)

// DLRProcessor applies provider delivery reports to DeliveryRecords and
// cancels the corresponding timeout.
type DLRProcessor struct {
	deliveryRepo domain.DeliveryRepository
	leadRepo     leaddomain.LeadRepository
	sender       *Sender
	logger       *slog.Logger
}

func NewDLRProcessor(deliveryRepo domain.DeliveryRepository, leadRepo leaddomain.LeadRepository, sender *Sender, logger *slog.Logger) *DLRProcessor {
	return &DLRProcessor{
		deliveryRepo: deliveryRepo,
		leadRepo:     leadRepo,
		sender:       sender,
		logger:       logger.With("component", "dlr_processor"),
	}
}

// mapProviderStatus folds provider status vocabularies onto the
// delivery state machine. Unlisted intermediate statuses ("queued",
// "sending", "sent") map to empty and are ignored.
func mapProviderStatus(providerStatus string) core_domain.DeliveryStatus {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "delivered":
		return core_domain.DeliveryStatusDelivered
	case "failed", "rejected", "error":
		return core_domain.DeliveryStatusFailed
	case "undelivered", "expired":
		return core_domain.DeliveryStatusUndelivered
	default:
		return ""
	}
}

// HandleDLR processes one delivery report. Late or duplicate reports
// against terminal records are dropped, keeping processing idempotent.
func (p *DLRProcessor) HandleDLR(ctx context.Context, cb pipeline.ProviderDLRCallback) error {
	log := p.logger.With("provider_message_id", cb.ProviderMessageID, "provider_status", cb.Status)

	target := mapProviderStatus(cb.Status)
	if target == "" {
		log.DebugContext(ctx, "intermediate delivery status; ignoring")
		return nil
	}

	record, err := p.deliveryRepo.GetByProviderMessageID(ctx, cb.ProviderMessageID)
	if err != nil {
		if errors.Is(err, domain.ErrDeliveryNotFound) {
			// A resend supersedes the old provider message id, so late
			// reports against it resolve to nothing.
			log.WarnContext(ctx, "no delivery matches provider message id; dropping report")
			return nil
		}
		return fmt.Errorf("failed to resolve delivery for DLR: %w", err)
	}

	if !domain.CanTransition(record.Status, target) {
		log.WarnContext(ctx, "dropping DLR with illegal transition",
			"delivery_id", record.ID, "from", record.Status, "to", target)
		return nil
	}

	var deliveredAt *time.Time
	if target == core_domain.DeliveryStatusDelivered {
		now := time.Now().UTC()
		deliveredAt = &now
	}
	var errMsg *string
	if cb.ErrorCode != "" {
		msg := "provider error code " + cb.ErrorCode
		errMsg = &msg
	}

	if err := p.deliveryRepo.UpdateStatus(ctx, record.ID, target, errMsg, deliveredAt); err != nil {
		return fmt.Errorf("failed to apply DLR: %w", err)
	}
	record.Status = target

	p.sender.CancelTimeout(record.ID)
	dlrCounter.WithLabelValues(string(target)).Inc()
	log.InfoContext(ctx, "delivery report applied", "delivery_id", record.ID, "status", target)

	switch target {
	case core_domain.DeliveryStatusFailed:
		// Not the end of the message while retry budget remains; the
		// sender decides between re-dispatch and the DLQ.
		p.sender.ScheduleResend(ctx, record)
	case core_domain.DeliveryStatusUndelivered:
		// Mirrored onto the lead just like a timed-out delivery.
		if err := p.leadRepo.UpdateProcessingStatus(ctx, record.LeadID, core_domain.ProcessingStatusReplyUndelivered); err != nil {
			log.ErrorContext(ctx, "failed to update lead processing status", "lead_id", record.LeadID, "error", err)
		}
	}
	return nil
}
