// Package coordinator subscribes the pipeline stages to their broker
// subjects and owns the DLQ retry bindings. It is wiring only; all
// behavior lives in the stage services.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dealerlink/leadrelay/internal/core_domain"
	dlqapp "github.com/dealerlink/leadrelay/internal/dlq_service/app"
	dlqdomain "github.com/dealerlink/leadrelay/internal/dlq_service/domain"
	leaddomain "github.com/dealerlink/leadrelay/internal/lead_service/domain"
	"github.com/dealerlink/leadrelay/internal/pipeline"
	"github.com/dealerlink/leadrelay/internal/platform/messagebroker"
	"github.com/dealerlink/leadrelay/internal/responder"
)

// LeadProcessor runs the parse/dedup/persist stage.
type LeadProcessor interface {
	ProcessLead(ctx context.Context, rawPayload string, meta leaddomain.SourceMetadata) leaddomain.ProcessingResult
}

// ReplySender delivers one generated reply over SMS.
type ReplySender interface {
	SendReply(ctx context.Context, ev pipeline.ReplyGeneratedEvent) error
}

// InboundSMSHandler processes inbound SMS (opt-outs).
type InboundSMSHandler interface {
	HandleIncoming(ctx context.Context, msg pipeline.ProviderIncomingSMS) error
}

// DLRHandler applies delivery reports.
type DLRHandler interface {
	HandleDLR(ctx context.Context, cb pipeline.ProviderDLRCallback) error
}

// Config identifies the provider whose webhook subjects to consume and
// the opt-out notice needed when replaying failed sends.
type Config struct {
	ProviderName string
	OptOutNotice string
}

// Coordinator binds pipeline stages to subjects.
type Coordinator struct {
	broker    messagebroker.Client
	processor LeadProcessor
	responder responder.Client
	sender    ReplySender
	inbound   InboundSMSHandler
	dlr       DLRHandler
	dlq       *dlqapp.Service
	cfg       Config
	logger    *slog.Logger

	// restartListener is invoked by the listener_reconnect_failed retry
	// handler; set by the binary that owns the listener goroutine.
	restartListener func(ctx context.Context) error

	subs []messagebroker.Subscription
}

func New(
	broker messagebroker.Client,
	processor LeadProcessor,
	responderClient responder.Client,
	sender ReplySender,
	inbound InboundSMSHandler,
	dlr DLRHandler,
	dlq *dlqapp.Service,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		broker:    broker,
		processor: processor,
		responder: responderClient,
		sender:    sender,
		inbound:   inbound,
		dlr:       dlr,
		dlq:       dlq,
		cfg:       cfg,
		logger:    logger.With("service", "coordinator"),
	}
}

// SetListenerRestart binds the restart hook for mailbox outages.
func (c *Coordinator) SetListenerRestart(fn func(ctx context.Context) error) {
	c.restartListener = fn
}

// Start subscribes every stage and registers the DLQ retry handlers.
func (c *Coordinator) Start(ctx context.Context) error {
	bindings := []struct {
		subject    string
		queueGroup string
		handler    messagebroker.MessageHandler
	}{
		{pipeline.SubjectRawLeadReceived, pipeline.QueueGroup, c.onRawLead(ctx)},
		{pipeline.SubjectLeadReady, pipeline.QueueGroup, c.onLeadReady(ctx)},
		{pipeline.SubjectReplyGenerated, pipeline.QueueGroup, c.onReplyGenerated(ctx)},
		{pipeline.SubjectIncomingSMSPrefix + "." + c.cfg.ProviderName, pipeline.QueueGroup, c.onIncomingSMS(ctx)},
		{pipeline.SubjectDLRPrefix + "." + c.cfg.ProviderName, pipeline.QueueGroup, c.onDLR(ctx)},
	}

	for _, b := range bindings {
		sub, err := c.broker.Subscribe(ctx, b.subject, b.queueGroup, b.handler)
		if err != nil {
			c.Stop()
			return fmt.Errorf("failed to subscribe to %q: %w", b.subject, err)
		}
		c.subs = append(c.subs, sub)
	}

	c.registerRetryHandlers()
	c.logger.InfoContext(ctx, "coordinator started", "provider", c.cfg.ProviderName)
	return nil
}

// Stop unsubscribes everything.
func (c *Coordinator) Stop() {
	for _, sub := range c.subs {
		if sub.IsValid() {
			if err := sub.Unsubscribe(); err != nil {
				c.logger.Warn("failed to unsubscribe", "error", err)
			}
		}
	}
	c.subs = nil
}

func (c *Coordinator) onRawLead(ctx context.Context) messagebroker.MessageHandler {
	return func(msg messagebroker.Message) {
		var ev pipeline.RawLeadReceivedEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			c.logger.Error("failed to unmarshal raw lead event", "error", err)
			return
		}
		result := c.processor.ProcessLead(ctx, ev.Payload, leaddomain.SourceMetadata{
			SourceMessageID: ev.SourceMessageID,
			Subject:         ev.Subject,
			From:            ev.From,
			To:              ev.To,
			MessageDate:     ev.MessageDate,
			RawBody:         ev.RawBody,
		})
		if !result.Success {
			c.logger.Warn("lead processing failed",
				"source_message_id", ev.SourceMessageID, "errors", strings.Join(result.Errors, "; "))
		}
	}
}

func (c *Coordinator) onLeadReady(ctx context.Context) messagebroker.MessageHandler {
	return func(msg messagebroker.Message) {
		var ev pipeline.LeadReadyEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			c.logger.Error("failed to unmarshal lead ready event", "error", err)
			return
		}
		c.generateReply(ctx, ev, msg.Data())
	}
}

// generateReply calls the responder and forwards the reply; a responder
// failure dead-letters the lead-ready event for a later retry.
func (c *Coordinator) generateReply(ctx context.Context, ev pipeline.LeadReadyEvent, rawEvent []byte) {
	reply, err := c.responder.GenerateReply(ctx, responder.LeadContext{
		LeadID:       ev.LeadID,
		CustomerName: ev.CustomerName,
		VehicleYear:  ev.VehicleYear,
		VehicleMake:  ev.VehicleMake,
		VehicleModel: ev.VehicleModel,
	})
	if err != nil {
		c.logger.Error("responder failed", "lead_id", ev.LeadID, "error", err)
		if dlqErr := c.dlq.AddEntry(ctx, &dlqdomain.DeadLetterEntry{
			FailureType:  dlqdomain.FailureTypeResponder,
			Payload:      rawEvent,
			ErrorMessage: err.Error(),
			Priority:     dlqdomain.PriorityHigh,
			Metadata:     map[string]any{"lead_id": ev.LeadID},
		}); dlqErr != nil {
			c.logger.Error("failed to dead-letter responder failure", "lead_id", ev.LeadID, "error", dlqErr)
		}
		pipeline.Report(ctx, c.broker, c.logger, pipeline.StatEvent{
			Outcome: pipeline.StatOutcomeFailed, Step: "generate_reply", Error: err.Error(),
		})
		return
	}

	out := pipeline.ReplyGeneratedEvent{
		LeadID:        ev.LeadID,
		DealershipID:  ev.DealershipID,
		CustomerName:  ev.CustomerName,
		CustomerPhone: ev.CustomerPhone,
		ReplyText:     reply,
	}
	data, err := json.Marshal(out)
	if err != nil {
		c.logger.Error("failed to marshal reply event", "lead_id", ev.LeadID, "error", err)
		return
	}
	if err := c.broker.Publish(ctx, pipeline.SubjectReplyGenerated, data); err != nil {
		c.logger.Error("failed to publish reply event", "lead_id", ev.LeadID, "error", err)
	}
}

func (c *Coordinator) onReplyGenerated(ctx context.Context) messagebroker.MessageHandler {
	return func(msg messagebroker.Message) {
		var ev pipeline.ReplyGeneratedEvent
		if err := json.Unmarshal(msg.Data(), &ev); err != nil {
			c.logger.Error("failed to unmarshal reply event", "error", err)
			return
		}
		if err := c.sender.SendReply(ctx, ev); err != nil {
			c.logger.Error("failed to send reply", "lead_id", ev.LeadID, "error", err)
		}
	}
}

func (c *Coordinator) onIncomingSMS(ctx context.Context) messagebroker.MessageHandler {
	return func(msg messagebroker.Message) {
		var in pipeline.ProviderIncomingSMS
		if err := json.Unmarshal(msg.Data(), &in); err != nil {
			c.logger.Error("failed to unmarshal inbound SMS", "error", err)
			return
		}
		if err := c.inbound.HandleIncoming(ctx, in); err != nil {
			c.logger.Error("failed to handle inbound SMS", "from", in.From, "error", err)
		}
	}
}

func (c *Coordinator) onDLR(ctx context.Context) messagebroker.MessageHandler {
	return func(msg messagebroker.Message) {
		var cb pipeline.ProviderDLRCallback
		if err := json.Unmarshal(msg.Data(), &cb); err != nil {
			c.logger.Error("failed to unmarshal DLR", "error", err)
			return
		}
		if err := c.dlr.HandleDLR(ctx, cb); err != nil {
			c.logger.Error("failed to handle DLR", "provider_message_id", cb.ProviderMessageID, "error", err)
		}
	}
}

// registerRetryHandlers binds each failure type to its replay path.
func (c *Coordinator) registerRetryHandlers() {
	c.dlq.RegisterRetryHandler(dlqdomain.FailureTypeLeadProcessing, func(ctx context.Context, entry *dlqdomain.DeadLetterEntry) error {
		// Republishing replays through the normal intake path.
		return c.broker.Publish(ctx, pipeline.SubjectRawLeadReceived, entry.Payload)
	})

	c.dlq.RegisterRetryHandler(dlqdomain.FailureTypeResponder, func(ctx context.Context, entry *dlqdomain.DeadLetterEntry) error {
		var ev pipeline.LeadReadyEvent
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			return fmt.Errorf("unreadable lead ready payload: %w", err)
		}
		reply, err := c.responder.GenerateReply(ctx, responder.LeadContext{
			LeadID:       ev.LeadID,
			CustomerName: ev.CustomerName,
			VehicleYear:  ev.VehicleYear,
			VehicleMake:  ev.VehicleMake,
			VehicleModel: ev.VehicleModel,
		})
		if err != nil {
			return err
		}
		data, err := json.Marshal(pipeline.ReplyGeneratedEvent{
			LeadID:        ev.LeadID,
			DealershipID:  ev.DealershipID,
			CustomerName:  ev.CustomerName,
			CustomerPhone: ev.CustomerPhone,
			ReplyText:     reply,
		})
		if err != nil {
			return err
		}
		return c.broker.Publish(ctx, pipeline.SubjectReplyGenerated, data)
	})

	c.dlq.RegisterRetryHandler(dlqdomain.FailureTypeSMSSend, func(ctx context.Context, entry *dlqdomain.DeadLetterEntry) error {
		var record core_domain.DeliveryRecord
		if err := json.Unmarshal(entry.Payload, &record); err != nil {
			return fmt.Errorf("unreadable delivery payload: %w", err)
		}
		// The stored text already carries the notice; strip it so the
		// sender's formatting does not append it twice.
		replyText := strings.TrimSuffix(record.MessageText, c.cfg.OptOutNotice)
		return c.sender.SendReply(ctx, pipeline.ReplyGeneratedEvent{
			LeadID:        record.LeadID,
			DealershipID:  record.DealershipID,
			CustomerPhone: record.PhoneNumber,
			ReplyText:     replyText,
		})
	})

	c.dlq.RegisterRetryHandler(dlqdomain.FailureTypeListenerReconnect, func(ctx context.Context, entry *dlqdomain.DeadLetterEntry) error {
		if c.restartListener == nil {
			return fmt.Errorf("no listener restart hook bound")
		}
		return c.restartListener(ctx)
	})
}
