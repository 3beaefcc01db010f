// Package pipeline defines the event contracts that wire the relay's
// components together over the message broker. Every subject carries
// exactly one payload type; components publish and subscribe only to the
// subjects in their contract.
package pipeline

import "time"

// NATS subjects. Webhook intake appends the provider name to the raw
// subjects, mirroring the gateway convention "sms.incoming.raw.<provider>".
const (
	SubjectRawLeadReceived   = "leads.raw.received"
	SubjectLeadReady         = "leads.ready"
	SubjectReplyGenerated    = "leads.reply.generated"
	SubjectIncomingSMSPrefix = "sms.incoming.raw"
	SubjectDLRPrefix         = "dlr.raw"
	SubjectStats             = "pipeline.stats"
)

// QueueGroup is the shared NATS queue group; multiple relay instances
// split the work instead of all receiving every event.
const QueueGroup = "lead_relay"

// RawLeadReceivedEvent is published by the mailbox listener for every
// message with an extractable payload.
type RawLeadReceivedEvent struct {
	SourceMessageID string     `json:"source_message_id"`
	Subject         string     `json:"subject"`
	From            string     `json:"from"`
	To              string     `json:"to"`
	MessageDate     *time.Time `json:"message_date,omitempty"`
	RawBody         string     `json:"raw_body"`
	Payload         string     `json:"payload"`
}

// LeadReadyEvent is published by the lead processor once a new
// (non-duplicate) lead has been persisted and attributed.
type LeadReadyEvent struct {
	LeadID        int64  `json:"lead_id"`
	DealershipID  *int64 `json:"dealership_id,omitempty"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	CustomerEmail string `json:"customer_email"`
	VehicleYear   string `json:"vehicle_year"`
	VehicleMake   string `json:"vehicle_make"`
	VehicleModel  string `json:"vehicle_model"`
}

// ReplyGeneratedEvent carries the AI responder's reply text to the SMS
// sender.
type ReplyGeneratedEvent struct {
	LeadID        int64  `json:"lead_id"`
	DealershipID  *int64 `json:"dealership_id,omitempty"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
	ReplyText     string `json:"reply_text"`
}

// ProviderDLRCallback is the delivery webhook payload republished on
// "dlr.raw.<provider>".
type ProviderDLRCallback struct {
	ProviderMessageID string `json:"provider_message_id" validate:"required"`
	Status            string `json:"status" validate:"required"`
	ErrorCode         string `json:"error_code,omitempty"`
}

// ProviderIncomingSMS is the inbound-message webhook payload republished
// on "sms.incoming.raw.<provider>".
type ProviderIncomingSMS struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required"`
	Body string `json:"body" validate:"required"`
}

// StatOutcome classifies one pipeline decision for the statistics
// aggregator.
type StatOutcome string

const (
	StatOutcomeProcessed StatOutcome = "processed"
	StatOutcomeDuplicate StatOutcome = "duplicate"
	StatOutcomeFailed    StatOutcome = "failed"
	StatOutcomeSMSSent   StatOutcome = "sms_sent"
	StatOutcomeSMSFailed StatOutcome = "sms_failed"
	StatOutcomeOptOut    StatOutcome = "opt_out"
)

// StatEvent is how components report to the statistics aggregator. The
// aggregator is the only writer of the aggregate state; components never
// mutate shared counters directly.
type StatEvent struct {
	Outcome    StatOutcome `json:"outcome"`
	Step       string      `json:"step,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
	At         time.Time   `json:"at"`
}
