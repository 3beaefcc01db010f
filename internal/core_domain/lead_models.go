package core_domain

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// LeadStatus tracks the business state of a lead.
type LeadStatus string

const (
	LeadStatusNew      LeadStatus = "new"
	LeadStatusReplied  LeadStatus = "replied"
	LeadStatusOptedOut LeadStatus = "opted_out"
	LeadStatusArchived LeadStatus = "archived"
)

// ProcessingStatus tracks where a lead sits in the pipeline.
type ProcessingStatus string

const (
	ProcessingStatusReceived         ProcessingStatus = "received"
	ProcessingStatusProcessed        ProcessingStatus = "processed"
	ProcessingStatusReplySent        ProcessingStatus = "reply_sent"
	ProcessingStatusReplyFailed      ProcessingStatus = "reply_failed"
	ProcessingStatusReplyUndelivered ProcessingStatus = "reply_undelivered"
)

// LeadRecord is one parsed, deduplicated lead.
// Fingerprint is unique: at most one persisted LeadRecord per fingerprint,
// enforced by a unique index on lead_records.fingerprint.
type LeadRecord struct {
	ID               int64            `json:"id"`
	DealershipID     *int64           `json:"dealership_id,omitempty"` // nil until attributed
	CustomerName     string           `json:"customer_name"`
	CustomerPhone    string           `json:"customer_phone"`
	CustomerEmail    string           `json:"customer_email"`
	CustomerAddress  string           `json:"customer_address"`
	VehicleYear      string           `json:"vehicle_year"`
	VehicleMake      string           `json:"vehicle_make"`
	VehicleModel     string           `json:"vehicle_model"`
	VehicleVIN       string           `json:"vehicle_vin"`
	VehicleStock     string           `json:"vehicle_stock"`
	VendorName       string           `json:"vendor_name"`
	VendorEmail      string           `json:"vendor_email"`
	Fingerprint      string           `json:"fingerprint"`
	Status           LeadStatus       `json:"status"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	// DuplicateCount is bumped by the upsert each time the same fingerprint
	// is resubmitted.
	DuplicateCount int       `json:"duplicate_count"`
	RawPayload     string    `json:"-"` // kept for audit/replay
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// QueueStatus is the lifecycle state of a QueueEntry.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusProcessed  QueueStatus = "processed"
	QueueStatusFailed     QueueStatus = "failed"
)

// Value implements driver.Valuer for QueueStatus.
func (s QueueStatus) Value() (driver.Value, error) { return string(s), nil }

// Scan implements sql.Scanner for QueueStatus.
func (s *QueueStatus) Scan(value interface{}) error {
	strVal, ok := value.(string)
	if !ok {
		bytesVal, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("failed to scan QueueStatus: value is %T, not string or []byte", value)
		}
		strVal = string(bytesVal)
	}
	*s = QueueStatus(strVal)
	switch *s {
	case QueueStatusPending, QueueStatusProcessing, QueueStatusProcessed, QueueStatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown QueueStatus value: %s", strVal)
	}
}

// QueueEntry is one inbound raw message awaiting or having undergone
// processing. Entries are mutated only by the lead processor and never
// deleted automatically; they are the replay source for retries.
type QueueEntry struct {
	ID               int64       `json:"id"`
	SourceMessageID  string      `json:"source_message_id"`
	Subject          string      `json:"subject"`
	FromAddress      string      `json:"from_address"`
	ToAddress        string      `json:"to_address"`
	MessageDate      *time.Time  `json:"message_date,omitempty"`
	RawBody          string      `json:"-"`
	ExtractedPayload string      `json:"-"`
	Attempts         int         `json:"attempts"`
	MaxAttempts      int         `json:"max_attempts"`
	Status           QueueStatus `json:"status"`
	LeadID           *int64      `json:"lead_id,omitempty"`
	Errors           []string    `json:"errors,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// LogOutcome classifies one processing-log row.
type LogOutcome string

const (
	LogOutcomeSuccess LogOutcome = "success"
	LogOutcomeWarning LogOutcome = "warning"
	LogOutcomeError   LogOutcome = "error"
)

// ProcessingLogEntry is one append-only audit row, one per pipeline
// decision point. Never mutated after insert.
type ProcessingLogEntry struct {
	ID        int64          `json:"id"`
	LeadID    *int64         `json:"lead_id,omitempty"` // may precede lead creation
	Step      string         `json:"step"`
	Outcome   LogOutcome     `json:"outcome"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// DeliveryStatus is the state of an outbound SMS.
type DeliveryStatus string

const (
	DeliveryStatusPending     DeliveryStatus = "pending"
	DeliveryStatusSent        DeliveryStatus = "sent"
	DeliveryStatusDelivered   DeliveryStatus = "delivered"
	DeliveryStatusFailed      DeliveryStatus = "failed"
	DeliveryStatusUndelivered DeliveryStatus = "undelivered"
)

// Value implements driver.Valuer for DeliveryStatus.
func (s DeliveryStatus) Value() (driver.Value, error) { return string(s), nil }

// Scan implements sql.Scanner for DeliveryStatus.
func (s *DeliveryStatus) Scan(value interface{}) error {
	strVal, ok := value.(string)
	if !ok {
		bytesVal, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("failed to scan DeliveryStatus: value is %T, not string or []byte", value)
		}
		strVal = string(bytesVal)
	}
	*s = DeliveryStatus(strVal)
	switch *s {
	case DeliveryStatusPending, DeliveryStatusSent, DeliveryStatusDelivered,
		DeliveryStatusFailed, DeliveryStatusUndelivered:
		return nil
	default:
		return fmt.Errorf("unknown DeliveryStatus value: %s", strVal)
	}
}

// DeliveryRecord is one outbound SMS tied to a lead. Owned exclusively by
// the SMS sender.
type DeliveryRecord struct {
	ID                int64          `json:"id"`
	LeadID            int64          `json:"lead_id"`
	DealershipID      *int64         `json:"dealership_id,omitempty"`
	PhoneNumber       string         `json:"phone_number"`
	MessageText       string         `json:"message_text"`
	ProviderMessageID *string        `json:"provider_message_id,omitempty"` // assigned once sent
	Status            DeliveryStatus `json:"status"`
	RetryCount        int            `json:"retry_count"`
	OptedOut          bool           `json:"opted_out"`
	ErrorMessage      *string        `json:"error_message,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
}

// Dealership is the attribution target for incoming leads.
type Dealership struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	NormalizedName    string    `json:"normalized_name"`
	VendorEmailDomain string    `json:"vendor_email_domain"`
	SMSFromNumber     string    `json:"sms_from_number"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
