package domain

import (
	"context"
	"database/sql/driver"
	"fmt"
	"time"
)

// FailureType tags a dead letter with the stage that produced it. Each
// type has exactly one registered retry handler.
type FailureType string

const (
	FailureTypeListenerReconnect FailureType = "listener_reconnect_failed"
	FailureTypeLeadProcessing    FailureType = "lead_processing_failed"
	FailureTypeResponder         FailureType = "ai_responder_failed"
	FailureTypeSMSSend           FailureType = "sms_send_failed"
)

// Priority orders dead letters for draining.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank maps a priority to its drain order; lower drains first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Value implements driver.Valuer for Priority.
func (p Priority) Value() (driver.Value, error) { return string(p), nil }

// Scan implements sql.Scanner for Priority.
func (p *Priority) Scan(value interface{}) error {
	strVal, ok := value.(string)
	if !ok {
		bytesVal, ok := value.([]byte)
		if !ok {
			return fmt.Errorf("failed to scan Priority: value is %T, not string or []byte", value)
		}
		strVal = string(bytesVal)
	}
	*p = Priority(strVal)
	switch *p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return nil
	default:
		return fmt.Errorf("unknown Priority value: %s", strVal)
	}
}

// DeadLetterEntry is a failure record holding everything the retry
// handler needs to replay the failed step. Removed on successful retry.
type DeadLetterEntry struct {
	ID           int64          `json:"id"`
	FailureType  FailureType    `json:"failure_type"`
	Payload      []byte         `json:"payload"`
	ErrorMessage string         `json:"error_message"`
	Priority     Priority       `json:"priority"`
	Attempts     int            `json:"attempts"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DeadLetterRepository persists dead letters.
type DeadLetterRepository interface {
	Create(ctx context.Context, entry *DeadLetterEntry) (*DeadLetterEntry, error)
	// ListPending returns entries ordered by priority rank, then age.
	ListPending(ctx context.Context, limit int) ([]*DeadLetterEntry, error)
	Delete(ctx context.Context, id int64) error
	IncrementAttempts(ctx context.Context, id int64, lastError string) error
}
