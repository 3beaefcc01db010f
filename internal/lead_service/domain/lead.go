package domain

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dealerlink/leadrelay/internal/core_domain"
)

// SourceMetadata identifies where a raw payload came from.
type SourceMetadata struct {
	SourceMessageID string
	Subject         string
	From            string
	To              string
	MessageDate     *time.Time
	RawBody         string
}

// ProcessingResult is the structured outcome of one ProcessLead call.
// A duplicate is a success outcome, not an error.
type ProcessingResult struct {
	Success     bool     `json:"success"`
	LeadID      *int64   `json:"lead_id,omitempty"`
	IsDuplicate bool     `json:"is_duplicate"`
	Errors      []string `json:"errors,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// UpsertResult reports what the atomic insert-or-bump operation did.
type UpsertResult struct {
	LeadID   int64
	Inserted bool // false means the fingerprint already existed
}

// LeadRepository owns lead_records. The advisory lock and the atomic
// upsert are the two independent safeguards against the duplicate-insert
// race; both live here so the storage choice can swap them together.
type LeadRepository interface {
	// WithFingerprintLock runs fn inside a transaction that holds the
	// fingerprint-scoped advisory lock. The lock is released on commit or
	// rollback, error or not.
	WithFingerprintLock(ctx context.Context, fingerprint string, fn func(ctx context.Context, tx pgx.Tx) error) error
	// GetByFingerprintTx looks up a lead inside the locked transaction.
	// Returns (nil, nil) when absent.
	GetByFingerprintTx(ctx context.Context, tx pgx.Tx, fingerprint string) (*core_domain.LeadRecord, error)
	// UpsertTx atomically inserts the lead, or bumps duplicate_count when
	// the fingerprint already exists.
	UpsertTx(ctx context.Context, tx pgx.Tx, lead *core_domain.LeadRecord) (*UpsertResult, error)
	GetByID(ctx context.Context, id int64) (*core_domain.LeadRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*core_domain.LeadRecord, error)
	UpdateProcessingStatus(ctx context.Context, id int64, status core_domain.ProcessingStatus) error
	// MarkOptedOutByPhone flags every lead associated with the phone
	// number; returns the affected lead ids.
	MarkOptedOutByPhone(ctx context.Context, phone string) ([]int64, error)
}

// QueueRepository owns queue_entries; mutated only by the lead processor.
type QueueRepository interface {
	Create(ctx context.Context, entry *core_domain.QueueEntry) (*core_domain.QueueEntry, error)
	MarkProcessed(ctx context.Context, id int64, leadID int64) error
	MarkFailed(ctx context.Context, id int64, errs []string) error
}

// ProcessingLogRepository appends audit rows; rows are never mutated.
type ProcessingLogRepository interface {
	Append(ctx context.Context, entry *core_domain.ProcessingLogEntry) error
	ListRecentErrors(ctx context.Context, limit int) ([]*core_domain.ProcessingLogEntry, error)
}

// DealershipRepository serves attribution lookups.
type DealershipRepository interface {
	ListActive(ctx context.Context) ([]*core_domain.Dealership, error)
	GetByID(ctx context.Context, id int64) (*core_domain.Dealership, error)
}
