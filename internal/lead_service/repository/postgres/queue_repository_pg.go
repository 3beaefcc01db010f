package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dealerlink/leadrelay/internal/core_domain"
	"github.com/dealerlink/leadrelay/internal/lead_service/domain"
	"github.com/dealerlink/leadrelay/internal/platform/database"
)

var ErrQueueEntryNotFound = errors.New("queue entry not found")

type pgQueueRepository struct {
	db     database.Querier
	logger *slog.Logger
}

// NewPgQueueRepository creates the PostgreSQL queue-entry repository.
func NewPgQueueRepository(db database.Querier, logger *slog.Logger) domain.QueueRepository {
	return &pgQueueRepository{db: db, logger: logger.With("component", "queue_repository_pg")}
}

func (r *pgQueueRepository) Create(ctx context.Context, entry *core_domain.QueueEntry) (*core_domain.QueueEntry, error) {
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if entry.Status == "" {
		entry.Status = core_domain.QueueStatusPending
	}
	if entry.Attempts == 0 {
		entry.Attempts = 1
	}

	// A replayed message lands on its original row: the conflict branch
	// bumps the attempt counter and resets the entry to pending.
	query := `
		INSERT INTO queue_entries (
			source_message_id, subject, from_address, to_address, message_date,
			raw_body, extracted_payload, attempts, max_attempts, status, lead_id,
			errors, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (source_message_id) WHERE source_message_id <> '' DO UPDATE SET
			attempts   = queue_entries.attempts + 1,
			status     = EXCLUDED.status,
			errors     = '{}',
			updated_at = EXCLUDED.updated_at
		RETURNING id, attempts
	`
	err := r.db.QueryRow(ctx, query,
		entry.SourceMessageID, entry.Subject, entry.FromAddress, entry.ToAddress, entry.MessageDate,
		entry.RawBody, entry.ExtractedPayload, entry.Attempts, entry.MaxAttempts, entry.Status, entry.LeadID,
		entry.Errors, now,
	).Scan(&entry.ID, &entry.Attempts)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *pgQueueRepository) MarkProcessed(ctx context.Context, id int64, leadID int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE queue_entries SET status = $2, lead_id = $3, updated_at = $4 WHERE id = $1`,
		id, core_domain.QueueStatusProcessed, leadID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrQueueEntryNotFound
	}
	return nil
}

func (r *pgQueueRepository) MarkFailed(ctx context.Context, id int64, errs []string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE queue_entries SET status = $2, errors = $3, updated_at = $4 WHERE id = $1`,
		id, core_domain.QueueStatusFailed, errs, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrQueueEntryNotFound
	}
	return nil
}
