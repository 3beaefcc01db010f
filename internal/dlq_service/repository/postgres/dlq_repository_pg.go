// Package postgres implements the dead-letter repository on PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/dealerlink/leadrelay/internal/dlq_service/domain"
	"github.com/dealerlink/leadrelay/internal/platform/database"
)

var ErrDeadLetterNotFound = errors.New("dead letter not found")

type pgDeadLetterRepository struct {
	db     database.Querier
	logger *slog.Logger
}

// NewPgDeadLetterRepository creates the PostgreSQL dead-letter repository.
func NewPgDeadLetterRepository(db database.Querier, logger *slog.Logger) domain.DeadLetterRepository {
	return &pgDeadLetterRepository{db: db, logger: logger.With("component", "dlq_repository_pg")}
}

func (r *pgDeadLetterRepository) Create(ctx context.Context, entry *domain.DeadLetterEntry) (*domain.DeadLetterEntry, error) {
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if entry.Priority == "" {
		entry.Priority = domain.PriorityMedium
	}

	var metadata []byte
	if entry.Metadata != nil {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return nil, err
		}
	}

	query := `
		INSERT INTO dead_letters (failure_type, payload, error_message, priority, attempts, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id
	`
	err := r.db.QueryRow(ctx, query,
		entry.FailureType, entry.Payload, entry.ErrorMessage, entry.Priority, entry.Attempts, metadata, now,
	).Scan(&entry.ID)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListPending orders by priority rank then age so critical failures are
// always retried first.
func (r *pgDeadLetterRepository) ListPending(ctx context.Context, limit int) ([]*domain.DeadLetterEntry, error) {
	query := `
		SELECT id, failure_type, payload, error_message, priority, attempts, metadata, created_at, updated_at
		FROM dead_letters
		ORDER BY
			CASE priority
				WHEN 'critical' THEN 0
				WHEN 'high' THEN 1
				WHEN 'medium' THEN 2
				WHEN 'low' THEN 3
				ELSE 4
			END,
			created_at
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.DeadLetterEntry
	for rows.Next() {
		var entry domain.DeadLetterEntry
		var metadata []byte
		err := rows.Scan(&entry.ID, &entry.FailureType, &entry.Payload, &entry.ErrorMessage,
			&entry.Priority, &entry.Attempts, &metadata, &entry.CreatedAt, &entry.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &entry.Metadata); err != nil {
				r.logger.WarnContext(ctx, "failed to unmarshal dead letter metadata", "id", entry.ID, "error", err)
			}
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (r *pgDeadLetterRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}

func (r *pgDeadLetterRepository) IncrementAttempts(ctx context.Context, id int64, lastError string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE dead_letters SET attempts = attempts + 1, error_message = $2, updated_at = $3 WHERE id = $1`,
		id, lastError, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDeadLetterNotFound
	}
	return nil
}
