package postgres

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/dealerlink/leadrelay/internal/core_domain"
	"github.com/dealerlink/leadrelay/internal/lead_service/domain"
	"github.com/dealerlink/leadrelay/internal/platform/database"
)

type pgProcessingLogRepository struct {
	db     database.Querier
	logger *slog.Logger
}

// NewPgProcessingLogRepository creates the append-only audit log repository.
func NewPgProcessingLogRepository(db database.Querier, logger *slog.Logger) domain.ProcessingLogRepository {
	return &pgProcessingLogRepository{db: db, logger: logger.With("component", "processing_log_repository_pg")}
}

func (r *pgProcessingLogRepository) Append(ctx context.Context, entry *core_domain.ProcessingLogEntry) error {
	var detail []byte
	if entry.Detail != nil {
		var err error
		detail, err = json.Marshal(entry.Detail)
		if err != nil {
			return err
		}
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO processing_log (lead_id, step, outcome, message, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.LeadID, entry.Step, entry.Outcome, entry.Message, detail, time.Now().UTC())
	return err
}

func (r *pgProcessingLogRepository) ListRecentErrors(ctx context.Context, limit int) ([]*core_domain.ProcessingLogEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, lead_id, step, outcome, message, detail, created_at
		FROM processing_log
		WHERE outcome = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		core_domain.LogOutcomeError, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*core_domain.ProcessingLogEntry
	for rows.Next() {
		var entry core_domain.ProcessingLogEntry
		var detail []byte
		if err := rows.Scan(&entry.ID, &entry.LeadID, &entry.Step, &entry.Outcome, &entry.Message, &detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &entry.Detail); err != nil {
				r.logger.WarnContext(ctx, "failed to unmarshal log detail", "id", entry.ID, "error", err)
			}
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
