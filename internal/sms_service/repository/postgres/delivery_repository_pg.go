// Package postgres implements the SMS-side repositories on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dealerlink/leadrelay/internal/core_domain"
	"github.com/dealerlink/leadrelay/internal/platform/database"
	"github.com/dealerlink/leadrelay/internal/sms_service/domain"
)

const deliveryColumns = `id, lead_id, dealership_id, phone_number, message_text, provider_message_id,
       status, retry_count, opted_out, error_message, created_at, sent_at, delivered_at`

type pgDeliveryRepository struct {
	db     database.Querier
	logger *slog.Logger
}

// NewPgDeliveryRepository creates the PostgreSQL delivery repository.
func NewPgDeliveryRepository(db database.Querier, logger *slog.Logger) domain.DeliveryRepository {
	return &pgDeliveryRepository{db: db, logger: logger.With("component", "delivery_repository_pg")}
}

func (r *pgDeliveryRepository) Create(ctx context.Context, record *core_domain.DeliveryRecord) (*core_domain.DeliveryRecord, error) {
	record.CreatedAt = time.Now().UTC()
	if record.Status == "" {
		record.Status = core_domain.DeliveryStatusPending
	}

	query := `
		INSERT INTO delivery_records (
			lead_id, dealership_id, phone_number, message_text, provider_message_id,
			status, retry_count, opted_out, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	err := r.db.QueryRow(ctx, query,
		record.LeadID, record.DealershipID, record.PhoneNumber, record.MessageText, record.ProviderMessageID,
		record.Status, record.RetryCount, record.OptedOut, record.ErrorMessage, record.CreatedAt,
	).Scan(&record.ID)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *pgDeliveryRepository) GetByID(ctx context.Context, id int64) (*core_domain.DeliveryRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM delivery_records WHERE id = $1`, id)
	return scanDelivery(row)
}

func (r *pgDeliveryRepository) GetByProviderMessageID(ctx context.Context, providerMessageID string) (*core_domain.DeliveryRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+deliveryColumns+` FROM delivery_records WHERE provider_message_id = $1`, providerMessageID)
	return scanDelivery(row)
}

func (r *pgDeliveryRepository) ListSent(ctx context.Context) ([]*core_domain.DeliveryRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+deliveryColumns+` FROM delivery_records WHERE status = $1 ORDER BY sent_at`,
		core_domain.DeliveryStatusSent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*core_domain.DeliveryRecord
	for rows.Next() {
		record, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (r *pgDeliveryRepository) MarkSent(ctx context.Context, id int64, providerMessageID string, sentAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_records SET status = $2, provider_message_id = $3, sent_at = $4 WHERE id = $1`,
		id, core_domain.DeliveryStatusSent, providerMessageID, sentAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDeliveryNotFound
	}
	return nil
}

func (r *pgDeliveryRepository) UpdateStatus(ctx context.Context, id int64, status core_domain.DeliveryStatus, errorMessage *string, deliveredAt *time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_records SET status = $2, error_message = COALESCE($3, error_message), delivered_at = COALESCE($4, delivered_at) WHERE id = $1`,
		id, status, errorMessage, deliveredAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDeliveryNotFound
	}
	return nil
}

func (r *pgDeliveryRepository) IncrementRetry(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_records SET retry_count = retry_count + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDeliveryNotFound
	}
	return nil
}

func (r *pgDeliveryRepository) MarkOptedOut(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_records SET opted_out = TRUE, status = $2, error_message = $3 WHERE id = $1`,
		id, core_domain.DeliveryStatusFailed, "recipient opted out")
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDeliveryNotFound
	}
	return nil
}

func scanDelivery(row pgx.Row) (*core_domain.DeliveryRecord, error) {
	var record core_domain.DeliveryRecord
	err := row.Scan(
		&record.ID, &record.LeadID, &record.DealershipID, &record.PhoneNumber, &record.MessageText, &record.ProviderMessageID,
		&record.Status, &record.RetryCount, &record.OptedOut, &record.ErrorMessage, &record.CreatedAt, &record.SentAt, &record.DeliveredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDeliveryNotFound
		}
		return nil, err
	}
	return &record, nil
}
