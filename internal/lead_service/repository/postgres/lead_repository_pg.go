package postgres

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dealerlink/leadrelay/internal/core_domain"
	"github.com/dealerlink/leadrelay/internal/lead_service/domain"
	"github.com/dealerlink/leadrelay/internal/platform/database"
)

var ErrLeadNotFound = errors.New("lead not found")

const leadColumns = `id, dealership_id, customer_name, customer_phone, customer_email, customer_address,
       vehicle_year, vehicle_make, vehicle_model, vehicle_vin, vehicle_stock,
       vendor_name, vendor_email, fingerprint, status, processing_status,
       duplicate_count, raw_payload, created_at, updated_at`

type pgLeadRepository struct {
	db     database.Querier
	logger *slog.Logger
}

// NewPgLeadRepository creates the PostgreSQL lead repository.
func NewPgLeadRepository(db database.Querier, logger *slog.Logger) domain.LeadRepository {
	return &pgLeadRepository{db: db, logger: logger.With("component", "lead_repository_pg")}
}

// FingerprintLockKey folds a fingerprint string into the 64-bit advisory
// lock keyspace. Stable across processes so concurrent workers in other
// instances serialize on the same key.
func FingerprintLockKey(fingerprint string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(fingerprint))
	return int64(h.Sum64())
}

func (r *pgLeadRepository) WithFingerprintLock(ctx context.Context, fingerprint string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	key := FingerprintLockKey(fingerprint)
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		// Transaction-scoped: released on commit or rollback, so an error
		// inside the critical section can never leak the lock.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
			return err
		}
		return fn(ctx, tx)
	})
}

func (r *pgLeadRepository) GetByFingerprintTx(ctx context.Context, tx pgx.Tx, fingerprint string) (*core_domain.LeadRecord, error) {
	row := tx.QueryRow(ctx, `SELECT `+leadColumns+` FROM lead_records WHERE fingerprint = $1`, fingerprint)
	lead, err := scanLead(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return lead, nil
}

func (r *pgLeadRepository) UpsertTx(ctx context.Context, tx pgx.Tx, lead *core_domain.LeadRecord) (*domain.UpsertResult, error) {
	now := time.Now().UTC()
	// Second layer of the duplicate-safety net: even if two workers slip
	// past the advisory lock (e.g. a storage layer without one), the
	// conflict target guarantees a single row per fingerprint.
	query := `
		INSERT INTO lead_records (
			dealership_id, customer_name, customer_phone, customer_email, customer_address,
			vehicle_year, vehicle_make, vehicle_model, vehicle_vin, vehicle_stock,
			vendor_name, vendor_email, fingerprint, status, processing_status,
			duplicate_count, raw_payload, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 0, $16, $17, $17)
		ON CONFLICT (fingerprint) DO UPDATE
		SET duplicate_count = lead_records.duplicate_count + 1, updated_at = $17
		RETURNING id, (xmax = 0) AS inserted
	`
	var result domain.UpsertResult
	err := tx.QueryRow(ctx, query,
		lead.DealershipID, lead.CustomerName, lead.CustomerPhone, lead.CustomerEmail, lead.CustomerAddress,
		lead.VehicleYear, lead.VehicleMake, lead.VehicleModel, lead.VehicleVIN, lead.VehicleStock,
		lead.VendorName, lead.VendorEmail, lead.Fingerprint, lead.Status, lead.ProcessingStatus,
		lead.RawPayload, now,
	).Scan(&result.LeadID, &result.Inserted)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *pgLeadRepository) GetByID(ctx context.Context, id int64) (*core_domain.LeadRecord, error) {
	row := r.db.QueryRow(ctx, `SELECT `+leadColumns+` FROM lead_records WHERE id = $1`, id)
	lead, err := scanLead(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLeadNotFound
		}
		return nil, err
	}
	return lead, nil
}

func (r *pgLeadRepository) ListRecent(ctx context.Context, limit int) ([]*core_domain.LeadRecord, error) {
	rows, err := r.db.Query(ctx, `SELECT `+leadColumns+` FROM lead_records ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leads []*core_domain.LeadRecord
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}

func (r *pgLeadRepository) UpdateProcessingStatus(ctx context.Context, id int64, status core_domain.ProcessingStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE lead_records SET processing_status = $2, updated_at = $3 WHERE id = $1`,
		id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeadNotFound
	}
	return nil
}

// MarkOptedOutByPhone compares digits only so stored formatting
// ("(555) 867-5309") still matches the provider's E.164 sender.
func (r *pgLeadRepository) MarkOptedOutByPhone(ctx context.Context, phone string) ([]int64, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE lead_records SET status = $2, updated_at = $3
		 WHERE regexp_replace(customer_phone, '\D', '', 'g') = regexp_replace($1, '\D', '', 'g')
		 RETURNING id`,
		phone, core_domain.LeadStatusOptedOut, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanLead(row pgx.Row) (*core_domain.LeadRecord, error) {
	var lead core_domain.LeadRecord
	err := row.Scan(
		&lead.ID, &lead.DealershipID, &lead.CustomerName, &lead.CustomerPhone, &lead.CustomerEmail, &lead.CustomerAddress,
		&lead.VehicleYear, &lead.VehicleMake, &lead.VehicleModel, &lead.VehicleVIN, &lead.VehicleStock,
		&lead.VendorName, &lead.VendorEmail, &lead.Fingerprint, &lead.Status, &lead.ProcessingStatus,
		&lead.DuplicateCount, &lead.RawPayload, &lead.CreatedAt, &lead.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &lead, nil
}
