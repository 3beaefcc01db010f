package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/dealerlink/leadrelay/internal/core_domain"
	"github.com/dealerlink/leadrelay/internal/lead_service/domain"
	"github.com/dealerlink/leadrelay/internal/platform/database"
)

var ErrDealershipNotFound = errors.New("dealership not found")

const dealershipColumns = `id, name, normalized_name, vendor_email_domain, sms_from_number, is_active, created_at, updated_at`

type pgDealershipRepository struct {
	db     database.Querier
	logger *slog.Logger
}

// NewPgDealershipRepository creates the PostgreSQL dealership repository.
func NewPgDealershipRepository(db database.Querier, logger *slog.Logger) domain.DealershipRepository {
	return &pgDealershipRepository{db: db, logger: logger.With("component", "dealership_repository_pg")}
}

func (r *pgDealershipRepository) ListActive(ctx context.Context) ([]*core_domain.Dealership, error) {
	rows, err := r.db.Query(ctx, `SELECT `+dealershipColumns+` FROM dealerships WHERE is_active = TRUE ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dealerships []*core_domain.Dealership
	for rows.Next() {
		d, err := scanDealership(rows)
		if err != nil {
			return nil, err
		}
		dealerships = append(dealerships, d)
	}
	return dealerships, rows.Err()
}

func (r *pgDealershipRepository) GetByID(ctx context.Context, id int64) (*core_domain.Dealership, error) {
	row := r.db.QueryRow(ctx, `SELECT `+dealershipColumns+` FROM dealerships WHERE id = $1`, id)
	d, err := scanDealership(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDealershipNotFound
		}
		return nil, err
	}
	return d, nil
}

func scanDealership(row pgx.Row) (*core_domain.Dealership, error) {
	var d core_domain.Dealership
	err := row.Scan(&d.ID, &d.Name, &d.NormalizedName, &d.VendorEmailDomain, &d.SMSFromNumber, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
