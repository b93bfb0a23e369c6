package donation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/internal/platform/db"
)

type donationRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &donationRepoPG{pool: pool}
}

func (r *donationRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Executor(ctx, r.pool)
}

const donationCols = `id, code, donor_id, staff_id, facility_id, registration_id, blood_group, quantity,
	donation_date, status, divided, completed_at, created_at, updated_at`

func scanDonation(row pgx.Row) (*Donation, error) {
	var d Donation
	err := row.Scan(&d.ID, &d.Code, &d.DonorID, &d.StaffID, &d.FacilityID, &d.RegistrationID, &d.BloodGroup, &d.Quantity,
		&d.DonationDate, &d.Status, &d.Divided, &d.CompletedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, db.StoreError(err)
	}
	return &d, nil
}

func (r *donationRepoPG) Create(ctx context.Context, d *Donation) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO donation (id, code, donor_id, staff_id, facility_id, registration_id, blood_group, quantity,
			donation_date, status, divided, completed_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		d.ID, d.Code, d.DonorID, d.StaffID, d.FacilityID, d.RegistrationID, d.BloodGroup, d.Quantity,
		d.DonationDate, d.Status, d.Divided, d.CompletedAt, d.CreatedAt, d.UpdatedAt,
	)
	return db.StoreError(err)
}

func (r *donationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Donation, error) {
	return scanDonation(r.conn(ctx).QueryRow(ctx, `SELECT `+donationCols+` FROM donation WHERE id = $1`, id))
}

func (r *donationRepoPG) SetStatus(ctx context.Context, d *Donation, from lifecycle.State) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE donation SET status = $3, completed_at = $4, updated_at = $5
		WHERE id = $1 AND status = $2`,
		d.ID, from, d.Status, d.CompletedAt, d.UpdatedAt)
	if err != nil {
		return db.StoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrStale
	}
	return nil
}

func (r *donationRepoPG) MarkDivided(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE donation SET divided = TRUE, updated_at = $3
		WHERE id = $1 AND status = $2 AND NOT divided`,
		id, string(lifecycle.DonationCompleted), at)
	if err != nil {
		return db.StoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrStale
	}
	return nil
}

func (r *donationRepoPG) LastCompletedAt(ctx context.Context, donorID uuid.UUID) (*time.Time, error) {
	var last time.Time
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT donation_date FROM donation
		WHERE donor_id = $1 AND status = $2
		ORDER BY donation_date DESC LIMIT 1`,
		donorID, string(lifecycle.DonationCompleted)).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &last, nil
}

func (r *donationRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Donation, int, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.DonorID != nil {
		add("donor_id = $%d", *f.DonorID)
	}
	if f.FacilityID != nil {
		add("facility_id = $%d", *f.FacilityID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM donation`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+donationCols+` FROM donation%s ORDER BY donation_date DESC, id LIMIT $%d OFFSET $%d`,
			where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, rows.Err()
}

func (r *donationRepoPG) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM donation WHERE code = $1)`, code).Scan(&exists)
	return exists, err
}
