package eligibility

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/internal/platform/db"
)

// OnePendingIndex is the partial unique index allowing one pending check per
// registration.
const OnePendingIndex = "eligibility_one_pending_per_registration"

type checkRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &checkRepoPG{pool: pool}
}

func (r *checkRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Executor(ctx, r.pool)
}

const checkCols = `id, code, registration_id, donor_id, facility_id, screener_id, physician_id, status,
	hemoglobin, weight, pulse, temperature, blood_pressure, deferral_reason, notes,
	checked_at, finalized_by, created_at, updated_at`

func scanCheck(row pgx.Row) (*Check, error) {
	var c Check
	err := row.Scan(&c.ID, &c.Code, &c.RegistrationID, &c.DonorID, &c.FacilityID, &c.ScreenerID, &c.PhysicianID, &c.Status,
		&c.Hemoglobin, &c.Weight, &c.Pulse, &c.Temperature, &c.BloodPressure, &c.DeferralReason, &c.Notes,
		&c.CheckedAt, &c.FinalizedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, db.StoreError(err)
	}
	return &c, nil
}

func (r *checkRepoPG) Create(ctx context.Context, c *Check) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO eligibility_check (id, code, registration_id, donor_id, facility_id, screener_id, physician_id,
			status, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.ID, c.Code, c.RegistrationID, c.DonorID, c.FacilityID, c.ScreenerID, c.PhysicianID,
		c.Status, c.Notes, c.CreatedAt, c.UpdatedAt,
	)
	if db.IsConstraint(err, OnePendingIndex) {
		return fmt.Errorf("%w: registration %s already has a pending check", apperr.ErrConflict, c.RegistrationID)
	}
	return db.StoreError(err)
}

func (r *checkRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Check, error) {
	return scanCheck(r.conn(ctx).QueryRow(ctx, `SELECT `+checkCols+` FROM eligibility_check WHERE id = $1`, id))
}

func (r *checkRepoPG) Finalize(ctx context.Context, c *Check, from lifecycle.State) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE eligibility_check SET status = $3, hemoglobin = $4, weight = $5, pulse = $6, temperature = $7,
			blood_pressure = $8, deferral_reason = $9, notes = $10, checked_at = $11, finalized_by = $12,
			updated_at = $13
		WHERE id = $1 AND status = $2`,
		c.ID, from, c.Status, c.Hemoglobin, c.Weight, c.Pulse, c.Temperature,
		c.BloodPressure, c.DeferralReason, c.Notes, c.CheckedAt, c.FinalizedBy, c.UpdatedAt,
	)
	if err != nil {
		return db.StoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrStale
	}
	return nil
}

func (r *checkRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Check, int, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.RegistrationID != nil {
		add("registration_id = $%d", *f.RegistrationID)
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
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM eligibility_check`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+checkCols+` FROM eligibility_check%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
			where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Check
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *checkRepoPG) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM eligibility_check WHERE code = $1)`, code).Scan(&exists)
	return exists, err
}
