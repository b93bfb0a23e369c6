package bloodunit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bloodbank/bloodbank/internal/domain/inventory"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/internal/platform/db"
)

type unitRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &unitRepoPG{pool: pool}
}

func (r *unitRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Executor(ctx, r.pool)
}

const unitCols = `id, code, donation_id, facility_id, blood_group, component, quantity, remaining_quantity,
	delivered_quantity, collected_at, expires_at, status, test_hiv, test_hepatitis_b, test_hepatitis_c, test_syphilis,
	processed_by, processed_at, approved_by, approved_at, request_id, created_at, updated_at`

func scanUnit(row pgx.Row) (*BloodUnit, error) {
	var u BloodUnit
	err := row.Scan(&u.ID, &u.Code, &u.DonationID, &u.FacilityID, &u.BloodGroup, &u.Component, &u.Quantity, &u.Remaining,
		&u.Delivered, &u.CollectedAt, &u.ExpiresAt, &u.Status, &u.Tests.HIV, &u.Tests.HepatitisB, &u.Tests.HepatitisC, &u.Tests.Syphilis,
		&u.ProcessedBy, &u.ProcessedAt, &u.ApprovedBy, &u.ApprovedAt, &u.RequestID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, db.StoreError(err)
	}
	return &u, nil
}

const inventoryCols = `id, code, facility_id, blood_group, component, remaining_quantity, expires_at, status, request_id`

func scanInventoryUnit(row pgx.Row) (*inventory.Unit, error) {
	var u inventory.Unit
	if err := row.Scan(&u.ID, &u.Code, &u.FacilityID, &u.Group, &u.Component, &u.Remaining, &u.ExpiresAt, &u.Status, &u.RequestID); err != nil {
		return nil, db.StoreError(err)
	}
	return &u, nil
}

func (r *unitRepoPG) Create(ctx context.Context, u *BloodUnit) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO blood_unit (id, code, donation_id, facility_id, blood_group, component, quantity, remaining_quantity,
			collected_at, expires_at, status, test_hiv, test_hepatitis_b, test_hepatitis_c, test_syphilis,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		u.ID, u.Code, u.DonationID, u.FacilityID, u.BloodGroup, u.Component, u.Quantity, u.Remaining,
		u.CollectedAt, u.ExpiresAt, u.Status, u.Tests.HIV, u.Tests.HepatitisB, u.Tests.HepatitisC, u.Tests.Syphilis,
		u.CreatedAt, u.UpdatedAt,
	)
	return db.StoreError(err)
}

func (r *unitRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*BloodUnit, error) {
	return scanUnit(r.conn(ctx).QueryRow(ctx, `SELECT `+unitCols+` FROM blood_unit WHERE id = $1`, id))
}

func (r *unitRepoPG) Update(ctx context.Context, u *BloodUnit, from lifecycle.State) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE blood_unit SET status = $3, quantity = $4, remaining_quantity = $5,
			test_hiv = $6, test_hepatitis_b = $7, test_hepatitis_c = $8, test_syphilis = $9,
			processed_by = $10, processed_at = $11, approved_by = $12, approved_at = $13, updated_at = $14
		WHERE id = $1 AND status = $2`,
		u.ID, from, u.Status, u.Quantity, u.Remaining,
		u.Tests.HIV, u.Tests.HepatitisB, u.Tests.HepatitisC, u.Tests.Syphilis,
		u.ProcessedBy, u.ProcessedAt, u.ApprovedBy, u.ApprovedAt, u.UpdatedAt,
	)
	if err != nil {
		return db.StoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrStale
	}
	return nil
}

func (r *unitRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*BloodUnit, int, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.DonationID != nil {
		add("donation_id = $%d", *f.DonationID)
	}
	if f.FacilityID != nil {
		add("facility_id = $%d", *f.FacilityID)
	}
	if f.Group != "" {
		add("blood_group = $%d", string(f.Group))
	}
	if f.Component != "" {
		add("component = $%d", string(f.Component))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.ExpiringBy != nil {
		add("expires_at <= $%d", *f.ExpiringBy)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM blood_unit`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+unitCols+` FROM blood_unit%s ORDER BY expires_at, code LIMIT $%d OFFSET $%d`,
			where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*BloodUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, u)
	}
	return items, total, rows.Err()
}

func (r *unitRepoPG) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM blood_unit WHERE code = $1)`, code).Scan(&exists)
	return exists, err
}

func (r *unitRepoPG) Unit(ctx context.Context, id uuid.UUID) (*inventory.Unit, error) {
	return scanInventoryUnit(r.conn(ctx).QueryRow(ctx, `SELECT `+inventoryCols+` FROM blood_unit WHERE id = $1`, id))
}

func (r *unitRepoPG) queryUnits(ctx context.Context, sql string, args ...interface{}) ([]*inventory.Unit, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*inventory.Unit
	for rows.Next() {
		u, err := scanInventoryUnit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (r *unitRepoPG) AvailableUnits(ctx context.Context, key inventory.Key) ([]*inventory.Unit, error) {
	return r.queryUnits(ctx, `
		SELECT `+inventoryCols+` FROM blood_unit
		WHERE facility_id = $1 AND blood_group = $2 AND component = $3 AND status = $4
		ORDER BY expires_at, code
		FOR UPDATE`,
		key.FacilityID, key.Group, key.Component, lifecycle.UnitAvailable)
}

func (r *unitRepoPG) ExpiredUnits(ctx context.Context, facilityID *uuid.UUID, now time.Time) ([]*inventory.Unit, error) {
	return r.queryUnits(ctx, `
		SELECT `+inventoryCols+` FROM blood_unit
		WHERE status = $1 AND expires_at <= $2 AND ($3::uuid IS NULL OR facility_id = $3)
		ORDER BY expires_at, code`,
		lifecycle.UnitAvailable, now, facilityID)
}

func (r *unitRepoPG) MoveUnit(ctx context.Context, id uuid.UUID, from, to lifecycle.State, requestID *string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE blood_unit SET status = $3, request_id = COALESCE($4, request_id), updated_at = $5
		WHERE id = $1 AND status = $2`,
		id, from, to, requestID, at)
	if err != nil {
		return db.StoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrStale
	}
	return nil
}

func (r *unitRepoPG) AvailableTotals(ctx context.Context) (map[inventory.Key]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT facility_id, blood_group, component, SUM(remaining_quantity)
		FROM blood_unit WHERE status = $1
		GROUP BY facility_id, blood_group, component`, lifecycle.UnitAvailable)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[inventory.Key]int)
	for rows.Next() {
		var k inventory.Key
		var total int
		if err := rows.Scan(&k.FacilityID, &k.Group, &k.Component, &total); err != nil {
			return nil, err
		}
		out[k] = total
	}
	return out, rows.Err()
}

func (r *unitRepoPG) AvailableTotal(ctx context.Context, key inventory.Key) (int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(SUM(remaining_quantity), 0)::int FROM blood_unit
		WHERE facility_id = $1 AND blood_group = $2 AND component = $3 AND status = $4`,
		key.FacilityID, key.Group, key.Component, lifecycle.UnitAvailable).Scan(&total)
	return total, err
}
