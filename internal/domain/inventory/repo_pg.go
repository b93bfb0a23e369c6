package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/internal/platform/db"
)

type recordRepoPG struct{ pool *pgxpool.Pool }

func NewRecordRepoPG(pool *pgxpool.Pool) RecordStore {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Executor(ctx, r.pool)
}

const recordCols = `id, code, facility_id, blood_group, component, total_quantity, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.Code, &rec.FacilityID, &rec.BloodGroup, &rec.Component,
		&rec.TotalQuantity, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, db.StoreError(err)
	}
	return &rec, nil
}

func (r *recordRepoPG) Get(ctx context.Context, key Key) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM inventory_record WHERE facility_id = $1 AND blood_group = $2 AND component = $3`,
		key.FacilityID, key.Group, key.Component))
}

func (r *recordRepoPG) Adjust(ctx context.Context, key Key, delta int, code string, at time.Time) (*Record, error) {
	// A total below zero violates the table's CHECK and surfaces as ErrConflict.
	return scanRecord(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO inventory_record (id, code, facility_id, blood_group, component, total_quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (facility_id, blood_group, component) DO UPDATE
			SET total_quantity = inventory_record.total_quantity + EXCLUDED.total_quantity,
			    updated_at = EXCLUDED.updated_at
		RETURNING `+recordCols,
		uuid.New(), code, key.FacilityID, key.Group, key.Component, delta, at))
}

func (r *recordRepoPG) Lock(ctx context.Context, key Key, code string, at time.Time) (*Record, error) {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO inventory_record (id, code, facility_id, blood_group, component, total_quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $6)
		ON CONFLICT (facility_id, blood_group, component) DO NOTHING`,
		uuid.New(), code, key.FacilityID, key.Group, key.Component, at)
	if err != nil {
		return nil, db.StoreError(err)
	}
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM inventory_record WHERE facility_id = $1 AND blood_group = $2 AND component = $3 FOR UPDATE`,
		key.FacilityID, key.Group, key.Component))
}

func (r *recordRepoPG) Set(ctx context.Context, key Key, total int, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE inventory_record SET total_quantity = $4, updated_at = $5
		WHERE facility_id = $1 AND blood_group = $2 AND component = $3`,
		key.FacilityID, key.Group, key.Component, total, at)
	if err != nil {
		return db.StoreError(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (r *recordRepoPG) List(ctx context.Context, f Filter) ([]*Record, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
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
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+` FROM inventory_record`+where+` ORDER BY facility_id, blood_group, component`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (r *recordRepoPG) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM inventory_record WHERE code = $1)`, code).Scan(&exists)
	return exists, err
}
