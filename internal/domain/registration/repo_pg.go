package registration

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

// OpenPerDonorIndex is the partial unique index that allows one open
// registration per donor.
const OpenPerDonorIndex = "registration_one_open_per_donor"

type registrationRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &registrationRepoPG{pool: pool}
}

func (r *registrationRepoPG) conn(ctx context.Context) db.Queryable {
	return db.Executor(ctx, r.pool)
}

const regCols = `id, code, donor_id, facility_id, blood_group, preferred_date, source, status,
	notes, check_in_code, check_in_payload, home_lat, home_lng,
	reminder_1d_sent, reminder_2h_sent, version, created_at, updated_at`

func scanRegistration(row pgx.Row) (*Registration, error) {
	var reg Registration
	err := row.Scan(&reg.ID, &reg.Code, &reg.DonorID, &reg.FacilityID, &reg.BloodGroup,
		&reg.PreferredDate, &reg.Source, &reg.Status,
		&reg.Notes, &reg.CheckInCode, &reg.CheckInPayload, &reg.HomeLat, &reg.HomeLng,
		&reg.Reminder1dSent, &reg.Reminder2hSent, &reg.Version, &reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		return nil, db.StoreError(err)
	}
	return &reg, nil
}

func (r *registrationRepoPG) collect(rows pgx.Rows, err error) ([]*Registration, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, reg)
	}
	return items, rows.Err()
}

func (r *registrationRepoPG) Create(ctx context.Context, reg *Registration) error {
	if reg.ID == uuid.Nil {
		reg.ID = uuid.New()
	}
	reg.Version = 1
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO registration (id, code, donor_id, facility_id, blood_group, preferred_date, source, status,
			notes, check_in_code, check_in_payload, home_lat, home_lng,
			reminder_1d_sent, reminder_2h_sent, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		reg.ID, reg.Code, reg.DonorID, reg.FacilityID, reg.BloodGroup, reg.PreferredDate, reg.Source, reg.Status,
		reg.Notes, reg.CheckInCode, reg.CheckInPayload, reg.HomeLat, reg.HomeLng,
		reg.Reminder1dSent, reg.Reminder2hSent, reg.Version, reg.CreatedAt, reg.UpdatedAt,
	)
	if db.IsConstraint(err, OpenPerDonorIndex) {
		return fmt.Errorf("%w: donor %s already has an open registration", apperr.ErrConflict, reg.DonorID)
	}
	return db.StoreError(err)
}

func (r *registrationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Registration, error) {
	return scanRegistration(r.conn(ctx).QueryRow(ctx, `SELECT `+regCols+` FROM registration WHERE id = $1`, id))
}

func (r *registrationRepoPG) GetByCode(ctx context.Context, code string) (*Registration, error) {
	return scanRegistration(r.conn(ctx).QueryRow(ctx, `SELECT `+regCols+` FROM registration WHERE code = $1`, code))
}

func (r *registrationRepoPG) GetByCheckInCode(ctx context.Context, code string) (*Registration, error) {
	return scanRegistration(r.conn(ctx).QueryRow(ctx, `SELECT `+regCols+` FROM registration WHERE check_in_code = $1`, code))
}

func (r *registrationRepoPG) Update(ctx context.Context, reg *Registration, expectedVersion int) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE registration SET status = $3, notes = $4, check_in_code = $5, check_in_payload = $6,
			home_lat = $7, home_lng = $8, version = version + 1, updated_at = $9
		WHERE id = $1 AND version = $2
		RETURNING reminder_1d_sent, reminder_2h_sent`,
		reg.ID, expectedVersion, reg.Status, reg.Notes, reg.CheckInCode, reg.CheckInPayload,
		reg.HomeLat, reg.HomeLng, reg.UpdatedAt,
	).Scan(&reg.Reminder1dSent, &reg.Reminder2hSent)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM registration WHERE id = $1)`, reg.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.ErrNotFound
		}
		return apperr.ErrStale
	}
	if err != nil {
		return db.StoreError(err)
	}
	reg.Version = expectedVersion + 1
	return nil
}

func (r *registrationRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Registration, int, error) {
	where, args := filterSQL(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM registration`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	items, err := r.collect(r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT `+regCols+` FROM registration%s ORDER BY preferred_date DESC, id LIMIT $%d OFFSET $%d`,
			where, len(args)-1, len(args)), args...))
	return items, total, err
}

func filterSQL(f Filter) (string, []interface{}) {
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
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", lifecycle.StatesAsStrings(f.Statuses))
	}
	if f.From != nil {
		add("preferred_date >= $%d", *f.From)
	}
	if f.To != nil {
		add("preferred_date < $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *registrationRepoPG) HasOpen(ctx context.Context, donorID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM registration WHERE donor_id = $1 AND status = ANY($2))`,
		donorID, lifecycle.StatesAsStrings(lifecycle.Registration.NonTerminal())).Scan(&exists)
	return exists, err
}

func (r *registrationRepoPG) ListStale(ctx context.Context, cutoff time.Time) ([]*Registration, error) {
	return r.collect(r.conn(ctx).Query(ctx,
		`SELECT `+regCols+` FROM registration WHERE status = $1 AND preferred_date < $2 ORDER BY preferred_date`,
		string(lifecycle.RegRegistered), cutoff))
}

func (r *registrationRepoPG) ListReminderCandidates(ctx context.Context, now, until time.Time) ([]*Registration, error) {
	return r.collect(r.conn(ctx).Query(ctx, `
		SELECT `+regCols+` FROM registration
		WHERE status = $1 AND preferred_date > $2 AND preferred_date <= $3
		  AND (NOT reminder_1d_sent OR NOT reminder_2h_sent)
		ORDER BY preferred_date`,
		string(lifecycle.RegRegistered), now, until))
}

func (r *registrationRepoPG) MarkReminders(ctx context.Context, id uuid.UUID, day, twoHours bool) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE registration SET
			reminder_1d_sent = reminder_1d_sent OR $2,
			reminder_2h_sent = reminder_2h_sent OR $3
		WHERE id = $1 AND (($2 AND NOT reminder_1d_sent) OR ($3 AND NOT reminder_2h_sent))`,
		id, day, twoHours)
	if err != nil {
		return false, db.StoreError(err)
	}
	return tag.RowsAffected() > 0, nil
}

const statusLogCols = `id, registration_id, status, blood_pressure, pulse, symptoms, note, actor_id, created_at`

func (r *registrationRepoPG) AppendDonorStatus(ctx context.Context, l *DonorStatusLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO donor_status_log (`+statusLogCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		l.ID, l.RegistrationID, l.Status, l.BloodPressure, l.Pulse, l.Symptoms, l.Note, l.ActorID, l.CreatedAt)
	return db.StoreError(err)
}

func (r *registrationRepoPG) ListDonorStatus(ctx context.Context, registrationID uuid.UUID) ([]*DonorStatusLog, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+statusLogCols+` FROM donor_status_log WHERE registration_id = $1 ORDER BY created_at, id`, registrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*DonorStatusLog
	for rows.Next() {
		var l DonorStatusLog
		if err := rows.Scan(&l.ID, &l.RegistrationID, &l.Status, &l.BloodPressure, &l.Pulse,
			&l.Symptoms, &l.Note, &l.ActorID, &l.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &l)
	}
	return items, rows.Err()
}

func (r *registrationRepoPG) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM registration WHERE code = $1)`, code).Scan(&exists)
	return exists, err
}

func (r *registrationRepoPG) CheckInCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM registration WHERE check_in_code = $1)`, code).Scan(&exists)
	return exists, err
}
