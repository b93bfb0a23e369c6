package directory

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/internal/platform/db"
)

// PG reads the staff and donor tables maintained by the directory service.
type PG struct{ pool *pgxpool.Pool }

func NewPG(pool *pgxpool.Pool) *PG {
	return &PG{pool: pool}
}

func (r *PG) Staff(ctx context.Context, id uuid.UUID) (*Staff, error) {
	var s Staff
	err := db.Executor(ctx, r.pool).QueryRow(ctx,
		`SELECT id, facility_id, position, name FROM staff WHERE id = $1`, id,
	).Scan(&s.ID, &s.FacilityID, &s.Position, &s.Name)
	if err != nil {
		return nil, apperr.FromStore(db.StoreError(err), "staff", id)
	}
	return &s, nil
}

func (r *PG) Donor(ctx context.Context, id uuid.UUID) (*Donor, error) {
	var (
		d        Donor
		lat, lng *float64
	)
	err := db.Executor(ctx, r.pool).QueryRow(ctx,
		`SELECT id, name, gender, blood_group, home_lat, home_lng FROM donor WHERE id = $1`, id,
	).Scan(&d.ID, &d.Name, &d.Gender, &d.BloodGroup, &lat, &lng)
	if err != nil {
		return nil, apperr.FromStore(db.StoreError(err), "donor", id)
	}
	if lat != nil && lng != nil {
		d.Home = &GeoPoint{Lat: *lat, Lng: *lng}
	}
	return &d, nil
}
