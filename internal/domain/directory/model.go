// Package directory resolves staff and donor identities owned by the
// facility/staff directory. The donation pipeline only reads from it.
package directory

import (
	"context"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
)

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderOther  Gender = "other"
)

// Staff positions.
const (
	PositionNurse     = "nurse"
	PositionPhysician = "physician"
	PositionLab       = "lab_technician"
	PositionManager   = "manager"
)

type Staff struct {
	ID         uuid.UUID `db:"id" json:"id"`
	FacilityID uuid.UUID `db:"facility_id" json:"facility_id"`
	Position   string    `db:"position" json:"position"`
	Name       string    `db:"name" json:"name"`
}

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Donor struct {
	ID         uuid.UUID   `db:"id" json:"id"`
	Name       string      `db:"name" json:"name"`
	Gender     Gender      `db:"gender" json:"gender"`
	BloodGroup blood.Group `db:"blood_group" json:"blood_group"`
	Home       *GeoPoint   `json:"home,omitempty"`
}

type StaffDirectory interface {
	Staff(ctx context.Context, id uuid.UUID) (*Staff, error)
}

type DonorDirectory interface {
	Donor(ctx context.Context, id uuid.UUID) (*Donor, error)
}

// Directory is both lookups, as implemented by every backend here.
type Directory interface {
	StaffDirectory
	DonorDirectory
}
