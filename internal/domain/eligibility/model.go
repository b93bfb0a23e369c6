package eligibility

import (
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
)

// Check maps to the eligibility_check table. A registration has at most one
// pending check at a time.
type Check struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	Code           string          `db:"code" json:"code"`
	RegistrationID uuid.UUID       `db:"registration_id" json:"registration_id"`
	DonorID        uuid.UUID       `db:"donor_id" json:"donor_id"`
	FacilityID     uuid.UUID       `db:"facility_id" json:"facility_id"`
	ScreenerID     uuid.UUID       `db:"screener_id" json:"screener_id"`
	PhysicianID    *uuid.UUID      `db:"physician_id" json:"physician_id,omitempty"`
	Status         lifecycle.State `db:"status" json:"status"`
	Hemoglobin     *float64        `db:"hemoglobin" json:"hemoglobin,omitempty"`
	Weight         *float64        `db:"weight" json:"weight,omitempty"`
	Pulse          *int            `db:"pulse" json:"pulse,omitempty"`
	Temperature    *float64        `db:"temperature" json:"temperature,omitempty"`
	BloodPressure  *string         `db:"blood_pressure" json:"blood_pressure,omitempty"`
	DeferralReason *string         `db:"deferral_reason" json:"deferral_reason,omitempty"`
	Notes          *string         `db:"notes" json:"notes,omitempty"`
	CheckedAt      *time.Time      `db:"checked_at" json:"checked_at,omitempty"`
	FinalizedBy    *uuid.UUID      `db:"finalized_by" json:"finalized_by,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Vitals are the measurements taken at the consult. All are required to
// clear a donor; a deferral may carry whichever were taken.
type Vitals struct {
	Hemoglobin    *float64 `json:"hemoglobin"`
	Weight        *float64 `json:"weight"`
	Pulse         *int     `json:"pulse"`
	Temperature   *float64 `json:"temperature"`
	BloodPressure string   `json:"blood_pressure"`
}

func (v Vitals) complete() bool {
	return v.Hemoglobin != nil && v.Weight != nil && v.Pulse != nil && v.Temperature != nil && v.BloodPressure != ""
}

type Filter struct {
	RegistrationID *uuid.UUID
	DonorID        *uuid.UUID
	FacilityID     *uuid.UUID
	Status         lifecycle.State
}

func (f Filter) matches(c *Check) bool {
	if f.RegistrationID != nil && c.RegistrationID != *f.RegistrationID {
		return false
	}
	if f.DonorID != nil && c.DonorID != *f.DonorID {
		return false
	}
	if f.FacilityID != nil && c.FacilityID != *f.FacilityID {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}
