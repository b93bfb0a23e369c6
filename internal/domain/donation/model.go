package donation

import (
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
)

// Donation maps to the donation table. Quantity is in millilitres.
type Donation struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	Code           string          `db:"code" json:"code"`
	DonorID        uuid.UUID       `db:"donor_id" json:"donor_id"`
	StaffID        uuid.UUID       `db:"staff_id" json:"staff_id"`
	FacilityID     uuid.UUID       `db:"facility_id" json:"facility_id"`
	RegistrationID *uuid.UUID      `db:"registration_id" json:"registration_id,omitempty"`
	BloodGroup     blood.Group     `db:"blood_group" json:"blood_group"`
	Quantity       int             `db:"quantity" json:"quantity"`
	DonationDate   time.Time       `db:"donation_date" json:"donation_date"`
	Status         lifecycle.State `db:"status" json:"status"`
	Divided        bool            `db:"divided" json:"divided"`
	CompletedAt    *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

type Filter struct {
	DonorID    *uuid.UUID
	FacilityID *uuid.UUID
	Status     lifecycle.State
}

func (f Filter) matches(d *Donation) bool {
	if f.DonorID != nil && d.DonorID != *f.DonorID {
		return false
	}
	if f.FacilityID != nil && d.FacilityID != *f.FacilityID {
		return false
	}
	return f.Status == "" || d.Status == f.Status
}
