// Package inventory keeps the per facility, group and component totals of
// available blood and draws them down through reservations, consumption and
// expiry. Every change of a unit into or out of the available state adjusts
// exactly one record inside the same transaction.
package inventory

import (
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
)

// Key identifies one inventory bucket.
type Key struct {
	FacilityID uuid.UUID       `json:"facility_id"`
	Group      blood.Group     `json:"blood_group"`
	Component  blood.Component `json:"component"`
}

func (k Key) String() string {
	return k.FacilityID.String() + "/" + string(k.Group) + "/" + string(k.Component)
}

// Record maps to the inventory_record table.
type Record struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	Code          string          `db:"code" json:"code"`
	FacilityID    uuid.UUID       `db:"facility_id" json:"facility_id"`
	BloodGroup    blood.Group     `db:"blood_group" json:"blood_group"`
	Component     blood.Component `db:"component" json:"component"`
	TotalQuantity int             `db:"total_quantity" json:"total_quantity"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

func (r *Record) Key() Key {
	return Key{FacilityID: r.FacilityID, Group: r.BloodGroup, Component: r.Component}
}

// Unit is the part of a blood unit the aggregator reads and moves.
type Unit struct {
	ID         uuid.UUID
	Code       string
	FacilityID uuid.UUID
	Group      blood.Group
	Component  blood.Component
	Remaining  int
	ExpiresAt  time.Time
	Status     lifecycle.State
	RequestID  *string
}

func (u *Unit) Key() Key {
	return Key{FacilityID: u.FacilityID, Group: u.Group, Component: u.Component}
}

type ReserveInput struct {
	FacilityID uuid.UUID       `json:"facility_id"`
	Group      blood.Group     `json:"blood_group"`
	Component  blood.Component `json:"component"`
	Quantity   int             `json:"quantity"`
	RequestID  string          `json:"request_id"`
}

// Reservation reports what a Reserve call earmarked. Whole units are taken,
// so Reserved can exceed Requested.
type Reservation struct {
	RequestID string      `json:"request_id"`
	Requested int         `json:"requested"`
	Reserved  int         `json:"reserved"`
	Satisfied bool        `json:"satisfied"`
	UnitIDs   []uuid.UUID `json:"unit_ids"`
}

// Drift is a bucket whose recorded total disagreed with its units.
type Drift struct {
	Key      Key `json:"key"`
	Recorded int `json:"recorded"`
	Actual   int `json:"actual"`
}

type Filter struct {
	FacilityID *uuid.UUID
	Group      blood.Group
	Component  blood.Component
}

func (f Filter) matches(k Key) bool {
	if f.FacilityID != nil && k.FacilityID != *f.FacilityID {
		return false
	}
	if f.Group != "" && k.Group != f.Group {
		return false
	}
	return f.Component == "" || k.Component == f.Component
}
