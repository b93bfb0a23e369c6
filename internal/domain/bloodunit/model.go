// Package bloodunit splits completed donations into typed blood units and
// carries each unit through its screening panel to approval or rejection.
package bloodunit

import (
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/domain/inventory"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
)

type Result string

const (
	ResultPending  Result = "pending"
	ResultNegative Result = "negative"
	ResultPositive Result = "positive"
)

func (r Result) Valid() bool {
	return r == ResultPending || r == ResultNegative || r == ResultPositive
}

// TestResults is the screening panel.
type TestResults struct {
	HIV        Result `json:"hiv"`
	HepatitisB Result `json:"hepatitis_b"`
	HepatitisC Result `json:"hepatitis_c"`
	Syphilis   Result `json:"syphilis"`
}

func pendingPanel() TestResults {
	return TestResults{HIV: ResultPending, HepatitisB: ResultPending, HepatitisC: ResultPending, Syphilis: ResultPending}
}

func (t TestResults) all() []Result {
	return []Result{t.HIV, t.HepatitisB, t.HepatitisC, t.Syphilis}
}

func (t TestResults) AllNegative() bool {
	for _, r := range t.all() {
		if r != ResultNegative {
			return false
		}
	}
	return true
}

func (t TestResults) AnyPositive() bool {
	for _, r := range t.all() {
		if r == ResultPositive {
			return true
		}
	}
	return false
}

// TestPatch carries the results that arrived; nil fields keep their value.
type TestPatch struct {
	HIV        *Result `json:"hiv,omitempty"`
	HepatitisB *Result `json:"hepatitis_b,omitempty"`
	HepatitisC *Result `json:"hepatitis_c,omitempty"`
	Syphilis   *Result `json:"syphilis,omitempty"`
}

func (p *TestPatch) empty() bool {
	return p == nil || (p.HIV == nil && p.HepatitisB == nil && p.HepatitisC == nil && p.Syphilis == nil)
}

// BloodUnit maps to the blood_unit table.
type BloodUnit struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	Code        string          `db:"code" json:"code"`
	DonationID  uuid.UUID       `db:"donation_id" json:"donation_id"`
	FacilityID  uuid.UUID       `db:"facility_id" json:"facility_id"`
	BloodGroup  blood.Group     `db:"blood_group" json:"blood_group"`
	Component   blood.Component `db:"component" json:"component"`
	Quantity    int             `db:"quantity" json:"quantity"`
	Remaining   int             `db:"remaining_quantity" json:"remaining_quantity"`
	// Delivered is owned by the delivery service and stays 0 here.
	Delivered   int             `db:"delivered_quantity" json:"delivered_quantity"`
	CollectedAt time.Time       `db:"collected_at" json:"collected_at"`
	ExpiresAt   time.Time       `db:"expires_at" json:"expires_at"`
	Status      lifecycle.State `db:"status" json:"status"`
	Tests       TestResults     `json:"test_results"`
	ProcessedBy *uuid.UUID      `db:"processed_by" json:"processed_by,omitempty"`
	ProcessedAt *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	ApprovedBy  *uuid.UUID      `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt  *time.Time      `db:"approved_at" json:"approved_at,omitempty"`
	RequestID   *string         `db:"request_id" json:"request_id,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`

	// Freshness is computed on read.
	Freshness blood.Freshness `db:"-" json:"freshness,omitempty"`
}

func (u *BloodUnit) inventoryUnit() *inventory.Unit {
	return &inventory.Unit{
		ID:         u.ID,
		Code:       u.Code,
		FacilityID: u.FacilityID,
		Group:      u.BloodGroup,
		Component:  u.Component,
		Remaining:  u.Remaining,
		ExpiresAt:  u.ExpiresAt,
		Status:     u.Status,
		RequestID:  u.RequestID,
	}
}

type UnitRequest struct {
	Component blood.Component `json:"component"`
	Quantity  int             `json:"quantity"`
}

// UnitPatch is a partial update. ExpiresAt is accepted only when it equals
// the derived expiry.
type UnitPatch struct {
	TestResults *TestPatch       `json:"test_results,omitempty"`
	Status      *lifecycle.State `json:"status,omitempty"`
	Quantity    *int             `json:"quantity,omitempty"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
}

type Filter struct {
	DonationID *uuid.UUID
	FacilityID *uuid.UUID
	Group      blood.Group
	Component  blood.Component
	Status     lifecycle.State
	// ExpiringBy keeps units with expiresAt <= the given instant.
	ExpiringBy *time.Time
}

func (f Filter) matches(u *BloodUnit) bool {
	switch {
	case f.DonationID != nil && u.DonationID != *f.DonationID:
		return false
	case f.FacilityID != nil && u.FacilityID != *f.FacilityID:
		return false
	case f.Group != "" && u.BloodGroup != f.Group:
		return false
	case f.Component != "" && u.Component != f.Component:
		return false
	case f.Status != "" && u.Status != f.Status:
		return false
	case f.ExpiringBy != nil && u.ExpiresAt.After(*f.ExpiringBy):
		return false
	}
	return true
}
