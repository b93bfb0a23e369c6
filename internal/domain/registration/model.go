package registration

import (
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
)

// Source records why the donor came in.
type Source string

const (
	SourceVoluntary Source = "voluntary"
	SourceSolicited Source = "solicited"
)

func (s Source) Valid() bool { return s == SourceVoluntary || s == SourceSolicited }

// Registration maps to the registration table.
type Registration struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	Code           string          `db:"code" json:"code"`
	DonorID        uuid.UUID       `db:"donor_id" json:"donor_id"`
	FacilityID     uuid.UUID       `db:"facility_id" json:"facility_id"`
	BloodGroup     blood.Group     `db:"blood_group" json:"blood_group"`
	PreferredDate  time.Time       `db:"preferred_date" json:"preferred_date"`
	Source         Source          `db:"source" json:"source"`
	Status         lifecycle.State `db:"status" json:"status"`
	Notes          *string         `db:"notes" json:"notes,omitempty"`
	CheckInCode    *string         `db:"check_in_code" json:"check_in_code,omitempty"`
	CheckInPayload *string         `db:"check_in_payload" json:"check_in_payload,omitempty"`
	HomeLat        *float64        `db:"home_lat" json:"home_lat,omitempty"`
	HomeLng        *float64        `db:"home_lng" json:"home_lng,omitempty"`
	Reminder1dSent bool            `db:"reminder_1d_sent" json:"reminder_1d_sent"`
	Reminder2hSent bool            `db:"reminder_2h_sent" json:"reminder_2h_sent"`
	Version        int             `db:"version" json:"version"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// IsOpen reports whether the registration still blocks a new one for the donor.
func (r *Registration) IsOpen() bool {
	return !lifecycle.Registration.IsTerminal(r.Status)
}

// DonorStatusLog is one rest-phase observation recorded while a donor moves
// from DONATING to COMPLETED.
type DonorStatusLog struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	RegistrationID uuid.UUID       `db:"registration_id" json:"registration_id"`
	Status         lifecycle.State `db:"status" json:"status"`
	BloodPressure  *string         `db:"blood_pressure" json:"blood_pressure,omitempty"`
	Pulse          *int            `db:"pulse" json:"pulse,omitempty"`
	Symptoms       *string         `db:"symptoms" json:"symptoms,omitempty"`
	Note           *string         `db:"note" json:"note,omitempty"`
	ActorID        uuid.UUID       `db:"actor_id" json:"actor_id"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// Filter narrows List. Zero values are ignored.
type Filter struct {
	DonorID    *uuid.UUID
	FacilityID *uuid.UUID
	Statuses   []lifecycle.State
	From       *time.Time
	To         *time.Time
}

func (f Filter) matches(r *Registration) bool {
	if f.DonorID != nil && r.DonorID != *f.DonorID {
		return false
	}
	if f.FacilityID != nil && r.FacilityID != *f.FacilityID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if r.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && r.PreferredDate.Before(*f.From) {
		return false
	}
	if f.To != nil && !r.PreferredDate.Before(*f.To) {
		return false
	}
	return true
}
