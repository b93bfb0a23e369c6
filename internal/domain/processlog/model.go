package processlog

import (
	"time"

	"github.com/google/uuid"
)

// Entry maps to the process_log table. Entries are written once and never
// changed.
type Entry struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	Code           string     `db:"code" json:"code"`
	RegistrationID uuid.UUID  `db:"registration_id" json:"registration_id"`
	FromStatus     *string    `db:"from_status" json:"from_status,omitempty"`
	Status         string     `db:"status" json:"status"`
	ActorID        *uuid.UUID `db:"actor_id" json:"actor_id,omitempty"`
	Note           *string    `db:"note" json:"note,omitempty"`
	Seq            int64      `db:"seq" json:"-"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// Filter narrows List. Zero values are ignored.
type Filter struct {
	RegistrationID *uuid.UUID
	ActorID        *uuid.UUID
	Status         string
	From           *time.Time
	To             *time.Time
}

func (f Filter) matches(e *Entry) bool {
	if f.RegistrationID != nil && e.RegistrationID != *f.RegistrationID {
		return false
	}
	if f.ActorID != nil && (e.ActorID == nil || *e.ActorID != *f.ActorID) {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}
