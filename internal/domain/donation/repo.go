package donation

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
)

// Repository persists donations.
//
// SetStatus and MarkDivided are conditional writes: SetStatus only applies
// while the stored status is still from, MarkDivided only while the donation
// is completed and not yet divided. Both fail with apperr.ErrStale when the
// condition no longer holds.
type Repository interface {
	Create(ctx context.Context, d *Donation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Donation, error)
	SetStatus(ctx context.Context, d *Donation, from lifecycle.State) error
	MarkDivided(ctx context.Context, id uuid.UUID, at time.Time) error
	// LastCompletedAt returns the donation date of the donor's latest
	// completed donation, or nil.
	LastCompletedAt(ctx context.Context, donorID uuid.UUID) (*time.Time, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Donation, int, error)
	CodeExists(ctx context.Context, code string) (bool, error)
}
