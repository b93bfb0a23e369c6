package registration

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists registrations.
//
// Create fails with apperr.ErrConflict when the donor already has an open
// registration. Update is conditional on expectedVersion and fails with
// apperr.ErrStale when another writer got there first; on success the
// registration's Version is bumped. Update never writes the reminder flags,
// which only MarkReminders sets, and refreshes them from the stored row.
type Repository interface {
	Create(ctx context.Context, r *Registration) error
	GetByID(ctx context.Context, id uuid.UUID) (*Registration, error)
	GetByCode(ctx context.Context, code string) (*Registration, error)
	GetByCheckInCode(ctx context.Context, code string) (*Registration, error)
	Update(ctx context.Context, r *Registration, expectedVersion int) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Registration, int, error)
	HasOpen(ctx context.Context, donorID uuid.UUID) (bool, error)

	// ListStale returns REGISTERED registrations preferred before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*Registration, error)
	// ListReminderCandidates returns REGISTERED registrations preferred in
	// (now, until] with at least one reminder still unsent.
	ListReminderCandidates(ctx context.Context, now, until time.Time) ([]*Registration, error)
	// MarkReminders sets the given flags if they are still unset and reports
	// whether anything changed.
	MarkReminders(ctx context.Context, id uuid.UUID, day, twoHours bool) (bool, error)

	AppendDonorStatus(ctx context.Context, l *DonorStatusLog) error
	ListDonorStatus(ctx context.Context, registrationID uuid.UUID) ([]*DonorStatusLog, error)

	CodeExists(ctx context.Context, code string) (bool, error)
	CheckInCodeExists(ctx context.Context, code string) (bool, error)
}
