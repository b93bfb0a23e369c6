package eligibility

import (
	"context"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
)

// Repository persists eligibility checks.
//
// Create fails with apperr.ErrConflict when the registration already has a
// pending check. Finalize writes the outcome only while the stored status is
// still from and fails with apperr.ErrStale otherwise.
type Repository interface {
	Create(ctx context.Context, c *Check) error
	GetByID(ctx context.Context, id uuid.UUID) (*Check, error)
	Finalize(ctx context.Context, c *Check, from lifecycle.State) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*Check, int, error)
	CodeExists(ctx context.Context, code string) (bool, error)
}
