package bloodunit

import (
	"context"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/domain/inventory"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
)

// Repository persists blood units. It doubles as the inventory aggregator's
// unit store so both read the same rows.
type Repository interface {
	inventory.UnitStore

	Create(ctx context.Context, u *BloodUnit) error
	GetByID(ctx context.Context, id uuid.UUID) (*BloodUnit, error)
	// Update writes every mutable column only while the stored status is
	// still from, failing with apperr.ErrStale otherwise.
	Update(ctx context.Context, u *BloodUnit, from lifecycle.State) error
	List(ctx context.Context, f Filter, limit, offset int) ([]*BloodUnit, int, error)
	CodeExists(ctx context.Context, code string) (bool, error)
}
