package processlog

import (
	"context"

	"github.com/google/uuid"
)

// Repository is append-only: there is no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	ListByRegistration(ctx context.Context, registrationID uuid.UUID) ([]*Entry, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error)
	CodeExists(ctx context.Context, code string) (bool, error)
}
