package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
)

// RecordStore persists inventory records. Only the Adjuster and Reconcile
// write through it.
type RecordStore interface {
	Get(ctx context.Context, key Key) (*Record, error)
	// Adjust adds delta to the bucket's total, creating the record with
	// code when it does not exist yet. A total that would drop below zero
	// fails with apperr.ErrConflict.
	Adjust(ctx context.Context, key Key, delta int, code string, at time.Time) (*Record, error)
	// Lock returns the bucket's record locked for the rest of the
	// transaction, creating it at zero with code when it does not exist.
	// Adjust and Set on the same bucket from other transactions wait for it.
	Lock(ctx context.Context, key Key, code string, at time.Time) (*Record, error)
	// Set overwrites a total. Reconcile uses it, under Lock, to repair drift.
	Set(ctx context.Context, key Key, total int, at time.Time) error
	List(ctx context.Context, f Filter) ([]*Record, error)
	CodeExists(ctx context.Context, code string) (bool, error)
}

// UnitStore is the aggregator's view of the blood unit table.
type UnitStore interface {
	Unit(ctx context.Context, id uuid.UUID) (*Unit, error)
	// AvailableUnits returns the bucket's available units by ascending
	// expiry. Inside a Postgres transaction the rows come back locked, so
	// concurrent reservations on one bucket queue behind each other and
	// never see a unit another one has taken.
	AvailableUnits(ctx context.Context, key Key) ([]*Unit, error)
	// ExpiredUnits returns available units with expiresAt <= now.
	ExpiredUnits(ctx context.Context, facilityID *uuid.UUID, now time.Time) ([]*Unit, error)
	// MoveUnit changes a unit's status only while it is still from and
	// fails with apperr.ErrStale otherwise.
	MoveUnit(ctx context.Context, id uuid.UUID, from, to lifecycle.State, requestID *string, at time.Time) error
	// AvailableTotals sums the remaining quantity of available units per bucket.
	AvailableTotals(ctx context.Context) (map[Key]int, error)
	// AvailableTotal sums one bucket's available units without locking them.
	AvailableTotal(ctx context.Context, key Key) (int, error)
}
