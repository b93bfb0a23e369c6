package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/internal/platform/db"
	"github.com/bloodbank/bloodbank/internal/platform/metrics"
	"github.com/bloodbank/bloodbank/internal/platform/refcode"
)

// Adjuster is the only writer of inventory totals. Callers hold the
// transaction that changes the unit; the adjustment joins it.
type Adjuster struct {
	records RecordStore
	codes   *refcode.Generator
	clock   blood.Clock
	metrics *metrics.Metrics
}

// OnUnitApproved adds an approved unit's remaining quantity to its bucket,
// creating the record on first use.
func (a *Adjuster) OnUnitApproved(ctx context.Context, u *Unit) error {
	if u.Status != lifecycle.UnitAvailable {
		return fmt.Errorf("inventory: unit %s is %s, not available", u.Code, u.Status)
	}
	return a.adjust(ctx, u.Key(), u.Remaining, "approved")
}

// onUnitLeft removes a unit that stopped being available.
func (a *Adjuster) onUnitLeft(ctx context.Context, u *Unit, reason string) error {
	return a.adjust(ctx, u.Key(), -u.Remaining, reason)
}

func (a *Adjuster) adjust(ctx context.Context, key Key, delta int, reason string) error {
	if !db.InTx(ctx) {
		return fmt.Errorf("inventory: adjust %s outside a transaction", key)
	}
	code, err := a.codeFor(ctx, key)
	if err != nil {
		return err
	}
	if _, err := a.records.Adjust(ctx, key, delta, code, a.clock.Now()); err != nil {
		return apperr.FromStore(err, "inventory record", key)
	}
	a.metrics.AdjustInventory(delta, reason)
	return nil
}

// codeFor returns a fresh record code when the bucket has no record yet and
// "" otherwise.
func (a *Adjuster) codeFor(ctx context.Context, key Key) (string, error) {
	_, err := a.records.Get(ctx, key)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return a.codes.Generate(ctx, refcode.Inventory, a.records.CodeExists)
	case err != nil:
		return "", err
	}
	return "", nil
}

type Deps struct {
	Records RecordStore
	Units   UnitStore
	Tx      db.TxRunner
	Codes   *refcode.Generator
	Clock   blood.Clock
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

type Service struct {
	records  RecordStore
	units    UnitStore
	tx       db.TxRunner
	adjuster *Adjuster
	clock    blood.Clock
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewService(d Deps) *Service {
	if d.Codes == nil {
		d.Codes = refcode.New()
	}
	if d.Clock == nil {
		d.Clock = blood.SystemClock{}
	}
	return &Service{
		records: d.Records,
		units:   d.Units,
		tx:      d.Tx,
		adjuster: &Adjuster{
			records: d.Records,
			codes:   d.Codes,
			clock:   d.Clock,
			metrics: d.Metrics,
		},
		clock:   d.Clock,
		metrics: d.Metrics,
		logger:  d.Logger,
	}
}

// Adjuster returns the increment path handed to unit approval.
func (s *Service) Adjuster() *Adjuster { return s.adjuster }

// Reserve earmarks available units of a bucket for a request, oldest expiry
// first, until the requested quantity is covered or supply runs out. Units
// are taken whole. When the request cannot be covered the partial
// reservation is returned together with a Capacity error.
func (s *Service) Reserve(ctx context.Context, in ReserveInput) (*Reservation, error) {
	in.RequestID = strings.TrimSpace(in.RequestID)
	switch {
	case in.FacilityID == uuid.Nil:
		return nil, apperr.Validation("facility_id is required")
	case !in.Group.Valid():
		return nil, apperr.Validation("invalid blood group %q", in.Group)
	case !in.Component.Valid():
		return nil, apperr.Validation("invalid component %q", in.Component)
	case in.Quantity <= 0:
		return nil, apperr.Validation("quantity must be positive, got %d", in.Quantity)
	case in.RequestID == "":
		return nil, apperr.Validation("request_id is required")
	}
	key := Key{FacilityID: in.FacilityID, Group: in.Group, Component: in.Component}

	var res *Reservation
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		res = &Reservation{RequestID: in.RequestID, Requested: in.Quantity}
		candidates, err := s.units.AvailableUnits(ctx, key)
		if err != nil {
			return fmt.Errorf("list available units: %w", err)
		}
		now := s.clock.Now()
		for _, u := range candidates {
			if res.Reserved >= in.Quantity {
				break
			}
			if blood.IsExpired(u.ExpiresAt, now) {
				continue
			}
			if _, err := lifecycle.BloodUnit.Fire(u.Status, lifecycle.EvReserve); err != nil {
				continue
			}
			err := s.units.MoveUnit(ctx, u.ID, lifecycle.UnitAvailable, lifecycle.UnitReserved, &in.RequestID, now)
			if errors.Is(err, apperr.ErrStale) {
				continue
			}
			if err != nil {
				return err
			}
			if err := s.adjuster.onUnitLeft(ctx, u, "reserved"); err != nil {
				return err
			}
			res.Reserved += u.Remaining
			res.UnitIDs = append(res.UnitIDs, u.ID)
		}
		res.Satisfied = res.Reserved >= in.Quantity
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ObserveReservation(in.Quantity, res.Reserved)
	if !res.Satisfied {
		return res, apperr.Capacity("reserved %d of %d for %s", res.Reserved, in.Quantity, key)
	}
	return res, nil
}

// Consume marks an available unit as used.
func (s *Service) Consume(ctx context.Context, unitID, staffID uuid.UUID) (*Unit, error) {
	if staffID == uuid.Nil {
		return nil, apperr.Validation("an acting staff member is required")
	}
	var unit *Unit
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		u, err := s.units.Unit(ctx, unitID)
		if err != nil {
			return apperr.FromStore(err, "blood unit", unitID)
		}
		rule, err := lifecycle.BloodUnit.Fire(u.Status, lifecycle.EvUse)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if blood.IsExpired(u.ExpiresAt, now) {
			return apperr.StateConflict("blood unit %s expired at %s", u.Code, u.ExpiresAt.Format(time.RFC3339))
		}
		if err := s.units.MoveUnit(ctx, u.ID, u.Status, rule.To, nil, now); err != nil {
			return apperr.FromStore(err, "blood unit", u.Code)
		}
		if err := s.adjuster.onUnitLeft(ctx, u, "used"); err != nil {
			return err
		}
		u.Status = rule.To
		unit = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncTransition(string(lifecycle.EntityBloodUnit), string(unit.Status))
	s.logger.Info().Str("unit", unit.Code).Str("staff_id", staffID.String()).Msg("blood unit used")
	return unit, nil
}

// SweepExpired expires every available unit with expiresAt <= now, optionally
// for one facility. Each unit gets its own transaction; failures are logged
// and skipped. It returns the expired unit ids.
func (s *Service) SweepExpired(ctx context.Context, facilityID *uuid.UUID, now time.Time) ([]uuid.UUID, error) {
	expired, err := s.units.ExpiredUnits(ctx, facilityID, now)
	if err != nil {
		return nil, fmt.Errorf("list expired units: %w", err)
	}
	var affected []uuid.UUID
	for _, candidate := range expired {
		if err := ctx.Err(); err != nil {
			return affected, err
		}
		moved := false
		err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
			u, err := s.units.Unit(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if u.Status != lifecycle.UnitAvailable || !blood.IsExpired(u.ExpiresAt, now) {
				return nil
			}
			rule, err := lifecycle.BloodUnit.Fire(u.Status, lifecycle.EvExpire)
			if err != nil {
				return err
			}
			err = s.units.MoveUnit(ctx, u.ID, u.Status, rule.To, nil, now)
			if errors.Is(err, apperr.ErrStale) {
				return nil
			}
			if err != nil {
				return err
			}
			if err := s.adjuster.onUnitLeft(ctx, u, "expired"); err != nil {
				return err
			}
			moved = true
			return nil
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("unit_id", candidate.ID.String()).Msg("expiry sweep: skipping unit")
			continue
		}
		if moved {
			affected = append(affected, candidate.ID)
			s.metrics.IncTransition(string(lifecycle.EntityBloodUnit), string(lifecycle.UnitExpired))
		}
	}
	return affected, nil
}

// Reconcile recomputes every total from the available units and repairs the
// records that drifted. Buckets with stock but no record get one. Each bucket
// is recounted in its own transaction while its record is locked, so an
// approval or reservation either committed before the count or waits for
// the repair and applies its delta on top.
func (s *Service) Reconcile(ctx context.Context) ([]Drift, error) {
	keys, err := s.bucketKeys(ctx)
	if err != nil {
		return nil, err
	}
	var drift []Drift
	for _, key := range keys {
		d, err := s.recount(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("recount %s: %w", key, err)
		}
		if d != nil {
			drift = append(drift, *d)
			s.logger.Warn().Str("bucket", key.String()).Int("recorded", d.Recorded).Int("actual", d.Actual).Msg("inventory drift repaired")
		}
	}
	s.metrics.AddDrift(len(drift))
	return drift, nil
}

// bucketKeys lists every bucket that has a record or available stock.
func (s *Service) bucketKeys(ctx context.Context) ([]Key, error) {
	actual, err := s.units.AvailableTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("sum available units: %w", err)
	}
	records, err := s.records.List(ctx, Filter{})
	if err != nil {
		return nil, fmt.Errorf("list inventory records: %w", err)
	}
	seen := make(map[Key]bool, len(records)+len(actual))
	keys := make([]Key, 0, len(records)+len(actual))
	for _, rec := range records {
		seen[rec.Key()] = true
		keys = append(keys, rec.Key())
	}
	for key, total := range actual {
		if !seen[key] && total > 0 {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (s *Service) recount(ctx context.Context, key Key) (*Drift, error) {
	var d *Drift
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		d = nil
		code, err := s.adjuster.codeFor(ctx, key)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		rec, err := s.records.Lock(ctx, key, code, now)
		if err != nil {
			return apperr.FromStore(err, "inventory record", key)
		}
		actual, err := s.units.AvailableTotal(ctx, key)
		if err != nil {
			return err
		}
		if actual == rec.TotalQuantity {
			return nil
		}
		d = &Drift{Key: key, Recorded: rec.TotalQuantity, Actual: actual}
		if err := s.records.Set(ctx, key, actual, now); err != nil {
			return apperr.FromStore(err, "inventory record", key)
		}
		s.metrics.AdjustInventory(actual-rec.TotalQuantity, "reconciled")
		return nil
	})
	return d, err
}

// Availability lists the records matching f.
func (s *Service) Availability(ctx context.Context, f Filter) ([]*Record, error) {
	if f.Group != "" && !f.Group.Valid() {
		return nil, apperr.Validation("invalid blood group %q", f.Group)
	}
	if f.Component != "" && !f.Component.Valid() {
		return nil, apperr.Validation("invalid component %q", f.Component)
	}
	return s.records.List(ctx, f)
}

// Get returns one bucket's record.
func (s *Service) Get(ctx context.Context, key Key) (*Record, error) {
	rec, err := s.records.Get(ctx, key)
	if err != nil {
		return nil, apperr.FromStore(err, "inventory record", key)
	}
	return rec, nil
}
