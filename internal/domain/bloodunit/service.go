package bloodunit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/domain/donation"
	"github.com/bloodbank/bloodbank/internal/domain/inventory"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/internal/platform/db"
	"github.com/bloodbank/bloodbank/internal/platform/metrics"
	"github.com/bloodbank/bloodbank/internal/platform/refcode"
)

type Deps struct {
	Repo      Repository
	Tx        db.TxRunner
	Donations *donation.Service
	Inventory *inventory.Adjuster
	Codes     *refcode.Generator
	Clock     blood.Clock
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	// ExpiringWindow marks units as expiring soon; defaults to
	// blood.DefaultExpiringWindow.
	ExpiringWindow time.Duration
}

type Service struct {
	repo      Repository
	tx        db.TxRunner
	donations *donation.Service
	inventory *inventory.Adjuster
	codes     *refcode.Generator
	clock     blood.Clock
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	window    time.Duration
}

func NewService(d Deps) *Service {
	s := &Service{
		repo:      d.Repo,
		tx:        d.Tx,
		donations: d.Donations,
		inventory: d.Inventory,
		codes:     d.Codes,
		clock:     d.Clock,
		metrics:   d.Metrics,
		logger:    d.Logger,
		window:    d.ExpiringWindow,
	}
	if s.codes == nil {
		s.codes = refcode.New()
	}
	if s.clock == nil {
		s.clock = blood.SystemClock{}
	}
	if s.window <= 0 {
		s.window = blood.DefaultExpiringWindow
	}
	return s
}

// Fractionate splits a completed donation into units awaiting tests. The
// donation is flagged as divided in the same transaction, so a second call
// for the same donation fails without creating anything.
func (s *Service) Fractionate(ctx context.Context, donationID, staffID uuid.UUID, reqs []UnitRequest) ([]*BloodUnit, error) {
	if staffID == uuid.Nil {
		return nil, apperr.Validation("an acting staff member is required")
	}
	if len(reqs) == 0 {
		return nil, apperr.Validation("at least one unit is required")
	}
	for i, r := range reqs {
		if !r.Component.Valid() {
			return nil, apperr.Validation("units[%d]: invalid component %q", i, r.Component)
		}
		if r.Quantity <= 0 {
			return nil, apperr.Validation("units[%d]: quantity must be positive, got %d", i, r.Quantity)
		}
	}

	var units []*BloodUnit
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		units = units[:0]
		d, err := s.donations.Divide(ctx, donationID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		for _, r := range reqs {
			expires, err := blood.ExpiresAt(r.Component, d.DonationDate)
			if err != nil {
				return apperr.Validation("%v", err)
			}
			u := &BloodUnit{
				ID:          uuid.New(),
				DonationID:  d.ID,
				FacilityID:  d.FacilityID,
				BloodGroup:  d.BloodGroup,
				Component:   r.Component,
				Quantity:    r.Quantity,
				Remaining:   r.Quantity,
				CollectedAt: d.DonationDate,
				ExpiresAt:   expires,
				Status:      lifecycle.UnitTesting,
				Tests:       pendingPanel(),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if u.Code, err = s.codes.Generate(ctx, refcode.BloodUnit, s.repo.CodeExists); err != nil {
				return err
			}
			if err := s.repo.Create(ctx, u); err != nil {
				return apperr.FromStore(err, "blood unit", u.Code)
			}
			units = append(units, u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, u := range units {
		s.metrics.IncTransition(string(lifecycle.EntityBloodUnit), string(u.Status))
		s.classify(u)
	}
	s.logger.Info().Str("donation_id", donationID.String()).Int("units", len(units)).Str("staff_id", staffID.String()).Msg("donation fractionated")
	return units, nil
}

// UpdateUnit applies a partial update. Test results merge while the unit is
// testing and a positive result rejects it. Approval needs four negative
// results and an unexpired unit, and adds the unit to inventory in the same
// transaction.
func (s *Service) UpdateUnit(ctx context.Context, id, staffID uuid.UUID, p UnitPatch) (*BloodUnit, error) {
	if err := validatePatch(staffID, p); err != nil {
		return nil, err
	}

	var unit *BloodUnit
	var moved bool
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		u, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		from := u.Status
		now := s.clock.Now()

		if p.ExpiresAt != nil {
			derived, err := blood.ExpiresAt(u.Component, u.CollectedAt)
			if err != nil {
				return err
			}
			if !p.ExpiresAt.Equal(derived) {
				return apperr.Validation("expires_at is derived from the component and collection time (%s)", derived.Format(time.RFC3339))
			}
		}
		if p.Quantity != nil {
			if u.Status != lifecycle.UnitTesting {
				return apperr.StateConflict("blood unit %s is %s; quantity can only change while testing", u.Code, u.Status)
			}
			u.Quantity = *p.Quantity
			u.Remaining = *p.Quantity
		}
		if !p.TestResults.empty() {
			if u.Status != lifecycle.UnitTesting {
				return apperr.StateConflict("blood unit %s is %s; test results are closed", u.Code, u.Status)
			}
			mergeTests(&u.Tests, p.TestResults)
			u.ProcessedBy = &staffID
			u.ProcessedAt = &now
		}

		target := u.Status
		if p.Status != nil {
			target = *p.Status
		}
		if u.Status == lifecycle.UnitTesting && u.Tests.AnyPositive() {
			target = lifecycle.UnitRejected
		}
		if target != u.Status || (p.Status != nil && *p.Status != lifecycle.UnitTesting) {
			rule, err := lifecycle.BloodUnit.Resolve(u.Status, target)
			if err != nil {
				return err
			}
			switch rule.To {
			case lifecycle.UnitAvailable:
				if !u.Tests.AllNegative() {
					return apperr.StateConflict("blood unit %s needs four negative results before approval", u.Code)
				}
				if blood.IsExpired(u.ExpiresAt, now) {
					return apperr.StateConflict("blood unit %s expired at %s", u.Code, u.ExpiresAt.Format(time.RFC3339))
				}
				u.ApprovedBy = &staffID
				u.ApprovedAt = &now
			case lifecycle.UnitRejected:
				if !u.Tests.AnyPositive() {
					return apperr.StateConflict("blood unit %s has no positive result to reject on", u.Code)
				}
			}
			u.Status = rule.To
			moved = true
		}

		u.UpdatedAt = now
		if err := s.repo.Update(ctx, u, from); err != nil {
			return apperr.FromStore(err, "blood unit", u.Code)
		}
		if moved && u.Status == lifecycle.UnitAvailable {
			if err := s.inventory.OnUnitApproved(ctx, u.inventoryUnit()); err != nil {
				return err
			}
		}
		unit = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	if moved {
		s.metrics.IncTransition(string(lifecycle.EntityBloodUnit), string(unit.Status))
		s.logger.Info().Str("unit", unit.Code).Str("status", string(unit.Status)).Str("staff_id", staffID.String()).Msg("blood unit status changed")
	}
	s.classify(unit)
	return unit, nil
}

func validatePatch(staffID uuid.UUID, p UnitPatch) error {
	if staffID == uuid.Nil {
		return apperr.Validation("an acting staff member is required")
	}
	if p.TestResults.empty() && p.Status == nil && p.Quantity == nil && p.ExpiresAt == nil {
		return apperr.Validation("nothing to update")
	}
	if t := p.TestResults; t != nil {
		for name, r := range map[string]*Result{
			"hiv":         t.HIV,
			"hepatitis_b": t.HepatitisB,
			"hepatitis_c": t.HepatitisC,
			"syphilis":    t.Syphilis,
		} {
			if r != nil && !r.Valid() {
				return apperr.Validation("test_results.%s: invalid result %q", name, *r)
			}
		}
	}
	if p.Status != nil && !lifecycle.BloodUnit.Valid(*p.Status) {
		return apperr.Validation("invalid status %q", *p.Status)
	}
	if p.Quantity != nil && *p.Quantity <= 0 {
		return apperr.Validation("quantity must be positive, got %d", *p.Quantity)
	}
	return nil
}

func mergeTests(t *TestResults, p *TestPatch) {
	for dst, src := range map[*Result]*Result{
		&t.HIV:        p.HIV,
		&t.HepatitisB: p.HepatitisB,
		&t.HepatitisC: p.HepatitisC,
		&t.Syphilis:   p.Syphilis,
	} {
		if src != nil {
			*dst = *src
		}
	}
}

func (s *Service) classify(u *BloodUnit) {
	u.Freshness = blood.Classify(u.ExpiresAt, s.clock.Now(), s.window)
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*BloodUnit, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(err, "blood unit", id)
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*BloodUnit, error) {
	u, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.classify(u)
	return u, nil
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*BloodUnit, int, error) {
	switch {
	case f.Status != "" && !lifecycle.BloodUnit.Valid(f.Status):
		return nil, 0, apperr.Validation("invalid status %q", f.Status)
	case f.Group != "" && !f.Group.Valid():
		return nil, 0, apperr.Validation("invalid blood group %q", f.Group)
	case f.Component != "" && !f.Component.Valid():
		return nil, 0, apperr.Validation("invalid component %q", f.Component)
	}
	items, total, err := s.repo.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list blood units: %w", err)
	}
	for _, u := range items {
		s.classify(u)
	}
	return items, total, nil
}

// ExpiringWithin returns the cut-off for units expiring inside d from now.
func (s *Service) ExpiringWithin(d time.Duration) time.Time {
	if d <= 0 {
		d = s.window
	}
	return s.clock.Now().Add(d)
}
