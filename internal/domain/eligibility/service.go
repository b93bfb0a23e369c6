// Package eligibility is the medical gate between check-in and donation. A
// nurse opens a check for a checked-in registration; a physician finalizes
// it, which either clears the donor for donation or defers them back to the
// queue.
package eligibility

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/domain/directory"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/domain/registration"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/internal/platform/db"
	"github.com/bloodbank/bloodbank/internal/platform/metrics"
	"github.com/bloodbank/bloodbank/internal/platform/refcode"
)

type Deps struct {
	Repo          Repository
	Tx            db.TxRunner
	Registrations *registration.Service
	Directory     directory.StaffDirectory
	Codes         *refcode.Generator
	Clock         blood.Clock
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

type Service struct {
	repo    Repository
	tx      db.TxRunner
	regs    *registration.Service
	staff   directory.StaffDirectory
	codes   *refcode.Generator
	clock   blood.Clock
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewService(d Deps) *Service {
	s := &Service{
		repo:    d.Repo,
		tx:      d.Tx,
		regs:    d.Registrations,
		staff:   d.Directory,
		codes:   d.Codes,
		clock:   d.Clock,
		metrics: d.Metrics,
		logger:  d.Logger,
	}
	if s.codes == nil {
		s.codes = refcode.New()
	}
	if s.clock == nil {
		s.clock = blood.SystemClock{}
	}
	return s
}

// OpenInput starts a consult. PhysicianID optionally assigns the check.
type OpenInput struct {
	RegistrationID uuid.UUID  `json:"registration_id"`
	ScreenerID     uuid.UUID  `json:"-"`
	PhysicianID    *uuid.UUID `json:"physician_id"`
	Notes          string     `json:"notes"`
}

// Open creates a pending check for a CHECKED_IN registration and moves the
// registration to IN_CONSULT.
func (s *Service) Open(ctx context.Context, in OpenInput) (*Check, error) {
	if in.RegistrationID == uuid.Nil {
		return nil, apperr.Validation("registration_id is required")
	}
	screener, err := s.staff.Staff(ctx, in.ScreenerID)
	if err != nil {
		return nil, err
	}
	if in.PhysicianID != nil {
		physician, err := s.staff.Staff(ctx, *in.PhysicianID)
		if err != nil {
			return nil, err
		}
		if physician.FacilityID != screener.FacilityID {
			return nil, apperr.Permission("physician %s works at another facility", physician.ID)
		}
	}

	var (
		check *Check
		reg   *registration.Registration
	)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		cur, err := s.regs.RequireStatus(ctx, in.RegistrationID, lifecycle.RegCheckedIn)
		if err != nil {
			return err
		}
		if cur.FacilityID != screener.FacilityID {
			return apperr.Permission("staff %s cannot screen donors for another facility", screener.ID)
		}
		now := s.clock.Now()
		check = &Check{
			ID:             uuid.New(),
			RegistrationID: cur.ID,
			DonorID:        cur.DonorID,
			FacilityID:     cur.FacilityID,
			ScreenerID:     screener.ID,
			PhysicianID:    in.PhysicianID,
			Status:         lifecycle.CheckPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if in.Notes != "" {
			check.Notes = &in.Notes
		}
		if check.Code, err = s.codes.Generate(ctx, refcode.Eligibility, s.repo.CodeExists); err != nil {
			return err
		}
		if err := s.repo.Create(ctx, check); err != nil {
			return apperr.FromStore(err, "eligibility check", check.Code)
		}
		actor := screener.ID
		reg, err = s.regs.Fire(ctx, cur.ID, lifecycle.EvOpenConsult, &actor, "eligibility check "+check.Code+" opened")
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncTransition(string(lifecycle.EntityEligibility), string(check.Status))
	s.regs.Announce(ctx, reg, "")
	return check, nil
}

// FinalizeInput is the physician's verdict.
type FinalizeInput struct {
	Vitals         Vitals     `json:"vitals"`
	Eligible       bool       `json:"eligible"`
	DeferralReason string     `json:"deferral_reason"`
	Notes          string     `json:"notes"`
	CheckedAt      *time.Time `json:"checked_at"`
}

// Finalize closes a pending check. An eligible donor moves on to
// WAITING_DONATION; an ineligible one returns to REGISTERED.
func (s *Service) Finalize(ctx context.Context, checkID, physicianID uuid.UUID, in FinalizeInput) (*Check, error) {
	now := s.clock.Now()
	checkedAt := now
	if in.CheckedAt != nil {
		checkedAt = in.CheckedAt.UTC()
		if checkedAt.After(now) {
			return nil, apperr.Validation("checked_at cannot be in the future")
		}
	}
	reason := strings.TrimSpace(in.DeferralReason)
	ev := lifecycle.EvFinalizeEligible
	if in.Eligible {
		if !in.Vitals.complete() {
			return nil, apperr.Validation("hemoglobin, weight, pulse, temperature and blood_pressure are required to clear a donor")
		}
		reason = ""
	} else {
		if reason == "" {
			return nil, apperr.Validation("deferral_reason is required when the donor is not eligible")
		}
		ev = lifecycle.EvFinalizeIneligible
	}
	bp, err := validateVitals(in.Vitals)
	if err != nil {
		return nil, err
	}

	physician, err := s.staff.Staff(ctx, physicianID)
	if err != nil {
		return nil, err
	}

	var (
		check *Check
		reg   *registration.Registration
	)
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		cur, err := s.load(ctx, checkID)
		if err != nil {
			return err
		}
		rule, err := lifecycle.EligibilityCheck.Fire(cur.Status, ev)
		if err != nil {
			return err
		}
		if cur.PhysicianID != nil && *cur.PhysicianID != physician.ID {
			return apperr.Permission("check %s is assigned to another physician", cur.Code)
		}
		if physician.FacilityID != cur.FacilityID {
			return apperr.Permission("physician %s works at another facility", physician.ID)
		}

		from := cur.Status
		cur.Status = rule.To
		cur.Hemoglobin = in.Vitals.Hemoglobin
		cur.Weight = in.Vitals.Weight
		cur.Pulse = in.Vitals.Pulse
		cur.Temperature = in.Vitals.Temperature
		cur.BloodPressure = bp
		cur.DeferralReason = nil
		if reason != "" {
			cur.DeferralReason = &reason
		}
		if in.Notes != "" {
			cur.Notes = &in.Notes
		}
		cur.CheckedAt = &checkedAt
		cur.FinalizedBy = &physician.ID
		cur.UpdatedAt = now
		if cur.PhysicianID == nil {
			cur.PhysicianID = &physician.ID
		}
		if err := s.repo.Finalize(ctx, cur, from); err != nil {
			return apperr.FromStore(err, "eligibility check", cur.Code)
		}
		check = cur

		regEvent, note := lifecycle.EvClearEligibility, "cleared by eligibility check "+cur.Code
		if !in.Eligible {
			regEvent, note = lifecycle.EvDefer, "deferred: "+reason
		}
		reg, err = s.regs.Fire(ctx, cur.RegistrationID, regEvent, &physician.ID, note)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncTransition(string(lifecycle.EntityEligibility), string(check.Status))
	note := ""
	if check.DeferralReason != nil {
		note = *check.DeferralReason
	}
	s.regs.Announce(ctx, reg, note)
	s.logger.Info().Str("check", check.Code).Str("status", string(check.Status)).Msg("eligibility check finalized")
	return check, nil
}

// validateVitals checks every measurement that was supplied and returns the
// normalized blood pressure.
func validateVitals(v Vitals) (*string, error) {
	for _, m := range []struct {
		name  string
		value *float64
		r     blood.Range
	}{
		{"hemoglobin", v.Hemoglobin, blood.HemoglobinRange},
		{"weight", v.Weight, blood.WeightRange},
		{"temperature", v.Temperature, blood.TemperatureRange},
	} {
		if m.value == nil {
			continue
		}
		if err := blood.CheckRange(m.name, *m.value, m.r); err != nil {
			return nil, apperr.Validation("%s", err.Error())
		}
	}
	if v.Pulse != nil {
		if err := blood.CheckRange("pulse", float64(*v.Pulse), blood.PulseRange); err != nil {
			return nil, apperr.Validation("%s", err.Error())
		}
	}
	if v.BloodPressure == "" {
		return nil, nil
	}
	bp, err := blood.ParseBloodPressure(v.BloodPressure)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	s := bp.String()
	return &s, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Check, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(err, "eligibility check", id)
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Check, error) {
	return s.load(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Check, int, error) {
	if f.Status != "" && !lifecycle.EligibilityCheck.Valid(f.Status) {
		return nil, 0, apperr.Validation("invalid status %q", f.Status)
	}
	items, total, err := s.repo.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list eligibility checks: %w", err)
	}
	return items, total, nil
}
