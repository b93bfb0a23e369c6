// Package donation is the ledger of blood drawn from donors. A donation is
// recorded while the draw is in progress, settles once, and is later split
// into blood units.
package donation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/domain/directory"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/internal/platform/db"
	"github.com/bloodbank/bloodbank/internal/platform/metrics"
	"github.com/bloodbank/bloodbank/internal/platform/notification"
	"github.com/bloodbank/bloodbank/internal/platform/refcode"
)

// RegistrationRef is what a donation needs to know about the registration
// it is recorded against.
type RegistrationRef struct {
	DonorID    uuid.UUID
	FacilityID uuid.UUID
	Status     lifecycle.State
}

// Registrations resolves a registration id. Unknown ids fail with a
// NotFound error.
type Registrations interface {
	RegistrationRef(ctx context.Context, id uuid.UUID) (*RegistrationRef, error)
}

// RegistrationsFunc adapts a function to Registrations.
type RegistrationsFunc func(ctx context.Context, id uuid.UUID) (*RegistrationRef, error)

func (f RegistrationsFunc) RegistrationRef(ctx context.Context, id uuid.UUID) (*RegistrationRef, error) {
	return f(ctx, id)
}

// screened lists the registration states reached only after the donor was
// found eligible.
var screened = map[lifecycle.State]bool{
	lifecycle.RegWaitingDonation: true,
	lifecycle.RegDonating:        true,
	lifecycle.RegDonated:         true,
	lifecycle.RegResting:         true,
	lifecycle.RegPostRestCheck:   true,
	lifecycle.RegCompleted:       true,
}

// Deps wires a Service. Registrations is required to record donations
// against a registration.
type Deps struct {
	Repo          Repository
	Tx            db.TxRunner
	Directory     directory.Directory
	Registrations Registrations
	Notifier  notification.Notifier
	Codes     *refcode.Generator
	Clock     blood.Clock
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

type Service struct {
	repo     Repository
	tx       db.TxRunner
	dir      directory.Directory
	regs     Registrations
	notifier notification.Notifier
	codes    *refcode.Generator
	clock    blood.Clock
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewService(d Deps) *Service {
	s := &Service{
		repo:     d.Repo,
		tx:       d.Tx,
		dir:      d.Directory,
		regs:     d.Registrations,
		notifier: d.Notifier,
		codes:    d.Codes,
		clock:    d.Clock,
		metrics:  d.Metrics,
		logger:   d.Logger,
	}
	if s.notifier == nil {
		s.notifier = notification.Nop{}
	}
	if s.codes == nil {
		s.codes = refcode.New()
	}
	if s.clock == nil {
		s.clock = blood.SystemClock{}
	}
	return s
}

type RecordInput struct {
	DonorID        uuid.UUID   `json:"donor_id"`
	StaffID        uuid.UUID   `json:"-"`
	BloodGroup     blood.Group `json:"blood_group"`
	RegistrationID *uuid.UUID  `json:"registration_id"`
	Quantity       int         `json:"quantity"`
	DonationDate   *time.Time  `json:"donation_date"`
}

// Record opens a donation in the donating state. The facility is the
// recording staff member's. A registration, when given, must be the donor's,
// at the same facility, and past the eligibility check.
func (s *Service) Record(ctx context.Context, in RecordInput) (*Donation, error) {
	if in.DonorID == uuid.Nil {
		return nil, apperr.Validation("donor_id is required")
	}
	if in.Quantity <= 0 {
		return nil, apperr.Validation("quantity must be positive, got %d", in.Quantity)
	}
	now := s.clock.Now()
	date := now
	if in.DonationDate != nil {
		date = in.DonationDate.UTC()
		if date.After(now) {
			return nil, apperr.Validation("donation_date cannot be in the future")
		}
	}

	staff, err := s.dir.Staff(ctx, in.StaffID)
	if err != nil {
		return nil, err
	}
	donor, err := s.dir.Donor(ctx, in.DonorID)
	if err != nil {
		return nil, err
	}
	group := in.BloodGroup
	if group == "" {
		group = donor.BloodGroup
	}
	if !group.Valid() {
		return nil, apperr.Validation("invalid blood group %q", group)
	}

	d := &Donation{
		ID:             uuid.New(),
		DonorID:        donor.ID,
		StaffID:        staff.ID,
		FacilityID:     staff.FacilityID,
		RegistrationID: in.RegistrationID,
		BloodGroup:     group,
		Quantity:       in.Quantity,
		DonationDate:   date,
		Status:         lifecycle.DonationDonating,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if d.RegistrationID != nil {
			if err := s.checkRegistration(ctx, *d.RegistrationID, d.DonorID, d.FacilityID); err != nil {
				return err
			}
		}
		var err error
		if d.Code, err = s.codes.Generate(ctx, refcode.Donation, s.repo.CodeExists); err != nil {
			return err
		}
		return s.repo.Create(ctx, d)
	})
	if err != nil {
		return nil, apperr.FromStore(err, "donation", d.Code)
	}
	s.announce(ctx, d)
	return d, nil
}

func (s *Service) checkRegistration(ctx context.Context, id, donorID, facilityID uuid.UUID) error {
	if s.regs == nil {
		return fmt.Errorf("donation: no registration lookup configured")
	}
	reg, err := s.regs.RegistrationRef(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case reg.DonorID != donorID:
		return apperr.Validation("registration %s belongs to another donor", id)
	case reg.FacilityID != facilityID:
		return apperr.Permission("registration %s is at another facility", id)
	case !screened[reg.Status]:
		return apperr.StateConflict("registration %s is %s and has not cleared eligibility", id, reg.Status)
	}
	return nil
}

// Complete settles a donating donation. Settlement happens once and cannot be
// undone.
func (s *Service) Complete(ctx context.Context, id, staffID uuid.UUID) (*Donation, error) {
	return s.fire(ctx, id, staffID, lifecycle.EvSettle)
}

// Cancel abandons a donation that is still being drawn.
func (s *Service) Cancel(ctx context.Context, id, staffID uuid.UUID) (*Donation, error) {
	return s.fire(ctx, id, staffID, lifecycle.EvCancel)
}

func (s *Service) fire(ctx context.Context, id, staffID uuid.UUID, ev lifecycle.Event) (*Donation, error) {
	if staffID == uuid.Nil {
		return nil, apperr.Validation("an acting staff member is required")
	}
	var d *Donation
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		cur, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		rule, err := lifecycle.Donation.Fire(cur.Status, ev)
		if err != nil {
			return err
		}
		from := cur.Status
		now := s.clock.Now()
		cur.Status = rule.To
		cur.UpdatedAt = now
		if rule.To == lifecycle.DonationCompleted {
			cur.CompletedAt = &now
		}
		if err := s.repo.SetStatus(ctx, cur, from); err != nil {
			return apperr.FromStore(err, "donation", cur.Code)
		}
		d = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("donation", d.Code).Str("status", string(d.Status)).Str("staff_id", staffID.String()).Msg("donation status changed")
	s.announce(ctx, d)
	return d, nil
}

func (s *Service) announce(ctx context.Context, d *Donation) {
	s.metrics.IncTransition(string(lifecycle.EntityDonation), string(d.Status))
	s.notifier.Notify(ctx, d.DonorID, notification.DonationEvent(string(d.Status)), map[string]string{
		"code":          d.Code,
		"status":        string(d.Status),
		"blood_group":   string(d.BloodGroup),
		"quantity":      strconv.Itoa(d.Quantity),
		"donation_date": d.DonationDate.Format("2006-01-02"),
	})
}

// LastCompletedAt feeds the registration cooldown.
func (s *Service) LastCompletedAt(ctx context.Context, donorID uuid.UUID) (*time.Time, error) {
	last, err := s.repo.LastCompletedAt(ctx, donorID)
	if err != nil {
		return nil, fmt.Errorf("last donation for %s: %w", donorID, err)
	}
	return last, nil
}

// Divide loads a completed, undivided donation and flags it as divided. It
// must run inside the fractionation transaction; a second fractionation of
// the same donation fails here.
func (s *Service) Divide(ctx context.Context, id uuid.UUID) (*Donation, error) {
	if !db.InTx(ctx) {
		return nil, fmt.Errorf("donation: divide %s outside a transaction", id)
	}
	d, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status != lifecycle.DonationCompleted {
		return nil, apperr.StateConflict("donation %s is %s, not completed", d.Code, d.Status)
	}
	if d.Divided {
		return nil, apperr.StateConflict("donation %s has already been divided", d.Code)
	}
	now := s.clock.Now()
	if err := s.repo.MarkDivided(ctx, id, now); err != nil {
		if errors.Is(err, apperr.ErrStale) {
			return nil, apperr.StateConflict("donation %s has already been divided", d.Code)
		}
		return nil, err
	}
	d.Divided = true
	d.UpdatedAt = now
	return d, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Donation, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(err, "donation", id)
	}
	return d, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Donation, error) {
	return s.load(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Donation, int, error) {
	if f.Status != "" && !lifecycle.Donation.Valid(f.Status) {
		return nil, 0, apperr.Validation("invalid status %q", f.Status)
	}
	return s.repo.List(ctx, f, limit, offset)
}
