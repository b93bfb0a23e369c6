package registration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/domain/directory"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/domain/processlog"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/internal/platform/db"
	"github.com/bloodbank/bloodbank/internal/platform/metrics"
	"github.com/bloodbank/bloodbank/internal/platform/notification"
	"github.com/bloodbank/bloodbank/internal/platform/refcode"
)

const (
	// StaleAfter is how long past its preferred date an approved registration
	// may wait for check-in before the sweep cancels it.
	StaleAfter = 24 * time.Hour

	cooldownMonthsMale  = 3
	cooldownMonthsOther = 4

	reminderDayBefore = 24 * time.Hour
	reminderTwoHours  = 2 * time.Hour
)

// DonationHistory reports a donor's most recent completed donation, or nil.
type DonationHistory interface {
	LastCompletedAt(ctx context.Context, donorID uuid.UUID) (*time.Time, error)
}

// Deps wires a Service. Notifier, History, Metrics and Logger are optional.
type Deps struct {
	Repo      Repository
	Tx        db.TxRunner
	Logs      *processlog.Service
	Directory directory.Directory
	History   DonationHistory
	Notifier  notification.Notifier
	Signer    *CheckInSigner
	Codes     *refcode.Generator
	Clock     blood.Clock
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

type Service struct {
	repo     Repository
	tx       db.TxRunner
	logs     *processlog.Service
	dir      directory.Directory
	history  DonationHistory
	notifier notification.Notifier
	signer   *CheckInSigner
	codes    *refcode.Generator
	clock    blood.Clock
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func NewService(d Deps) *Service {
	s := &Service{
		repo:     d.Repo,
		tx:       d.Tx,
		logs:     d.Logs,
		dir:      d.Directory,
		history:  d.History,
		notifier: d.Notifier,
		signer:   d.Signer,
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

// CreateInput is a donor's request to donate.
type CreateInput struct {
	DonorID       uuid.UUID   `json:"donor_id"`
	FacilityID    uuid.UUID   `json:"facility_id"`
	BloodGroup    blood.Group `json:"blood_group"`
	PreferredDate time.Time   `json:"preferred_date"`
	Source        Source      `json:"source"`
	Notes         string      `json:"notes"`
}

// Create opens a PENDING_APPROVAL registration.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Registration, error) {
	if in.DonorID == uuid.Nil {
		return nil, apperr.Validation("donor_id is required")
	}
	if in.FacilityID == uuid.Nil {
		return nil, apperr.Validation("facility_id is required")
	}
	if in.PreferredDate.IsZero() {
		return nil, apperr.Validation("preferred_date is required")
	}
	if in.Source == "" {
		in.Source = SourceVoluntary
	}
	if !in.Source.Valid() {
		return nil, apperr.Validation("invalid source %q", in.Source)
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

	now := s.clock.Now()
	if err := s.checkCooldown(ctx, donor, now); err != nil {
		return nil, err
	}

	reg := &Registration{
		ID:            uuid.New(),
		DonorID:       in.DonorID,
		FacilityID:    in.FacilityID,
		BloodGroup:    group,
		PreferredDate: in.PreferredDate.UTC(),
		Source:        in.Source,
		Status:        lifecycle.RegPendingApproval,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if in.Notes != "" {
		reg.Notes = &in.Notes
	}
	if donor.Home != nil {
		lat, lng := donor.Home.Lat, donor.Home.Lng
		reg.HomeLat, reg.HomeLng = &lat, &lng
	}

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		open, err := s.repo.HasOpen(ctx, in.DonorID)
		if err != nil {
			return err
		}
		if open {
			return apperr.StateConflict("donor %s already has an open registration", in.DonorID)
		}
		if reg.Code, err = s.codes.Generate(ctx, refcode.Registration, s.repo.CodeExists); err != nil {
			return err
		}
		if err := s.repo.Create(ctx, reg); err != nil {
			return apperr.FromStore(err, "registration", reg.Code)
		}
		_, err = s.logs.Append(ctx, processlog.AppendInput{
			RegistrationID: reg.ID,
			To:             lifecycle.RegPendingApproval,
			Note:           "registration submitted",
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Announce(ctx, reg, "")
	return reg, nil
}

func (s *Service) checkCooldown(ctx context.Context, donor *directory.Donor, now time.Time) error {
	if s.history == nil {
		return nil
	}
	last, err := s.history.LastCompletedAt(ctx, donor.ID)
	if err != nil || last == nil {
		return err
	}
	months := cooldownMonthsOther
	if donor.Gender == directory.GenderMale {
		months = cooldownMonthsMale
	}
	if next := last.AddDate(0, months, 0); now.Before(next) {
		return apperr.Validation("donor last donated on %s; next donation allowed from %s",
			last.Format("2006-01-02"), next.Format("2006-01-02"))
	}
	return nil
}

// TransitionInput is a staff request to move a registration. Version, when
// set, must match the stored version.
type TransitionInput struct {
	ID      uuid.UUID
	To      lifecycle.State
	ActorID uuid.UUID
	Note    string
	Version *int
}

// Transition applies a public state change.
func (s *Service) Transition(ctx context.Context, in TransitionInput) (*Registration, error) {
	if in.ActorID == uuid.Nil {
		return nil, apperr.Validation("an acting staff member is required")
	}
	var reg *Registration
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		cur, err := s.load(ctx, in.ID)
		if err != nil {
			return err
		}
		if in.Version != nil && *in.Version != cur.Version {
			return apperr.Concurrency("registration %s is at version %d, not %d", cur.ID, cur.Version, *in.Version)
		}
		rule, err := lifecycle.Registration.Resolve(cur.Status, in.To)
		if err != nil {
			return err
		}
		actor := in.ActorID
		reg, err = s.apply(ctx, cur, rule, &actor, in.Note)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Announce(ctx, reg, in.Note)
	return reg, nil
}

// Fire runs an internal workflow event (eligibility gate, sweeps) inside the
// caller's transaction, joining it when there is one. The caller announces
// the change with Announce once its transaction has committed.
func (s *Service) Fire(ctx context.Context, id uuid.UUID, ev lifecycle.Event, actor *uuid.UUID, note string) (*Registration, error) {
	var reg *Registration
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		cur, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		rule, err := lifecycle.Registration.Fire(cur.Status, ev)
		if err != nil {
			return err
		}
		reg, err = s.apply(ctx, cur, rule, actor, note)
		return err
	})
	return reg, err
}

// apply writes the new status under the optimistic version check and
// performs the rule's in-transaction effects.
func (s *Service) apply(ctx context.Context, reg *Registration, rule lifecycle.Rule, actor *uuid.UUID, note string) (*Registration, error) {
	if actor == nil && !rule.System {
		return nil, apperr.Validation("an acting staff member is required to %s", rule.Event)
	}
	from, version := reg.Status, reg.Version
	now := s.clock.Now()

	reg.Status = rule.To
	reg.UpdatedAt = now
	if rule.Has(lifecycle.EffectIssueCheckIn) {
		if err := s.issueCheckIn(ctx, reg, now); err != nil {
			return nil, err
		}
	}
	if err := s.repo.Update(ctx, reg, version); err != nil {
		return nil, apperr.FromStore(err, "registration", reg.ID)
	}
	if rule.Has(lifecycle.EffectAudit) {
		if _, err := s.logs.Append(ctx, processlog.AppendInput{
			RegistrationID: reg.ID,
			From:           from,
			To:             rule.To,
			ActorID:        actor,
			Note:           note,
		}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (s *Service) issueCheckIn(ctx context.Context, reg *Registration, now time.Time) error {
	if s.signer == nil {
		return errors.New("check-in signer is not configured")
	}
	code, err := s.codes.Generate(ctx, refcode.CheckIn, s.repo.CheckInCodeExists)
	if err != nil {
		return err
	}
	payload, err := s.signer.Issue(reg, code, now)
	if err != nil {
		return err
	}
	reg.CheckInCode = &code
	reg.CheckInPayload = &payload
	return nil
}

// Announce records metrics and notifies the donor of the registration's
// current status. Call it only after the change has committed.
func (s *Service) Announce(ctx context.Context, reg *Registration, note string) {
	s.metrics.IncTransition(string(lifecycle.EntityRegistration), string(reg.Status))
	s.notifier.Notify(ctx, reg.DonorID, notification.RegistrationEvent(string(reg.Status)), s.notifyData(reg, note))
}

func (s *Service) notifyData(reg *Registration, note string) map[string]string {
	data := map[string]string{
		"code":           reg.Code,
		"status":         string(reg.Status),
		"preferred_date": reg.PreferredDate.Format("2006-01-02 15:04"),
	}
	if reg.CheckInCode != nil {
		data["check_in_code"] = *reg.CheckInCode
	}
	if note != "" {
		data["note"] = note
	}
	return data
}

// CheckInInput carries either the scanned payload or the short code typed in
// by hand.
type CheckInInput struct {
	Payload string    `json:"payload"`
	Code    string    `json:"code"`
	ActorID uuid.UUID `json:"-"`
}

// CheckIn moves an approved registration to CHECKED_IN. The scanning staff
// member must work at the registration's facility.
func (s *Service) CheckIn(ctx context.Context, in CheckInInput) (*Registration, error) {
	var (
		reg *Registration
		err error
	)
	switch {
	case in.Payload != "":
		if s.signer == nil {
			return nil, errors.New("check-in signer is not configured")
		}
		claims, verr := s.signer.Verify(in.Payload, s.clock.Now())
		if verr != nil {
			return nil, apperr.Wrap(verr, apperr.KindValidation, "check-in rejected")
		}
		id, perr := uuid.Parse(claims.Subject)
		if perr != nil {
			return nil, apperr.Validation("check-in payload has no registration")
		}
		if reg, err = s.load(ctx, id); err != nil {
			return nil, err
		}
		if reg.CheckInCode == nil || *reg.CheckInCode != claims.Code {
			return nil, apperr.Validation("check-in payload has been superseded")
		}
	case in.Code != "":
		r, gerr := s.repo.GetByCheckInCode(ctx, in.Code)
		if gerr != nil {
			return nil, apperr.FromStore(gerr, "check-in code", in.Code)
		}
		reg = r
	default:
		return nil, apperr.Validation("payload or code is required")
	}

	staff, err := s.dir.Staff(ctx, in.ActorID)
	if err != nil {
		return nil, err
	}
	if staff.FacilityID != reg.FacilityID {
		return nil, apperr.Permission("staff %s cannot check in donors for another facility", in.ActorID)
	}
	version := reg.Version
	return s.Transition(ctx, TransitionInput{
		ID:      reg.ID,
		To:      lifecycle.RegCheckedIn,
		ActorID: in.ActorID,
		Note:    "checked in with code " + *reg.CheckInCode,
		Version: &version,
	})
}

// DonorStatusInput is one observation in the donor-status-log workflow.
// Status may repeat the current status to record a further observation.
type DonorStatusInput struct {
	Status        lifecycle.State `json:"status"`
	BloodPressure string          `json:"blood_pressure"`
	Pulse         *int            `json:"pulse"`
	Symptoms      string          `json:"symptoms"`
	Note          string          `json:"note"`
}

var donationPhase = map[lifecycle.State]bool{
	lifecycle.RegDonating:      true,
	lifecycle.RegDonated:       true,
	lifecycle.RegResting:       true,
	lifecycle.RegPostRestCheck: true,
	lifecycle.RegCompleted:     true,
}

// RecordDonorStatus drives a registration from WAITING_DONATION through the
// donation and rest phases to COMPLETED, keeping the vitals taken on the way.
func (s *Service) RecordDonorStatus(ctx context.Context, id, actorID uuid.UUID, in DonorStatusInput) (*Registration, *DonorStatusLog, error) {
	if actorID == uuid.Nil {
		return nil, nil, apperr.Validation("an acting staff member is required")
	}
	if !donationPhase[in.Status] {
		return nil, nil, apperr.Validation("status %q is not part of the donation phase", in.Status)
	}
	entry := &DonorStatusLog{
		RegistrationID: id,
		Status:         in.Status,
		ActorID:        actorID,
		CreatedAt:      s.clock.Now(),
	}
	if in.BloodPressure != "" {
		bp, err := blood.ParseBloodPressure(in.BloodPressure)
		if err != nil {
			return nil, nil, apperr.Validation("%s", err.Error())
		}
		v := bp.String()
		entry.BloodPressure = &v
	}
	if in.Pulse != nil {
		if err := blood.CheckRange("pulse", float64(*in.Pulse), blood.PulseRange); err != nil {
			return nil, nil, apperr.Validation("%s", err.Error())
		}
		entry.Pulse = in.Pulse
	}
	if in.Symptoms != "" {
		entry.Symptoms = &in.Symptoms
	}
	if in.Note != "" {
		entry.Note = &in.Note
	}

	var (
		reg     *Registration
		changed bool
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		cur, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		reg = cur
		if cur.Status != in.Status || lifecycle.Registration.IsTerminal(cur.Status) {
			rule, err := lifecycle.Registration.Resolve(cur.Status, in.Status)
			if err != nil {
				return err
			}
			actor := actorID
			if reg, err = s.apply(ctx, cur, rule, &actor, in.Note); err != nil {
				return err
			}
			changed = true
		}
		return s.repo.AppendDonorStatus(ctx, entry)
	})
	if err != nil {
		return nil, nil, err
	}
	if changed {
		s.Announce(ctx, reg, in.Note)
	}
	return reg, entry, nil
}

// SweepStale cancels every REGISTERED registration whose preferred date is
// more than StaleAfter before now. Each row runs in its own transaction and
// a failing row is logged and skipped. It returns the cancelled ids.
func (s *Service) SweepStale(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	cutoff := now.Add(-StaleAfter)
	stale, err := s.repo.ListStale(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale registrations: %w", err)
	}
	var affected []uuid.UUID
	for _, r := range stale {
		if err := ctx.Err(); err != nil {
			return affected, err
		}
		note := fmt.Sprintf("Automatically cancelled: not checked in within %s of preferred date %s",
			StaleAfter, r.PreferredDate.Format(time.RFC3339))
		var reg *Registration
		err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
			cur, err := s.load(ctx, r.ID)
			if err != nil {
				return err
			}
			if cur.Status != lifecycle.RegRegistered || !cur.PreferredDate.Before(cutoff) {
				return nil
			}
			rule, err := lifecycle.Registration.Fire(cur.Status, lifecycle.EvExpireStale)
			if err != nil {
				return err
			}
			reg, err = s.apply(ctx, cur, rule, nil, note)
			return err
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("registration_id", r.ID.String()).Msg("stale sweep: skipping registration")
			continue
		}
		if reg == nil {
			continue
		}
		affected = append(affected, reg.ID)
		s.Announce(ctx, reg, note)
	}
	return affected, nil
}

// SweepReminders sends the day-before and two-hours-before reminders for
// approved registrations. The flags are flipped conditionally so a reminder
// goes out at most once even with several sweepers. When both are due only
// the two-hour reminder is sent.
func (s *Service) SweepReminders(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	candidates, err := s.repo.ListReminderCandidates(ctx, now, now.Add(reminderDayBefore))
	if err != nil {
		return nil, fmt.Errorf("list reminder candidates: %w", err)
	}
	var affected []uuid.UUID
	for _, r := range candidates {
		if err := ctx.Err(); err != nil {
			return affected, err
		}
		twoHours := !r.Reminder2hSent && r.PreferredDate.Sub(now) <= reminderTwoHours
		day := !r.Reminder1dSent || twoHours
		if !twoHours && !day {
			continue
		}
		flipped, err := s.repo.MarkReminders(ctx, r.ID, day, twoHours)
		if err != nil {
			s.logger.Warn().Err(err).Str("registration_id", r.ID.String()).Msg("reminder sweep: skipping registration")
			continue
		}
		if !flipped {
			continue
		}
		event := notification.EventReminderDayBefore
		if twoHours {
			event = notification.EventReminderTwoHours
		}
		s.notifier.Notify(ctx, r.DonorID, event, s.notifyData(r, ""))
		affected = append(affected, r.ID)
	}
	return affected, nil
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*Registration, error) {
	reg, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.FromStore(err, "registration", id)
	}
	return reg, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Registration, error) {
	return s.load(ctx, id)
}

func (s *Service) GetByCode(ctx context.Context, code string) (*Registration, error) {
	reg, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, apperr.FromStore(err, "registration", code)
	}
	return reg, nil
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Registration, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

// Timeline returns the registration's audit entries, oldest first.
func (s *Service) Timeline(ctx context.Context, id uuid.UUID) ([]*processlog.Entry, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	return s.logs.Timeline(ctx, id)
}

func (s *Service) DonorStatusHistory(ctx context.Context, id uuid.UUID) ([]*DonorStatusLog, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListDonorStatus(ctx, id)
}

// Successors lists the statuses a staff member may request next.
func (s *Service) Successors(ctx context.Context, id uuid.UUID) ([]lifecycle.State, error) {
	reg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return lifecycle.Registration.Successors(reg.Status), nil
}

// RequireStatus loads a registration and checks it is in the given state.
func (s *Service) RequireStatus(ctx context.Context, id uuid.UUID, want lifecycle.State) (*Registration, error) {
	reg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if reg.Status != want {
		return nil, apperr.StateConflict("registration %s is %s, not %s", reg.Code, reg.Status, want)
	}
	return reg, nil
}
