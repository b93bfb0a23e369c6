package lifecycle

import (
	"testing"

	"github.com/bloodbank/bloodbank/internal/platform/apperr"
)

func TestRegistration_HappyPath(t *testing.T) {
	path := []struct {
		from State
		ev   Event
		to   State
	}{
		{RegPendingApproval, EvApprove, RegRegistered},
		{RegRegistered, EvCheckIn, RegCheckedIn},
		{RegCheckedIn, EvOpenConsult, RegInConsult},
		{RegInConsult, EvClearEligibility, RegWaitingDonation},
		{RegWaitingDonation, EvStartDonation, RegDonating},
		{RegDonating, EvFinishDonation, RegDonated},
		{RegDonated, EvStartRest, RegResting},
		{RegResting, EvPostRestCheck, RegPostRestCheck},
		{RegPostRestCheck, EvComplete, RegCompleted},
	}
	for _, step := range path {
		r, err := Registration.Fire(step.from, step.ev)
		if err != nil {
			t.Fatalf("%s/%s: %v", step.from, step.ev, err)
		}
		if r.To != step.to {
			t.Errorf("%s/%s: expected %s, got %s", step.from, step.ev, step.to, r.To)
		}
	}
}

func TestRegistration_ApproveIssuesCheckIn(t *testing.T) {
	r, err := Registration.Resolve(RegPendingApproval, RegRegistered)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Has(EffectIssueCheckIn) || !r.Has(EffectAudit) {
		t.Errorf("approve effects: %v", r.Effects)
	}
}

func TestRegistration_ResolveRejectsGatedEdges(t *testing.T) {
	cases := [][2]State{
		{RegCheckedIn, RegInConsult},
		{RegInConsult, RegWaitingDonation},
		{RegInConsult, RegRegistered},
	}
	for _, c := range cases {
		_, err := Registration.Resolve(c[0], c[1])
		if !apperr.Is(err, apperr.KindStateConflict) {
			t.Errorf("%s -> %s: expected state conflict, got %v", c[0], c[1], err)
		}
	}
}

func TestRegistration_CancelFromAnyNonTerminal(t *testing.T) {
	for _, s := range Registration.NonTerminal() {
		r, err := Registration.Resolve(s, RegCancelled)
		if err != nil {
			t.Errorf("cancel from %s: %v", s, err)
			continue
		}
		if r.Event != EvCancel {
			t.Errorf("cancel from %s resolved to %s", s, r.Event)
		}
	}
}

func TestRegistration_TerminalStatesAreFinal(t *testing.T) {
	for _, s := range []State{RegCompleted, RegCancelled, RegRejected} {
		if !Registration.IsTerminal(s) {
			t.Errorf("%s should be terminal", s)
		}
		if _, err := Registration.Resolve(s, RegRegistered); !apperr.Is(err, apperr.KindStateConflict) {
			t.Errorf("%s: expected state conflict, got %v", s, err)
		}
		if got := Registration.Successors(s); len(got) != 0 {
			t.Errorf("%s has successors %v", s, got)
		}
	}
}

func TestRegistration_IllegalSkip(t *testing.T) {
	_, err := Registration.Resolve(RegRegistered, RegDonating)
	if !apperr.Is(err, apperr.KindStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	_, err = Registration.Resolve(RegRegistered, "BOGUS")
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRegistration_StaleSweepIsSystemOnly(t *testing.T) {
	r, err := Registration.Fire(RegRegistered, EvExpireStale)
	if err != nil {
		t.Fatal(err)
	}
	if !r.System || !r.Gated || r.To != RegCancelled {
		t.Errorf("unexpected rule %+v", r)
	}
	if _, err := Registration.Fire(RegCheckedIn, EvExpireStale); err == nil {
		t.Error("stale sweep must only cancel REGISTERED")
	}
}

func TestRegistration_Successors(t *testing.T) {
	got := Registration.Successors(RegRegistered)
	want := []State{RegCancelled, RegCheckedIn, RegRejected}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestEligibilityCheck_FinalizedOnce(t *testing.T) {
	if _, err := EligibilityCheck.Fire(CheckPending, EvFinalizeEligible); err != nil {
		t.Fatal(err)
	}
	if _, err := EligibilityCheck.Fire(CheckCompleted, EvFinalizeIneligible); err == nil {
		t.Error("completed check must not finalize again")
	}
}

func TestDonation_SettleOnce(t *testing.T) {
	if _, err := Donation.Fire(DonationDonating, EvSettle); err != nil {
		t.Fatal(err)
	}
	if _, err := Donation.Fire(DonationCompleted, EvCancel); err == nil {
		t.Error("completed donation must not be cancelled")
	}
	if _, err := Donation.Resolve(DonationCancelled, DonationDonating); err == nil {
		t.Error("cancelled donation must not reopen")
	}
}

func TestBloodUnit_OneWay(t *testing.T) {
	r, err := BloodUnit.Resolve(UnitTesting, UnitAvailable)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Has(EffectInventoryIncrease) {
		t.Error("approval must increase inventory")
	}
	if _, err := BloodUnit.Resolve(UnitAvailable, UnitTesting); err == nil {
		t.Error("available unit must not return to testing")
	}
	if _, err := BloodUnit.Resolve(UnitAvailable, UnitReserved); !apperr.Is(err, apperr.KindStateConflict) {
		t.Errorf("reservation is inventory-driven, got %v", err)
	}
	for _, ev := range []Event{EvReserve, EvExpire, EvUse} {
		r, err := BloodUnit.Fire(UnitAvailable, ev)
		if err != nil {
			t.Fatalf("%s: %v", ev, err)
		}
		if !r.Has(EffectInventoryDecrease) {
			t.Errorf("%s must decrease inventory", ev)
		}
	}
	if _, err := BloodUnit.Fire(UnitRejected, EvPass); err == nil {
		t.Error("rejected unit must stay rejected")
	}
}

func TestStatesAsStrings(t *testing.T) {
	got := StatesAsStrings([]State{UnitTesting, UnitUsed})
	if got[0] != "testing" || got[1] != "used" {
		t.Errorf("unexpected %v", got)
	}
}
