package bloodunit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/domain/directory"
	"github.com/bloodbank/bloodbank/internal/domain/donation"
	"github.com/bloodbank/bloodbank/internal/domain/inventory"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/internal/platform/db"
)

type fixture struct {
	svc       *Service
	repo      *MemoryRepo
	donations *donation.Service
	inventory *inventory.Service
	clock     *blood.FixedClock
	facility  uuid.UUID
	nurse     uuid.UUID
	lab       uuid.UUID
	donor     uuid.UUID
}

func newFixture() *fixture {
	f := &fixture{
		repo:     NewMemoryRepo(),
		clock:    blood.NewFixedClock(time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)),
		facility: uuid.New(),
		nurse:    uuid.New(),
		lab:      uuid.New(),
		donor:    uuid.New(),
	}
	dir := directory.NewMemory()
	dir.PutStaff(directory.Staff{ID: f.nurse, FacilityID: f.facility, Position: directory.PositionNurse})
	dir.PutDonor(directory.Donor{ID: f.donor, Gender: directory.GenderMale, BloodGroup: blood.GroupBPos})

	donations := donation.NewMemoryRepo()
	records := inventory.NewMemoryRecords()
	tx := db.NewMemoryTxRunner(donations, records, f.repo)

	f.donations = donation.NewService(donation.Deps{Repo: donations, Tx: tx, Directory: dir, Clock: f.clock})
	f.inventory = inventory.NewService(inventory.Deps{Records: records, Units: f.repo, Tx: tx, Clock: f.clock})
	f.svc = NewService(Deps{
		Repo:      f.repo,
		Tx:        tx,
		Donations: f.donations,
		Inventory: f.inventory.Adjuster(),
		Clock:     f.clock,
	})
	return f
}

// completed records and settles a 450 mL donation drawn on 2024-01-01.
func (f *fixture) completed(t *testing.T) *donation.Donation {
	t.Helper()
	ctx := context.Background()
	drawn := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d, err := f.donations.Record(ctx, donation.RecordInput{DonorID: f.donor, StaffID: f.nurse, Quantity: 450, DonationDate: &drawn})
	require.NoError(t, err)
	d, err = f.donations.Complete(ctx, d.ID, f.nurse)
	require.NoError(t, err)
	return d
}

func (f *fixture) unit(t *testing.T, c blood.Component, qty int) *BloodUnit {
	t.Helper()
	units, err := f.svc.Fractionate(context.Background(), f.completed(t).ID, f.lab, []UnitRequest{{Component: c, Quantity: qty}})
	require.NoError(t, err)
	require.Len(t, units, 1)
	return units[0]
}

func result(r Result) *Result { return &r }

func state(s lifecycle.State) *lifecycle.State { return &s }

func allNegative() *TestPatch {
	return &TestPatch{
		HIV:        result(ResultNegative),
		HepatitisB: result(ResultNegative),
		HepatitisC: result(ResultNegative),
		Syphilis:   result(ResultNegative),
	}
}

func (f *fixture) stock(t *testing.T, c blood.Component) int {
	t.Helper()
	rec, err := f.inventory.Get(context.Background(), inventory.Key{FacilityID: f.facility, Group: blood.GroupBPos, Component: c})
	if apperr.Is(err, apperr.KindNotFound) {
		return 0
	}
	require.NoError(t, err)
	return rec.TotalQuantity
}

func TestFractionate_DerivesExpiry(t *testing.T) {
	f := newFixture()
	d := f.completed(t)

	units, err := f.svc.Fractionate(context.Background(), d.ID, f.lab, []UnitRequest{
		{Component: blood.ComponentWhole, Quantity: 450},
		{Component: blood.ComponentPlasma, Quantity: 200},
	})
	require.NoError(t, err)
	require.Len(t, units, 2)

	whole, plasma := units[0], units[1]
	assert.Equal(t, time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC), whole.ExpiresAt)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), plasma.ExpiresAt)
	for _, u := range units {
		assert.Equal(t, lifecycle.UnitTesting, u.Status)
		assert.Equal(t, pendingPanel(), u.Tests)
		assert.Equal(t, f.facility, u.FacilityID)
		assert.Equal(t, blood.GroupBPos, u.BloodGroup)
		assert.Equal(t, u.Quantity, u.Remaining)
		assert.Zero(t, u.Delivered, "nothing ships before approval")
		assert.Regexp(t, `^BUNT[A-Z0-9]{6}$`, u.Code)
	}

	got, err := f.donations.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.True(t, got.Divided)
}

func TestFractionate_Refusals(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	d := f.completed(t)

	_, err := f.svc.Fractionate(ctx, d.ID, f.lab, nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation), "no units: %v", err)
	_, err = f.svc.Fractionate(ctx, d.ID, f.lab, []UnitRequest{{Component: blood.ComponentPlasma, Quantity: 0}})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "zero quantity: %v", err)
	_, err = f.svc.Fractionate(ctx, d.ID, f.lab, []UnitRequest{{Component: "serum", Quantity: 10}})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "bad component: %v", err)

	_, err = f.svc.Fractionate(ctx, d.ID, f.lab, []UnitRequest{{Component: blood.ComponentPlasma, Quantity: 200}})
	require.NoError(t, err)
	_, err = f.svc.Fractionate(ctx, d.ID, f.lab, []UnitRequest{{Component: blood.ComponentPlatelets, Quantity: 50}})
	assert.True(t, apperr.Is(err, apperr.KindStateConflict), "second fractionation: %v", err)

	units, total, err := f.svc.List(ctx, Filter{DonationID: &d.ID}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total, "the failed call created nothing")
	assert.Len(t, units, 1)

	drawing, err := f.donations.Record(ctx, donation.RecordInput{DonorID: f.donor, StaffID: f.nurse, Quantity: 300})
	require.NoError(t, err)
	_, err = f.svc.Fractionate(ctx, drawing.ID, f.lab, []UnitRequest{{Component: blood.ComponentWhole, Quantity: 300}})
	assert.True(t, apperr.Is(err, apperr.KindStateConflict), "donation still donating: %v", err)

	_, err = f.svc.Fractionate(ctx, uuid.New(), f.lab, []UnitRequest{{Component: blood.ComponentWhole, Quantity: 300}})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestUpdateUnit_PartialResultsThenApprove(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := f.unit(t, blood.ComponentRedCells, 250)

	u, err := f.svc.UpdateUnit(ctx, u.ID, f.lab, UnitPatch{TestResults: &TestPatch{HIV: result(ResultNegative)}})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.UnitTesting, u.Status)
	assert.Equal(t, ResultNegative, u.Tests.HIV)
	assert.Equal(t, ResultPending, u.Tests.Syphilis)
	require.NotNil(t, u.ProcessedBy)
	assert.Equal(t, f.lab, *u.ProcessedBy)

	_, err = f.svc.UpdateUnit(ctx, u.ID, f.lab, UnitPatch{Status: state(lifecycle.UnitAvailable)})
	assert.True(t, apperr.Is(err, apperr.KindStateConflict), "pending results block approval: %v", err)
	assert.Zero(t, f.stock(t, blood.ComponentRedCells))

	u, err = f.svc.UpdateUnit(ctx, u.ID, f.lab, UnitPatch{TestResults: allNegative(), Status: state(lifecycle.UnitAvailable)})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.UnitAvailable, u.Status)
	require.NotNil(t, u.ApprovedAt)
	assert.Equal(t, f.clock.Now(), *u.ApprovedAt)
	assert.Equal(t, 250, f.stock(t, blood.ComponentRedCells), "approval adds the unit to inventory")

	_, err = f.svc.UpdateUnit(ctx, u.ID, f.lab, UnitPatch{Status: state(lifecycle.UnitAvailable)})
	assert.True(t, apperr.Is(err, apperr.KindStateConflict), "approving twice: %v", err)
	assert.Equal(t, 250, f.stock(t, blood.ComponentRedCells))
}

func TestUpdateUnit_PositiveRejects(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := f.unit(t, blood.ComponentPlatelets, 60)

	u, err := f.svc.UpdateUnit(ctx, u.ID, f.lab, UnitPatch{TestResults: &TestPatch{HepatitisC: result(ResultPositive)}})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.UnitRejected, u.Status)
	assert.Nil(t, u.ApprovedAt)
	assert.Zero(t, f.stock(t, blood.ComponentPlatelets))

	_, err = f.svc.UpdateUnit(ctx, u.ID, f.lab, UnitPatch{TestResults: allNegative()})
	assert.True(t, apperr.Is(err, apperr.KindStateConflict), "rejected is terminal: %v", err)
}

func TestUpdateUnit_PositiveOverridesApproval(t *testing.T) {
	f := newFixture()
	u := f.unit(t, blood.ComponentWhole, 450)

	patch := allNegative()
	patch.Syphilis = result(ResultPositive)
	u, err := f.svc.UpdateUnit(context.Background(), u.ID, f.lab, UnitPatch{TestResults: patch, Status: state(lifecycle.UnitAvailable)})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.UnitRejected, u.Status)
	assert.Zero(t, f.stock(t, blood.ComponentWhole))
}

func TestUpdateUnit_RejectNeedsPositive(t *testing.T) {
	f := newFixture()
	u := f.unit(t, blood.ComponentWhole, 450)

	_, err := f.svc.UpdateUnit(context.Background(), u.ID, f.lab, UnitPatch{Status: state(lifecycle.UnitRejected)})
	assert.True(t, apperr.Is(err, apperr.KindStateConflict), "got %v", err)
}

func TestUpdateUnit_ExpiredCannotBeApproved(t *testing.T) {
	f := newFixture()
	u := f.unit(t, blood.ComponentPlatelets, 60)
	f.clock.Set(u.ExpiresAt)

	_, err := f.svc.UpdateUnit(context.Background(), u.ID, f.lab, UnitPatch{TestResults: allNegative(), Status: state(lifecycle.UnitAvailable)})
	assert.True(t, apperr.Is(err, apperr.KindStateConflict), "expiry wins the tie: %v", err)

	got, err := f.svc.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, pendingPanel(), got.Tests, "the refused update wrote nothing")
	assert.Equal(t, blood.Expired, got.Freshness)
}

func TestUpdateUnit_QuantityAndExpiry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := f.unit(t, blood.ComponentRedCells, 250)

	qty := 240
	u, err := f.svc.UpdateUnit(ctx, u.ID, f.lab, UnitPatch{Quantity: &qty})
	require.NoError(t, err)
	assert.Equal(t, 240, u.Quantity)
	assert.Equal(t, 240, u.Remaining)

	same := u.ExpiresAt
	_, err = f.svc.UpdateUnit(ctx, u.ID, f.lab, UnitPatch{ExpiresAt: &same})
	require.NoError(t, err, "the derived expiry is accepted")

	later := u.ExpiresAt.Add(24 * time.Hour)
	_, err = f.svc.UpdateUnit(ctx, u.ID, f.lab, UnitPatch{ExpiresAt: &later})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)

	zero := 0
	_, err = f.svc.UpdateUnit(ctx, u.ID, f.lab, UnitPatch{Quantity: &zero})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.UpdateUnit(ctx, u.ID, f.lab, UnitPatch{TestResults: allNegative(), Status: state(lifecycle.UnitAvailable)})
	require.NoError(t, err)
	_, err = f.svc.UpdateUnit(ctx, u.ID, f.lab, UnitPatch{Quantity: &qty})
	assert.True(t, apperr.Is(err, apperr.KindStateConflict), "quantity is fixed after approval: %v", err)
	assert.Equal(t, 240, f.stock(t, blood.ComponentRedCells))
}

func TestUpdateUnit_Validation(t *testing.T) {
	f := newFixture()
	u := f.unit(t, blood.ComponentWhole, 450)

	cases := map[string]UnitPatch{
		"empty":       {},
		"bad result":  {TestResults: &TestPatch{HIV: result("maybe")}},
		"bad status":  {Status: state("frozen")},
		"empty panel": {TestResults: &TestPatch{}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.UpdateUnit(context.Background(), u.ID, f.lab, p)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}

	_, err := f.svc.UpdateUnit(context.Background(), u.ID, f.lab, UnitPatch{Status: state(lifecycle.UnitReserved)})
	assert.True(t, apperr.Is(err, apperr.KindStateConflict), "reservation goes through inventory: %v", err)
}

func TestApprovedUnitsFeedInventory(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	approve := func(qty int) *BloodUnit {
		u := f.unit(t, blood.ComponentRedCells, qty)
		u, err := f.svc.UpdateUnit(ctx, u.ID, f.lab, UnitPatch{TestResults: allNegative(), Status: state(lifecycle.UnitAvailable)})
		require.NoError(t, err)
		return u
	}
	first := approve(250)
	approve(300)
	assert.Equal(t, 550, f.stock(t, blood.ComponentRedCells))

	res, err := f.inventory.Reserve(ctx, inventory.ReserveInput{
		FacilityID: f.facility, Group: blood.GroupBPos, Component: blood.ComponentRedCells,
		Quantity: 200, RequestID: "REQ-77",
	})
	require.NoError(t, err)
	require.Len(t, res.UnitIDs, 1)

	got, err := f.svc.Get(ctx, res.UnitIDs[0])
	require.NoError(t, err)
	assert.Equal(t, lifecycle.UnitReserved, got.Status)
	assert.Equal(t, got.Remaining, res.Reserved)
	assert.Equal(t, 550-got.Remaining, f.stock(t, blood.ComponentRedCells))
	require.NotNil(t, got.RequestID)
	assert.Equal(t, "REQ-77", *got.RequestID)

	expired, err := f.inventory.SweepExpired(ctx, nil, first.ExpiresAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, expired, 1)
	assert.Zero(t, f.stock(t, blood.ComponentRedCells))

	drift, err := f.inventory.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
}

func TestList_Freshness(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	platelets := f.unit(t, blood.ComponentPlatelets, 60)
	f.unit(t, blood.ComponentPlasma, 200)

	f.clock.Set(platelets.ExpiresAt.Add(-24 * time.Hour))
	by := f.svc.ExpiringWithin(0)
	items, total, err := f.svc.List(ctx, Filter{ExpiringBy: &by}, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, platelets.ID, items[0].ID)
	assert.Equal(t, blood.ExpiringSoon, items[0].Freshness)

	all, total, err := f.svc.List(ctx, Filter{FacilityID: &f.facility}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, blood.Fresh, all[1].Freshness, "plasma keeps for a year")

	_, _, err = f.svc.List(ctx, Filter{Status: "frozen"}, 10, 0)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
