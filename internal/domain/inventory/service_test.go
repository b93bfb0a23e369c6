package inventory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/errgroup"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/internal/platform/db"
)

// fakeUnits is a minimal UnitStore for exercising the aggregator.
type fakeUnits struct {
	mu    sync.Mutex
	units map[uuid.UUID]*Unit
	// afterTotals runs once, right after the next AvailableTotals.
	afterTotals func()
}

func newFakeUnits() *fakeUnits { return &fakeUnits{units: make(map[uuid.UUID]*Unit)} }

func (f *fakeUnits) Snapshot() func() {
	f.mu.Lock()
	saved := make(map[uuid.UUID]*Unit, len(f.units))
	for id, u := range f.units {
		cp := *u
		saved[id] = &cp
	}
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.units = saved
		f.mu.Unlock()
	}
}

func (f *fakeUnits) put(u *Unit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *u
	f.units[u.ID] = &cp
}

func (f *fakeUnits) Unit(_ context.Context, id uuid.UUID) (*Unit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUnits) collect(keep func(*Unit) bool) []*Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Unit
	for _, u := range f.units {
		if keep(u) {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

func (f *fakeUnits) AvailableUnits(_ context.Context, key Key) ([]*Unit, error) {
	return f.collect(func(u *Unit) bool {
		return u.Status == lifecycle.UnitAvailable && u.Key() == key
	}), nil
}

func (f *fakeUnits) ExpiredUnits(_ context.Context, facilityID *uuid.UUID, now time.Time) ([]*Unit, error) {
	return f.collect(func(u *Unit) bool {
		return u.Status == lifecycle.UnitAvailable && blood.IsExpired(u.ExpiresAt, now) &&
			(facilityID == nil || u.FacilityID == *facilityID)
	}), nil
}

func (f *fakeUnits) MoveUnit(_ context.Context, id uuid.UUID, from, to lifecycle.State, requestID *string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if u.Status != from {
		return apperr.ErrStale
	}
	u.Status = to
	if requestID != nil {
		u.RequestID = requestID
	}
	return nil
}

func (f *fakeUnits) AvailableTotals(_ context.Context) (map[Key]int, error) {
	out := make(map[Key]int)
	for _, u := range f.collect(func(u *Unit) bool { return u.Status == lifecycle.UnitAvailable }) {
		out[u.Key()] += u.Remaining
	}
	f.mu.Lock()
	hook := f.afterTotals
	f.afterTotals = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (f *fakeUnits) AvailableTotal(_ context.Context, key Key) (int, error) {
	total := 0
	for _, u := range f.collect(func(u *Unit) bool { return u.Status == lifecycle.UnitAvailable && u.Key() == key }) {
		total += u.Remaining
	}
	return total, nil
}

type fixture struct {
	svc      *Service
	records  *MemoryRecords
	units    *fakeUnits
	tx       *db.MemoryTxRunner
	clock    *blood.FixedClock
	facility uuid.UUID
}

func newFixture() *fixture {
	records := NewMemoryRecords()
	units := newFakeUnits()
	f := &fixture{
		records:  records,
		units:    units,
		tx:       db.NewMemoryTxRunner(records, units),
		clock:    blood.NewFixedClock(time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)),
		facility: uuid.New(),
	}
	f.svc = NewService(Deps{Records: records, Units: units, Tx: f.tx, Clock: f.clock})
	return f
}

func (f *fixture) key() Key {
	return Key{FacilityID: f.facility, Group: blood.GroupONeg, Component: blood.ComponentRedCells}
}

// approve stores an available unit and runs the approval increment the way
// the unit service does.
func (f *fixture) approve(t *testing.T, code string, quantity int, expiresIn time.Duration) *Unit {
	t.Helper()
	k := f.key()
	u := &Unit{
		ID:         uuid.New(),
		Code:       code,
		FacilityID: k.FacilityID,
		Group:      k.Group,
		Component:  k.Component,
		Remaining:  quantity,
		ExpiresAt:  f.clock.Now().Add(expiresIn),
		Status:     lifecycle.UnitAvailable,
	}
	err := f.tx.RunInTx(context.Background(), func(ctx context.Context) error {
		f.units.put(u)
		return f.svc.Adjuster().OnUnitApproved(ctx, u)
	})
	require.NoError(t, err)
	return u
}

func (f *fixture) total(t *testing.T) int {
	t.Helper()
	rec, err := f.svc.Get(context.Background(), f.key())
	require.NoError(t, err)
	return rec.TotalQuantity
}

// consistent checks that the recorded totals equal the available units.
func (f *fixture) consistent(t *testing.T) {
	t.Helper()
	actual, err := f.units.AvailableTotals(context.Background())
	require.NoError(t, err)
	records, err := f.records.List(context.Background(), Filter{})
	require.NoError(t, err)
	for _, r := range records {
		assert.Equal(t, actual[r.Key()], r.TotalQuantity, "bucket %s", r.Key())
	}
}

func TestOnUnitApproved_CreatesRecord(t *testing.T) {
	f := newFixture()
	f.approve(t, "BUNTAAAAA1", 300, 48*time.Hour)

	rec, err := f.svc.Get(context.Background(), f.key())
	require.NoError(t, err)
	assert.Equal(t, 300, rec.TotalQuantity)
	assert.Regexp(t, `^INVR[A-Z0-9]{6}$`, rec.Code)

	f.approve(t, "BUNTAAAAA2", 200, 48*time.Hour)
	again, err := f.svc.Get(context.Background(), f.key())
	require.NoError(t, err)
	assert.Equal(t, rec.Code, again.Code, "the bucket keeps its record")
	assert.Equal(t, 500, again.TotalQuantity)
}

func TestOnUnitApproved_RequiresTransaction(t *testing.T) {
	f := newFixture()
	u := &Unit{ID: uuid.New(), FacilityID: f.facility, Group: blood.GroupONeg, Component: blood.ComponentRedCells, Remaining: 100, Status: lifecycle.UnitAvailable}
	assert.Error(t, f.svc.Adjuster().OnUnitApproved(context.Background(), u))

	u.Status = lifecycle.UnitTesting
	err := f.tx.RunInTx(context.Background(), func(ctx context.Context) error {
		return f.svc.Adjuster().OnUnitApproved(ctx, u)
	})
	assert.Error(t, err, "only available units count")
}

func TestReserve_Partial(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.approve(t, "BUNTAAAAA1", 300, 72*time.Hour)

	res, err := f.svc.Reserve(ctx, ReserveInput{
		FacilityID: f.facility, Group: blood.GroupONeg, Component: blood.ComponentRedCells,
		Quantity: 500, RequestID: "REQ-1",
	})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindCapacity), "got %v", err)
	require.NotNil(t, res)
	assert.False(t, res.Satisfied)
	assert.Equal(t, 300, res.Reserved)
	assert.Len(t, res.UnitIDs, 1)
	assert.Equal(t, 0, f.total(t))

	u, err := f.units.Unit(ctx, res.UnitIDs[0])
	require.NoError(t, err)
	assert.Equal(t, lifecycle.UnitReserved, u.Status)
	require.NotNil(t, u.RequestID)
	assert.Equal(t, "REQ-1", *u.RequestID)
	f.consistent(t)
}

func TestReserve_OldestExpiryFirst(t *testing.T) {
	f := newFixture()
	late := f.approve(t, "BUNTLATE01", 250, 96*time.Hour)
	early := f.approve(t, "BUNTEARLY1", 250, 24*time.Hour)

	res, err := f.svc.Reserve(context.Background(), ReserveInput{
		FacilityID: f.facility, Group: blood.GroupONeg, Component: blood.ComponentRedCells,
		Quantity: 200, RequestID: "REQ-2",
	})
	require.NoError(t, err)
	assert.True(t, res.Satisfied)
	assert.Equal(t, []uuid.UUID{early.ID}, res.UnitIDs)
	assert.Equal(t, 250, res.Reserved, "units are taken whole")
	assert.Equal(t, late.Remaining, f.total(t))
	f.consistent(t)
}

func TestReserve_SkipsExpiredUnits(t *testing.T) {
	f := newFixture()
	stale := f.approve(t, "BUNTSTALE1", 300, time.Hour)
	f.clock.Advance(2 * time.Hour)

	res, err := f.svc.Reserve(context.Background(), ReserveInput{
		FacilityID: f.facility, Group: blood.GroupONeg, Component: blood.ComponentRedCells,
		Quantity: 100, RequestID: "REQ-3",
	})
	assert.True(t, apperr.Is(err, apperr.KindCapacity))
	require.NotNil(t, res)
	assert.Zero(t, res.Reserved)

	u, err := f.units.Unit(context.Background(), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.UnitAvailable, u.Status, "expired units are left for the sweep")
}

func TestReserve_Validation(t *testing.T) {
	f := newFixture()
	base := ReserveInput{FacilityID: f.facility, Group: blood.GroupONeg, Component: blood.ComponentRedCells, Quantity: 1, RequestID: "R"}

	cases := map[string]func(*ReserveInput){
		"no facility":   func(in *ReserveInput) { in.FacilityID = uuid.Nil },
		"bad group":     func(in *ReserveInput) { in.Group = "C+" },
		"bad component": func(in *ReserveInput) { in.Component = "serum" },
		"zero quantity": func(in *ReserveInput) { in.Quantity = 0 },
		"no request id": func(in *ReserveInput) { in.RequestID = "  " },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := base
			mutate(&in)
			_, err := f.svc.Reserve(context.Background(), in)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}
}

func TestReserve_ConcurrentNoDoubleAllocation(t *testing.T) {
	f := newFixture()
	for i := 0; i < 4; i++ {
		f.approve(t, "BUNTCONC0"+string(rune('1'+i)), 100, time.Duration(24+i)*time.Hour)
	}

	results := make([]*Reservation, 2)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			res, err := f.svc.Reserve(context.Background(), ReserveInput{
				FacilityID: f.facility, Group: blood.GroupONeg, Component: blood.ComponentRedCells,
				Quantity: 300, RequestID: "REQ-C" + string(rune('A'+i)),
			})
			results[i] = res
			if apperr.Is(err, apperr.KindCapacity) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())

	seen := map[uuid.UUID]bool{}
	reserved := 0
	for _, res := range results {
		require.NotNil(t, res)
		reserved += res.Reserved
		for _, id := range res.UnitIDs {
			assert.False(t, seen[id], "unit %s reserved twice", id)
			seen[id] = true
		}
	}
	assert.Equal(t, 400, reserved)
	assert.Equal(t, 0, f.total(t))
	f.consistent(t)
}

func TestConsume(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := f.approve(t, "BUNTUSE001", 200, 24*time.Hour)

	used, err := f.svc.Consume(ctx, u.ID, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, lifecycle.UnitUsed, used.Status)
	assert.Equal(t, 0, f.total(t))

	_, err = f.svc.Consume(ctx, u.ID, uuid.New())
	assert.True(t, apperr.Is(err, apperr.KindStateConflict), "used is terminal: %v", err)

	_, err = f.svc.Consume(ctx, uuid.New(), uuid.New())
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestConsume_RefusesExpired(t *testing.T) {
	f := newFixture()
	u := f.approve(t, "BUNTOLD001", 200, time.Hour)
	f.clock.Advance(time.Hour)

	_, err := f.svc.Consume(context.Background(), u.ID, uuid.New())
	assert.True(t, apperr.Is(err, apperr.KindStateConflict), "got %v", err)
	assert.Equal(t, 200, f.total(t), "a refused consume leaves the total alone")
}

func TestSweepExpired(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	gone := f.approve(t, "BUNTEXP001", 150, time.Hour)
	kept := f.approve(t, "BUNTKEEP01", 250, 72*time.Hour)

	now := f.clock.Now().Add(time.Hour)
	ids, err := f.svc.SweepExpired(ctx, nil, now)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{gone.ID}, ids)
	assert.Equal(t, kept.Remaining, f.total(t))

	u, err := f.units.Unit(ctx, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.UnitExpired, u.Status)

	again, err := f.svc.SweepExpired(ctx, nil, now)
	require.NoError(t, err)
	assert.Empty(t, again, "the sweep is idempotent")

	other := uuid.New()
	ids, err = f.svc.SweepExpired(ctx, &other, now.Add(96*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids, "facility filter")
	f.consistent(t)
}

func TestReconcile_RepairsDrift(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.approve(t, "BUNTREC001", 400, 72*time.Hour)

	drift, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)

	require.NoError(t, f.records.Set(ctx, f.key(), 999, f.clock.Now()))
	orphan := &Unit{
		ID: uuid.New(), Code: "BUNTORPH01", FacilityID: f.facility, Group: blood.GroupAPos,
		Component: blood.ComponentPlasma, Remaining: 200, ExpiresAt: f.clock.Now().AddDate(1, 0, 0),
		Status: lifecycle.UnitAvailable,
	}
	f.units.put(orphan)

	drift, err = f.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Len(t, drift, 2)
	byKey := map[Key]Drift{}
	for _, d := range drift {
		byKey[d.Key] = d
	}
	assert.Equal(t, Drift{Key: f.key(), Recorded: 999, Actual: 400}, byKey[f.key()])
	assert.Equal(t, Drift{Key: orphan.Key(), Recorded: 0, Actual: 200}, byKey[orphan.Key()])
	assert.Equal(t, 400, f.total(t))
	f.consistent(t)
}

func TestReconcile_KeepsApprovalCommittedDuringScan(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.approve(t, "BUNTRACE01", 400, 72*time.Hour)

	// The approval lands after the bucket scan and before the recount.
	f.units.afterTotals = func() { f.approve(t, "BUNTRACE02", 250, 72*time.Hour) }

	drift, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
	assert.Equal(t, 650, f.total(t))
	f.consistent(t)
}

func TestReconcile_NewBucketDuringScan(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.units.afterTotals = func() { f.approve(t, "BUNTRACE03", 300, 72*time.Hour) }

	drift, err := f.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)
	assert.Equal(t, 300, f.total(t), "the approval is counted once")
}

func TestAvailability_Filters(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.approve(t, "BUNTAV0001", 100, 72*time.Hour)

	recs, err := f.svc.Availability(ctx, Filter{Group: blood.GroupONeg})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	recs, err = f.svc.Availability(ctx, Filter{Group: blood.GroupABPos})
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = f.svc.Availability(ctx, Filter{Component: "serum"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestExport(t *testing.T) {
	f := newFixture()
	f.approve(t, "BUNTXLS001", 350, 72*time.Hour)

	var buf bytes.Buffer
	require.NoError(t, f.svc.Export(context.Background(), Filter{}, &buf))

	x, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer x.Close()

	assert.Equal(t, []string{exportSheet}, x.GetSheetList())
	rows, err := x.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, exportHeader, rows[0])
	assert.Equal(t, "O-", rows[1][2])
	assert.Equal(t, "red_cells", rows[1][3])
	assert.Equal(t, "350", rows[1][4])
}
