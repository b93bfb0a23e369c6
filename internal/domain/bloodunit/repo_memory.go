package bloodunit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/domain/inventory"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/pkg/pagination"
)

type MemoryRepo struct {
	mu    sync.RWMutex
	units map[uuid.UUID]*BloodUnit
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{units: make(map[uuid.UUID]*BloodUnit)}
}

func (m *MemoryRepo) Snapshot() func() {
	m.mu.Lock()
	units := make(map[uuid.UUID]*BloodUnit, len(m.units))
	for id, u := range m.units {
		units[id] = clone(u)
	}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.units = units
		m.mu.Unlock()
	}
}

func clone(u *BloodUnit) *BloodUnit {
	cp := *u
	if u.RequestID != nil {
		id := *u.RequestID
		cp.RequestID = &id
	}
	return &cp
}

func (m *MemoryRepo) Create(_ context.Context, u *BloodUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	m.units[u.ID] = clone(u)
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*BloodUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.units[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return clone(u), nil
}

func (m *MemoryRepo) Update(_ context.Context, u *BloodUnit, from lifecycle.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.units[u.ID]
	if !ok || cur.Status != from {
		return apperr.ErrStale
	}
	m.units[u.ID] = clone(u)
	return nil
}

func (m *MemoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*BloodUnit, int, error) {
	out := m.collect(f.matches)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].Code < out[j].Code
	})
	return pagination.Window(out, limit, offset), len(out), nil
}

func (m *MemoryRepo) CodeExists(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.units {
		if u.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryRepo) collect(keep func(*BloodUnit) bool) []*BloodUnit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*BloodUnit
	for _, u := range m.units {
		if keep(u) {
			out = append(out, clone(u))
		}
	}
	return out
}

func (m *MemoryRepo) Unit(ctx context.Context, id uuid.UUID) (*inventory.Unit, error) {
	u, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return u.inventoryUnit(), nil
}

func (m *MemoryRepo) available(keep func(*BloodUnit) bool) []*inventory.Unit {
	units := m.collect(func(u *BloodUnit) bool {
		return u.Status == lifecycle.UnitAvailable && keep(u)
	})
	sort.Slice(units, func(i, j int) bool {
		if !units[i].ExpiresAt.Equal(units[j].ExpiresAt) {
			return units[i].ExpiresAt.Before(units[j].ExpiresAt)
		}
		return units[i].Code < units[j].Code
	})
	out := make([]*inventory.Unit, len(units))
	for i, u := range units {
		out[i] = u.inventoryUnit()
	}
	return out
}

func (m *MemoryRepo) AvailableUnits(_ context.Context, key inventory.Key) ([]*inventory.Unit, error) {
	return m.available(func(u *BloodUnit) bool {
		return u.FacilityID == key.FacilityID && u.BloodGroup == key.Group && u.Component == key.Component
	}), nil
}

func (m *MemoryRepo) ExpiredUnits(_ context.Context, facilityID *uuid.UUID, now time.Time) ([]*inventory.Unit, error) {
	return m.available(func(u *BloodUnit) bool {
		return blood.IsExpired(u.ExpiresAt, now) && (facilityID == nil || u.FacilityID == *facilityID)
	}), nil
}

func (m *MemoryRepo) MoveUnit(_ context.Context, id uuid.UUID, from, to lifecycle.State, requestID *string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[id]
	if !ok {
		return apperr.ErrNotFound
	}
	if u.Status != from {
		return apperr.ErrStale
	}
	u.Status = to
	if requestID != nil {
		rid := *requestID
		u.RequestID = &rid
	}
	u.UpdatedAt = at
	return nil
}

func (m *MemoryRepo) AvailableTotals(_ context.Context) (map[inventory.Key]int, error) {
	out := make(map[inventory.Key]int)
	for _, u := range m.available(func(*BloodUnit) bool { return true }) {
		out[u.Key()] += u.Remaining
	}
	return out, nil
}

func (m *MemoryRepo) AvailableTotal(_ context.Context, key inventory.Key) (int, error) {
	total := 0
	for _, u := range m.available(func(*BloodUnit) bool { return true }) {
		if u.Key() == key {
			total += u.Remaining
		}
	}
	return total, nil
}
