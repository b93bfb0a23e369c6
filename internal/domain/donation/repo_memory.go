package donation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/pkg/pagination"
)

type MemoryRepo struct {
	mu        sync.RWMutex
	donations map[uuid.UUID]*Donation
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{donations: make(map[uuid.UUID]*Donation)}
}

func (m *MemoryRepo) Snapshot() func() {
	m.mu.Lock()
	saved := make(map[uuid.UUID]*Donation, len(m.donations))
	for id, d := range m.donations {
		cp := *d
		saved[id] = &cp
	}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.donations = saved
		m.mu.Unlock()
	}
}

func (m *MemoryRepo) Create(_ context.Context, d *Donation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	cp := *d
	m.donations[d.ID] = &cp
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Donation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.donations[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryRepo) SetStatus(_ context.Context, d *Donation, from lifecycle.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.donations[d.ID]
	if !ok || cur.Status != from {
		return apperr.ErrStale
	}
	cur.Status = d.Status
	cur.CompletedAt = d.CompletedAt
	cur.UpdatedAt = d.UpdatedAt
	return nil
}

func (m *MemoryRepo) MarkDivided(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.donations[id]
	if !ok || cur.Status != lifecycle.DonationCompleted || cur.Divided {
		return apperr.ErrStale
	}
	cur.Divided = true
	cur.UpdatedAt = at
	return nil
}

func (m *MemoryRepo) LastCompletedAt(_ context.Context, donorID uuid.UUID) (*time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *time.Time
	for _, d := range m.donations {
		if d.DonorID != donorID || d.Status != lifecycle.DonationCompleted {
			continue
		}
		if last == nil || d.DonationDate.After(*last) {
			t := d.DonationDate
			last = &t
		}
	}
	return last, nil
}

func (m *MemoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Donation, int, error) {
	m.mu.RLock()
	var out []*Donation
	for _, d := range m.donations {
		if f.matches(d) {
			cp := *d
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DonationDate.After(out[j].DonationDate) })
	return pagination.Window(out, limit, offset), len(out), nil
}

func (m *MemoryRepo) CodeExists(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.donations {
		if d.Code == code {
			return true, nil
		}
	}
	return false, nil
}
