package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/platform/apperr"
)

type MemoryRecords struct {
	mu      sync.RWMutex
	records map[Key]*Record
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[Key]*Record)}
}

func (m *MemoryRecords) Snapshot() func() {
	m.mu.Lock()
	saved := make(map[Key]*Record, len(m.records))
	for k, r := range m.records {
		cp := *r
		saved[k] = &cp
	}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.records = saved
		m.mu.Unlock()
	}
}

func (m *MemoryRecords) Get(_ context.Context, key Key) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRecords) Adjust(_ context.Context, key Key, delta int, code string, at time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		r = &Record{
			ID:         uuid.New(),
			Code:       code,
			FacilityID: key.FacilityID,
			BloodGroup: key.Group,
			Component:  key.Component,
			CreatedAt:  at,
		}
	}
	if r.TotalQuantity+delta < 0 {
		return nil, fmt.Errorf("%w: inventory %s would drop below zero", apperr.ErrConflict, key)
	}
	r.TotalQuantity += delta
	r.UpdatedAt = at
	m.records[key] = r
	cp := *r
	return &cp, nil
}

// Lock creates a missing record. MemoryTxRunner already serializes
// transactions, so there is nothing else to hold.
func (m *MemoryRecords) Lock(_ context.Context, key Key, code string, at time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		r = &Record{
			ID:         uuid.New(),
			Code:       code,
			FacilityID: key.FacilityID,
			BloodGroup: key.Group,
			Component:  key.Component,
			CreatedAt:  at,
			UpdatedAt:  at,
		}
		m.records[key] = r
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRecords) Set(_ context.Context, key Key, total int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[key]
	if !ok {
		return apperr.ErrNotFound
	}
	r.TotalQuantity = total
	r.UpdatedAt = at
	return nil
}

func (m *MemoryRecords) List(_ context.Context, f Filter) ([]*Record, error) {
	m.mu.RLock()
	var out []*Record
	for k, r := range m.records {
		if f.matches(k) {
			cp := *r
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

func (m *MemoryRecords) CodeExists(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.records {
		if r.Code == code {
			return true, nil
		}
	}
	return false, nil
}
