package eligibility

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/pkg/pagination"
)

type MemoryRepo struct {
	mu     sync.RWMutex
	checks map[uuid.UUID]*Check
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{checks: make(map[uuid.UUID]*Check)}
}

func (m *MemoryRepo) Snapshot() func() {
	m.mu.Lock()
	checks := make(map[uuid.UUID]*Check, len(m.checks))
	for id, c := range m.checks {
		cp := *c
		checks[id] = &cp
	}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.checks = checks
		m.mu.Unlock()
	}
}

func (m *MemoryRepo) Create(_ context.Context, c *Check) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	for _, existing := range m.checks {
		if existing.RegistrationID == c.RegistrationID && existing.Status == lifecycle.CheckPending {
			return fmt.Errorf("%w: registration %s already has a pending check", apperr.ErrConflict, c.RegistrationID)
		}
	}
	cp := *c
	m.checks[c.ID] = &cp
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Check, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryRepo) Finalize(_ context.Context, c *Check, from lifecycle.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.checks[c.ID]
	if !ok || cur.Status != from {
		return apperr.ErrStale
	}
	cp := *c
	m.checks[c.ID] = &cp
	return nil
}

func (m *MemoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Check, int, error) {
	m.mu.RLock()
	var out []*Check
	for _, c := range m.checks {
		if f.matches(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return pagination.Window(out, limit, offset), len(out), nil
}

func (m *MemoryRepo) CodeExists(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.checks {
		if c.Code == code {
			return true, nil
		}
	}
	return false, nil
}
