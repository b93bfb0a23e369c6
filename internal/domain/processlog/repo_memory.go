package processlog

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/pkg/pagination"
)

// MemoryRepo keeps entries in insertion order. It takes part in
// db.MemoryTxRunner transactions through Snapshot.
type MemoryRepo struct {
	mu      sync.RWMutex
	entries []*Entry
	seq     int64
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{}
}

func (m *MemoryRepo) Snapshot() func() {
	m.mu.Lock()
	saved := make([]*Entry, len(m.entries))
	copy(saved, m.entries)
	seq := m.seq
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.entries = saved
		m.seq = seq
		m.mu.Unlock()
	}
}

func (m *MemoryRepo) Append(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	m.seq++
	e.Seq = m.seq
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryRepo) ListByRegistration(_ context.Context, registrationID uuid.UUID) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for _, e := range m.entries {
		if e.RegistrationID == registrationID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if e := m.entries[i]; f.matches(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	return pagination.Window(out, limit, offset), len(out), nil
}

func (m *MemoryRepo) CodeExists(_ context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.Code == code {
			return true, nil
		}
	}
	return false, nil
}
