package registration

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/platform/apperr"
	"github.com/bloodbank/bloodbank/pkg/pagination"
)

// MemoryRepo is the in-memory Repository used by tests and STORAGE=memory.
// The open-registration rule is checked under the write lock, which gives
// the same guarantee as the partial unique index.
type MemoryRepo struct {
	mu      sync.RWMutex
	regs    map[uuid.UUID]*Registration
	history []*DonorStatusLog
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{regs: make(map[uuid.UUID]*Registration)}
}

func (m *MemoryRepo) Snapshot() func() {
	m.mu.Lock()
	regs := make(map[uuid.UUID]*Registration, len(m.regs))
	for id, r := range m.regs {
		cp := *r
		regs[id] = &cp
	}
	history := append([]*DonorStatusLog(nil), m.history...)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.regs = regs
		m.history = history
		m.mu.Unlock()
	}
}

func (m *MemoryRepo) Create(_ context.Context, r *Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	for _, existing := range m.regs {
		if existing.DonorID == r.DonorID && existing.IsOpen() {
			return fmt.Errorf("%w: donor %s already has an open registration", apperr.ErrConflict, r.DonorID)
		}
		if existing.Code == r.Code {
			return fmt.Errorf("%w: code %s", apperr.ErrConflict, r.Code)
		}
	}
	r.Version = 1
	cp := *r
	m.regs[r.ID] = &cp
	return nil
}

func (m *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.regs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepo) find(match func(*Registration) bool) (*Registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.regs {
		if match(r) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *MemoryRepo) GetByCode(_ context.Context, code string) (*Registration, error) {
	return m.find(func(r *Registration) bool { return r.Code == code })
}

func (m *MemoryRepo) GetByCheckInCode(_ context.Context, code string) (*Registration, error) {
	return m.find(func(r *Registration) bool { return r.CheckInCode != nil && *r.CheckInCode == code })
}

func (m *MemoryRepo) Update(_ context.Context, r *Registration, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.regs[r.ID]
	if !ok {
		return apperr.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return apperr.ErrStale
	}
	r.Reminder1dSent, r.Reminder2hSent = cur.Reminder1dSent, cur.Reminder2hSent
	r.Version = expectedVersion + 1
	cp := *r
	m.regs[r.ID] = &cp
	return nil
}

func (m *MemoryRepo) sorted(match func(*Registration) bool, less func(a, b *Registration) bool) []*Registration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Registration
	for _, r := range m.regs {
		if match(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func (m *MemoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Registration, int, error) {
	out := m.sorted(f.matches, func(a, b *Registration) bool {
		if a.PreferredDate.Equal(b.PreferredDate) {
			return a.ID.String() < b.ID.String()
		}
		return a.PreferredDate.After(b.PreferredDate)
	})
	return pagination.Window(out, limit, offset), len(out), nil
}

func (m *MemoryRepo) HasOpen(_ context.Context, donorID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.regs {
		if r.DonorID == donorID && r.IsOpen() {
			return true, nil
		}
	}
	return false, nil
}

func byPreferredDate(a, b *Registration) bool { return a.PreferredDate.Before(b.PreferredDate) }

func (m *MemoryRepo) ListStale(_ context.Context, cutoff time.Time) ([]*Registration, error) {
	return m.sorted(func(r *Registration) bool {
		return r.Status == lifecycle.RegRegistered && r.PreferredDate.Before(cutoff)
	}, byPreferredDate), nil
}

func (m *MemoryRepo) ListReminderCandidates(_ context.Context, now, until time.Time) ([]*Registration, error) {
	return m.sorted(func(r *Registration) bool {
		return r.Status == lifecycle.RegRegistered &&
			r.PreferredDate.After(now) && !r.PreferredDate.After(until) &&
			(!r.Reminder1dSent || !r.Reminder2hSent)
	}, byPreferredDate), nil
}

func (m *MemoryRepo) MarkReminders(_ context.Context, id uuid.UUID, day, twoHours bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.regs[id]
	if !ok {
		return false, apperr.ErrNotFound
	}
	if !(day && !r.Reminder1dSent) && !(twoHours && !r.Reminder2hSent) {
		return false, nil
	}
	r.Reminder1dSent = r.Reminder1dSent || day
	r.Reminder2hSent = r.Reminder2hSent || twoHours
	return true, nil
}

func (m *MemoryRepo) AppendDonorStatus(_ context.Context, l *DonorStatusLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	cp := *l
	m.history = append(m.history, &cp)
	return nil
}

func (m *MemoryRepo) ListDonorStatus(_ context.Context, registrationID uuid.UUID) ([]*DonorStatusLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*DonorStatusLog
	for _, l := range m.history {
		if l.RegistrationID == registrationID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryRepo) CodeExists(_ context.Context, code string) (bool, error) {
	_, err := m.GetByCode(context.Background(), code)
	return err == nil, nil
}

func (m *MemoryRepo) CheckInCodeExists(_ context.Context, code string) (bool, error) {
	_, err := m.GetByCheckInCode(context.Background(), code)
	return err == nil, nil
}

// Put stores a registration as-is. Tests use it to seed states the public
// workflow would take several calls to reach.
func (m *MemoryRepo) Put(r *Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Version == 0 {
		r.Version = 1
	}
	cp := *r
	m.regs[r.ID] = &cp
}
