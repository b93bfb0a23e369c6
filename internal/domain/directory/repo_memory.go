package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/platform/apperr"
)

// Memory is a seeded directory for tests and STORAGE=memory.
type Memory struct {
	mu     sync.RWMutex
	staff  map[uuid.UUID]Staff
	donors map[uuid.UUID]Donor
}

func NewMemory() *Memory {
	return &Memory{
		staff:  make(map[uuid.UUID]Staff),
		donors: make(map[uuid.UUID]Donor),
	}
}

func (m *Memory) PutStaff(s Staff) {
	m.mu.Lock()
	m.staff[s.ID] = s
	m.mu.Unlock()
}

func (m *Memory) PutDonor(d Donor) {
	m.mu.Lock()
	m.donors[d.ID] = d
	m.mu.Unlock()
}

// Seed is the file format accepted by Load.
type Seed struct {
	Staff  []Staff `json:"staff"`
	Donors []Donor `json:"donors"`
}

// Load adds the staff and donors of a JSON seed document.
func (m *Memory) Load(r io.Reader) (int, error) {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return 0, fmt.Errorf("decode directory seed: %w", err)
	}
	for _, s := range seed.Staff {
		if s.ID == uuid.Nil {
			return 0, fmt.Errorf("directory seed: staff %q has no id", s.Name)
		}
		m.PutStaff(s)
	}
	for _, d := range seed.Donors {
		if d.ID == uuid.Nil {
			return 0, fmt.Errorf("directory seed: donor %q has no id", d.Name)
		}
		if d.BloodGroup != "" && !d.BloodGroup.Valid() {
			return 0, fmt.Errorf("directory seed: donor %s has invalid blood group %q", d.ID, d.BloodGroup)
		}
		m.PutDonor(d)
	}
	return len(seed.Staff) + len(seed.Donors), nil
}

func (m *Memory) Staff(_ context.Context, id uuid.UUID) (*Staff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.staff[id]
	if !ok {
		return nil, apperr.NotFound("staff", id)
	}
	return &s, nil
}

func (m *Memory) Donor(_ context.Context, id uuid.UUID) (*Donor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.donors[id]
	if !ok {
		return nil, apperr.NotFound("donor", id)
	}
	if d.Home != nil {
		home := *d.Home
		d.Home = &home
	}
	return &d, nil
}
