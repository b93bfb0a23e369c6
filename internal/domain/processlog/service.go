package processlog

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/bloodbank/bloodbank/internal/domain/blood"
	"github.com/bloodbank/bloodbank/internal/domain/lifecycle"
	"github.com/bloodbank/bloodbank/internal/platform/db"
	"github.com/bloodbank/bloodbank/internal/platform/refcode"
)

// ErrOutsideTx is returned when Append is called without a unit of work.
// A log entry must commit or roll back together with its transition.
var ErrOutsideTx = errors.New("processlog: append outside a transaction")

type Service struct {
	repo  Repository
	codes *refcode.Generator
	clock blood.Clock
}

func NewService(repo Repository, codes *refcode.Generator, clock blood.Clock) *Service {
	return &Service{repo: repo, codes: codes, clock: clock}
}

// AppendInput describes one successful transition. From is empty for the
// entry that records a registration's creation; a nil ActorID marks a donor
// or system event.
type AppendInput struct {
	RegistrationID uuid.UUID
	From           lifecycle.State
	To             lifecycle.State
	ActorID        *uuid.UUID
	Note           string
}

func (s *Service) Append(ctx context.Context, in AppendInput) (*Entry, error) {
	if !db.InTx(ctx) {
		return nil, ErrOutsideTx
	}
	code, err := s.codes.Generate(ctx, refcode.ProcessLog, s.repo.CodeExists)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Code:           code,
		RegistrationID: in.RegistrationID,
		Status:         string(in.To),
		ActorID:        in.ActorID,
		CreatedAt:      s.clock.Now(),
	}
	if in.From != "" {
		from := string(in.From)
		e.FromStatus = &from
	}
	if in.Note != "" {
		note := in.Note
		e.Note = &note
	}
	if err := s.repo.Append(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Timeline returns a registration's entries oldest first.
func (s *Service) Timeline(ctx context.Context, registrationID uuid.UUID) ([]*Entry, error) {
	return s.repo.ListByRegistration(ctx, registrationID)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}
