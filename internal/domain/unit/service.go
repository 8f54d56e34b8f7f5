package unit

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartline/chartline/internal/platform/apperr"
)

type Service struct {
	repo Repository
	log  zerolog.Logger
}

func NewService(repo Repository, log zerolog.Logger) *Service {
	return &Service{repo: repo, log: log}
}

type Input struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Service) Create(ctx context.Context, createdBy uuid.UUID, in Input) (*Unit, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	u := &Unit{
		ID:          uuid.New(),
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		CreatedBy:   createdBy,
	}
	if err := s.repo.Create(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Unit, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, in Input) (*Unit, error) {
	u, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(in.Name); name != "" {
		u.Name = name
	}
	u.Description = strings.TrimSpace(in.Description)
	if err := s.repo.Update(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Unit, int, error) {
	return s.repo.List(ctx, limit, offset)
}

type BulkOutcome struct {
	Created []*Unit     `json:"created,omitempty"`
	Skipped []string    `json:"skipped,omitempty"`
	Errors  []BulkError `json:"errors,omitempty"`
}

type BulkError struct {
	Item   string `json:"item"`
	Reason string `json:"reason"`
}

// BulkCreate seeds reference data. Duplicates are skipped, not fatal, so
// re-running a seed list is safe.
func (s *Service) BulkCreate(ctx context.Context, createdBy uuid.UUID, inputs []Input) *BulkOutcome {
	out := &BulkOutcome{}
	for _, in := range inputs {
		u, err := s.Create(ctx, createdBy, in)
		switch {
		case err == nil:
			out.Created = append(out.Created, u)
		case apperr.IsKind(err, apperr.KindConflict):
			out.Skipped = append(out.Skipped, strings.TrimSpace(in.Name))
		default:
			out.Errors = append(out.Errors, BulkError{Item: in.Name, Reason: apperr.Message(err)})
		}
	}
	return out
}
