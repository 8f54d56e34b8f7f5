package unit

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, u *Unit) error
	GetByID(ctx context.Context, id uuid.UUID) (*Unit, error)
	GetByName(ctx context.Context, name string) (*Unit, error)
	Update(ctx context.Context, u *Unit) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Unit, int, error)
}
