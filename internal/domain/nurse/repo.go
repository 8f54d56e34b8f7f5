package nurse

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, sn *StoredNurse) error
	GetByID(ctx context.Context, id uuid.UUID) (*StoredNurse, error)
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*StoredNurse, error)
	Update(ctx context.Context, sn *StoredNurse) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByAccountID(ctx context.Context, accountID uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*StoredNurse, int, error)
	ListByCreator(ctx context.Context, createdBy uuid.UUID, limit, offset int) ([]*StoredNurse, int, error)
	ListByRole(ctx context.Context, role string, limit, offset int) ([]*StoredNurse, int, error)
}

// AssignmentCounter reports how many patients are currently assigned to
// each nurse. Implemented by the patient store; injected to keep this
// package free of a dependency on it.
type AssignmentCounter interface {
	CountAssignedPatients(ctx context.Context) (map[uuid.UUID]int, error)
}
