package patient

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DischargedFilter scopes the discharged listing to what the caller is
// allowed to see.
type DischargedFilter struct {
	// All returns every discharged record (superadmin).
	All bool
	// ActorID matches created_by or discharged_by (admin scope), or
	// discharged_by alone when combined with NurseID (nurse scope).
	ActorID uuid.UUID
	// NurseID additionally matches records assigned to this nurse.
	NurseID uuid.UUID
}

type Repository interface {
	Create(ctx context.Context, sp *StoredPatient) error
	GetByID(ctx context.Context, id uuid.UUID) (*StoredPatient, error)
	GetByMRNHash(ctx context.Context, mrnHash string) (*StoredPatient, error)
	Update(ctx context.Context, sp *StoredPatient) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*StoredPatient, int, error)
	ListByCreator(ctx context.Context, createdBy uuid.UUID, limit, offset int) ([]*StoredPatient, int, error)
	ListDischarged(ctx context.Context, f DischargedFilter, limit, offset int) ([]*StoredPatient, int, error)

	AddExtension(ctx context.Context, se *StoredExtension) error
	ChartIDExists(ctx context.Context, patientID uuid.UUID, chartID string) (bool, error)

	Assign(ctx context.Context, sa *StoredAssignment) error
	Unassign(ctx context.Context, patientID, nurseID uuid.UUID) error
	ListAssignedToNurse(ctx context.Context, nurseID uuid.UUID) ([]*StoredPatient, error)
	CountAssignedPatients(ctx context.Context) (map[uuid.UUID]int, error)

	SetDischarge(ctx context.Context, id uuid.UUID, discharged bool, by *uuid.UUID, at *time.Time) error

	// ListWithExtensions returns non-discharged records with their
	// extensions loaded, for the assessment views.
	ListWithExtensions(ctx context.Context) ([]*StoredPatient, error)
}

// NurseRef is the slice of a nurse profile the patient store needs when
// caching a display name on an assignment.
type NurseRef struct {
	ID          uuid.UUID
	AccountID   uuid.UUID
	DisplayName string
}

// NurseDirectory resolves nurse profiles without importing the nurse
// package. Wired at startup.
type NurseDirectory interface {
	Get(ctx context.Context, nurseID uuid.UUID) (NurseRef, error)
	ByAccountID(ctx context.Context, accountID uuid.UUID) (NurseRef, error)
}
