package patient

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartline/chartline/internal/domain/account"
	"github.com/chartline/chartline/internal/platform/apperr"
	"github.com/chartline/chartline/internal/platform/crypto"
)

type Service struct {
	repo      Repository
	codec     *Codec
	directory NurseDirectory
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, codec *Codec, log zerolog.Logger) *Service {
	return &Service{repo: repo, codec: codec, log: log, now: time.Now}
}

// SetNurseDirectory attaches the nurse lookup used for assignment name
// caching and nurse-scoped listings. Wired at startup.
func (s *Service) SetNurseDirectory(d NurseDirectory) { s.directory = d }

// CountAssignedPatients exposes per-nurse assignment counts for list
// decoration elsewhere.
func (s *Service) CountAssignedPatients(ctx context.Context) (map[uuid.UUID]int, error) {
	return s.repo.CountAssignedPatients(ctx)
}

type ExtensionInput struct {
	ChartID       string    `json:"chart_id"`
	AudioURL      string    `json:"audio_url"`
	Transcript    string    `json:"transcript"`
	ExtractedData string    `json:"extracted_data"`
	RecordedAt    time.Time `json:"recorded_at"`
}

type CreateInput struct {
	FirstName   string           `json:"first_name"`
	LastInitial string           `json:"last_initial"`
	MRN         string           `json:"mrn"`
	DateOfBirth string           `json:"date_of_birth"`
	Gender      string           `json:"gender"`
	Address     string           `json:"address"`
	Phone       string           `json:"phone"`
	Email       string           `json:"email"`
	Unit        string           `json:"unit"`
	Extensions  []ExtensionInput `json:"extensions"`
}

// Create validates the whole record before any write: duplicate chart ids
// inside the submitted extension set and a duplicate MRN both reject the
// request outright, so there is no partial write to clean up.
func (s *Service) Create(ctx context.Context, createdBy uuid.UUID, in CreateInput) (*Patient, error) {
	mrn := crypto.Canonicalize(in.MRN)
	if mrn == "" {
		return nil, apperr.Validation("mrn is required")
	}
	if dup := duplicateChartID(in.Extensions); dup != "" {
		return nil, apperr.Newf(apperr.KindConflict, "duplicate chart id in extensions: %s", dup)
	}
	if _, err := s.repo.GetByMRNHash(ctx, crypto.Fingerprint(mrn)); err == nil {
		return nil, apperr.Conflict("patient with this MRN already exists")
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, err
	}

	p := &Patient{
		ID:          uuid.New(),
		FirstName:   in.FirstName,
		LastInitial: in.LastInitial,
		MRN:         mrn,
		DateOfBirth: in.DateOfBirth,
		Gender:      in.Gender,
		Address:     in.Address,
		Phone:       in.Phone,
		Email:       in.Email,
		Unit:        in.Unit,
		CreatedBy:   createdBy,
	}
	for _, e := range in.Extensions {
		ext, err := extensionFromInput(e)
		if err != nil {
			return nil, err
		}
		p.Extensions = append(p.Extensions, ext)
	}

	sp, err := s.codec.ToStored(p)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, sp); err != nil {
		return nil, err
	}
	p.MRNHash = sp.MRNHash
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	sp, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.codec.FromStored(sp), nil
}

type UpdateInput struct {
	FirstName   *string `json:"first_name"`
	LastInitial *string `json:"last_initial"`
	MRN         *string `json:"mrn"`
	DateOfBirth *string `json:"date_of_birth"`
	Gender      *string `json:"gender"`
	Address     *string `json:"address"`
	Phone       *string `json:"phone"`
	Email       *string `json:"email"`
	Unit        *string `json:"unit"`
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*Patient, error) {
	sp, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p := s.codec.FromStored(sp)
	if in.MRN != nil {
		mrn := crypto.Canonicalize(*in.MRN)
		if mrn == "" {
			return nil, apperr.Validation("mrn cannot be empty")
		}
		if mrn != p.MRN {
			if existing, err := s.repo.GetByMRNHash(ctx, crypto.Fingerprint(mrn)); err == nil && existing.ID != id {
				return nil, apperr.Conflict("patient with this MRN already exists")
			} else if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
				return nil, err
			}
		}
		p.MRN = mrn
	}
	if in.FirstName != nil {
		p.FirstName = *in.FirstName
	}
	if in.LastInitial != nil {
		p.LastInitial = *in.LastInitial
	}
	if in.DateOfBirth != nil {
		p.DateOfBirth = *in.DateOfBirth
	}
	if in.Gender != nil {
		p.Gender = *in.Gender
	}
	if in.Address != nil {
		p.Address = *in.Address
	}
	if in.Phone != nil {
		p.Phone = *in.Phone
	}
	if in.Email != nil {
		p.Email = *in.Email
	}
	if in.Unit != nil {
		p.Unit = *in.Unit
	}
	p.Extensions = nil // not rewritten on profile update
	updated, err := s.codec.ToStored(p)
	if err != nil {
		return nil, err
	}
	updated.ID = id
	if err := s.repo.Update(ctx, updated); err != nil {
		return nil, err
	}
	p.MRNHash = updated.MRNHash
	return p, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return err
	}
	return s.repo.Delete(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	stored, total, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return s.project(stored), total, nil
}

func (s *Service) ListMine(ctx context.Context, createdBy uuid.UUID, limit, offset int) ([]*Patient, int, error) {
	stored, total, err := s.repo.ListByCreator(ctx, createdBy, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return s.project(stored), total, nil
}

// ListDischarged scopes visibility by role: superadmin sees everything,
// admins see what they created or discharged, nurses see what they
// discharged or were assigned to.
func (s *Service) ListDischarged(ctx context.Context, actorID uuid.UUID, role string, limit, offset int) ([]*Patient, int, error) {
	f := DischargedFilter{ActorID: actorID}
	switch role {
	case account.RoleSuperadmin:
		f.All = true
	case account.RoleNurse:
		// Without a nurse profile the creator/discharger scope applies.
		if s.directory != nil {
			if ref, err := s.directory.ByAccountID(ctx, actorID); err == nil {
				f.NurseID = ref.ID
			}
		}
	}
	stored, total, err := s.repo.ListDischarged(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return s.project(stored), total, nil
}

// AddExtension appends a clinical session to a record. The chart id must
// be unique within the record; the check runs before the insert and the
// unique index backstops races.
func (s *Service) AddExtension(ctx context.Context, patientID uuid.UUID, in ExtensionInput) (*Extension, error) {
	if strings.TrimSpace(in.ChartID) == "" {
		return nil, apperr.Validation("chart_id is required")
	}
	if _, err := s.repo.GetByID(ctx, patientID); err != nil {
		return nil, err
	}
	exists, err := s.repo.ChartIDExists(ctx, patientID, in.ChartID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apperr.Conflict("chart id already exists for this patient")
	}
	ext, err := extensionFromInput(in)
	if err != nil {
		return nil, err
	}
	if ext.RecordedAt.IsZero() {
		ext.RecordedAt = s.now()
	}
	se, err := s.codec.ExtensionToStored(ext)
	if err != nil {
		return nil, err
	}
	se.PatientID = patientID
	if err := s.repo.AddExtension(ctx, se); err != nil {
		return nil, err
	}
	return ext, nil
}

// Assign links a nurse to a patient and caches the nurse's display name,
// encrypted, on the assignment row. The cache reflects the name at
// assignment time and is not resynced on rename.
func (s *Service) Assign(ctx context.Context, patientID, nurseID uuid.UUID) error {
	if _, err := s.repo.GetByID(ctx, patientID); err != nil {
		return err
	}
	if s.directory == nil {
		return apperr.New(apperr.KindDependency, "nurse directory unavailable")
	}
	ref, err := s.directory.Get(ctx, nurseID)
	if err != nil {
		return err
	}
	sa := &StoredAssignment{
		PatientID:  patientID,
		NurseID:    nurseID,
		AssignedAt: s.now(),
	}
	if ref.DisplayName != "" {
		enc, err := s.codec.cipher.Encrypt(ref.DisplayName)
		if err != nil {
			return apperr.Wrap(apperr.KindCrypto, "encrypt nurse name", err)
		}
		sa.NurseNameEnc = &enc
	}
	return s.repo.Assign(ctx, sa)
}

func (s *Service) Unassign(ctx context.Context, patientID, nurseID uuid.UUID) error {
	return s.repo.Unassign(ctx, patientID, nurseID)
}

func (s *Service) Discharge(ctx context.Context, id, actorID uuid.UUID) error {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return err
	}
	at := s.now()
	return s.repo.SetDischarge(ctx, id, true, &actorID, &at)
}

// UndoDischarge clears the flag; the previous actor and timestamp stay on
// the row as history until the next discharge overwrites them.
func (s *Service) UndoDischarge(ctx context.Context, id uuid.UUID) error {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return err
	}
	return s.repo.SetDischarge(ctx, id, false, nil, nil)
}

// -- Bulk operations: per-item outcomes, never all-or-nothing. --

type BulkOutcome struct {
	Created  []*Patient  `json:"created,omitempty"`
	Deleted  []uuid.UUID `json:"deleted,omitempty"`
	Assigned []uuid.UUID `json:"assigned,omitempty"`
	Skipped  []string    `json:"skipped,omitempty"`
	Errors   []BulkError `json:"errors,omitempty"`
}

type BulkError struct {
	Item   string `json:"item"`
	Reason string `json:"reason"`
}

func (s *Service) BulkCreate(ctx context.Context, createdBy uuid.UUID, inputs []CreateInput) *BulkOutcome {
	out := &BulkOutcome{}
	for _, in := range inputs {
		p, err := s.Create(ctx, createdBy, in)
		switch {
		case err == nil:
			out.Created = append(out.Created, p)
		case apperr.IsKind(err, apperr.KindConflict):
			out.Skipped = append(out.Skipped, crypto.Canonicalize(in.MRN))
		default:
			out.Errors = append(out.Errors, BulkError{Item: crypto.Canonicalize(in.MRN), Reason: apperr.Message(err)})
		}
	}
	return out
}

func (s *Service) BulkDelete(ctx context.Context, ids []uuid.UUID) *BulkOutcome {
	out := &BulkOutcome{}
	for _, id := range ids {
		err := s.Delete(ctx, id)
		switch {
		case err == nil:
			out.Deleted = append(out.Deleted, id)
		case apperr.IsKind(err, apperr.KindNotFound):
			out.Skipped = append(out.Skipped, id.String())
		default:
			out.Errors = append(out.Errors, BulkError{Item: id.String(), Reason: apperr.Message(err)})
		}
	}
	return out
}

func (s *Service) BulkAssign(ctx context.Context, nurseID uuid.UUID, patientIDs []uuid.UUID) *BulkOutcome {
	out := &BulkOutcome{}
	for _, pid := range patientIDs {
		err := s.Assign(ctx, pid, nurseID)
		switch {
		case err == nil:
			out.Assigned = append(out.Assigned, pid)
		case apperr.IsKind(err, apperr.KindNotFound):
			out.Skipped = append(out.Skipped, pid.String())
		default:
			out.Errors = append(out.Errors, BulkError{Item: pid.String(), Reason: apperr.Message(err)})
		}
	}
	return out
}

func (s *Service) BulkUnassign(ctx context.Context, nurseID uuid.UUID, patientIDs []uuid.UUID) *BulkOutcome {
	out := &BulkOutcome{}
	for _, pid := range patientIDs {
		if err := s.Unassign(ctx, pid, nurseID); err != nil {
			out.Errors = append(out.Errors, BulkError{Item: pid.String(), Reason: apperr.Message(err)})
		}
	}
	return out
}

// -- Assessment views --

func (s *Service) AssessmentsAll(ctx context.Context) ([]*AssessmentRow, error) {
	stored, err := s.repo.ListWithExtensions(ctx)
	if err != nil {
		return nil, err
	}
	return s.flatten(stored, ""), nil
}

func (s *Service) AssessmentsForNurse(ctx context.Context, nurseID uuid.UUID) ([]*AssessmentRow, error) {
	stored, err := s.repo.ListAssignedToNurse(ctx, nurseID)
	if err != nil {
		return nil, err
	}
	return s.flatten(stored, ""), nil
}

func (s *Service) AssessmentsForPatient(ctx context.Context, patientID uuid.UUID, chartID string) ([]*AssessmentRow, error) {
	sp, err := s.repo.GetByID(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return s.flatten([]*StoredPatient{sp}, chartID), nil
}

// flatten produces one row per (patient, extension) pair, decrypting at
// the projection boundary and parsing extracted data back into JSON.
// Unparseable extracted data is omitted from the row, not an error.
func (s *Service) flatten(stored []*StoredPatient, chartID string) []*AssessmentRow {
	rows := make([]*AssessmentRow, 0)
	for _, sp := range stored {
		p := s.codec.FromStored(sp)
		for _, ext := range p.Extensions {
			if chartID != "" && ext.ChartID != chartID {
				continue
			}
			row := &AssessmentRow{
				PatientID:   p.ID,
				FirstName:   p.FirstName,
				LastInitial: p.LastInitial,
				MRN:         p.MRN,
				Unit:        p.Unit,
				ChartID:     ext.ChartID,
				Transcript:  ext.Transcript,
				RecordedAt:  ext.RecordedAt,
			}
			if ext.ExtractedData != "" {
				if json.Valid([]byte(ext.ExtractedData)) {
					row.Extracted = json.RawMessage(ext.ExtractedData)
				} else {
					s.log.Warn().Str("patient_id", p.ID.String()).Str("chart_id", ext.ChartID).
						Msg("extracted data is not valid JSON, omitting")
				}
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// -- helpers --

func (s *Service) project(stored []*StoredPatient) []*Patient {
	items := make([]*Patient, 0, len(stored))
	for _, sp := range stored {
		items = append(items, s.codec.FromStored(sp))
	}
	return items
}

func extensionFromInput(in ExtensionInput) (*Extension, error) {
	if strings.TrimSpace(in.ChartID) == "" {
		return nil, apperr.Validation("chart_id is required")
	}
	return &Extension{
		ChartID:       in.ChartID,
		AudioURL:      in.AudioURL,
		Transcript:    in.Transcript,
		ExtractedData: in.ExtractedData,
		RecordedAt:    in.RecordedAt,
	}, nil
}

func duplicateChartID(exts []ExtensionInput) string {
	seen := make(map[string]bool, len(exts))
	for _, e := range exts {
		if seen[e.ChartID] {
			return e.ChartID
		}
		seen[e.ChartID] = true
	}
	return ""
}
