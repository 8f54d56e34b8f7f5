package nurse

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartline/chartline/internal/domain/account"
	"github.com/chartline/chartline/internal/platform/apperr"
	"github.com/chartline/chartline/internal/platform/crypto"
)

type Service struct {
	repo     Repository
	codec    *Codec
	accounts *account.Service
	counts   AssignmentCounter
	log      zerolog.Logger
	orgName  string
}

func NewService(repo Repository, codec *Codec, accounts *account.Service, log zerolog.Logger, orgName string) *Service {
	return &Service{repo: repo, codec: codec, accounts: accounts, log: log, orgName: orgName}
}

// SetAssignmentCounter attaches the patient-side assignment counts used to
// decorate list views. Wired at startup.
func (s *Service) SetAssignmentCounter(c AssignmentCounter) { s.counts = c }

// DeleteByAccountID implements account.PairedProfileDeleter for the
// account self-deletion flow.
func (s *Service) DeleteByAccountID(ctx context.Context, accountID uuid.UUID) error {
	return s.repo.DeleteByAccountID(ctx, accountID)
}

type ProvisionInput struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
	Address   string `json:"address"`
	Unit      string `json:"unit"`
	Role      string `json:"role"`
}

// Provision creates the login account (placeholder password, emailed
// set-password link) and the nurse profile. The two writes are sequential;
// if the profile insert fails the fresh account is removed best-effort.
func (s *Service) Provision(ctx context.Context, createdBy uuid.UUID, in ProvisionInput) (*Nurse, error) {
	if in.Role == "" {
		in.Role = account.RoleNurse
	}
	if in.Role != account.RoleNurse && in.Role != account.RoleAdmin {
		return nil, apperr.Newf(apperr.KindValidation, "invalid nurse role: %s", in.Role)
	}

	acct, _, err := s.accounts.Provision(ctx, account.ProvisionInput{
		Email:     in.Email,
		Role:      in.Role,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Phone:     in.Phone,
		OrgName:   s.orgName,
	})
	if err != nil {
		return nil, err
	}

	n := &Nurse{
		AccountID: acct.ID,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Email:     crypto.Canonicalize(in.Email),
		Phone:     in.Phone,
		Address:   in.Address,
		Unit:      in.Unit,
		Role:      in.Role,
		CreatedBy: createdBy,
	}
	sn, err := s.codec.ToStored(n)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, sn); err != nil {
		if rbErr := s.accounts.Remove(ctx, acct.ID); rbErr != nil {
			s.log.Error().Err(rbErr).Str("account_id", acct.ID.String()).
				Msg("orphan account left behind after profile insert failure")
		}
		return nil, err
	}
	n.ID = sn.ID
	return n, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Nurse, error) {
	sn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.codec.FromStored(sn), nil
}

func (s *Service) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*Nurse, error) {
	sn, err := s.repo.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.codec.FromStored(sn), nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Nurse, int, error) {
	stored, total, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return s.decorate(ctx, stored), total, nil
}

func (s *Service) ListMine(ctx context.Context, createdBy uuid.UUID, limit, offset int) ([]*Nurse, int, error) {
	stored, total, err := s.repo.ListByCreator(ctx, createdBy, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return s.decorate(ctx, stored), total, nil
}

func (s *Service) ListByRole(ctx context.Context, role string, limit, offset int) ([]*Nurse, int, error) {
	stored, total, err := s.repo.ListByRole(ctx, role, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return s.decorate(ctx, stored), total, nil
}

type UpdateInput struct {
	Email     *string `json:"email"`
	FirstName *string `json:"first_name"`
	LastName  *string `json:"last_name"`
	Phone     *string `json:"phone"`
	Address   *string `json:"address"`
	Unit      *string `json:"unit"`
}

// Update rewrites the profile and syncs the paired account's contact
// fields. The nurse name cached on patient assignments is deliberately
// left stale; it reflects the name at assignment time.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*Nurse, error) {
	sn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	n := s.codec.FromStored(sn)
	if in.Email != nil {
		email := crypto.Canonicalize(*in.Email)
		if email == "" {
			return nil, apperr.Validation("email cannot be empty")
		}
		n.Email = email
	}
	if in.FirstName != nil {
		n.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		n.LastName = *in.LastName
	}
	if in.Phone != nil {
		n.Phone = *in.Phone
	}
	if in.Address != nil {
		n.Address = *in.Address
	}
	if in.Unit != nil {
		n.Unit = *in.Unit
	}
	updated, err := s.codec.ToStored(n)
	if err != nil {
		return nil, err
	}
	updated.ID = id
	if err := s.repo.Update(ctx, updated); err != nil {
		return nil, err
	}

	if _, err := s.accounts.UpdateProfile(ctx, n.AccountID, account.UpdateProfileInput{
		Email:     in.Email,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Phone:     in.Phone,
	}); err != nil {
		s.log.Error().Err(err).Str("nurse_id", id.String()).Msg("paired account sync failed")
	}
	return n, nil
}

// Delete removes the profile and its paired account, best-effort
// sequential.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	sn, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.accounts.Remove(ctx, sn.AccountID); err != nil {
		s.log.Error().Err(err).Str("account_id", sn.AccountID.String()).
			Msg("orphan account left behind after nurse delete")
	}
	return nil
}

// BulkOutcome reports per-item results of a bulk operation; items fail or
// skip independently, never all-or-nothing.
type BulkOutcome struct {
	Created []*Nurse    `json:"created,omitempty"`
	Deleted []uuid.UUID `json:"deleted,omitempty"`
	Skipped []string    `json:"skipped,omitempty"`
	Errors  []BulkError `json:"errors,omitempty"`
}

type BulkError struct {
	Item   string `json:"item"`
	Reason string `json:"reason"`
}

func (s *Service) BulkProvision(ctx context.Context, createdBy uuid.UUID, inputs []ProvisionInput) *BulkOutcome {
	out := &BulkOutcome{}
	for _, in := range inputs {
		n, err := s.Provision(ctx, createdBy, in)
		switch {
		case err == nil:
			out.Created = append(out.Created, n)
		case apperr.IsKind(err, apperr.KindConflict):
			out.Skipped = append(out.Skipped, crypto.Canonicalize(in.Email))
		default:
			out.Errors = append(out.Errors, BulkError{Item: crypto.Canonicalize(in.Email), Reason: apperr.Message(err)})
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

func (s *Service) decorate(ctx context.Context, stored []*StoredNurse) []*Nurse {
	items := make([]*Nurse, 0, len(stored))
	for _, sn := range stored {
		items = append(items, s.codec.FromStored(sn))
	}
	if s.counts == nil || len(items) == 0 {
		return items
	}
	counts, err := s.counts.CountAssignedPatients(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("assignment counts unavailable")
		return items
	}
	for _, n := range items {
		n.PatientCount = counts[n.ID]
	}
	return items
}
