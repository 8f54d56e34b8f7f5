package account

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartline/chartline/internal/platform/apperr"
	"github.com/chartline/chartline/internal/platform/auth"
	"github.com/chartline/chartline/internal/platform/crypto"
	"github.com/chartline/chartline/internal/platform/notification"
)

const (
	minPasswordLength = 8

	otpTTL               = 5 * time.Minute
	resetTTLSelfService  = time.Hour
	resetTTLProvisioning = 24 * time.Hour

	// A successful login inside this window skips the OTP challenge even
	// with two-factor enabled.
	twoFactorBypassWindow = 12 * time.Hour

	// How long a verified deletion OTP stays valid for the confirm step.
	deletionConfirmWindow = 15 * time.Minute
)

// PairedProfileDeleter removes the nurse profile paired with an account.
// The two deletes are sequential, not transactional; a failure here is
// logged and the account delete proceeds.
type PairedProfileDeleter interface {
	DeleteByAccountID(ctx context.Context, accountID uuid.UUID) error
}

type Service struct {
	repo        Repository
	codec       *Codec
	passwords   *auth.PasswordManager
	tokens      *auth.TokenIssuer
	mailer      *notification.Mailer
	profiles    PairedProfileDeleter
	log         zerolog.Logger
	frontendURL string
	now         func() time.Time
}

func NewService(
	repo Repository,
	codec *Codec,
	passwords *auth.PasswordManager,
	tokens *auth.TokenIssuer,
	mailer *notification.Mailer,
	log zerolog.Logger,
	frontendURL string,
) *Service {
	return &Service{
		repo:        repo,
		codec:       codec,
		passwords:   passwords,
		tokens:      tokens,
		mailer:      mailer,
		log:         log,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		now:         time.Now,
	}
}

// SetProfileDeleter attaches the paired nurse-profile cleanup used by the
// account deletion flow. Wired at startup to avoid a package cycle.
func (s *Service) SetProfileDeleter(d PairedProfileDeleter) { s.profiles = d }

type RegisterInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Role        string `json:"role"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Phone       string `json:"phone"`
	DateOfBirth string `json:"date_of_birth"`
}

// LoginResult is the outcome of login or OTP verification. Token is set
// only when the caller is fully authenticated.
type LoginResult struct {
	Token             string   `json:"token,omitempty"`
	TwoFactorRequired bool     `json:"two_factor_required"`
	Account           *Account `json:"account,omitempty"`
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (*Account, error) {
	email := crypto.Canonicalize(in.Email)
	if email == "" {
		return nil, apperr.Validation("email is required")
	}
	if len(in.Password) < minPasswordLength {
		return nil, apperr.Validation("password must be at least 8 characters")
	}
	if !validRole(in.Role) {
		return nil, apperr.Newf(apperr.KindValidation, "invalid role: %s", in.Role)
	}
	if in.Role == RoleSuperadmin {
		n, err := s.repo.CountByRole(ctx, RoleSuperadmin)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			return nil, apperr.Conflict("a superadmin account already exists")
		}
	}
	if _, err := s.repo.GetByEmailHash(ctx, crypto.Fingerprint(email)); err == nil {
		return nil, apperr.Conflict("account with this email already exists")
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, err
	}

	hash, err := s.passwords.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	a := &Account{
		Email:        email,
		PasswordHash: hash,
		Role:         in.Role,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Phone:        in.Phone,
		DateOfBirth:  in.DateOfBirth,
	}
	sa, err := s.codec.ToStored(a)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, sa); err != nil {
		return nil, err
	}
	a.ID = sa.ID
	a.EmailHash = sa.EmailHash
	return a, nil
}

// Login checks the password and either mints a session token directly or
// parks the account in the awaiting-OTP state. Two-factor is skipped when
// the last successful login is within the bypass window.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	sa, err := s.repo.GetByEmailHash(ctx, crypto.Fingerprint(email))
	if err != nil {
		return nil, err
	}
	if err := checkAccountUsable(sa); err != nil {
		return nil, err
	}
	ok, err := s.passwords.Verify(sa.PasswordHash, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Auth("invalid email or password")
	}

	now := s.now()
	if sa.TwoFactorEnabled && !s.withinBypassWindow(sa.LastLoginAt, now) {
		if err := s.issueOTP(ctx, sa); err != nil {
			return nil, err
		}
		return &LoginResult{TwoFactorRequired: true}, nil
	}
	return s.authenticate(ctx, sa, now)
}

// VerifyOTP completes a two-factor login. The code is single-use: the
// compare-and-clear happens in one statement, so a replay fails.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (*LoginResult, error) {
	sa, err := s.repo.GetByEmailHash(ctx, crypto.Fingerprint(email))
	if err != nil {
		return nil, err
	}
	if err := checkAccountUsable(sa); err != nil {
		return nil, err
	}
	now := s.now()
	ok, err := s.repo.ConsumeOTP(ctx, sa.ID, code, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Auth("invalid or expired verification code")
	}
	return s.authenticate(ctx, sa, now)
}

// ResendOTP exists solely to deliver mail, so unlike login it surfaces a
// delivery failure to the caller.
func (s *Service) ResendOTP(ctx context.Context, email string) error {
	sa, err := s.repo.GetByEmailHash(ctx, crypto.Fingerprint(email))
	if err != nil {
		return err
	}
	if err := checkAccountUsable(sa); err != nil {
		return err
	}
	code, err := auth.GenerateOTP()
	if err != nil {
		return err
	}
	if err := s.repo.SetOTP(ctx, sa.ID, code, s.now().Add(otpTTL)); err != nil {
		return err
	}
	a := s.codec.FromStored(sa)
	if err := s.mailer.Send(ctx, notification.TemplateLoginCode, map[string]string{"code": code}, a.Email); err != nil {
		return apperr.Wrap(apperr.KindDependency, "verification code could not be sent", err)
	}
	return nil
}

func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	sa, err := s.repo.GetByEmailHash(ctx, crypto.Fingerprint(email))
	if err != nil {
		return err
	}
	token, err := auth.GenerateResetToken()
	if err != nil {
		return err
	}
	if err := s.repo.SetResetToken(ctx, sa.ID, token, s.now().Add(resetTTLSelfService)); err != nil {
		return err
	}
	a := s.codec.FromStored(sa)
	data := map[string]string{
		"reset_link": s.frontendURL + "/reset-password/" + token,
		"valid_for":  "1 hour",
	}
	if err := s.mailer.Send(ctx, notification.TemplatePasswordReset, data, a.Email); err != nil {
		return apperr.Wrap(apperr.KindDependency, "reset email could not be sent", err)
	}
	return nil
}

// ResetPassword consumes a reset token. Both the self-service (1 h) and the
// provisioning (24 h) tokens land here; the single statement that writes
// the new hash also burns the token.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return apperr.Validation("password must be at least 8 characters")
	}
	sa, err := s.repo.GetByResetToken(ctx, token)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return apperr.Auth("invalid or expired reset token")
		}
		return err
	}
	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		return err
	}
	ok, err := s.repo.ConsumeResetToken(ctx, sa.ID, token, hash, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Auth("invalid or expired reset token")
	}
	return nil
}

func (s *Service) ChangePassword(ctx context.Context, id uuid.UUID, oldPassword, newPassword string) error {
	if len(newPassword) < minPasswordLength {
		return apperr.Validation("password must be at least 8 characters")
	}
	sa, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	ok, err := s.passwords.Verify(sa.PasswordHash, oldPassword)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Auth("current password is incorrect")
	}
	hash, err := s.passwords.Hash(newPassword)
	if err != nil {
		return err
	}
	return s.repo.UpdatePassword(ctx, id, hash)
}

// SetTwoFactor toggles the 2FA flag for the target account. Self-service
// is always allowed; changing another account requires admin or superadmin.
func (s *Service) SetTwoFactor(ctx context.Context, actorID, actorRole string, targetID uuid.UUID, enabled bool) error {
	if actorID != targetID.String() && actorRole != RoleAdmin && actorRole != RoleSuperadmin {
		return apperr.Forbidden("cannot change two-factor settings for another account")
	}
	if _, err := s.repo.GetByID(ctx, targetID); err != nil {
		return err
	}
	return s.repo.SetTwoFactor(ctx, targetID, enabled)
}

type ProvisionInput struct {
	Email       string
	Role        string
	FirstName   string
	LastName    string
	Phone       string
	DateOfBirth string
	OrgName     string
}

// Provision creates an account on someone's behalf: a random placeholder
// password the user never sees, plus a 24-hour set-password token delivered
// by email. Returns the token so callers composing larger flows can reuse it.
func (s *Service) Provision(ctx context.Context, in ProvisionInput) (*Account, string, error) {
	email := crypto.Canonicalize(in.Email)
	if email == "" {
		return nil, "", apperr.Validation("email is required")
	}
	if in.Role != RoleAdmin && in.Role != RoleNurse {
		return nil, "", apperr.Newf(apperr.KindValidation, "invalid role for provisioning: %s", in.Role)
	}
	if _, err := s.repo.GetByEmailHash(ctx, crypto.Fingerprint(email)); err == nil {
		return nil, "", apperr.Conflict("account with this email already exists")
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, "", err
	}

	placeholder, err := s.passwords.GeneratePlaceholderPassword(16)
	if err != nil {
		return nil, "", err
	}
	hash, err := s.passwords.Hash(placeholder)
	if err != nil {
		return nil, "", err
	}
	token, err := auth.GenerateResetToken()
	if err != nil {
		return nil, "", err
	}
	expiry := s.now().Add(resetTTLProvisioning)

	a := &Account{
		Email:          email,
		PasswordHash:   hash,
		Role:           in.Role,
		FirstName:      in.FirstName,
		LastName:       in.LastName,
		Phone:          in.Phone,
		DateOfBirth:    in.DateOfBirth,
		ResetToken:     &token,
		ResetExpiresAt: &expiry,
	}
	sa, err := s.codec.ToStored(a)
	if err != nil {
		return nil, "", err
	}
	if err := s.repo.Create(ctx, sa); err != nil {
		return nil, "", err
	}
	a.ID = sa.ID
	a.EmailHash = sa.EmailHash

	data := map[string]string{
		"name":       strings.TrimSpace(in.FirstName + " " + in.LastName),
		"org_name":   in.OrgName,
		"reset_link": s.frontendURL + "/set-password/" + token,
		"valid_for":  "24 hours",
	}
	if err := s.mailer.Send(ctx, notification.TemplateAccountProvisioned, data, email); err != nil {
		// Account is already persisted; the admin can resend the invite.
		s.log.Error().Err(err).Str("account_id", a.ID.String()).Msg("welcome email failed")
	}
	return a, token, nil
}

// -- Account deletion: initiate, verify, confirm. Every step re-checks that
// the bearer identity matches the subject; no step trusts a prior step
// beyond what is persisted.

func (s *Service) InitiateDeletion(ctx context.Context, actorID string, targetID uuid.UUID) error {
	if err := requireSelf(actorID, targetID); err != nil {
		return err
	}
	sa, err := s.repo.GetByID(ctx, targetID)
	if err != nil {
		return err
	}
	return s.issueOTP(ctx, sa)
}

func (s *Service) VerifyDeletion(ctx context.Context, actorID string, targetID uuid.UUID, code string) error {
	if err := requireSelf(actorID, targetID); err != nil {
		return err
	}
	now := s.now()
	ok, err := s.repo.ConsumeOTP(ctx, targetID, code, now)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Auth("invalid or expired verification code")
	}
	return s.repo.MarkDeletionVerified(ctx, targetID, now)
}

func (s *Service) ConfirmDeletion(ctx context.Context, actorID string, targetID uuid.UUID) error {
	if err := requireSelf(actorID, targetID); err != nil {
		return err
	}
	sa, err := s.repo.GetByID(ctx, targetID)
	if err != nil {
		return err
	}
	now := s.now()
	if sa.DeletionVerifiedAt == nil || now.Sub(*sa.DeletionVerifiedAt) > deletionConfirmWindow {
		return apperr.Auth("deletion has not been verified")
	}

	// Best-effort sequential: a crash between these two deletes leaves an
	// orphan profile, which the admin tooling can reap.
	if s.profiles != nil {
		if err := s.profiles.DeleteByAccountID(ctx, targetID); err != nil {
			s.log.Error().Err(err).Str("account_id", targetID.String()).Msg("paired profile delete failed")
		}
	}
	if err := s.repo.Delete(ctx, targetID); err != nil {
		return err
	}

	a := s.codec.FromStored(sa)
	if a.Email != "" {
		if err := s.mailer.Send(ctx, notification.TemplateAccountDeleted, nil, a.Email); err != nil {
			s.log.Warn().Err(err).Str("account_id", targetID.String()).Msg("deletion notice failed")
		}
	}
	return nil
}

// Remove deletes an account directly, bypassing the self-service OTP flow.
// Reserved for admin-driven teardown of provisioned accounts.
func (s *Service) Remove(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

// -- Profile --

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Account, error) {
	sa, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.codec.FromStored(sa), nil
}

type UpdateProfileInput struct {
	Email       *string `json:"email"`
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	Phone       *string `json:"phone"`
	DateOfBirth *string `json:"date_of_birth"`
}

func (s *Service) UpdateProfile(ctx context.Context, id uuid.UUID, in UpdateProfileInput) (*Account, error) {
	sa, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	a := s.codec.FromStored(sa)
	if in.Email != nil {
		email := crypto.Canonicalize(*in.Email)
		if email == "" {
			return nil, apperr.Validation("email cannot be empty")
		}
		a.Email = email
	}
	if in.FirstName != nil {
		a.FirstName = *in.FirstName
	}
	if in.LastName != nil {
		a.LastName = *in.LastName
	}
	if in.Phone != nil {
		a.Phone = *in.Phone
	}
	if in.DateOfBirth != nil {
		a.DateOfBirth = *in.DateOfBirth
	}
	updated, err := s.codec.ToStored(a)
	if err != nil {
		return nil, err
	}
	updated.ID = id
	if err := s.repo.UpdateProfile(ctx, updated); err != nil {
		return nil, err
	}
	a.EmailHash = updated.EmailHash
	return a, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Account, int, error) {
	stored, total, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items := make([]*Account, 0, len(stored))
	for _, sa := range stored {
		items = append(items, s.codec.FromStored(sa))
	}
	return items, total, nil
}

// -- internals --

func (s *Service) authenticate(ctx context.Context, sa *StoredAccount, now time.Time) (*LoginResult, error) {
	if err := s.repo.TouchLastLogin(ctx, sa.ID, now); err != nil {
		return nil, err
	}
	token, err := s.tokens.Mint(sa.ID.String(), sa.Role, "")
	if err != nil {
		return nil, err
	}
	a := s.codec.FromStored(sa)
	a.LastLoginAt = &now
	return &LoginResult{Token: token, Account: a}, nil
}

// issueOTP persists the code before attempting delivery, so a mail outage
// never loses already-committed state.
func (s *Service) issueOTP(ctx context.Context, sa *StoredAccount) error {
	code, err := auth.GenerateOTP()
	if err != nil {
		return err
	}
	if err := s.repo.SetOTP(ctx, sa.ID, code, s.now().Add(otpTTL)); err != nil {
		return err
	}
	a := s.codec.FromStored(sa)
	if a.Email == "" {
		s.log.Error().Str("account_id", sa.ID.String()).Msg("cannot deliver code, email undecryptable")
		return nil
	}
	if err := s.mailer.Send(ctx, notification.TemplateLoginCode, map[string]string{"code": code}, a.Email); err != nil {
		s.log.Error().Err(err).Str("account_id", sa.ID.String()).Msg("verification code delivery failed")
	}
	return nil
}

func (s *Service) withinBypassWindow(lastLogin *time.Time, now time.Time) bool {
	return lastLogin != nil && now.Sub(*lastLogin) <= twoFactorBypassWindow
}

func checkAccountUsable(sa *StoredAccount) error {
	if sa.Locked {
		return apperr.Forbidden("account is locked")
	}
	if sa.Disabled {
		return apperr.Forbidden("account is disabled")
	}
	return nil
}

func requireSelf(actorID string, targetID uuid.UUID) error {
	if actorID != targetID.String() {
		return apperr.Forbidden("account deletion is limited to the account owner")
	}
	return nil
}
