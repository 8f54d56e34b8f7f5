package account

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartline/chartline/internal/platform/apperr"
	"github.com/chartline/chartline/internal/platform/crypto"
)

// Account roles. The set is closed; anything else is rejected at creation.
const (
	RoleSuperadmin = "superadmin"
	RoleAdmin      = "admin"
	RoleNurse      = "nurse"
)

var validRoles = map[string]bool{
	RoleSuperadmin: true,
	RoleAdmin:      true,
	RoleNurse:      true,
}

// Account is the in-memory credential/identity entity. PII fields hold
// plaintext here; encryption happens only at the persistence edge, in
// Codec.ToStored.
type Account struct {
	ID                 uuid.UUID  `json:"id"`
	Email              string     `json:"email"`
	EmailHash          string     `json:"-"`
	PasswordHash       string     `json:"-"`
	Role               string     `json:"role"`
	FirstName          string     `json:"first_name,omitempty"`
	LastName           string     `json:"last_name,omitempty"`
	Phone              string     `json:"phone,omitempty"`
	DateOfBirth        string     `json:"date_of_birth,omitempty"`
	TwoFactorEnabled   bool       `json:"two_factor_enabled"`
	Locked             bool       `json:"locked"`
	Disabled           bool       `json:"disabled"`
	LastLoginAt        *time.Time `json:"last_login_at,omitempty"`
	OTPCode            *string    `json:"-"`
	OTPExpiresAt       *time.Time `json:"-"`
	ResetToken         *string    `json:"-"`
	ResetExpiresAt     *time.Time `json:"-"`
	ResetUsed          bool       `json:"-"`
	DeletionVerifiedAt *time.Time `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// StoredAccount maps to the account table. Every PII column is an encrypted
// nonce:ciphertext string; email_hash carries the deterministic fingerprint
// that makes the row findable.
type StoredAccount struct {
	ID                 uuid.UUID
	EmailEnc           string
	EmailHash          string
	PasswordHash       string
	Role               string
	FirstNameEnc       *string
	LastNameEnc        *string
	PhoneEnc           *string
	DateOfBirthEnc     *string
	TwoFactorEnabled   bool
	Locked             bool
	Disabled           bool
	LastLoginAt        *time.Time
	OTPCode            *string
	OTPExpiresAt       *time.Time
	ResetToken         *string
	ResetExpiresAt     *time.Time
	ResetUsed          bool
	DeletionVerifiedAt *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Codec converts between the plaintext Account and its encrypted storage
// representation.
type Codec struct {
	cipher *crypto.FieldCipher
	log    zerolog.Logger
}

func NewCodec(cipher *crypto.FieldCipher, log zerolog.Logger) *Codec {
	return &Codec{cipher: cipher, log: log}
}

// ToStored encrypts the account's PII fields for persistence. Encryption
// failure on a write path is a hard error, never a silent plaintext write.
func (c *Codec) ToStored(a *Account) (*StoredAccount, error) {
	emailEnc, err := c.cipher.Encrypt(a.Email)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "encrypt email", err)
	}
	sa := &StoredAccount{
		ID:                 a.ID,
		EmailEnc:           emailEnc,
		EmailHash:          crypto.Fingerprint(a.Email),
		PasswordHash:       a.PasswordHash,
		Role:               a.Role,
		TwoFactorEnabled:   a.TwoFactorEnabled,
		Locked:             a.Locked,
		Disabled:           a.Disabled,
		LastLoginAt:        a.LastLoginAt,
		OTPCode:            a.OTPCode,
		OTPExpiresAt:       a.OTPExpiresAt,
		ResetToken:         a.ResetToken,
		ResetExpiresAt:     a.ResetExpiresAt,
		ResetUsed:          a.ResetUsed,
		DeletionVerifiedAt: a.DeletionVerifiedAt,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
	if sa.FirstNameEnc, err = c.encryptOptional(a.FirstName); err != nil {
		return nil, err
	}
	if sa.LastNameEnc, err = c.encryptOptional(a.LastName); err != nil {
		return nil, err
	}
	if sa.PhoneEnc, err = c.encryptOptional(a.Phone); err != nil {
		return nil, err
	}
	if sa.DateOfBirthEnc, err = c.encryptOptional(a.DateOfBirth); err != nil {
		return nil, err
	}
	return sa, nil
}

// FromStored decrypts a stored row into the plaintext view. A field that
// fails to decrypt is omitted from the view and logged; partial display is
// preferable to a failed read here, unlike the strict cipher contract.
func (c *Codec) FromStored(sa *StoredAccount) *Account {
	a := &Account{
		ID:                 sa.ID,
		EmailHash:          sa.EmailHash,
		PasswordHash:       sa.PasswordHash,
		Role:               sa.Role,
		TwoFactorEnabled:   sa.TwoFactorEnabled,
		Locked:             sa.Locked,
		Disabled:           sa.Disabled,
		LastLoginAt:        sa.LastLoginAt,
		OTPCode:            sa.OTPCode,
		OTPExpiresAt:       sa.OTPExpiresAt,
		ResetToken:         sa.ResetToken,
		ResetExpiresAt:     sa.ResetExpiresAt,
		ResetUsed:          sa.ResetUsed,
		DeletionVerifiedAt: sa.DeletionVerifiedAt,
		CreatedAt:          sa.CreatedAt,
		UpdatedAt:          sa.UpdatedAt,
	}
	a.Email = c.decryptField(sa.ID, "email", sa.EmailEnc)
	a.FirstName = c.decryptOptional(sa.ID, "first_name", sa.FirstNameEnc)
	a.LastName = c.decryptOptional(sa.ID, "last_name", sa.LastNameEnc)
	a.Phone = c.decryptOptional(sa.ID, "phone", sa.PhoneEnc)
	a.DateOfBirth = c.decryptOptional(sa.ID, "date_of_birth", sa.DateOfBirthEnc)
	return a
}

func (c *Codec) encryptOptional(plaintext string) (*string, error) {
	if plaintext == "" {
		return nil, nil
	}
	enc, err := c.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "encrypt field", err)
	}
	return &enc, nil
}

func (c *Codec) decryptField(id uuid.UUID, name, value string) string {
	plain, err := c.cipher.Decrypt(value)
	if err != nil {
		c.log.Warn().Err(err).Str("account_id", id.String()).Str("field", name).
			Msg("field decryption failed, omitting from view")
		return ""
	}
	return plain
}

func (c *Codec) decryptOptional(id uuid.UUID, name string, value *string) string {
	if value == nil {
		return ""
	}
	return c.decryptField(id, name, *value)
}

func validRole(role string) bool { return validRoles[role] }
