package nurse

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartline/chartline/internal/platform/apperr"
	"github.com/chartline/chartline/internal/platform/crypto"
)

// Nurse is the staff profile paired 1:1 with a login account. Contact
// fields are plaintext in memory and encrypted at the persistence edge.
type Nurse struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Address   string    `json:"address,omitempty"`
	Unit      string    `json:"unit,omitempty"`
	Role      string    `json:"role"`
	CreatedBy uuid.UUID `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// PatientCount decorates list views with the number of patients
	// currently assigned; it is never persisted on the profile itself.
	PatientCount int `json:"patient_count"`
}

// DisplayName is the denormalized name cached on patient assignments at
// assignment time. Staleness after a rename is accepted.
func (n *Nurse) DisplayName() string {
	if n.FirstName == "" {
		return n.LastName
	}
	if n.LastName == "" {
		return n.FirstName
	}
	return n.FirstName + " " + n.LastName
}

// StoredNurse maps to the nurse table.
type StoredNurse struct {
	ID           uuid.UUID
	AccountID    uuid.UUID
	FirstNameEnc *string
	LastNameEnc  *string
	EmailEnc     *string
	EmailHash    string
	PhoneEnc     *string
	AddressEnc   *string
	Unit         string
	Role         string
	CreatedBy    uuid.UUID
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Codec converts between the plaintext profile and its encrypted row.
type Codec struct {
	cipher *crypto.FieldCipher
	log    zerolog.Logger
}

func NewCodec(cipher *crypto.FieldCipher, log zerolog.Logger) *Codec {
	return &Codec{cipher: cipher, log: log}
}

func (c *Codec) ToStored(n *Nurse) (*StoredNurse, error) {
	sn := &StoredNurse{
		ID:        n.ID,
		AccountID: n.AccountID,
		EmailHash: crypto.Fingerprint(n.Email),
		Unit:      n.Unit,
		Role:      n.Role,
		CreatedBy: n.CreatedBy,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
	}
	var err error
	if sn.FirstNameEnc, err = c.encryptOptional(n.FirstName); err != nil {
		return nil, err
	}
	if sn.LastNameEnc, err = c.encryptOptional(n.LastName); err != nil {
		return nil, err
	}
	if sn.EmailEnc, err = c.encryptOptional(n.Email); err != nil {
		return nil, err
	}
	if sn.PhoneEnc, err = c.encryptOptional(n.Phone); err != nil {
		return nil, err
	}
	if sn.AddressEnc, err = c.encryptOptional(n.Address); err != nil {
		return nil, err
	}
	return sn, nil
}

// FromStored decrypts a row into the plaintext view, omitting fields that
// fail to decrypt rather than failing the read.
func (c *Codec) FromStored(sn *StoredNurse) *Nurse {
	return &Nurse{
		ID:        sn.ID,
		AccountID: sn.AccountID,
		FirstName: c.decryptOptional(sn.ID, "first_name", sn.FirstNameEnc),
		LastName:  c.decryptOptional(sn.ID, "last_name", sn.LastNameEnc),
		Email:     c.decryptOptional(sn.ID, "email", sn.EmailEnc),
		Phone:     c.decryptOptional(sn.ID, "phone", sn.PhoneEnc),
		Address:   c.decryptOptional(sn.ID, "address", sn.AddressEnc),
		Unit:      sn.Unit,
		Role:      sn.Role,
		CreatedBy: sn.CreatedBy,
		CreatedAt: sn.CreatedAt,
		UpdatedAt: sn.UpdatedAt,
	}
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

func (c *Codec) decryptOptional(id uuid.UUID, name string, value *string) string {
	if value == nil {
		return ""
	}
	plain, err := c.cipher.Decrypt(*value)
	if err != nil {
		c.log.Warn().Err(err).Str("nurse_id", id.String()).Str("field", name).
			Msg("field decryption failed, omitting from view")
		return ""
	}
	return plain
}
