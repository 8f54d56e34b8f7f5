package patient

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chartline/chartline/internal/platform/apperr"
	"github.com/chartline/chartline/internal/platform/crypto"
)

// Patient is the in-memory clinical record. Identity fields are plaintext
// here; the Codec encrypts them on the way to storage. MRN equality is
// checked through its deterministic hash, never the encrypted column.
type Patient struct {
	ID          uuid.UUID  `json:"id"`
	FirstName   string     `json:"first_name,omitempty"`
	LastInitial string     `json:"last_initial,omitempty"`
	MRN         string     `json:"mrn,omitempty"`
	MRNHash     string     `json:"-"`
	DateOfBirth string     `json:"date_of_birth,omitempty"`
	Gender      string     `json:"gender,omitempty"`
	Address     string     `json:"address,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Email       string     `json:"email,omitempty"`
	Unit        string     `json:"unit,omitempty"`
	CreatedBy   uuid.UUID  `json:"created_by"`
	Discharged  bool       `json:"discharged"`
	DischargedBy *uuid.UUID `json:"discharged_by,omitempty"`
	DischargedAt *time.Time `json:"discharged_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Extensions  []*Extension  `json:"extensions,omitempty"`
	Assignments []*Assignment `json:"assigned_to,omitempty"`
}

// Extension is a clinical-session attachment: an audio reference plus the
// transcript and structured data derived from it. ChartID is unique within
// one patient record.
type Extension struct {
	ID            uuid.UUID `json:"id"`
	ChartID       string    `json:"chart_id"`
	AudioURL      string    `json:"audio_url,omitempty"`
	Transcript    string    `json:"transcript,omitempty"`
	ExtractedData string    `json:"extracted_data,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Assignment links a patient to a nurse and caches the nurse's display
// name as it was at assignment time. The cache is not resynced on rename.
type Assignment struct {
	PatientID  uuid.UUID `json:"-"`
	NurseID    uuid.UUID `json:"nurse_id"`
	NurseName  string    `json:"nurse_name,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

// AssessmentRow is a flattened (patient, extension) pair for review
// screens, with the extracted data parsed back into JSON.
type AssessmentRow struct {
	PatientID   uuid.UUID       `json:"patient_id"`
	FirstName   string          `json:"first_name,omitempty"`
	LastInitial string          `json:"last_initial,omitempty"`
	MRN         string          `json:"mrn,omitempty"`
	Unit        string          `json:"unit,omitempty"`
	ChartID     string          `json:"chart_id"`
	Transcript  string          `json:"transcript,omitempty"`
	Extracted   json.RawMessage `json:"extracted_data,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// StoredPatient maps to the patient table.
type StoredPatient struct {
	ID             uuid.UUID
	FirstNameEnc   *string
	LastInitialEnc *string
	MRNEnc         string
	MRNHash        string
	DateOfBirthEnc *string
	GenderEnc      *string
	AddressEnc     *string
	PhoneEnc       *string
	EmailEnc       *string
	Unit           string
	CreatedBy      uuid.UUID
	Discharged     bool
	DischargedBy   *uuid.UUID
	DischargedAt   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Extensions  []*StoredExtension
	Assignments []*StoredAssignment
}

// StoredExtension maps to the patient_extension table.
type StoredExtension struct {
	ID               uuid.UUID
	PatientID        uuid.UUID
	ChartID          string
	AudioURLEnc      *string
	TranscriptEnc    *string
	ExtractedDataEnc *string
	RecordedAt       time.Time
	CreatedAt        time.Time
}

// StoredAssignment maps to the patient_assignment table.
type StoredAssignment struct {
	PatientID    uuid.UUID
	NurseID      uuid.UUID
	NurseNameEnc *string
	AssignedAt   time.Time
}

// Codec converts between plaintext records and their encrypted rows.
type Codec struct {
	cipher *crypto.FieldCipher
	log    zerolog.Logger
}

func NewCodec(cipher *crypto.FieldCipher, log zerolog.Logger) *Codec {
	return &Codec{cipher: cipher, log: log}
}

func (c *Codec) ToStored(p *Patient) (*StoredPatient, error) {
	mrnEnc, err := c.cipher.Encrypt(p.MRN)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "encrypt mrn", err)
	}
	sp := &StoredPatient{
		ID:           p.ID,
		MRNEnc:       mrnEnc,
		MRNHash:      crypto.Fingerprint(p.MRN),
		Unit:         p.Unit,
		CreatedBy:    p.CreatedBy,
		Discharged:   p.Discharged,
		DischargedBy: p.DischargedBy,
		DischargedAt: p.DischargedAt,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
	if sp.FirstNameEnc, err = c.encryptOptional(p.FirstName); err != nil {
		return nil, err
	}
	if sp.LastInitialEnc, err = c.encryptOptional(p.LastInitial); err != nil {
		return nil, err
	}
	if sp.DateOfBirthEnc, err = c.encryptOptional(p.DateOfBirth); err != nil {
		return nil, err
	}
	if sp.GenderEnc, err = c.encryptOptional(p.Gender); err != nil {
		return nil, err
	}
	if sp.AddressEnc, err = c.encryptOptional(p.Address); err != nil {
		return nil, err
	}
	if sp.PhoneEnc, err = c.encryptOptional(p.Phone); err != nil {
		return nil, err
	}
	if sp.EmailEnc, err = c.encryptOptional(p.Email); err != nil {
		return nil, err
	}
	for _, ext := range p.Extensions {
		se, err := c.ExtensionToStored(ext)
		if err != nil {
			return nil, err
		}
		se.PatientID = p.ID
		sp.Extensions = append(sp.Extensions, se)
	}
	return sp, nil
}

// FromStored decrypts a row into the plaintext view. Fields that fail to
// decrypt are omitted and logged; a partially readable record is better
// than no record at the review screen.
func (c *Codec) FromStored(sp *StoredPatient) *Patient {
	p := &Patient{
		ID:           sp.ID,
		FirstName:    c.decryptOptional(sp.ID, "first_name", sp.FirstNameEnc),
		LastInitial:  c.decryptOptional(sp.ID, "last_initial", sp.LastInitialEnc),
		MRN:          c.decryptField(sp.ID, "mrn", sp.MRNEnc),
		MRNHash:      sp.MRNHash,
		DateOfBirth:  c.decryptOptional(sp.ID, "date_of_birth", sp.DateOfBirthEnc),
		Gender:       c.decryptOptional(sp.ID, "gender", sp.GenderEnc),
		Address:      c.decryptOptional(sp.ID, "address", sp.AddressEnc),
		Phone:        c.decryptOptional(sp.ID, "phone", sp.PhoneEnc),
		Email:        c.decryptOptional(sp.ID, "email", sp.EmailEnc),
		Unit:         sp.Unit,
		CreatedBy:    sp.CreatedBy,
		Discharged:   sp.Discharged,
		DischargedBy: sp.DischargedBy,
		DischargedAt: sp.DischargedAt,
		CreatedAt:    sp.CreatedAt,
		UpdatedAt:    sp.UpdatedAt,
	}
	for _, se := range sp.Extensions {
		p.Extensions = append(p.Extensions, c.ExtensionFromStored(se))
	}
	for _, sa := range sp.Assignments {
		p.Assignments = append(p.Assignments, &Assignment{
			PatientID:  sa.PatientID,
			NurseID:    sa.NurseID,
			NurseName:  c.decryptOptional(sa.PatientID, "nurse_name", sa.NurseNameEnc),
			AssignedAt: sa.AssignedAt,
		})
	}
	return p
}

func (c *Codec) ExtensionToStored(e *Extension) (*StoredExtension, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	se := &StoredExtension{
		ID:         e.ID,
		ChartID:    e.ChartID,
		RecordedAt: e.RecordedAt,
		CreatedAt:  e.CreatedAt,
	}
	var err error
	if se.AudioURLEnc, err = c.encryptOptional(e.AudioURL); err != nil {
		return nil, err
	}
	if se.TranscriptEnc, err = c.encryptOptional(e.Transcript); err != nil {
		return nil, err
	}
	if se.ExtractedDataEnc, err = c.encryptOptional(e.ExtractedData); err != nil {
		return nil, err
	}
	return se, nil
}

func (c *Codec) ExtensionFromStored(se *StoredExtension) *Extension {
	return &Extension{
		ID:            se.ID,
		ChartID:       se.ChartID,
		AudioURL:      c.decryptOptional(se.PatientID, "audio_url", se.AudioURLEnc),
		Transcript:    c.decryptOptional(se.PatientID, "transcript", se.TranscriptEnc),
		ExtractedData: c.decryptOptional(se.PatientID, "extracted_data", se.ExtractedDataEnc),
		RecordedAt:    se.RecordedAt,
		CreatedAt:     se.CreatedAt,
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

func (c *Codec) decryptField(id uuid.UUID, name, value string) string {
	plain, err := c.cipher.Decrypt(value)
	if err != nil {
		c.log.Warn().Err(err).Str("patient_id", id.String()).Str("field", name).
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
