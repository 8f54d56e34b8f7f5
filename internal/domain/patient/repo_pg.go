package patient

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chartline/chartline/internal/platform/apperr"
	"github.com/chartline/chartline/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const patientCols = `id, first_name_enc, last_initial_enc, mrn_enc, mrn_hash,
	date_of_birth_enc, gender_enc, address_enc, phone_enc, email_enc,
	unit, created_by, discharged, discharged_by, discharged_at, created_at, updated_at`

func scanPatient(row pgx.Row) (*StoredPatient, error) {
	var sp StoredPatient
	err := row.Scan(&sp.ID, &sp.FirstNameEnc, &sp.LastInitialEnc, &sp.MRNEnc, &sp.MRNHash,
		&sp.DateOfBirthEnc, &sp.GenderEnc, &sp.AddressEnc, &sp.PhoneEnc, &sp.EmailEnc,
		&sp.Unit, &sp.CreatedBy, &sp.Discharged, &sp.DischargedBy, &sp.DischargedAt,
		&sp.CreatedAt, &sp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("patient not found")
	}
	return &sp, err
}

func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "patient_extension_patient_chart_key" {
			return apperr.Conflict("chart id already exists for this patient")
		}
		return apperr.Conflict("patient with this MRN already exists")
	}
	return err
}

// Create inserts the record and its initial extensions sequentially. The
// service rejects duplicate chart ids before this is called; an infra
// failure mid-way can still leave a record without some extensions, which
// is the store's documented best-effort behavior.
func (r *repoPG) Create(ctx context.Context, sp *StoredPatient) error {
	if sp.ID == uuid.Nil {
		sp.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient (id, first_name_enc, last_initial_enc, mrn_enc, mrn_hash,
			date_of_birth_enc, gender_enc, address_enc, phone_enc, email_enc,
			unit, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		sp.ID, sp.FirstNameEnc, sp.LastInitialEnc, sp.MRNEnc, sp.MRNHash,
		sp.DateOfBirthEnc, sp.GenderEnc, sp.AddressEnc, sp.PhoneEnc, sp.EmailEnc,
		sp.Unit, sp.CreatedBy)
	if err != nil {
		return mapWriteErr(err)
	}
	for _, se := range sp.Extensions {
		se.PatientID = sp.ID
		if err := r.AddExtension(ctx, se); err != nil {
			return err
		}
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*StoredPatient, error) {
	sp, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadDetails(ctx, sp); err != nil {
		return nil, err
	}
	return sp, nil
}

func (r *repoPG) GetByMRNHash(ctx context.Context, mrnHash string) (*StoredPatient, error) {
	return scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE mrn_hash = $1`, mrnHash))
}

func (r *repoPG) Update(ctx context.Context, sp *StoredPatient) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient SET first_name_enc=$2, last_initial_enc=$3, mrn_enc=$4, mrn_hash=$5,
			date_of_birth_enc=$6, gender_enc=$7, address_enc=$8, phone_enc=$9, email_enc=$10,
			unit=$11, updated_at=NOW()
		WHERE id = $1`,
		sp.ID, sp.FirstNameEnc, sp.LastInitialEnc, sp.MRNEnc, sp.MRNHash,
		sp.DateOfBirthEnc, sp.GenderEnc, sp.AddressEnc, sp.PhoneEnc, sp.EmailEnc,
		sp.Unit)
	return mapWriteErr(err)
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	// Extensions and assignments cascade via foreign keys.
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM patient WHERE id = $1`, id)
	return err
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*StoredPatient, int, error) {
	return r.list(ctx, `discharged = FALSE`, nil, limit, offset)
}

func (r *repoPG) ListByCreator(ctx context.Context, createdBy uuid.UUID, limit, offset int) ([]*StoredPatient, int, error) {
	return r.list(ctx, `discharged = FALSE AND created_by = $1`, []interface{}{createdBy}, limit, offset)
}

func (r *repoPG) ListDischarged(ctx context.Context, f DischargedFilter, limit, offset int) ([]*StoredPatient, int, error) {
	switch {
	case f.All:
		return r.list(ctx, `discharged = TRUE`, nil, limit, offset)
	case f.NurseID != uuid.Nil:
		return r.list(ctx,
			`discharged = TRUE AND (discharged_by = $1 OR EXISTS (
				SELECT 1 FROM patient_assignment pa WHERE pa.patient_id = patient.id AND pa.nurse_id = $2))`,
			[]interface{}{f.ActorID, f.NurseID}, limit, offset)
	default:
		return r.list(ctx, `discharged = TRUE AND (created_by = $1 OR discharged_by = $1)`,
			[]interface{}{f.ActorID}, limit, offset)
	}
}

func (r *repoPG) AddExtension(ctx context.Context, se *StoredExtension) error {
	if se.ID == uuid.Nil {
		se.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_extension (id, patient_id, chart_id, audio_url_enc,
			transcript_enc, extracted_data_enc, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		se.ID, se.PatientID, se.ChartID, se.AudioURLEnc,
		se.TranscriptEnc, se.ExtractedDataEnc, se.RecordedAt)
	return mapWriteErr(err)
}

func (r *repoPG) ChartIDExists(ctx context.Context, patientID uuid.UUID, chartID string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM patient_extension WHERE patient_id = $1 AND chart_id = $2)`,
		patientID, chartID).Scan(&exists)
	return exists, err
}

func (r *repoPG) Assign(ctx context.Context, sa *StoredAssignment) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_assignment (patient_id, nurse_id, nurse_name_enc, assigned_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (patient_id, nurse_id) DO NOTHING`,
		sa.PatientID, sa.NurseID, sa.NurseNameEnc, sa.AssignedAt)
	return err
}

func (r *repoPG) Unassign(ctx context.Context, patientID, nurseID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM patient_assignment WHERE patient_id = $1 AND nurse_id = $2`, patientID, nurseID)
	return err
}

func (r *repoPG) ListAssignedToNurse(ctx context.Context, nurseID uuid.UUID) ([]*StoredPatient, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+patientCols+` FROM patient
		WHERE discharged = FALSE AND EXISTS (
			SELECT 1 FROM patient_assignment pa WHERE pa.patient_id = patient.id AND pa.nurse_id = $1)
		ORDER BY created_at DESC`, nurseID)
	if err != nil {
		return nil, err
	}
	items, err := collectPatients(rows)
	if err != nil {
		return nil, err
	}
	for _, sp := range items {
		if err := r.loadExtensions(ctx, sp); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (r *repoPG) CountAssignedPatients(ctx context.Context) (map[uuid.UUID]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT pa.nurse_id, COUNT(*) FROM patient_assignment pa
		JOIN patient p ON p.id = pa.patient_id AND p.discharged = FALSE
		GROUP BY pa.nurse_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (r *repoPG) SetDischarge(ctx context.Context, id uuid.UUID, discharged bool, by *uuid.UUID, at *time.Time) error {
	if discharged {
		_, err := r.conn(ctx).Exec(ctx,
			`UPDATE patient SET discharged=TRUE, discharged_by=$2, discharged_at=$3, updated_at=NOW() WHERE id = $1`,
			id, by, at)
		return err
	}
	// Undo clears the flag but keeps who/when for history until the next
	// discharge overwrites them.
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE patient SET discharged=FALSE, updated_at=NOW() WHERE id = $1`, id)
	return err
}

func (r *repoPG) ListWithExtensions(ctx context.Context) ([]*StoredPatient, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+patientCols+` FROM patient WHERE discharged = FALSE ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	items, err := collectPatients(rows)
	if err != nil {
		return nil, err
	}
	for _, sp := range items {
		if err := r.loadExtensions(ctx, sp); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// -- helpers --

func (r *repoPG) list(ctx context.Context, where string, args []interface{}, limit, offset int) ([]*StoredPatient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	query := `SELECT ` + patientCols + ` FROM patient WHERE ` + where +
		` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectPatients(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func collectPatients(rows pgx.Rows) ([]*StoredPatient, error) {
	defer rows.Close()
	var items []*StoredPatient
	for rows.Next() {
		sp, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, sp)
	}
	return items, rows.Err()
}

func (r *repoPG) loadDetails(ctx context.Context, sp *StoredPatient) error {
	if err := r.loadExtensions(ctx, sp); err != nil {
		return err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT patient_id, nurse_id, nurse_name_enc, assigned_at
		FROM patient_assignment WHERE patient_id = $1 ORDER BY assigned_at`, sp.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var sa StoredAssignment
		if err := rows.Scan(&sa.PatientID, &sa.NurseID, &sa.NurseNameEnc, &sa.AssignedAt); err != nil {
			return err
		}
		sp.Assignments = append(sp.Assignments, &sa)
	}
	return rows.Err()
}

func (r *repoPG) loadExtensions(ctx context.Context, sp *StoredPatient) error {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, chart_id, audio_url_enc, transcript_enc, extracted_data_enc,
			recorded_at, created_at
		FROM patient_extension WHERE patient_id = $1 ORDER BY recorded_at`, sp.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var se StoredExtension
		if err := rows.Scan(&se.ID, &se.PatientID, &se.ChartID, &se.AudioURLEnc,
			&se.TranscriptEnc, &se.ExtractedDataEnc, &se.RecordedAt, &se.CreatedAt); err != nil {
			return err
		}
		sp.Extensions = append(sp.Extensions, &se)
	}
	return rows.Err()
}
