package account

import (
	"context"
	"errors"
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

const accountCols = `id, email_enc, email_hash, password_hash, role,
	first_name_enc, last_name_enc, phone_enc, date_of_birth_enc,
	two_factor_enabled, locked, disabled, last_login_at,
	otp_code, otp_expires_at, reset_token, reset_expires_at, reset_used,
	deletion_verified_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*StoredAccount, error) {
	var sa StoredAccount
	err := row.Scan(&sa.ID, &sa.EmailEnc, &sa.EmailHash, &sa.PasswordHash, &sa.Role,
		&sa.FirstNameEnc, &sa.LastNameEnc, &sa.PhoneEnc, &sa.DateOfBirthEnc,
		&sa.TwoFactorEnabled, &sa.Locked, &sa.Disabled, &sa.LastLoginAt,
		&sa.OTPCode, &sa.OTPExpiresAt, &sa.ResetToken, &sa.ResetExpiresAt, &sa.ResetUsed,
		&sa.DeletionVerifiedAt, &sa.CreatedAt, &sa.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("account not found")
	}
	return &sa, err
}

// mapWriteErr translates a unique index violation into a Conflict so the
// service layer never leaks SQLSTATE strings to callers.
func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Conflict("account with this email already exists")
	}
	return err
}

func (r *repoPG) Create(ctx context.Context, sa *StoredAccount) error {
	if sa.ID == uuid.Nil {
		sa.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO account (id, email_enc, email_hash, password_hash, role,
			first_name_enc, last_name_enc, phone_enc, date_of_birth_enc,
			two_factor_enabled, locked, disabled,
			reset_token, reset_expires_at, reset_used)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		sa.ID, sa.EmailEnc, sa.EmailHash, sa.PasswordHash, sa.Role,
		sa.FirstNameEnc, sa.LastNameEnc, sa.PhoneEnc, sa.DateOfBirthEnc,
		sa.TwoFactorEnabled, sa.Locked, sa.Disabled,
		sa.ResetToken, sa.ResetExpiresAt, sa.ResetUsed)
	return mapWriteErr(err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*StoredAccount, error) {
	return scanAccount(r.conn(ctx).QueryRow(ctx, `SELECT `+accountCols+` FROM account WHERE id = $1`, id))
}

func (r *repoPG) GetByEmailHash(ctx context.Context, emailHash string) (*StoredAccount, error) {
	return scanAccount(r.conn(ctx).QueryRow(ctx, `SELECT `+accountCols+` FROM account WHERE email_hash = $1`, emailHash))
}

func (r *repoPG) GetByResetToken(ctx context.Context, token string) (*StoredAccount, error) {
	return scanAccount(r.conn(ctx).QueryRow(ctx, `SELECT `+accountCols+` FROM account WHERE reset_token = $1`, token))
}

func (r *repoPG) UpdateProfile(ctx context.Context, sa *StoredAccount) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE account SET email_enc=$2, email_hash=$3, first_name_enc=$4, last_name_enc=$5,
			phone_enc=$6, date_of_birth_enc=$7, updated_at=NOW()
		WHERE id = $1`,
		sa.ID, sa.EmailEnc, sa.EmailHash, sa.FirstNameEnc, sa.LastNameEnc,
		sa.PhoneEnc, sa.DateOfBirthEnc)
	return mapWriteErr(err)
}

func (r *repoPG) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE account SET password_hash=$2, updated_at=NOW() WHERE id = $1`, id, passwordHash)
	return err
}

func (r *repoPG) SetOTP(ctx context.Context, id uuid.UUID, code string, expiresAt time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE account SET otp_code=$2, otp_expires_at=$3, updated_at=NOW() WHERE id = $1`,
		id, code, expiresAt)
	return err
}

// ConsumeOTP clears the code in the same statement that checks it, so a
// concurrent second attempt with the same code cannot also succeed. An
// expired code leaves the stored fields unchanged.
func (r *repoPG) ConsumeOTP(ctx context.Context, id uuid.UUID, code string, now time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE account SET otp_code=NULL, otp_expires_at=NULL, updated_at=NOW()
		WHERE id = $1 AND otp_code = $2 AND otp_expires_at > $3`,
		id, code, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) SetResetToken(ctx context.Context, id uuid.UUID, token string, expiresAt time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE account SET reset_token=$2, reset_expires_at=$3, reset_used=FALSE, updated_at=NOW()
		WHERE id = $1`,
		id, token, expiresAt)
	return err
}

// ConsumeResetToken writes the new password hash and marks the token used in
// one statement, which is the single-use guarantee.
func (r *repoPG) ConsumeResetToken(ctx context.Context, id uuid.UUID, token, passwordHash string, now time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE account SET password_hash=$3, reset_used=TRUE, updated_at=NOW()
		WHERE id = $1 AND reset_token = $2 AND reset_used = FALSE AND reset_expires_at > $4`,
		id, token, passwordHash, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) SetTwoFactor(ctx context.Context, id uuid.UUID, enabled bool) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE account SET two_factor_enabled=$2, updated_at=NOW() WHERE id = $1`, id, enabled)
	return err
}

func (r *repoPG) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE account SET last_login_at=$2, updated_at=NOW() WHERE id = $1`, id, at)
	return err
}

func (r *repoPG) MarkDeletionVerified(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE account SET deletion_verified_at=$2, updated_at=NOW() WHERE id = $1`, id, at)
	return err
}

func (r *repoPG) CountByRole(ctx context.Context, role string) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM account WHERE role = $1`, role).Scan(&n)
	return n, err
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*StoredAccount, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM account`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+accountCols+` FROM account ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*StoredAccount
	for rows.Next() {
		sa, err := scanAccount(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, sa)
	}
	return items, total, nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM account WHERE id = $1`, id)
	return err
}
