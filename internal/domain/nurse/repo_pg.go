package nurse

import (
	"context"
	"errors"
	"strconv"

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

const nurseCols = `id, account_id, first_name_enc, last_name_enc, email_enc, email_hash,
	phone_enc, address_enc, unit, role, created_by, created_at, updated_at`

func scanNurse(row pgx.Row) (*StoredNurse, error) {
	var sn StoredNurse
	err := row.Scan(&sn.ID, &sn.AccountID, &sn.FirstNameEnc, &sn.LastNameEnc, &sn.EmailEnc, &sn.EmailHash,
		&sn.PhoneEnc, &sn.AddressEnc, &sn.Unit, &sn.Role, &sn.CreatedBy, &sn.CreatedAt, &sn.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("nurse not found")
	}
	return &sn, err
}

func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Conflict("nurse with this email already exists")
	}
	return err
}

func (r *repoPG) Create(ctx context.Context, sn *StoredNurse) error {
	if sn.ID == uuid.Nil {
		sn.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO nurse (id, account_id, first_name_enc, last_name_enc, email_enc, email_hash,
			phone_enc, address_enc, unit, role, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		sn.ID, sn.AccountID, sn.FirstNameEnc, sn.LastNameEnc, sn.EmailEnc, sn.EmailHash,
		sn.PhoneEnc, sn.AddressEnc, sn.Unit, sn.Role, sn.CreatedBy)
	return mapWriteErr(err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*StoredNurse, error) {
	return scanNurse(r.conn(ctx).QueryRow(ctx, `SELECT `+nurseCols+` FROM nurse WHERE id = $1`, id))
}

func (r *repoPG) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*StoredNurse, error) {
	return scanNurse(r.conn(ctx).QueryRow(ctx, `SELECT `+nurseCols+` FROM nurse WHERE account_id = $1`, accountID))
}

func (r *repoPG) Update(ctx context.Context, sn *StoredNurse) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE nurse SET first_name_enc=$2, last_name_enc=$3, email_enc=$4, email_hash=$5,
			phone_enc=$6, address_enc=$7, unit=$8, role=$9, updated_at=NOW()
		WHERE id = $1`,
		sn.ID, sn.FirstNameEnc, sn.LastNameEnc, sn.EmailEnc, sn.EmailHash,
		sn.PhoneEnc, sn.AddressEnc, sn.Unit, sn.Role)
	return mapWriteErr(err)
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM nurse WHERE id = $1`, id)
	return err
}

func (r *repoPG) DeleteByAccountID(ctx context.Context, accountID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM nurse WHERE account_id = $1`, accountID)
	return err
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*StoredNurse, int, error) {
	return r.list(ctx, `TRUE`, nil, limit, offset)
}

func (r *repoPG) ListByCreator(ctx context.Context, createdBy uuid.UUID, limit, offset int) ([]*StoredNurse, int, error) {
	return r.list(ctx, `created_by = $1`, []interface{}{createdBy}, limit, offset)
}

func (r *repoPG) ListByRole(ctx context.Context, role string, limit, offset int) ([]*StoredNurse, int, error) {
	return r.list(ctx, `role = $1`, []interface{}{role}, limit, offset)
}

func (r *repoPG) list(ctx context.Context, where string, args []interface{}, limit, offset int) ([]*StoredNurse, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM nurse WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	query := `SELECT ` + nurseCols + ` FROM nurse WHERE ` + where +
		` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*StoredNurse
	for rows.Next() {
		sn, err := scanNurse(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, sn)
	}
	return items, total, nil
}
