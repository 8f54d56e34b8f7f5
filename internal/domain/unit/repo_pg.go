package unit

import (
	"context"
	"errors"

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

const unitCols = `id, name, description, created_by, created_at, updated_at`

func scanUnit(row pgx.Row) (*Unit, error) {
	var u Unit
	err := row.Scan(&u.ID, &u.Name, &u.Description, &u.CreatedBy, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("unit not found")
	}
	return &u, err
}

func mapWriteErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.Conflict("unit with this name already exists")
	}
	return err
}

func (r *repoPG) Create(ctx context.Context, u *Unit) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO unit (id, name, description, created_by)
		VALUES ($1,$2,$3,$4)`,
		u.ID, u.Name, u.Description, u.CreatedBy)
	return mapWriteErr(err)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Unit, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+unitCols+` FROM unit WHERE id = $1`, id)
	return scanUnit(row)
}

func (r *repoPG) GetByName(ctx context.Context, name string) (*Unit, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+unitCols+` FROM unit WHERE name = $1`, name)
	return scanUnit(row)
}

func (r *repoPG) Update(ctx context.Context, u *Unit) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE unit SET name = $2, description = $3, updated_at = NOW()
		WHERE id = $1`,
		u.ID, u.Name, u.Description)
	if err != nil {
		return mapWriteErr(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("unit not found")
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM unit WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("unit not found")
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Unit, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM unit`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+unitCols+` FROM unit ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var units []*Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, 0, err
		}
		units = append(units, u)
	}
	return units, total, rows.Err()
}
