package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const DBTxKey contextKey = "db_tx"

// WithTx begins a transaction on the tenant-scoped connection stored in
// the context and returns the transaction plus a derived context that
// carries it. Callers own the commit; the usual shape is
//
//	tx, ctx, err := db.WithTx(ctx)
//	defer tx.Rollback(ctx)
func WithTx(ctx context.Context) (pgx.Tx, context.Context, error) {
	conn := ConnFromContext(ctx)
	if conn == nil {
		return nil, ctx, fmt.Errorf("no database connection in context")
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, ctx, fmt.Errorf("begin transaction: %w", err)
	}

	return tx, context.WithValue(ctx, DBTxKey, tx), nil
}

// TxFromContext retrieves an in-flight transaction, or nil when the
// caller is not running inside one.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}
