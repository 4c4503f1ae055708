package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const DBTxKey contextKey = "db_tx"

// WithTx returns a context carrying tx. Repositories that find a transaction
// in the context run their statements on it.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, DBTxKey, tx)
}

// TxFromContext retrieves the transaction stored by WithTx.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// TxBeginner is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgxmock pools.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// RunInTx runs fn inside a transaction and commits when fn returns nil.
// The transaction is rolled back on error or panic.
func RunInTx(ctx context.Context, b TxBeginner, opts pgx.TxOptions, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	tx, err := b.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(WithTx(ctx, tx), tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
