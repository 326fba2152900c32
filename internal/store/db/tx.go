package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNoTx is returned by operations that must join a caller's transaction
// when none is present in the context.
var ErrNoTx = errors.New("no transaction in context")

// Querier is the common interface implemented by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txCtxKey struct{}

func withTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txCtxKey{}, tx)
}

// InTx reports whether ctx carries a transaction started by RunInTx.
func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txCtxKey{}).(*sql.Tx)
	return ok
}

// Querier returns the transaction from ctx if present, otherwise the pool.
func (db *DB) Querier(ctx context.Context) Querier {
	if tx, ok := ctx.Value(txCtxKey{}).(*sql.Tx); ok {
		return tx
	}
	return db.conn
}

// RunInTx executes fn within a write transaction.
//
// If ctx already carries a transaction, fn joins it and the outermost call
// decides the outcome. On error from fn the transaction is rolled back and
// the error returned; on panic it is rolled back and the panic re-raised.
func (db *DB) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if InTx(ctx) {
		return fn(ctx)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(withTx(ctx, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %w (original error: %v)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
