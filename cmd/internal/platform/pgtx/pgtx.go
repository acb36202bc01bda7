// Package pgtx lets a store join a transaction opened by another store on
// the same pool. The outer store puts its tx on the context; Begin then opens
// a savepoint on it instead of taking a second connection.
package pgtx

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Beginner is satisfied by *pgxpool.Pool and pgx.Tx.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

type ctxKey struct{}

// With returns ctx carrying tx.
func With(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, ctxKey{}, tx)
}

// From returns the transaction carried by ctx, if any.
func From(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(ctxKey{}).(pgx.Tx)
	return tx, ok && tx != nil
}

// Begin opens a nested transaction (savepoint) on the tx carried by ctx, or a
// new transaction on db when there is none.
func Begin(ctx context.Context, db Beginner, opts pgx.TxOptions) (pgx.Tx, error) {
	if tx, ok := From(ctx); ok {
		return tx.Begin(ctx)
	}
	return db.BeginTx(ctx, opts)
}
