package postgres

import (
	"context"
	"fmt"

	"github.com/cassiomorais/venuepay/internal/transaction"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ctxKey is an unexported type for context keys in this package.
type ctxKey int

const txKey ctxKey = iota

// DBTX is the common query interface satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ConnFromCtx returns the session transaction bound to ctx, otherwise the pool.
func ConnFromCtx(ctx context.Context, pool *pgxpool.Pool) DBTX {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return pool
}

// SessionFactory opens one snapshot-isolated database transaction per
// payment transaction.
type SessionFactory struct {
	pool        *pgxpool.Pool
	remoteApply bool
}

// NewSessionFactory creates a factory. With remoteApply set every session
// waits for standby replicas to apply its commit before returning.
func NewSessionFactory(pool *pgxpool.Pool, remoteApply bool) *SessionFactory {
	return &SessionFactory{pool: pool, remoteApply: remoteApply}
}

func (f *SessionFactory) Begin(ctx context.Context) (transaction.Session, error) {
	tx, err := f.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}

	if f.remoteApply {
		if _, err := tx.Exec(ctx, "SET LOCAL synchronous_commit = remote_apply"); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("set synchronous_commit: %w", err)
		}
	}

	return &Session{tx: tx}, nil
}

// Session wraps a pgx transaction. Repositories called with a context from
// Bind run their statements inside it.
type Session struct {
	tx pgx.Tx
}

func (s *Session) Bind(ctx context.Context) context.Context {
	return context.WithValue(ctx, txKey, s.tx)
}

func (s *Session) Commit(ctx context.Context) error {
	if err := s.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Session) Rollback(ctx context.Context) error {
	if err := s.tx.Rollback(ctx); err != nil {
		return fmt.Errorf("rollback tx: %w", err)
	}
	return nil
}
