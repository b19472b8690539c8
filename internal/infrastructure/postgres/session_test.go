package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	pgx.Tx
	commits   int
	rollbacks int
	err       error
}

func (f *fakeTx) Commit(context.Context) error {
	f.commits++
	return f.err
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rollbacks++
	return f.err
}

func TestSession_BindRoutesRepositoriesToTx(t *testing.T) {
	tx := &fakeTx{}
	s := &Session{tx: tx}

	bound := s.Bind(context.Background())

	assert.Same(t, tx, ConnFromCtx(bound, nil))
}

func TestConnFromCtx_FallsBackToPool(t *testing.T) {
	conn := ConnFromCtx(context.Background(), nil)
	_, isTx := conn.(pgx.Tx)
	assert.False(t, isTx)
}

func TestSession_CommitAndRollbackWrapErrors(t *testing.T) {
	tx := &fakeTx{}
	s := &Session{tx: tx}
	ctx := context.Background()

	require.NoError(t, s.Commit(ctx))
	require.NoError(t, s.Rollback(ctx))
	assert.Equal(t, 1, tx.commits)
	assert.Equal(t, 1, tx.rollbacks)

	tx.err = errors.New("connection reset")
	err := s.Commit(ctx)
	assert.ErrorIs(t, err, tx.err)
	assert.Contains(t, err.Error(), "commit tx")
}
