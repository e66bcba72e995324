package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxManager runs transactions on a pgx connection pool.
type PgxManager struct {
	pool *pgxpool.Pool
	opts pgx.TxOptions
}

// NewPgxManager creates a manager that begins transactions on pool with opts.
func NewPgxManager(pool *pgxpool.Pool, opts pgx.TxOptions) *PgxManager {
	return &PgxManager{pool: pool, opts: opts}
}

// Begin opens a pgx.Tx.
func (m *PgxManager) Begin(ctx context.Context) (Handle, error) {
	tx, err := m.pool.BeginTx(ctx, m.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// Commit commits h, which must be a pgx.Tx from Begin.
func (m *PgxManager) Commit(ctx context.Context, h Handle) error {
	tx, ok := h.(pgx.Tx)
	if !ok {
		return ErrInvalidHandle
	}
	return tx.Commit(ctx)
}

// Rollback rolls h back. Rolling back a finished transaction is not an error.
func (m *PgxManager) Rollback(ctx context.Context, h Handle) error {
	tx, ok := h.(pgx.Tx)
	if !ok {
		return ErrInvalidHandle
	}
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

var _ Manager = (*PgxManager)(nil)
