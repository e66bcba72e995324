package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLManager runs transactions on a database/sql pool.
type SQLManager struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// NewSQLManager creates a manager over db. opts may be nil.
func NewSQLManager(db *sql.DB, opts *sql.TxOptions) *SQLManager {
	return &SQLManager{db: db, opts: opts}
}

// Begin opens a *sql.Tx.
func (m *SQLManager) Begin(ctx context.Context) (Handle, error) {
	tx, err := m.db.BeginTx(ctx, m.opts)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// Commit commits h, which must be a *sql.Tx from Begin.
func (m *SQLManager) Commit(ctx context.Context, h Handle) error {
	tx, ok := h.(*sql.Tx)
	if !ok {
		return ErrInvalidHandle
	}
	return tx.Commit()
}

// Rollback rolls h back. Rolling back a finished transaction is not an error.
func (m *SQLManager) Rollback(ctx context.Context, h Handle) error {
	tx, ok := h.(*sql.Tx)
	if !ok {
		return ErrInvalidHandle
	}
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

var _ Manager = (*SQLManager)(nil)
