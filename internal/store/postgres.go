package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/flowguard/internal/machine"
	"github.com/linkflow/flowguard/internal/snapshot"
	"github.com/linkflow/flowguard/internal/txn"
)

// PostgresStore implements Store using PostgreSQL. Calls made with a context
// carrying a pgx.Tx from txn.PgxManager join that transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStore creates a new PostgreSQL-backed snapshot store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the state_machines table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS state_machines (
			id         TEXT PRIMARY KEY,
			data       BYTEA NOT NULL,
			checksum   BYTEA NOT NULL,
			db_version BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create state_machines table: %w", err)
	}
	return nil
}

func (s *PostgresStore) querier(ctx context.Context) pgQuerier {
	if tx, ok := txn.PgxTx(ctx); ok {
		return tx
	}
	return s.pool
}

// Write upserts the snapshot for id and bumps its db_version.
func (s *PostgresStore) Write(ctx context.Context, id string, snap *machine.Snapshot) error {
	if id == "" {
		return ErrEmptyID
	}
	data, err := snapshot.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	_, err = s.querier(ctx).Exec(ctx, `
		INSERT INTO state_machines (id, data, checksum, db_version, updated_at)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (id) DO UPDATE SET
			data = EXCLUDED.data,
			checksum = EXCLUDED.checksum,
			db_version = state_machines.db_version + 1,
			updated_at = now()
	`, id, data, checksum(data))
	if err != nil {
		return fmt.Errorf("failed to write state machine %q: %w", id, err)
	}
	return nil
}

// Read retrieves the snapshot for id.
func (s *PostgresStore) Read(ctx context.Context, id string) (*machine.Snapshot, error) {
	var data, sum []byte
	err := s.querier(ctx).QueryRow(ctx, `
		SELECT data, checksum
		FROM state_machines
		WHERE id = $1
	`, id).Scan(&data, &sum)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read state machine %q: %w", id, err)
	}
	if !bytes.Equal(sum, checksum(data)) {
		return nil, fmt.Errorf("%w: %q", ErrCorrupted, id)
	}

	snap, err := snapshot.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize snapshot: %w", err)
	}
	return snap, nil
}

// Delete deletes the snapshot for id.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.querier(ctx).Exec(ctx, `DELETE FROM state_machines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete state machine %q: %w", id, err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
